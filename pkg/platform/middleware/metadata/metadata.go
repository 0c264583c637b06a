// Package metadata extracts client metadata (IP, User-Agent, request ID) from
// HTTP requests into the request context.
package metadata

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/google/uuid"

	"quotaguard/pkg/requestcontext"
)

// HeaderRequestID carries the correlation ID in and out of the service.
const HeaderRequestID = "X-Request-ID"

// TrustedProxies are the peers whose forwarding headers are believed.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies accepts CIDRs and bare addresses.
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	var out TrustedProxies
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Contains reports whether addr is a trusted proxy.
func (p TrustedProxies) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range p {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientMetadata extracts client IP address, User-Agent and request ID from the request
// and adds them to the context for use by handlers and services.
// Forwarding headers are ignored; use ClientMetadataBehind when running behind a proxy.
// This middleware should be applied early in the chain.
func ClientMetadata(next http.Handler) http.Handler {
	return ClientMetadataBehind(nil)(next)
}

// ClientMetadataBehind is ClientMetadata honoring forwarding headers set by proxies.
func ClientMetadataBehind(proxies TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := strings.TrimSpace(r.Header.Get(HeaderRequestID))
			if requestID == "" || len(requestID) > 128 {
				requestID = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, requestID)

			ctx := requestcontext.WithClientMetadata(r.Context(), ClientIPFromRequest(r, proxies), r.Header.Get("User-Agent"))
			ctx = requestcontext.WithRequestID(ctx, requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIPFromRequest extracts the client IP of r. X-Forwarded-For and X-Real-IP
// are only read when the socket peer is one of proxies. The forwarded chain is
// walked right to left and the first untrusted hop is the client.
func ClientIPFromRequest(r *http.Request, proxies TrustedProxies) string {
	remote := remoteHost(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	peer, err := netip.ParseAddr(remote)
	if err != nil || !proxies.Contains(peer) {
		return remote
	}

	if hops := forwardedHops(r); len(hops) > 0 {
		for i := len(hops) - 1; i >= 0; i-- {
			addr, err := netip.ParseAddr(hops[i])
			if err != nil {
				// A garbled hop ends the trusted chain.
				return remote
			}
			if !proxies.Contains(addr) {
				return addr.Unmap().String()
			}
		}
		// Every hop is a proxy.
		if addr, err := netip.ParseAddr(hops[0]); err == nil {
			return addr.Unmap().String()
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if addr, err := netip.ParseAddr(xri); err == nil {
			return addr.Unmap().String()
		}
	}
	return peer.Unmap().String()
}

// forwardedHops flattens every X-Forwarded-For header in order.
func forwardedHops(r *http.Request) []string {
	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	return hops
}

// remoteHost strips the port of "ip:port" or "[::1]:port".
func remoteHost(addr string) string {
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
