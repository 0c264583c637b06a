// Package fingerprint derives non-reversible tokens for anonymous clients.
//
// ClientKey depends on the client address only and is what anonymous quotas
// are counted against. Fingerprint mixes in client-chosen headers; it tells
// devices apart in audit trails and must never key a counter.
package fingerprint

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"net/http"
	"net/netip"
	"strings"

	"github.com/mssola/useragent"
)

// Input is the signal tuple a fingerprint is computed from.
type Input struct {
	ClientIP       string
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
}

// FromRequest collects the signals of r. clientIP is the already-resolved
// client address.
func FromRequest(r *http.Request, clientIP string) Input {
	return Input{
		ClientIP:       clientIP,
		UserAgent:      r.Header.Get("User-Agent"),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
	}
}

// Generator computes fingerprints. With a secret it is keyed (HMAC-SHA256)
// so tokens cannot be precomputed for a known tuple.
type Generator struct {
	secret []byte
}

func New(secret string) *Generator {
	g := &Generator{}
	if secret != "" {
		g.secret = []byte(secret)
	}
	return g
}

// ipv6SubnetBits groups IPv6 clients by the /64 a single host is usually handed.
const ipv6SubnetBits = 64

// ClientKey returns a 64 character hex token of the client address. IPv6
// addresses within one /64 share a key.
func (g *Generator) ClientKey(clientIP string) string {
	return g.sum("addr", NormalizeAddress(clientIP))
}

// Fingerprint returns a 64 character hex token, deterministic for equal
// normalized input.
func (g *Generator) Fingerprint(in Input) string {
	return g.sum(
		strings.TrimSpace(in.ClientIP),
		NormalizeUserAgent(in.UserAgent),
		normalizeList(in.AcceptLanguage),
		normalizeList(in.AcceptEncoding),
	)
}

func (g *Generator) sum(parts ...string) string {
	var h hash.Hash
	if g.secret != nil {
		h = hmac.New(sha256.New, g.secret)
	} else {
		h = sha256.New()
	}
	h.Write([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeAddress canonicalizes an address for keying: IPv4-mapped forms
// collapse to IPv4 and IPv6 is masked to its /64. Unparseable input is
// trimmed and lowercased.
func NormalizeAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	addr = addr.Unmap().WithZone("")
	if addr.Is4() {
		return addr.String()
	}
	return netip.PrefixFrom(addr, ipv6SubnetBits).Masked().String()
}

// NormalizeUserAgent reduces a User-Agent to browser, major version, OS and
// form factor so patch-level browser updates keep the same fingerprint.
func NormalizeUserAgent(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ua := useragent.New(raw)
	name, version := ua.Browser()
	if major, _, found := strings.Cut(version, "."); found {
		version = major
	}
	form := "desktop"
	switch {
	case ua.Bot():
		form = "bot"
	case ua.Mobile():
		form = "mobile"
	}
	return strings.ToLower(strings.Join([]string{name, version, ua.OSInfo().Name, form}, "/"))
}

// DisplayName renders "Browser on OS" for logs.
func DisplayName(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "Unknown Device"
	}
	ua := useragent.New(raw)
	name, _ := ua.Browser()
	os := ua.OS()
	if os == "" {
		os = ua.Platform()
	}
	return strings.TrimSpace(name + " on " + os)
}

func normalizeList(v string) string {
	v = strings.ToLower(v)
	return strings.Join(strings.Fields(v), "")
}
