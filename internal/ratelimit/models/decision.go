package models

import (
	"math"
	"net/http"
	"time"
)

// DenyReason is the machine-parseable class of a denial.
type DenyReason string

const (
	ReasonRateLimitExceeded      DenyReason = "rate_limit_exceeded"
	ReasonBlocked                DenyReason = "blocked"
	ReasonThreatDetected         DenyReason = "threat_detected"
	ReasonTemporarilyUnavailable DenyReason = "temporarily_unavailable"
)

// HTTPStatus maps the reason to a response status.
func (r DenyReason) HTTPStatus() int {
	switch r {
	case ReasonThreatDetected:
		return http.StatusForbidden
	case ReasonTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusTooManyRequests
	}
}

// Message is the generic text shown to callers. It never carries internal detail.
func (r DenyReason) Message() string {
	switch r {
	case ReasonBlocked:
		return "Access temporarily blocked. Try again later."
	case ReasonThreatDetected:
		return "Request rejected."
	case ReasonTemporarilyUnavailable:
		return "Service temporarily unavailable. Try again shortly."
	default:
		return "Too many requests. Please try again later."
	}
}

// Decision is the single value the gate returns for a request.
type Decision struct {
	Allowed    bool           `json:"allowed"`
	Reason     DenyReason     `json:"reason,omitempty"`
	RetryAfter time.Duration  `json:"retry_after,omitempty"`
	Limit      int            `json:"limit"`
	Remaining  int            `json:"remaining"`
	Window     time.Duration  `json:"window"`
	ResetAt    time.Time      `json:"reset_at"`
	Identity   ClientIdentity `json:"identity"`
	// Degraded is set when the store could not be consulted and the
	// failure policy decided the outcome.
	Degraded bool `json:"degraded,omitempty"`
}

// HasQuota reports whether quota metadata is attached.
func (d Decision) HasQuota() bool {
	return d.Limit > 0
}

// RetryAfterSeconds rounds the retry hint up to whole seconds, at least 1 on denial.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	return max(secs, 1)
}

// Allow builds an allow decision carrying result metadata.
func Allow(identity ClientIdentity, result RateLimitResult) Decision {
	return Decision{
		Allowed:   true,
		Limit:     result.Limit,
		Remaining: result.Remaining,
		Window:    result.Policy.Window,
		ResetAt:   result.ResetAt,
		Identity:  identity,
	}
}

// Deny builds a denial with a retry hint.
func Deny(identity ClientIdentity, reason DenyReason, retryAfter time.Duration) Decision {
	return Decision{
		Allowed:    false,
		Reason:     reason,
		RetryAfter: max(retryAfter, 0),
		Identity:   identity,
	}
}

// DenyExceeded builds a rate limit denial from the rejecting window result.
func DenyExceeded(identity ClientIdentity, result RateLimitResult) Decision {
	d := Deny(identity, ReasonRateLimitExceeded, result.RetryAfter)
	d.Limit = result.Limit
	d.Remaining = 0
	d.Window = result.Policy.Window
	d.ResetAt = result.ResetAt
	return d
}
