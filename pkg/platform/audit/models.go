package audit

import "time"

// Severity levels for security events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Action names a security-relevant outcome of the rate limiting gate.
type Action string

const (
	ActionRateLimitExceeded Action = "rate_limit_exceeded"
	ActionViolationRecorded Action = "violation_recorded"
	ActionBlockCreated      Action = "block_created"
	ActionBlockedRequest    Action = "blocked_request"
	ActionThreatDetected    Action = "threat_detected"
	ActionStoreDegraded     Action = "store_degraded"
	ActionConfigMissing     Action = "rate_limit_config_missing"
)

var actionSeverity = map[Action]Severity{
	ActionRateLimitExceeded: SeverityInfo,
	ActionViolationRecorded: SeverityWarning,
	ActionBlockCreated:      SeverityCritical,
	ActionBlockedRequest:    SeverityWarning,
	ActionThreatDetected:    SeverityCritical,
	ActionStoreDegraded:     SeverityCritical,
	ActionConfigMissing:     SeverityWarning,
}

// Severity returns the default severity of the action.
// Unknown actions default to SeverityInfo.
func (a Action) Severity() Severity {
	if s, ok := actionSeverity[a]; ok {
		return s
	}
	return SeverityInfo
}

// SecurityEvent captures security-relevant actions for SIEM and alerting.
// Events are processed asynchronously with buffering.
type SecurityEvent struct {
	Timestamp time.Time `json:"timestamp"`            // set automatically if zero
	Action    Action    `json:"action"`               // what happened
	Subject   string    `json:"subject"`              // identity key, never a raw IP
	Scope     string    `json:"scope,omitempty"`      // policy scope or "global"
	Reason    string    `json:"reason,omitempty"`     // threat kind, deny reason
	IP        string    `json:"ip,omitempty"`         // anonymized client address
	Device    string    `json:"device,omitempty"`     // "Browser on OS" of the client
	RequestID string    `json:"request_id,omitempty"` // correlation ID
	Severity  Severity  `json:"severity"`
}

// Normalize fills defaults derived from the action.
func (e SecurityEvent) Normalize(now time.Time) SecurityEvent {
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.Severity == "" {
		e.Severity = e.Action.Severity()
	}
	return e
}
