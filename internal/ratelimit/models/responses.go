package models

// RateLimitExceededResponse is the API response body for every gate denial.
type RateLimitExceededResponse struct {
	Error      DenyReason `json:"error"`
	Message    string     `json:"message"`
	RetryAfter int        `json:"retry_after"` // seconds
}

// NewDenyResponse renders the caller-facing body of a denial.
func NewDenyResponse(d Decision) RateLimitExceededResponse {
	return RateLimitExceededResponse{
		Error:      d.Reason,
		Message:    d.Reason.Message(),
		RetryAfter: d.RetryAfterSeconds(),
	}
}
