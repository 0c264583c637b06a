package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers return
// these (optionally wrapped) so services can translate them into decisions.
//
//   - ErrNotFound: key does not exist in store
//   - ErrInvalidState: record in wrong state or malformed
//   - ErrUnavailable: store timed out, refused the connection, or its circuit is open
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
