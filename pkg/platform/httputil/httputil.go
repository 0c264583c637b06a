// Package httputil holds small helpers for writing JSON responses.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "quotaguard/pkg/domain-errors"
)

// WriteJSON writes v as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps a coded domain error to a status and a JSON error body.
// Internal and unavailable errors never include the underlying message.
func WriteError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	body := map[string]string{"error": code}
	if status < http.StatusInternalServerError {
		body["error_description"] = publicMessage(err)
	}
	WriteJSON(w, status, body)
}

func statusFor(err error) (int, string) {
	switch {
	case dErrors.HasCode(err, dErrors.CodeBadRequest),
		dErrors.HasCode(err, dErrors.CodeValidation),
		dErrors.HasCode(err, dErrors.CodeInvalidInput):
		return http.StatusBadRequest, "bad_request"
	case dErrors.HasCode(err, dErrors.CodeUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case dErrors.HasCode(err, dErrors.CodeNotFound):
		return http.StatusNotFound, "not_found"
	case dErrors.HasCode(err, dErrors.CodeUnavailable), dErrors.HasCode(err, dErrors.CodeTimeout):
		return http.StatusServiceUnavailable, "service_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func publicMessage(err error) string {
	var de *dErrors.Error
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}
