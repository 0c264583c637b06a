package httptransport

import (
	"net/http"

	"quotaguard/pkg/platform/httputil"
	"quotaguard/pkg/requestcontext"
)

type acceptedResponse struct {
	Operation string `json:"operation"`
	RequestID string `json:"request_id"`
}

// handleAccepted stands in for a protected business operation.
func handleAccepted(operation string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusAccepted, acceptedResponse{
			Operation: operation,
			RequestID: requestcontext.RequestID(r.Context()),
		})
	}
}

type echoResponse struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	UserID string `json:"user_id,omitempty"`
	Tier   string `json:"tier,omitempty"`
}

func handleEcho(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	httputil.WriteJSON(w, http.StatusOK, echoResponse{
		Method: r.Method,
		Path:   r.URL.Path,
		UserID: requestcontext.UserID(ctx),
		Tier:   requestcontext.Tier(ctx),
	})
}
