// Package handler provides the HTTP handlers for the REST surface.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/bdleasure/impossibledb/internal/apperrors"
	"go.uber.org/zap"
)

// errorEnvelope is the wire format of every error response.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    apperrors.Code         `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders err as the error envelope with its mapped HTTP
// status.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperrors.AsError(err)
	if appErr.HTTPStatus() >= 500 {
		h.logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", r.Header.Get("X-Request-ID")),
			zap.Error(err))
	}
	if h.metrics != nil {
		h.metrics.RequestErrors.WithLabelValues(string(appErr.Code)).Inc()
	}
	writeJSON(w, appErr.HTTPStatus(), errorEnvelope{Error: errorBody{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	}})
}

// decodeBody parses a JSON request body into out.
func decodeBody(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidRequest, "invalid JSON body", err)
	}
	return nil
}
