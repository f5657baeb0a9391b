package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/haasonsaas/relay/internal/provider"
)

// errorEnvelope is the OpenAI-style error body. Every outbound error
// carries the request id; stack traces never leave the process.
type errorEnvelope struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"requestId,omitempty"`
	Path      string    `json:"path,omitempty"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, requestID, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-Id", requestID)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{
		Error:     errorBody{Message: message, Type: errType, Code: code},
		RequestID: requestID,
	})
}

func writeValidationError(w http.ResponseWriter, requestID, message string) {
	writeError(w, http.StatusBadRequest, requestID, "invalid_request_error", "VALIDATION", message)
}

func writeNotFound(w http.ResponseWriter, requestID, path string) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-Id", requestID)
	}
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(errorEnvelope{
		Error:     errorBody{Message: "route not found", Type: "invalid_request_error", Code: "NOT_FOUND"},
		RequestID: requestID,
		Path:      path,
	})
}

// writeUpstreamError maps loop/provider failures onto HTTP statuses:
// transient upstream failures become a 502-equivalent, permanent provider
// 4xx surface verbatim, everything else is a 500 with the request id only.
func writeUpstreamError(w http.ResponseWriter, requestID string, err error) {
	var upstream *provider.UpstreamError
	if errors.As(err, &upstream) {
		switch upstream.Class {
		case provider.ClassTransient:
			writeError(w, http.StatusBadGateway, requestID, "upstream_error", "UPSTREAM_TRANSIENT", upstream.Error())
			return
		case provider.ClassPermanent:
			status := upstream.Status
			if status < 400 || status > 499 {
				status = http.StatusBadRequest
			}
			writeError(w, status, requestID, "upstream_error", "UPSTREAM_REJECTED", upstream.Error())
			return
		default:
			writeError(w, http.StatusBadGateway, requestID, "upstream_error", "UPSTREAM_FAILED", upstream.Error())
			return
		}
	}
	if errors.Is(err, provider.ErrNoProvider) {
		writeError(w, http.StatusNotFound, requestID, "invalid_request_error", "MODEL_UNKNOWN", err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, requestID, "internal_error", "INTERNAL", "internal error")
}
