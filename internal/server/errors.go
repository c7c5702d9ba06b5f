package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/zombor/fleet-receipts/internal/auth"
	"github.com/zombor/fleet-receipts/internal/capture"
	"github.com/zombor/fleet-receipts/internal/receipt"
	"github.com/zombor/fleet-receipts/internal/scanning"
)

type errorResponse struct {
	Error   string   `json:"error"`
	Missing []string `json:"missing,omitempty"`
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func errNothingToRetry(s *capture.Session) error {
	return fmt.Errorf("%w: nothing to retry while %s", capture.ErrInvalidStage, s.Stage())
}

// writeError maps the error taxonomy onto status codes. Remote and storage
// failures get a fixed message; the cause is only logged.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *receipt.ValidationError

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: validation.Error(), Missing: validation.Missing})
	case errors.Is(err, auth.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
	case errors.Is(err, capture.ErrUnknownField):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, capture.ErrSessionNotFound), errors.Is(err, receipt.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Not found"})
	case errors.Is(err, capture.ErrInvalidStage), errors.Is(err, capture.ErrAbandoned):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, scanning.ErrRecognitionFailed):
		logFailure(r, err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "We could not read this receipt. Please try again."})
	case errors.Is(err, receipt.ErrStoreWriteFailed):
		logFailure(r, err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "The receipt could not be saved. Your changes are kept; try again."})
	default:
		logFailure(r, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
	}
}

func logFailure(r *http.Request, err error) {
	slog.Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", r.Header.Get(requestIDHeader),
		"user_id", sessionFrom(r).UserID,
		"error", err,
	)
}
