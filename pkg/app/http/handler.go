// Package http adapts error-returning handlers to chi and renders ServiceErrors as JSON.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/bridge-warden/pkg/app/errors"
)

// HandlerFunc is an http handler that reports failure by returning an error.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

// ErrorResponse is the body written for every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	Category  string `json:"category,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// HandleError wraps h so that a returned error becomes a JSON error response.
//
//	r.Get("/records/{role}/{nonce}", http.HandleError(logger, h.get))
func HandleError(logger *zap.Logger, h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			WriteError(logger, w, r, err)
		}
	}
}

// WriteError renders err. Only a ServiceError's message reaches the client;
// anything else is logged and reported as an internal error.
func WriteError(logger *zap.Logger, w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{
		Error:     "Unexpected Service Error",
		Code:      http.StatusInternalServerError,
		RequestID: middleware.GetReqID(r.Context()),
	}

	var svcErr *apperrors.ServiceError
	if errors.As(err, &svcErr) {
		resp.Code = svcErr.StatusCode()
		resp.Category = svcErr.Category.String()
		resp.Error = svcErr.Message
		if resp.Error == "" {
			resp.Error = http.StatusText(resp.Code)
		}
	}

	if resp.Code >= http.StatusInternalServerError && logger != nil {
		logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", resp.RequestID),
			zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Code)
	_ = json.NewEncoder(w).Encode(&resp)
}
