package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ecologicaleaving/startapp-sub002/errors"
	"github.com/ecologicaleaving/startapp-sub002/subscription"
)

// statusFor maps classified errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, errors.ErrConnectionTimeout),
		errors.Is(err, errors.ErrChannelTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, errors.ErrDataUnavailable), errors.Is(err, subscription.ErrUnknownSubscription):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage returns a message that is safe to show to clients.
// Wrapped error text carries hosts, subjects and keys and is only logged.
func publicMessage(status int, err error) string {
	switch status {
	case http.StatusBadRequest:
		if errors.Is(err, errors.ErrInvalidFilter) {
			return "invalid filter"
		}
		return "invalid request"
	case http.StatusNotFound:
		if errors.Is(err, errors.ErrDataUnavailable) {
			return "no data available"
		}
		return "resource not found"
	case http.StatusGatewayTimeout:
		return "request timeout"
	case http.StatusServiceUnavailable:
		if errors.Is(err, errors.ErrCircuitOpen) {
			return "realtime temporarily disabled"
		}
		return "service temporarily unavailable"
	default:
		return "internal server error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error":  message,
		"status": status,
	})
}
