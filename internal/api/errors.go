package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/rehouzd/skiptrace/internal/model"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// status maps the error taxonomy onto HTTP.
func status(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, model.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrProviderTimeout):
		return http.StatusGatewayTimeout, "provider_timeout"
	case errors.Is(err, model.ErrProviderError):
		return http.StatusBadGateway, "provider_error"
	case errors.Is(err, model.ErrLedgerConflict), errors.Is(err, model.ErrDuplicateRequest):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, kind := status(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = ""
	}
	writeJSON(w, code, errorBody{Error: kind, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}
