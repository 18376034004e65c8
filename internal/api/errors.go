package api

import (
	"errors"
	"net/http"

	"marketplace-ledger-go/internal/gateway"
	"marketplace-ledger-go/internal/store"

	"go.uber.org/zap"
)

// statusFor maps ledger sentinels onto HTTP status codes. Anything unknown is
// an internal error and its text is not shown to the caller.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidAmount), errors.Is(err, store.ErrInvalidDestination):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrInvalidSignature), errors.Is(err, gateway.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrKYCRequired), errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyFinalized),
		errors.Is(err, store.ErrInvalidState),
		errors.Is(err, store.ErrConcurrentModification),
		errors.Is(err, store.ErrDuplicateReference):
		return http.StatusConflict
	case errors.Is(err, store.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrGatewayUnavailable), errors.Is(err, gateway.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	writeServiceErrorWithData(w, r, err, nil)
}

// writeServiceErrorWithData is used when an operation committed something
// before failing, so the caller still learns the reference.
func writeServiceErrorWithData(w http.ResponseWriter, r *http.Request, err error, data any) {
	code := statusFor(err)
	message := err.Error()
	if code == http.StatusInternalServerError {
		zap.L().Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		message = "internal error"
	}
	writeJSON(w, code, envelope{Status: statusError, Message: message, Data: data})
}
