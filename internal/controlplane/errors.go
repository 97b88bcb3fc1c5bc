package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/workflowd/internal/broker"
	"github.com/fentz26/workflowd/internal/claim"
	"github.com/fentz26/workflowd/internal/store"
)

// Sentinel errors for control plane operations.
var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrInvalidID    = errors.New("invalid id")
	ErrInvalidBody  = errors.New("invalid json body")
	ErrInvalidWait  = errors.New("invalid wait duration")
)

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidID), errors.Is(err, ErrInvalidBody), errors.Is(err, ErrInvalidWait):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownEvent), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, claim.ErrContractViolation):
		return http.StatusConflict
	case store.IsConnectivityError(err), errors.Is(err, broker.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
