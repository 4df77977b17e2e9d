package handler

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

func httpStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidEvent),
		errors.Is(err, domain.ErrInvalidItem),
		errors.Is(err, domain.ErrInvalidReturnQuantity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidStateTransition),
		errors.Is(err, domain.ErrItemInUse),
		errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrDuplicateItem),
		errors.Is(err, domain.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, domain.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrInvalidEvent),
		errors.Is(err, domain.ErrInvalidItem),
		errors.Is(err, domain.ErrInvalidReturnQuantity):
		return codes.InvalidArgument
	case errors.Is(err, domain.ErrInvalidStateTransition),
		errors.Is(err, domain.ErrItemInUse),
		errors.Is(err, domain.ErrInsufficientStock):
		return codes.FailedPrecondition
	case errors.Is(err, domain.ErrDuplicateItem),
		errors.Is(err, domain.ErrDuplicateRequest):
		return codes.AlreadyExists
	case errors.Is(err, domain.ErrBusy):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// publicMessage hides internal failures from clients.
func publicMessage(err error) string {
	if httpStatus(err) == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

func grpcError(err error) error {
	return status.Error(grpcCode(err), publicMessage(err))
}
