package api

import (
	"errors"
	"fmt"
	"net/http"

	"prism-board/domain"
)

type errorResponse struct {
	Error string `json:"error"`
}

var errInvalidBody = fmt.Errorf("%w: invalid body", domain.ErrValidation)

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorStage labels the failure in request metrics.
func errorStage(err error) string {
	switch statusFor(err) {
	case http.StatusBadRequest:
		return "validation"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusForbidden:
		return "authorize"
	case http.StatusConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// publicMessage hides internal failures from clients.
func publicMessage(err error, status int) string {
	if status == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}
