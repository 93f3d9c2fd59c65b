package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/rwkv/internal/errs"
)

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrNotFound       = errors.New("not_found")
)

type requestError struct {
	kind error
	msg  string
}

func (e requestError) Error() string { return e.msg }

func (e requestError) Unwrap() error { return e.kind }

func newInvalidRequest(msg string) error {
	return requestError{kind: ErrInvalidRequest, msg: msg}
}

func newNotFound(msg string) error {
	return requestError{kind: ErrNotFound, msg: msg}
}

// statusOf maps request and engine errors to an HTTP status and error type.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, errs.ErrConfiguration),
		errors.Is(err, errs.ErrShapeMismatch):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, errs.ErrUnsupportedVersion):
		return http.StatusUnprocessableEntity, "unsupported_error"
	}
	return http.StatusInternalServerError, "server_error"
}
