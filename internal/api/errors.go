package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/halo/internal/inference"
)

var ErrInvalidRequest = errors.New("invalid_request")

const (
	kindInvalidRequest = "invalid_request"
	kindBusy           = "busy"
)

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// statusFor maps a generation failure to its HTTP status. Artifact problems
// the caller can fix by choosing another model are 422; faults inside a
// valid setup are 500.
func statusFor(kind inference.Kind) int {
	switch kind {
	case inference.KindLoad, inference.KindTokenize:
		return http.StatusUnprocessableEntity
	case inference.KindCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
