// Package errs holds the error taxonomy shared by the engine packages.
// Callers match with errors.Is; every error carries the offending name or
// shape in its message.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration covers malformed strategies, incomplete plans and
	// unsupported version/precision combinations. Raised before compute.
	ErrConfiguration = errors.New("configuration error")
	// ErrShapeMismatch is a projection or state shape that disagrees with
	// the model parameters.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrDtypeMismatch is a quantized weight without its companions, or
	// mixed float precisions reaching a product.
	ErrDtypeMismatch = errors.New("dtype mismatch")
	// ErrUnsupportedVersion is a weight set whose architecture has no cell.
	ErrUnsupportedVersion = errors.New("unsupported model version")
)

type wrapped struct {
	kind error
	msg  string
}

func (e wrapped) Error() string { return e.kind.Error() + ": " + e.msg }

func (e wrapped) Unwrap() error { return e.kind }

// Configuration returns an ErrConfiguration with a formatted message.
func Configuration(format string, args ...any) error {
	return wrapped{kind: ErrConfiguration, msg: fmt.Sprintf(format, args...)}
}

// Shape returns an ErrShapeMismatch with a formatted message.
func Shape(format string, args ...any) error {
	return wrapped{kind: ErrShapeMismatch, msg: fmt.Sprintf(format, args...)}
}

// Dtype returns an ErrDtypeMismatch with a formatted message.
func Dtype(format string, args ...any) error {
	return wrapped{kind: ErrDtypeMismatch, msg: fmt.Sprintf(format, args...)}
}

// Version returns an ErrUnsupportedVersion with a formatted message.
func Version(format string, args ...any) error {
	return wrapped{kind: ErrUnsupportedVersion, msg: fmt.Sprintf(format, args...)}
}
