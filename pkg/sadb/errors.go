package sadb

import (
	"errors"

	"code.vita-gw.org/keymgr/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error = errorFlag("sadb: error")

	// ErrFatalCollision flags an inbound SPI that collides with an existing
	// inbound SA. Per the Key Manager's recovery policy this is a fatal,
	// process-abort condition, never a recoverable one.
	ErrFatalCollision = errorFlag("sadb: ephemeral SPI collision")

	noError = errorFlag("")
)

// Error implements the error interface.
func (self errorFlag) Error() string {
	return string(self)
}

func (self errorFlag) Unwrap() error {
	if Error == self || noError == self {
		return nil
	} else {
		return Error
	}
}

// IsFatalCollision reports whether err is (or wraps) ErrFatalCollision.
func IsFatalCollision(err error) bool {
	return errors.Is(err, ErrFatalCollision)
}

// newError returns a utils.RaisedErr{} that contains file & line of where it was called.
func newError(msg string, args ...any) error {
	return utils.NewError(1, Error, msg, args...)
}

func newFlagError(flag errorFlag, msg string, args ...any) error {
	return utils.NewError(1, flag, msg, args...)
}

// wrapError returns a utils.RaisedErr{} that contains file & line of where it was called.
func wrapError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, Error, msg, args...)
}
