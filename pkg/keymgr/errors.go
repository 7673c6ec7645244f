package keymgr

import (
	"errors"

	"code.vita-gw.org/keymgr/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error = errorFlag("keymgr: error")

	// ErrFatal flags a process-abort condition: currently only an inbound
	// ephemeral SPI collision surfaces here, the Manager has no opinion on
	// crypto-library init or SA-database-open failures since those happen
	// before a Manager exists.
	ErrFatal = errorFlag("keymgr: fatal")

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

// IsFatal reports whether err is (or wraps) ErrFatal: callers must treat
// this as an unrecoverable, process-abort condition.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
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
