package ske1

import (
	"errors"

	"code.vita-gw.org/keymgr/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error = errorFlag("ske1: error")

	// ErrProtocol is returned when an operation is called in a state that
	// disallows it.
	ErrProtocol = errorFlag("ske1: operation not allowed in current state")

	// ErrAuthentication is returned when a key message's HMAC does not verify.
	ErrAuthentication = errorFlag("ske1: authentication failed")

	// ErrParameter is returned when the peer's public key yields an unsafe
	// (all-zero) shared secret.
	ErrParameter = errorFlag("ske1: invalid peer public key")

	// ErrExpired is returned by ResetIfExpired when the negotiation deadline
	// has been reached.
	ErrExpired = errorFlag("ske1: negotiation expired")

	noError = errorFlag("")
)

// Error implements the error interface.
func (self errorFlag) Error() string {
	return string(self)
}

func (self errorFlag) Unwrap() error {
	switch self {
	case Error, noError:
		return nil
	default:
		return Error
	}
}

// IsExpired reports whether err is (or wraps) ErrExpired.
func IsExpired(err error) bool {
	return errors.Is(err, ErrExpired)
}

// IsProtocol reports whether err is (or wraps) ErrProtocol.
func IsProtocol(err error) bool {
	return errors.Is(err, ErrProtocol)
}

// IsAuthentication reports whether err is (or wraps) ErrAuthentication.
func IsAuthentication(err error) bool {
	return errors.Is(err, ErrAuthentication)
}

// IsParameter reports whether err is (or wraps) ErrParameter.
func IsParameter(err error) bool {
	return errors.Is(err, ErrParameter)
}

// newError returns a utils.RaisedErr{} that contains file & line of where it was called.
func newError(msg string, args ...any) error {
	return utils.NewError(1, Error, msg, args...)
}

// newFlagError is like newError but wraps a specific error kind instead of Error.
func newFlagError(flag errorFlag, msg string, args ...any) error {
	return utils.NewError(1, flag, msg, args...)
}

// wrapError returns a utils.RaisedErr{} that contains file & line of where it was called.
func wrapError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, Error, msg, args...)
}
