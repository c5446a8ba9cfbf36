package errs

import (
	"errors"
)

// Code is a test-layer error code.
type Code string

const (
	Authentication  Code = "authentication"
	FixtureSetup    Code = "fixture_setup"
	UnknownSelector Code = "unknown_selector"
	ElementNotFound Code = "element_not_found"
	ActionTimeout   Code = "action_timeout"
	ActionRejected  Code = "action_rejected"
	Assertion       Code = "assertion"
	InvalidConfig   Code = "invalid_config"
	Internal        Code = "internal"
)

// Error is a coded error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		if e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrorCode reports the error's code.
func (e *Error) ErrorCode() Code {
	if e == nil || e.Code == "" {
		return Internal
	}
	return e.Code
}

// Coded is implemented by component errors that carry their own diagnostics
// (attempted strategies, failed fixture step) but still classify into the taxonomy.
type Coded interface {
	error
	ErrorCode() Code
}

// New creates a coded error with message.
func New(code Code, message string) error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a coded error with message and cause.
func Wrap(code Code, message string, cause error) error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// CodeOf returns the error code, defaulting to internal.
func CodeOf(err error) Code {
	if err == nil {
		return Internal
	}
	var coded Coded
	if errors.As(err, &coded) {
		if c := coded.ErrorCode(); c != "" {
			return c
		}
	}
	return Internal
}

// MessageOf returns the outermost coded message, or the raw error text.
func MessageOf(err error) string {
	if err == nil {
		return string(Internal)
	}
	var coded *Error
	if errors.As(err, &coded) && coded.Message != "" {
		return coded.Message
	}
	return err.Error()
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	for err != nil {
		if coded, ok := err.(Coded); ok && coded.ErrorCode() == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsSetup reports whether err means the environment or fixture chain is broken.
// Such errors abort the dependent tests instead of being reported as UI failures.
func IsSetup(err error) bool {
	switch CodeOf(err) {
	case Authentication, FixtureSetup, InvalidConfig:
		return true
	default:
		return false
	}
}
