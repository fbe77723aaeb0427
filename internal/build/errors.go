package build

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies a build failure so a hosting CLI can map each class to a
// distinct process exit code.
type Code string

const (
	CodeConfig     Code = "CONFIG_ERROR"
	CodeParse      Code = "PARSE_ERROR"
	CodeValidation Code = "VALIDATION_ERROR"
	CodeLockHeld   Code = "LOCK_HELD"
	CodeWrite      Code = "WRITE_FAILED"
	CodeInternal   Code = "INTERNAL"
)

// Error is the orchestrator's failure type. Details carries per-file or
// per-finding messages when a phase produced more than one.
type Error struct {
	Code    Code
	Message string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", strings.ToLower(string(e.Code)), e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the failure class from any error returned by Run.
// Non-build errors classify as internal.
func CodeOf(err error) Code {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeInternal
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}
