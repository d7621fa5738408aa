// Package exitcode carries the process exit status of a failure alongside
// its message so that only the command layer decides when to terminate.
package exitcode

import (
	"errors"
	"fmt"
)

// Exit statuses reported by ta-cortex.
const (
	FieldMissing       = 10
	ResourceNotFound   = 10
	ServiceUnavailable = 11
	AuthenticationFail = 12
	WrongDataType      = 21
	AnalyzerNotFound   = 22
	JobFailure         = 127
)

// Tags rendered inside the coded message prefix.
const (
	TagFieldMissing       = "FIELD MISSING"
	TagResourceNotFound   = "RESOURCE NOT FOUND"
	TagServiceUnavailable = "SERVICE UNAVAILABLE"
	TagAuthentication     = "AUTHENTICATION ERROR"
	TagWrongDataType      = "WRONG DATA TYPE"
	TagAnalyzerNotFound   = "ANALYZER NOT FOUND"
	TagJobFailure         = "JOB FAILURE"
)

// Error is a failure with an exit status.
type Error struct {
	Code    int
	Tag     string
	Message string
	Err     error
}

// New creates a coded error.
func New(code int, tag, format string, args ...interface{}) *Error {
	return &Error{Code: code, Tag: tag, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error that keeps err in its chain.
func Wrap(code int, tag string, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Tag: tag, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%d-%s] %s", e.Code, e.Tag, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the exit status for err: 0 for nil, the carried code for an
// *Error anywhere in the chain, 1 otherwise.
func Code(err error) int {
	if err == nil {
		return 0
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 1
}
