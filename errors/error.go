package errors

import (
	stderrors "errors"
)

// Error is a coded error. Two *Error values match under errors.Is when their
// codes are equal, so package-level sentinels can be compared against wrapped
// instances that carry a cause.
type Error struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
	Details any    `json:"details,omitempty"`
}

func NewError(code int64, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Cause:   cause,
		Details: e.Details,
	}
}

func (e *Error) WithDetails(details any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) GetCode() int64 {
	return e.Code
}

func (e *Error) GetMessage() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) GetDetails() any {
	return e.Details
}

// Code returns the code of the first *Error in err's chain, or 0.
func Code(err error) int64 {
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded.Code
	}
	return 0
}
