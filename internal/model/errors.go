package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass is the coarse failure category used for fallback decisions
type ErrorClass string

const (
	ClassNone            ErrorClass = ""
	ClassSizeExceeded    ErrorClass = "SizeExceeded"
	ClassStalled         ErrorClass = "Stalled"
	ClassCancelled       ErrorClass = "Cancelled"
	ClassTransformFailed ErrorClass = "TransformFailed"
	ClassRemoteRejected  ErrorClass = "RemoteRejected"
	ClassQuotaOrAuth     ErrorClass = "QuotaOrAuth"
	ClassNotFound        ErrorClass = "NotFound"
	// ClassInternal covers errors nothing classified, such as local I/O failures.
	ClassInternal ErrorClass = "Internal"
)

// String returns the string representation of ErrorClass
func (c ErrorClass) String() string {
	if c == ClassNone {
		return "None"
	}
	return string(c)
}

// FallbackEligible reports whether a secondary strategy may be tried after
// a primary failed with this class.
func (c ErrorClass) FallbackEligible() bool {
	return c == ClassStalled || c == ClassRemoteRejected
}

var (
	ErrSizeExceeded    = errors.New("size limit exceeded")
	ErrStalled         = errors.New("transfer stalled")
	ErrCancelled       = errors.New("cancelled")
	ErrTransformFailed = errors.New("transform failed")
	ErrRemoteRejected  = errors.New("remote rejected request")
	ErrQuotaOrAuth     = errors.New("quota exceeded or not authorized")
	ErrNotFound        = errors.New("source not found")
	ErrInternal        = errors.New("internal error")

	// ErrInvalidSpec is returned by JobSpec.Validate
	ErrInvalidSpec = errors.New("invalid job spec")
)

var classSentinels = map[ErrorClass]error{
	ClassSizeExceeded:    ErrSizeExceeded,
	ClassStalled:         ErrStalled,
	ClassCancelled:       ErrCancelled,
	ClassTransformFailed: ErrTransformFailed,
	ClassRemoteRejected:  ErrRemoteRejected,
	ClassQuotaOrAuth:     ErrQuotaOrAuth,
	ClassNotFound:        ErrNotFound,
	ClassInternal:        ErrInternal,
}

// Error is the typed failure every stage returns
type Error struct {
	Class ErrorClass
	Op    string   // operation that failed, e.g. "transfer.download"
	Err   error    // underlying cause, may be nil
	Tail  []string // last captured output lines of an external command
}

// NewError builds an Error of the given class.
func NewError(class ErrorClass, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// Errorf builds an Error whose cause is a formatted message.
func Errorf(class ErrorClass, op, format string, args ...any) *Error {
	return &Error{Class: class, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else if s, ok := classSentinels[e.Class]; ok {
		b.WriteString(s.Error())
	} else {
		b.WriteString(e.Class.String())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's class
func (e *Error) Is(target error) bool {
	s, ok := classSentinels[e.Class]
	return ok && s == target
}

// ClassOf classifies any error. Context cancellation is Cancelled, an
// expired context deadline is Stalled, unknown errors are Internal.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ClassStalled
	}
	for class, s := range classSentinels {
		if errors.Is(err, s) {
			return class
		}
	}
	return ClassInternal
}

// TailOf returns the captured output lines carried by err, if any.
func TailOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Tail
	}
	return nil
}

// Cancelled returns the error a stage reports after observing a cancel request.
func Cancelled(op string) *Error {
	return &Error{Class: ClassCancelled, Op: op}
}
