package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ClassNone},
		{"typed", NewError(ClassStalled, "op", nil), ClassStalled},
		{"wrapped typed", fmt.Errorf("outer: %w", NewError(ClassNotFound, "op", io.EOF)), ClassNotFound},
		{"context canceled", context.Canceled, ClassCancelled},
		{"wrapped canceled", fmt.Errorf("read: %w", context.Canceled), ClassCancelled},
		{"deadline", context.DeadlineExceeded, ClassStalled},
		{"bare sentinel", fmt.Errorf("x: %w", ErrQuotaOrAuth), ClassQuotaOrAuth},
		{"unknown", io.ErrUnexpectedEOF, ClassInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassOf(tt.err))
		})
	}
}

func TestError_IsAndUnwrap(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := fmt.Errorf("stage: %w", NewError(ClassSizeExceeded, "transfer.stream", cause))

	assert.ErrorIs(t, err, ErrSizeExceeded)
	assert.ErrorIs(t, err, cause)
	assert.False(t, errors.Is(err, ErrStalled))
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "transfer.stream: transfer stalled", NewError(ClassStalled, "transfer.stream", nil).Error())
	assert.Equal(t, "runner: exit status 1", Errorf(ClassTransformFailed, "runner", "exit status %d", 1).Error())
	assert.Equal(t, "cancelled", (&Error{Class: ClassCancelled}).Error())
}

func TestErrorClass_FallbackEligible(t *testing.T) {
	eligible := map[ErrorClass]bool{
		ClassStalled:        true,
		ClassRemoteRejected: true,
	}
	for _, c := range []ErrorClass{ClassNone, ClassSizeExceeded, ClassStalled, ClassCancelled,
		ClassTransformFailed, ClassRemoteRejected, ClassQuotaOrAuth, ClassNotFound, ClassInternal} {
		assert.Equal(t, eligible[c], c.FallbackEligible(), "class %s", c)
	}
}

func TestTailOf(t *testing.T) {
	err := &Error{Class: ClassTransformFailed, Tail: []string{"a", "b"}}
	assert.Equal(t, []string{"a", "b"}, TailOf(fmt.Errorf("wrap: %w", err)))
	assert.Nil(t, TailOf(io.EOF))
}
