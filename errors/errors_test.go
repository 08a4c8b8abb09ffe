package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil defaults transient", nil, ErrorTransient},
		{"decode is invalid", fmt.Errorf("frame: %w", ErrDecode), ErrorInvalid},
		{"validation is invalid", ErrValidation, ErrorInvalid},
		{"no decoder is invalid", ErrNoDecoder, ErrorInvalid},
		{"missing config is fatal", ErrMissingConfig, ErrorFatal},
		{"publish is transient", ErrPublish, ErrorTransient},
		{"unknown defaults transient", errors.New("something odd"), ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrCircuitOpen))
	assert.True(t, IsTransient(ErrConnectionLost))
	assert.True(t, IsTransient(errors.New("dial tcp: i/o timeout")))
	assert.True(t, IsTransient(errors.New("kafka: leader not available")))
	assert.False(t, IsTransient(nil))

	// Classification on the wrapper wins over message patterns
	wrapped := WrapInvalid(errors.New("connection string malformed"), "Config", "Load", "parsing")
	assert.False(t, IsTransient(wrapped))
}

func TestWrapPattern(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(base, "Publisher", "Publish", "broker write")
	require.Error(t, err)
	assert.Equal(t, "Publisher.Publish: broker write failed: boom", err.Error())
	assert.ErrorIs(t, err, base)
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "a", "b", "c"))
	assert.NoError(t, WrapTransient(nil, "a", "b", "c"))
	assert.NoError(t, WrapInvalid(nil, "a", "b", "c"))
	assert.NoError(t, WrapFatal(nil, "a", "b", "c"))
}

func TestClassifiedErrorUnwrap(t *testing.T) {
	err := WrapTransient(ErrConnectionLost, "TCPInput", "readLoop", "socket read")

	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "TCPInput", ce.Component)
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestIsCancelled(t *testing.T) {
	assert.True(t, IsCancelled(ErrOperationCancelled))
	assert.True(t, IsCancelled(fmt.Errorf("op: %w", context.Canceled)))
	assert.False(t, IsCancelled(context.DeadlineExceeded))
	assert.False(t, IsCancelled(nil))
}
