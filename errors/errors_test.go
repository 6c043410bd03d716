package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(42), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"circuit open", ErrCircuitOpen, true},
		{"channel timeout", ErrChannelTimeout, true},
		{"storage unavailable", ErrStorageUnavailable, true},
		{"context deadline", context.DeadlineExceeded, true},
		{"wrapped not connected", fmt.Errorf("dial: %w", ErrNotConnected), true},
		{"message pattern", fmt.Errorf("network unreachable"), true},
		{"invalid data", ErrInvalidData, false},
		{"classified invalid", WrapInvalid(fmt.Errorf("timeout"), "c", "m", "a"), false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorFatal, Classify(ErrInvalidConfig))
	assert.Equal(t, ErrorInvalid, Classify(ErrDataUnavailable))
	assert.Equal(t, ErrorInvalid, Classify(fmt.Errorf("decode: %w", ErrMalformedPayload)))
	assert.Equal(t, ErrorTransient, Classify(fmt.Errorf("something odd")))
	assert.Equal(t, ErrorTransient, Classify(nil))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "Orchestrator", "GetTournaments", "origin fetch"))

	err := Wrap(ErrKeyNotFound, "KVStore", "Get", "read envelope")
	assert.Equal(t, "KVStore.Get: read envelope failed: key not found", err.Error())
	assert.True(t, Is(err, ErrKeyNotFound))
}

func TestWrapClassified(t *testing.T) {
	err := WrapTransient(ErrNotConnected, "Client", "Connect", "establish connection")

	var ce *ClassifiedError
	assert.True(t, As(err, &ce))
	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "Client", ce.Component)
	assert.Equal(t, "Connect", ce.Operation)
	assert.True(t, Is(err, ErrNotConnected))
	assert.True(t, IsTransient(err))

	fatal := WrapFatal(ErrMissingConfig, "config", "Load", "read file")
	assert.True(t, IsFatal(fatal))
	assert.False(t, IsTransient(fatal))

	assert.Nil(t, WrapInvalid(nil, "a", "b", "c"))
}
