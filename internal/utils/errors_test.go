package utils

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{
		Message: "test error message",
	}

	assert.Equal(t, "test error message", err.Error())
}

func TestNewValidationErrorf(t *testing.T) {
	err := NewValidationErrorf("need at least %d samples, got %d", 10, 3)

	assert.Error(t, err)
	assert.Equal(t, "need at least 10 samples, got 3", err.Error())

	validationErr, ok := err.(*ValidationError)
	assert.True(t, ok)
	assert.Equal(t, "need at least 10 samples, got 3", validationErr.Message)
}

func TestUnavailableError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewUnavailableError("foundation pipeline", cause)

	assert.Equal(t, "foundation pipeline is unavailable: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "residual model is unavailable", NewUnavailableError("residual model", nil).Error())
}

func TestShortfallError(t *testing.T) {
	err := NewShortfallError(72, 60)
	assert.Equal(t, "need at least 72 points (have 60)", err.Error())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"validation", NewValidationError("bad"), KindInput},
		{"wrapped validation", fmt.Errorf("fit: %w", NewValidationError("bad")), KindInput},
		{"shortfall", NewShortfallError(10, 2), KindInput},
		{"precondition", NewPreconditionError("call fit first"), KindPrecondition},
		{"unavailable", fmt.Errorf("forecast: %w", NewUnavailableError("pipeline", nil)), KindUnavailable},
		{"deadline", fmt.Errorf("forecast: %w", context.DeadlineExceeded), KindUnavailable},
		{"canceled", context.Canceled, KindUnavailable},
		{"plain", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}

	assert.True(t, IsUnavailable(NewUnavailableError("x", nil)))
	assert.False(t, IsUnavailable(errors.New("x")))
	assert.False(t, IsUnavailable(context.DeadlineExceeded))
}
