package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name: "error without cause",
			err: &AppError{
				Code:    ErrCodeInvalidConfig,
				Message: "configuration is invalid",
			},
			expected: "INVALID_CONFIG: configuration is invalid",
		},
		{
			name: "error with cause",
			err: &AppError{
				Code:    ErrCodeTokenRefresh,
				Message: "token refresh failed",
				Cause:   errors.New("connection refused"),
			},
			expected: "TOKEN_REFRESH: token refresh failed: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := Wrap(cause, ErrCodeInternalError, "something went wrong")

	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))
}

func TestAppError_WithContext(t *testing.T) {
	err := New(ErrCodeValidationFailed, "validation failed")

	result := err.WithContext("field", "recipient").WithContext("value", "123")

	assert.Same(t, err, result)
	assert.Len(t, err.Context, 2)
	assert.Equal(t, "recipient", err.Context["field"])
}

func TestWrapRetryable(t *testing.T) {
	err := WrapRetryable(errors.New("boom"), ErrCodeProviderError, "call failed")

	assert.True(t, err.Retryable)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestIs_WalksWrappedChain(t *testing.T) {
	provider := NewProviderError("facebook", "/me/messages", 401, "expired")
	refresh := NewTokenRefreshError("acc-1", provider)
	wrapped := fmt.Errorf("send failed: %w", refresh)

	assert.True(t, Is(wrapped, ErrCodeTokenRefresh))
	assert.True(t, Is(wrapped, ErrCodeProviderError))
	assert.False(t, Is(wrapped, ErrCodeInvalidState))
	assert.False(t, Is(errors.New("plain"), ErrCodeProviderError))
	assert.False(t, Is(nil, ErrCodeProviderError))
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeUnsupportedPlatform, GetCode(NewUnsupportedPlatformError("tiktok")))
	assert.Equal(t, ErrCodeInvalidState, GetCode(fmt.Errorf("ctx: %w", NewInvalidStateError("post", "p1", "Published", "Draft"))))
	assert.Equal(t, ErrCodeInternalError, GetCode(errors.New("plain")))
}

func TestGetUserMessage(t *testing.T) {
	assert.Equal(t, "Invalid signature", GetUserMessage(NewSignatureError("missing header")))
	assert.Equal(t, "An internal error occurred", GetUserMessage(errors.New("plain")))
	assert.Equal(t, "An internal error occurred", GetUserMessage(New(ErrCodeInternalError, "x")))
}

func TestAppError_JSON_Serialization(t *testing.T) {
	err := Wrap(errors.New("secret cause"), ErrCodeNotFound, "channel not found").
		WithContext("identifier", "ch-1")

	data, marshalErr := json.Marshal(err)
	require.NoError(t, marshalErr)

	assert.Contains(t, string(data), `"code":"NOT_FOUND"`)
	assert.Contains(t, string(data), `"identifier":"ch-1"`)
	assert.NotContains(t, string(data), "secret cause")
}
