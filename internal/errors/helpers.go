package errors

import (
	"fmt"
	"net/http"
)

// maxProviderBody caps how much of a provider response body is kept on an error
const maxProviderBody = 2048

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("Operation timed out, please try again")
}

// NewUnsupportedPlatformError is returned for platform keys without a connector
func NewUnsupportedPlatformError(platform string) *AppError {
	return New(ErrCodeUnsupportedPlatform, fmt.Sprintf("unsupported platform %q", platform)).
		WithContext("platform", platform).
		WithUserMessage(fmt.Sprintf("Platform %s is not supported", platform))
}

// NewTokenRefreshError reports a failed credential exchange for an account
func NewTokenRefreshError(accountID string, cause error) *AppError {
	return Wrap(cause, ErrCodeTokenRefresh, "token refresh failed").
		WithContext("account_id", accountID).
		WithUserMessage("Access token could not be refreshed")
}

// NewInvalidStateError reports a lifecycle transition from the wrong state
func NewInvalidStateError(entity, id, current, expected string) *AppError {
	return New(ErrCodeInvalidState, fmt.Sprintf("%s %s is %s, expected %s", entity, id, current, expected)).
		WithContext("entity", entity).
		WithContext("identifier", id).
		WithContext("current_state", current).
		WithContext("expected_state", expected).
		WithUserMessage(fmt.Sprintf("%s cannot be processed in state %s", entity, current))
}

// NewRateLimitError is returned when a wait for rate-limit capacity is abandoned
func NewRateLimitError(platform string, cause error) *AppError {
	return WrapRetryable(cause, ErrCodeRateLimit, "rate limit wait aborted").
		WithContext("platform", platform).
		WithUserMessage("Too many requests, please try again later")
}

// NewProviderError wraps a non-success response from a platform API
func NewProviderError(platform, endpoint string, statusCode int, body string) *AppError {
	if len(body) > maxProviderBody {
		body = body[:maxProviderBody]
	}
	message := fmt.Sprintf("%s API returned %d", platform, statusCode)
	if body != "" {
		message += ": " + body
	}
	appErr := New(ErrCodeProviderError, message).
		WithContext("platform", platform).
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode).
		WithContext("body", body).
		WithUserMessage(fmt.Sprintf("%s API call failed", platform))

	// 5xx, throttling and timeouts may succeed later
	appErr.Retryable = statusCode >= 500 || statusCode == 429 || statusCode == 408
	return appErr
}

// NewSignatureError rejects webhook payloads that fail verification
func NewSignatureError(reason string) *AppError {
	return New(ErrCodeSignatureVerification, "webhook signature verification failed").
		WithContext("reason", reason).
		WithUserMessage("Invalid signature")
}

// ProviderStatus returns the HTTP status carried by a provider error, or 0
func ProviderStatus(err error) int {
	appErr, ok := As(err)
	if !ok || appErr.Code != ErrCodeProviderError {
		return 0
	}
	if status, ok := appErr.Context["status_code"].(int); ok {
		return status
	}
	return 0
}

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidInput, ErrCodeInvalidConfig, ErrCodeUnsupportedPlatform:
		return http.StatusBadRequest
	case ErrCodeAuthentication:
		return http.StatusUnauthorized
	case ErrCodeSignatureVerification:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidState:
		return http.StatusConflict
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodeProviderError, ErrCodeTokenRefresh:
		if IsRetryable(err) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	case ErrCodeDatabaseConnection, ErrCodeDatabaseQuery, ErrCodeDatabaseMigration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the standardized HTTP error body
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// sensitiveContext keys never leave the process in HTTP responses
var sensitiveContext = map[string]bool{
	"password": true,
	"token":    true,
	"secret":   true,
	"body":     true,
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{
		RequestID: requestID,
	}

	appErr, ok := As(err)
	if !ok {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
		return response
	}

	response.Error.Code = appErr.Code
	response.Error.Message = GetUserMessage(err)
	if len(appErr.Context) > 0 {
		publicContext := make(map[string]interface{})
		for k, v := range appErr.Context {
			if !sensitiveContext[k] {
				publicContext[k] = v
			}
		}
		if len(publicContext) > 0 {
			response.Error.Context = publicContext
		}
	}
	return response
}
