package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrIntegrationNotFound = errors.New("integration not found")
	ErrIntegrationExists   = errors.New("integration already exists")
	ErrIntegrationInactive = errors.New("integration inactive")
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// ErrorCode is the closed taxonomy callers branch on.
type ErrorCode string

const (
	CodeMissingAPIKey      ErrorCode = "MISSING_API_KEY"
	CodeMissingEndpoint    ErrorCode = "MISSING_ENDPOINT"
	CodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	CodeMaxTokensExceeded  ErrorCode = "MAX_TOKENS_EXCEEDED"
	CodeInvalidTemperature ErrorCode = "INVALID_TEMPERATURE"
	CodeBadRequest         ErrorCode = "BAD_REQUEST"
	CodeAuthentication     ErrorCode = "AUTHENTICATION_ERROR"
	CodePermissionDenied   ErrorCode = "PERMISSION_DENIED"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeModelNotFound      ErrorCode = "MODEL_NOT_FOUND"
	CodeRateLimitExceeded  ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeServerError        ErrorCode = "SERVER_ERROR"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeContentBlocked     ErrorCode = "CONTENT_BLOCKED"
	CodeEmptyContent       ErrorCode = "EMPTY_CONTENT"
	CodeStreamError        ErrorCode = "STREAM_ERROR"
	CodeUnknown            ErrorCode = "UNKNOWN_ERROR"
)

// AdapterError is the normalized failure every adapter returns.
type AdapterError struct {
	Message    string         `json:"message"`
	Code       ErrorCode      `json:"code"`
	StatusCode int            `json:"status_code,omitempty"`
	Provider   string         `json:"provider"`
	Retryable  bool           `json:"retryable"`
	Details    map[string]any `json:"details,omitempty"`

	Err error `json:"-"`
}

func NewAdapterError(provider string, code ErrorCode, message string) *AdapterError {
	return &AdapterError{
		Message:  message,
		Code:     code,
		Provider: provider,
	}
}

func (e *AdapterError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (%s, status %d)", e.Provider, e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Code)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// WithStatus sets the HTTP status and returns the receiver.
func (e *AdapterError) WithStatus(status int) *AdapterError {
	e.StatusCode = status
	return e
}

// WithCause attaches the underlying error and returns the receiver.
func (e *AdapterError) WithCause(err error) *AdapterError {
	e.Err = err
	return e
}

// WithDetail sets a single details entry and returns the receiver.
func (e *AdapterError) WithDetail(key string, value any) *AdapterError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// AsAdapterError unwraps err into an *AdapterError if it carries one.
func AsAdapterError(err error) (*AdapterError, bool) {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsRetryable reports whether err is an AdapterError marked retryable.
func IsRetryable(err error) bool {
	ae, ok := AsAdapterError(err)
	return ok && ae.Retryable
}

// CodeForStatus maps a vendor HTTP status onto the taxonomy.
func CodeForStatus(status int) (code ErrorCode, retryable bool) {
	switch status {
	case http.StatusBadRequest:
		return CodeBadRequest, false
	case http.StatusUnauthorized:
		return CodeAuthentication, false
	case http.StatusForbidden:
		return CodePermissionDenied, false
	case http.StatusNotFound:
		return CodeNotFound, false
	case http.StatusRequestTimeout:
		return CodeTimeout, true
	case http.StatusTooManyRequests:
		return CodeRateLimitExceeded, true
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return CodeServerError, true
	default:
		return CodeUnknown, false
	}
}
