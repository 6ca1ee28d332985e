package gemini

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrorType categorizes API errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
	ErrNetwork        ErrorType = "network_error"

	// ErrEmptyResponse marks a well-formed reply that carried no usable
	// content. Retrying does not help, so it is not retryable.
	ErrEmptyResponse ErrorType = "empty_response_error"
)

// Error is an error returned by the Gemini API or the transport under it.
type Error struct {
	Type       ErrorType
	StatusCode int
	Message    string
	Status     string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("gemini: %s: %s (status: %s)", e.Type, e.Message, e.Status)
	}
	return fmt.Sprintf("gemini: %s: %s", e.Type, e.Message)
}

// IsRetryable reports whether the error is worth retrying.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrRateLimit, ErrOverloaded, ErrAPI, ErrNetwork:
		return true
	default:
		return false
	}
}

// transientMarkers are error-text fragments treated as transient regardless
// of classification. They cover the gateway and fetch level failures the
// API is known to surface as opaque strings.
var transientMarkers = []string{
	"Rpc failed",
	"xhr error",
	"fetch failed",
	"deadline exceeded",
	"500",
	"503",
	"504",
	"UNKNOWN",
	"UNAVAILABLE",
	"RESOURCE_EXHAUSTED",
	"overloaded",
	"timeout",
}

// IsTransient reports whether err looks like a transient network or backend
// failure. It honors the typed classification first and falls back to
// substring matching for opaque errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsAuthError reports whether err indicates a missing or invalid credential.
func IsAuthError(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Type == ErrAuthentication || apiErr.Type == ErrPermission
	}
	return false
}

// apiErrorBody is the JSON error envelope the API returns.
type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// parseError maps an HTTP error response to an *Error.
func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var envelope apiErrorBody
	if err := json.Unmarshal(body, &envelope); err != nil {
		return &Error{
			Type:       ErrAPI,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	var errType ErrorType
	switch envelope.Error.Status {
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION":
		errType = ErrInvalidRequest
	case "UNAUTHENTICATED":
		errType = ErrAuthentication
	case "PERMISSION_DENIED":
		errType = ErrPermission
	case "NOT_FOUND":
		errType = ErrNotFound
	case "RESOURCE_EXHAUSTED":
		errType = ErrRateLimit
	case "INTERNAL":
		errType = ErrAPI
	case "UNAVAILABLE":
		errType = ErrOverloaded
	default:
		errType = ErrAPI
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		errType = ErrRateLimit
	case http.StatusServiceUnavailable:
		errType = ErrOverloaded
	case http.StatusUnauthorized, http.StatusForbidden:
		errType = ErrAuthentication
	}

	return &Error{
		Type:       errType,
		StatusCode: resp.StatusCode,
		Message:    envelope.Error.Message,
		Status:     envelope.Error.Status,
	}
}
