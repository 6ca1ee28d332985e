package gemini

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestParseError(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantType   ErrorType
	}{
		{
			name:       "unavailable",
			statusCode: 503,
			body:       `{"error":{"code":503,"message":"The model is overloaded.","status":"UNAVAILABLE"}}`,
			wantType:   ErrOverloaded,
		},
		{
			name:       "rate limited",
			statusCode: 429,
			body:       `{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED"}}`,
			wantType:   ErrRateLimit,
		},
		{
			name:       "bad key",
			statusCode: 400,
			body:       `{"error":{"code":400,"message":"API key not valid.","status":"INVALID_ARGUMENT"}}`,
			wantType:   ErrInvalidRequest,
		},
		{
			name:       "unauthenticated",
			statusCode: 401,
			body:       `{"error":{"code":401,"message":"Request had invalid credentials.","status":"UNAUTHENTICATED"}}`,
			wantType:   ErrAuthentication,
		},
		{
			name:       "unparseable body",
			statusCode: 502,
			body:       `Bad Gateway`,
			wantType:   ErrAPI,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{
				StatusCode: tt.statusCode,
				Body:       io.NopCloser(strings.NewReader(tt.body)),
			}
			err := parseError(resp)
			var apiErr *Error
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if apiErr.Type != tt.wantType {
				t.Errorf("expected type %s, got %s", tt.wantType, apiErr.Type)
			}
			if apiErr.StatusCode != tt.statusCode {
				t.Errorf("expected status %d, got %d", tt.statusCode, apiErr.StatusCode)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed overloaded", &Error{Type: ErrOverloaded}, true},
		{"typed network", &Error{Type: ErrNetwork}, true},
		{"typed invalid request", &Error{Type: ErrInvalidRequest}, false},
		{"typed empty response", &Error{Type: ErrEmptyResponse}, false},
		{"typed auth", &Error{Type: ErrAuthentication}, false},
		{"opaque rpc failure", errors.New("Rpc failed due to xhr error"), true},
		{"opaque 503", errors.New("got HTTP status 503"), true},
		{"opaque deadline", errors.New("context deadline exceeded"), true},
		{"opaque other", errors.New("invalid persona"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
