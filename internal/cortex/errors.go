package cortex

import (
	"fmt"
	"net/http"
)

// APIError is the common payload of every Cortex error response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("cortex %s %s: %s", e.Method, e.Path, e.Body)
	}
	return fmt.Sprintf("cortex %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// NotFoundError is returned for 404 responses.
type NotFoundError struct{ APIError }

// AuthenticationError is returned for 401 responses.
type AuthenticationError struct{ APIError }

// AuthorizationError is returned for 403 responses.
type AuthorizationError struct{ APIError }

// InvalidInputError is returned for 400 responses.
type InvalidInputError struct{ APIError }

// ServiceUnavailableError is returned when Cortex cannot be reached or a
// gateway reports it down.
type ServiceUnavailableError struct {
	APIError
	Err error
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

// ServerError is returned for any other 5xx response.
type ServerError struct{ APIError }

func statusError(method, path string, status int, body string) error {
	base := APIError{Method: method, Path: path, StatusCode: status, Body: body}
	switch {
	case status == http.StatusNotFound:
		return &NotFoundError{base}
	case status == http.StatusUnauthorized:
		return &AuthenticationError{base}
	case status == http.StatusForbidden:
		return &AuthorizationError{base}
	case status == http.StatusBadRequest:
		return &InvalidInputError{base}
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return &ServiceUnavailableError{APIError: base}
	case status >= 500:
		return &ServerError{base}
	default:
		return &base
	}
}
