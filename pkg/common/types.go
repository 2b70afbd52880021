// Package common provides shared types and utilities used across the SEngine framework.
package common

import (
	"fmt"
	"net/http"
	"slices"
)

// ClaimsKey is the request context key under which authentication middleware stores
// the caller's *Claims. Guards read it; they never verify credentials themselves.
const ClaimsKey = "user"

// Claims describes an authenticated caller.
type Claims struct {
	Subject     string         // Stable identifier of the caller (user ID, key ID, ...)
	Roles       []string       // Roles granted to the caller
	Permissions []string       // Fine-grained permissions granted to the caller
	Extra       map[string]any // Provider specific attributes
}

// HasRole reports whether the claims carry the given role.
func (c *Claims) HasRole(role string) bool {
	return c != nil && slices.Contains(c.Roles, role)
}

// HasPermission reports whether the claims carry the given permission.
func (c *Claims) HasPermission(permission string) bool {
	return c != nil && slices.Contains(c.Permissions, permission)
}

// HTTPError represents an HTTP error with a status code and message.
// It can be returned from handlers, middleware hooks and guards. The dispatcher
// uses the status code and message to generate the error response.
type HTTPError struct {
	StatusCode int         // HTTP status code (e.g., 400, 404, 500)
	Message    string      // Error message to be sent in the response body
	Header     http.Header // Extra headers to send with the error response (e.g. Retry-After)
	Err        error       // Underlying cause, never sent to the client
}

// Error implements the error interface.
// It returns a string representation of the HTTP error in the format "status: message".
func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d: %s: %v", e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// Unwrap returns the underlying cause.
func (e *HTTPError) Unwrap() error {
	return e.Err
}

// NewHTTPError creates a new HTTPError with the specified status code and message.
func NewHTTPError(statusCode int, message string) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		Message:    message,
	}
}

// WithHeader returns the error with an extra response header set.
func (e *HTTPError) WithHeader(key, value string) *HTTPError {
	if e.Header == nil {
		e.Header = make(http.Header)
	}
	e.Header.Set(key, value)
	return e
}

// PanicError is a recovered panic from user code (handler, middleware hook or guard).
type PanicError struct {
	Value any    // value passed to panic
	Stack []byte // stack trace captured at recovery
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
