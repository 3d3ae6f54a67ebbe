package api

import "fmt"

// The error taxonomy mirrors the HTTP statuses the web plane answers
// with. Handlers and the store return these; a single chokepoint in the
// web package maps them onto status codes with errors.As.

// ValidationError rejects a malformed or contradictory payload. It maps
// to 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ValidationErrorf builds a ValidationError from a format string.
func ValidationErrorf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// AuthorizationError rejects a request whose caller lacks the privilege
// for an option. It maps to 403.
type AuthorizationError struct {
	Message string
}

func (e *AuthorizationError) Error() string { return e.Message }

// AuthorizationErrorf builds an AuthorizationError from a format string.
func AuthorizationErrorf(format string, args ...any) error {
	return &AuthorizationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown resource. It maps to 404.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// NotFoundErrorf builds a NotFoundError from a format string.
func NotFoundErrorf(format string, args ...any) error {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// GoneError reports a resource that existed but has expired. It maps
// to 410.
type GoneError struct {
	Message string
}

func (e *GoneError) Error() string { return e.Message }

// GoneErrorf builds a GoneError from a format string.
func GoneErrorf(format string, args ...any) error {
	return &GoneError{Message: fmt.Sprintf(format, args...)}
}

// ServerError reports an internal failure the caller cannot fix, such
// as a scheduling failure at dispatch. It maps to 500 with the message
// in the body.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return e.Message }

// ServerErrorf builds a ServerError from a format string.
func ServerErrorf(format string, args ...any) error {
	return &ServerError{Message: fmt.Sprintf(format, args...)}
}

// ConfigError reports invalid server configuration. It aborts startup
// and is never produced while serving.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return e.Message }

// ConfigErrorf builds a ConfigError from a format string.
func ConfigErrorf(format string, args ...any) error {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}
