package models

import "errors"

// Error taxonomy. Components wrap these sentinels with fmt.Errorf("%w") so
// the REST boundary can map them to HTTP status codes.
var (
	// ErrConfig: missing/invalid settings. Non-fatal at runtime (defaults
	// apply) except during init.
	ErrConfig = errors.New("config error")

	// ErrServiceControl: a unit operation failed or timed out. Retryable at
	// the plugin level (one retry, 2s delay).
	ErrServiceControl = errors.New("service control error")

	// ErrRouting: a routing step failed after best-effort revert. Never
	// retried silently.
	ErrRouting = errors.New("routing error")

	// ErrTransition: a source switch failed or timed out.
	ErrTransition = errors.New("transition error")

	// ErrPluginInternal: plugin-specific failure, surfaced as a plugin.error
	// event; the caller may retry.
	ErrPluginInternal = errors.New("plugin error")

	// ErrPersistence: a filesystem write failed; retried by the background
	// task, surfaced to the UI as a warning.
	ErrPersistence = errors.New("persistence error")
)

// Secondary sentinels used across component boundaries.
var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrUnknownTarget    = errors.New("unknown target")
	ErrTimedOut         = errors.New("timed out")
	ErrUnitNotFound     = errors.New("unit not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrRejected         = errors.New("request rejected")
)

// AppError is the structured error surfaced at the REST boundary.
type AppError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *AppError) Error() string { return e.Message }

// Error constructors.
var (
	ErrNotFound = func(msg string) *AppError {
		return &AppError{Code: "NOT_FOUND", Message: msg, Status: 404}
	}
	ErrBadRequest = func(msg string) *AppError {
		return &AppError{Code: "BAD_REQUEST", Message: msg, Status: 400}
	}
	ErrConflict = func(msg string) *AppError {
		return &AppError{Code: "CONFLICT", Message: msg, Status: 409}
	}
	ErrInternal = func(msg string) *AppError {
		return &AppError{Code: "INTERNAL", Message: msg, Status: 500}
	}
)
