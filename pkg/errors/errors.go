package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// Authorization errors, always local to the requester
	ErrorTypeUnauthenticated ErrorType = "UNAUTHENTICATED"
	ErrorTypeNotAMember      ErrorType = "NOT_A_MEMBER"
	ErrorTypeNotLeader       ErrorType = "NOT_LEADER"
	ErrorTypeNoSuchMember    ErrorType = "NO_SUCH_MEMBER"
	ErrorTypeNoSuchGraph     ErrorType = "NO_SUCH_GRAPH"

	// Application errors
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeConflict   ErrorType = "CONFLICT"
	ErrorTypeInternal   ErrorType = "INTERNAL"

	// Infrastructure errors
	ErrorTypePersistence ErrorType = "PERSISTENCE_FAILURE"
)

// AppError represents an application-specific error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	HTTPStatus int                    `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails adds error details
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

// WithCause wraps an underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// Constructor functions for the coordinator error taxonomy

// NewUnauthenticatedError creates an error for a connection with no valid identity
func NewUnauthenticatedError(message string) *AppError {
	if message == "" {
		message = "no authenticated identity on connection"
	}
	return &AppError{
		Type:       ErrorTypeUnauthenticated,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// NewNotAMemberError creates an error for an operation by a non-member
func NewNotAMemberError(graphID string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotAMember,
		Message:    fmt.Sprintf("not a member of graph %s", graphID),
		HTTPStatus: http.StatusForbidden,
	}
}

// NewNotLeaderError creates an error for a privileged action by a non-leader
func NewNotLeaderError(graphID string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotLeader,
		Message:    fmt.Sprintf("not the leader of graph %s", graphID),
		HTTPStatus: http.StatusForbidden,
	}
}

// NewNoSuchMemberError creates an error for a target user with no membership
func NewNoSuchMemberError(userID string) *AppError {
	return &AppError{
		Type:       ErrorTypeNoSuchMember,
		Message:    fmt.Sprintf("user %s is not a member", userID),
		HTTPStatus: http.StatusNotFound,
	}
}

// NewNoSuchGraphError creates an error for a stale or unknown graph id
func NewNoSuchGraphError(graphID string) *AppError {
	return &AppError{
		Type:       ErrorTypeNoSuchGraph,
		Message:    fmt.Sprintf("graph %s not found", graphID),
		HTTPStatus: http.StatusNotFound,
	}
}

// NewValidationError creates a validation error
func NewValidationError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// NewInternalError creates an internal error
func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// NewPersistenceError creates an error for a failed store operation
func NewPersistenceError(operation string, err error) *AppError {
	return &AppError{
		Type:       ErrorTypePersistence,
		Message:    fmt.Sprintf("persistence operation '%s' failed", operation),
		Cause:      err,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Helper functions

// GetAppError extracts AppError from an error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsType checks if an error is of a specific type
func IsType(err error, errType ErrorType) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Type == errType
}

// IsUnauthenticated checks if an error is an unauthenticated error
func IsUnauthenticated(err error) bool {
	return IsType(err, ErrorTypeUnauthenticated)
}

// IsNotAMember checks if an error is a non-member rejection
func IsNotAMember(err error) bool {
	return IsType(err, ErrorTypeNotAMember)
}

// IsNotLeader checks if an error is a non-leader rejection
func IsNotLeader(err error) bool {
	return IsType(err, ErrorTypeNotLeader)
}

// IsNoSuchMember checks if an error is a missing-member rejection
func IsNoSuchMember(err error) bool {
	return IsType(err, ErrorTypeNoSuchMember)
}

// IsNoSuchGraph checks if an error is a missing-graph rejection
func IsNoSuchGraph(err error) bool {
	return IsType(err, ErrorTypeNoSuchGraph)
}

// IsPersistence checks if an error is a store failure
func IsPersistence(err error) bool {
	return IsType(err, ErrorTypePersistence)
}

// HTTPStatus returns the HTTP status for an error, defaulting to 500
func HTTPStatus(err error) int {
	if appErr := GetAppError(err); appErr != nil && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Code returns the machine-readable error code for an error
func Code(err error) string {
	if appErr := GetAppError(err); appErr != nil {
		return string(appErr.Type)
	}
	return string(ErrorTypeInternal)
}

// Message returns the human-readable message for an error, hiding
// internal causes from clients
func Message(err error) string {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Message
	}
	return "internal error"
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	// If it's already an AppError, add context to message
	if appErr := GetAppError(err); appErr != nil {
		appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return appErr
	}

	// Otherwise create a new internal error
	return NewInternalError(message).WithCause(err)
}

// Wrapf wraps an error with formatted message
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}
