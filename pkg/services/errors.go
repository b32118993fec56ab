// Package services implements the chat-flow use cases on top of the engine and the stores.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/chatflow/pkg/flow"
	"github.com/dukex/chatflow/pkg/persistence"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidFlow        = errors.New("invalid flow definition")
	ErrInvalidMatchPolicy = errors.New("invalid match policy")

	// Not Found (404).
	ErrFlowNotFound     = persistence.ErrFlowNotFound
	ErrInstanceNotFound = persistence.ErrInstanceNotFound

	// Business Logic Conflicts (409 Conflict).
	ErrFlowExists        = errors.New("flow already exists")
	ErrInstanceNotActive = errors.New("instance is not active")
	ErrConcurrentUpdate  = errors.New("instance was modified concurrently")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// FlowValidationError carries the report of a rejected flow definition.
type FlowValidationError struct {
	Report flow.ValidationReport
}

func (e *FlowValidationError) Error() string {
	return fmt.Sprintf("%s: %v", ErrInvalidFlow, e.Report.Err())
}

func (e *FlowValidationError) Unwrap() error {
	return ErrInvalidFlow
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidFlow) ||
		errors.Is(err, ErrInvalidMatchPolicy)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrFlowNotFound) || errors.Is(err, ErrInstanceNotFound)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrFlowExists) ||
		errors.Is(err, ErrInstanceNotActive) ||
		errors.Is(err, ErrConcurrentUpdate)
}
