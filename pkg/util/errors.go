// Package util provides logging, error types and address/version helpers
// shared by the tunnel control plane.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for tunnel planning and reconciliation outcomes
var (
	ErrNotFound         = errors.New("resource not found")
	ErrAlreadyExists    = errors.New("resource already exists")
	ErrValidationFailed = errors.New("validation failed")
	ErrAllocation       = errors.New("tunnel number allocation failed")
	ErrPoolExhausted    = errors.New("tunnel number pool exhausted")
	ErrPending          = errors.New("tunnel pending")
	ErrInUse            = errors.New("resource in use")
	ErrLocked           = errors.New("resource locked by another holder")
	ErrAddressEmpty     = errors.New("address empty")
)

// SkipError is a non-fatal planning outcome: the affected tunnel candidate is
// skipped, the batch continues, and the reason is reported to the user. It is
// never raised across the planner boundary; callers accumulate it into reason
// sets.
type SkipError struct {
	Reason  string
	Devices []string // device ids the reason is attached to
}

func (e *SkipError) Error() string {
	return e.Reason
}

// NewSkipError creates a skip outcome attached to the given devices.
func NewSkipError(reason string, devices ...string) *SkipError {
	return &SkipError{Reason: reason, Devices: devices}
}

// PendingType classifies why a tunnel cannot yet be realized.
type PendingType string

const (
	PendingInterfaceHasNoIP PendingType = "interfaceHasNoIP"
)

// PendingError marks a tunnel as pending: the record is persisted with a typed
// reason and no device jobs are produced until the prerequisite resolves.
type PendingError struct {
	Type   PendingType
	Reason string
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("tunnel pending (%s): %s", e.Type, e.Reason)
}

func (e *PendingError) Unwrap() error {
	return ErrPending
}

// NewPendingError creates a pending outcome.
func NewPendingError(pt PendingType, format string, args ...interface{}) *PendingError {
	return &PendingError{Type: pt, Reason: fmt.Sprintf(format, args...)}
}

// AllocationError represents a failed tunnel number allocation. Fatal for the
// affected tunnel only; sibling tunnels in the batch proceed.
type AllocationError struct {
	Org    string
	Detail string
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("failed to get a new tunnel number for org %s: %s", e.Org, e.Detail)
}

func (e *AllocationError) Unwrap() error {
	return ErrAllocation
}

// ValidationError represents one or more request validation failures.
// Validation failures reject the entire operation before any allocation.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// HasErrors returns true if there are validation errors
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}

// InUseError represents a resource that cannot be removed because other
// configuration references it (e.g., a tunnel loopback used by static routes).
type InUseError struct {
	Resource string
	UsedBy   []string
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("%s is in use by: %s", e.Resource, strings.Join(e.UsedBy, ", "))
}

func (e *InUseError) Unwrap() error {
	return ErrInUse
}

// NewInUseError creates an in-use error
func NewInUseError(resource string, usedBy ...string) *InUseError {
	return &InUseError{Resource: resource, UsedBy: usedBy}
}
