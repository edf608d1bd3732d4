// Package persistence provides standardized error types for persistence
// operations.
package persistence

import "errors"

// Standard persistence error types that all implementations should use.
var (
	// ErrAutomationNotFound indicates an automation was not found by the
	// given identifier.
	ErrAutomationNotFound = errors.New("automation not found")

	// ErrEnrollmentNotFound indicates an enrollment was not found.
	ErrEnrollmentNotFound = errors.New("enrollment not found")

	// ErrExecutionNotFound indicates an execution was not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrDuplicateEnrollment indicates an active or paused enrollment
	// already exists for the (automation, contact) pair.
	ErrDuplicateEnrollment = errors.New("duplicate enrollment")

	// ErrExecutionNotClaimable indicates another worker claimed the
	// execution first, or it left the scheduled state before the claim.
	ErrExecutionNotClaimable = errors.New("execution not claimable")
)

// IsDuplicateEnrollment checks if an error indicates the uniqueness
// constraint over (automation, contact, live status) was violated.
func IsDuplicateEnrollment(err error) bool {
	return errors.Is(err, ErrDuplicateEnrollment)
}

// IsNotFound checks if an error indicates any entity lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAutomationNotFound) ||
		errors.Is(err, ErrEnrollmentNotFound) ||
		errors.Is(err, ErrExecutionNotFound)
}
