package models

import (
	"fmt"
	"math"
	"time"
)

// EnrollmentStatus represents the lifecycle state of an enrollment.
type EnrollmentStatus string

const (
	EnrollmentStatusActive    EnrollmentStatus = "active"
	EnrollmentStatusPaused    EnrollmentStatus = "paused"
	EnrollmentStatusCompleted EnrollmentStatus = "completed" // Terminal
	EnrollmentStatusDropped   EnrollmentStatus = "dropped"   // Terminal
	EnrollmentStatusFailed    EnrollmentStatus = "failed"    // Terminal
)

// IsTerminal reports whether the status admits no further transitions.
func (s EnrollmentStatus) IsTerminal() bool {
	return s == EnrollmentStatusCompleted || s == EnrollmentStatusDropped || s == EnrollmentStatusFailed
}

// AdvanceOutcome is the result of advancing an enrollment past its current
// step.
type AdvanceOutcome string

const (
	AdvanceContinue AdvanceOutcome = "continue" // A step exists at the new order; caller schedules it
	AdvanceFinished AdvanceOutcome = "finished" // No further step; enrollment completed
)

// Enrollment is one contact's progress instance through an automation. At
// most one enrollment with status active or paused may exist per
// (automation, contact) pair; the persistence layer enforces that as a
// uniqueness constraint.
type Enrollment struct {
	ID           string            `json:"id"`
	AutomationID string            `json:"automation_id"`
	ContactID    string            `json:"contact_id"`
	Status       EnrollmentStatus  `json:"status"`
	CurrentStep  int               `json:"current_step"` // 1-based order into the automation's steps
	Context      EnrollmentContext `json:"context,omitempty"`
	EnrolledAt   time.Time         `json:"enrolled_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	PausedAt     *time.Time        `json:"paused_at,omitempty"`
	DroppedAt    *time.Time        `json:"dropped_at,omitempty"`
	FailedAt     *time.Time        `json:"failed_at,omitempty"`
	PauseReason  string            `json:"pause_reason,omitempty"`
	DropReason   string            `json:"drop_reason,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// NewEnrollment creates an active enrollment pointed at step 1.
func NewEnrollment(id, automationID, contactID string, context EnrollmentContext, now time.Time) *Enrollment {
	return &Enrollment{
		ID:           id,
		AutomationID: automationID,
		ContactID:    contactID,
		Status:       EnrollmentStatusActive,
		CurrentStep:  1,
		Context:      context,
		EnrolledAt:   now,
	}
}

// Advance moves the enrollment past its current step. Only valid while
// active. When no step exists at the new order the enrollment completes.
func (e *Enrollment) Advance(totalSteps int, now time.Time) (AdvanceOutcome, error) {
	if e.Status != EnrollmentStatusActive {
		return "", fmt.Errorf("%w: cannot advance enrollment in status %q", ErrInvalidTransition, e.Status)
	}

	e.CurrentStep++

	if e.CurrentStep > totalSteps {
		e.Status = EnrollmentStatusCompleted
		e.CompletedAt = &now

		return AdvanceFinished, nil
	}

	return AdvanceContinue, nil
}

// Pause suspends an active enrollment. The caller cancels any scheduled
// executions belonging to it.
func (e *Enrollment) Pause(reason string, now time.Time) error {
	if e.Status != EnrollmentStatusActive {
		return fmt.Errorf("%w: cannot pause enrollment in status %q", ErrInvalidTransition, e.Status)
	}

	e.Status = EnrollmentStatusPaused
	e.PausedAt = &now
	e.PauseReason = reason

	return nil
}

// Resume returns a paused enrollment to active and clears the pause marks.
// The caller re-schedules the current step's execution.
func (e *Enrollment) Resume() error {
	if e.Status != EnrollmentStatusPaused {
		return fmt.Errorf("%w: cannot resume enrollment in status %q", ErrInvalidTransition, e.Status)
	}

	e.Status = EnrollmentStatusActive
	e.PausedAt = nil
	e.PauseReason = ""

	return nil
}

// Drop removes the contact from the sequence. Valid from active or paused.
func (e *Enrollment) Drop(reason string, now time.Time) error {
	if e.Status != EnrollmentStatusActive && e.Status != EnrollmentStatusPaused {
		return fmt.Errorf("%w: cannot drop enrollment in status %q", ErrInvalidTransition, e.Status)
	}

	e.Status = EnrollmentStatusDropped
	e.DroppedAt = &now
	e.DropReason = reason

	return nil
}

// Fail marks the enrollment failed. Valid from any non-terminal status.
func (e *Enrollment) Fail(errorMessage string, now time.Time) error {
	if e.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot fail enrollment in status %q", ErrInvalidTransition, e.Status)
	}

	e.Status = EnrollmentStatusFailed
	e.FailedAt = &now
	e.ErrorMessage = errorMessage

	return nil
}

// Progress returns the percentage of steps with completed executions,
// rounded to two decimals. An automation with no steps reports zero.
func (e *Enrollment) Progress(completedExecutions, totalSteps int) float64 {
	if totalSteps == 0 {
		return 0
	}

	pct := float64(completedExecutions) / float64(totalSteps) * 100

	return math.Round(pct*100) / 100
}

// Duration returns the days between enrollment and completion (or pause, or
// now for running enrollments), rounded to two decimals.
func (e *Enrollment) Duration(now time.Time) float64 {
	end := now

	switch {
	case e.CompletedAt != nil:
		end = *e.CompletedAt
	case e.PausedAt != nil:
		end = *e.PausedAt
	}

	days := end.Sub(e.EnrolledAt).Hours() / 24

	return math.Round(days*100) / 100
}
