package models

import (
	"fmt"
	"time"
)

// ExecutionStatus represents the lifecycle state of a step execution.
type ExecutionStatus string

const (
	ExecutionStatusScheduled ExecutionStatus = "scheduled"
	ExecutionStatusExecuting ExecutionStatus = "executing"
	ExecutionStatusCompleted ExecutionStatus = "completed" // Terminal
	ExecutionStatusFailed    ExecutionStatus = "failed"    // Terminal once retries are exhausted
	ExecutionStatusCancelled ExecutionStatus = "cancelled" // Terminal
	ExecutionStatusSkipped   ExecutionStatus = "skipped"   // Terminal
)

// ErrorType classifies an execution failure for retry decisions.
type ErrorType string

const (
	ErrorTypeNone                ErrorType = ""
	ErrorTypeTransient           ErrorType = "transient"            // Retryable (timeouts, rate limits)
	ErrorTypeContactUnsubscribed ErrorType = "contact_unsubscribed" // Permanent
	ErrorTypeTemplateNotFound    ErrorType = "template_not_found"   // Permanent
	ErrorTypeInvalidEmailAddress ErrorType = "invalid_email"        // Permanent
	ErrorTypeInternal            ErrorType = "internal"             // Unexpected fault, not retried
)

// IsPermanent reports whether the failure can never succeed on retry. A
// permanent failure cascades to the owning enrollment.
func (t ErrorType) IsPermanent() bool {
	switch t {
	case ErrorTypeContactUnsubscribed, ErrorTypeTemplateNotFound, ErrorTypeInvalidEmailAddress:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether a retry may succeed.
func (t ErrorType) IsRetryable() bool {
	return t == ErrorTypeTransient
}

// MaxRetries bounds rescheduling after transient failures: an attempt with
// retry_count at the cap fails permanently instead of rescheduling.
const MaxRetries = 3

// Execution is one scheduled or attempted run of a single step for one
// enrollment. It is the unit of retry.
type Execution struct {
	ID            string          `json:"id"`
	EnrollmentID  string          `json:"enrollment_id"`
	StepID        string          `json:"step_id"`
	Status        ExecutionStatus `json:"status"`
	ScheduledAt   time.Time       `json:"scheduled_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	ExecutedAt    *time.Time      `json:"executed_at,omitempty"`
	CancelledAt   *time.Time      `json:"cancelled_at,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ErrorType     ErrorType       `json:"error_type,omitempty"`
	RetryCount    int             `json:"retry_count"`
	ExecutionData map[string]any  `json:"execution_data,omitempty"`
}

// NewExecution creates a scheduled execution for a step.
func NewExecution(id, enrollmentID, stepID string, scheduledAt time.Time) *Execution {
	return &Execution{
		ID:           id,
		EnrollmentID: enrollmentID,
		StepID:       stepID,
		Status:       ExecutionStatusScheduled,
		ScheduledAt:  scheduledAt,
	}
}

// IsDue reports whether the execution is scheduled and its time has come.
func (x *Execution) IsDue(now time.Time) bool {
	return x.Status == ExecutionStatusScheduled && !x.ScheduledAt.After(now)
}

// OverdueThreshold flags executions that sat in the scheduled state well past
// their due time. Advisory only; overdue executions are still processed.
const OverdueThreshold = time.Hour

// IsOverdue reports whether the execution is flagged for observability.
func (x *Execution) IsOverdue(now time.Time) bool {
	return x.Status == ExecutionStatusScheduled && now.Sub(x.ScheduledAt) > OverdueThreshold
}

// Start records the transition into executing. The exclusive claim itself is
// performed at the storage layer; Start only validates due-ness for callers
// that mutate in memory.
func (x *Execution) Start(now time.Time) error {
	if !x.IsDue(now) {
		return fmt.Errorf("%w: execution %s in status %q scheduled at %s", ErrNotDue, x.ID, x.Status, x.ScheduledAt)
	}

	x.Status = ExecutionStatusExecuting
	x.StartedAt = &now

	return nil
}

// Complete records a successful attempt and its result payload.
func (x *Execution) Complete(data map[string]any, now time.Time) error {
	if x.Status != ExecutionStatusExecuting {
		return fmt.Errorf("%w: cannot complete execution in status %q", ErrInvalidTransition, x.Status)
	}

	x.Status = ExecutionStatusCompleted
	x.ExecutedAt = &now
	x.ExecutionData = data
	x.ErrorMessage = ""
	x.ErrorType = ErrorTypeNone

	return nil
}

// Fail records a terminal failure with its classification.
func (x *Execution) Fail(errType ErrorType, message string, now time.Time) error {
	if x.Status != ExecutionStatusExecuting {
		return fmt.Errorf("%w: cannot fail execution in status %q", ErrInvalidTransition, x.Status)
	}

	x.Status = ExecutionStatusFailed
	x.ExecutedAt = &now
	x.ErrorType = errType
	x.ErrorMessage = message

	return nil
}

// CanRetry reports whether another attempt is allowed after a transient
// failure.
func (x *Execution) CanRetry() bool {
	return x.RetryCount < MaxRetries
}

// Retry returns a failed attempt to the scheduled state with a new due time.
func (x *Execution) Retry(errType ErrorType, message string, nextAttemptAt time.Time) error {
	if x.Status != ExecutionStatusExecuting {
		return fmt.Errorf("%w: cannot retry execution in status %q", ErrInvalidTransition, x.Status)
	}

	if !x.CanRetry() {
		return fmt.Errorf("%w: execution %s exhausted its %d retries", ErrInvalidTransition, x.ID, MaxRetries)
	}

	x.Status = ExecutionStatusScheduled
	x.ScheduledAt = nextAttemptAt
	x.StartedAt = nil
	x.RetryCount++
	x.ErrorType = errType
	x.ErrorMessage = message

	return nil
}

// Cancel pre-empts a scheduled execution. Claimed executions run to
// completion and cannot be cancelled.
func (x *Execution) Cancel(now time.Time) error {
	if x.Status != ExecutionStatusScheduled {
		return fmt.Errorf("%w: cannot cancel execution in status %q", ErrInvalidTransition, x.Status)
	}

	x.Status = ExecutionStatusCancelled
	x.CancelledAt = &now

	return nil
}

// Skip forces a completed-like terminal state without the advancing side
// effects, recording why.
func (x *Execution) Skip(reason string, now time.Time) error {
	if x.Status != ExecutionStatusScheduled {
		return fmt.Errorf("%w: cannot skip execution in status %q", ErrInvalidTransition, x.Status)
	}

	x.Status = ExecutionStatusSkipped
	x.ExecutedAt = &now
	x.ExecutionData = map[string]any{"skip_reason": reason}

	return nil
}
