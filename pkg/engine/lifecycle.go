package engine

import (
	"context"
	"fmt"

	"github.com/dripmail/dripmail/pkg/events"
	"github.com/dripmail/dripmail/pkg/models"
)

// PauseEnrollment suspends an active enrollment and cancels its scheduled
// executions. An execution already claimed by a worker runs to completion;
// its advance is suppressed because the enrollment is no longer active.
func (e *Engine) PauseEnrollment(ctx context.Context, enrollmentID, reason string) (*models.Enrollment, error) {
	unlock := e.locks.Lock(enrollmentID)
	defer unlock()

	enrollment, err := e.persistence.EnrollmentRepository().EnrollmentByID(ctx, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollment %s: %w", enrollmentID, err)
	}

	now := e.clock.Now()
	if err := enrollment.Pause(reason, now); err != nil {
		return nil, err
	}

	cancelled, err := e.persistence.ExecutionRepository().CancelScheduledByEnrollment(ctx, enrollmentID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel scheduled executions for enrollment %s: %w", enrollmentID, err)
	}

	if err := e.persistence.EnrollmentRepository().UpdateEnrollment(ctx, enrollment); err != nil {
		return nil, fmt.Errorf("failed to persist enrollment %s: %w", enrollmentID, err)
	}

	e.logger.InfoContext(ctx, "Enrollment paused",
		"enrollment_id", enrollmentID, "reason", reason, "cancelled_executions", cancelled)

	e.publish(ctx, enrollment.ID, events.EnrollmentPaused{
		BaseEvent:           e.baseEvent(events.EnrollmentPausedEvent, enrollment),
		Reason:              reason,
		CancelledExecutions: cancelled,
	})

	return enrollment, nil
}

// ResumeEnrollment returns a paused enrollment to active and re-schedules
// its current step. The resume strategy decides the new due time; the
// default makes the step due immediately.
func (e *Engine) ResumeEnrollment(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	unlock := e.locks.Lock(enrollmentID)
	defer unlock()

	enrollment, err := e.persistence.EnrollmentRepository().EnrollmentByID(ctx, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollment %s: %w", enrollmentID, err)
	}

	automation, err := e.persistence.AutomationRepository().AutomationByID(ctx, enrollment.AutomationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load automation %s: %w", enrollment.AutomationID, err)
	}

	pausedAt := enrollment.PausedAt
	if err := enrollment.Resume(); err != nil {
		return nil, err
	}

	step := automation.StepAt(enrollment.CurrentStep)
	if step == nil {
		return nil, fmt.Errorf("%w: automation %s has no step at order %d",
			models.ErrInvalidAutomation, automation.ID, enrollment.CurrentStep)
	}

	now := e.clock.Now()
	execution := models.NewExecution(e.newID(), enrollment.ID, step.ID,
		e.resumeStrategy.NextAttemptAt(step, pausedAt, now))

	if err := e.persistence.ExecutionRepository().CreateExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to re-schedule step for enrollment %s: %w", enrollmentID, err)
	}

	if err := e.persistence.EnrollmentRepository().UpdateEnrollment(ctx, enrollment); err != nil {
		return nil, fmt.Errorf("failed to persist enrollment %s: %w", enrollmentID, err)
	}

	e.logger.InfoContext(ctx, "Enrollment resumed",
		"enrollment_id", enrollmentID, "current_step", enrollment.CurrentStep, "due_at", execution.ScheduledAt)

	e.publish(ctx, enrollment.ID, events.EnrollmentResumed{
		BaseEvent:   e.baseEvent(events.EnrollmentResumedEvent, enrollment),
		CurrentStep: enrollment.CurrentStep,
	})

	return enrollment, nil
}

// DropEnrollment removes the contact from the sequence and cancels its
// scheduled executions. Valid from active or paused.
func (e *Engine) DropEnrollment(ctx context.Context, enrollmentID, reason string) (*models.Enrollment, error) {
	unlock := e.locks.Lock(enrollmentID)
	defer unlock()

	enrollment, err := e.persistence.EnrollmentRepository().EnrollmentByID(ctx, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollment %s: %w", enrollmentID, err)
	}

	now := e.clock.Now()
	if err := enrollment.Drop(reason, now); err != nil {
		return nil, err
	}

	cancelled, err := e.persistence.ExecutionRepository().CancelScheduledByEnrollment(ctx, enrollmentID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel scheduled executions for enrollment %s: %w", enrollmentID, err)
	}

	if err := e.persistence.EnrollmentRepository().UpdateEnrollment(ctx, enrollment); err != nil {
		return nil, fmt.Errorf("failed to persist enrollment %s: %w", enrollmentID, err)
	}

	e.logger.InfoContext(ctx, "Enrollment dropped",
		"enrollment_id", enrollmentID, "reason", reason, "cancelled_executions", cancelled)

	e.publish(ctx, enrollment.ID, events.EnrollmentDropped{
		BaseEvent:           e.baseEvent(events.EnrollmentDroppedEvent, enrollment),
		Reason:              reason,
		CancelledExecutions: cancelled,
	})

	return enrollment, nil
}

// failEnrollment cascades a permanent execution failure to the enrollment.
// Callers hold the enrollment lock.
func (e *Engine) failEnrollment(ctx context.Context, enrollment *models.Enrollment, errorMessage string) error {
	now := e.clock.Now()
	if err := enrollment.Fail(errorMessage, now); err != nil {
		return err
	}

	cancelled, err := e.persistence.ExecutionRepository().CancelScheduledByEnrollment(ctx, enrollment.ID, now)
	if err != nil {
		return fmt.Errorf("failed to cancel scheduled executions for enrollment %s: %w", enrollment.ID, err)
	}

	if err := e.persistence.EnrollmentRepository().UpdateEnrollment(ctx, enrollment); err != nil {
		return fmt.Errorf("failed to persist enrollment %s: %w", enrollment.ID, err)
	}

	e.logger.WarnContext(ctx, "Enrollment failed",
		"enrollment_id", enrollment.ID, "error", errorMessage, "cancelled_executions", cancelled)

	e.publish(ctx, enrollment.ID, events.EnrollmentFailed{
		BaseEvent: e.baseEvent(events.EnrollmentFailedEvent, enrollment),
		Error:     errorMessage,
	})

	return nil
}

// EnrollmentProgress returns the percentage of the automation's steps the
// enrollment has completed executions for, rounded to two decimals.
func (e *Engine) EnrollmentProgress(ctx context.Context, enrollmentID string) (float64, error) {
	enrollment, err := e.persistence.EnrollmentRepository().EnrollmentByID(ctx, enrollmentID)
	if err != nil {
		return 0, fmt.Errorf("failed to load enrollment %s: %w", enrollmentID, err)
	}

	automation, err := e.persistence.AutomationRepository().AutomationByID(ctx, enrollment.AutomationID)
	if err != nil {
		return 0, fmt.Errorf("failed to load automation %s: %w", enrollment.AutomationID, err)
	}

	completed, err := e.persistence.ExecutionRepository().CountCompletedByEnrollment(ctx, enrollmentID)
	if err != nil {
		return 0, fmt.Errorf("failed to count completed executions for enrollment %s: %w", enrollmentID, err)
	}

	return enrollment.Progress(completed, len(automation.Steps)), nil
}

// EnrollmentDuration returns how many days the enrollment has been (or was)
// running, rounded to two decimals.
func (e *Engine) EnrollmentDuration(ctx context.Context, enrollmentID string) (float64, error) {
	enrollment, err := e.persistence.EnrollmentRepository().EnrollmentByID(ctx, enrollmentID)
	if err != nil {
		return 0, fmt.Errorf("failed to load enrollment %s: %w", enrollmentID, err)
	}

	return enrollment.Duration(e.clock.Now()), nil
}
