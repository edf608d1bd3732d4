package engine

import (
	"context"
	"fmt"

	"github.com/dripmail/dripmail/pkg/events"
	"github.com/dripmail/dripmail/pkg/models"
	"github.com/dripmail/dripmail/pkg/persistence"
)

// ProcessExecution claims and runs one due execution end to end: claim,
// perform the step, record the outcome, apply the retry policy, and advance
// the enrollment on success. It returns ErrExecutionNotClaimable when a
// concurrent worker won the claim or the execution's due time has not yet
// passed; a lost race is not a fault, and an early call must not run the
// step ahead of schedule.
func (e *Engine) ProcessExecution(ctx context.Context, executionID string) error {
	execution, err := e.persistence.ExecutionRepository().ExecutionByID(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}

	unlock := e.locks.Lock(execution.EnrollmentID)
	defer unlock()

	now := e.clock.Now()

	claimed, err := e.persistence.ExecutionRepository().ClaimExecution(ctx, executionID, now)
	if err != nil {
		return fmt.Errorf("failed to claim execution %s: %w", executionID, err)
	}

	if !claimed {
		return fmt.Errorf("%w: execution %s", persistence.ErrExecutionNotClaimable, executionID)
	}

	if err := execution.Start(now); err != nil {
		return err
	}

	enrollment, err := e.persistence.EnrollmentRepository().EnrollmentByID(ctx, execution.EnrollmentID)
	if err != nil {
		return fmt.Errorf("failed to load enrollment %s: %w", execution.EnrollmentID, err)
	}

	automation, err := e.persistence.AutomationRepository().AutomationByID(ctx, enrollment.AutomationID)
	if err != nil {
		return fmt.Errorf("failed to load automation %s: %w", enrollment.AutomationID, err)
	}

	step := stepByID(automation, execution.StepID)
	if step == nil {
		return e.handleFailure(ctx, execution, enrollment, step,
			models.ErrorTypeInternal,
			fmt.Errorf("step %s no longer exists on automation %s", execution.StepID, automation.ID))
	}

	data, runErr := e.runStepSafely(ctx, step, enrollment)
	if runErr != nil {
		return e.handleFailure(ctx, execution, enrollment, step, classifyError(runErr), runErr)
	}

	return e.handleSuccess(ctx, execution, enrollment, automation, step, data)
}

// runStepSafely converts a step panic into an internal failure so one
// misbehaving step cannot take down the worker.
func (e *Engine) runStepSafely(
	ctx context.Context,
	step *models.StepDefinition,
	enrollment *models.Enrollment,
) (data map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = newStepError(models.ErrorTypeInternal, fmt.Errorf("step %s panicked: %v", step.ID, r))
		}
	}()

	return e.runStep(ctx, step, enrollment)
}

// handleSuccess records the completed execution and advances the enrollment.
// An enrollment that was paused or dropped while the step ran keeps the
// completed execution but does not advance; that is the pause contract, not
// an error.
func (e *Engine) handleSuccess(
	ctx context.Context,
	execution *models.Execution,
	enrollment *models.Enrollment,
	automation *models.Automation,
	step *models.StepDefinition,
	data map[string]any,
) error {
	now := e.clock.Now()

	if err := execution.Complete(data, now); err != nil {
		return err
	}

	if err := e.persistence.ExecutionRepository().UpdateExecution(ctx, execution); err != nil {
		return fmt.Errorf("failed to persist execution %s: %w", execution.ID, err)
	}

	e.logger.InfoContext(ctx, "Execution completed",
		"execution_id", execution.ID,
		"enrollment_id", enrollment.ID,
		"step_type", step.Type,
		"step_order", step.Order)

	e.publish(ctx, enrollment.ID, events.ExecutionCompleted{
		BaseEvent:   e.baseEvent(events.ExecutionCompletedEvent, enrollment),
		ExecutionID: execution.ID,
		StepID:      step.ID,
		StepType:    step.Type,
		Data:        data,
	})

	if enrollment.Status != models.EnrollmentStatusActive {
		e.logger.InfoContext(ctx, "Enrollment no longer active, not advancing",
			"enrollment_id", enrollment.ID, "status", enrollment.Status)

		return nil
	}

	if e.blockOnConditionFalse && conditionNotMet(step, data) {
		if err := enrollment.Drop("condition_not_met", e.clock.Now()); err != nil {
			return err
		}

		if err := e.persistence.EnrollmentRepository().UpdateEnrollment(ctx, enrollment); err != nil {
			return fmt.Errorf("failed to persist enrollment %s: %w", enrollment.ID, err)
		}

		e.logger.InfoContext(ctx, "Enrollment dropped on unmet condition",
			"enrollment_id", enrollment.ID, "step_order", step.Order)

		e.publish(ctx, enrollment.ID, events.EnrollmentDropped{
			BaseEvent: e.baseEvent(events.EnrollmentDroppedEvent, enrollment),
			Reason:    "condition_not_met",
		})

		return nil
	}

	return e.advance(ctx, enrollment, automation)
}

// advance moves the enrollment past its current step and schedules the next
// execution honoring that step's delay. On the last step the enrollment
// completes instead.
func (e *Engine) advance(
	ctx context.Context,
	enrollment *models.Enrollment,
	automation *models.Automation,
) error {
	now := e.clock.Now()

	outcome, err := enrollment.Advance(len(automation.Steps), now)
	if err != nil {
		return err
	}

	if outcome == models.AdvanceFinished {
		if err := e.persistence.EnrollmentRepository().UpdateEnrollment(ctx, enrollment); err != nil {
			return fmt.Errorf("failed to persist enrollment %s: %w", enrollment.ID, err)
		}

		e.logger.InfoContext(ctx, "Enrollment completed",
			"enrollment_id", enrollment.ID, "automation_id", automation.ID)

		e.publish(ctx, enrollment.ID, events.EnrollmentCompleted{
			BaseEvent:    e.baseEvent(events.EnrollmentCompletedEvent, enrollment),
			DurationDays: enrollment.Duration(now),
		})

		return nil
	}

	nextStep := automation.StepAt(enrollment.CurrentStep)
	if nextStep == nil {
		return fmt.Errorf("%w: automation %s has no step at order %d",
			models.ErrInvalidAutomation, automation.ID, enrollment.CurrentStep)
	}

	next := models.NewExecution(e.newID(), enrollment.ID, nextStep.ID, now.Add(nextStep.Delay.Duration()))

	if err := e.persistence.ExecutionRepository().CreateExecution(ctx, next); err != nil {
		return fmt.Errorf("failed to schedule step %d for enrollment %s: %w",
			nextStep.Order, enrollment.ID, err)
	}

	if err := e.persistence.EnrollmentRepository().UpdateEnrollment(ctx, enrollment); err != nil {
		return fmt.Errorf("failed to persist enrollment %s: %w", enrollment.ID, err)
	}

	e.logger.InfoContext(ctx, "Enrollment advanced",
		"enrollment_id", enrollment.ID,
		"current_step", enrollment.CurrentStep,
		"next_due", next.ScheduledAt)

	return nil
}

// handleFailure applies the retry policy to a failed attempt. Transient
// failures below the retry cap are re-scheduled with exponential backoff.
// Everything else fails the execution; a permanent classification also
// cascades to the enrollment.
func (e *Engine) handleFailure(
	ctx context.Context,
	execution *models.Execution,
	enrollment *models.Enrollment,
	step *models.StepDefinition,
	errType models.ErrorType,
	runErr error,
) error {
	now := e.clock.Now()
	stepID := execution.StepID

	if errType.IsRetryable() && execution.CanRetry() {
		nextAttemptAt := now.Add(retryBackoff(execution.RetryCount))

		if err := execution.Retry(errType, runErr.Error(), nextAttemptAt); err != nil {
			return err
		}

		if err := e.persistence.ExecutionRepository().UpdateExecution(ctx, execution); err != nil {
			return fmt.Errorf("failed to persist execution %s: %w", execution.ID, err)
		}

		e.logger.WarnContext(ctx, "Execution failed, retrying",
			"execution_id", execution.ID,
			"enrollment_id", enrollment.ID,
			"retry_count", execution.RetryCount,
			"next_attempt_at", nextAttemptAt,
			"error", runErr)

		e.publish(ctx, enrollment.ID, events.ExecutionRetried{
			BaseEvent:     e.baseEvent(events.ExecutionRetriedEvent, enrollment),
			ExecutionID:   execution.ID,
			StepID:        stepID,
			RetryCount:    execution.RetryCount,
			NextAttemptAt: nextAttemptAt,
		})

		return nil
	}

	if err := execution.Fail(errType, runErr.Error(), now); err != nil {
		return err
	}

	if err := e.persistence.ExecutionRepository().UpdateExecution(ctx, execution); err != nil {
		return fmt.Errorf("failed to persist execution %s: %w", execution.ID, err)
	}

	e.logger.ErrorContext(ctx, "Execution failed",
		"execution_id", execution.ID,
		"enrollment_id", enrollment.ID,
		"error_type", errType,
		"error", runErr)

	e.publish(ctx, enrollment.ID, events.ExecutionFailed{
		BaseEvent:   e.baseEvent(events.ExecutionFailedEvent, enrollment),
		ExecutionID: execution.ID,
		StepID:      stepID,
		ErrorType:   errType,
		Error:       runErr.Error(),
	})

	if errType.IsPermanent() && !enrollment.Status.IsTerminal() {
		return e.failEnrollment(ctx, enrollment, runErr.Error())
	}

	return nil
}

func stepByID(automation *models.Automation, stepID string) *models.StepDefinition {
	for _, step := range automation.Steps {
		if step.ID == stepID {
			return step
		}
	}

	return nil
}
