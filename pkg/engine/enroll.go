package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dripmail/dripmail/pkg/events"
	"github.com/dripmail/dripmail/pkg/models"
	"github.com/dripmail/dripmail/pkg/persistence"
)

// Enroll starts a contact on an automation. The automation must be active
// and have at least one step. At most one live (active or paused) enrollment
// may exist per (automation, contact) pair; the storage layer's uniqueness
// constraint makes concurrent enrolls safe, and the duplicate comes back as
// persistence.ErrDuplicateEnrollment.
func (e *Engine) Enroll(
	ctx context.Context,
	automationID, contactID string,
	enrollmentContext models.EnrollmentContext,
) (*models.Enrollment, error) {
	automation, err := e.persistence.AutomationRepository().AutomationByID(ctx, automationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load automation %s: %w", automationID, err)
	}

	if automation.Status != models.AutomationStatusActive {
		return nil, fmt.Errorf("%w: automation %s is %s, only active automations enroll",
			models.ErrInvalidTransition, automationID, automation.Status)
	}

	if len(automation.Steps) == 0 {
		return nil, fmt.Errorf("%w: automation %s has no steps", models.ErrInvalidAutomation, automationID)
	}

	if err := enrollmentContext.Validate(automation.TriggerType); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	enrollment := models.NewEnrollment(e.newID(), automationID, contactID, enrollmentContext.Clone(), now)

	if err := e.persistence.EnrollmentRepository().CreateEnrollment(ctx, enrollment); err != nil {
		return nil, err
	}

	firstStep := automation.StepAt(1)
	execution := models.NewExecution(e.newID(), enrollment.ID, firstStep.ID, now.Add(firstStep.Delay.Duration()))

	if err := e.persistence.ExecutionRepository().CreateExecution(ctx, execution); err != nil {
		e.dropUnscheduledEnrollment(ctx, enrollment, now)

		return nil, fmt.Errorf("failed to schedule first step for enrollment %s: %w", enrollment.ID, err)
	}

	e.logger.InfoContext(ctx, "Contact enrolled",
		"automation_id", automationID,
		"contact_id", contactID,
		"enrollment_id", enrollment.ID,
		"first_step_due", execution.ScheduledAt)

	e.publish(ctx, enrollment.ID, events.EnrollmentStarted{
		BaseEvent:   e.baseEvent(events.EnrollmentStartedEvent, enrollment),
		TriggerType: automation.TriggerType,
		Context:     enrollment.Context,
	})

	return enrollment, nil
}

// dropUnscheduledEnrollment compensates for a failed first-step schedule. A
// live enrollment with no scheduled work would hold the (automation, contact)
// uniqueness slot forever; dropping it frees the pair to re-enroll once the
// fault clears.
func (e *Engine) dropUnscheduledEnrollment(ctx context.Context, enrollment *models.Enrollment, now time.Time) {
	if err := enrollment.Drop("scheduling_failed", now); err != nil {
		e.logger.ErrorContext(ctx, "Failed to drop unscheduled enrollment",
			"enrollment_id", enrollment.ID, "error", err)

		return
	}

	if err := e.persistence.EnrollmentRepository().UpdateEnrollment(ctx, enrollment); err != nil {
		e.logger.ErrorContext(ctx, "Failed to drop unscheduled enrollment",
			"enrollment_id", enrollment.ID, "error", err)
	}
}

// TriggerResult summarizes one trigger event's fan-out.
type TriggerResult struct {
	Enrolled   []*models.Enrollment
	Duplicates int
	NotMet     int
	Failures   int
}

// Trigger fans a trigger event out to every active automation listening on
// its type. Each automation's gating policy filters the event against the
// contact's snapshot; matches are enrolled. Per-automation failures are
// isolated: one automation's error never blocks the others.
func (e *Engine) Trigger(ctx context.Context, event models.TriggerEvent) (*TriggerResult, error) {
	if !event.Type.IsValid() {
		return nil, fmt.Errorf("%w: unknown trigger type %q", models.ErrInvalidAutomation, event.Type)
	}

	automations, err := e.persistence.AutomationRepository().ActiveAutomationsByTrigger(ctx, event.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to load automations for trigger %s: %w", event.Type, err)
	}

	contact, err := e.contacts.Find(ctx, event.ContactID)
	if err != nil {
		return nil, fmt.Errorf("failed to load contact %s: %w", event.ContactID, err)
	}

	now := e.clock.Now()
	result := &TriggerResult{}

	for _, automation := range automations {
		if !automation.TriggerConfig.Met(event.Type, event, contact, now) {
			result.NotMet++

			continue
		}

		enrollment, err := e.Enroll(ctx, automation.ID, event.ContactID, event.Context)

		switch {
		case err == nil:
			result.Enrolled = append(result.Enrolled, enrollment)
		case persistence.IsDuplicateEnrollment(err):
			result.Duplicates++

			e.logger.DebugContext(ctx, "Contact already enrolled",
				"automation_id", automation.ID, "contact_id", event.ContactID)
		default:
			result.Failures++

			e.logger.ErrorContext(ctx, "Failed to enroll contact",
				"automation_id", automation.ID, "contact_id", event.ContactID, "error", err)
		}
	}

	return result, nil
}

func (e *Engine) baseEvent(eventType events.EventType, enrollment *models.Enrollment) events.BaseEvent {
	return events.BaseEvent{
		ID:           e.newID(),
		Type:         eventType,
		Timestamp:    e.clock.Now(),
		AutomationID: enrollment.AutomationID,
		EnrollmentID: enrollment.ID,
		ContactID:    enrollment.ContactID,
	}
}
