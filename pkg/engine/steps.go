package engine

import (
	"context"
	"fmt"

	"github.com/dripmail/dripmail/pkg/models"
)

// runStep executes one step for an enrollment and returns the result payload
// recorded on the execution. Failures carry their retry classification either
// as a StepError or as a collaborator error classifyError understands.
func (e *Engine) runStep(
	ctx context.Context,
	step *models.StepDefinition,
	enrollment *models.Enrollment,
) (map[string]any, error) {
	switch step.Type {
	case models.StepTypeEmail:
		return e.runEmailStep(ctx, step, enrollment)
	case models.StepTypeWait:
		return e.runWaitStep(step), nil
	case models.StepTypeCondition:
		return e.runConditionStep(ctx, step, enrollment)
	case models.StepTypeAction:
		return e.runActionStep(ctx, step, enrollment)
	default:
		return nil, newStepError(models.ErrorTypeInternal,
			fmt.Errorf("%w: unknown step type %q", models.ErrInvalidStep, step.Type))
	}
}

// runEmailStep renders the step's template and hands the message to the
// delivery transport. The subscription check happens at send time, not at
// schedule time: a contact who unsubscribed mid-sequence must not receive the
// email, and that failure is permanent.
func (e *Engine) runEmailStep(
	ctx context.Context,
	step *models.StepDefinition,
	enrollment *models.Enrollment,
) (map[string]any, error) {
	contact, err := e.contacts.Find(ctx, enrollment.ContactID)
	if err != nil {
		return nil, fmt.Errorf("failed to load contact %s: %w", enrollment.ContactID, err)
	}

	canReceive, err := e.contacts.CanReceiveEmails(ctx, enrollment.ContactID)
	if err != nil {
		return nil, fmt.Errorf("failed to check contact %s deliverability: %w", enrollment.ContactID, err)
	}

	if !canReceive {
		return nil, newStepError(models.ErrorTypeContactUnsubscribed,
			fmt.Errorf("contact %s cannot receive emails", enrollment.ContactID))
	}

	message, err := e.renderer.Render(ctx, step.TemplateID, contact, e.account)
	if err != nil {
		return nil, fmt.Errorf("failed to render template %s: %w", step.TemplateID, err)
	}

	result, err := e.delivery.Send(ctx, contact.Email, message.Subject, message.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to deliver email to %s: %w", contact.Email, err)
	}

	return map[string]any{
		"delivery_id": result.ID,
		"recipient":   contact.Email,
		"template_id": step.TemplateID,
	}, nil
}

// runWaitStep succeeds immediately. The delay itself was realized when the
// execution was scheduled; running it only records the elapsed wait.
func (e *Engine) runWaitStep(step *models.StepDefinition) map[string]any {
	return map[string]any{
		"waited_seconds": step.Delay.Duration().Seconds(),
	}
}

// runConditionStep evaluates the step's clauses against the contact's
// current snapshot. A false outcome is still a successful execution; the
// result payload records the miss so reporting can tell checks from sends.
func (e *Engine) runConditionStep(
	ctx context.Context,
	step *models.StepDefinition,
	enrollment *models.Enrollment,
) (map[string]any, error) {
	contact, err := e.contacts.Find(ctx, enrollment.ContactID)
	if err != nil {
		return nil, fmt.Errorf("failed to load contact %s: %w", enrollment.ContactID, err)
	}

	met := models.EvaluateConditions(contact, step.Conditions, e.clock.Now())

	return map[string]any{
		"condition_met": met,
		"skipped":       !met,
	}, nil
}

// runActionStep dispatches to a registered action handler. Unregistered
// action types succeed trivially; they are an extension point for the
// surrounding application.
func (e *Engine) runActionStep(
	ctx context.Context,
	step *models.StepDefinition,
	enrollment *models.Enrollment,
) (map[string]any, error) {
	handler, ok := e.actions[step.ActionType]
	if !ok {
		return map[string]any{
			"action_type": step.ActionType,
			"executed":    false,
		}, nil
	}

	data, err := handler(ctx, step.ActionConfig, enrollment)
	if err != nil {
		return nil, fmt.Errorf("action %q failed: %w", step.ActionType, err)
	}

	if data == nil {
		data = map[string]any{}
	}

	data["action_type"] = step.ActionType
	data["executed"] = true

	return data, nil
}

// conditionNotMet reports whether a completed condition step recorded a miss.
func conditionNotMet(step *models.StepDefinition, data map[string]any) bool {
	if step.Type != models.StepTypeCondition {
		return false
	}

	met, ok := data["condition_met"].(bool)

	return ok && !met
}
