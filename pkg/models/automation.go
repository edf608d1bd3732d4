// Package models defines the core domain models for email automation sequencing.
package models

import (
	"fmt"
	"time"
)

// AutomationStatus represents the lifecycle state of an automation.
type AutomationStatus string

const (
	AutomationStatusDraft    AutomationStatus = "draft"    // Editable, never enrolls
	AutomationStatusActive   AutomationStatus = "active"   // Enrolling and executing
	AutomationStatusPaused   AutomationStatus = "paused"   // Temporarily not enrolling
	AutomationStatusArchived AutomationStatus = "archived" // Terminal
)

// TriggerType identifies the external event kind that enrolls contacts.
type TriggerType string

const (
	TriggerManual            TriggerType = "manual"
	TriggerContactSubscribed TriggerType = "contact_subscribed"
	TriggerContactInactive   TriggerType = "contact_inactive"
	TriggerCartAbandoned     TriggerType = "cart_abandoned"
	TriggerFormSubmitted     TriggerType = "form_submitted"
	TriggerTagAdded          TriggerType = "tag_added"
)

// IsValid reports whether the trigger type is one of the known kinds.
func (t TriggerType) IsValid() bool {
	switch t {
	case TriggerManual, TriggerContactSubscribed, TriggerContactInactive,
		TriggerCartAbandoned, TriggerFormSubmitted, TriggerTagAdded:
		return true
	default:
		return false
	}
}

// Automation is a named, ordered sequence of steps with a trigger.
type Automation struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"           validate:"required,min=3"`
	TriggerType   TriggerType       `json:"trigger_type"   validate:"required"`
	TriggerConfig TriggerConfig     `json:"trigger_config"`
	Status        AutomationStatus  `json:"status"         validate:"required"`
	Steps         []*StepDefinition `json:"steps"`
	AccountID     string            `json:"account_id"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	ArchivedAt    *time.Time        `json:"archived_at,omitempty"`
}

// Activate transitions the automation to active. Only draft and paused
// automations may be activated.
func (a *Automation) Activate() error {
	if a.Status != AutomationStatusDraft && a.Status != AutomationStatusPaused {
		return fmt.Errorf("%w: cannot activate automation in status %q", ErrInvalidTransition, a.Status)
	}

	a.Status = AutomationStatusActive

	return nil
}

// Pause transitions an active automation to paused.
func (a *Automation) Pause() error {
	if a.Status != AutomationStatusActive {
		return fmt.Errorf("%w: cannot pause automation in status %q", ErrInvalidTransition, a.Status)
	}

	a.Status = AutomationStatusPaused

	return nil
}

// Archive transitions the automation to its terminal archived state. Allowed
// from any status; archiving twice is a no-op.
func (a *Automation) Archive(now time.Time) {
	if a.Status == AutomationStatusArchived {
		return
	}

	a.Status = AutomationStatusArchived
	a.ArchivedAt = &now
}

// StepAt returns the step definition with the given 1-based order, or nil.
func (a *Automation) StepAt(order int) *StepDefinition {
	for _, step := range a.Steps {
		if step.Order == order {
			return step
		}
	}

	return nil
}

// Validate checks the automation's structural invariants: a known trigger
// type, a valid trigger configuration, and step orders that are unique and
// contiguous starting at 1.
func (a *Automation) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAutomation, err)
	}

	if !a.TriggerType.IsValid() {
		return fmt.Errorf("%w: unknown trigger type %q", ErrInvalidAutomation, a.TriggerType)
	}

	if err := a.TriggerConfig.Validate(a.TriggerType); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAutomation, err)
	}

	seen := make(map[int]bool, len(a.Steps))

	for _, step := range a.Steps {
		if err := step.Validate(); err != nil {
			return err
		}

		if seen[step.Order] {
			return fmt.Errorf("%w: duplicate step order %d", ErrInvalidAutomation, step.Order)
		}

		seen[step.Order] = true
	}

	for order := 1; order <= len(a.Steps); order++ {
		if !seen[order] {
			return fmt.Errorf("%w: step orders must be contiguous from 1, missing order %d", ErrInvalidAutomation, order)
		}
	}

	return nil
}
