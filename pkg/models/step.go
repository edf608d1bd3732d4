package models

import (
	"fmt"
	"time"
)

// StepType identifies the action performed when a step executes.
type StepType string

const (
	StepTypeEmail     StepType = "email"     // Render a template and deliver it
	StepTypeWait      StepType = "wait"      // Pure delay, realized at schedule time
	StepTypeCondition StepType = "condition" // Evaluate clauses against the contact
	StepTypeAction    StepType = "action"    // Extension point for integrations
)

// IsValid reports whether the step type is one of the known kinds.
func (t StepType) IsValid() bool {
	switch t {
	case StepTypeEmail, StepTypeWait, StepTypeCondition, StepTypeAction:
		return true
	default:
		return false
	}
}

// DelayUnit is the unit of a step delay.
type DelayUnit string

const (
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
	DelayWeeks   DelayUnit = "weeks"
)

// Delay describes how long after the previous step a step becomes due.
type Delay struct {
	Amount int       `json:"amount"`
	Unit   DelayUnit `json:"unit"`
}

// Duration converts the delay to a time.Duration. A zero or unknown-unit
// delay converts to zero.
func (d Delay) Duration() time.Duration {
	switch d.Unit {
	case DelayMinutes:
		return time.Duration(d.Amount) * time.Minute
	case DelayHours:
		return time.Duration(d.Amount) * time.Hour
	case DelayDays:
		return time.Duration(d.Amount) * 24 * time.Hour
	case DelayWeeks:
		return time.Duration(d.Amount) * 7 * 24 * time.Hour
	default:
		return 0
	}
}

// StepDefinition is the immutable description of one step in an automation.
// Steps are owned by their automation and replaced wholesale when the
// automation's step list changes.
type StepDefinition struct {
	ID           string            `json:"id"`
	AutomationID string            `json:"automation_id"`
	Type         StepType          `json:"type"                    validate:"required"`
	Order        int               `json:"order"                   validate:"required,min=1"`
	Delay        Delay             `json:"delay"`
	TemplateID   string            `json:"template_id,omitempty"`  // email steps
	Conditions   []ConditionClause `json:"conditions,omitempty"`   // condition steps, AND-combined
	ActionType   string            `json:"action_type,omitempty"`  // action steps
	ActionConfig map[string]any    `json:"action_config,omitempty"`
}

// Validate checks per-type configuration requirements.
func (s *StepDefinition) Validate() error {
	if !s.Type.IsValid() {
		return fmt.Errorf("%w: unknown step type %q", ErrInvalidStep, s.Type)
	}

	if s.Order < 1 {
		return fmt.Errorf("%w: step order must be >= 1, got %d", ErrInvalidStep, s.Order)
	}

	if s.Delay.Amount < 0 {
		return fmt.Errorf("%w: step delay must not be negative", ErrInvalidStep)
	}

	switch s.Type {
	case StepTypeEmail:
		if s.TemplateID == "" {
			return fmt.Errorf("%w: email step requires a template reference", ErrInvalidStep)
		}
	case StepTypeWait:
		if s.Delay.Amount <= 0 {
			return fmt.Errorf("%w: wait step requires a delay greater than zero", ErrInvalidStep)
		}
	case StepTypeCondition:
		for _, clause := range s.Conditions {
			if clause.Field == "" || clause.Operator == "" {
				return fmt.Errorf("%w: condition clause requires field and operator", ErrInvalidStep)
			}
		}
	case StepTypeAction:
		// Action steps succeed trivially unless a concrete action type says
		// otherwise, so an empty config is acceptable.
	}

	return nil
}
