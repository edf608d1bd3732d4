package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// TriggerConfig carries the typed parameters of an automation trigger. Which
// fields are meaningful depends on the trigger type; ParseTriggerConfig
// rejects raw configurations whose shape does not match the trigger kind.
type TriggerConfig struct {
	InactiveDays          int      `json:"inactive_days,omitempty"`           // contact_inactive
	MinCartValue          float64  `json:"min_cart_value,omitempty"`          // cart_abandoned
	AbandonedAfterMinutes int      `json:"abandoned_after_minutes,omitempty"` // cart_abandoned
	Tags                  []string `json:"tags,omitempty"`                    // tag_added
	FormID                string   `json:"form_id,omitempty"`                 // form_submitted
}

// Closed JSON shapes per trigger kind. Configuration arrives from the
// surrounding application as JSON; unknown keys are a validation error, not
// silently ignored.
var triggerConfigSchemas = map[TriggerType]string{
	TriggerManual:            `{"type":"object","additionalProperties":false}`,
	TriggerContactSubscribed: `{"type":"object","additionalProperties":false}`,
	TriggerContactInactive: `{
		"type": "object",
		"properties": {"inactive_days": {"type": "integer", "minimum": 1}},
		"required": ["inactive_days"],
		"additionalProperties": false
	}`,
	TriggerCartAbandoned: `{
		"type": "object",
		"properties": {
			"min_cart_value": {"type": "number", "minimum": 0},
			"abandoned_after_minutes": {"type": "integer", "minimum": 0}
		},
		"additionalProperties": false
	}`,
	TriggerFormSubmitted: `{
		"type": "object",
		"properties": {"form_id": {"type": "string"}},
		"additionalProperties": false
	}`,
	TriggerTagAdded: `{
		"type": "object",
		"properties": {"tags": {"type": "array", "items": {"type": "string"}, "minItems": 1}},
		"required": ["tags"],
		"additionalProperties": false
	}`,
}

// ParseTriggerConfig validates a raw JSON trigger configuration against the
// closed shape for the trigger kind and unmarshals it.
func ParseTriggerConfig(triggerType TriggerType, raw json.RawMessage) (TriggerConfig, error) {
	schema, ok := triggerConfigSchemas[triggerType]
	if !ok {
		return TriggerConfig{}, fmt.Errorf("%w: unknown trigger type %q", ErrInvalidAutomation, triggerType)
	}

	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return TriggerConfig{}, fmt.Errorf("failed to validate trigger config: %w", err)
	}

	if !result.Valid() {
		return TriggerConfig{}, fmt.Errorf("%w: trigger config does not match %s shape: %s",
			ErrInvalidAutomation, triggerType, result.Errors()[0].String())
	}

	var config TriggerConfig
	if err := json.Unmarshal(raw, &config); err != nil {
		return TriggerConfig{}, fmt.Errorf("failed to decode trigger config: %w", err)
	}

	return config, nil
}

// Validate checks the typed configuration against the trigger kind's
// requirements.
func (c TriggerConfig) Validate(triggerType TriggerType) error {
	switch triggerType {
	case TriggerContactInactive:
		if c.InactiveDays < 1 {
			return fmt.Errorf("contact_inactive trigger requires inactive_days >= 1, got %d", c.InactiveDays)
		}
	case TriggerCartAbandoned:
		if c.MinCartValue < 0 {
			return fmt.Errorf("cart_abandoned trigger requires min_cart_value >= 0, got %f", c.MinCartValue)
		}
	case TriggerTagAdded:
		if len(c.Tags) == 0 {
			return fmt.Errorf("tag_added trigger requires at least one tag")
		}
	case TriggerManual, TriggerContactSubscribed, TriggerFormSubmitted:
		// No required parameters.
	}

	return nil
}

// TriggerEvent is an external occurrence that may enroll contacts.
type TriggerEvent struct {
	Type       TriggerType       `json:"type"`
	ContactID  string            `json:"contact_id"`
	Context    EnrollmentContext `json:"context,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Met evaluates the per-kind gating policy against the event and the
// contact's current snapshot.
func (c TriggerConfig) Met(triggerType TriggerType, event TriggerEvent, contact *ContactSnapshot, now time.Time) bool {
	switch triggerType {
	case TriggerManual, TriggerContactSubscribed:
		return true
	case TriggerContactInactive:
		if contact.LastActivityAt == nil {
			return true
		}

		inactive := now.Sub(*contact.LastActivityAt)

		return inactive >= time.Duration(c.InactiveDays)*24*time.Hour
	case TriggerCartAbandoned:
		// An absent cart value only matters when a minimum is configured;
		// a present one must parse regardless.
		raw, ok := event.Context[ContextKeyCartValue]
		if ok || c.MinCartValue > 0 {
			value, err := strconv.ParseFloat(raw, 64)
			if err != nil || value < c.MinCartValue {
				return false
			}
		}

		if c.AbandonedAfterMinutes > 0 {
			abandonedAt, err := time.Parse(time.RFC3339, event.Context[ContextKeyAbandonedAt])
			if err != nil {
				return false
			}

			if now.Sub(abandonedAt) < time.Duration(c.AbandonedAfterMinutes)*time.Minute {
				return false
			}
		}

		return true
	case TriggerFormSubmitted:
		return c.FormID == "" || c.FormID == event.Context[ContextKeyFormID]
	case TriggerTagAdded:
		added := event.Context[ContextKeyTag]
		for _, tag := range c.Tags {
			if tag == added {
				return true
			}
		}

		return false
	default:
		return false
	}
}
