package models

import "fmt"

// EnrollmentContext is the key-value bag supplied at enroll time and
// read-only thereafter. The recognized keys form a closed set per trigger
// kind; unknown keys are rejected at enroll time rather than silently kept.
type EnrollmentContext map[string]string

// Recognized context keys.
const (
	ContextKeySource      = "source"
	ContextKeyActorID     = "actor_id"
	ContextKeyFormID      = "form_id"
	ContextKeyCartID      = "cart_id"
	ContextKeyCartValue   = "cart_value"
	ContextKeyAbandonedAt = "abandoned_at"
	ContextKeyTag         = "tag"
)

var commonContextKeys = []string{ContextKeySource, ContextKeyActorID}

var contextKeysByTrigger = map[TriggerType][]string{
	TriggerManual:            {},
	TriggerContactSubscribed: {},
	TriggerContactInactive:   {},
	TriggerFormSubmitted:     {ContextKeyFormID},
	TriggerCartAbandoned:     {ContextKeyCartID, ContextKeyCartValue, ContextKeyAbandonedAt},
	TriggerTagAdded:          {ContextKeyTag},
}

// Validate rejects context keys outside the closed set for the trigger kind.
func (c EnrollmentContext) Validate(triggerType TriggerType) error {
	allowed := make(map[string]bool, len(commonContextKeys))
	for _, key := range commonContextKeys {
		allowed[key] = true
	}

	for _, key := range contextKeysByTrigger[triggerType] {
		allowed[key] = true
	}

	for key := range c {
		if !allowed[key] {
			return fmt.Errorf("%w: key %q is not recognized for %s enrollments", ErrInvalidContext, key, triggerType)
		}
	}

	return nil
}

// Clone returns a defensive copy so the stored context stays read-only.
func (c EnrollmentContext) Clone() EnrollmentContext {
	if c == nil {
		return nil
	}

	clone := make(EnrollmentContext, len(c))
	for k, v := range c {
		clone[k] = v
	}

	return clone
}
