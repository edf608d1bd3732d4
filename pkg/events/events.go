// Package events defines event types for enrollment and execution lifecycle
// notifications.
package events

import (
	"time"

	"github.com/dripmail/dripmail/pkg/models"
)

type EventType string

// Kafka topic for engine events.
const Topic = "dripmail.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Enrollment lifecycle events.
	EnrollmentStartedEvent   EventType = "enrollment.started"
	EnrollmentCompletedEvent EventType = "enrollment.completed"
	EnrollmentPausedEvent    EventType = "enrollment.paused"
	EnrollmentResumedEvent   EventType = "enrollment.resumed"
	EnrollmentDroppedEvent   EventType = "enrollment.dropped"
	EnrollmentFailedEvent    EventType = "enrollment.failed"

	// Execution lifecycle events.
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionRetriedEvent   EventType = "execution.retried"
)

type BaseEvent struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	AutomationID string    `json:"automation_id"`
	EnrollmentID string    `json:"enrollment_id"`
	ContactID    string    `json:"contact_id,omitempty"`
}

type EnrollmentStarted struct {
	BaseEvent

	TriggerType models.TriggerType       `json:"trigger_type"`
	Context     models.EnrollmentContext `json:"context,omitempty"`
}

func (e EnrollmentStarted) GetType() EventType {
	return EnrollmentStartedEvent
}

type EnrollmentCompleted struct {
	BaseEvent

	DurationDays float64 `json:"duration_days"`
}

func (e EnrollmentCompleted) GetType() EventType {
	return EnrollmentCompletedEvent
}

type EnrollmentPaused struct {
	BaseEvent

	Reason              string `json:"reason,omitempty"`
	CancelledExecutions int    `json:"cancelled_executions"`
}

func (e EnrollmentPaused) GetType() EventType {
	return EnrollmentPausedEvent
}

type EnrollmentResumed struct {
	BaseEvent

	CurrentStep int `json:"current_step"`
}

func (e EnrollmentResumed) GetType() EventType {
	return EnrollmentResumedEvent
}

type EnrollmentDropped struct {
	BaseEvent

	Reason              string `json:"reason,omitempty"`
	CancelledExecutions int    `json:"cancelled_executions"`
}

func (e EnrollmentDropped) GetType() EventType {
	return EnrollmentDroppedEvent
}

type EnrollmentFailed struct {
	BaseEvent

	Error string `json:"error"`
}

func (e EnrollmentFailed) GetType() EventType {
	return EnrollmentFailedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	StepType    models.StepType `json:"step_type"`
	Data        map[string]any `json:"data,omitempty"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	ExecutionID string           `json:"execution_id"`
	StepID      string           `json:"step_id"`
	ErrorType   models.ErrorType `json:"error_type"`
	Error       string           `json:"error"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionRetried struct {
	BaseEvent

	ExecutionID   string    `json:"execution_id"`
	StepID        string    `json:"step_id"`
	RetryCount    int       `json:"retry_count"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

func (e ExecutionRetried) GetType() EventType {
	return ExecutionRetriedEvent
}
