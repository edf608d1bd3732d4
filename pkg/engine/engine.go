// Package engine orchestrates the enroll -> advance -> complete lifecycle:
// it creates enrollments from triggers, executes due steps, applies the
// retry policy, and keeps enrollment state machines consistent.
package engine

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dripmail/dripmail/pkg/clock"
	"github.com/dripmail/dripmail/pkg/contacts"
	"github.com/dripmail/dripmail/pkg/delivery"
	"github.com/dripmail/dripmail/pkg/eventbus"
	"github.com/dripmail/dripmail/pkg/models"
	"github.com/dripmail/dripmail/pkg/persistence"
	"github.com/dripmail/dripmail/pkg/template"
)

// ActionFunc executes a concrete action step type. Registered handlers
// receive the step's action configuration and the enrollment context.
type ActionFunc func(ctx context.Context, config map[string]any, enrollment *models.Enrollment) (map[string]any, error)

// Engine coordinates enrollments, executions, and external collaborators.
type Engine struct {
	persistence persistence.Persistence
	contacts    contacts.Provider
	renderer    template.Renderer
	delivery    delivery.Delivery
	publisher   eventbus.EventPublisher
	clock       clock.Clock
	logger      *slog.Logger
	account     *template.Account

	resumeStrategy ResumeStrategy

	// blockOnConditionFalse drops an enrollment when a condition step
	// evaluates false instead of letting it advance. Off by default; the
	// default behavior records the miss and continues.
	blockOnConditionFalse bool

	actions map[string]ActionFunc

	locks *enrollmentLocks
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the system clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithPublisher attaches an event publisher for lifecycle notifications.
func WithPublisher(p eventbus.EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithAccount sets the sender-side variables available to email templates.
func WithAccount(a *template.Account) Option {
	return func(e *Engine) { e.account = a }
}

// WithResumeStrategy replaces how resumed enrollments re-schedule their
// current step.
func WithResumeStrategy(s ResumeStrategy) Option {
	return func(e *Engine) { e.resumeStrategy = s }
}

// WithBlockOnConditionFalse makes condition steps gates rather than
// recorded checks.
func WithBlockOnConditionFalse() Option {
	return func(e *Engine) { e.blockOnConditionFalse = true }
}

// WithAction registers a handler for an action step type.
func WithAction(actionType string, fn ActionFunc) Option {
	return func(e *Engine) { e.actions[actionType] = fn }
}

// New creates an engine wired to its collaborators.
func New(
	store persistence.Persistence,
	contactProvider contacts.Provider,
	renderer template.Renderer,
	emailDelivery delivery.Delivery,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	engine := &Engine{
		persistence:    store,
		contacts:       contactProvider,
		renderer:       renderer,
		delivery:       emailDelivery,
		clock:          clock.Real{},
		logger:         logger.With("module", "automation_engine"),
		resumeStrategy: ResumeImmediately{},
		actions:        make(map[string]ActionFunc),
		locks:          newEnrollmentLocks(),
	}

	for _, opt := range opts {
		opt(engine)
	}

	return engine
}

// publish sends a lifecycle event when a publisher is attached. Publishing
// failures are logged, never propagated: enrollment state is already
// persisted and the bus is an observer, not a participant.
func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	if err := e.publisher.Publish(ctx, key, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(), "key", key, "error", err)
	}
}

func (e *Engine) newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}

	return id.String()
}
