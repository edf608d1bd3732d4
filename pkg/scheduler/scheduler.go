// Package scheduler polls for due executions and dispatches them to a worker
// pool. The poll cadence is a cron expression, every minute by default;
// per-item exclusivity comes from the storage-level claim, so multiple
// scheduler instances can run against the same database.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dripmail/dripmail/pkg/clock"
	"github.com/dripmail/dripmail/pkg/models"
	"github.com/dripmail/dripmail/pkg/otelhelper"
	"github.com/dripmail/dripmail/pkg/persistence"
)

const (
	defaultPollExpression = "* * * * *"
	defaultBatchLimit     = 100
	defaultWorkers        = 4
)

// ExecutionProcessor runs one claimed execution end to end. The engine
// implements it.
type ExecutionProcessor interface {
	ProcessExecution(ctx context.Context, executionID string) error
}

// Scheduler is the polling dispatcher.
type Scheduler struct {
	id          string
	persistence persistence.Persistence
	processor   ExecutionProcessor
	logger      *slog.Logger
	clock       clock.Clock
	tracer      trace.Tracer

	pollExpression string
	batchLimit     int
	workers        int

	mu      sync.Mutex
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPollExpression replaces the poll cadence with a 5-field cron
// expression.
func WithPollExpression(expr string) Option {
	return func(s *Scheduler) { s.pollExpression = expr }
}

// WithBatchLimit bounds how many due executions one poll picks up.
func WithBatchLimit(limit int) Option {
	return func(s *Scheduler) { s.batchLimit = limit }
}

// WithWorkers sets the dispatch pool size.
func WithWorkers(n int) Option {
	return func(s *Scheduler) { s.workers = n }
}

// WithClock replaces the system clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithTracer attaches a tracer to dispatch spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// New creates a scheduler for the given processor.
func New(id string, store persistence.Persistence, processor ExecutionProcessor, logger *slog.Logger, opts ...Option) *Scheduler {
	scheduler := &Scheduler{
		id:             id,
		persistence:    store,
		processor:      processor,
		logger:         logger.With("module", "scheduler", "scheduler_id", id),
		clock:          clock.Real{},
		pollExpression: defaultPollExpression,
		batchLimit:     defaultBatchLimit,
		workers:        defaultWorkers,
	}

	for _, opt := range opts {
		opt(scheduler)
	}

	return scheduler
}

// Start begins polling. It returns immediately; polling runs in the
// background until Stop or context cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	schedule, err := parser.Parse(s.pollExpression)
	if err != nil {
		return err
	}

	s.done = make(chan struct{})
	s.started = true

	s.wg.Add(1)

	go s.poll(ctx, schedule)

	s.logger.InfoContext(ctx, "Scheduler started",
		"poll_expression", s.pollExpression, "workers", s.workers, "batch_limit", s.batchLimit)

	return nil
}

// Stop shuts the poll loop down and waits for in-flight dispatches.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()

	if !s.started {
		s.mu.Unlock()

		return nil
	}

	close(s.done)
	s.started = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.InfoContext(ctx, "Scheduler stopped")

	return nil
}

func (s *Scheduler) poll(ctx context.Context, schedule cron.Schedule) {
	defer s.wg.Done()

	timer := s.clock.Now()

	for {
		next := schedule.Next(timer)
		wait := next.Sub(s.clock.Now())

		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-time.After(wait):
			timer = next
			s.processDueExecutions(ctx)
		}
	}
}

// processDueExecutions picks up one batch of due executions and fans it out
// to the worker pool. Each item is isolated: a failure or lost claim on one
// never affects its siblings.
func (s *Scheduler) processDueExecutions(ctx context.Context) {
	now := s.clock.Now()

	due, err := s.persistence.ExecutionRepository().DueExecutions(ctx, now, s.batchLimit)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query due executions", "error", err)

		return
	}

	if len(due) == 0 {
		return
	}

	s.logger.InfoContext(ctx, "Processing due executions", "count", len(due))

	queue := make(chan *models.Execution)

	var workers sync.WaitGroup

	for i := 0; i < s.workers; i++ {
		workers.Add(1)

		go func() {
			defer workers.Done()

			for execution := range queue {
				s.dispatch(ctx, execution)
			}
		}()
	}

	for _, execution := range due {
		queue <- execution
	}

	close(queue)
	workers.Wait()
}

func (s *Scheduler) dispatch(ctx context.Context, execution *models.Execution) {
	now := s.clock.Now()

	overdue := execution.IsOverdue(now)
	if overdue {
		s.logger.WarnContext(ctx, "Execution overdue",
			"execution_id", execution.ID,
			"enrollment_id", execution.EnrollmentID,
			"scheduled_at", execution.ScheduledAt,
			"overdue_by", now.Sub(execution.ScheduledAt))
	}

	var span trace.Span

	if s.tracer != nil {
		ctx, span = otelhelper.StartSpan(ctx, s.tracer, "scheduler.dispatch",
			attribute.String(otelhelper.ExecutionIDKey, execution.ID),
			attribute.String(otelhelper.EnrollmentIDKey, execution.EnrollmentID),
			attribute.String(otelhelper.StepIDKey, execution.StepID),
			attribute.String(otelhelper.WorkerIDKey, s.id),
			attribute.Bool("dripmail.execution.overdue", overdue),
		)
		defer span.End()
	}

	err := s.processor.ProcessExecution(ctx, execution.ID)

	switch {
	case err == nil:
	case errors.Is(err, persistence.ErrExecutionNotClaimable):
		s.logger.DebugContext(ctx, "Execution claimed elsewhere", "execution_id", execution.ID)
	default:
		s.logger.ErrorContext(ctx, "Failed to process execution",
			"execution_id", execution.ID, "error", err)

		if span != nil {
			otelhelper.SetError(span, err,
				attribute.String(otelhelper.ExecutionIDKey, execution.ID))
		}
	}
}
