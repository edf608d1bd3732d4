package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripmail/dripmail/pkg/models"
	"github.com/dripmail/dripmail/pkg/persistence"
)

// flakyExecutionStore fails execution creation while delegating everything
// else to the wrapped store.
type flakyExecutionStore struct {
	persistence.Persistence
	createErr error
}

func (s *flakyExecutionStore) ExecutionRepository() persistence.ExecutionRepository {
	return &flakyExecutionRepository{
		ExecutionRepository: s.Persistence.ExecutionRepository(),
		createErr:           s.createErr,
	}
}

type flakyExecutionRepository struct {
	persistence.ExecutionRepository
	createErr error
}

func (r *flakyExecutionRepository) CreateExecution(ctx context.Context, execution *models.Execution) error {
	if r.createErr != nil {
		return r.createErr
	}

	return r.ExecutionRepository.CreateExecution(ctx, execution)
}

func TestEnroll(t *testing.T) {
	ctx := context.Background()

	t.Run("enroll schedules the first step", func(t *testing.T) {
		f := newFixture(t)
		f.saveAutomation(t)

		enrollment, err := f.engine.Enroll(ctx, "a-1", "c-1", models.EnrollmentContext{"source": "api"})
		require.NoError(t, err)

		assert.Equal(t, models.EnrollmentStatusActive, enrollment.Status)
		assert.Equal(t, 1, enrollment.CurrentStep)

		execution := f.dueExecution(t)
		assert.Equal(t, enrollment.ID, execution.EnrollmentID)
		assert.Equal(t, "s-1", execution.StepID)
		assert.Equal(t, f.clock.Now(), execution.ScheduledAt)
	})

	t.Run("first step delay pushes the due time out", func(t *testing.T) {
		f := newFixture(t)

		automation := &models.Automation{
			ID:          "a-2",
			Name:        "Delayed start",
			TriggerType: models.TriggerManual,
			Status:      models.AutomationStatusActive,
			Steps: []*models.StepDefinition{
				{ID: "s-1", AutomationID: "a-2", Type: models.StepTypeEmail, Order: 1,
					TemplateID: "welcome", Delay: models.Delay{Amount: 2, Unit: models.DelayHours}},
			},
		}
		require.NoError(t, f.store.AutomationRepository().SaveAutomation(ctx, automation))

		enrollment, err := f.engine.Enroll(ctx, "a-2", "c-1", nil)
		require.NoError(t, err)

		executions, err := f.store.ExecutionRepository().ExecutionsByEnrollment(ctx, enrollment.ID)
		require.NoError(t, err)
		require.Len(t, executions, 1)
		assert.Equal(t, f.clock.Now().Add(2*time.Hour), executions[0].ScheduledAt)
	})

	t.Run("duplicate enrollment rejected while live", func(t *testing.T) {
		f := newFixture(t)
		f.saveAutomation(t)

		first, err := f.engine.Enroll(ctx, "a-1", "c-1", nil)
		require.NoError(t, err)

		_, err = f.engine.Enroll(ctx, "a-1", "c-1", nil)
		assert.ErrorIs(t, err, persistence.ErrDuplicateEnrollment)

		// A paused enrollment still blocks re-enrollment.
		_, err = f.engine.PauseEnrollment(ctx, first.ID, "hold")
		require.NoError(t, err)

		_, err = f.engine.Enroll(ctx, "a-1", "c-1", nil)
		assert.ErrorIs(t, err, persistence.ErrDuplicateEnrollment)

		// A terminal enrollment frees the pair.
		_, err = f.engine.DropEnrollment(ctx, first.ID, "done")
		require.NoError(t, err)

		_, err = f.engine.Enroll(ctx, "a-1", "c-1", nil)
		assert.NoError(t, err)
	})

	t.Run("inactive automation does not enroll", func(t *testing.T) {
		f := newFixture(t)
		automation := f.saveAutomation(t)

		automation.Status = models.AutomationStatusPaused
		require.NoError(t, f.store.AutomationRepository().SaveAutomation(ctx, automation))

		_, err := f.engine.Enroll(ctx, "a-1", "c-1", nil)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})

	t.Run("unknown context key rejected", func(t *testing.T) {
		f := newFixture(t)
		f.saveAutomation(t)

		_, err := f.engine.Enroll(ctx, "a-1", "c-1", models.EnrollmentContext{"utm_campaign": "x"})
		assert.ErrorIs(t, err, models.ErrInvalidContext)
	})

	t.Run("scheduling failure drops the enrollment", func(t *testing.T) {
		f := newFixture(t)
		f.saveAutomation(t)

		flaky := &flakyExecutionStore{Persistence: f.store, createErr: errors.New("disk full")}
		broken := New(flaky, f.contacts, f.templates, f.delivery, f.logger, WithClock(f.clock))

		_, err := broken.Enroll(ctx, "a-1", "c-1", nil)
		require.Error(t, err)

		// The failed attempt is recorded as dropped, not left live.
		enrollments, err := f.store.EnrollmentRepository().EnrollmentsByAutomation(ctx, "a-1")
		require.NoError(t, err)
		require.Len(t, enrollments, 1)
		assert.Equal(t, models.EnrollmentStatusDropped, enrollments[0].Status)
		assert.Equal(t, "scheduling_failed", enrollments[0].DropReason)

		// The uniqueness slot is free again: a retry through the healthy
		// store succeeds.
		_, err = f.engine.Enroll(ctx, "a-1", "c-1", nil)
		assert.NoError(t, err)
	})

	t.Run("automation without steps rejected", func(t *testing.T) {
		f := newFixture(t)

		empty := &models.Automation{
			ID:          "a-3",
			Name:        "Empty",
			TriggerType: models.TriggerManual,
			Status:      models.AutomationStatusActive,
		}
		require.NoError(t, f.store.AutomationRepository().SaveAutomation(ctx, empty))

		_, err := f.engine.Enroll(ctx, "a-3", "c-1", nil)
		assert.ErrorIs(t, err, models.ErrInvalidAutomation)
	})
}

func TestTrigger(t *testing.T) {
	ctx := context.Background()

	t.Run("matching active automations enroll the contact", func(t *testing.T) {
		f := newFixture(t)
		f.saveAutomation(t)

		result, err := f.engine.Trigger(ctx, models.TriggerEvent{
			Type:       models.TriggerContactSubscribed,
			ContactID:  "c-1",
			OccurredAt: f.clock.Now(),
		})
		require.NoError(t, err)

		assert.Len(t, result.Enrolled, 1)
		assert.Zero(t, result.Duplicates)
		assert.Zero(t, result.NotMet)
	})

	t.Run("repeat event counts a duplicate", func(t *testing.T) {
		f := newFixture(t)
		f.saveAutomation(t)

		event := models.TriggerEvent{
			Type:       models.TriggerContactSubscribed,
			ContactID:  "c-1",
			OccurredAt: f.clock.Now(),
		}

		_, err := f.engine.Trigger(ctx, event)
		require.NoError(t, err)

		result, err := f.engine.Trigger(ctx, event)
		require.NoError(t, err)

		assert.Empty(t, result.Enrolled)
		assert.Equal(t, 1, result.Duplicates)
	})

	t.Run("gating filters unmatched events", func(t *testing.T) {
		f := newFixture(t)

		automation := &models.Automation{
			ID:            "a-tags",
			Name:          "VIP onboarding",
			TriggerType:   models.TriggerTagAdded,
			TriggerConfig: models.TriggerConfig{Tags: []string{"vip"}},
			Status:        models.AutomationStatusActive,
			Steps: []*models.StepDefinition{
				{ID: "s-1", AutomationID: "a-tags", Type: models.StepTypeEmail, Order: 1, TemplateID: "welcome"},
			},
		}
		require.NoError(t, f.store.AutomationRepository().SaveAutomation(ctx, automation))

		miss, err := f.engine.Trigger(ctx, models.TriggerEvent{
			Type:       models.TriggerTagAdded,
			ContactID:  "c-1",
			Context:    models.EnrollmentContext{models.ContextKeyTag: "newsletter"},
			OccurredAt: f.clock.Now(),
		})
		require.NoError(t, err)
		assert.Empty(t, miss.Enrolled)
		assert.Equal(t, 1, miss.NotMet)

		hit, err := f.engine.Trigger(ctx, models.TriggerEvent{
			Type:       models.TriggerTagAdded,
			ContactID:  "c-1",
			Context:    models.EnrollmentContext{models.ContextKeyTag: "vip"},
			OccurredAt: f.clock.Now(),
		})
		require.NoError(t, err)
		assert.Len(t, hit.Enrolled, 1)
	})

	t.Run("unknown trigger type rejected", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.engine.Trigger(ctx, models.TriggerEvent{Type: "page_viewed", ContactID: "c-1"})
		assert.ErrorIs(t, err, models.ErrInvalidAutomation)
	})
}
