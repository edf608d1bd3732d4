package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripmail/dripmail/pkg/models"
	"github.com/dripmail/dripmail/pkg/persistence"
)

func TestResumeWithDelayStrategy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithResumeStrategy(ResumeWithDelay{}))

	automation := &models.Automation{
		ID:          "a-delay",
		Name:        "Delayed resume",
		TriggerType: models.TriggerManual,
		Status:      models.AutomationStatusActive,
		Steps: []*models.StepDefinition{
			{ID: "s-1", AutomationID: "a-delay", Type: models.StepTypeEmail, Order: 1,
				TemplateID: "welcome", Delay: models.Delay{Amount: 2, Unit: models.DelayHours}},
		},
	}
	require.NoError(t, f.store.AutomationRepository().SaveAutomation(ctx, automation))

	enrollment, err := f.engine.Enroll(ctx, "a-delay", "c-1", nil)
	require.NoError(t, err)

	_, err = f.engine.PauseEnrollment(ctx, enrollment.ID, "hold")
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)

	_, err = f.engine.ResumeEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)

	// The step's own delay re-applies from resume time.
	executions, err := f.store.ExecutionRepository().ExecutionsByEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)

	var rescheduled *models.Execution

	for _, execution := range executions {
		if execution.Status == models.ExecutionStatusScheduled {
			rescheduled = execution
		}
	}

	require.NotNil(t, rescheduled)
	assert.Equal(t, f.clock.Now().Add(2*time.Hour), rescheduled.ScheduledAt)
}

func TestLifecycleInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.saveAutomation(t)

	enrollment, err := f.engine.Enroll(ctx, "a-1", "c-1", nil)
	require.NoError(t, err)

	_, err = f.engine.ResumeEnrollment(ctx, enrollment.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = f.engine.DropEnrollment(ctx, enrollment.ID, "bye")
	require.NoError(t, err)

	_, err = f.engine.PauseEnrollment(ctx, enrollment.ID, "hold")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = f.engine.DropEnrollment(ctx, enrollment.ID, "again")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestLifecycleUnknownEnrollment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.PauseEnrollment(ctx, "missing", "hold")
	assert.ErrorIs(t, err, persistence.ErrEnrollmentNotFound)

	_, err = f.engine.ResumeEnrollment(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrEnrollmentNotFound)

	_, err = f.engine.DropEnrollment(ctx, "missing", "bye")
	assert.ErrorIs(t, err, persistence.ErrEnrollmentNotFound)
}

func TestEnrollmentDuration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.saveAutomation(t)

	enrollment, err := f.engine.Enroll(ctx, "a-1", "c-1", nil)
	require.NoError(t, err)

	f.clock.Advance(36 * time.Hour)

	days, err := f.engine.EnrollmentDuration(ctx, enrollment.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, days, 0.001)
}
