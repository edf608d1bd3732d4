package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripmail/dripmail/pkg/delivery"
	"github.com/dripmail/dripmail/pkg/models"
	"github.com/dripmail/dripmail/pkg/persistence"
)

func TestProcessExecutionTwoStepScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.saveAutomation(t)

	enrollment, err := f.engine.Enroll(ctx, "a-1", "c-1", nil)
	require.NoError(t, err)

	// Step 1: the email goes out and the wait step is scheduled a day out.
	first := f.dueExecution(t)
	require.NoError(t, f.engine.ProcessExecution(ctx, first.ID))

	assert.Equal(t, 1, f.delivery.sentCount())

	updated := f.enrollment(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusActive, updated.Status)
	assert.Equal(t, 2, updated.CurrentStep)

	completed := f.execution(t, first.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, completed.Status)
	assert.Contains(t, completed.ExecutionData, "delivery_id")

	executions, err := f.store.ExecutionRepository().ExecutionsByEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
	require.Len(t, executions, 2)

	var second *models.Execution

	for _, execution := range executions {
		if execution.StepID == "s-2" {
			second = execution
		}
	}

	require.NotNil(t, second)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), second.ScheduledAt)

	// Nothing is due until the wait elapses.
	due, err := f.store.ExecutionRepository().DueExecutions(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	// Step 2: after a day the wait completes and so does the enrollment.
	f.clock.Advance(24 * time.Hour)
	require.NoError(t, f.engine.ProcessExecution(ctx, second.ID))

	finished := f.enrollment(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusCompleted, finished.Status)
	require.NotNil(t, finished.CompletedAt)

	progress, err := f.engine.EnrollmentProgress(ctx, enrollment.ID)
	require.NoError(t, err)
	assert.InDelta(t, 100, progress, 0.001)
}

func TestProcessExecutionNotYetDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	automation := &models.Automation{
		ID:          "a-delay",
		Name:        "Day-one onboarding",
		TriggerType: models.TriggerManual,
		Status:      models.AutomationStatusActive,
		Steps: []*models.StepDefinition{
			{ID: "s-1", AutomationID: "a-delay", Type: models.StepTypeEmail, Order: 1,
				TemplateID: "welcome", Delay: models.Delay{Amount: 1, Unit: models.DelayDays}},
		},
	}
	require.NoError(t, f.store.AutomationRepository().SaveAutomation(ctx, automation))

	enrollment, err := f.engine.Enroll(ctx, "a-delay", "c-1", nil)
	require.NoError(t, err)

	executions, err := f.store.ExecutionRepository().ExecutionsByEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
	require.Len(t, executions, 1)

	// Processing ahead of the due time must not send the email early.
	err = f.engine.ProcessExecution(ctx, executions[0].ID)
	assert.ErrorIs(t, err, persistence.ErrExecutionNotClaimable)
	assert.Zero(t, f.delivery.sentCount())

	untouched := f.execution(t, executions[0].ID)
	assert.Equal(t, models.ExecutionStatusScheduled, untouched.Status)
	assert.Nil(t, untouched.StartedAt)

	// Once the delay elapses the same execution runs normally.
	f.clock.Advance(24 * time.Hour)
	require.NoError(t, f.engine.ProcessExecution(ctx, executions[0].ID))
	assert.Equal(t, 1, f.delivery.sentCount())
}

func TestProcessExecutionClaimExclusivity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.saveAutomation(t)

	_, err := f.engine.Enroll(ctx, "a-1", "c-1", nil)
	require.NoError(t, err)

	execution := f.dueExecution(t)
	require.NoError(t, f.engine.ProcessExecution(ctx, execution.ID))

	err = f.engine.ProcessExecution(ctx, execution.ID)
	assert.ErrorIs(t, err, persistence.ErrExecutionNotClaimable)

	// The first run's effects stand: exactly one email went out.
	assert.Equal(t, 1, f.delivery.sentCount())
}

func TestProcessExecutionTransientRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.saveAutomation(t)

	enrollment, err := f.engine.Enroll(ctx, "a-1", "c-1", nil)
	require.NoError(t, err)

	f.delivery.setError(delivery.NewTransientError(errors.New("rate limited")))

	// Backoff grows per retry and the due time is strictly increasing.
	var lastScheduledAt time.Time

	executionID := f.dueExecution(t).ID

	for attempt := 1; attempt <= models.MaxRetries; attempt++ {
		require.NoError(t, f.engine.ProcessExecution(ctx, executionID))

		retried := f.execution(t, executionID)
		assert.Equal(t, models.ExecutionStatusScheduled, retried.Status)
		assert.Equal(t, attempt, retried.RetryCount)
		assert.Equal(t, models.ErrorTypeTransient, retried.ErrorType)
		assert.True(t, retried.ScheduledAt.After(lastScheduledAt))

		lastScheduledAt = retried.ScheduledAt
		f.clock.Set(retried.ScheduledAt)
	}

	// The final attempt exhausts the retry allowance and fails the execution; a
	// transient exhaustion does not fail the enrollment.
	require.NoError(t, f.engine.ProcessExecution(ctx, executionID))

	failed := f.execution(t, executionID)
	assert.Equal(t, models.ExecutionStatusFailed, failed.Status)
	assert.Equal(t, models.ErrorTypeTransient, failed.ErrorType)

	assert.Equal(t, models.EnrollmentStatusActive, f.enrollment(t, enrollment.ID).Status)
}

func TestProcessExecutionBackoffSchedule(t *testing.T) {
	assert.Equal(t, 15*time.Minute, retryBackoff(0))
	assert.Equal(t, time.Hour, retryBackoff(1))
	assert.Equal(t, 4*time.Hour, retryBackoff(2))
}

func TestProcessExecutionPermanentFailureCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.saveAutomation(t)

	enrollment, err := f.engine.Enroll(ctx, "a-1", "c-1", nil)
	require.NoError(t, err)

	// The contact unsubscribed between enrollment and send.
	f.contacts.Put(&models.ContactSnapshot{
		ID:     "c-1",
		Email:  "ada@example.com",
		Status: models.ContactStatusUnsubscribed,
	})

	execution := f.dueExecution(t)
	require.NoError(t, f.engine.ProcessExecution(ctx, execution.ID))

	failed := f.execution(t, execution.ID)
	assert.Equal(t, models.ExecutionStatusFailed, failed.Status)
	assert.Equal(t, models.ErrorTypeContactUnsubscribed, failed.ErrorType)

	failedEnrollment := f.enrollment(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusFailed, failedEnrollment.Status)
	assert.NotEmpty(t, failedEnrollment.ErrorMessage)
	assert.Zero(t, f.delivery.sentCount())
}

func TestProcessExecutionTemplateNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	automation := &models.Automation{
		ID:          "a-1",
		Name:        "Broken series",
		TriggerType: models.TriggerManual,
		Status:      models.AutomationStatusActive,
		Steps: []*models.StepDefinition{
			{ID: "s-1", AutomationID: "a-1", Type: models.StepTypeEmail, Order: 1, TemplateID: "missing"},
		},
	}
	require.NoError(t, f.store.AutomationRepository().SaveAutomation(ctx, automation))

	enrollment, err := f.engine.Enroll(ctx, "a-1", "c-1", nil)
	require.NoError(t, err)

	require.NoError(t, f.engine.ProcessExecution(ctx, f.dueExecution(t).ID))

	assert.Equal(t, models.EnrollmentStatusFailed, f.enrollment(t, enrollment.ID).Status)
}

func TestProcessExecutionConditionStep(t *testing.T) {
	ctx := context.Background()

	saveConditionAutomation := func(t *testing.T, f *fixture) {
		t.Helper()

		automation := &models.Automation{
			ID:          "a-cond",
			Name:        "Conditional series",
			TriggerType: models.TriggerManual,
			Status:      models.AutomationStatusActive,
			Steps: []*models.StepDefinition{
				{ID: "s-1", AutomationID: "a-cond", Type: models.StepTypeCondition, Order: 1,
					Conditions: []models.ConditionClause{{Field: "tag", Operator: "has", Value: "vip"}}},
				{ID: "s-2", AutomationID: "a-cond", Type: models.StepTypeEmail, Order: 2, TemplateID: "welcome"},
			},
		}
		require.NoError(t, f.store.AutomationRepository().SaveAutomation(ctx, automation))
	}

	t.Run("false condition records the miss and continues", func(t *testing.T) {
		f := newFixture(t)
		saveConditionAutomation(t, f)

		enrollment, err := f.engine.Enroll(ctx, "a-cond", "c-1", nil)
		require.NoError(t, err)

		execution := f.dueExecution(t)
		require.NoError(t, f.engine.ProcessExecution(ctx, execution.ID))

		completed := f.execution(t, execution.ID)
		assert.Equal(t, models.ExecutionStatusCompleted, completed.Status)
		assert.Equal(t, false, completed.ExecutionData["condition_met"])
		assert.Equal(t, true, completed.ExecutionData["skipped"])

		// The sequence continues: step 2 is scheduled.
		assert.Equal(t, 2, f.enrollment(t, enrollment.ID).CurrentStep)
	})

	t.Run("block option drops the enrollment instead", func(t *testing.T) {
		f := newFixture(t, WithBlockOnConditionFalse())
		saveConditionAutomation(t, f)

		enrollment, err := f.engine.Enroll(ctx, "a-cond", "c-1", nil)
		require.NoError(t, err)

		require.NoError(t, f.engine.ProcessExecution(ctx, f.dueExecution(t).ID))

		dropped := f.enrollment(t, enrollment.ID)
		assert.Equal(t, models.EnrollmentStatusDropped, dropped.Status)
		assert.Equal(t, "condition_not_met", dropped.DropReason)
	})

	t.Run("true condition advances normally", func(t *testing.T) {
		f := newFixture(t, WithBlockOnConditionFalse())
		saveConditionAutomation(t, f)

		f.contacts.Put(&models.ContactSnapshot{
			ID:     "c-1",
			Email:  "ada@example.com",
			Status: models.ContactStatusSubscribed,
			Tags:   []string{"vip"},
		})

		enrollment, err := f.engine.Enroll(ctx, "a-cond", "c-1", nil)
		require.NoError(t, err)

		require.NoError(t, f.engine.ProcessExecution(ctx, f.dueExecution(t).ID))
		assert.Equal(t, 2, f.enrollment(t, enrollment.ID).CurrentStep)
	})
}

func TestProcessExecutionActionStep(t *testing.T) {
	ctx := context.Background()

	saveActionAutomation := func(t *testing.T, f *fixture) {
		t.Helper()

		automation := &models.Automation{
			ID:          "a-act",
			Name:        "Action series",
			TriggerType: models.TriggerManual,
			Status:      models.AutomationStatusActive,
			Steps: []*models.StepDefinition{
				{ID: "s-1", AutomationID: "a-act", Type: models.StepTypeAction, Order: 1,
					ActionType: "sync_crm", ActionConfig: map[string]any{"list": "leads"}},
			},
		}
		require.NoError(t, f.store.AutomationRepository().SaveAutomation(ctx, automation))
	}

	t.Run("unregistered action succeeds trivially", func(t *testing.T) {
		f := newFixture(t)
		saveActionAutomation(t, f)

		_, err := f.engine.Enroll(ctx, "a-act", "c-1", nil)
		require.NoError(t, err)

		execution := f.dueExecution(t)
		require.NoError(t, f.engine.ProcessExecution(ctx, execution.ID))

		completed := f.execution(t, execution.ID)
		assert.Equal(t, models.ExecutionStatusCompleted, completed.Status)
		assert.Equal(t, false, completed.ExecutionData["executed"])
	})

	t.Run("registered action runs with its config", func(t *testing.T) {
		var gotConfig map[string]any

		f := newFixture(t, WithAction("sync_crm", func(_ context.Context, config map[string]any, _ *models.Enrollment) (map[string]any, error) {
			gotConfig = config

			return map[string]any{"synced": true}, nil
		}))
		saveActionAutomation(t, f)

		_, err := f.engine.Enroll(ctx, "a-act", "c-1", nil)
		require.NoError(t, err)

		execution := f.dueExecution(t)
		require.NoError(t, f.engine.ProcessExecution(ctx, execution.ID))

		assert.Equal(t, "leads", gotConfig["list"])

		completed := f.execution(t, execution.ID)
		assert.Equal(t, true, completed.ExecutionData["executed"])
		assert.Equal(t, true, completed.ExecutionData["synced"])
	})

	t.Run("action panic becomes an internal failure", func(t *testing.T) {
		f := newFixture(t, WithAction("sync_crm", func(_ context.Context, _ map[string]any, _ *models.Enrollment) (map[string]any, error) {
			panic("boom")
		}))
		saveActionAutomation(t, f)

		enrollment, err := f.engine.Enroll(ctx, "a-act", "c-1", nil)
		require.NoError(t, err)

		execution := f.dueExecution(t)
		require.NoError(t, f.engine.ProcessExecution(ctx, execution.ID))

		failed := f.execution(t, execution.ID)
		assert.Equal(t, models.ExecutionStatusFailed, failed.Status)
		assert.Equal(t, models.ErrorTypeInternal, failed.ErrorType)

		// Internal faults are not retried and do not cascade.
		assert.Equal(t, models.EnrollmentStatusActive, f.enrollment(t, enrollment.ID).Status)
	})
}

func TestHandleSuccessWithPausedEnrollment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	automation := f.saveAutomation(t)

	enrollment, err := f.engine.Enroll(ctx, "a-1", "c-1", nil)
	require.NoError(t, err)

	execution := f.dueExecution(t)

	claimed, err := f.store.ExecutionRepository().ClaimExecution(ctx, execution.ID, f.clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, execution.Start(f.clock.Now()))

	// The enrollment is paused while the step is in flight.
	paused, err := f.engine.PauseEnrollment(ctx, enrollment.ID, "hold")
	require.NoError(t, err)

	// Completion stands but the enrollment does not advance.
	step := automation.StepAt(1)
	require.NoError(t, f.engine.handleSuccess(ctx, execution, paused, automation, step, nil))

	assert.Equal(t, models.ExecutionStatusCompleted, f.execution(t, execution.ID).Status)

	stored := f.enrollment(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusPaused, stored.Status)
	assert.Equal(t, 1, stored.CurrentStep)

	// No follow-up execution was scheduled.
	due, err := f.store.ExecutionRepository().DueExecutions(ctx, f.clock.Now().Add(48*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestPauseCancelsScheduledExecutions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.saveAutomation(t)

	enrollment, err := f.engine.Enroll(ctx, "a-1", "c-1", nil)
	require.NoError(t, err)

	execution := f.dueExecution(t)

	_, err = f.engine.PauseEnrollment(ctx, enrollment.ID, "hold")
	require.NoError(t, err)

	cancelled := f.execution(t, execution.ID)
	assert.Equal(t, models.ExecutionStatusCancelled, cancelled.Status)

	// Cancelled executions are no longer due.
	due, err := f.store.ExecutionRepository().DueExecutions(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestResumeReschedulesCurrentStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.saveAutomation(t)

	enrollment, err := f.engine.Enroll(ctx, "a-1", "c-1", nil)
	require.NoError(t, err)

	_, err = f.engine.PauseEnrollment(ctx, enrollment.ID, "hold")
	require.NoError(t, err)

	f.clock.Advance(3 * time.Hour)

	resumed, err := f.engine.ResumeEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentStatusActive, resumed.Status)
	assert.Empty(t, resumed.PauseReason)

	// The current step is due again immediately.
	execution := f.dueExecution(t)
	assert.Equal(t, "s-1", execution.StepID)
	assert.Equal(t, f.clock.Now(), execution.ScheduledAt)
}
