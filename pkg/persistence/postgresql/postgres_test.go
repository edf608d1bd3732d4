package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/dripmail/dripmail/pkg/models"
	"github.com/dripmail/dripmail/pkg/persistence"
	"github.com/dripmail/dripmail/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Children first, parents last.
	for _, table := range []string{"executions", "enrollments", "automation_steps", "automations", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("dripmail_test"),
			postgres.WithUsername("dripmail"),
			postgres.WithPassword("dripmail"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func saveTestAutomation(ctx context.Context, t *testing.T, p *postgresql.Persistence) *models.Automation {
	t.Helper()

	automationID := uuid.New().String()
	now := time.Now().UTC().Truncate(time.Millisecond)

	automation := &models.Automation{
		ID:          automationID,
		Name:        "Welcome series",
		TriggerType: models.TriggerContactSubscribed,
		Status:      models.AutomationStatusActive,
		Steps: []*models.StepDefinition{
			{ID: uuid.New().String(), AutomationID: automationID, Type: models.StepTypeEmail, Order: 1, TemplateID: "welcome"},
			{ID: uuid.New().String(), AutomationID: automationID, Type: models.StepTypeWait, Order: 2,
				Delay: models.Delay{Amount: 1, Unit: models.DelayDays}},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	require.NoError(t, p.AutomationRepository().SaveAutomation(ctx, automation))

	return automation
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	var exists bool

	for _, table := range []string{"automations", "automation_steps", "enrollments", "executions", "schema_migrations"} {
		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	err := p.HealthCheck(ctx)
	assert.NoError(t, err)
}

func TestAutomationRepository_SaveAndRetrieve(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	automation := saveTestAutomation(ctx, t, p)

	loaded, err := p.AutomationRepository().AutomationByID(ctx, automation.ID)
	require.NoError(t, err)

	assert.Equal(t, automation.Name, loaded.Name)
	assert.Equal(t, automation.TriggerType, loaded.TriggerType)
	require.Len(t, loaded.Steps, 2)
	assert.Equal(t, 1, loaded.Steps[0].Order)
	assert.Equal(t, "welcome", loaded.Steps[0].TemplateID)
	assert.Equal(t, models.StepTypeWait, loaded.Steps[1].Type)

	matches, err := p.AutomationRepository().ActiveAutomationsByTrigger(ctx, models.TriggerContactSubscribed)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, automation.ID, matches[0].ID)
}

func TestEnrollmentRepository_DuplicateGuard(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	automation := saveTestAutomation(ctx, t, p)
	repo := p.EnrollmentRepository()
	now := time.Now().UTC()

	first := models.NewEnrollment(uuid.New().String(), automation.ID, "c-1", nil, now)
	require.NoError(t, repo.CreateEnrollment(ctx, first))

	// The partial unique index rejects a second live enrollment for the pair.
	second := models.NewEnrollment(uuid.New().String(), automation.ID, "c-1", nil, now)
	err := repo.CreateEnrollment(ctx, second)
	assert.ErrorIs(t, err, persistence.ErrDuplicateEnrollment)

	// A paused enrollment still occupies the pair.
	require.NoError(t, first.Pause("hold", now))
	require.NoError(t, repo.UpdateEnrollment(ctx, first))

	err = repo.CreateEnrollment(ctx, models.NewEnrollment(uuid.New().String(), automation.ID, "c-1", nil, now))
	assert.ErrorIs(t, err, persistence.ErrDuplicateEnrollment)

	// A dropped one frees it.
	require.NoError(t, first.Drop("done", now))
	require.NoError(t, repo.UpdateEnrollment(ctx, first))

	assert.NoError(t, repo.CreateEnrollment(ctx, models.NewEnrollment(uuid.New().String(), automation.ID, "c-1", nil, now)))
}

func TestEnrollmentRepository_ActiveEnrollment(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	automation := saveTestAutomation(ctx, t, p)
	repo := p.EnrollmentRepository()

	enrollment := models.NewEnrollment(uuid.New().String(), automation.ID, "c-1",
		models.EnrollmentContext{models.ContextKeySource: "api"}, time.Now().UTC())
	require.NoError(t, repo.CreateEnrollment(ctx, enrollment))

	found, err := repo.ActiveEnrollment(ctx, automation.ID, "c-1")
	require.NoError(t, err)
	assert.Equal(t, enrollment.ID, found.ID)
	assert.Equal(t, "api", found.Context[models.ContextKeySource])

	_, err = repo.ActiveEnrollment(ctx, automation.ID, "c-9")
	assert.ErrorIs(t, err, persistence.ErrEnrollmentNotFound)
}

func TestExecutionRepository_ClaimExclusivity(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	automation := saveTestAutomation(ctx, t, p)
	now := time.Now().UTC()

	enrollment := models.NewEnrollment(uuid.New().String(), automation.ID, "c-1", nil, now)
	require.NoError(t, p.EnrollmentRepository().CreateEnrollment(ctx, enrollment))

	execution := models.NewExecution(uuid.New().String(), enrollment.ID, automation.Steps[0].ID, now)
	require.NoError(t, p.ExecutionRepository().CreateExecution(ctx, execution))

	claimed, err := p.ExecutionRepository().ClaimExecution(ctx, execution.ID, now)
	require.NoError(t, err)
	assert.True(t, claimed)

	// The conditional update means only the first claimant wins.
	claimed, err = p.ExecutionRepository().ClaimExecution(ctx, execution.ID, now)
	require.NoError(t, err)
	assert.False(t, claimed)

	loaded, err := p.ExecutionRepository().ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusExecuting, loaded.Status)

	// A not-yet-due execution cannot be claimed.
	future := models.NewExecution(uuid.New().String(), enrollment.ID, automation.Steps[1].ID, now.Add(time.Hour))
	require.NoError(t, p.ExecutionRepository().CreateExecution(ctx, future))

	claimed, err = p.ExecutionRepository().ClaimExecution(ctx, future.ID, now)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestExecutionRepository_DueAndCancel(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	automation := saveTestAutomation(ctx, t, p)
	now := time.Now().UTC()

	enrollment := models.NewEnrollment(uuid.New().String(), automation.ID, "c-1", nil, now)
	require.NoError(t, p.EnrollmentRepository().CreateEnrollment(ctx, enrollment))

	repo := p.ExecutionRepository()

	early := models.NewExecution(uuid.New().String(), enrollment.ID, automation.Steps[0].ID, now.Add(-time.Hour))
	require.NoError(t, repo.CreateExecution(ctx, early))

	late := models.NewExecution(uuid.New().String(), enrollment.ID, automation.Steps[1].ID, now.Add(-time.Minute))
	require.NoError(t, repo.CreateExecution(ctx, late))

	future := models.NewExecution(uuid.New().String(), enrollment.ID, automation.Steps[1].ID, now.Add(time.Hour))
	require.NoError(t, repo.CreateExecution(ctx, future))

	due, err := repo.DueExecutions(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early.ID, due[0].ID)
	assert.Equal(t, late.ID, due[1].ID)

	limited, err := repo.DueExecutions(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, early.ID, limited[0].ID)

	cancelled, err := repo.CancelScheduledByEnrollment(ctx, enrollment.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 3, cancelled)

	due, err = repo.DueExecutions(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestExecutionRepository_UpdateRoundTrip(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	automation := saveTestAutomation(ctx, t, p)
	now := time.Now().UTC().Truncate(time.Millisecond)

	enrollment := models.NewEnrollment(uuid.New().String(), automation.ID, "c-1", nil, now)
	require.NoError(t, p.EnrollmentRepository().CreateEnrollment(ctx, enrollment))

	execution := models.NewExecution(uuid.New().String(), enrollment.ID, automation.Steps[0].ID, now)
	require.NoError(t, p.ExecutionRepository().CreateExecution(ctx, execution))

	require.NoError(t, execution.Start(now))
	require.NoError(t, execution.Complete(map[string]any{"delivery_id": "d-1"}, now))
	require.NoError(t, p.ExecutionRepository().UpdateExecution(ctx, execution))

	loaded, err := p.ExecutionRepository().ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, loaded.Status)
	assert.Equal(t, "d-1", loaded.ExecutionData["delivery_id"])

	count, err := p.ExecutionRepository().CountCompletedByEnrollment(ctx, enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
