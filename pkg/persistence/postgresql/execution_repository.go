package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dripmail/dripmail/pkg/models"
	"github.com/dripmail/dripmail/pkg/persistence"
)

// ExecutionRepository handles execution-related database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

const executionColumns = `
	id
  , enrollment_id
  , step_id
  , status
  , scheduled_at
  , started_at
  , executed_at
  , cancelled_at
  , error_message
  , error_type
  , retry_count
  , execution_data
`

// CreateExecution inserts a new scheduled execution.
func (r *ExecutionRepository) CreateExecution(ctx context.Context, execution *models.Execution) error {
	dataJSON, err := json.Marshal(execution.ExecutionData)
	if err != nil {
		return fmt.Errorf("failed to marshal execution data: %w", err)
	}

	query := `
		INSERT INTO executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.EnrollmentID,
		execution.StepID,
		execution.Status,
		execution.ScheduledAt,
		execution.StartedAt,
		execution.ExecutedAt,
		execution.CancelledAt,
		execution.ErrorMessage,
		execution.ErrorType,
		execution.RetryCount,
		dataJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

// UpdateExecution persists the full mutable state of an execution.
func (r *ExecutionRepository) UpdateExecution(ctx context.Context, execution *models.Execution) error {
	dataJSON, err := json.Marshal(execution.ExecutionData)
	if err != nil {
		return fmt.Errorf("failed to marshal execution data: %w", err)
	}

	query := `
		UPDATE executions SET
			status = $2,
			scheduled_at = $3,
			started_at = $4,
			executed_at = $5,
			cancelled_at = $6,
			error_message = $7,
			error_type = $8,
			retry_count = $9,
			execution_data = $10
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		execution.ID,
		execution.Status,
		execution.ScheduledAt,
		execution.StartedAt,
		execution.ExecutedAt,
		execution.CancelledAt,
		execution.ErrorMessage,
		execution.ErrorType,
		execution.RetryCount,
		dataJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrExecutionNotFound
	}

	return nil
}

// ExecutionByID returns an execution by its ID.
func (r *ExecutionRepository) ExecutionByID(ctx context.Context, id string) (*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	execution, err := r.scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

// ExecutionsByEnrollment returns every execution of an enrollment, oldest
// first.
func (r *ExecutionRepository) ExecutionsByEnrollment(ctx context.Context, enrollmentID string) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE enrollment_id = $1
		ORDER BY scheduled_at
	`

	return r.queryExecutions(ctx, query, enrollmentID)
}

// DueExecutions returns scheduled executions whose due time has passed,
// oldest first.
func (r *ExecutionRepository) DueExecutions(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE status = 'scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT $2
	`

	return r.queryExecutions(ctx, query, now, limit)
}

// ClaimExecution is the exclusive claim: a conditional update that only the
// first claimant of a due execution wins. Pollers racing for the same
// execution see false and move on, as does any caller that is early.
func (r *ExecutionRepository) ClaimExecution(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	query := `
		UPDATE executions
		SET status = 'executing', started_at = $2
		WHERE id = $1 AND status = 'scheduled' AND scheduled_at <= $2
	`

	result, err := r.db.ExecContext(ctx, query, id, startedAt)
	if err != nil {
		return false, fmt.Errorf("failed to claim execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected == 1, nil
}

// CancelScheduledByEnrollment cancels every still-scheduled execution of the
// enrollment. Claimed executions run to completion.
func (r *ExecutionRepository) CancelScheduledByEnrollment(ctx context.Context, enrollmentID string, now time.Time) (int, error) {
	query := `
		UPDATE executions
		SET status = 'cancelled', cancelled_at = $2
		WHERE enrollment_id = $1 AND status = 'scheduled'
	`

	result, err := r.db.ExecContext(ctx, query, enrollmentID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel scheduled executions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return int(affected), nil
}

// CountCompletedByEnrollment counts completed executions for progress
// reporting.
func (r *ExecutionRepository) CountCompletedByEnrollment(ctx context.Context, enrollmentID string) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM executions WHERE enrollment_id = $1 AND status = 'completed'",
		enrollmentID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count completed executions: %w", err)
	}

	return count, nil
}

func (r *ExecutionRepository) queryExecutions(ctx context.Context, query string, args ...any) ([]*models.Execution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	executions := make([]*models.Execution, 0)

	for rows.Next() {
		execution, err := r.scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

func (r *ExecutionRepository) scanExecution(row rowScanner) (*models.Execution, error) {
	execution := &models.Execution{}

	var dataJSON []byte

	err := row.Scan(
		&execution.ID,
		&execution.EnrollmentID,
		&execution.StepID,
		&execution.Status,
		&execution.ScheduledAt,
		&execution.StartedAt,
		&execution.ExecutedAt,
		&execution.CancelledAt,
		&execution.ErrorMessage,
		&execution.ErrorType,
		&execution.RetryCount,
		&dataJSON,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(dataJSON, &execution.ExecutionData)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution data: %w", err)
	}

	return execution, nil
}
