package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/dripmail/dripmail/pkg/models"
	"github.com/dripmail/dripmail/pkg/persistence"
)

// uniqueViolation is the PostgreSQL error code raised when the partial
// unique index over live enrollments rejects an insert.
const uniqueViolation = "23505"

// EnrollmentRepository handles enrollment-related database operations.
type EnrollmentRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEnrollmentRepository creates a new enrollment repository.
func NewEnrollmentRepository(db *sql.DB, logger *slog.Logger) *EnrollmentRepository {
	return &EnrollmentRepository{db: db, logger: logger}
}

const enrollmentColumns = `
	id
  , automation_id
  , contact_id
  , status
  , current_step
  , context
  , enrolled_at
  , completed_at
  , paused_at
  , dropped_at
  , failed_at
  , pause_reason
  , drop_reason
  , error_message
`

// CreateEnrollment inserts a new enrollment. The partial unique index makes
// this the serialization point for concurrent enrolls of the same pair.
func (r *EnrollmentRepository) CreateEnrollment(ctx context.Context, enrollment *models.Enrollment) error {
	contextJSON, err := json.Marshal(enrollment.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal enrollment context: %w", err)
	}

	query := `
		INSERT INTO enrollments (` + enrollmentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err = r.db.ExecContext(ctx, query,
		enrollment.ID,
		enrollment.AutomationID,
		enrollment.ContactID,
		enrollment.Status,
		enrollment.CurrentStep,
		contextJSON,
		enrollment.EnrolledAt,
		enrollment.CompletedAt,
		enrollment.PausedAt,
		enrollment.DroppedAt,
		enrollment.FailedAt,
		enrollment.PauseReason,
		enrollment.DropReason,
		enrollment.ErrorMessage,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return persistence.ErrDuplicateEnrollment
		}

		return fmt.Errorf("failed to create enrollment: %w", err)
	}

	return nil
}

// UpdateEnrollment persists the full mutable state of an enrollment.
func (r *EnrollmentRepository) UpdateEnrollment(ctx context.Context, enrollment *models.Enrollment) error {
	contextJSON, err := json.Marshal(enrollment.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal enrollment context: %w", err)
	}

	query := `
		UPDATE enrollments SET
			status = $2,
			current_step = $3,
			context = $4,
			completed_at = $5,
			paused_at = $6,
			dropped_at = $7,
			failed_at = $8,
			pause_reason = $9,
			drop_reason = $10,
			error_message = $11
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		enrollment.ID,
		enrollment.Status,
		enrollment.CurrentStep,
		contextJSON,
		enrollment.CompletedAt,
		enrollment.PausedAt,
		enrollment.DroppedAt,
		enrollment.FailedAt,
		enrollment.PauseReason,
		enrollment.DropReason,
		enrollment.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to update enrollment: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrEnrollmentNotFound
	}

	return nil
}

// EnrollmentByID returns an enrollment by its ID.
func (r *EnrollmentRepository) EnrollmentByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1`

	enrollment, err := r.scanEnrollment(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrEnrollmentNotFound
		}

		return nil, fmt.Errorf("failed to scan enrollment: %w", err)
	}

	return enrollment, nil
}

// ActiveEnrollment returns the live (active or paused) enrollment for the
// pair.
func (r *EnrollmentRepository) ActiveEnrollment(ctx context.Context, automationID, contactID string) (*models.Enrollment, error) {
	query := `
		SELECT ` + enrollmentColumns + `
		FROM enrollments
		WHERE automation_id = $1 AND contact_id = $2 AND status IN ('active', 'paused')
	`

	enrollment, err := r.scanEnrollment(r.db.QueryRowContext(ctx, query, automationID, contactID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrEnrollmentNotFound
		}

		return nil, fmt.Errorf("failed to scan enrollment: %w", err)
	}

	return enrollment, nil
}

// EnrollmentsByAutomation returns all enrollments of an automation.
func (r *EnrollmentRepository) EnrollmentsByAutomation(ctx context.Context, automationID string) ([]*models.Enrollment, error) {
	query := `
		SELECT ` + enrollmentColumns + `
		FROM enrollments
		WHERE automation_id = $1
		ORDER BY enrolled_at
	`

	rows, err := r.db.QueryContext(ctx, query, automationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	enrollments := make([]*models.Enrollment, 0)

	for rows.Next() {
		enrollment, err := r.scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enrollment: %w", err)
		}

		enrollments = append(enrollments, enrollment)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating enrollments: %w", err)
	}

	return enrollments, nil
}

func (r *EnrollmentRepository) scanEnrollment(row rowScanner) (*models.Enrollment, error) {
	enrollment := &models.Enrollment{}

	var contextJSON []byte

	err := row.Scan(
		&enrollment.ID,
		&enrollment.AutomationID,
		&enrollment.ContactID,
		&enrollment.Status,
		&enrollment.CurrentStep,
		&contextJSON,
		&enrollment.EnrolledAt,
		&enrollment.CompletedAt,
		&enrollment.PausedAt,
		&enrollment.DroppedAt,
		&enrollment.FailedAt,
		&enrollment.PauseReason,
		&enrollment.DropReason,
		&enrollment.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(contextJSON, &enrollment.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal enrollment context: %w", err)
	}

	return enrollment, nil
}
