// Package persistence provides the data storage abstraction for automations,
// enrollments, and executions.
package persistence

import (
	"context"
	"time"

	"github.com/dripmail/dripmail/pkg/models"
)

type Persistence interface {
	AutomationRepository() AutomationRepository
	EnrollmentRepository() EnrollmentRepository
	ExecutionRepository() ExecutionRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

type AutomationRepository interface {
	Automations(ctx context.Context) ([]*models.Automation, error)
	AutomationByID(ctx context.Context, id string) (*models.Automation, error)
	ActiveAutomationsByTrigger(ctx context.Context, triggerType models.TriggerType) ([]*models.Automation, error)

	// SaveAutomation upserts the automation and replaces its step list
	// wholesale; steps removed from the list are deleted.
	SaveAutomation(ctx context.Context, automation *models.Automation) error
	DeleteAutomation(ctx context.Context, id string) error
}

type EnrollmentRepository interface {
	// CreateEnrollment persists a new enrollment. When an active or paused
	// enrollment already exists for the same (automation, contact) pair it
	// returns ErrDuplicateEnrollment; the storage layer enforces that as a
	// uniqueness constraint so concurrent enrolls cannot both succeed.
	CreateEnrollment(ctx context.Context, enrollment *models.Enrollment) error
	UpdateEnrollment(ctx context.Context, enrollment *models.Enrollment) error
	EnrollmentByID(ctx context.Context, id string) (*models.Enrollment, error)

	// ActiveEnrollment returns the single active or paused enrollment for
	// the pair, or ErrEnrollmentNotFound.
	ActiveEnrollment(ctx context.Context, automationID, contactID string) (*models.Enrollment, error)
	EnrollmentsByAutomation(ctx context.Context, automationID string) ([]*models.Enrollment, error)
}

type ExecutionRepository interface {
	CreateExecution(ctx context.Context, execution *models.Execution) error
	UpdateExecution(ctx context.Context, execution *models.Execution) error
	ExecutionByID(ctx context.Context, id string) (*models.Execution, error)
	ExecutionsByEnrollment(ctx context.Context, enrollmentID string) ([]*models.Execution, error)

	// DueExecutions returns scheduled executions whose due time has passed,
	// oldest first.
	DueExecutions(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error)

	// ClaimExecution atomically transitions scheduled -> executing and
	// records startedAt. It returns false when the execution was not in the
	// scheduled state or its due time has not yet passed; losing the race
	// and claiming early look the same to the caller. This is the only path
	// into the executing state.
	ClaimExecution(ctx context.Context, id string, startedAt time.Time) (bool, error)

	// CancelScheduledByEnrollment cancels every scheduled execution owned by
	// the enrollment and reports how many were cancelled. Executions already
	// claimed are left to run to completion.
	CancelScheduledByEnrollment(ctx context.Context, enrollmentID string, now time.Time) (int, error)

	CountCompletedByEnrollment(ctx context.Context, enrollmentID string) (int, error)
}
