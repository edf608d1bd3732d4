package file

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dripmail/dripmail/pkg/models"
	"github.com/dripmail/dripmail/pkg/persistence"
)

const executionsDir = "executions"

// ExecutionRepository handles execution-related file operations. The claim
// is a read-modify-write under the persistence write lock, which gives the
// same only-the-first-claimant-wins behavior as the PostgreSQL conditional
// update within one process.
type ExecutionRepository struct {
	persistence *Persistence
}

func (r *ExecutionRepository) CreateExecution(ctx context.Context, execution *models.Execution) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	return r.persistence.write(executionsDir, execution.ID, execution)
}

func (r *ExecutionRepository) UpdateExecution(ctx context.Context, execution *models.Execution) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	err := r.persistence.read(executionsDir, execution.ID, &models.Execution{})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return persistence.ErrExecutionNotFound
		}

		return err
	}

	return r.persistence.write(executionsDir, execution.ID, execution)
}

func (r *ExecutionRepository) ExecutionByID(ctx context.Context, id string) (*models.Execution, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	return r.load(id)
}

func (r *ExecutionRepository) ExecutionsByEnrollment(ctx context.Context, enrollmentID string) ([]*models.Execution, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	all, err := r.loadAll()
	if err != nil {
		return nil, err
	}

	executions := make([]*models.Execution, 0)

	for _, execution := range all {
		if execution.EnrollmentID == enrollmentID {
			executions = append(executions, execution)
		}
	}

	return executions, nil
}

func (r *ExecutionRepository) DueExecutions(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	all, err := r.loadAll()
	if err != nil {
		return nil, err
	}

	due := make([]*models.Execution, 0)

	for _, execution := range all {
		if execution.IsDue(now) {
			due = append(due, execution)
		}

		if limit > 0 && len(due) == limit {
			break
		}
	}

	return due, nil
}

func (r *ExecutionRepository) ClaimExecution(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	execution, err := r.load(id)
	if err != nil {
		return false, err
	}

	if !execution.IsDue(startedAt) {
		return false, nil
	}

	execution.Status = models.ExecutionStatusExecuting
	execution.StartedAt = &startedAt

	err = r.persistence.write(executionsDir, id, execution)
	if err != nil {
		return false, err
	}

	return true, nil
}

func (r *ExecutionRepository) CancelScheduledByEnrollment(ctx context.Context, enrollmentID string, now time.Time) (int, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	all, err := r.loadAll()
	if err != nil {
		return 0, err
	}

	cancelled := 0

	for _, execution := range all {
		if execution.EnrollmentID != enrollmentID || execution.Status != models.ExecutionStatusScheduled {
			continue
		}

		execution.Status = models.ExecutionStatusCancelled
		execution.CancelledAt = &now

		err = r.persistence.write(executionsDir, execution.ID, execution)
		if err != nil {
			return cancelled, err
		}

		cancelled++
	}

	return cancelled, nil
}

func (r *ExecutionRepository) CountCompletedByEnrollment(ctx context.Context, enrollmentID string) (int, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	all, err := r.loadAll()
	if err != nil {
		return 0, err
	}

	count := 0

	for _, execution := range all {
		if execution.EnrollmentID == enrollmentID && execution.Status == models.ExecutionStatusCompleted {
			count++
		}
	}

	return count, nil
}

func (r *ExecutionRepository) load(id string) (*models.Execution, error) {
	execution := &models.Execution{}

	err := r.persistence.read(executionsDir, id, execution)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, err
	}

	return execution, nil
}

func (r *ExecutionRepository) loadAll() ([]*models.Execution, error) {
	if _, err := os.Stat(filepath.Join(r.persistence.root, executionsDir)); os.IsNotExist(err) {
		return make([]*models.Execution, 0), nil
	}

	ids, err := r.persistence.ids(executionsDir)
	if err != nil {
		return nil, err
	}

	executions := make([]*models.Execution, 0, len(ids))

	for _, id := range ids {
		execution, err := r.load(id)
		if err != nil {
			return nil, err
		}

		executions = append(executions, execution)
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].ScheduledAt.Before(executions[j].ScheduledAt)
	})

	return executions, nil
}
