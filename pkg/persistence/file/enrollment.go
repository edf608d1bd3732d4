package file

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/dripmail/dripmail/pkg/models"
	"github.com/dripmail/dripmail/pkg/persistence"
)

const enrollmentsDir = "enrollments"

// EnrollmentRepository handles enrollment-related file operations. The
// persistence-level write lock makes create-with-uniqueness-check atomic,
// mirroring the partial unique index of the PostgreSQL backend.
type EnrollmentRepository struct {
	persistence *Persistence
}

func (r *EnrollmentRepository) CreateEnrollment(ctx context.Context, enrollment *models.Enrollment) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	existing, err := r.findLive(enrollment.AutomationID, enrollment.ContactID)
	if err != nil {
		return err
	}

	if existing != nil {
		return persistence.ErrDuplicateEnrollment
	}

	return r.persistence.write(enrollmentsDir, enrollment.ID, enrollment)
}

func (r *EnrollmentRepository) UpdateEnrollment(ctx context.Context, enrollment *models.Enrollment) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	err := r.persistence.read(enrollmentsDir, enrollment.ID, &models.Enrollment{})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return persistence.ErrEnrollmentNotFound
		}

		return err
	}

	return r.persistence.write(enrollmentsDir, enrollment.ID, enrollment)
}

func (r *EnrollmentRepository) EnrollmentByID(ctx context.Context, id string) (*models.Enrollment, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	enrollment := &models.Enrollment{}

	err := r.persistence.read(enrollmentsDir, id, enrollment)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.ErrEnrollmentNotFound
		}

		return nil, err
	}

	return enrollment, nil
}

func (r *EnrollmentRepository) ActiveEnrollment(ctx context.Context, automationID, contactID string) (*models.Enrollment, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	enrollment, err := r.findLive(automationID, contactID)
	if err != nil {
		return nil, err
	}

	if enrollment == nil {
		return nil, persistence.ErrEnrollmentNotFound
	}

	return enrollment, nil
}

func (r *EnrollmentRepository) EnrollmentsByAutomation(ctx context.Context, automationID string) ([]*models.Enrollment, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	all, err := r.loadAll()
	if err != nil {
		return nil, err
	}

	enrollments := make([]*models.Enrollment, 0)

	for _, enrollment := range all {
		if enrollment.AutomationID == automationID {
			enrollments = append(enrollments, enrollment)
		}
	}

	return enrollments, nil
}

// findLive returns the active or paused enrollment for the pair, or nil.
// Callers must hold the lock.
func (r *EnrollmentRepository) findLive(automationID, contactID string) (*models.Enrollment, error) {
	all, err := r.loadAll()
	if err != nil {
		return nil, err
	}

	for _, enrollment := range all {
		if enrollment.AutomationID != automationID || enrollment.ContactID != contactID {
			continue
		}

		if enrollment.Status == models.EnrollmentStatusActive || enrollment.Status == models.EnrollmentStatusPaused {
			return enrollment, nil
		}
	}

	return nil, nil
}

func (r *EnrollmentRepository) loadAll() ([]*models.Enrollment, error) {
	if _, err := os.Stat(filepath.Join(r.persistence.root, enrollmentsDir)); os.IsNotExist(err) {
		return make([]*models.Enrollment, 0), nil
	}

	ids, err := r.persistence.ids(enrollmentsDir)
	if err != nil {
		return nil, err
	}

	enrollments := make([]*models.Enrollment, 0, len(ids))

	for _, id := range ids {
		enrollment := &models.Enrollment{}

		err := r.persistence.read(enrollmentsDir, id, enrollment)
		if err != nil {
			return nil, err
		}

		enrollments = append(enrollments, enrollment)
	}

	sort.Slice(enrollments, func(i, j int) bool {
		return enrollments[i].EnrolledAt.Before(enrollments[j].EnrolledAt)
	})

	return enrollments, nil
}
