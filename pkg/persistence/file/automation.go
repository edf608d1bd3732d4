package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dripmail/dripmail/pkg/models"
	"github.com/dripmail/dripmail/pkg/persistence"
)

const automationsDir = "automations"

// AutomationRepository handles automation-related file operations.
type AutomationRepository struct {
	persistence *Persistence
}

type storedAutomation struct {
	models.Automation

	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func (r *AutomationRepository) Automations(ctx context.Context) ([]*models.Automation, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	return r.loadAll()
}

func (r *AutomationRepository) AutomationByID(ctx context.Context, id string) (*models.Automation, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	return r.load(id)
}

func (r *AutomationRepository) ActiveAutomationsByTrigger(ctx context.Context, triggerType models.TriggerType) ([]*models.Automation, error) {
	r.persistence.mu.RLock()
	defer r.persistence.mu.RUnlock()

	all, err := r.loadAll()
	if err != nil {
		return nil, err
	}

	matched := make([]*models.Automation, 0)

	for _, automation := range all {
		if automation.TriggerType == triggerType && automation.Status == models.AutomationStatusActive {
			matched = append(matched, automation)
		}
	}

	return matched, nil
}

func (r *AutomationRepository) SaveAutomation(ctx context.Context, automation *models.Automation) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	now := time.Now().UTC()

	if automation.CreatedAt.IsZero() {
		automation.CreatedAt = now
	}

	automation.UpdatedAt = now

	if automation.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate automation ID: %w", err)
		}

		automation.ID = id.String()
	}

	for _, step := range automation.Steps {
		if step.ID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("failed to generate step ID: %w", err)
			}

			step.ID = id.String()
		}

		step.AutomationID = automation.ID
	}

	return r.persistence.write(automationsDir, automation.ID, &storedAutomation{Automation: *automation})
}

func (r *AutomationRepository) DeleteAutomation(ctx context.Context, id string) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	stored := &storedAutomation{}

	err := r.persistence.read(automationsDir, id, stored)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return persistence.ErrAutomationNotFound
		}

		return err
	}

	if stored.DeletedAt != nil {
		return persistence.ErrAutomationNotFound
	}

	now := time.Now().UTC()
	stored.DeletedAt = &now

	return r.persistence.write(automationsDir, id, stored)
}

func (r *AutomationRepository) load(id string) (*models.Automation, error) {
	stored := &storedAutomation{}

	err := r.persistence.read(automationsDir, id, stored)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.ErrAutomationNotFound
		}

		return nil, err
	}

	if stored.DeletedAt != nil {
		return nil, persistence.ErrAutomationNotFound
	}

	automation := stored.Automation

	return &automation, nil
}

func (r *AutomationRepository) loadAll() ([]*models.Automation, error) {
	if _, err := os.Stat(filepath.Join(r.persistence.root, automationsDir)); os.IsNotExist(err) {
		return make([]*models.Automation, 0), nil
	}

	ids, err := r.persistence.ids(automationsDir)
	if err != nil {
		return nil, err
	}

	automations := make([]*models.Automation, 0, len(ids))

	for _, id := range ids {
		automation, err := r.load(id)
		if err != nil {
			if errors.Is(err, persistence.ErrAutomationNotFound) {
				continue // soft-deleted
			}

			return nil, err
		}

		automations = append(automations, automation)
	}

	sort.Slice(automations, func(i, j int) bool {
		return automations[i].CreatedAt.After(automations[j].CreatedAt)
	})

	return automations, nil
}
