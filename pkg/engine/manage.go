package engine

import (
	"context"
	"fmt"

	"github.com/dripmail/dripmail/pkg/models"
)

// DuplicateAutomation deep-copies an automation and its steps into a new
// draft. Enrollments are not copied; a duplicate starts with none.
func (e *Engine) DuplicateAutomation(ctx context.Context, automationID, name string) (*models.Automation, error) {
	source, err := e.persistence.AutomationRepository().AutomationByID(ctx, automationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load automation %s: %w", automationID, err)
	}

	now := e.clock.Now()

	if name == "" {
		name = source.Name + " (copy)"
	}

	duplicate := &models.Automation{
		ID:            e.newID(),
		Name:          name,
		TriggerType:   source.TriggerType,
		TriggerConfig: source.TriggerConfig,
		Status:        models.AutomationStatusDraft,
		AccountID:     source.AccountID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	duplicate.Steps = make([]*models.StepDefinition, 0, len(source.Steps))

	for _, step := range source.Steps {
		copied := *step
		copied.ID = e.newID()
		copied.AutomationID = duplicate.ID
		copied.Conditions = append([]models.ConditionClause(nil), step.Conditions...)

		if step.ActionConfig != nil {
			copied.ActionConfig = make(map[string]any, len(step.ActionConfig))
			for k, v := range step.ActionConfig {
				copied.ActionConfig[k] = v
			}
		}

		duplicate.Steps = append(duplicate.Steps, &copied)
	}

	if err := e.persistence.AutomationRepository().SaveAutomation(ctx, duplicate); err != nil {
		return nil, fmt.Errorf("failed to save duplicated automation: %w", err)
	}

	e.logger.InfoContext(ctx, "Automation duplicated",
		"source_id", automationID, "duplicate_id", duplicate.ID, "steps", len(duplicate.Steps))

	return duplicate, nil
}

// BulkResult summarizes a best-effort bulk operation. Failures carry the
// per-automation error without aborting the rest of the batch.
type BulkResult struct {
	Succeeded int
	Failed    int
	Errors    map[string]error
}

func (r *BulkResult) record(id string, err error) {
	if err == nil {
		r.Succeeded++

		return
	}

	r.Failed++

	if r.Errors == nil {
		r.Errors = make(map[string]error)
	}

	r.Errors[id] = err
}

// BulkActivate activates each automation in ids, best effort.
func (e *Engine) BulkActivate(ctx context.Context, ids []string) *BulkResult {
	return e.bulkTransition(ctx, ids, "activate", func(a *models.Automation) error {
		return a.Activate()
	})
}

// BulkPause pauses each automation in ids, best effort.
func (e *Engine) BulkPause(ctx context.Context, ids []string) *BulkResult {
	return e.bulkTransition(ctx, ids, "pause", func(a *models.Automation) error {
		return a.Pause()
	})
}

// BulkArchive archives each automation in ids, best effort. Archiving is
// idempotent at the model level, so repeated ids only cost a save.
func (e *Engine) BulkArchive(ctx context.Context, ids []string) *BulkResult {
	now := e.clock.Now()

	return e.bulkTransition(ctx, ids, "archive", func(a *models.Automation) error {
		a.Archive(now)

		return nil
	})
}

func (e *Engine) bulkTransition(
	ctx context.Context,
	ids []string,
	operation string,
	transition func(*models.Automation) error,
) *BulkResult {
	result := &BulkResult{}
	repo := e.persistence.AutomationRepository()

	for _, id := range ids {
		automation, err := repo.AutomationByID(ctx, id)
		if err != nil {
			result.record(id, err)

			continue
		}

		if err := transition(automation); err != nil {
			result.record(id, err)

			continue
		}

		automation.UpdatedAt = e.clock.Now()
		result.record(id, repo.SaveAutomation(ctx, automation))
	}

	if result.Failed > 0 {
		e.logger.WarnContext(ctx, "Bulk operation partially failed",
			"operation", operation, "succeeded", result.Succeeded, "failed", result.Failed)
	}

	return result
}
