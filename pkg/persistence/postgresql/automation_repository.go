package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dripmail/dripmail/pkg/models"
	"github.com/dripmail/dripmail/pkg/persistence"
)

// AutomationRepository handles automation-related database operations.
type AutomationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewAutomationRepository creates a new automation repository.
func NewAutomationRepository(db *sql.DB, logger *slog.Logger) *AutomationRepository {
	return &AutomationRepository{db: db, logger: logger}
}

const automationColumns = `
	id
  , name
  , trigger_type
  , trigger_config
  , status
  , account_id
  , created_at
  , updated_at
  , archived_at
`

// Automations returns all non-deleted automations, newest first.
func (r *AutomationRepository) Automations(ctx context.Context) ([]*models.Automation, error) {
	query := `
		SELECT ` + automationColumns + `
		FROM automations
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC
	`

	return r.queryAutomations(ctx, query)
}

// AutomationByID returns an automation with its steps loaded.
func (r *AutomationRepository) AutomationByID(ctx context.Context, id string) (*models.Automation, error) {
	query := `
		SELECT ` + automationColumns + `
		FROM automations
		WHERE id = $1 AND deleted_at IS NULL
	`

	row := r.db.QueryRowContext(ctx, query, id)

	automation, err := r.scanAutomation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrAutomationNotFound
		}

		return nil, fmt.Errorf("failed to scan automation: %w", err)
	}

	err = r.loadSteps(ctx, automation)
	if err != nil {
		return nil, fmt.Errorf("failed to load automation steps: %w", err)
	}

	return automation, nil
}

// ActiveAutomationsByTrigger returns active automations for a trigger type.
func (r *AutomationRepository) ActiveAutomationsByTrigger(ctx context.Context, triggerType models.TriggerType) ([]*models.Automation, error) {
	query := `
		SELECT ` + automationColumns + `
		FROM automations
		WHERE trigger_type = $1 AND status = $2 AND deleted_at IS NULL
		ORDER BY created_at
	`

	return r.queryAutomations(ctx, query, string(triggerType), string(models.AutomationStatusActive))
}

// SaveAutomation upserts the automation and replaces its step list.
func (r *AutomationRepository) SaveAutomation(ctx context.Context, automation *models.Automation) error {
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

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	configJSON, err := json.Marshal(automation.TriggerConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger config: %w", err)
	}

	automationQuery := `
		INSERT INTO automations (id, name, trigger_type, trigger_config, status, account_id, created_at, updated_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			trigger_type = EXCLUDED.trigger_type,
			trigger_config = EXCLUDED.trigger_config,
			status = EXCLUDED.status,
			account_id = EXCLUDED.account_id,
			updated_at = EXCLUDED.updated_at,
			archived_at = EXCLUDED.archived_at
	`

	_, err = tx.ExecContext(ctx, automationQuery,
		automation.ID,
		automation.Name,
		automation.TriggerType,
		configJSON,
		automation.Status,
		automation.AccountID,
		automation.CreatedAt,
		automation.UpdatedAt,
		automation.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save automation: %w", err)
	}

	// Step definitions are owned by the automation and replaced wholesale.
	_, err = tx.ExecContext(ctx, "DELETE FROM automation_steps WHERE automation_id = $1", automation.ID)
	if err != nil {
		return fmt.Errorf("failed to delete existing steps: %w", err)
	}

	stepQuery := `
		INSERT INTO automation_steps (id, automation_id, step_type, step_order, delay_amount, delay_unit, template_id, conditions, action_type, action_config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	for _, step := range automation.Steps {
		if step.ID == "" {
			id, idErr := uuid.NewV7()
			if idErr != nil {
				err = fmt.Errorf("failed to generate step ID: %w", idErr)

				return err
			}

			step.ID = id.String()
		}

		step.AutomationID = automation.ID

		conditionsJSON, marshalErr := json.Marshal(step.Conditions)
		if marshalErr != nil {
			err = fmt.Errorf("failed to marshal step conditions: %w", marshalErr)

			return err
		}

		actionConfigJSON, marshalErr := json.Marshal(step.ActionConfig)
		if marshalErr != nil {
			err = fmt.Errorf("failed to marshal action config: %w", marshalErr)

			return err
		}

		_, err = tx.ExecContext(ctx, stepQuery,
			step.ID,
			step.AutomationID,
			step.Type,
			step.Order,
			step.Delay.Amount,
			step.Delay.Unit,
			step.TemplateID,
			conditionsJSON,
			step.ActionType,
			actionConfigJSON,
		)
		if err != nil {
			return fmt.Errorf("failed to save step %d: %w", step.Order, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit automation save: %w", err)
	}

	return nil
}

// DeleteAutomation soft deletes an automation; enrollments are retained for
// analytics.
func (r *AutomationRepository) DeleteAutomation(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE automations SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL", id)
	if err != nil {
		return fmt.Errorf("failed to delete automation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrAutomationNotFound
	}

	return nil
}

func (r *AutomationRepository) queryAutomations(ctx context.Context, query string, args ...any) ([]*models.Automation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query automations: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	automations := make([]*models.Automation, 0)

	for rows.Next() {
		automation, err := r.scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan automation: %w", err)
		}

		err = r.loadSteps(ctx, automation)
		if err != nil {
			return nil, fmt.Errorf("failed to load automation steps: %w", err)
		}

		automations = append(automations, automation)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating automations: %w", err)
	}

	return automations, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *AutomationRepository) scanAutomation(row rowScanner) (*models.Automation, error) {
	automation := &models.Automation{}

	var configJSON []byte

	err := row.Scan(
		&automation.ID,
		&automation.Name,
		&automation.TriggerType,
		&configJSON,
		&automation.Status,
		&automation.AccountID,
		&automation.CreatedAt,
		&automation.UpdatedAt,
		&automation.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(configJSON, &automation.TriggerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger config: %w", err)
	}

	return automation, nil
}

func (r *AutomationRepository) loadSteps(ctx context.Context, automation *models.Automation) error {
	query := `
		SELECT
			id
		  , automation_id
		  , step_type
		  , step_order
		  , delay_amount
		  , delay_unit
		  , template_id
		  , conditions
		  , action_type
		  , action_config
		FROM automation_steps
		WHERE automation_id = $1
		ORDER BY step_order
	`

	rows, err := r.db.QueryContext(ctx, query, automation.ID)
	if err != nil {
		return fmt.Errorf("failed to query steps: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	steps := make([]*models.StepDefinition, 0)

	for rows.Next() {
		step := &models.StepDefinition{}

		var conditionsJSON, actionConfigJSON []byte

		err := rows.Scan(
			&step.ID,
			&step.AutomationID,
			&step.Type,
			&step.Order,
			&step.Delay.Amount,
			&step.Delay.Unit,
			&step.TemplateID,
			&conditionsJSON,
			&step.ActionType,
			&actionConfigJSON,
		)
		if err != nil {
			return fmt.Errorf("failed to scan step: %w", err)
		}

		err = json.Unmarshal(conditionsJSON, &step.Conditions)
		if err != nil {
			return fmt.Errorf("failed to unmarshal step conditions: %w", err)
		}

		err = json.Unmarshal(actionConfigJSON, &step.ActionConfig)
		if err != nil {
			return fmt.Errorf("failed to unmarshal action config: %w", err)
		}

		steps = append(steps, step)
	}

	err = rows.Err()
	if err != nil {
		return fmt.Errorf("error iterating steps: %w", err)
	}

	automation.Steps = steps

	return nil
}
