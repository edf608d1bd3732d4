package postgresql

// migrations returns the schema migration map keyed by version.
//
// The partial unique index on enrollments is the storage-level enforcement
// of the at-most-one-live-enrollment invariant: two concurrent enrolls for
// the same (automation, contact) pair cannot both commit.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS automations (
				id UUID PRIMARY KEY,
				name TEXT NOT NULL,
				trigger_type TEXT NOT NULL,
				trigger_config JSONB NOT NULL DEFAULT '{}',
				status TEXT NOT NULL DEFAULT 'draft',
				account_id TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				archived_at TIMESTAMP WITH TIME ZONE,
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE TABLE IF NOT EXISTS automation_steps (
				id UUID PRIMARY KEY,
				automation_id UUID NOT NULL REFERENCES automations(id) ON DELETE CASCADE,
				step_type TEXT NOT NULL,
				step_order INTEGER NOT NULL,
				delay_amount INTEGER NOT NULL DEFAULT 0,
				delay_unit TEXT NOT NULL DEFAULT 'minutes',
				template_id TEXT NOT NULL DEFAULT '',
				conditions JSONB NOT NULL DEFAULT '[]',
				action_type TEXT NOT NULL DEFAULT '',
				action_config JSONB NOT NULL DEFAULT '{}',
				UNIQUE (automation_id, step_order)
			);

			CREATE INDEX IF NOT EXISTS idx_automations_trigger
				ON automations (trigger_type, status)
				WHERE deleted_at IS NULL;
		`,
		2: `
			CREATE TABLE IF NOT EXISTS enrollments (
				id UUID PRIMARY KEY,
				automation_id UUID NOT NULL REFERENCES automations(id),
				contact_id TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'active',
				current_step INTEGER NOT NULL DEFAULT 1,
				context JSONB NOT NULL DEFAULT '{}',
				enrolled_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				paused_at TIMESTAMP WITH TIME ZONE,
				dropped_at TIMESTAMP WITH TIME ZONE,
				failed_at TIMESTAMP WITH TIME ZONE,
				pause_reason TEXT NOT NULL DEFAULT '',
				drop_reason TEXT NOT NULL DEFAULT '',
				error_message TEXT NOT NULL DEFAULT ''
			);

			CREATE UNIQUE INDEX IF NOT EXISTS idx_enrollments_live
				ON enrollments (automation_id, contact_id)
				WHERE status IN ('active', 'paused');

			CREATE INDEX IF NOT EXISTS idx_enrollments_automation
				ON enrollments (automation_id);
		`,
		3: `
			CREATE TABLE IF NOT EXISTS executions (
				id UUID PRIMARY KEY,
				enrollment_id UUID NOT NULL REFERENCES enrollments(id),
				step_id UUID NOT NULL,
				status TEXT NOT NULL DEFAULT 'scheduled',
				scheduled_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				executed_at TIMESTAMP WITH TIME ZONE,
				cancelled_at TIMESTAMP WITH TIME ZONE,
				error_message TEXT NOT NULL DEFAULT '',
				error_type TEXT NOT NULL DEFAULT '',
				retry_count INTEGER NOT NULL DEFAULT 0,
				execution_data JSONB NOT NULL DEFAULT '{}'
			);

			CREATE INDEX IF NOT EXISTS idx_executions_due
				ON executions (scheduled_at)
				WHERE status = 'scheduled';

			CREATE INDEX IF NOT EXISTS idx_executions_enrollment
				ON executions (enrollment_id);
		`,
	}
}
