package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Workflow definition versions. One row per (workflow, version);
			-- published rows are immutable by convention, the store only
			-- enforces the key.
			CREATE TABLE workflows (
				id VARCHAR(255) NOT NULL,
				version INT NOT NULL,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL,
				steps JSONB NOT NULL,
				settings JSONB NOT NULL,
				variables JSONB,
				metadata JSONB,
				owner VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				published_at TIMESTAMP WITH TIME ZONE,
				PRIMARY KEY (id, version)
			);

			CREATE INDEX idx_workflows_status ON workflows(status);
			CREATE INDEX idx_workflows_owner ON workflows(owner);

			-- Trigger configurations, one row per trigger with an optimistic
			-- store_version token.
			CREATE TABLE triggers (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				kind VARCHAR(50) NOT NULL,
				name VARCHAR(255) NOT NULL,
				config JSONB,
				active BOOLEAN NOT NULL DEFAULT false,
				last_fired TIMESTAMP WITH TIME ZONE,
				firing_count BIGINT NOT NULL DEFAULT 0,
				error_count BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				store_version BIGINT NOT NULL
			);

			CREATE INDEX idx_triggers_workflow_id ON triggers(workflow_id);
			CREATE INDEX idx_triggers_active ON triggers(active);
			CREATE INDEX idx_triggers_kind ON triggers(kind);

			-- Append-only firing records. The partial unique index is the
			-- dedup guarantee: one execution at most per (trigger, dedup key).
			CREATE TABLE trigger_events (
				id VARCHAR(255) PRIMARY KEY,
				trigger_id VARCHAR(255) NOT NULL,
				event_data JSONB,
				occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
				resulting_execution_id VARCHAR(255) NOT NULL DEFAULT '',
				error TEXT NOT NULL DEFAULT '',
				dedup_key VARCHAR(255) NOT NULL DEFAULT '',
				seq BIGSERIAL
			);

			CREATE INDEX idx_trigger_events_trigger_id ON trigger_events(trigger_id);
			CREATE UNIQUE INDEX trigger_events_dedup_key
				ON trigger_events(trigger_id, dedup_key)
				WHERE dedup_key <> '';

			-- Execution state, guarded by the store_version token.
			CREATE TABLE executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				workflow_version INT NOT NULL,
				status VARCHAR(50) NOT NULL,
				current_steps JSONB,
				context JSONB,
				metadata JSONB,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				sla_deadline TIMESTAMP WITH TIME ZONE,
				store_version BIGINT NOT NULL
			);

			CREATE INDEX idx_executions_workflow_id ON executions(workflow_id);
			CREATE INDEX idx_executions_status ON executions(status);

			-- Append-only step activation history. The unique constraint on
			-- (execution_id, step_id, attempt) is the dispatch idempotency key.
			CREATE TABLE step_executions (
				id VARCHAR(255) PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL,
				step_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				attempt INT NOT NULL,
				input JSONB,
				output JSONB,
				error TEXT NOT NULL DEFAULT '',
				resume_token VARCHAR(255) NOT NULL DEFAULT '',
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				seq BIGSERIAL,
				CONSTRAINT step_executions_dispatch_key UNIQUE (execution_id, step_id, attempt)
			);

			CREATE INDEX idx_step_executions_execution_id ON step_executions(execution_id);
			CREATE INDEX idx_step_executions_resume_token
				ON step_executions(resume_token)
				WHERE resume_token <> '' AND status = 'suspended';
		`,
	}
}
