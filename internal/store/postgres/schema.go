package postgres

// Schema is the DDL applied by the orchestrator's migration step on boot,
// kept as a single embedded string next to the store that uses it.
const Schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id              UUID PRIMARY KEY,
	owner           TEXT NOT NULL,
	name            TEXT NOT NULL,
	type            TEXT NOT NULL,
	status          TEXT NOT NULL,
	context         JSONB NOT NULL DEFAULT '{}',
	total_nodes     INT NOT NULL DEFAULT 0,
	completed_nodes INT NOT NULL DEFAULT 0,
	is_template     BOOLEAN NOT NULL DEFAULT FALSE,
	error           TEXT NOT NULL DEFAULT '',
	version         INT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	metadata        JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS workflow_template_archive (
	id           UUID PRIMARY KEY,
	workflow_id  UUID NOT NULL,
	definition   JSONB NOT NULL,
	archived_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS nodes (
	id             UUID PRIMARY KEY,
	workflow_id    UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	name           TEXT NOT NULL,
	kind           TEXT NOT NULL,
	status         TEXT NOT NULL,
	config         JSONB NOT NULL DEFAULT '{}',
	input          JSONB NOT NULL DEFAULT '{}',
	output         JSONB NOT NULL DEFAULT '{}',
	retry_count    INT NOT NULL DEFAULT 0,
	retry_policy   JSONB NOT NULL DEFAULT '{}',
	subtask_id     UUID,
	loop_iteration INT NOT NULL DEFAULT 0,
	error          TEXT NOT NULL DEFAULT '',
	version        INT NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_nodes_workflow ON nodes(workflow_id);

CREATE TABLE IF NOT EXISTS edges (
	id            UUID PRIMARY KEY,
	workflow_id   UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	from_node     UUID NOT NULL,
	to_node       UUID NOT NULL,
	condition     TEXT NOT NULL DEFAULT '',
	label         TEXT NOT NULL DEFAULT '',
	is_back_edge  BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_edges_workflow ON edges(workflow_id);

CREATE TABLE IF NOT EXISTS subtasks (
	id               UUID PRIMARY KEY,
	workflow_id      UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	node_id          UUID NOT NULL,
	name             TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	recommended_tool TEXT NOT NULL DEFAULT '',
	privacy          TEXT NOT NULL DEFAULT 'normal',
	depends_on       JSONB NOT NULL DEFAULT '[]',
	priority         INT NOT NULL DEFAULT 5,
	complexity       INT NOT NULL DEFAULT 1,
	status           TEXT NOT NULL,
	progress         INT NOT NULL DEFAULT 0,
	assigned_worker  UUID,
	output           JSONB NOT NULL DEFAULT '{}',
	error            TEXT NOT NULL DEFAULT '',
	timeout_seconds  INT NOT NULL DEFAULT 3600,
	version          INT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_subtasks_workflow ON subtasks(workflow_id);
CREATE INDEX IF NOT EXISTS idx_subtasks_status ON subtasks(status);

CREATE TABLE IF NOT EXISTS workers (
	id             UUID PRIMARY KEY,
	machine_id     TEXT NOT NULL UNIQUE,
	display_name   TEXT NOT NULL DEFAULT '',
	tools          JSONB NOT NULL DEFAULT '[]',
	status         TEXT NOT NULL,
	last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT now(),
	metrics        JSONB NOT NULL DEFAULT '{}',
	system_info    JSONB NOT NULL DEFAULT '{}',
	api_key_id     TEXT NOT NULL DEFAULT '',
	api_key_hash   TEXT NOT NULL DEFAULT '',
	api_key_revoked BOOLEAN NOT NULL DEFAULT FALSE,
	version        INT NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status);
CREATE INDEX IF NOT EXISTS idx_workers_api_key_id ON workers(api_key_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	id           UUID PRIMARY KEY,
	workflow_id  UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	node_id      UUID NOT NULL,
	input        JSONB NOT NULL DEFAULT '{}',
	status       TEXT NOT NULL,
	urgency      TEXT NOT NULL DEFAULT 'normal',
	expires_at   TIMESTAMPTZ NOT NULL,
	assignee     TEXT,
	decision     JSONB,
	version      INT NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status);

CREATE TABLE IF NOT EXISTS schedules (
	id             UUID PRIMARY KEY,
	cron_expr      TEXT NOT NULL,
	template_name  TEXT NOT NULL,
	max_concurrent INT NOT NULL DEFAULT 1,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
