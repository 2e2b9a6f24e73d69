package store

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS team_budgets (
	team_id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL DEFAULT '',
	budget_mode TEXT NOT NULL,
	markup_percentage TEXT NOT NULL DEFAULT '0',
	credits_allocated INTEGER NOT NULL DEFAULT 0 CHECK (credits_allocated >= 0),
	credits_used INTEGER NOT NULL DEFAULT 0 CHECK (credits_used >= 0),
	credits_per_dollar TEXT NOT NULL DEFAULT '0',
	tokens_per_credit INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	team_id TEXT NOT NULL REFERENCES team_budgets(team_id),
	job_type TEXT NOT NULL,
	external_id TEXT,
	state TEXT NOT NULL,
	metadata TEXT,
	credit_applied INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	summary TEXT,
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_team_external ON jobs(team_id, external_id) WHERE external_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_team_created ON jobs(team_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS job_model_groups (
	job_id TEXT NOT NULL REFERENCES jobs(id),
	model_group TEXT NOT NULL,
	PRIMARY KEY (job_id, model_group)
)`,
	`CREATE TABLE IF NOT EXISTS calls (
	id TEXT PRIMARY KEY,
	seq INTEGER NOT NULL,
	job_id TEXT NOT NULL REFERENCES jobs(id),
	model_group TEXT NOT NULL,
	resolved_model TEXT NOT NULL,
	provider TEXT NOT NULL,
	status TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	price_input TEXT NOT NULL,
	price_output TEXT NOT NULL,
	price_fallback INTEGER NOT NULL DEFAULT 0,
	markup_percentage TEXT NOT NULL DEFAULT '0',
	provider_cost TEXT,
	client_cost TEXT,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	error_type TEXT NOT NULL DEFAULT '',
	purpose TEXT NOT NULL DEFAULT '',
	finish_reason TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 1,
	streamed INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	deadline_at DATETIME NOT NULL,
	completed_at DATETIME
)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_job ON calls(job_id, seq)`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	team_id TEXT NOT NULL REFERENCES team_budgets(team_id),
	job_id TEXT,
	type TEXT NOT NULL,
	amount INTEGER NOT NULL CHECK (amount > 0),
	balance_before INTEGER NOT NULL,
	balance_after INTEGER NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_tx_team ON credit_transactions(team_id, seq)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_tx_job_deduction ON credit_transactions(job_id) WHERE type = 'deduction' AND job_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS model_groups (
	name TEXT PRIMARY KEY,
	active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS model_group_members (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	group_name TEXT NOT NULL REFERENCES model_groups(name),
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1
)`,
	`CREATE INDEX IF NOT EXISTS idx_group_members ON model_group_members(group_name, priority, seq)`,
	`CREATE TABLE IF NOT EXISTS team_model_groups (
	team_id TEXT NOT NULL REFERENCES team_budgets(team_id),
	group_name TEXT NOT NULL REFERENCES model_groups(name),
	PRIMARY KEY (team_id, group_name)
)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS team_budgets (
	team_id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL DEFAULT '',
	budget_mode TEXT NOT NULL,
	markup_percentage NUMERIC NOT NULL DEFAULT 0,
	credits_allocated BIGINT NOT NULL DEFAULT 0 CHECK (credits_allocated >= 0),
	credits_used BIGINT NOT NULL DEFAULT 0 CHECK (credits_used >= 0),
	credits_per_dollar NUMERIC NOT NULL DEFAULT 0,
	tokens_per_credit BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	team_id TEXT NOT NULL REFERENCES team_budgets(team_id),
	job_type TEXT NOT NULL,
	external_id TEXT,
	state TEXT NOT NULL,
	metadata TEXT,
	credit_applied BOOLEAN NOT NULL DEFAULT FALSE,
	error_message TEXT NOT NULL DEFAULT '',
	summary TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_team_external ON jobs(team_id, external_id) WHERE external_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_team_created ON jobs(team_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS job_model_groups (
	job_id TEXT NOT NULL REFERENCES jobs(id),
	model_group TEXT NOT NULL,
	PRIMARY KEY (job_id, model_group)
)`,
	`CREATE TABLE IF NOT EXISTS calls (
	id TEXT PRIMARY KEY,
	seq BIGINT NOT NULL,
	job_id TEXT NOT NULL REFERENCES jobs(id),
	model_group TEXT NOT NULL,
	resolved_model TEXT NOT NULL,
	provider TEXT NOT NULL,
	status TEXT NOT NULL,
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	price_input NUMERIC NOT NULL,
	price_output NUMERIC NOT NULL,
	price_fallback BOOLEAN NOT NULL DEFAULT FALSE,
	markup_percentage NUMERIC NOT NULL DEFAULT 0,
	provider_cost NUMERIC,
	client_cost NUMERIC,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	error TEXT,
	error_type TEXT NOT NULL DEFAULT '',
	purpose TEXT NOT NULL DEFAULT '',
	finish_reason TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 1,
	streamed BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	deadline_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_job ON calls(job_id, seq)`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	team_id TEXT NOT NULL REFERENCES team_budgets(team_id),
	job_id TEXT,
	type TEXT NOT NULL,
	amount BIGINT NOT NULL CHECK (amount > 0),
	balance_before BIGINT NOT NULL,
	balance_after BIGINT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_tx_team ON credit_transactions(team_id, seq)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_tx_job_deduction ON credit_transactions(job_id) WHERE type = 'deduction' AND job_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS model_groups (
	name TEXT PRIMARY KEY,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS model_group_members (
	seq BIGSERIAL PRIMARY KEY,
	group_name TEXT NOT NULL REFERENCES model_groups(name),
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT TRUE
)`,
	`CREATE INDEX IF NOT EXISTS idx_group_members ON model_group_members(group_name, priority, seq)`,
	`CREATE TABLE IF NOT EXISTS team_model_groups (
	team_id TEXT NOT NULL REFERENCES team_budgets(team_id),
	group_name TEXT NOT NULL REFERENCES model_groups(name),
	PRIMARY KEY (team_id, group_name)
)`,
}
