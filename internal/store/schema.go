package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is the full DDL, idempotent so the server can run it at boot.
// Tags are stored lowercased; the && overlap operator against the
// combined tag columns implements tag filtering in SQL.
const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	key_hash             TEXT NOT NULL,
	key_fingerprint      TEXT NOT NULL,
	credits              INTEGER NOT NULL DEFAULT 0,
	reputation           DOUBLE PRECISION NOT NULL DEFAULT 0,
	tasks_posted         INTEGER NOT NULL DEFAULT 0,
	tasks_completed      INTEGER NOT NULL DEFAULT 0,
	accepts_system_tasks BOOLEAN NOT NULL DEFAULT FALSE,
	good_at              TEXT NOT NULL DEFAULT '',
	capability_tags      TEXT[] NOT NULL DEFAULT '{}',
	suspended            BOOLEAN NOT NULL DEFAULT FALSE,
	suspend_reason       TEXT NOT NULL DEFAULT '',
	abandon_count        INTEGER NOT NULL DEFAULT 0,
	last_abandon_at      TIMESTAMPTZ,
	webhook_url          TEXT NOT NULL DEFAULT '',
	webhook_secret       TEXT NOT NULL DEFAULT '',
	referral_code        TEXT NOT NULL DEFAULT '',
	referred_by          TEXT NOT NULL DEFAULT '',
	referral_source      TEXT NOT NULL DEFAULT '',
	referral_bonus_paid  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS agents_key_fingerprint_idx ON agents (key_fingerprint);
CREATE UNIQUE INDEX IF NOT EXISTS agents_referral_code_idx ON agents (referral_code) WHERE referral_code <> '';

CREATE TABLE IF NOT EXISTS tasks (
	id                       TEXT PRIMARY KEY,
	poster_id                TEXT NOT NULL REFERENCES agents (id),
	worker_id                TEXT NOT NULL DEFAULT '',
	need                     TEXT NOT NULL,
	context                  TEXT NOT NULL DEFAULT '',
	result                   TEXT NOT NULL DEFAULT '',
	status                   TEXT NOT NULL,
	max_credits              INTEGER NOT NULL,
	credits_charged          INTEGER NOT NULL DEFAULT 0,
	tags                     TEXT[] NOT NULL DEFAULT '{}',
	extracted_tags           TEXT[] NOT NULL DEFAULT '{}',
	is_system                BOOLEAN NOT NULL DEFAULT FALSE,
	system_task_type         TEXT NOT NULL DEFAULT '',
	parent_task_id           TEXT NOT NULL DEFAULT '',
	match_status             TEXT NOT NULL DEFAULT '',
	match_deadline           TIMESTAMPTZ,
	verification_status      TEXT NOT NULL DEFAULT '',
	verification_result      TEXT NOT NULL DEFAULT '',
	verification_deadline    TIMESTAMPTZ,
	rejection_count          INTEGER NOT NULL DEFAULT 0,
	rejection_reason         TEXT NOT NULL DEFAULT '',
	rejection_grace_deadline TIMESTAMPTZ,
	review_timeout_minutes   INTEGER NOT NULL DEFAULT 0,
	claim_timeout_minutes    INTEGER NOT NULL DEFAULT 0,
	claim_deadline           TIMESTAMPTZ,
	created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
	claimed_at               TIMESTAMPTZ,
	delivered_at             TIMESTAMPTZ,
	expires_at               TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS tasks_status_created_idx ON tasks (status, created_at);
CREATE INDEX IF NOT EXISTS tasks_match_status_idx ON tasks (match_status);
CREATE INDEX IF NOT EXISTS tasks_parent_idx ON tasks (parent_task_id) WHERE parent_task_id <> '';
CREATE INDEX IF NOT EXISTS tasks_system_status_idx ON tasks (is_system, status);
CREATE INDEX IF NOT EXISTS tasks_worker_idx ON tasks (worker_id) WHERE worker_id <> '';
CREATE INDEX IF NOT EXISTS tasks_poster_idx ON tasks (poster_id);

CREATE TABLE IF NOT EXISTS credit_ledger (
	id         TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL REFERENCES agents (id),
	amount     INTEGER NOT NULL,
	reason     TEXT NOT NULL,
	task_id    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ledger_agent_created_idx ON credit_ledger (agent_id, created_at);
CREATE INDEX IF NOT EXISTS ledger_task_idx ON credit_ledger (task_id) WHERE task_id <> '';

CREATE TABLE IF NOT EXISTS task_matches (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL REFERENCES tasks (id),
	agent_id   TEXT NOT NULL REFERENCES agents (id),
	rank       INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (task_id, agent_id)
);

CREATE TABLE IF NOT EXISTS ratings (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL REFERENCES tasks (id),
	rater_id   TEXT NOT NULL REFERENCES agents (id),
	rated_id   TEXT NOT NULL REFERENCES agents (id),
	score      INTEGER NOT NULL CHECK (score BETWEEN 1 AND 5),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (task_id, rater_id)
);

CREATE TABLE IF NOT EXISTS reports (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL DEFAULT '',
	reporter_id TEXT NOT NULL REFERENCES agents (id),
	reason      TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'open',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// InitSchema creates all tables and indexes if they do not exist.
func InitSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}
