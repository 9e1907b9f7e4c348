package protocol

// SchemaDDL defines the SQLite schema for the codehook run log.
// One row per supervised worker execution. Execute with db.Exec(SchemaDDL).
const SchemaDDL = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    repository TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_number INTEGER NOT NULL,
    actor TEXT NOT NULL,
    state TEXT NOT NULL,
    exit_code INTEGER NOT NULL DEFAULT 0,
    tier TEXT NOT NULL DEFAULT '',
    servers TEXT NOT NULL DEFAULT '[]',
    working_branch TEXT NOT NULL DEFAULT '',
    branch_degraded INTEGER NOT NULL DEFAULT 0,
    reason TEXT NOT NULL DEFAULT '',
    output TEXT NOT NULL DEFAULT '',
    diagnostics TEXT NOT NULL DEFAULT '',
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS runs_repository ON runs(repository, entity_number);
`
