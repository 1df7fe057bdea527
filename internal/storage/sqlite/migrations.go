package sqlite

import "database/sql"

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    course_id        TEXT NOT NULL,
    conversation_id  TEXT NOT NULL DEFAULT '',
    conversation_url TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'confirmed'
                     CHECK(status IN ('confirmed','started','in_progress',
                                      'completed','failed','abandoned','expired')),
    confirmed_at     DATETIME NOT NULL,
    started_at       DATETIME,
    completed_at     DATETIME,
    expires_at       DATETIME NOT NULL,
    ttl_seconds      INTEGER NOT NULL,
    accuracy_score   REAL,
    duration_seconds INTEGER,
    metadata         TEXT NOT NULL DEFAULT '{}',
    updated_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC);

CREATE TABLE IF NOT EXISTS courses (
    id             TEXT PRIMARY KEY,
    title          TEXT NOT NULL DEFAULT '',
    description    TEXT NOT NULL DEFAULT '',
    video_url      TEXT NOT NULL DEFAULT '',
    ai_context     TEXT NOT NULL DEFAULT '',
    legacy_context TEXT NOT NULL DEFAULT '',
    created_at     DATETIME NOT NULL,
    updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_settings (
    id         INTEGER PRIMARY KEY CHECK(id = 1),
    replica_id TEXT NOT NULL DEFAULT '',
    persona_id TEXT NOT NULL DEFAULT '',
    api_key    TEXT NOT NULL DEFAULT '',
    enabled    INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS completions (
    user_id         TEXT NOT NULL,
    course_id       TEXT NOT NULL,
    completed       INTEGER NOT NULL DEFAULT 0,
    accuracy_score  REAL,
    conversation_id TEXT NOT NULL DEFAULT '',
    completed_at    DATETIME NOT NULL,
    PRIMARY KEY (user_id, course_id)
);

CREATE TABLE IF NOT EXISTS blobs (
    key        TEXT PRIMARY KEY,
    data       BLOB NOT NULL,
    updated_at DATETIME NOT NULL
);
`

func runMigrations(db *sql.DB) error {
	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	// Check current version
	var current int
	row := db.QueryRow("SELECT version FROM schema_version LIMIT 1")
	if err := row.Scan(&current); err != nil {
		// Table doesn't exist or is empty — run initial schema
		current = 0
	}

	if current >= schemaVersion {
		return nil
	}

	if current < 1 {
		if _, err := db.Exec(schemaV1); err != nil {
			return err
		}
	}

	// Upsert schema version
	_, err := db.Exec(`
		DELETE FROM schema_version;
		INSERT INTO schema_version (version) VALUES (?);
	`, schemaVersion)
	return err
}
