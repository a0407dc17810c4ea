package store

// schemaSQL is the version 1 schema. Later versions are reached through
// migrations so that older stores upgrade in place.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id     TEXT PRIMARY KEY,
    started_at_ns  INTEGER NOT NULL,
    ended_at_ns    INTEGER,
    terminal_kind  TEXT NOT NULL DEFAULT '',
    project_path   TEXT NOT NULL DEFAULT '',
    last_seq       INTEGER NOT NULL DEFAULT 0,
    created_at_ns  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunk_index (
    chunk_id         TEXT PRIMARY KEY,
    session_id       TEXT NOT NULL REFERENCES sessions(session_id),
    range_start      INTEGER NOT NULL,
    range_end        INTEGER NOT NULL,
    raw_size         INTEGER NOT NULL,
    compressed_size  INTEGER NOT NULL,
    checksum         TEXT NOT NULL,
    first_at_ns      INTEGER NOT NULL,
    last_at_ns       INTEGER NOT NULL,
    committed_at_ns  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunk_payloads (
    chunk_id  TEXT PRIMARY KEY REFERENCES chunk_index(chunk_id),
    payload   BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    session_id    TEXT NOT NULL REFERENCES sessions(session_id),
    seq           INTEGER NOT NULL,
    ts_ns         INTEGER NOT NULL,
    kind          TEXT NOT NULL,
    repeat_count  INTEGER NOT NULL,
    project_path  TEXT NOT NULL DEFAULT '',
    chunk_id      TEXT NOT NULL REFERENCES chunk_index(chunk_id),
    byte_offset   INTEGER NOT NULL,
    byte_length   INTEGER NOT NULL,
    PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS commits (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id       TEXT NOT NULL,
    chunk_id         TEXT,
    committed_at_ns  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at_ns);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_path);
CREATE INDEX IF NOT EXISTS idx_chunks_session ON chunk_index(session_id, range_start);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_ns);
CREATE INDEX IF NOT EXISTS idx_events_kind_ts ON events(kind, ts_ns);
CREATE INDEX IF NOT EXISTS idx_events_project ON events(project_path);
`

// currentSchemaVersion is tracked in PRAGMA user_version:
//
//	1 - initial schema
//	2 - sessions.tags
const currentSchemaVersion = 2

type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 2,
		stmts: []string{
			`ALTER TABLE sessions ADD COLUMN tags TEXT NOT NULL DEFAULT ''`,
		},
	},
}
