// Package store is the SQLite-backed session store.
//
// Metadata (sessions, chunk pointers, per-event offsets) lives in tables
// separate from the compressed chunk payloads, so listing and counting
// never decompress anything. The store has two capability types: a
// ReadHandle, opened query-only, which has no commit method at all, and a
// WriteHandle, used only by the queue processor.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/theirongolddev/tcap/internal/model"

	_ "modernc.org/sqlite" // register sqlite driver
)

const (
	indexName   = "index.db"
	versionName = "VERSION"
	queueName   = "queue"

	// layoutVersion is the on-disk workspace layout version.
	layoutVersion = 1
)

var (
	// ErrNotFound is returned for unknown sessions or chunks.
	ErrNotFound = errors.New("not found")
	// ErrNoStore is returned when opening a reader on a workspace that has
	// never been written.
	ErrNoStore = errors.New("session store does not exist")
	// ErrUnsupportedLayout is returned for workspaces written by a newer tcap.
	ErrUnsupportedLayout = errors.New("unsupported workspace layout")
)

// Reader is the read-only store surface.
type Reader interface {
	GetSession(ctx context.Context, id string) (model.Session, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]model.Session, error)
	ReadChunk(ctx context.Context, id string) (model.Chunk, error)
	ListEvents(ctx context.Context, f EventFilter) (EventPage, error)
	CountEvents(ctx context.Context, f EventFilter) ([]model.SessionCounts, error)
	LastSeq(ctx context.Context, sessionID string) (int64, error)
	RangeEnd(ctx context.Context, sessionID string) (int64, error)
	LastCommit(ctx context.Context) (LastCommit, error)
}

// Committer applies one processor commit atomically.
type Committer interface {
	CommitChunk(ctx context.Context, meta SessionMeta, c *model.Chunk) error
}

// Writer is the full surface held by the single queue processor.
type Writer interface {
	Reader
	Committer
}

// Workspace is the versioned root directory holding the index and queue.
type Workspace struct {
	Root string
}

// IndexPath returns the SQLite index path.
func (w Workspace) IndexPath() string { return filepath.Join(w.Root, indexName) }

// QueueDir returns the durable queue directory.
func (w Workspace) QueueDir() string { return filepath.Join(w.Root, queueName) }

// Prepare creates the workspace if needed and checks its layout version.
// A workspace without a VERSION marker predates it and is adopted as
// layout 1.
func (w Workspace) Prepare() error {
	if err := os.MkdirAll(w.Root, 0o700); err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}
	path := filepath.Join(w.Root, versionName)
	data, err := os.ReadFile(path) //nolint:gosec // workspace path is chosen by the local user
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("reading workspace version: %w", err)
		}
		return os.WriteFile(path, []byte(strconv.Itoa(layoutVersion)+"\n"), 0o600)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("%w: bad VERSION %q", ErrUnsupportedLayout, strings.TrimSpace(string(data)))
	}
	if v > layoutVersion {
		return fmt.Errorf("%w: version %d, this build supports %d", ErrUnsupportedLayout, v, layoutVersion)
	}
	return nil
}

// ReadHandle is a query-only connection. It structurally exposes no way to
// modify the store.
type ReadHandle struct {
	db *sql.DB
}

// WriteHandle is the read-write connection used by the queue processor.
type WriteHandle struct {
	ReadHandle
}

var (
	_ Reader = (*ReadHandle)(nil)
	_ Writer = (*WriteHandle)(nil)
)

// OpenWriter opens or creates the store in ws, applying migrations.
func OpenWriter(ws Workspace) (*WriteHandle, error) {
	if err := ws.Prepare(); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", ws.IndexPath()+
		"?_pragma=journal_mode(wal)&_pragma=synchronous(full)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	// SQLite has one writer; a single connection avoids SQLITE_BUSY between
	// our own statements.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &WriteHandle{ReadHandle{db: db}}, nil
}

// OpenReader opens an existing store for queries only. Every connection is
// set to query_only, so SQLite itself rejects writes.
func OpenReader(ws Workspace) (*ReadHandle, error) {
	if _, err := os.Stat(ws.IndexPath()); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s", ErrNoStore, ws.Root)
		}
		return nil, err
	}
	db, err := sql.Open("sqlite", ws.IndexPath()+
		"?_pragma=query_only(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("reading schema version: %w", err)
	}
	if version > currentSchemaVersion {
		_ = db.Close()
		return nil, fmt.Errorf("%w: schema %d, this build supports %d", ErrUnsupportedLayout, version, currentSchemaVersion)
	}
	if version < currentSchemaVersion {
		_ = db.Close()
		return nil, fmt.Errorf("store schema %d is older than %d: start the daemon once to migrate", version, currentSchemaVersion)
	}
	return &ReadHandle{db: db}, nil
}

// Close closes the connection.
func (h *ReadHandle) Close() error {
	return h.db.Close()
}

// applySchema creates the base schema and runs pending migrations in one
// transaction each.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("%w: schema %d, this build supports %d", ErrUnsupportedLayout, version, currentSchemaVersion)
	}
	if version < 1 {
		version = 1
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migrate to v%d: %w", m.version, err)
			}
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("set user_version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate to v%d: %w", m.version, err)
		}
		version = m.version
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
