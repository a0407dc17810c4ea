package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/theirongolddev/tcap/internal/model"
)

// SessionMeta is the session state carried with a commit. Stored session
// fields are only ever filled in, never changed; a non-zero EndedAt closes
// an open session.
type SessionMeta struct {
	SessionID    string
	StartedAt    time.Time
	EndedAt      time.Time
	TerminalKind string
	Tags         []string
	ProjectPath  string
	// LastSeq is the highest sequence number consumed for the session,
	// including records merged away or filtered out.
	LastSeq int64
}

// CommitChunk stores c (which may be nil) together with the session row in
// one transaction. Either everything is visible afterwards or nothing is.
func (h *WriteHandle) CommitChunk(ctx context.Context, meta SessionMeta, c *model.Chunk) error {
	if meta.SessionID == "" {
		return fmt.Errorf("commit: empty session id")
	}
	if c != nil && c.SessionID != meta.SessionID {
		return fmt.Errorf("commit: chunk belongs to session %s, not %s", c.SessionID, meta.SessionID)
	}
	now := time.Now().UnixNano()

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	started := nanos(meta.StartedAt)
	if started == 0 {
		started = now
	}
	lastSeq := meta.LastSeq
	if c != nil {
		for _, p := range c.Events {
			lastSeq = max(lastSeq, p.Seq)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, started_at_ns, terminal_kind, project_path, tags, last_seq, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			last_seq      = MAX(sessions.last_seq, excluded.last_seq),
			terminal_kind = CASE WHEN sessions.terminal_kind = '' THEN excluded.terminal_kind ELSE sessions.terminal_kind END,
			project_path  = CASE WHEN sessions.project_path = '' THEN excluded.project_path ELSE sessions.project_path END,
			tags          = CASE WHEN sessions.tags = '' THEN excluded.tags ELSE sessions.tags END`,
		meta.SessionID, started, meta.TerminalKind, meta.ProjectPath, encodeTags(meta.Tags), lastSeq, now,
	); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	var chunkID sql.NullString
	if c != nil {
		if err := insertChunk(ctx, tx, c, now); err != nil {
			return err
		}
		chunkID = sql.NullString{String: c.ChunkID, Valid: true}
	}

	if !meta.EndedAt.IsZero() {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET ended_at_ns = MAX(?, started_at_ns)
			WHERE session_id = ? AND ended_at_ns IS NULL`,
			nanos(meta.EndedAt), meta.SessionID,
		); err != nil {
			return fmt.Errorf("close session: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO commits (session_id, chunk_id, committed_at_ns) VALUES (?, ?, ?)`,
		meta.SessionID, chunkID, now,
	); err != nil {
		return fmt.Errorf("record commit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertChunk(ctx context.Context, tx *sql.Tx, c *model.Chunk, now int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chunk_index (chunk_id, session_id, range_start, range_end, raw_size,
			compressed_size, checksum, first_at_ns, last_at_ns, committed_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ChunkID, c.SessionID, c.Range.Start, c.Range.End, c.RawSize,
		c.CompressedSize, c.Checksum, nanos(c.FirstAt), nanos(c.LastAt), now,
	); err != nil {
		return fmt.Errorf("insert chunk index: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chunk_payloads (chunk_id, payload) VALUES (?, ?)`, c.ChunkID, c.Payload,
	); err != nil {
		return fmt.Errorf("insert chunk payload: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (session_id, seq, ts_ns, kind, repeat_count, project_path,
			chunk_id, byte_offset, byte_length)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, seq) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range c.Events {
		if _, err := stmt.ExecContext(ctx,
			c.SessionID, p.Seq, nanos(p.Timestamp), string(p.Kind), p.RepeatCount, p.ProjectPath,
			c.ChunkID, p.Offset, p.Length,
		); err != nil {
			return fmt.Errorf("insert event %d: %w", p.Seq, err)
		}
	}
	return nil
}

// CloseIdle closes open sessions whose last stored activity is before
// cutoff, skipping those in active. Each is closed at its last activity
// time. It returns the closed session IDs.
func (h *WriteHandle) CloseIdle(ctx context.Context, cutoff time.Time, active map[string]bool) ([]string, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT s.session_id, MAX(s.started_at_ns, COALESCE(MAX(ci.last_at_ns), 0))
		FROM sessions s LEFT JOIN chunk_index ci ON ci.session_id = s.session_id
		WHERE s.ended_at_ns IS NULL
		GROUP BY s.session_id`)
	if err != nil {
		return nil, fmt.Errorf("listing open sessions: %w", err)
	}
	type idle struct {
		id   string
		last int64
	}
	var candidates []idle
	for rows.Next() {
		var s idle
		if err := rows.Scan(&s.id, &s.last); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning open session: %w", err)
		}
		if s.last < cutoff.UnixNano() && !active[s.id] {
			candidates = append(candidates, s)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	var closed []string
	for _, s := range candidates {
		err := h.CommitChunk(ctx, SessionMeta{SessionID: s.id, EndedAt: time.Unix(0, s.last)}, nil)
		if err != nil {
			return closed, err
		}
		closed = append(closed, s.id)
	}
	return closed, nil
}
