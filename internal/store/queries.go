package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/theirongolddev/tcap/internal/chunk"
	"github.com/theirongolddev/tcap/internal/model"
)

// SessionFilter selects sessions. Zero fields do not filter.
type SessionFilter struct {
	// ProjectPath matches the path itself and everything below it.
	ProjectPath string
	// Since keeps sessions still active at or after Since.
	Since time.Time
	// Until keeps sessions started before Until.
	Until    time.Time
	OpenOnly bool
	Limit    int
}

// EventFilter selects stored events. Zero fields do not filter.
type EventFilter struct {
	SessionID   string
	ProjectPath string
	Since       time.Time
	Until       time.Time
	Kinds       []model.Kind
	// Newest returns the most recent events first.
	Newest bool
	Limit  int
	// After resumes a listing just past this position, in the same order.
	After *EventCursor
}

// EventCursor is a position in ListEvents order.
type EventCursor struct {
	Timestamp time.Time
	SessionID string
	Seq       int64
}

// EventPage is the result of ListEvents. Events from chunks that fail
// verification are left out and their chunk IDs reported. Next is set when
// the page filled Limit and more rows may follow.
type EventPage struct {
	Events        []model.Event
	CorruptChunks []string
	Next          *EventCursor
}

// LastCommit describes the most recent processor commit.
type LastCommit struct {
	At        time.Time `json:"at"`
	SessionID string    `json:"session_id,omitempty"`
	ChunkID   string    `json:"chunk_id,omitempty"`
	Total     int64     `json:"total"`
}

// projectClause matches col against path and its descendants. substr on
// character counts avoids escaping LIKE wildcards in paths.
func projectClause(col, path string) (string, []any) {
	path = strings.TrimRight(path, "/")
	if path == "" {
		return "1=1", nil
	}
	prefix := path + "/"
	return fmt.Sprintf("(%s = ? OR substr(%s, 1, ?) = ?)", col, col),
		[]any{path, utf8.RuneCountInString(prefix), prefix}
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns sql.NullInt64) time.Time {
	if !ns.Valid || ns.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns.Int64)
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	data, _ := json.Marshal(tags)
	return string(data)
}

func decodeTags(s string) []string {
	if s == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil
	}
	return tags
}

const sessionColumns = `session_id, started_at_ns, ended_at_ns, terminal_kind, project_path, tags`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (model.Session, error) {
	var (
		s       model.Session
		started sql.NullInt64
		ended   sql.NullInt64
		tags    string
	)
	if err := r.Scan(&s.SessionID, &started, &ended, &s.TerminalKind, &s.ProjectPath, &tags); err != nil {
		return s, err
	}
	s.StartedAt = fromNanos(started)
	s.EndedAt = fromNanos(ended)
	s.Tags = decodeTags(tags)
	return s, nil
}

// GetSession returns one session by ID.
func (h *ReadHandle) GetSession(ctx context.Context, id string) (model.Session, error) {
	row := h.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return s, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return s, fmt.Errorf("reading session: %w", err)
	}
	return s, nil
}

// ListSessions returns sessions matching f, most recently started first.
func (h *ReadHandle) ListSessions(ctx context.Context, f SessionFilter) ([]model.Session, error) {
	var (
		where []string
		args  []any
	)
	if f.ProjectPath != "" {
		clause, a := projectClause("project_path", f.ProjectPath)
		where = append(where, clause)
		args = append(args, a...)
	}
	if !f.Since.IsZero() {
		where = append(where, "(ended_at_ns IS NULL OR ended_at_ns >= ?)")
		args = append(args, nanos(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "started_at_ns < ?")
		args = append(args, nanos(f.Until))
	}
	if f.OpenOnly {
		where = append(where, "ended_at_ns IS NULL")
	}

	q := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at_ns DESC, session_id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := h.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ReadChunk loads a chunk with its event pointers and verifies the payload
// checksum. A mismatch returns chunk.ErrChecksumMismatch.
func (h *ReadHandle) ReadChunk(ctx context.Context, id string) (model.Chunk, error) {
	var (
		c           model.Chunk
		first, last sql.NullInt64
	)
	err := h.db.QueryRowContext(ctx, `
		SELECT ci.chunk_id, ci.session_id, ci.range_start, ci.range_end, ci.raw_size,
		       ci.compressed_size, ci.checksum, ci.first_at_ns, ci.last_at_ns, cp.payload
		FROM chunk_index ci JOIN chunk_payloads cp ON cp.chunk_id = ci.chunk_id
		WHERE ci.chunk_id = ?`, id).Scan(
		&c.ChunkID, &c.SessionID, &c.Range.Start, &c.Range.End, &c.RawSize,
		&c.CompressedSize, &c.Checksum, &first, &last, &c.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("chunk %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("reading chunk: %w", err)
	}
	c.FirstAt = fromNanos(first)
	c.LastAt = fromNanos(last)

	if _, err := chunk.Open(c.Payload, c.Checksum); err != nil {
		return c, fmt.Errorf("chunk %s: %w", id, err)
	}

	rows, err := h.db.QueryContext(ctx, `
		SELECT seq, ts_ns, kind, repeat_count, project_path, byte_offset, byte_length
		FROM events WHERE chunk_id = ? ORDER BY byte_offset`, id)
	if err != nil {
		return c, fmt.Errorf("reading chunk events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			p  model.EventPointer
			ts int64
		)
		if err := rows.Scan(&p.Seq, &ts, &p.Kind, &p.RepeatCount, &p.ProjectPath, &p.Offset, &p.Length); err != nil {
			return c, fmt.Errorf("scanning chunk event: %w", err)
		}
		p.Timestamp = time.Unix(0, ts)
		c.Events = append(c.Events, p)
	}
	return c, rows.Err()
}

type eventRow struct {
	sessionID string
	chunkID   string
	ptr       model.EventPointer
}

// ListEvents returns stored events matching f, ordered by time. Only the
// chunks holding matching events are decompressed, each at most once.
func (h *ReadHandle) ListEvents(ctx context.Context, f EventFilter) (EventPage, error) {
	where, args := eventWhere(f)
	order := "ts_ns, session_id, seq"
	if f.Newest {
		order = "ts_ns DESC, session_id, seq DESC"
	}
	q := `SELECT session_id, chunk_id, seq, ts_ns, kind, repeat_count, project_path, byte_offset, byte_length
		FROM events` + where + ` ORDER BY ` + order
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := h.db.QueryContext(ctx, q, args...)
	if err != nil {
		return EventPage{}, fmt.Errorf("listing events: %w", err)
	}
	var found []eventRow
	for rows.Next() {
		var (
			r  eventRow
			ts int64
		)
		if err := rows.Scan(&r.sessionID, &r.chunkID, &r.ptr.Seq, &ts, &r.ptr.Kind,
			&r.ptr.RepeatCount, &r.ptr.ProjectPath, &r.ptr.Offset, &r.ptr.Length); err != nil {
			_ = rows.Close()
			return EventPage{}, fmt.Errorf("scanning event: %w", err)
		}
		r.ptr.Timestamp = time.Unix(0, ts)
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return EventPage{}, fmt.Errorf("listing events: %w", err)
	}
	_ = rows.Close()

	var page EventPage
	if n := len(found); f.Limit > 0 && n == f.Limit {
		last := found[n-1]
		page.Next = &EventCursor{Timestamp: last.ptr.Timestamp, SessionID: last.sessionID, Seq: last.ptr.Seq}
	}
	payloads := make(map[string][]byte)
	corrupt := make(map[string]bool)
	for _, r := range found {
		if corrupt[r.chunkID] {
			continue
		}
		raw, ok := payloads[r.chunkID]
		if !ok {
			raw, err = h.chunkRaw(ctx, r.chunkID)
			if err != nil {
				if !errors.Is(err, chunk.ErrChecksumMismatch) {
					return EventPage{}, err
				}
				slog.Warn("skipping corrupt chunk", "chunk_id", r.chunkID, "session_id", r.sessionID, "error", err)
				corrupt[r.chunkID] = true
				page.CorruptChunks = append(page.CorruptChunks, r.chunkID)
				continue
			}
			payloads[r.chunkID] = raw
		}
		ev, err := chunk.DecodeEvent(r.sessionID, raw, r.ptr)
		if err != nil {
			slog.Warn("skipping undecodable event", "chunk_id", r.chunkID, "seq", r.ptr.Seq, "error", err)
			continue
		}
		page.Events = append(page.Events, ev)
	}
	return page, nil
}

func eventWhere(f EventFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.ProjectPath != "" {
		clause, a := projectClause("project_path", f.ProjectPath)
		where = append(where, clause)
		args = append(args, a...)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts_ns >= ?")
		args = append(args, nanos(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "ts_ns < ?")
		args = append(args, nanos(f.Until))
	}
	if c := f.After; c != nil {
		if f.Newest {
			where = append(where, "(ts_ns < ? OR (ts_ns = ? AND (session_id > ? OR (session_id = ? AND seq < ?))))")
		} else {
			where = append(where, "(ts_ns > ? OR (ts_ns = ? AND (session_id > ? OR (session_id = ? AND seq > ?))))")
		}
		ts := nanos(c.Timestamp)
		args = append(args, ts, ts, c.SessionID, c.SessionID, c.Seq)
	}
	if len(f.Kinds) > 0 {
		marks := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		where = append(where, "kind IN ("+strings.Join(marks, ",")+")")
	}
	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (h *ReadHandle) chunkRaw(ctx context.Context, id string) ([]byte, error) {
	var (
		payload  []byte
		checksum string
	)
	err := h.db.QueryRowContext(ctx, `
		SELECT cp.payload, ci.checksum
		FROM chunk_index ci JOIN chunk_payloads cp ON cp.chunk_id = ci.chunk_id
		WHERE ci.chunk_id = ?`, id).Scan(&payload, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chunk %s: %w", id, chunk.ErrChecksumMismatch)
	}
	if err != nil {
		return nil, fmt.Errorf("reading chunk payload: %w", err)
	}
	raw, err := chunk.Open(payload, checksum)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", id, err)
	}
	return raw, nil
}

// CountEvents returns per-session, per-kind counts of stored events matching
// f, without decompressing any payload. Sessions are ordered by start time.
func (h *ReadHandle) CountEvents(ctx context.Context, f EventFilter) ([]model.SessionCounts, error) {
	where, args := eventWhere(f)
	q := `SELECT e.session_id, s.project_path, s.started_at_ns, s.ended_at_ns, e.kind, COUNT(*)
		FROM (SELECT session_id, kind FROM events` + where + `) e
		JOIN sessions s ON s.session_id = e.session_id
		GROUP BY e.session_id, e.kind
		ORDER BY s.started_at_ns, e.session_id`

	rows, err := h.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.SessionCounts
	index := make(map[string]int)
	for rows.Next() {
		var (
			id, project, kind string
			started, ended    sql.NullInt64
			n                 int
		)
		if err := rows.Scan(&id, &project, &started, &ended, &kind, &n); err != nil {
			return nil, fmt.Errorf("scanning counts: %w", err)
		}
		i, ok := index[id]
		if !ok {
			i = len(out)
			index[id] = i
			out = append(out, model.SessionCounts{
				SessionID:   id,
				ProjectPath: project,
				StartedAt:   fromNanos(started),
				EndedAt:     fromNanos(ended),
			})
		}
		sc := &out[i]
		switch model.Kind(kind) {
		case model.KindCommand:
			sc.Commands += n
		case model.KindOutput:
			sc.Outputs += n
		case model.KindError:
			sc.Errors += n
		}
		sc.Events += n
	}
	return out, rows.Err()
}

// LastSeq returns the highest committed sequence number for a session, or
// 0 for an unknown session.
func (h *ReadHandle) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := h.db.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT last_seq FROM sessions WHERE session_id = ?), 0)`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("reading last seq: %w", err)
	}
	return seq, nil
}

// RangeEnd returns the end of the session's committed raw byte stream, where
// its next chunk starts.
func (h *ReadHandle) RangeEnd(ctx context.Context, sessionID string) (int64, error) {
	var end int64
	err := h.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(range_end), 0) FROM chunk_index WHERE session_id = ?`, sessionID).Scan(&end)
	if err != nil {
		return 0, fmt.Errorf("reading range end: %w", err)
	}
	return end, nil
}

// LastCommit returns the most recent commit, or a zero value if none.
func (h *ReadHandle) LastCommit(ctx context.Context) (LastCommit, error) {
	var lc LastCommit
	if err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commits`).Scan(&lc.Total); err != nil {
		return lc, fmt.Errorf("counting commits: %w", err)
	}
	if lc.Total == 0 {
		return lc, nil
	}
	var (
		at      int64
		chunkID sql.NullString
	)
	err := h.db.QueryRowContext(ctx,
		`SELECT committed_at_ns, session_id, chunk_id FROM commits ORDER BY id DESC LIMIT 1`).
		Scan(&at, &lc.SessionID, &chunkID)
	if err != nil {
		return lc, fmt.Errorf("reading last commit: %w", err)
	}
	lc.At = time.Unix(0, at)
	lc.ChunkID = chunkID.String
	return lc, nil
}
