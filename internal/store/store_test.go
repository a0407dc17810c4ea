package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/tcap/internal/chunk"
	"github.com/theirongolddev/tcap/internal/model"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func openTestWriter(t *testing.T) (*WriteHandle, Workspace) {
	t.Helper()
	ws := Workspace{Root: t.TempDir()}
	w, err := OpenWriter(ws)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, ws
}

func events(session, project string, seq0 int64, texts ...string) []model.Event {
	out := make([]model.Event, len(texts))
	for i, text := range texts {
		kind := model.KindCommand
		if i%2 == 1 {
			kind = model.KindOutput
		}
		out[i] = model.Event{
			SessionID:   session,
			Seq:         seq0 + int64(i),
			Timestamp:   base.Add(time.Duration(seq0+int64(i)) * time.Second),
			Kind:        kind,
			Text:        text,
			ProjectPath: project,
			RepeatCount: 1,
		}
	}
	return out
}

func commit(t *testing.T, w *WriteHandle, meta SessionMeta, evs []model.Event) *model.Chunk {
	t.Helper()
	c, err := chunk.Build(meta.SessionID, 0, evs, 3)
	require.NoError(t, err)
	require.NoError(t, w.CommitChunk(context.Background(), meta, &c))
	return &c
}

func TestCommitAndRead(t *testing.T) {
	w, ws := openTestWriter(t)
	ctx := context.Background()

	meta := SessionMeta{SessionID: "s1", StartedAt: base, TerminalKind: "zsh", Tags: []string{"work"}, ProjectPath: "/src/app"}
	c := commit(t, w, meta, events("s1", "/src/app", 1, "make test", "ok", "git status"))

	r, err := OpenReader(ws)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	s, err := r.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "zsh", s.TerminalKind)
	assert.Equal(t, []string{"work"}, s.Tags)
	assert.False(t, s.Closed())
	assert.True(t, s.StartedAt.Equal(base))

	page, err := r.ListEvents(ctx, EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, page.Events, 3)
	assert.Equal(t, "make test", page.Events[0].Text)
	assert.Equal(t, model.KindOutput, page.Events[1].Kind)
	assert.Equal(t, "/src/app", page.Events[2].ProjectPath)
	assert.Empty(t, page.CorruptChunks)

	got, err := r.ReadChunk(ctx, c.ChunkID)
	require.NoError(t, err)
	assert.Equal(t, c.Checksum, got.Checksum)
	assert.Len(t, got.Events, 3)

	seq, err := r.LastSeq(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)

	lc, err := r.LastCommit(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), lc.Total)
	assert.Equal(t, c.ChunkID, lc.ChunkID)
}

func TestEventFilters(t *testing.T) {
	w, _ := openTestWriter(t)
	ctx := context.Background()

	commit(t, w, SessionMeta{SessionID: "a", StartedAt: base, ProjectPath: "/src/app"},
		events("a", "/src/app", 1, "ls", "x"))
	commit(t, w, SessionMeta{SessionID: "b", StartedAt: base, ProjectPath: "/src/app/sub"},
		events("b", "/src/app/sub", 10, "pwd"))
	commit(t, w, SessionMeta{SessionID: "c", StartedAt: base, ProjectPath: "/src/application"},
		events("c", "/src/application", 20, "whoami"))

	page, err := w.ListEvents(ctx, EventFilter{ProjectPath: "/src/app/"})
	require.NoError(t, err)
	assert.Len(t, page.Events, 3, "prefix match must not include /src/application")

	page, err = w.ListEvents(ctx, EventFilter{Kinds: []model.Kind{model.KindOutput}})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "x", page.Events[0].Text)

	page, err = w.ListEvents(ctx, EventFilter{Since: base.Add(10 * time.Second), Newest: true})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, "whoami", page.Events[0].Text)

	counts, err := w.CountEvents(ctx, EventFilter{ProjectPath: "/src/app"})
	require.NoError(t, err)
	require.Len(t, counts, 2)
	total := 0
	for _, sc := range counts {
		total += sc.Events
	}
	assert.Equal(t, 3, total)

	sessions, err := w.ListSessions(ctx, SessionFilter{ProjectPath: "/src/app"})
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestReadHandleHasNoCommit(t *testing.T) {
	w, ws := openTestWriter(t)
	commit(t, w, SessionMeta{SessionID: "s1", StartedAt: base}, events("s1", "", 1, "ls"))

	r, err := OpenReader(ws)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	_, ok := any(r).(Committer)
	assert.False(t, ok, "ReadHandle must not expose CommitChunk")

	_, err = r.db.Exec(`INSERT INTO sessions (session_id, started_at_ns, created_at_ns) VALUES ('x', 1, 1)`)
	assert.Error(t, err, "query_only connection accepted a write")
	_, err = r.db.Exec(`DELETE FROM events`)
	assert.Error(t, err)

	page, err := r.ListEvents(context.Background(), EventFilter{})
	require.NoError(t, err)
	assert.Len(t, page.Events, 1)
}

func TestListEventsPagesWithCursor(t *testing.T) {
	w, _ := openTestWriter(t)
	ctx := context.Background()

	// Same timestamps across sessions exercise the tie-break.
	commit(t, w, SessionMeta{SessionID: "a", StartedAt: base}, events("a", "", 1, "a1", "a2", "a3"))
	commit(t, w, SessionMeta{SessionID: "b", StartedAt: base}, events("b", "", 1, "b1", "b2", "b3"))

	for _, newest := range []bool{false, true} {
		var got []string
		f := EventFilter{Newest: newest, Limit: 2}
		for {
			page, err := w.ListEvents(ctx, f)
			require.NoError(t, err)
			for _, ev := range page.Events {
				got = append(got, ev.Text)
			}
			if page.Next == nil {
				break
			}
			f.After = page.Next
		}
		want := []string{"a1", "b1", "a2", "b2", "a3", "b3"}
		if newest {
			want = []string{"a3", "b3", "a2", "b2", "a1", "b1"}
		}
		assert.Equal(t, want, got, "newest=%v", newest)
	}
}

func TestOpenReaderMissingStore(t *testing.T) {
	_, err := OpenReader(Workspace{Root: t.TempDir()})
	assert.ErrorIs(t, err, ErrNoStore)
}

func TestCorruptChunkIsolated(t *testing.T) {
	w, _ := openTestWriter(t)
	ctx := context.Background()

	bad := commit(t, w, SessionMeta{SessionID: "bad", StartedAt: base}, events("bad", "", 1, "rm -rf build"))
	commit(t, w, SessionMeta{SessionID: "good", StartedAt: base}, events("good", "", 1, "make"))

	_, err := w.db.Exec(`UPDATE chunk_payloads SET payload = ? WHERE chunk_id = ?`, []byte("garbage"), bad.ChunkID)
	require.NoError(t, err)

	_, err = w.ReadChunk(ctx, bad.ChunkID)
	assert.ErrorIs(t, err, chunk.ErrChecksumMismatch)

	page, err := w.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "make", page.Events[0].Text)
	assert.Equal(t, []string{bad.ChunkID}, page.CorruptChunks)
}

func TestCommitIsAtomic(t *testing.T) {
	w, _ := openTestWriter(t)
	ctx := context.Background()

	c, err := chunk.Build("s1", 0, events("s1", "", 1, "ls"), 3)
	require.NoError(t, err)
	require.NoError(t, w.CommitChunk(ctx, SessionMeta{SessionID: "s1", StartedAt: base}, &c))

	// Same chunk ID again violates the primary key; nothing from the second
	// commit may be visible.
	c2, err := chunk.Build("s1", c.Range.End, events("s1", "", 2, "pwd"), 3)
	require.NoError(t, err)
	c2.ChunkID = c.ChunkID
	err = w.CommitChunk(ctx, SessionMeta{SessionID: "s1", EndedAt: base.Add(time.Hour)}, &c2)
	require.Error(t, err)

	s, err := w.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, s.Closed())
	seq, err := w.LastSeq(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
	lc, err := w.LastCommit(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), lc.Total)
}

func TestSessionClose(t *testing.T) {
	w, _ := openTestWriter(t)
	ctx := context.Background()

	require.NoError(t, w.CommitChunk(ctx, SessionMeta{SessionID: "s1", StartedAt: base}, nil))
	// An end before the start is clamped.
	require.NoError(t, w.CommitChunk(ctx, SessionMeta{SessionID: "s1", EndedAt: base.Add(-time.Minute)}, nil))

	s, err := w.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, s.Closed())
	assert.False(t, s.EndedAt.Before(s.StartedAt))

	// A second close does not move the end time.
	require.NoError(t, w.CommitChunk(ctx, SessionMeta{SessionID: "s1", EndedAt: base.Add(time.Hour)}, nil))
	s2, err := w.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, s2.EndedAt.Equal(s.EndedAt))

	_, err = w.GetSession(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCloseIdle(t *testing.T) {
	w, _ := openTestWriter(t)
	ctx := context.Background()

	commit(t, w, SessionMeta{SessionID: "old", StartedAt: base}, events("old", "", 1, "ls", "a"))
	commit(t, w, SessionMeta{SessionID: "busy", StartedAt: base}, events("busy", "", 1, "ls"))
	require.NoError(t, w.CommitChunk(ctx, SessionMeta{SessionID: "new", StartedAt: base.Add(2 * time.Hour)}, nil))

	closed, err := w.CloseIdle(ctx, base.Add(time.Hour), map[string]bool{"busy": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, closed)

	s, err := w.GetSession(ctx, "old")
	require.NoError(t, err)
	assert.True(t, s.EndedAt.Equal(base.Add(2*time.Second)), "closed at last activity, got %v", s.EndedAt)
}

func TestMigrateFromV1(t *testing.T) {
	ws := Workspace{Root: t.TempDir()}
	require.NoError(t, ws.Prepare())

	db, err := sql.Open("sqlite", ws.IndexPath())
	require.NoError(t, err)
	_, err = db.Exec(schemaSQL)
	require.NoError(t, err)
	_, err = db.Exec(`PRAGMA user_version = 1`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO sessions (session_id, started_at_ns, created_at_ns) VALUES ('legacy', ?, ?)`,
		base.UnixNano(), base.UnixNano())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	w, err := OpenWriter(ws)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	var version int
	require.NoError(t, w.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)

	s, err := w.GetSession(context.Background(), "legacy")
	require.NoError(t, err)
	assert.Empty(t, s.Tags)
}

func TestWorkspaceRefusesNewerLayout(t *testing.T) {
	ws := Workspace{Root: t.TempDir()}
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root, versionName), []byte("99\n"), 0o600))

	_, err := OpenWriter(ws)
	assert.ErrorIs(t, err, ErrUnsupportedLayout)
}
