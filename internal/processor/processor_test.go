package processor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/tcap/internal/config"
	"github.com/theirongolddev/tcap/internal/model"
	"github.com/theirongolddev/tcap/internal/queue"
	"github.com/theirongolddev/tcap/internal/store"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	q   *queue.Queue
	st  *store.WriteHandle
	cfg config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ws := store.Workspace{Root: t.TempDir()}
	st, err := store.OpenWriter(ws)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	q, err := queue.Open(ws.QueueDir(), queue.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return &harness{q: q, st: st, cfg: config.DefaultConfig()}
}

func (h *harness) processor(q Queue) *Processor {
	if q == nil {
		q = h.q
	}
	p := New(q, h.st, config.Static(h.cfg))
	p.now = func() time.Time { return base.Add(time.Minute) }
	return p
}

func (h *harness) push(t *testing.T, session string, seq int64, kind model.Kind, text string) {
	t.Helper()
	_, err := h.q.Append(queue.Record{
		SessionID:   session,
		Seq:         seq,
		Timestamp:   base.Add(time.Duration(seq) * time.Second),
		Kind:        kind,
		Text:        text,
		ProjectPath: "/src/app",
	})
	require.NoError(t, err)
}

func (h *harness) events(t *testing.T, session string) []model.Event {
	t.Helper()
	page, err := h.st.ListEvents(context.Background(), store.EventFilter{SessionID: session})
	require.NoError(t, err)
	return page.Events
}

func TestCommandDedupAcrossBuffer(t *testing.T) {
	h := newHarness(t)
	h.push(t, "s1", 1, model.KindCommand, "pwd")
	h.push(t, "s1", 2, model.KindCommand, "ls")
	h.push(t, "s1", 3, model.KindCommand, "pwd")

	stats, err := h.processor(nil).RunCycle(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Drained)
	assert.Equal(t, 1, stats.Deduplicated)
	assert.Equal(t, 1, stats.Chunks)

	evs := h.events(t, "s1")
	require.Len(t, evs, 2)
	assert.Equal(t, "pwd", evs[0].Text)
	assert.Equal(t, 2, evs[0].RepeatCount)
	assert.True(t, evs[0].Timestamp.Equal(base.Add(time.Second)), "keeps first timestamp")
	assert.Equal(t, "ls", evs[1].Text)
	assert.Equal(t, 1, evs[1].RepeatCount)
}

func TestCommandDedupStopsAtOutput(t *testing.T) {
	h := newHarness(t)
	h.push(t, "s1", 1, model.KindCommand, "make")
	h.push(t, "s1", 2, model.KindOutput, "ok")
	h.push(t, "s1", 3, model.KindCommand, "vim main.go")
	h.push(t, "s1", 4, model.KindCommand, "make")
	h.push(t, "s1", 5, model.KindError, "main.go:3: undefined: foo")

	stats, err := h.processor(nil).RunCycle(context.Background(), true)
	require.NoError(t, err)
	assert.Zero(t, stats.Deduplicated)

	evs := h.events(t, "s1")
	require.Len(t, evs, 5)
	assert.Equal(t, "make", evs[3].Text)
	assert.Equal(t, 1, evs[0].RepeatCount)
	assert.Equal(t, model.KindError, evs[4].Kind)
}

func TestOutOfOrderSeqStillStored(t *testing.T) {
	h := newHarness(t)
	h.push(t, "s1", 200, model.KindCommand, "make")
	h.push(t, "s1", 100, model.KindError, "build failed")

	stats, err := h.processor(nil).RunCycle(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Drained)
	assert.Zero(t, stats.Duplicates)

	seqs := make(map[string]int64)
	for _, ev := range h.events(t, "s1") {
		seqs[ev.Text] = ev.Seq
	}
	assert.Equal(t, map[string]int64{"make": 200, "build failed": 201}, seqs)
}

func TestOutputDedupConsecutiveOnly(t *testing.T) {
	h := newHarness(t)
	const k = 5
	for i := int64(1); i <= k; i++ {
		h.push(t, "s1", i, model.KindOutput, "retrying connection")
	}
	h.push(t, "s1", k+1, model.KindOutput, "connected")
	h.push(t, "s1", k+2, model.KindOutput, "retrying connection")

	p := h.processor(nil)
	_, err := p.RunCycle(context.Background(), true)
	require.NoError(t, err)

	evs := h.events(t, "s1")
	require.Len(t, evs, 3)
	assert.Equal(t, k, evs[0].RepeatCount)
	assert.Equal(t, 1, evs[2].RepeatCount)

	// A second cycle over an empty queue changes nothing.
	stats, err := p.RunCycle(context.Background(), true)
	require.NoError(t, err)
	assert.Zero(t, stats.Drained)
	assert.Len(t, h.events(t, "s1"), 3)
}

// ackFails simulates a crash between commit and acknowledgement.
type ackFails struct {
	*queue.Queue
}

func (a ackFails) Ack(int64) (bool, error) {
	return false, errors.New("crashed before ack")
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.push(t, "s1", 1, model.KindCommand, "make")
	h.push(t, "s1", 2, model.KindOutput, "ok")
	h.push(t, "s1", 3, model.KindCommand, "make")

	_, err := h.processor(ackFails{h.q}).RunCycle(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, h.events(t, "s1"), 3)

	// A fresh processor sees the same records again.
	stats, err := h.processor(nil).RunCycle(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Drained)
	assert.Equal(t, 3, stats.Duplicates)
	assert.Zero(t, stats.Chunks)

	evs := h.events(t, "s1")
	require.Len(t, evs, 3)
	assert.Equal(t, 1, evs[0].RepeatCount)

	depth, err := h.q.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth.PendingRecords)
}

func TestInterleavedSessionsStaySeparate(t *testing.T) {
	h := newHarness(t)
	h.push(t, "a", 1, model.KindCommand, "make")
	h.push(t, "b", 1, model.KindCommand, "make")
	h.push(t, "a", 2, model.KindError, "undefined: foo")
	h.push(t, "b", 2, model.KindOutput, "ok")

	_, err := h.processor(nil).RunCycle(context.Background(), true)
	require.NoError(t, err)

	a := h.events(t, "a")
	b := h.events(t, "b")
	require.Len(t, a, 2)
	require.Len(t, b, 2)
	assert.Equal(t, 1, a[0].RepeatCount)
	assert.Equal(t, model.KindError, a[1].Kind)
	assert.Equal(t, model.KindOutput, b[1].Kind)
	for _, ev := range a {
		assert.Equal(t, "a", ev.SessionID)
	}
}

func TestProcessorFiltersExcludedText(t *testing.T) {
	h := newHarness(t)
	h.push(t, "s1", 1, model.KindCommand, "export API_KEY=canary-7f3a")
	h.push(t, "s1", 2, model.KindCommand, "ls")

	stats, err := h.processor(nil).RunCycle(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Filtered)

	evs := h.events(t, "s1")
	require.Len(t, evs, 1)
	assert.Equal(t, "ls", evs[0].Text)
	for _, ev := range evs {
		assert.NotContains(t, ev.Text, "canary-7f3a")
	}

	seq, err := h.st.LastSeq(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}

func TestAckHoldsUncommittedRecords(t *testing.T) {
	h := newHarness(t)
	h.push(t, "open", 1, model.KindCommand, "vim main.go")
	h.push(t, "done", 1, model.KindCommand, "ls")
	h.push(t, "done", 2, model.KindSessionEnd, "")

	p := h.processor(nil)
	batch, err := h.q.Drain(0)
	require.NoError(t, err)
	require.Len(t, batch.Records, 3)

	stats, err := p.RunCycle(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Chunks)
	assert.Equal(t, 1, stats.Closed)
	assert.Equal(t, 1, stats.Held)

	st, err := h.q.State()
	require.NoError(t, err)
	assert.Equal(t, batch.Records[0].Offset, st.Offset, "ack must stop at the open session's first record")

	done, err := h.st.GetSession(context.Background(), "done")
	require.NoError(t, err)
	assert.True(t, done.Closed())

	stats, err = p.RunCycle(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Chunks)
	st, err = h.q.State()
	require.NoError(t, err)
	assert.Equal(t, batch.End, st.Offset)
}

func TestChunkSizeTriggersCommit(t *testing.T) {
	h := newHarness(t)
	h.cfg.Storage.MaxChunkSize = 256
	for i := int64(1); i <= 10; i++ {
		h.push(t, "s1", i, model.KindOutput, strings.Repeat("x", 40)+string(rune('a'+i)))
	}

	stats, err := h.processor(nil).RunCycle(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Chunks)
	assert.Len(t, h.events(t, "s1"), 10)
}

func TestIdleSessionClosedAtLastActivity(t *testing.T) {
	h := newHarness(t)
	h.push(t, "s1", 1, model.KindCommand, "ls")
	h.push(t, "s1", 2, model.KindOutput, "a b c")

	p := h.processor(nil)
	p.now = func() time.Time { return base.Add(2 * time.Hour) }
	stats, err := p.RunCycle(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Closed)

	s, err := h.st.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, s.Closed())
	assert.True(t, s.EndedAt.Equal(base.Add(2*time.Second)), "ended_at = %v", s.EndedAt)
}

func TestSessionStartMetadata(t *testing.T) {
	h := newHarness(t)
	h.push(t, "s1", 1, model.KindSessionStart, "terminal=zsh&tag=work&tag=infra")

	stats, err := h.processor(nil).RunCycle(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, stats.Chunks)

	s, err := h.st.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "zsh", s.TerminalKind)
	assert.Equal(t, []string{"work", "infra"}, s.Tags)
	assert.Equal(t, "/src/app", s.ProjectPath)
	assert.True(t, s.StartedAt.Equal(base.Add(time.Second)))
}

func TestRunServesFlush(t *testing.T) {
	h := newHarness(t)
	p := h.processor(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, time.Hour, nil) }()

	h.push(t, "s1", 1, model.KindCommand, "go test ./...")

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	stats, err := p.Flush(flushCtx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Chunks)

	cancel()
	require.NoError(t, <-done)
	assert.Len(t, h.events(t, "s1"), 1)
}
