// Package processor is the single consumer of the durable queue. It
// filters, deduplicates and compresses queued records into chunks and
// commits them to the session store.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/theirongolddev/tcap/internal/capture"
	"github.com/theirongolddev/tcap/internal/chunk"
	"github.com/theirongolddev/tcap/internal/config"
	"github.com/theirongolddev/tcap/internal/model"
	"github.com/theirongolddev/tcap/internal/privacy"
	"github.com/theirongolddev/tcap/internal/queue"
	"github.com/theirongolddev/tcap/internal/store"
)

// Queue is the consumer side of the durable queue.
type Queue interface {
	DrainFrom(pos int64, maxN int) (queue.Batch, error)
	Ack(offset int64) (bool, error)
}

// Store is the writer surface the processor commits through.
type Store interface {
	store.Writer
	CloseIdle(ctx context.Context, cutoff time.Time, active map[string]bool) ([]string, error)
}

// CycleStats reports what one cycle did.
type CycleStats struct {
	Drained      int   `json:"drained"`
	Skipped      int   `json:"skipped"`
	Duplicates   int   `json:"duplicates"`
	Filtered     int   `json:"filtered"`
	Deduplicated int   `json:"deduplicated"`
	Chunks       int   `json:"chunks"`
	Closed       int   `json:"closed"`
	Failed       int   `json:"failed"`
	Held         int   `json:"held"`
	Acked        int64 `json:"acked"`
}

// Add sums two cycles' counters. Held is a level, not a count, so the later
// value wins.
func (s CycleStats) Add(o CycleStats) CycleStats {
	return CycleStats{
		Drained:      s.Drained + o.Drained,
		Skipped:      s.Skipped + o.Skipped,
		Duplicates:   s.Duplicates + o.Duplicates,
		Filtered:     s.Filtered + o.Filtered,
		Deduplicated: s.Deduplicated + o.Deduplicated,
		Chunks:       s.Chunks + o.Chunks,
		Closed:       s.Closed + o.Closed,
		Failed:       s.Failed + o.Failed,
		Held:         o.Held,
		Acked:        s.Acked + o.Acked,
	}
}

// Empty reports whether the cycle changed nothing.
func (s CycleStats) Empty() bool {
	return s.Drained == 0 && s.Chunks == 0 && s.Closed == 0 && s.Failed == 0
}

// Processor owns the in-memory session buffers. It is not safe for
// concurrent use; Run serializes cycles and flush requests.
type Processor struct {
	q     Queue
	st    Store
	src   config.Source
	rules privacy.RulesCache
	retry queue.RetryPolicy
	now   func() time.Time

	pos      int64
	sessions map[string]*buffer
	flushReq chan chan flushResult
}

type flushResult struct {
	stats CycleStats
	err   error
}

// New returns a processor reading from q and committing to st.
func New(q Queue, st Store, src config.Source) *Processor {
	return &Processor{
		q:        q,
		st:       st,
		src:      src,
		retry:    queue.ConsumerRetryPolicy(),
		now:      time.Now,
		sessions: make(map[string]*buffer),
		flushReq: make(chan chan flushResult),
	}
}

// buffer is the uncommitted state of one session.
type buffer struct {
	meta store.SessionMeta

	lastSeq    int64 // highest seq consumed, committed or not
	storedSeq  int64 // highest seq already in the store when loaded
	rangeStart int64 // where the next chunk starts in the raw stream
	events     []model.Event
	rawBytes   int

	// held is the queue offset of the earliest record whose effect is not
	// yet committed, or -1.
	held int64

	dirty        bool // metadata or close pending
	ended        bool
	lastActivity time.Time
}

func (b *buffer) hold(offset int64) {
	if b.held < 0 || offset < b.held {
		b.held = offset
	}
	b.dirty = true
}

// add appends ev, merging it into an identical earlier event when allowed.
// Commands merge with an identical command in the trailing run of commands,
// so no output or error is ever reattributed; outputs and errors merge only
// with the immediately preceding event.
func (b *buffer) add(ev model.Event) (merged bool) {
	if ev.Kind == model.KindCommand {
		for i := len(b.events) - 1; i >= 0 && b.events[i].Kind == model.KindCommand; i-- {
			if b.events[i].Text == ev.Text {
				b.events[i].RepeatCount++
				return true
			}
		}
	} else if n := len(b.events); n > 0 {
		if last := &b.events[n-1]; last.Kind == ev.Kind && last.Text == ev.Text {
			last.RepeatCount++
			return true
		}
	}
	ev.RepeatCount = 1
	b.events = append(b.events, ev)
	b.rawBytes += chunk.EncodedSize(ev)
	return false
}

// RunCycle drains one batch, commits every session that is due, and acks
// the queue up to the earliest record still buffered. force commits every
// non-empty buffer regardless of size.
func (p *Processor) RunCycle(ctx context.Context, force bool) (CycleStats, error) {
	var stats CycleStats
	cfg := p.src.Current()

	var batch queue.Batch
	err := p.retry.Execute(ctx, func() error {
		var err error
		batch, err = p.q.DrainFrom(p.pos, cfg.Processor.BatchSize)
		return err
	})
	if err != nil {
		return stats, fmt.Errorf("draining queue: %w", err)
	}
	stats.Drained = len(batch.Records)
	stats.Skipped = batch.Skipped

	if err := p.load(ctx, batch.Records); err != nil {
		return stats, err
	}

	// The enabled flag gates producers only; records already queued were
	// captured while enabled.
	capCfg := cfg.Capture
	capCfg.Enabled = true
	rules := p.rules.For(capCfg)

	for _, rec := range batch.Records {
		p.apply(rec, rules, &stats)
	}
	p.pos = batch.End

	p.commitDue(ctx, cfg, force, &stats)

	active := make(map[string]bool, len(p.sessions))
	for id := range p.sessions {
		active[id] = true
	}
	closed, err := p.st.CloseIdle(ctx, p.now().Add(-cfg.Processor.SessionTTL()), active)
	if err != nil {
		slog.Warn("closing idle sessions", "error", err)
	}
	stats.Closed += len(closed)

	p.ack(ctx, batch.End, &stats)
	return stats, nil
}

// load creates buffers for sessions seen for the first time, seeded from
// the store so re-delivered records are recognized.
func (p *Processor) load(ctx context.Context, recs []queue.Record) error {
	for _, rec := range recs {
		if _, ok := p.sessions[rec.SessionID]; ok {
			continue
		}
		lastSeq, err := p.st.LastSeq(ctx, rec.SessionID)
		if err != nil {
			return err
		}
		end, err := p.st.RangeEnd(ctx, rec.SessionID)
		if err != nil {
			return err
		}
		p.sessions[rec.SessionID] = &buffer{
			meta:       store.SessionMeta{SessionID: rec.SessionID, LastSeq: lastSeq},
			lastSeq:    lastSeq,
			storedSeq:  lastSeq,
			rangeStart: end,
			held:       -1,
		}
	}
	return nil
}

func (p *Processor) apply(rec queue.Record, rules *privacy.Rules, stats *CycleStats) {
	b := p.sessions[rec.SessionID]
	if rec.Seq <= b.lastSeq {
		stats.Duplicates++
		if rec.Seq > b.storedSeq {
			// Not a redelivery: the queue handed over a seq below one
			// already consumed in this run.
			slog.Warn("dropping out-of-order record", "session_id", rec.SessionID, "seq", rec.Seq, "last_seq", b.lastSeq, "offset", rec.Offset)
		}
		if rec.Timestamp.After(b.lastActivity) {
			b.lastActivity = rec.Timestamp
		}
		return
	}
	b.lastSeq = rec.Seq
	b.meta.LastSeq = rec.Seq
	if rec.Timestamp.After(b.lastActivity) {
		b.lastActivity = rec.Timestamp
	}
	if b.meta.StartedAt.IsZero() || rec.Timestamp.Before(b.meta.StartedAt) {
		b.meta.StartedAt = rec.Timestamp
	}
	if b.meta.ProjectPath == "" {
		b.meta.ProjectPath = rec.ProjectPath
	}

	switch rec.Kind {
	case model.KindSessionStart:
		b.meta.TerminalKind, b.meta.Tags = capture.ParseStartMeta(rec.Text)
		b.hold(rec.Offset)
		return
	case model.KindSessionEnd:
		b.ended = true
		b.meta.EndedAt = rec.Timestamp
		b.hold(rec.Offset)
		return
	}

	if v := rules.Evaluate(rec.Kind, rec.Text, rec.ProjectPath); v != privacy.Keep {
		slog.Debug("record filtered", "session_id", rec.SessionID, "seq", rec.Seq, "reason", v.String())
		stats.Filtered++
		b.hold(rec.Offset)
		return
	}

	if b.add(rec.Event()) {
		stats.Deduplicated++
	}
	b.hold(rec.Offset)
}

// commitDue commits sessions that crossed the chunk size, ended, went idle,
// or, with force, have anything pending. A failed commit keeps its buffer
// for the next cycle.
func (p *Processor) commitDue(ctx context.Context, cfg config.Config, force bool, stats *CycleStats) {
	now := p.now()
	ttl := cfg.Processor.SessionTTL()

	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		b := p.sessions[id]
		idle := ttl > 0 && !b.lastActivity.IsZero() && now.Sub(b.lastActivity) > ttl
		if idle && !b.dirty {
			// Nothing pending; CloseIdle settles the stored row.
			delete(p.sessions, id)
			continue
		}
		due := b.ended || idle ||
			(cfg.Storage.MaxChunkSize > 0 && b.rawBytes >= cfg.Storage.MaxChunkSize) ||
			(b.dirty && len(b.events) == 0) ||
			(force && b.dirty)
		if !due {
			continue
		}

		meta := b.meta
		if idle && !b.ended {
			meta.EndedAt = b.lastActivity
		}
		if err := p.commit(ctx, b, meta, cfg.Storage.CompressionLevel); err != nil {
			slog.Warn("commit failed, will retry", "session_id", id, "error", err)
			stats.Failed++
			continue
		}
		if len(b.events) > 0 {
			stats.Chunks++
		}
		b.events = b.events[:0]
		b.rawBytes = 0
		b.held = -1
		b.dirty = false

		if !meta.EndedAt.IsZero() {
			delete(p.sessions, id)
			stats.Closed++
		}
	}
}

func (p *Processor) commit(ctx context.Context, b *buffer, meta store.SessionMeta, level int) error {
	var c *model.Chunk
	if len(b.events) > 0 {
		built, err := chunk.Build(meta.SessionID, b.rangeStart, b.events, level)
		if err != nil {
			return err
		}
		c = &built
	}
	if err := p.st.CommitChunk(ctx, meta, c); err != nil {
		return err
	}
	if c != nil {
		b.rangeStart = c.Range.End
	}
	return nil
}

// ack advances the queue to the earliest offset still held in memory, or to
// end when nothing is held.
func (p *Processor) ack(ctx context.Context, end int64, stats *CycleStats) {
	offset := end
	for _, b := range p.sessions {
		if b.held >= 0 {
			stats.Held++
			if b.held < offset {
				offset = b.held
			}
		}
	}

	var compacted bool
	err := p.retry.Execute(ctx, func() error {
		var err error
		compacted, err = p.q.Ack(offset)
		return err
	})
	if err != nil {
		slog.Warn("queue ack failed", "offset", offset, "error", err)
		return
	}
	stats.Acked = offset
	if compacted {
		p.pos = 0
	}
}

// Flush asks a running Run loop to commit every buffer now and waits for the
// result.
func (p *Processor) Flush(ctx context.Context) (CycleStats, error) {
	reply := make(chan flushResult, 1)
	select {
	case p.flushReq <- reply:
	case <-ctx.Done():
		return CycleStats{}, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.stats, res.err
	case <-ctx.Done():
		return CycleStats{}, ctx.Err()
	}
}

// Run cycles every interval until ctx is done, serving Flush requests in
// between. On shutdown it commits what is buffered without closing
// sessions. onCycle, if set, sees every cycle's result.
func (p *Processor) Run(ctx context.Context, interval time.Duration, onCycle func(CycleStats, error)) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	report := func(stats CycleStats, err error) {
		if err != nil {
			slog.Warn("processor cycle failed", "error", err)
		} else if !stats.Empty() {
			slog.Debug("processor cycle",
				"drained", stats.Drained, "chunks", stats.Chunks,
				"closed", stats.Closed, "filtered", stats.Filtered, "deduplicated", stats.Deduplicated)
		}
		if onCycle != nil {
			onCycle(stats, err)
		}
	}

	report(p.RunCycle(ctx, false))
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, err := p.RunCycle(shutdownCtx, true)
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("final flush: %w", err)
			}
			return nil
		case <-ticker.C:
			report(p.RunCycle(ctx, false))
		case reply := <-p.flushReq:
			stats, err := p.RunCycle(ctx, true)
			report(stats, err)
			reply <- flushResult{stats: stats, err: err}
		}
	}
}
