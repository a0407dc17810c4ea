// Package capture turns shell activity into queue records.
//
// A Producer lives for one terminal session. Observe does only a config
// read, rule evaluation and a single queue append; it never blocks on
// compression, the session store or the network, and it never returns an
// error to the shell.
package capture

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/theirongolddev/tcap/internal/config"
	"github.com/theirongolddev/tcap/internal/model"
	"github.com/theirongolddev/tcap/internal/privacy"
	"github.com/theirongolddev/tcap/internal/queue"
)

// Appender is the queue surface a producer needs.
type Appender interface {
	Append(queue.Record) (queue.Appended, error)
}

// State is the producer lifecycle state.
type State int

const (
	Idle State = iota
	Capturing
	Flushing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Flushing:
		return "flushing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Outcome reports what happened to one input.
type Outcome int

const (
	Enqueued Outcome = iota
	Skipped          // disabled, kind not captured, out of scope, or excluded
	OutOfOrder
	SessionClosed
	Failed // queue error after retries; already logged
)

func (o Outcome) String() string {
	switch o {
	case Enqueued:
		return "enqueued"
	case Skipped:
		return "skipped"
	case OutOfOrder:
		return "out of order"
	case SessionClosed:
		return "session closed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Options describe the session a producer captures.
type Options struct {
	SessionID    string
	ProjectPath  string
	TerminalKind string
	Tags         []string

	// LastSeq seeds the sequence counter.
	LastSeq int64
	// ClockSeq derives sequence numbers from the wall clock so that
	// short-lived producer processes of one session stay strictly ordered
	// without sharing state.
	ClockSeq bool
}

// Producer captures one session.
type Producer struct {
	opts  Options
	q     Appender
	src   config.Source
	rules privacy.RulesCache
	retry queue.RetryPolicy
	now   func() time.Time

	mu    sync.Mutex
	state State
	seq   int64
}

// New returns an Idle producer.
func New(q Appender, src config.Source, opts Options) *Producer {
	return &Producer{
		opts:  opts,
		q:     q,
		src:   src,
		retry: queue.ProducerRetryPolicy(),
		now:   time.Now,
		state: Idle,
		seq:   opts.LastSeq,
	}
}

// State returns the current lifecycle state.
func (p *Producer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Seq returns the last sequence number used.
func (p *Producer) Seq() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// Start emits a session_start marker carrying terminal kind and tags.
func (p *Producer) Start() Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Closed {
		return SessionClosed
	}
	meta := url.Values{}
	if p.opts.TerminalKind != "" {
		meta.Set("terminal", p.opts.TerminalKind)
	}
	for _, tag := range p.opts.Tags {
		meta.Add("tag", tag)
	}
	out := p.emit(model.KindSessionStart, meta.Encode(), 0, time.Time{}, "")
	if out == Enqueued {
		p.state = Capturing
	}
	return out
}

// Observe records one event. Seq 0 assigns the next sequence number; zero
// Timestamp uses the current time; empty ProjectPath uses the session's.
func (p *Producer) Observe(ev model.Event) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case Closed, Flushing:
		return SessionClosed
	}
	if !ev.Kind.IsEvent() {
		slog.Debug("ignoring non-event kind", "kind", ev.Kind)
		return Skipped
	}
	out := p.emit(ev.Kind, ev.Text, ev.Seq, ev.Timestamp, ev.ProjectPath)
	if out == Enqueued {
		p.state = Capturing
	}
	return out
}

// End emits a session_end marker and closes the producer.
func (p *Producer) End() Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Closed {
		return SessionClosed
	}
	p.state = Flushing
	out := p.emit(model.KindSessionEnd, "", 0, time.Time{}, "")
	p.state = Closed
	return out
}

// emit evaluates the rules and appends. Caller holds p.mu.
func (p *Producer) emit(kind model.Kind, text string, seq int64, ts time.Time, project string) Outcome {
	cfg := p.src.Current()
	if project == "" {
		project = p.opts.ProjectPath
	}
	if v := p.rules.For(cfg.Capture).Evaluate(kind, text, project); v != privacy.Keep {
		slog.Debug("event not captured", "session_id", p.opts.SessionID, "kind", kind, "reason", v.String())
		return Skipped
	}

	now := p.now()
	if ts.IsZero() {
		ts = now
	}
	switch {
	case seq == 0:
		seq = p.seq + 1
		if p.opts.ClockSeq && now.UnixNano() > seq {
			seq = now.UnixNano()
		}
	case seq <= p.seq:
		slog.Warn("dropping out-of-order event", "session_id", p.opts.SessionID, "seq", seq, "last_seq", p.seq)
		return OutOfOrder
	}

	rec := queue.Record{
		SessionID:   p.opts.SessionID,
		Seq:         seq,
		Timestamp:   ts,
		Kind:        kind,
		Text:        text,
		ProjectPath: project,
	}
	var res queue.Appended
	err := p.retry.Execute(context.Background(), func() error {
		var err error
		res, err = p.q.Append(rec)
		return err
	})
	if err != nil {
		slog.Warn("capture append failed", "session_id", p.opts.SessionID, "seq", seq, "error", err)
		return Failed
	}
	p.seq = res.Seq
	return Enqueued
}

// ParseStartMeta decodes a session_start marker's text.
func ParseStartMeta(text string) (terminal string, tags []string) {
	v, err := url.ParseQuery(text)
	if err != nil {
		return "", nil
	}
	return v.Get("terminal"), v["tag"]
}
