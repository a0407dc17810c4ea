package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/theirongolddev/tcap/internal/control"
	"github.com/theirongolddev/tcap/internal/processor"
)

type fakeProcessor struct {
	flushes atomic.Int32
	stats   processor.CycleStats
	err     error
}

func (p *fakeProcessor) Run(ctx context.Context, _ time.Duration, _ func(processor.CycleStats, error)) error {
	<-ctx.Done()
	return nil
}

func (p *fakeProcessor) Flush(context.Context) (processor.CycleStats, error) {
	p.flushes.Add(1)
	return p.stats, p.err
}

type fakeController struct {
	mu      sync.Mutex
	enabled bool
}

func (c *fakeController) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *fakeController) Status(context.Context) (control.Status, error) {
	return control.Status{Enabled: c.Enabled(), QueueDepth: 3}, nil
}

func (c *fakeController) SetEnabled(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
	return nil
}

func (c *fakeController) Toggle() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = !c.enabled
	return c.enabled, nil
}

func TestTotalsAccumulate(t *testing.T) {
	a := processor.CycleStats{Drained: 10, Chunks: 2, Held: 4, Acked: 100}
	b := processor.CycleStats{Drained: 5, Chunks: 1, Filtered: 2, Held: 1, Acked: 50}

	got := a.Add(b)
	if got.Drained != 15 {
		t.Fatalf("Drained = %d, want 15", got.Drained)
	}
	if got.Chunks != 3 {
		t.Fatalf("Chunks = %d, want 3", got.Chunks)
	}
	if got.Filtered != 2 {
		t.Fatalf("Filtered = %d, want 2", got.Filtered)
	}
	if got.Held != 1 {
		t.Fatalf("Held = %d, want latest value 1", got.Held)
	}
	if got.Acked != 150 {
		t.Fatalf("Acked = %d, want 150", got.Acked)
	}
}

func TestPublishEventRingBuffer(t *testing.T) {
	s := New(Config{
		Root:         ".",
		Interval:     10 * time.Second,
		EventsBuffer: 2,
	}, &fakeProcessor{}, nil)

	s.publishEvent(Event{ID: 1})
	s.publishEvent(Event{ID: 2})
	s.publishEvent(Event{ID: 3})

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.events) != 2 {
		t.Fatalf("events len = %d, want 2", len(s.events))
	}
	if s.events[0].ID != 2 || s.events[1].ID != 3 {
		t.Fatalf("events ring contains IDs [%d, %d], want [2, 3]", s.events[0].ID, s.events[1].ID)
	}
}

func TestRecordCycle(t *testing.T) {
	s := New(Config{}, &fakeProcessor{}, nil)

	s.recordCycle(processor.CycleStats{}, nil)
	s.recordCycle(processor.CycleStats{Drained: 3, Chunks: 1}, nil)
	s.recordCycle(processor.CycleStats{}, errors.New("disk full"))

	st := s.snapshotStatus()
	if st.CycleCount != 3 {
		t.Fatalf("CycleCount = %d, want 3", st.CycleCount)
	}
	if st.Totals.Drained != 3 {
		t.Fatalf("Totals.Drained = %d, want 3", st.Totals.Drained)
	}
	if st.LastError != "disk full" {
		t.Fatalf("LastError = %q, want disk full", st.LastError)
	}
	if st.EventCount != 2 {
		t.Fatalf("EventCount = %d, want 2 (empty cycles are not published)", st.EventCount)
	}
	if s.events[1].Type != "cycle_error" {
		t.Fatalf("events[1].Type = %q, want cycle_error", s.events[1].Type)
	}
}

func TestCheckLoopback(t *testing.T) {
	for _, addr := range []string{"127.0.0.1:8791", "localhost:0", "[::1]:8791"} {
		if err := CheckLoopback(addr); err != nil {
			t.Fatalf("CheckLoopback(%q) = %v, want nil", addr, err)
		}
	}
	for _, addr := range []string{"0.0.0.0:8791", ":8791", "192.168.1.4:8791"} {
		if err := CheckLoopback(addr); !errors.Is(err, ErrNotLoopback) {
			t.Fatalf("CheckLoopback(%q) = %v, want ErrNotLoopback", addr, err)
		}
	}
}

func TestRunRefusesPublicAddr(t *testing.T) {
	s := New(Config{Addr: "0.0.0.0:0"}, &fakeProcessor{}, nil)
	if err := s.Run(context.Background()); !errors.Is(err, ErrNotLoopback) {
		t.Fatalf("Run = %v, want ErrNotLoopback", err)
	}
}

func TestFlushEndpoint(t *testing.T) {
	proc := &fakeProcessor{stats: processor.CycleStats{Drained: 7, Chunks: 2}}
	srv := httptest.NewServer(New(Config{}, proc, nil).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/flush", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got processor.CycleStats
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Chunks != 2 || proc.flushes.Load() != 1 {
		t.Fatalf("got %+v after %d flushes, want 2 chunks after 1 flush", got, proc.flushes.Load())
	}

	get, err := http.Get(srv.URL + "/v1/flush")
	if err != nil {
		t.Fatal(err)
	}
	_ = get.Body.Close()
	if get.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /v1/flush status = %d, want 405", get.StatusCode)
	}

	proc.err = context.DeadlineExceeded
	failed, err := http.Post(srv.URL+"/v1/flush", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = failed.Body.Close()
	if failed.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("failed flush status = %d, want 503", failed.StatusCode)
	}
}

func TestCaptureEndpoint(t *testing.T) {
	ctl := &fakeController{enabled: true}
	s := New(Config{}, &fakeProcessor{}, ctl)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	post := func(query string) map[string]bool {
		t.Helper()
		resp, err := http.Post(srv.URL+"/v1/capture"+query, "", nil)
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("POST /v1/capture%s status = %d", query, resp.StatusCode)
		}
		var body map[string]bool
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		return body
	}

	if got := post("?enabled=false"); got["enabled"] || ctl.Enabled() {
		t.Fatalf("after enabled=false: body %v, controller %v", got, ctl.Enabled())
	}
	if got := post(""); !got["enabled"] || !ctl.Enabled() {
		t.Fatalf("after toggle: body %v, controller %v", got, ctl.Enabled())
	}

	resp, err := http.Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Capture == nil || st.Capture.QueueDepth != 3 {
		t.Fatalf("status capture = %+v, want queue depth 3", st.Capture)
	}
	if st.EventCount != 2 {
		t.Fatalf("EventCount = %d, want 2 capture events", st.EventCount)
	}
}
