// Package daemon provides the long-running background process that hosts the
// queue processor and the local-only control API.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/theirongolddev/tcap/internal/control"
	"github.com/theirongolddev/tcap/internal/processor"
)

// ErrNotLoopback is returned when the control API is asked to listen on a
// non-loopback address.
var ErrNotLoopback = errors.New("control API must listen on a loopback address")

// Config controls the daemon runtime behavior.
type Config struct {
	Root         string
	Interval     time.Duration
	Addr         string
	EventsBuffer int
}

// Processor is the queue consumer the daemon drives.
type Processor interface {
	Run(ctx context.Context, interval time.Duration, onCycle func(processor.CycleStats, error)) error
	Flush(ctx context.Context) (processor.CycleStats, error)
}

// Controller is the capture switch exposed on the control API.
type Controller interface {
	Status(ctx context.Context) (control.Status, error)
	SetEnabled(enabled bool) error
	Toggle() (bool, error)
}

// Event is emitted for every processor cycle that changed something and for
// every capture toggle.
type Event struct {
	ID        int64                 `json:"id"`
	Type      string                `json:"type"`
	Timestamp time.Time             `json:"timestamp"`
	Cycle     *processor.CycleStats `json:"cycle,omitempty"`
	Enabled   *bool                 `json:"enabled,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// Status is served at /v1/status.
type Status struct {
	StartedAt       time.Time            `json:"started_at"`
	LastCycleAt     time.Time            `json:"last_cycle_at"`
	IntervalSec     int                  `json:"interval_sec"`
	CycleCount      int64                `json:"cycle_count"`
	Root            string               `json:"root"`
	LastCycle       processor.CycleStats `json:"last_cycle"`
	Totals          processor.CycleStats `json:"totals"`
	LastError       string               `json:"last_error,omitempty"`
	EventCount      int                  `json:"event_count"`
	SubscriberCount int                  `json:"subscriber_count"`
	Capture         *control.Status      `json:"capture,omitempty"`
}

// Service provides the daemon runtime and HTTP API.
type Service struct {
	cfg  Config
	proc Processor
	ctl  Controller

	mu          sync.RWMutex
	startedAt   time.Time
	lastCycleAt time.Time
	cycleCount  int64
	lastError   string
	lastCycle   processor.CycleStats
	totals      processor.CycleStats
	nextEventID int64
	events      []Event

	nextSubID int
	subs      map[int]chan Event
}

// New returns a new daemon service driving proc.
func New(cfg Config, proc Processor, ctl Controller) *Service {
	if cfg.Interval < time.Second {
		cfg.Interval = 5 * time.Second
	}
	if cfg.EventsBuffer < 1 {
		cfg.EventsBuffer = 200
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8791"
	}

	return &Service{
		cfg:       cfg,
		proc:      proc,
		ctl:       ctl,
		startedAt: time.Now(),
		subs:      make(map[int]chan Event),
	}
}

// CheckLoopback rejects listen addresses reachable from other hosts.
func CheckLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("parsing listen address: %w", err)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotLoopback, addr)
}

// Handler returns the control API routes.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("POST /v1/flush", s.handleFlush)
	mux.HandleFunc("POST /v1/capture", s.handleCapture)
	return mux
}

// Run serves the control API and drives the processor until ctx is
// canceled. The processor commits what it has buffered before Run returns.
func (s *Service) Run(ctx context.Context) error {
	if err := CheckLoopback(s.cfg.Addr); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("daemon listen: %w", err)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("daemon http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.proc.Run(gctx, s.cfg.Interval, s.recordCycle)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			// Open /v1/stream subscribers keep connections busy.
			_ = server.Close()
		}
		return nil
	})
	slog.Info("daemon listening", "addr", ln.Addr().String(), "interval", s.cfg.Interval, "root", s.cfg.Root)
	return g.Wait()
}

func (s *Service) recordCycle(stats processor.CycleStats, err error) {
	now := time.Now()

	s.mu.Lock()
	s.lastCycleAt = now
	s.cycleCount++
	s.lastCycle = stats
	s.totals = s.totals.Add(stats)
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
	publish := err != nil || !stats.Empty()
	var ev Event
	if publish {
		s.nextEventID++
		ev = Event{ID: s.nextEventID, Type: "cycle", Timestamp: now, Cycle: &stats}
		if err != nil {
			ev.Type = "cycle_error"
			ev.Error = err.Error()
		}
	}
	s.mu.Unlock()

	if publish {
		s.publishEvent(ev)
	}
}

func (s *Service) recordToggle(enabled bool) {
	s.mu.Lock()
	s.nextEventID++
	ev := Event{ID: s.nextEventID, Type: "capture", Timestamp: time.Now(), Enabled: &enabled}
	s.mu.Unlock()
	s.publishEvent(ev)
}

func (s *Service) publishEvent(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	if len(s.events) > s.cfg.EventsBuffer {
		s.events = s.events[len(s.events)-s.cfg.EventsBuffer:]
	}

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Service) snapshotStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Status{
		StartedAt:       s.startedAt,
		LastCycleAt:     s.lastCycleAt,
		IntervalSec:     int(s.cfg.Interval.Seconds()),
		CycleCount:      s.cycleCount,
		Root:            s.cfg.Root,
		LastCycle:       s.lastCycle,
		Totals:          s.totals,
		LastError:       s.lastError,
		EventCount:      len(s.events),
		SubscriberCount: len(s.subs),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.snapshotStatus()
	if s.ctl != nil {
		cs, err := s.ctl.Status(r.Context())
		if err != nil {
			slog.Warn("capture status incomplete", "error", err)
		}
		st.Capture = &cs
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleFlush(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	stats, err := s.proc.Flush(ctx)
	if err != nil {
		writeErr(w, http.StatusServiceUnavailable, fmt.Errorf("flush: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// POST /v1/capture?enabled=true|false sets the flag; without enabled it
// toggles.
func (s *Service) handleCapture(w http.ResponseWriter, r *http.Request) {
	if s.ctl == nil {
		writeErr(w, http.StatusServiceUnavailable, errors.New("capture control unavailable"))
		return
	}
	var (
		enabled bool
		err     error
	)
	if v := r.URL.Query().Get("enabled"); v != "" {
		if enabled, err = strconv.ParseBool(v); err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("enabled must be a boolean: %w", err))
			return
		}
		err = s.ctl.SetEnabled(enabled)
	} else {
		enabled, err = s.ctl.Toggle()
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	s.recordToggle(enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

func (s *Service) handleEvents(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	events := make([]Event, len(s.events))
	copy(events, s.events)
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, events)
}

func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan Event, 16)
	id := s.addSubscriber(ch)
	defer s.removeSubscriber(id)

	st := s.snapshotStatus()
	writeSSE(w, Event{Type: "status", Timestamp: time.Now(), Cycle: &st.Totals})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", ev.Type)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}

func (s *Service) addSubscriber(ch chan Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = ch
	return id
}

func (s *Service) removeSubscriber(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}
