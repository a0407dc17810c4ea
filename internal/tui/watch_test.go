package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/theirongolddev/tcap/internal/control"
	"github.com/theirongolddev/tcap/internal/daemon"
	"github.com/theirongolddev/tcap/internal/processor"
)

type fakeSource struct {
	status  daemon.Status
	events  []daemon.Event
	err     error
	enabled bool
}

func (f *fakeSource) Status(context.Context) (daemon.Status, error)  { return f.status, f.err }
func (f *fakeSource) Events(context.Context) ([]daemon.Event, error) { return f.events, f.err }
func (f *fakeSource) Flush(context.Context) (processor.CycleStats, error) {
	return processor.CycleStats{Drained: 4, Chunks: 1}, f.err
}

func (f *fakeSource) ToggleCapture(context.Context) (bool, error) {
	f.enabled = !f.enabled
	return f.enabled, f.err
}

func update(t *testing.T, w Watch, msg tea.Msg) (Watch, tea.Cmd) {
	t.Helper()
	m, cmd := w.Update(msg)
	next, ok := m.(Watch)
	if !ok {
		t.Fatalf("Update returned %T", m)
	}
	return next, cmd
}

func TestWatchRendersSnapshot(t *testing.T) {
	enabled := true
	src := &fakeSource{
		status: daemon.Status{
			StartedAt:  time.Now().Add(-time.Hour),
			CycleCount: 12,
			Totals:     processor.CycleStats{Drained: 40, Chunks: 3},
			Capture:    &control.Status{Enabled: true, QueueDepth: 5},
		},
		events: []daemon.Event{
			{ID: 1, Type: "cycle", Timestamp: time.Now(), Cycle: &processor.CycleStats{Drained: 7, Chunks: 2, Filtered: 1}},
			{ID: 2, Type: "capture", Timestamp: time.Now(), Enabled: &enabled},
		},
	}
	w := NewWatch(src, time.Second)
	if !strings.Contains(w.View(), "connecting") {
		t.Fatalf("initial view should show connecting:\n%s", w.View())
	}

	w, _ = update(t, w, poll(src)())
	view := w.View()
	for _, want := range []string{"Queue depth", "drained 7, 2 chunks, 1 filtered", "capture", "[t]oggle"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestWatchUnreachable(t *testing.T) {
	src := &fakeSource{err: errors.New("connection refused")}
	w, _ := update(t, NewWatch(src, time.Second), poll(src)())
	if !strings.Contains(w.View(), "daemon unreachable") {
		t.Errorf("view:\n%s", w.View())
	}
}

func TestWatchKeys(t *testing.T) {
	src := &fakeSource{}
	w := NewWatch(src, time.Second)

	w, cmd := update(t, w, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("f")})
	if !w.busy || cmd == nil {
		t.Fatal("f should start a flush")
	}
	if _, again := update(t, w, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("f")}); again != nil {
		t.Error("second flush while busy should be ignored")
	}
	w, _ = update(t, w, cmd())
	if w.busy || !strings.Contains(w.notice, "4 drained") {
		t.Errorf("after flush: busy=%v notice=%q", w.busy, w.notice)
	}

	_, cmd = update(t, w, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("t")})
	w, _ = update(t, w, cmd())
	if w.notice != "capture on" {
		t.Errorf("notice = %q, want capture on", w.notice)
	}

	_, cmd = update(t, w, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should quit")
	}
}
