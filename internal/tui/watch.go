// Package tui implements the live daemon view shown by `tcap watch`.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/theirongolddev/tcap/internal/cli"
	"github.com/theirongolddev/tcap/internal/daemon"
	"github.com/theirongolddev/tcap/internal/processor"
)

// Source is the daemon surface the view polls and drives.
type Source interface {
	Status(ctx context.Context) (daemon.Status, error)
	Events(ctx context.Context) ([]daemon.Event, error)
	Flush(ctx context.Context) (processor.CycleStats, error)
	ToggleCapture(ctx context.Context) (bool, error)
}

const (
	requestTimeout = 5 * time.Second
	maxEventLines  = 12
)

// snapshotMsg carries one poll of the daemon.
type snapshotMsg struct {
	status daemon.Status
	events []daemon.Event
	err    error
}

// noticeMsg reports the outcome of a key action.
type noticeMsg struct {
	text string
	err  error
}

type tickMsg time.Time

// Watch is the bubbletea model for the live view.
type Watch struct {
	src      Source
	interval time.Duration
	spinner  spinner.Model

	width   int
	loaded  bool
	busy    bool
	status  daemon.Status
	events  []daemon.Event
	err     error
	notice  string
	updated time.Time
}

// NewWatch returns a view that refreshes every interval.
func NewWatch(src Source, interval time.Duration) Watch {
	if interval < time.Second {
		interval = 2 * time.Second
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#3AA99F"))
	return Watch{src: src, interval: interval, spinner: sp}
}

// Run starts the view on the terminal and blocks until the user quits.
func Run(src Source, interval time.Duration) error {
	_, err := tea.NewProgram(NewWatch(src, interval), tea.WithAltScreen()).Run()
	return err
}

func poll(src Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		st, err := src.Status(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		evs, err := src.Events(ctx)
		return snapshotMsg{status: st, events: evs, err: err}
	}
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func flushCmd(src Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		stats, err := src.Flush(ctx)
		if err != nil {
			return noticeMsg{err: err}
		}
		return noticeMsg{text: fmt.Sprintf("flushed: %d drained, %d chunks", stats.Drained, stats.Chunks)}
	}
}

func toggleCmd(src Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		enabled, err := src.ToggleCapture(ctx)
		if err != nil {
			return noticeMsg{err: err}
		}
		if enabled {
			return noticeMsg{text: "capture on"}
		}
		return noticeMsg{text: "capture off"}
	}
}

// Init implements tea.Model.
func (w Watch) Init() tea.Cmd {
	return tea.Batch(w.spinner.Tick, poll(w.src), tick(w.interval))
}

// Update implements tea.Model.
func (w Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		w.width = msg.Width
		return w, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return w, tea.Quit
		case "r":
			return w, poll(w.src)
		case "f":
			if w.busy {
				return w, nil
			}
			w.busy = true
			w.notice = "flushing..."
			return w, flushCmd(w.src)
		case "t":
			return w, toggleCmd(w.src)
		}
		return w, nil

	case tickMsg:
		return w, tea.Batch(poll(w.src), tick(w.interval))

	case snapshotMsg:
		w.loaded = true
		w.err = msg.err
		if msg.err == nil {
			w.status = msg.status
			w.events = msg.events
			w.updated = time.Now()
		}
		return w, nil

	case noticeMsg:
		w.busy = false
		if msg.err != nil {
			w.notice = "error: " + msg.err.Error()
		} else {
			w.notice = msg.text
		}
		return w, poll(w.src)

	case spinner.TickMsg:
		var cmd tea.Cmd
		w.spinner, cmd = w.spinner.Update(msg)
		return w, cmd
	}
	return w, nil
}

// describeEvent renders one daemon event as a single line.
func describeEvent(ev daemon.Event) string {
	switch ev.Type {
	case "cycle":
		if ev.Cycle == nil {
			return "cycle"
		}
		c := ev.Cycle
		parts := []string{fmt.Sprintf("drained %d", c.Drained)}
		if c.Chunks > 0 {
			parts = append(parts, fmt.Sprintf("%d chunks", c.Chunks))
		}
		if c.Closed > 0 {
			parts = append(parts, fmt.Sprintf("%d closed", c.Closed))
		}
		if c.Filtered > 0 {
			parts = append(parts, fmt.Sprintf("%d filtered", c.Filtered))
		}
		if c.Deduplicated > 0 {
			parts = append(parts, fmt.Sprintf("%d deduped", c.Deduplicated))
		}
		if c.Failed > 0 {
			parts = append(parts, cli.Warn(fmt.Sprintf("%d failed", c.Failed)))
		}
		return "cycle  " + strings.Join(parts, ", ")
	case "capture":
		if ev.Enabled != nil {
			return "capture " + cli.OnOff(*ev.Enabled)
		}
		return "capture"
	case "cycle_error":
		return cli.Warn("error  " + ev.Error)
	}
	return ev.Type
}

// View implements tea.Model.
func (w Watch) View() string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(cli.RenderTitle("TCAP DAEMON"))
	b.WriteString("\n\n")

	if !w.loaded {
		b.WriteString("  " + w.spinner.View() + " connecting...\n")
		return b.String()
	}
	if w.err != nil && w.updated.IsZero() {
		b.WriteString("  " + cli.Warn("daemon unreachable: "+w.err.Error()) + "\n\n")
		b.WriteString(cli.Muted("  [r]etry  [q]uit") + "\n")
		return b.String()
	}

	now := time.Now()
	st := w.status
	pairs := [][2]string{}
	if st.Capture != nil {
		pairs = append(pairs,
			[2]string{"Capture", cli.OnOff(st.Capture.Enabled)},
			[2]string{"Queue depth", cli.FormatNumber(int64(st.Capture.QueueDepth))},
		)
	}
	pairs = append(pairs,
		[2]string{"Uptime", cli.FormatDuration(now.Sub(st.StartedAt))},
		[2]string{"Last cycle", cli.FormatAgo(st.LastCycleAt, now)},
		[2]string{"Cycles", cli.FormatNumber(st.CycleCount)},
		[2]string{"Drained", cli.FormatNumber(int64(st.Totals.Drained))},
		[2]string{"Chunks", cli.FormatNumber(int64(st.Totals.Chunks))},
		[2]string{"Held", cli.FormatNumber(int64(st.LastCycle.Held))},
	)
	if st.LastError != "" {
		pairs = append(pairs, [2]string{"Last error", cli.Warn(st.LastError)})
	}
	b.WriteString(cli.RenderKV(pairs))
	b.WriteString("\n")

	b.WriteString("  " + cli.Muted("Recent activity") + "\n")
	start := max(0, len(w.events)-maxEventLines)
	if start == len(w.events) {
		b.WriteString("  " + cli.Muted("nothing yet") + "\n")
	}
	for i := len(w.events) - 1; i >= start; i-- {
		ev := w.events[i]
		line := fmt.Sprintf("  %s  %s", cli.Muted(ev.Timestamp.Local().Format("15:04:05")), describeEvent(ev))
		if w.width > 0 {
			line = lipgloss.NewStyle().MaxWidth(w.width).Render(line)
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n")
	footer := " [t]oggle capture  [f]lush  [r]efresh  [q]uit"
	if w.busy {
		footer = " " + w.spinner.View() + footer
	}
	if w.notice != "" {
		footer += "   " + w.notice
	}
	if w.err != nil {
		footer += "   " + cli.Warn("stale: "+w.err.Error())
	}
	b.WriteString(cli.Muted(footer))
	b.WriteString("\n")
	return b.String()
}
