package cli

import (
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
)

func TestFormatNumber(t *testing.T) {
	cases := map[int64]string{
		0:        "0",
		999:      "999",
		1000:     "1,000",
		1234567:  "1,234,567",
		-45678:   "-45,678",
		12345678: "12,345,678",
	}
	for in, want := range cases {
		if got := FormatNumber(in); got != want {
			t.Errorf("FormatNumber(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{
		512:      "512 B",
		1536:     "1.5 KiB",
		32 << 20: "32.0 MiB",
		3 << 30:  "3.0 GiB",
	}
	for in, want := range cases {
		if got := FormatBytes(in); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	cases := map[time.Duration]string{
		0:                              "0s",
		45 * time.Second:               "45s",
		125 * time.Second:              "2m",
		62 * time.Minute:               "1h 2m",
		50 * time.Hour:                 "2d 2h",
		-time.Minute:                   "0s",
		time.Hour + 30*time.Second:     "1h 0m",
		23*time.Hour + 59*time.Minute:  "23h 59m",
		24*time.Hour + 59*time.Minute:  "1d 0h",
		36*time.Hour + 15*time.Minute:  "1d 12h",
		100*time.Hour + 15*time.Minute: "4d 4h",
	}
	for in, want := range cases {
		if got := FormatDuration(in); got != want {
			t.Errorf("FormatDuration(%s) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatAgo(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	if got := FormatAgo(time.Time{}, now); got != "never" {
		t.Errorf("zero time = %q, want never", got)
	}
	if got := FormatAgo(now, now); got != "just now" {
		t.Errorf("now = %q, want just now", got)
	}
	if got := FormatAgo(now.Add(-90*time.Minute), now); got != "1h 30m ago" {
		t.Errorf("90m = %q, want 1h 30m ago", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("go  test\n./...", 0); got != "go test ./..." {
		t.Errorf("collapse = %q", got)
	}
	got := Truncate("kubectl get pods --all-namespaces", 12)
	if lipgloss.Width(got) > 12 || !strings.HasSuffix(got, "…") {
		t.Errorf("Truncate = %q (width %d), want <= 12 cells ending in an ellipsis", got, lipgloss.Width(got))
	}
	if got := Truncate("ls", 12); got != "ls" {
		t.Errorf("short text = %q, want unchanged", got)
	}
}

func TestRenderTable(t *testing.T) {
	out := RenderTable(Table{
		Title:      "Sessions",
		Headers:    []string{"Session", "Events"},
		Rows:       [][]string{{"a", "12"}, {"---"}, {"b", "3"}},
		RightAlign: []bool{false, true},
	})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 8 {
		t.Fatalf("got %d lines, want 8:\n%s", len(lines), out)
	}
	width := lipgloss.Width(lines[1])
	for i, line := range lines[1:] {
		if lipgloss.Width(line) != width {
			t.Fatalf("line %d width %d, want %d:\n%s", i+1, lipgloss.Width(line), width, out)
		}
	}
	if RenderTable(Table{}) != "" {
		t.Fatal("empty table should render nothing")
	}
}

func TestRenderSparkline(t *testing.T) {
	if got := RenderSparkline([]float64{0, 1, 2, 4}); got != "▁▂▄█" {
		t.Fatalf("RenderSparkline = %q", got)
	}
	if got := RenderSparkline([]float64{0, 0}); got != "▁▁" {
		t.Fatalf("all-zero sparkline = %q", got)
	}
}
