package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tcap/internal/cli"
	"github.com/theirongolddev/tcap/internal/control"
	"github.com/theirongolddev/tcap/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show capture state, queue depth and last commit",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&flagJSON, "json", false, "Print status as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(_ *cobra.Command, _ []string) error {
	cfg := loadConfig()
	ws := workspace(cfg)
	q, err := openQueue(cfg, ws)
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	var commits control.CommitReader
	r, err := store.OpenReader(ws)
	switch {
	case err == nil:
		defer func() { _ = r.Close() }()
		commits = r
	case errors.Is(err, store.ErrNoStore):
		slog.Debug("no session store yet", "root", ws.Root)
	default:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := control.New(configPath(), q, commits).Status(ctx)
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(st)
	}

	pidFile, _, _ := daemonPaths(cfg)
	daemonState := cli.Warn("not running")
	if daemonRunning(pidFile) {
		daemonState = "running at http://" + daemonAddr(cfg)
	}

	var kinds []string
	if st.Capture.CaptureCommands {
		kinds = append(kinds, "commands")
	}
	if st.Capture.CaptureOutputs {
		kinds = append(kinds, "outputs")
	}
	if st.Capture.CaptureErrors {
		kinds = append(kinds, "errors")
	}

	now := time.Now()
	pairs := [][2]string{
		{"Capture", cli.OnOff(st.Enabled)},
		{"Recording", strings.Join(kinds, ", ")},
		{"Exclusion patterns", fmt.Sprintf("%d", len(st.Capture.ExclusionPatterns))},
		{"Queue depth", cli.FormatNumber(int64(st.QueueDepth)) + " records (" + cli.FormatBytes(st.PendingBytes) + ")"},
		{"Dropped", cli.FormatNumber(st.Dropped)},
		{"Last commit", cli.FormatAgo(st.LastCommitTime, now)},
		{"Commits", cli.FormatNumber(st.Commits)},
		{"Daemon", daemonState},
		{"Workspace", ws.Root},
		{"Config", st.ConfigPath},
	}
	if st.Dropped > 0 {
		pairs[4][1] = cli.Warn(pairs[4][1] + " (queue overflowed; is the daemon running?)")
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle("TCAP STATUS"))
	fmt.Println()
	fmt.Print(cli.RenderKV(pairs))
	fmt.Println()
	return nil
}
