package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tcap/internal/cli"
	"github.com/theirongolddev/tcap/internal/config"
	"github.com/theirongolddev/tcap/internal/daemon"
	"github.com/theirongolddev/tcap/internal/processor"
	"github.com/theirongolddev/tcap/internal/store"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Commit everything buffered now",
	Long: "Asks the running daemon to process the queue and commit every buffered\n" +
		"session immediately. Without a daemon, runs one processing pass in\n" +
		"this process.",
	Args: cobra.NoArgs,
	RunE: runFlush,
}

func init() {
	flushCmd.Flags().BoolVar(&flagJSON, "json", false, "Print cycle stats as JSON")
	rootCmd.AddCommand(flushCmd)
}

func runFlush(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadFile(configPath())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var stats processor.CycleStats
	pidFile, _, _ := daemonPaths(cfg)
	if daemonRunning(pidFile) {
		stats, err = daemon.NewClient(daemonAddr(cfg)).Flush(ctx)
	} else {
		stats, err = flushLocal(ctx, cfg)
	}
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(stats)
	}
	fmt.Print(cli.RenderKV([][2]string{
		{"Drained", cli.FormatNumber(int64(stats.Drained))},
		{"Chunks", cli.FormatNumber(int64(stats.Chunks))},
		{"Sessions closed", cli.FormatNumber(int64(stats.Closed))},
		{"Filtered", cli.FormatNumber(int64(stats.Filtered))},
		{"Deduplicated", cli.FormatNumber(int64(stats.Deduplicated))},
		{"Failed", cli.FormatNumber(int64(stats.Failed))},
	}))
	return nil
}

// flushLocal drains the whole queue in this process. Only safe while no
// daemon is running, since the processor must be the sole consumer.
func flushLocal(ctx context.Context, cfg config.Config) (processor.CycleStats, error) {
	ws := workspace(cfg)
	q, err := openQueue(cfg, ws)
	if err != nil {
		return processor.CycleStats{}, err
	}
	defer func() { _ = q.Close() }()
	w, err := store.OpenWriter(ws)
	if err != nil {
		return processor.CycleStats{}, err
	}
	defer func() { _ = w.Close() }()

	p := processor.New(q, w, config.Static(cfg))
	var total processor.CycleStats
	for {
		stats, err := p.RunCycle(ctx, true)
		if err != nil {
			return total, err
		}
		total = total.Add(stats)
		if stats.Drained == 0 || stats.Failed > 0 {
			return total, nil
		}
	}
}
