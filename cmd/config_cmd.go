package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tcap/internal/cli"
	"github.com/theirongolddev/tcap/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&flagJSON, "json", false, "Print the effective config as JSON")
	rootCmd.AddCommand(configCmd)
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return cli.Muted("none")
	}
	return strings.Join(items, ", ")
}

func runConfig(_ *cobra.Command, _ []string) error {
	path := configPath()
	cfg, err := config.LoadFile(path)
	status := "loaded"
	switch {
	case err != nil:
		status = cli.Warn(fmt.Sprintf("unusable (%v), safe defaults in effect", err))
		cfg = config.SafeDefault()
	default:
		if _, statErr := os.Stat(path); statErr != nil {
			status = "using defaults (no config file)"
		}
	}
	if flagJSON {
		return printJSON(cfg)
	}

	fmt.Println()
	fmt.Println(cli.RenderKV([][2]string{
		{"Config file", path},
		{"Status", status},
		{"Workspace", workspace(cfg).Root},
	}))

	fmt.Println("  [capture]")
	fmt.Println(cli.RenderKV([][2]string{
		{"Enabled", cli.OnOff(cfg.Capture.Enabled)},
		{"Commands", cli.OnOff(cfg.Capture.CaptureCommands)},
		{"Output", cli.OnOff(cfg.Capture.CaptureOutputs)},
		{"Errors", cli.OnOff(cfg.Capture.CaptureErrors)},
		{"Exclusion patterns", strconv.Itoa(len(cfg.Capture.ExclusionPatterns))},
		{"Included projects", listOrNone(cfg.Capture.IncludedProjects)},
		{"Excluded projects", listOrNone(cfg.Capture.ExcludedProjects)},
		{"Refresh", cli.FormatDuration(cfg.Capture.TTL())},
	}))

	fmt.Println("  [storage]")
	fmt.Println(cli.RenderKV([][2]string{
		{"Max chunk size", cli.FormatBytes(int64(cfg.Storage.MaxChunkSize))},
		{"Compression level", strconv.Itoa(cfg.Storage.CompressionLevel)},
		{"Max queue", cli.FormatBytes(cfg.Storage.MaxQueueBytes)},
	}))

	fmt.Println("  [processor]")
	fmt.Println(cli.RenderKV([][2]string{
		{"Interval", cli.FormatDuration(cfg.Processor.Interval())},
		{"Session idle close", cli.FormatDuration(cfg.Processor.SessionTTL())},
		{"Batch size", cli.FormatNumber(int64(cfg.Processor.BatchSize))},
	}))

	fmt.Println("  [query] [daemon] [log]")
	fmt.Println(cli.RenderKV([][2]string{
		{"Query API", cfg.Query.Addr},
		{"Similarity", cfg.Query.Semantic},
		{"Control API", cfg.Daemon.Addr},
		{"Log level", cfg.Log.Level},
	}))

	fmt.Println("  Run `tcap setup` to reconfigure.")
	return nil
}
