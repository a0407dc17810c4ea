// Package cmd implements the tcap CLI commands.
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tcap/internal/config"
	"github.com/theirongolddev/tcap/internal/control"
	"github.com/theirongolddev/tcap/internal/query"
	"github.com/theirongolddev/tcap/internal/queue"
	"github.com/theirongolddev/tcap/internal/store"
)

var (
	flagRoot     string
	flagConfig   string
	flagQuiet    bool
	flagLogLevel string
	flagJSON     bool
)

var rootCmd = &cobra.Command{
	Use:   "tcap",
	Short: "Terminal activity capture and retrieval",
	Long: "Capture commands, output and errors from terminal sessions, store them\n" +
		"compressed and deduplicated, and let an agent search them read-only.",
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
	RunE:              runStatus,
}

// Execute is the main entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", "", "Workspace root (default from config, TCAP_ROOT, or XDG data dir)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default TCAP_CONFIG or XDG config dir)")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Only log errors")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (default from config)")
}

func configPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	return config.Path()
}

// loadConfig reads the config, falling back to the safe default when the
// file is malformed so read-only commands keep working.
func loadConfig() config.Config {
	cfg, err := config.LoadFile(configPath())
	if err != nil {
		slog.Warn("config unusable, using safe defaults", "path", configPath(), "error", err)
		return config.SafeDefault()
	}
	return cfg
}

func workspace(cfg config.Config) store.Workspace {
	if flagRoot != "" {
		return store.Workspace{Root: flagRoot}
	}
	return store.Workspace{Root: cfg.Root()}
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func setupLogging(_ *cobra.Command, _ []string) error {
	level := flagLogLevel
	if level == "" {
		if cfg, err := config.LoadFile(configPath()); err == nil {
			level = cfg.Log.Level
		}
	}
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	if flagQuiet {
		lvl = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

func openQueue(cfg config.Config, ws store.Workspace) (*queue.Queue, error) {
	if err := ws.Prepare(); err != nil {
		return nil, err
	}
	return queue.Open(ws.QueueDir(), queue.Options{MaxBytes: cfg.Storage.MaxQueueBytes})
}

// openService builds the read-only query service over the workspace store.
func openService(cfg config.Config) (*query.Service, func(), error) {
	ws := workspace(cfg)
	r, err := store.OpenReader(ws)
	if err != nil {
		if errors.Is(err, store.ErrNoStore) {
			return nil, nil, fmt.Errorf("%w: run `tcap daemon` to start processing captured activity", err)
		}
		return nil, nil, err
	}
	semantic, err := query.NewSemantic(cfg.Query.Semantic)
	if err != nil {
		_ = r.Close()
		return nil, nil, err
	}

	var status query.StatusReader
	q, qerr := queue.Open(ws.QueueDir(), queue.Options{MaxBytes: cfg.Storage.MaxQueueBytes})
	if qerr != nil {
		slog.Debug("capture status unavailable", "error", qerr)
	} else {
		status = control.New(configPath(), q, r)
	}

	cleanup := func() {
		if q != nil {
			_ = q.Close()
		}
		_ = r.Close()
	}
	return query.NewService(r, status, semantic), cleanup, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
