package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tcap/internal/capture"
	"github.com/theirongolddev/tcap/internal/config"
	"github.com/theirongolddev/tcap/internal/model"
	"github.com/theirongolddev/tcap/internal/store"
)

var (
	flagCaptureSession string
	flagCaptureKind    string
	flagCaptureSeq     int64
	flagCaptureProject string
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Record shell activity (called from shell integration)",
	Long: "Capture subcommands never fail the calling shell: problems are logged to\n" +
		"<root>/capture.log and the command exits 0.",
}

var captureRecordCmd = &cobra.Command{
	Use:   "record [text...]",
	Short: "Record one command, output or error; text \"-\" reads stdin",
	RunE:  runCaptureRecord,
}

var captureStreamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Record a session from tab-separated lines on stdin",
	Long: "Each stdin line is \"<kind>\\t<escaped text>\" with kind command, output\n" +
		"or error. A line reading \"end\" ends the session.",
	RunE: runCaptureStream,
}

func init() {
	captureCmd.PersistentFlags().StringVarP(&flagCaptureSession, "session", "s", os.Getenv("TCAP_SESSION"), "Session id (default $TCAP_SESSION)")
	captureCmd.PersistentFlags().StringVarP(&flagCaptureProject, "project", "p", "", "Project path (default working directory)")
	captureRecordCmd.Flags().StringVarP(&flagCaptureKind, "kind", "k", string(model.KindCommand), "Event kind: command, output or error")
	captureRecordCmd.Flags().Int64Var(&flagCaptureSeq, "seq", 0, "Sequence number (default derived from the clock)")

	captureCmd.AddCommand(captureRecordCmd)
	captureCmd.AddCommand(captureStreamCmd)
	rootCmd.AddCommand(captureCmd)
}

// captureLogging sends logs to <root>/capture.log so the shell never sees
// them. It returns a closer for the log file.
func captureLogging(ws store.Workspace) func() {
	if err := os.MkdirAll(ws.Root, 0o700); err != nil {
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		return func() {}
	}
	//nolint:gosec // log path is under the user's workspace root
	f, err := os.OpenFile(filepath.Join(ws.Root, "capture.log"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		return func() {}
	}
	level := slog.LevelWarn
	if lvl, err := parseLevel(flagLogLevel); err == nil && flagLogLevel != "" {
		level = lvl
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})))
	return func() { _ = f.Close() }
}

// newCaptureProducer opens the queue and returns a producer for the session
// named by the flags. ok is false when capture cannot proceed; the reason is
// already logged.
func newCaptureProducer(opts capture.Options) (p *capture.Producer, closeFn func(), ok bool) {
	cfg := loadConfig()
	ws := workspace(cfg)
	closeLog := captureLogging(ws)

	if opts.SessionID == "" {
		slog.Warn("capture called without a session id")
		return nil, closeLog, false
	}
	if opts.ProjectPath == "" {
		if wd, err := os.Getwd(); err == nil {
			opts.ProjectPath = wd
		}
	}

	q, err := openQueue(cfg, ws)
	if err != nil {
		slog.Warn("capture queue unavailable", "session_id", opts.SessionID, "error", err)
		return nil, closeLog, false
	}
	src := config.NewFileSource(configPath(), cfg.Capture.TTL())
	return capture.New(q, src, opts), func() {
		_ = q.Close()
		closeLog()
	}, true
}

func runCaptureRecord(_ *cobra.Command, args []string) error {
	kind, err := model.ParseKind(flagCaptureKind)
	if err != nil || !kind.IsEvent() {
		// Misconfigured shell glue; stay silent to the shell.
		closeLog := captureLogging(workspace(loadConfig()))
		slog.Warn("capture record with bad kind", "kind", flagCaptureKind)
		closeLog()
		return nil
	}

	p, closeFn, ok := newCaptureProducer(capture.Options{
		SessionID:   flagCaptureSession,
		ProjectPath: flagCaptureProject,
		ClockSeq:    true,
	})
	defer closeFn()
	if !ok {
		return nil
	}

	text := strings.Join(args, " ")
	if text == "-" {
		data, err := io.ReadAll(io.LimitReader(os.Stdin, 4<<20))
		if err != nil {
			slog.Warn("reading capture text", "session_id", flagCaptureSession, "error", err)
			return nil
		}
		text = strings.TrimRight(string(data), "\n")
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	out := p.Observe(model.Event{Kind: kind, Text: text, Seq: flagCaptureSeq})
	slog.Debug("capture record", "session_id", flagCaptureSession, "kind", kind, "outcome", out.String())
	return nil
}

func runCaptureStream(_ *cobra.Command, _ []string) error {
	p, closeFn, ok := newCaptureProducer(capture.Options{
		SessionID:   flagCaptureSession,
		ProjectPath: flagCaptureProject,
		ClockSeq:    true,
	})
	defer closeFn()
	if !ok {
		_, _ = io.Copy(io.Discard, os.Stdin)
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()
	if err := p.Stream(ctx, os.Stdin); err != nil && ctx.Err() == nil {
		slog.Warn("capture stream ended", "session_id", flagCaptureSession, "error", err)
	}
	return nil
}
