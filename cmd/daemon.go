package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tcap/internal/cli"
	"github.com/theirongolddev/tcap/internal/config"
	"github.com/theirongolddev/tcap/internal/control"
	"github.com/theirongolddev/tcap/internal/daemon"
	"github.com/theirongolddev/tcap/internal/processor"
	"github.com/theirongolddev/tcap/internal/store"
)

type daemonRuntimeState struct {
	PID       int       `json:"pid"`
	Addr      string    `json:"addr"`
	StartedAt time.Time `json:"started_at"`
	Root      string    `json:"root"`
}

var (
	flagDaemonAddr         string
	flagDaemonInterval     time.Duration
	flagDaemonDetach       bool
	flagDaemonPIDFile      string
	flagDaemonLogFile      string
	flagDaemonEventsBuffer int
	flagDaemonChild        bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the queue processor with a local control API",
	RunE:  runDaemon,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon process and processor status",
	RunE:  runDaemonStatus,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE:  runDaemonStop,
}

func init() {
	daemonCmd.PersistentFlags().StringVar(&flagDaemonAddr, "addr", "", "Control API listen address, loopback only (default from config)")
	daemonCmd.PersistentFlags().DurationVar(&flagDaemonInterval, "interval", 0, "Processing interval (default from config)")
	daemonCmd.PersistentFlags().StringVar(&flagDaemonPIDFile, "pid-file", "", "PID file path (default <root>/tcapd.pid)")
	daemonCmd.PersistentFlags().StringVar(&flagDaemonLogFile, "log-file", "", "Log file path for detached mode (default <root>/tcapd.log)")
	daemonCmd.PersistentFlags().IntVar(&flagDaemonEventsBuffer, "events-buffer", 200, "Max in-memory events retained")

	daemonCmd.Flags().BoolVar(&flagDaemonDetach, "detach", false, "Run daemon as a background process")
	daemonCmd.Flags().BoolVar(&flagDaemonChild, "child", false, "Internal: mark detached child process")
	_ = daemonCmd.Flags().MarkHidden("child")
	daemonStatusCmd.Flags().BoolVar(&flagJSON, "json", false, "Print status as JSON")

	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	rootCmd.AddCommand(daemonCmd)
}

// daemonPaths resolves the pid file, log file and control address.
func daemonPaths(cfg config.Config) (pidFile, logFile, addr string) {
	root := workspace(cfg).Root
	pidFile, logFile, addr = flagDaemonPIDFile, flagDaemonLogFile, flagDaemonAddr
	if pidFile == "" {
		pidFile = filepath.Join(root, "tcapd.pid")
	}
	if logFile == "" {
		logFile = filepath.Join(root, "tcapd.log")
	}
	if addr == "" {
		addr = cfg.Daemon.Addr
	}
	return pidFile, logFile, addr
}

// daemonAddr returns the address of the running daemon, preferring what it
// recorded in its state file.
func daemonAddr(cfg config.Config) string {
	pidFile, _, addr := daemonPaths(cfg)
	if st, err := readState(statePath(pidFile)); err == nil && st.Addr != "" {
		return st.Addr
	}
	return addr
}

func runDaemon(_ *cobra.Command, _ []string) error {
	if flagDaemonDetach && flagDaemonChild {
		return errors.New("invalid daemon launch mode")
	}

	cfg, err := config.LoadFile(configPath())
	if err != nil {
		return fmt.Errorf("daemon needs a valid config: %w", err)
	}
	if flagDaemonDetach {
		return startDaemonDetached(cfg)
	}
	return runDaemonForeground(cfg)
}

func startDaemonDetached(cfg config.Config) error {
	pidFile, logFile, addr := daemonPaths(cfg)
	if err := daemon.CheckLoopback(addr); err != nil {
		return err
	}
	if err := ensureDaemonNotRunning(pidFile); err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	args := filterDetachArg(os.Args[1:])
	args = append(args, "--child")

	if err := os.MkdirAll(filepath.Dir(pidFile), 0o700); err != nil {
		return fmt.Errorf("create daemon directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0o700); err != nil {
		return fmt.Errorf("create daemon log directory: %w", err)
	}

	//nolint:gosec // daemon log path is configured by the local user
	logf, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open daemon log file: %w", err)
	}
	defer func() { _ = logf.Close() }()

	cmd := exec.Command(exe, args...) //nolint:gosec // exe/args come from current process invocation
	cmd.Stdout = logf
	cmd.Stderr = logf
	cmd.Stdin = nil
	cmd.Env = os.Environ()
	cmd.SysProcAttr = detachAttr()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start detached daemon: %w", err)
	}

	fmt.Printf("  Started daemon (pid %d)\n", cmd.Process.Pid)
	fmt.Printf("  PID file: %s\n", pidFile)
	fmt.Printf("  API: http://%s/v1/status\n", addr)
	fmt.Printf("  Log: %s\n", logFile)
	return nil
}

func runDaemonForeground(cfg config.Config) error {
	pidFile, _, addr := daemonPaths(cfg)
	if err := daemon.CheckLoopback(addr); err != nil {
		return err
	}
	if err := ensureDaemonNotRunning(pidFile); err != nil {
		return err
	}

	ws := workspace(cfg)
	q, err := openQueue(cfg, ws)
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()
	w, err := store.OpenWriter(ws)
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	pid := os.Getpid()
	if err := writePID(pidFile, pid); err != nil {
		return err
	}
	defer func() { _ = os.Remove(pidFile) }()

	state := daemonRuntimeState{
		PID:       pid,
		Addr:      addr,
		StartedAt: time.Now(),
		Root:      ws.Root,
	}
	_ = writeState(statePath(pidFile), state)
	defer func() { _ = os.Remove(statePath(pidFile)) }()

	interval := flagDaemonInterval
	if interval <= 0 {
		interval = cfg.Processor.Interval()
	}
	src := config.NewFileSource(configPath(), cfg.Capture.TTL())
	svc := daemon.New(daemon.Config{
		Root:         ws.Root,
		Interval:     interval,
		Addr:         addr,
		EventsBuffer: flagDaemonEventsBuffer,
	}, processor.New(q, w, src), control.New(configPath(), q, w))

	if !flagQuiet {
		fmt.Printf("  tcap daemon listening on http://%s\n", addr)
		fmt.Printf("  Processing %s every %s\n", ws.QueueDir(), interval)
		fmt.Printf("  Stop with: tcap daemon stop --pid-file %s\n", pidFile)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runDaemonStatus(_ *cobra.Command, _ []string) error {
	cfg := loadConfig()
	pidFile, _, _ := daemonPaths(cfg)
	pid, err := readPID(pidFile)
	if err != nil {
		fmt.Printf("  Daemon: not running (pid file not found)\n")
		return nil
	}
	if !processAlive(pid) {
		fmt.Printf("  Daemon: stale pid file (pid %d not alive)\n", pid)
		return nil
	}

	addr := daemonAddr(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := daemon.NewClient(addr).Status(ctx)
	if err != nil {
		fmt.Printf("  Daemon PID: %d\n", pid)
		fmt.Printf("  API status: unreachable (%v)\n", err)
		return nil
	}
	if flagJSON {
		return printJSON(st)
	}

	now := time.Now()
	pairs := [][2]string{
		{"Daemon PID", strconv.Itoa(pid)},
		{"Address", "http://" + addr},
		{"Root", st.Root},
		{"Uptime", cli.FormatDuration(now.Sub(st.StartedAt))},
		{"Last cycle", cli.FormatAgo(st.LastCycleAt, now)},
		{"Cycles", cli.FormatNumber(st.CycleCount)},
		{"Records drained", cli.FormatNumber(int64(st.Totals.Drained))},
		{"Chunks committed", cli.FormatNumber(int64(st.Totals.Chunks))},
		{"Sessions closed", cli.FormatNumber(int64(st.Totals.Closed))},
		{"Filtered", cli.FormatNumber(int64(st.Totals.Filtered))},
		{"Deduplicated", cli.FormatNumber(int64(st.Totals.Deduplicated))},
		{"Held records", cli.FormatNumber(int64(st.LastCycle.Held))},
	}
	if st.LastError != "" {
		pairs = append(pairs, [2]string{"Last error", cli.Warn(st.LastError)})
	}
	fmt.Println()
	fmt.Print(cli.RenderKV(pairs))
	fmt.Println()
	return nil
}

func runDaemonStop(_ *cobra.Command, _ []string) error {
	pidFile, _, _ := daemonPaths(loadConfig())
	pid, err := readPID(pidFile)
	if err != nil {
		return errors.New("daemon is not running")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find daemon process: %w", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal daemon process: %w", err)
	}

	// The daemon commits buffered sessions before it exits.
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			_ = os.Remove(pidFile)
			_ = os.Remove(statePath(pidFile))
			fmt.Printf("  Stopped daemon (pid %d)\n", pid)
			return nil
		}
		time.Sleep(150 * time.Millisecond)
	}

	return fmt.Errorf("daemon (pid %d) did not exit in time", pid)
}

func filterDetachArg(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--detach" || strings.HasPrefix(a, "--detach=") {
			continue
		}
		out = append(out, a)
	}
	return out
}

// daemonRunning reports whether the pid file names a live process.
func daemonRunning(pidFile string) bool {
	pid, err := readPID(pidFile)
	return err == nil && processAlive(pid)
}

func ensureDaemonNotRunning(pidFile string) error {
	pid, err := readPID(pidFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if processAlive(pid) {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}
	_ = os.Remove(pidFile)
	_ = os.Remove(statePath(pidFile))
	return nil
}

func writePID(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create daemon directory: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

func readPID(path string) (int, error) {
	//nolint:gosec // daemon pid path is configured by the local user
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid in %s", path)
	}
	return pid, nil
}

func statePath(pidFile string) string {
	return pidFile + ".json"
}

func writeState(path string, st daemonRuntimeState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

func readState(path string) (daemonRuntimeState, error) {
	var st daemonRuntimeState
	//nolint:gosec // daemon state path is configured by the local user
	data, err := os.ReadFile(path)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, err
	}
	return st, nil
}
