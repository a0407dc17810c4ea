package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/theirongolddev/tcap/internal/capture"
)

var (
	flagSessionTerminal string
	flagSessionTags     []string
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Begin or end a captured terminal session",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a session and print its id",
	Long: "Prints a new session id for the shell to export as TCAP_SESSION:\n\n" +
		"  export TCAP_SESSION=$(tcap session start --terminal zsh)",
	Args: cobra.NoArgs,
	RunE: runSessionStart,
}

var sessionEndCmd = &cobra.Command{
	Use:   "end [session-id]",
	Short: "End a session (default $TCAP_SESSION)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessionEnd,
}

func init() {
	sessionStartCmd.Flags().StringVar(&flagSessionTerminal, "terminal", "", "Terminal or shell kind, e.g. zsh, tmux")
	sessionStartCmd.Flags().StringSliceVar(&flagSessionTags, "tag", nil, "Session tag (repeatable)")

	sessionCmd.PersistentFlags().StringVarP(&flagCaptureProject, "project", "p", "", "Project path (default working directory)")
	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionEndCmd)
	rootCmd.AddCommand(sessionCmd)
}

func runSessionStart(_ *cobra.Command, _ []string) error {
	id := uuid.NewString()
	// The id is printed even when capture is off or failing, so the shell
	// glue always has a value to export.
	fmt.Println(id)

	p, closeFn, ok := newCaptureProducer(capture.Options{
		SessionID:    id,
		ProjectPath:  flagCaptureProject,
		TerminalKind: flagSessionTerminal,
		Tags:         flagSessionTags,
		ClockSeq:     true,
	})
	defer closeFn()
	if ok {
		slog.Debug("session start", "session_id", id, "outcome", p.Start().String())
	}
	return nil
}

func runSessionEnd(_ *cobra.Command, args []string) error {
	id := os.Getenv("TCAP_SESSION")
	if len(args) == 1 {
		id = args[0]
	}
	p, closeFn, ok := newCaptureProducer(capture.Options{
		SessionID:   id,
		ProjectPath: flagCaptureProject,
		ClockSeq:    true,
	})
	defer closeFn()
	if ok {
		slog.Debug("session end", "session_id", id, "outcome", p.End().String())
	}
	return nil
}
