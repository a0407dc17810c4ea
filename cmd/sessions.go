package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tcap/internal/cli"
	"github.com/theirongolddev/tcap/internal/store"
)

var (
	sessionsLimit   int
	sessionsDays    int
	sessionsProject string
	sessionsOpen    bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Session list with details",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "l", 20, "Number of sessions to show")
	sessionsCmd.Flags().IntVarP(&sessionsDays, "days", "n", 7, "Time window in days (0 for all)")
	sessionsCmd.Flags().StringVarP(&sessionsProject, "project", "p", "", "Limit to a project path and its subdirectories")
	sessionsCmd.Flags().BoolVar(&sessionsOpen, "open", false, "Only sessions that have not ended")
	sessionsCmd.Flags().BoolVar(&flagJSON, "json", false, "Print sessions as JSON")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(_ *cobra.Command, _ []string) error {
	r, err := store.OpenReader(workspace(loadConfig()))
	if err != nil {
		if errors.Is(err, store.ErrNoStore) {
			fmt.Println("\n  No sessions found.")
			return nil
		}
		return err
	}
	defer func() { _ = r.Close() }()

	now := time.Now()
	f := store.SessionFilter{
		ProjectPath: sessionsProject,
		OpenOnly:    sessionsOpen,
		Limit:       sessionsLimit,
	}
	if sessionsDays > 0 {
		f.Since = now.AddDate(0, 0, -sessionsDays)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sessions, err := r.ListSessions(ctx, f)
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(sessions)
	}
	if len(sessions) == 0 {
		fmt.Println("\n  No sessions in the selected time range.")
		return nil
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle(fmt.Sprintf("SESSIONS  Last %dd (showing %d)", sessionsDays, len(sessions))))
	fmt.Println()

	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		duration := cli.Muted("open")
		if s.Closed() {
			duration = cli.FormatDuration(s.EndedAt.Sub(s.StartedAt))
		}
		rows = append(rows, []string{
			cli.FormatTime(s.StartedAt, now),
			cli.Truncate(s.SessionID, 13),
			cli.Truncate(s.ProjectPath, 28),
			s.TerminalKind,
			duration,
			cli.Truncate(strings.Join(s.Tags, ","), 16),
		})
	}

	fmt.Print(cli.RenderTable(cli.Table{
		Headers:    []string{"Start", "Session", "Project", "Term", "Duration", "Tags"},
		Rows:       rows,
		RightAlign: []bool{false, false, false, false, true, false},
	}))
	return nil
}
