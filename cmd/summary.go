package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tcap/internal/cli"
)

var (
	flagSummaryProject string
	flagSummaryDays    int
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Session and command summary for a project",
	Args:  cobra.NoArgs,
	RunE:  runSummary,
}

func init() {
	summaryCmd.Flags().StringVarP(&flagSummaryProject, "project", "p", "", "Project path (default all projects)")
	summaryCmd.Flags().IntVarP(&flagSummaryDays, "days", "n", 7, "Time window in days")
	summaryCmd.Flags().BoolVar(&flagJSON, "json", false, "Print the summary as JSON")
	rootCmd.AddCommand(summaryCmd)
}

func runSummary(_ *cobra.Command, _ []string) error {
	svc, cleanup, err := openService(loadConfig())
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	now := time.Now()
	stats, err := svc.Summary(ctx, flagSummaryProject, now.AddDate(0, 0, -flagSummaryDays))
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(stats)
	}

	if stats.TotalSessions == 0 {
		fmt.Println("\n  No sessions found in the selected time range.")
		return nil
	}

	title := fmt.Sprintf("TERMINAL ACTIVITY  Last %dd", flagSummaryDays)
	if flagSummaryProject != "" {
		title += "  " + cli.Truncate(flagSummaryProject, 24)
	}
	fmt.Println()
	fmt.Println(cli.RenderTitle(title))
	fmt.Println()

	perSession := make([]float64, len(stats.Sessions))
	for i, sc := range stats.Sessions {
		perSession[i] = float64(sc.Events)
	}
	fmt.Print(cli.RenderTable(cli.Table{
		Headers: []string{"Metric", "Value"},
		Rows: [][]string{
			{"Sessions", cli.FormatNumber(int64(stats.TotalSessions))},
			{"Active days", cli.FormatNumber(int64(stats.ActiveDays))},
			{"---"},
			{"Commands", cli.FormatNumber(int64(stats.Commands))},
			{"Outputs", cli.FormatNumber(int64(stats.Outputs))},
			{"Errors", cli.FormatNumber(int64(stats.Errors))},
			{"Total events", cli.FormatNumber(int64(stats.TotalEvents))},
			{"---"},
			{"Events/session", cli.RenderSparkline(perSession)},
		},
		RightAlign: []bool{false, true},
	}))

	if len(stats.TopCommands) > 0 {
		fmt.Println()
		fmt.Println("  " + cli.Muted("Top commands"))
		peak := float64(stats.TopCommands[0].Count)
		for _, c := range stats.TopCommands {
			fmt.Println(cli.RenderHorizontalBar(c.Command, 28, float64(c.Count), peak, 24))
		}
	}

	rows := make([][]string, 0, len(stats.Sessions))
	for i := len(stats.Sessions) - 1; i >= 0 && len(rows) < 10; i-- {
		sc := stats.Sessions[i]
		duration := "open"
		if !sc.EndedAt.IsZero() {
			duration = cli.FormatDuration(sc.EndedAt.Sub(sc.StartedAt))
		}
		rows = append(rows, []string{
			cli.FormatTime(sc.StartedAt, now),
			cli.Truncate(sc.ProjectPath, 28),
			duration,
			cli.FormatNumber(int64(sc.Commands)),
			cli.FormatNumber(int64(sc.Errors)),
		})
	}
	fmt.Println()
	fmt.Print(cli.RenderTable(cli.Table{
		Title:      "Recent sessions",
		Headers:    []string{"Started", "Project", "Length", "Cmds", "Errs"},
		Rows:       rows,
		RightAlign: []bool{false, false, true, true, true},
	}))
	return nil
}
