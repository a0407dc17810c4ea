package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tcap/internal/cli"
	"github.com/theirongolddev/tcap/internal/query"
)

var (
	flagErrorsProject   string
	flagErrorsDays      int
	flagErrorsSolutions bool
	flagErrorsLimit     int
)

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Recent errors, optionally with what followed them",
	Args:  cobra.NoArgs,
	RunE:  runErrors,
}

func init() {
	errorsCmd.Flags().StringVarP(&flagErrorsProject, "project", "p", "", "Limit to a project path and its subdirectories")
	errorsCmd.Flags().IntVarP(&flagErrorsDays, "days", "n", 7, "Time window in days (0 for all)")
	errorsCmd.Flags().BoolVarP(&flagErrorsSolutions, "solutions", "s", false, "Show the command before and events after each error")
	errorsCmd.Flags().IntVarP(&flagErrorsLimit, "limit", "l", 20, "Maximum errors")
	errorsCmd.Flags().BoolVar(&flagJSON, "json", false, "Print errors as JSON")
	rootCmd.AddCommand(errorsCmd)
}

func runErrors(_ *cobra.Command, _ []string) error {
	svc, cleanup, err := openService(loadConfig())
	if err != nil {
		return err
	}
	defer cleanup()

	req := query.ErrorsRequest{
		ProjectPath:   flagErrorsProject,
		WithSolutions: flagErrorsSolutions,
		Limit:         flagErrorsLimit,
	}
	if flagErrorsDays > 0 {
		req.Since = time.Now().AddDate(0, 0, -flagErrorsDays)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	reports, err := svc.Errors(ctx, req)
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(reports)
	}
	if len(reports) == 0 {
		fmt.Println("\n  No errors captured in this window.")
		return nil
	}

	now := time.Now()
	fmt.Println()
	for _, r := range reports {
		fmt.Printf("  %s  %s\n", cli.Muted(cli.FormatTime(r.Error.Timestamp, now)), cli.Muted(r.Error.ProjectPath))
		if r.Command != nil {
			fmt.Printf("    %s\n", cli.RenderEvent(*r.Command, 72))
		}
		fmt.Printf("    %s\n", cli.RenderEvent(r.Error, 72))
		for _, ev := range r.Following {
			fmt.Printf("    %s\n", cli.RenderEvent(ev, 72))
		}
		fmt.Println()
	}
	return nil
}
