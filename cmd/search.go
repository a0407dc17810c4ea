package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tcap/internal/cli"
	"github.com/theirongolddev/tcap/internal/model"
	"github.com/theirongolddev/tcap/internal/query"
)

var (
	flagSearchProject string
	flagSearchHours   int
	flagSearchLimit   int
	flagSearchKinds   []string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search captured history",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().StringVarP(&flagSearchProject, "project", "p", "", "Limit to a project path and its subdirectories")
	searchCmd.Flags().IntVar(&flagSearchHours, "hours", 0, "Only events from the last N hours")
	searchCmd.Flags().IntVarP(&flagSearchLimit, "limit", "l", 20, "Maximum results")
	searchCmd.Flags().StringSliceVarP(&flagSearchKinds, "kind", "k", nil, "Event kinds: command, output, error")
	searchCmd.Flags().BoolVar(&flagJSON, "json", false, "Print results as JSON")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(_ *cobra.Command, args []string) error {
	svc, cleanup, err := openService(loadConfig())
	if err != nil {
		return err
	}
	defer cleanup()

	req := query.SearchRequest{
		Query:       strings.Join(args, " "),
		ProjectPath: flagSearchProject,
		Limit:       flagSearchLimit,
	}
	if flagSearchHours > 0 {
		req.Since = time.Now().Add(-time.Duration(flagSearchHours) * time.Hour)
	}
	for _, k := range flagSearchKinds {
		kind, err := model.ParseKind(k)
		if err != nil {
			return err
		}
		req.Kinds = append(req.Kinds, kind)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := svc.Search(ctx, req)
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(res)
	}

	if len(res.Matches) == 0 {
		fmt.Println("\n  No matches.")
	} else {
		now := time.Now()
		rows := make([][]string, 0, len(res.Matches))
		for _, m := range res.Matches {
			rows = append(rows, []string{
				cli.FormatTime(m.Event.Timestamp, now),
				cli.RenderEvent(m.Event, 60),
				cli.Truncate(m.Event.ProjectPath, 28),
				fmt.Sprintf("%.2f", m.Score),
			})
		}
		fmt.Println()
		fmt.Print(cli.RenderTable(cli.Table{
			Title:      fmt.Sprintf("Matches for %q", req.Query),
			Headers:    []string{"When", "Event", "Project", "Score"},
			Rows:       rows,
			RightAlign: []bool{false, false, false, true},
		}))
	}
	warnCorrupt(res.CorruptChunks)
	if res.Truncated {
		fmt.Println(cli.Warn("\n  Search stopped before the oldest events; narrow it with --hours or --project"))
	}
	return nil
}

func warnCorrupt(chunks []string) {
	if len(chunks) > 0 {
		fmt.Println(cli.Warn(fmt.Sprintf("\n  %d stored chunks failed verification and were skipped", len(chunks))))
	}
}
