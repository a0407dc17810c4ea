package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tcap/internal/query"
)

var (
	flagExportDays    int
	flagExportFormat  string
	flagExportProject string
	flagExportOut     string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export captured history",
	Args:  cobra.NoArgs,
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().IntVarP(&flagExportDays, "days", "n", 7, "Time window in days")
	exportCmd.Flags().StringVarP(&flagExportFormat, "format", "f", query.FormatJSON, "Format: "+strings.Join(query.Formats, ", "))
	exportCmd.Flags().StringVarP(&flagExportProject, "project", "p", "", "Limit to a project path and its subdirectories")
	exportCmd.Flags().StringVarP(&flagExportOut, "output", "o", "-", "Output file (- for stdout)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(_ *cobra.Command, _ []string) error {
	svc, cleanup, err := openService(loadConfig())
	if err != nil {
		return err
	}
	defer cleanup()

	var w io.Writer = os.Stdout
	if flagExportOut != "-" {
		//nolint:gosec // output path is chosen by the local user
		f, err := os.OpenFile(flagExportOut, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("creating export file: %w", err)
		}
		defer func() { _ = f.Close() }()
		w = f
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return svc.Export(ctx, w, query.ExportRequest{
		Days:        flagExportDays,
		Format:      flagExportFormat,
		ProjectPath: flagExportProject,
	})
}
