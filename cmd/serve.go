package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tcap/internal/query"
)

var flagServeAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only agent query API over HTTP",
	Long: "Serves search_history, get_errors, get_session_summary,\n" +
		"get_capture_status and export_history as GET endpoints under /v1.\n" +
		"The store is opened read-only; every non-GET request is refused.",
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagServeAddr, "addr", "", "Listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := loadConfig()
	svc, cleanup, err := openService(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	addr := flagServeAddr
	if addr == "" {
		addr = cfg.Query.Addr
	}
	if !flagQuiet {
		fmt.Printf("  tcap query API on http://%s/v1/search?query=...\n", addr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := query.NewServer(svc, addr).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
