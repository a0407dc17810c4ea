package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tcap/internal/daemon"
	"github.com/theirongolddev/tcap/internal/tui"
)

var flagWatchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live view of the daemon",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&flagWatchInterval, "interval", 2*time.Second, "Refresh interval")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(_ *cobra.Command, _ []string) error {
	cfg := loadConfig()
	pidFile, _, _ := daemonPaths(cfg)
	if !daemonRunning(pidFile) {
		return fmt.Errorf("daemon is not running; start it with `tcap daemon --detach`")
	}
	return tui.Run(daemon.NewClient(daemonAddr(cfg)), flagWatchInterval)
}
