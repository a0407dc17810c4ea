package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tcap/internal/cli"
	"github.com/theirongolddev/tcap/internal/control"
)

var toggleCmd = &cobra.Command{
	Use:       "toggle [on|off]",
	Short:     "Turn capture on or off (flips it without an argument)",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	RunE:      runToggle,
}

func init() {
	rootCmd.AddCommand(toggleCmd)
}

func runToggle(_ *cobra.Command, args []string) error {
	ctl := control.New(configPath(), nil, nil)

	var (
		enabled bool
		err     error
	)
	if len(args) == 1 {
		enabled = args[0] == "on"
		err = ctl.SetEnabled(enabled)
	} else {
		enabled, err = ctl.Toggle()
	}
	if err != nil {
		return err
	}

	fmt.Printf("  Capture: %s\n", cli.OnOff(enabled))
	if !enabled {
		fmt.Println(cli.Muted("  Shells stop recording within one config refresh."))
	}
	return nil
}
