package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/theirongolddev/tcap/internal/config"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive capture configuration",
	Args:  cobra.NoArgs,
	RunE:  runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

// setupValues holds form state between the huh fields and the config.
type setupValues struct {
	enabled  bool
	kinds    []string
	patterns string
	projects string
	semantic string
}

func newSetupValues(cfg config.Config) setupValues {
	v := setupValues{
		enabled:  cfg.Capture.Enabled,
		semantic: cfg.Query.Semantic,
	}
	if cfg.Capture.CaptureCommands {
		v.kinds = append(v.kinds, "command")
	}
	if cfg.Capture.CaptureOutputs {
		v.kinds = append(v.kinds, "output")
	}
	if cfg.Capture.CaptureErrors {
		v.kinds = append(v.kinds, "error")
	}
	var extra []string
	for _, p := range cfg.Capture.ExclusionPatterns {
		if !slices.Contains(config.DefaultExclusionPatterns, p) {
			extra = append(extra, p)
		}
	}
	v.patterns = strings.Join(extra, "\n")
	v.projects = strings.Join(cfg.Capture.IncludedProjects, ", ")
	return v
}

func validatePatterns(s string) error {
	for _, line := range splitLines(s) {
		if _, err := regexp.Compile(line); err != nil {
			return fmt.Errorf("%q: %w", line, err)
		}
	}
	return nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newSetupForm(v *setupValues) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Capture terminal activity?").
				Description("Producers check this flag before recording anything.").
				Value(&v.enabled),
			huh.NewMultiSelect[string]().
				Title("What to capture").
				Options(
					huh.NewOption("Commands", "command"),
					huh.NewOption("Output", "output"),
					huh.NewOption("Errors", "error"),
				).
				Value(&v.kinds),
		),
		huh.NewGroup(
			huh.NewText().
				Title("Extra exclusion patterns").
				Description("One regular expression per line. Built-in credential patterns always apply.").
				Validate(validatePatterns).
				Value(&v.patterns),
			huh.NewInput().
				Title("Only capture in these projects").
				Description("Comma-separated path prefixes. Leave blank for everywhere.").
				Value(&v.projects),
			huh.NewSelect[string]().
				Title("Similarity search").
				Options(
					huh.NewOption("Trigram (typo tolerant)", "trigram"),
					huh.NewOption("Off (keywords only)", "off"),
				).
				Value(&v.semantic),
		),
	)
}

// apply copies the form answers onto cfg.
func (v setupValues) apply(cfg *config.Config) {
	cfg.Capture.Enabled = v.enabled
	cfg.Capture.CaptureCommands = slices.Contains(v.kinds, "command")
	cfg.Capture.CaptureOutputs = slices.Contains(v.kinds, "output")
	cfg.Capture.CaptureErrors = slices.Contains(v.kinds, "error")
	cfg.Capture.ExclusionPatterns = append(append([]string(nil), config.DefaultExclusionPatterns...), splitLines(v.patterns)...)
	cfg.Capture.IncludedProjects = splitList(v.projects)
	cfg.Query.Semantic = v.semantic
}

func runSetup(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadFile(configPath())
	if err != nil {
		fmt.Printf("  Existing config is unusable (%v); starting from defaults.\n", err)
		cfg = config.DefaultConfig()
	}

	vals := newSetupValues(cfg)
	if err := newSetupForm(&vals).Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("  Setup cancelled, nothing saved.")
			return nil
		}
		return err
	}
	vals.apply(&cfg)

	if err := config.SaveFile(configPath(), cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	fmt.Println()
	fmt.Printf("  Saved to %s\n", configPath())
	fmt.Println("  Run `tcap setup` anytime to reconfigure.")
	fmt.Println()
	return nil
}
