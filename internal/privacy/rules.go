package privacy

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"github.com/theirongolddev/tcap/internal/config"
	"github.com/theirongolddev/tcap/internal/model"
)

// Scope decides which project paths are recorded.
type Scope struct {
	included []glob.Glob
	excluded []glob.Glob
}

// NewScope compiles project globs ("/home/me/work/**"). A pattern covers the
// directory it names and everything beneath it, so "/a/b" and "/a/b/**" are
// equivalent. Malformed globs are skipped with a warning.
func NewScope(included, excluded []string) *Scope {
	return &Scope{
		included: compileGlobs("included_projects", included),
		excluded: compileGlobs("excluded_projects", excluded),
	}
}

// subtreePatterns expands p into itself, its base directory and everything
// under the base.
func subtreePatterns(p string) []string {
	base := strings.TrimSuffix(p, "/**")
	if len(base) > 1 {
		base = strings.TrimRight(base, "/")
	}
	if base == "" || base == "/" {
		return []string{p}
	}
	out := []string{base, base + "/**"}
	if p != base && p != base+"/**" {
		out = append(out, p)
	}
	return out
}

func compileGlobs(field string, patterns []string) []glob.Glob {
	out := make([]glob.Glob, 0, 2*len(patterns))
	for _, p := range patterns {
		if _, err := glob.Compile(p, '/'); err != nil {
			slog.Warn("skipping malformed project pattern", "field", field, "pattern", p, "error", err)
			continue
		}
		for _, sp := range subtreePatterns(p) {
			g, err := glob.Compile(sp, '/')
			if err != nil {
				continue
			}
			out = append(out, g)
		}
	}
	return out
}

func (s *Scope) Allows(projectPath string) bool {
	path := projectPath
	if path != "" {
		path = filepath.Clean(path)
	}
	for _, g := range s.excluded {
		if g.Match(path) {
			return false
		}
	}
	if len(s.included) == 0 {
		return true
	}
	for _, g := range s.included {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// Verdict is the outcome of evaluating an event against capture rules.
type Verdict int

const (
	Keep Verdict = iota
	DropDisabled
	DropKind
	DropProject
	DropPattern
)

func (v Verdict) String() string {
	switch v {
	case Keep:
		return "keep"
	case DropDisabled:
		return "capture disabled"
	case DropKind:
		return "kind not captured"
	case DropProject:
		return "project out of scope"
	case DropPattern:
		return "matched exclusion pattern"
	}
	return "unknown"
}

// Rules is a compiled CaptureConfig.
type Rules struct {
	cfg      config.CaptureConfig
	patterns Patterns
	scope    *Scope
}

// NewRules compiles cfg.
func NewRules(cfg config.CaptureConfig) *Rules {
	return &Rules{
		cfg:      cfg,
		patterns: Compile(cfg.ExclusionPatterns),
		scope:    NewScope(cfg.IncludedProjects, cfg.ExcludedProjects),
	}
}

// Evaluate applies the enabled flag, captured kinds, project scope and
// exclusion patterns, in that order.
func (r *Rules) Evaluate(kind model.Kind, text, projectPath string) Verdict {
	if !r.cfg.Enabled {
		return DropDisabled
	}
	if !r.cfg.Captures(kind) {
		return DropKind
	}
	if !r.scope.Allows(projectPath) {
		return DropProject
	}
	if kind.IsEvent() {
		if _, ok := Filter(text, r.patterns); !ok {
			return DropPattern
		}
	}
	return Keep
}

// RulesCache recompiles Rules only when the capture config changes.
type RulesCache struct {
	mu    sync.Mutex
	key   string
	rules *Rules
}

// For returns compiled rules for cfg.
func (c *RulesCache) For(cfg config.CaptureConfig) *Rules {
	key := rulesKey(cfg)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rules == nil || c.key != key {
		c.rules = NewRules(cfg)
		c.key = key
	}
	return c.rules
}

func rulesKey(cfg config.CaptureConfig) string {
	var b strings.Builder
	flags := []bool{cfg.Enabled, cfg.CaptureCommands, cfg.CaptureOutputs, cfg.CaptureErrors}
	for _, f := range flags {
		if f {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	for _, group := range [][]string{cfg.ExclusionPatterns, cfg.IncludedProjects, cfg.ExcludedProjects} {
		b.WriteByte(0)
		for _, p := range group {
			b.WriteString(p)
			b.WriteByte(1)
		}
	}
	return b.String()
}
