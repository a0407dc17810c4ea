package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/theirongolddev/tcap/internal/config"
	"github.com/theirongolddev/tcap/internal/model"
)

func TestScope(t *testing.T) {
	s := NewScope([]string{"/work/**"}, []string{"/work/secret/**"})

	assert.True(t, s.Allows("/work/api"))
	assert.True(t, s.Allows("/work/api/"))
	assert.False(t, s.Allows("/work/secret/keys"))
	assert.False(t, s.Allows("/home/me"))

	open := NewScope(nil, []string{"[unclosed"})
	assert.True(t, open.Allows("/anything"), "malformed globs are skipped")
}

func TestScopeCoversDirectoryAndSubtree(t *testing.T) {
	globbed := NewScope(nil, []string{"/home/me/secret/**"})
	assert.False(t, globbed.Allows("/home/me/secret"))
	assert.False(t, globbed.Allows("/home/me/secret/src"))
	assert.True(t, globbed.Allows("/home/me/secretive"))

	literal := NewScope(nil, []string{"/home/me/secret"})
	assert.False(t, literal.Allows("/home/me/secret"))
	assert.False(t, literal.Allows("/home/me/secret/src/deep"))
	assert.True(t, literal.Allows("/home/me/secret2"))

	trailing := NewScope([]string{"/work/"}, nil)
	assert.True(t, trailing.Allows("/work"))
	assert.True(t, trailing.Allows("/work/api"))
	assert.False(t, trailing.Allows("/workshop"))
}

func TestRulesEvaluate(t *testing.T) {
	cfg := config.DefaultConfig().Capture
	cfg.CaptureOutputs = false
	cfg.ExclusionPatterns = []string{"CANARY-[0-9]+"}
	cfg.ExcludedProjects = []string{"/private/**"}
	r := NewRules(cfg)

	assert.Equal(t, Keep, r.Evaluate(model.KindCommand, "ls", "/src"))
	assert.Equal(t, DropKind, r.Evaluate(model.KindOutput, "total 0", "/src"))
	assert.Equal(t, DropProject, r.Evaluate(model.KindCommand, "ls", "/private/x"))
	assert.Equal(t, DropPattern, r.Evaluate(model.KindError, "echo CANARY-42", "/src"))
	assert.Equal(t, Keep, r.Evaluate(model.KindSessionStart, "terminal=zsh", "/src"))

	cfg.Enabled = false
	assert.Equal(t, DropDisabled, NewRules(cfg).Evaluate(model.KindCommand, "ls", "/src"))
}

func TestRulesCacheRecompilesOnChange(t *testing.T) {
	var c RulesCache
	cfg := config.DefaultConfig().Capture
	a := c.For(cfg)
	assert.Same(t, a, c.For(cfg))

	cfg.ExclusionPatterns = append(cfg.ExclusionPatterns, "new")
	assert.NotSame(t, a, c.For(cfg))
}
