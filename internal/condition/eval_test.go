package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_EmptyAlwaysExecutes(t *testing.T) {
	assert.True(t, Evaluate("", &Context{}))
	assert.True(t, Evaluate("   ", &Context{}))
}

func TestEvaluate_AndBindsTighterThanOr(t *testing.T) {
	ctx := &Context{Config: map[string]any{"a": false, "b": true, "c": false}}

	// b AND c = false, a OR false = false.
	assert.False(t, Evaluate("a OR b AND c", ctx))

	// Parens override: (a OR b) AND c = false; a OR (b AND c) unchanged.
	assert.False(t, Evaluate("(a OR b) AND c", ctx))
	assert.True(t, Evaluate("(a OR b) AND NOT c", ctx))
}

func TestEvaluate_NotMissingFlagFailClosed(t *testing.T) {
	// Present flag: NOT true = false.
	assert.False(t, Evaluate("NOT config.flag", &Context{Config: map[string]any{"flag": true}}))

	// Missing flag resolves false (fail-closed), negated to true.
	assert.True(t, Evaluate("NOT config.flag", &Context{Config: map[string]any{}}))
}

func TestEvaluate_SymbolOperators(t *testing.T) {
	ctx := &Context{Config: map[string]any{"a": true, "b": false}}

	assert.False(t, Evaluate("config.a && config.b", ctx))
	assert.True(t, Evaluate("config.a || config.b", ctx))
	assert.True(t, Evaluate("!config.b", ctx))
}

func TestEvaluate_NumericComparisons(t *testing.T) {
	ctx := &Context{Config: map[string]any{"retries": 3, "score": 7.5}}

	assert.True(t, Evaluate("config.retries >= 3", ctx))
	assert.False(t, Evaluate("config.retries > 3", ctx))
	assert.True(t, Evaluate("config.score < 8", ctx))
	assert.True(t, Evaluate("config.retries != 4", ctx))
	assert.True(t, Evaluate("config.score == 7.5", ctx))
}

func TestEvaluate_StringComparison(t *testing.T) {
	ctx := &Context{Config: map[string]any{"mode": "strict"}}

	assert.True(t, Evaluate("config.mode == 'strict'", ctx))
	assert.False(t, Evaluate("config.mode == 'lax'", ctx))
	assert.True(t, Evaluate(`config.mode != "lax"`, ctx))
}

func TestEvaluate_EnvLookup(t *testing.T) {
	ctx := &Context{Env: map[string]string{"CI": "true"}}

	assert.True(t, Evaluate("env.CI", ctx))
	assert.False(t, Evaluate("env.MISSING", ctx))
}

func TestEvaluate_ArtifactsDotPath(t *testing.T) {
	ctx := &Context{Artifacts: map[string]any{
		"plan": map[string]any{"approved": true, "phase": map[string]any{"done": false}},
	}}

	assert.True(t, Evaluate("artifacts.plan.approved", ctx))
	assert.False(t, Evaluate("artifacts.plan.phase.done", ctx))
	assert.False(t, Evaluate("artifacts.plan.missing", ctx))
}

func TestEvaluate_StepOutput(t *testing.T) {
	ctx := &Context{StepOutput: map[string]any{"count": 2}}

	assert.True(t, Evaluate("step.output.count > 1", ctx))
	assert.False(t, Evaluate("step.output.count > 5", ctx))
}

func TestEvaluate_ProvidersIncludes(t *testing.T) {
	ctx := &Context{Providers: []string{"claude", "gpt"}}

	assert.True(t, Evaluate("providers.includes('claude')", ctx))
	assert.False(t, Evaluate("providers.includes('gemini')", ctx))
	assert.True(t, Evaluate("NOT providers.includes('gemini')", ctx))
}

func TestEvaluate_BareIdentResolutionOrder(t *testing.T) {
	// config wins over artifacts, which wins over env.
	ctx := &Context{
		Config:    map[string]any{"use_cache": false},
		Artifacts: map[string]any{"use_cache": true},
		Env:       map[string]string{"USE_CACHE": "true"},
	}
	assert.False(t, Evaluate("use_cache", ctx))

	ctx.Config = nil
	assert.True(t, Evaluate("use_cache", ctx))

	ctx.Artifacts = nil
	assert.True(t, Evaluate("use_cache", ctx))

	ctx.Env = nil
	assert.False(t, Evaluate("use_cache", ctx))

	ctx.Extra = map[string]any{"use_cache": true}
	assert.True(t, Evaluate("use_cache", ctx))
}

func TestEvaluate_UnknownBareIdentIsFalse(t *testing.T) {
	assert.False(t, Evaluate("totally_unknown_flag", &Context{}))
}

func TestEvaluate_ParseErrorFailsOpen(t *testing.T) {
	// Broken expression must never silently disable a step.
	assert.True(t, Evaluate("config.a AND AND", &Context{}))
	assert.True(t, Evaluate("(config.a", &Context{}))
	assert.True(t, Evaluate("config.a ==", &Context{}))
}

func TestEvaluate_EvalErrorFailsOpen(t *testing.T) {
	// Non-numeric value under a numeric operator raises, so the step runs.
	ctx := &Context{Config: map[string]any{"mode": map[string]any{"x": 1}}}
	assert.True(t, Evaluate("config.mode > 3", ctx))
}

func TestEvaluateErr_SurfacesParseError(t *testing.T) {
	_, err := EvaluateErr("config.a &&& config.b", &Context{})
	require.Error(t, err)
}

func TestEvaluate_QuotedParensAreLiteral(t *testing.T) {
	ctx := &Context{Config: map[string]any{"note": "a (quoted) value"}}
	assert.True(t, Evaluate("config.note == 'a (quoted) value'", ctx))
}

func TestEvaluate_QuotedOperatorsAreLiteral(t *testing.T) {
	ctx := &Context{Config: map[string]any{"expr": "x && y"}}
	assert.True(t, Evaluate(`config.expr == "x && y"`, ctx))
}

func TestEvaluate_BothOperandsEvaluated(t *testing.T) {
	// Even when the left side decides the outcome, an error on the right
	// surfaces and fails open.
	ctx := &Context{Config: map[string]any{"a": false, "bad": map[string]any{}}}
	assert.True(t, Evaluate("config.a AND config.bad > 1", ctx))

	ctx.Config["a"] = true
	assert.True(t, Evaluate("config.a OR config.bad > 1", ctx))
}

func TestParse_ASTShape(t *testing.T) {
	n, err := Parse("NOT a AND b OR c")
	require.NoError(t, err)

	// ((NOT a) AND b) OR c
	or, ok := n.(*OrNode)
	require.True(t, ok)
	and, ok := or.Left.(*AndNode)
	require.True(t, ok)
	_, ok = and.Left.(*NotNode)
	assert.True(t, ok)
	assert.Equal(t, &AtomNode{Path: "c"}, or.Right)
}

func TestTokenize_CallToken(t *testing.T) {
	tokens, err := tokenize("providers.includes('a') AND (x)")
	require.NoError(t, err)

	// call, AND, lparen, ident, rparen, EOF
	require.Len(t, tokens, 6)
	assert.Equal(t, tokenCall, tokens[0].Kind)
	assert.Equal(t, "providers.includes", tokens[0].Text)
	assert.Equal(t, []string{"a"}, tokens[0].Args)
	assert.Equal(t, tokenLParen, tokens[2].Kind)
}
