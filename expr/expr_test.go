package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalBoolComparisons(t *testing.T) {
	vars := map[string]any{
		"score":  0.8,
		"label":  "urgent",
		"count":  3,
		"active": true,
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`score > 0.5`, true},
		{`score > 0.9`, false},
		{`score >= 0.8`, true},
		{`score < 1`, true},
		{`label == "urgent"`, true},
		{`label != "urgent"`, false},
		{`count == 3`, true},
		{`count <= 2`, false},
		{`active`, true},
		{`!active`, false},
		{`score > 0.5 && label == "urgent"`, true},
		{`score > 0.9 || count == 3`, true},
		{`score > 0.9 && count == 3`, false},
		{`!(score > 0.9) && active`, true},
		{`(score > 0.9 || count == 3) && active`, true},
		{`-1 < 0`, true},
		{`true`, true},
		{`false`, false},
		{``, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := EvalBool(tt.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalDotPaths(t *testing.T) {
	vars := map[string]any{
		"classify": map[string]any{
			"score": 0.42,
			"meta":  map[string]any{"lang": "en"},
		},
	}

	got, err := EvalBool(`classify.score < 0.5`, vars)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvalBool(`classify.meta.lang == "en"`, vars)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestMissingPathsAreFalsyNotErrors(t *testing.T) {
	vars := map[string]any{"present": 1}

	got, err := EvalBool(`absent`, vars)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = EvalBool(`absent == null`, vars)
	require.NoError(t, err)
	assert.True(t, got)

	// A value an untaken branch never produced compares below everything.
	got, err = EvalBool(`absent < 0`, vars)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = EvalBool(`absent.deeper.still == null`, vars)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestContainsAndIn(t *testing.T) {
	vars := map[string]any{
		"tags":    []any{"beta", "internal"},
		"names":   []string{"ada", "grace"},
		"text":    "hello world",
		"configs": map[string]any{"retries": 3},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`tags contains "beta"`, true},
		{`tags contains "stable"`, false},
		{`"grace" in names`, true},
		{`"alan" in names`, false},
		{`text contains "world"`, true},
		{`configs contains "retries"`, true},
		{`configs contains "backoff"`, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := EvalBool(tt.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompileRejectsMalformedExpressions(t *testing.T) {
	for _, src := range []string{
		`score >`,
		`(score > 0.5`,
		`"unterminated`,
		`score @ 3`,
		`score > 0.5 extra`,
	} {
		t.Run(src, func(t *testing.T) {
			_, err := Compile(src)
			assert.Error(t, err)
		})
	}
}

func TestCompiledReuse(t *testing.T) {
	c, err := Compile(`iteration < 3`)
	require.NoError(t, err)
	assert.Equal(t, `iteration < 3`, c.Source())

	for i, want := range []bool{true, true, true, false, false} {
		got, err := c.EvalBool(map[string]any{"iteration": i})
		require.NoError(t, err)
		assert.Equal(t, want, got, "iteration %d", i)
	}
}

func TestNumericStringCoercion(t *testing.T) {
	got, err := EvalBool(`value > 10`, map[string]any{"value": "42"})
	require.NoError(t, err)
	assert.True(t, got)

	// Non-numeric strings fall back to lexicographic comparison.
	got, err = EvalBool(`name > "a"`, map[string]any{"name": "b"})
	require.NoError(t, err)
	assert.True(t, got)
}
