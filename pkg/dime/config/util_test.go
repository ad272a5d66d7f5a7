package config

import (
	"testing"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"
)

func TestConfigParseDuration(t *testing.T) {
	config := &Config{
		Logger: zap.NewNop(),
		evalCtx: &hcl.EvalContext{
			Variables: map[string]cty.Value{"five": cty.NumberIntVal(5)},
		},
	}

	tests := []struct {
		name        string
		input       string
		expected    time.Duration
		expectError bool
	}{
		{name: "integer seconds", input: "30", expected: 30 * time.Second},
		{name: "float seconds", input: "1.5", expected: 1500 * time.Millisecond},
		{name: "zero", input: "0", expected: 0},
		{name: "negative seconds", input: "-5", expectError: true},
		{name: "expression", input: "five * 2", expected: 10 * time.Second},

		{name: "ISO 8601 minutes", input: `"PT5M"`, expected: 5 * time.Minute},
		{name: "ISO 8601 mixed", input: `"PT1H30M"`, expected: 90 * time.Minute},
		{name: "ISO 8601 days", input: `"P2D"`, expected: 48 * time.Hour},
		{name: "invalid ISO 8601", input: `"PXX"`, expectError: true},

		{name: "Go duration", input: `"5m"`, expected: 5 * time.Minute},
		{name: "Go duration milliseconds", input: `"250ms"`, expected: 250 * time.Millisecond},
		{name: "Go duration padded", input: `" 2s "`, expected: 2 * time.Second},
		{name: "negative Go duration", input: `"-1s"`, expectError: true},
		{name: "garbage", input: `"later"`, expectError: true},

		{name: "bool", input: "true", expectError: true},
		{name: "list", input: "[1]", expectError: true},
		{name: "null", input: "null", expectError: true},
		{name: "unknown variable", input: "nope", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, parseDiags := hclsyntax.ParseExpression([]byte(tt.input), "test.dcl", hcl.Pos{Line: 1, Column: 1})
			require.False(t, parseDiags.HasErrors(), "parse %s: %v", tt.input, parseDiags)

			d, diags := config.ParseDuration(expr)
			if tt.expectError {
				assert.True(t, diags.HasErrors(), "expected an error, got %s", d)
				return
			}
			require.False(t, diags.HasErrors(), "unexpected error: %v", diags)
			assert.Equal(t, tt.expected, d)
		})
	}
}

func TestOptionalDuration(t *testing.T) {
	config := &Config{evalCtx: &hcl.EvalContext{}}

	d, diags := config.optionalDuration(nil, time.Minute)
	assert.False(t, diags.HasErrors())
	assert.Equal(t, time.Minute, d)

	expr, _ := hclsyntax.ParseExpression([]byte(`"3s"`), "test.dcl", hcl.Pos{Line: 1, Column: 1})
	d, diags = config.optionalDuration(expr, time.Minute)
	assert.False(t, diags.HasErrors())
	assert.Equal(t, 3*time.Second, d)
}

func TestIsExpressionProvided(t *testing.T) {
	assert.False(t, IsExpressionProvided(nil))

	expr, _ := hclsyntax.ParseExpression([]byte(`1`), "test.dcl", hcl.Pos{Line: 1, Column: 1, Byte: 0})
	assert.True(t, IsExpressionProvided(expr))

	empty := hcl.StaticExpr(cty.NullVal(cty.DynamicPseudoType), hcl.Range{})
	assert.False(t, IsExpressionProvided(empty))
}

func TestSanitizeEnvVarName(t *testing.T) {
	tests := map[string]string{
		"":              "_",
		"PATH":          "PATH",
		"my-var":        "my-var",
		"1ABC":          "_ABC",
		"-x":            "_x",
		"A.B":           "A_B",
		"with space":    "with_space",
		"ProgramFiles9": "ProgramFiles9",
	}

	for in, want := range tests {
		assert.Equal(t, want, sanitizeEnvVarName(in), "sanitize %q", in)
	}
}

func TestGetEnvObject(t *testing.T) {
	t.Setenv("DIME_ENV_TEST", "yes")
	t.Setenv("DIME.DOTTED", "dots")

	env := GetEnvObject()
	require.True(t, env.Type().IsObjectType())
	assert.Equal(t, cty.StringVal("yes"), env.GetAttr("DIME_ENV_TEST"))
	assert.Equal(t, cty.StringVal("dots"), env.GetAttr("DIME_DOTTED"))
}
