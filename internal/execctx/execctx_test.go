package execctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContext_VariablesAndOutputs(t *testing.T) {
	ctx := New(map[string]interface{}{"env": "prod"})

	v, ok := ctx.GetVariable("env")
	assert.True(t, ok)
	assert.Equal(t, "prod", v)

	_, ok = ctx.GetVariable("missing")
	assert.False(t, ok)

	ctx.SetVariable("region", "us-east-1")
	v, ok = ctx.GetVariable("region")
	assert.True(t, ok)
	assert.Equal(t, "us-east-1", v)

	ctx.SetStepOutput("fetch", map[string]interface{}{
		"statusCode": 200,
		"body":       map[string]interface{}{"id": "abc123"},
	})

	out, ok := ctx.GetStepOutput("fetch")
	assert.True(t, ok)
	assert.Equal(t, 200, out["statusCode"])

	field, ok := ctx.GetStepOutputField("fetch", "body.id")
	assert.True(t, ok)
	assert.Equal(t, "abc123", field)

	_, ok = ctx.GetStepOutputField("fetch", "body.missing")
	assert.False(t, ok)

	_, ok = ctx.GetStepOutputField("never-ran", "anything")
	assert.False(t, ok)
}

func TestEvaluateEquals(t *testing.T) {
	ctx := New(map[string]interface{}{"country": "US", "count": float64(3)})

	assert.True(t, EvaluateEquals(ctx, "country", "US"))
	assert.False(t, EvaluateEquals(ctx, "country", "CA"))
	assert.True(t, EvaluateEquals(ctx, "count", float64(3)))
	assert.False(t, EvaluateEquals(ctx, "missing", "US"))
}

func TestEvaluate_Expressions(t *testing.T) {
	ctx := New(map[string]interface{}{"country": "US", "amount": float64(120)})
	steps := StepStatusLookup(func(stepID string) (string, bool) {
		if stepID == "charge" {
			return "Completed", true
		}
		return "", false
	})

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"simple equality", `variables.country == "US"`, true},
		{"simple inequality", `variables.country != "CA"`, true},
		{"numeric comparison", `variables.amount > 100`, true},
		{"numeric comparison false", `variables.amount < 100`, false},
		{"and both true", `variables.country == "US" && variables.amount > 100`, true},
		{"and short circuits false", `variables.country == "CA" && variables.amount > 100`, false},
		{"or true", `variables.country == "CA" || variables.amount > 100`, true},
		{"negation", `!(variables.country == "CA")`, true},
		{"step status reference", `steps.charge.status == "Completed"`, true},
		{"unresolved step never equals", `steps.missing.status == "Completed"`, false},
		{"unresolved variable never equals", `variables.missing == "x"`, false},
		{"parenthesized precedence", `(variables.country == "US") && (variables.amount > 50)`, true},
		{"malformed expression evaluates false", `variables.country ==`, false},
		{"garbage expression evaluates false", `not even an expression (`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.expr, ctx, steps)
			assert.Equal(t, tt.want, got, tt.expr)
		})
	}
}

func TestEvaluate_NeverPanics(t *testing.T) {
	ctx := New(nil)
	assert.NotPanics(t, func() {
		Evaluate(`((()`, ctx, nil)
	})
	assert.False(t, Evaluate(`((()`, ctx, nil))
}
