package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/benfinklea/nofx/internal/runs"
)

// ExprGate handles the "gate:" prefix: automated gates that pass or deny
// based on the step's inputs instead of a human.
//
//	gate:coverage  compares inputs.coverage against inputs.threshold
//	               (falling back to the configured coverage threshold)
//	gate:<other>   evaluates inputs.expr as a boolean expression over the
//	               step inputs
type ExprGate struct {
	Env *Env

	// CoverageThreshold is the default for gate:coverage steps that do not
	// carry their own threshold.
	CoverageThreshold float64
}

// Match implements StepHandler.
func (h *ExprGate) Match(tool string) bool {
	return strings.HasPrefix(tool, "gate:")
}

// Run implements StepHandler.
func (h *ExprGate) Run(ctx context.Context, req Request) error {
	if err := h.Env.StartStep(ctx, req); err != nil {
		return err
	}

	kind := strings.TrimPrefix(req.Step.Tool, "gate:")
	passed, detail, err := h.evaluate(kind, req.Step.Inputs)
	if err != nil {
		return h.Env.FailStep(ctx, req, runs.JSON{
			"kind":   runs.KindValidation,
			"gate":   kind,
			"detail": err.Error(),
		})
	}

	if passed {
		return h.Env.FinishStep(ctx, req, runs.JSON{
			"gate":   kind,
			"passed": true,
			"detail": detail,
		})
	}

	if err := h.Env.FailStep(ctx, req, runs.JSON{
		"kind":   runs.KindGateDenied,
		"gate":   kind,
		"detail": detail,
	}); err != nil {
		return err
	}
	return runs.GateDeniedError{RunID: req.RunID, StepID: req.Step.ID, Status: runs.GateFailed}
}

func (h *ExprGate) evaluate(kind string, inputs runs.JSON) (bool, string, error) {
	if kind == "coverage" {
		coverage := numberInput(inputs, "coverage", -1)
		if coverage < 0 {
			return false, "", fmt.Errorf("inputs.coverage is required")
		}
		threshold := numberInput(inputs, "threshold", h.CoverageThreshold)
		return coverage >= threshold,
			fmt.Sprintf("coverage %.4f vs threshold %.4f", coverage, threshold), nil
	}

	src := stringInput(inputs, "expr", "")
	if src == "" {
		return false, "", fmt.Errorf("inputs.expr is required for gate:%s", kind)
	}
	env := map[string]any(inputs)
	out, err := expr.Eval(src, env)
	if err != nil {
		return false, "", fmt.Errorf("evaluate %q: %w", src, err)
	}
	passed, ok := out.(bool)
	if !ok {
		return false, "", fmt.Errorf("expression %q returned %T, want bool", src, out)
	}
	return passed, src, nil
}

// Compile-time check.
var _ StepHandler = (*ExprGate)(nil)
