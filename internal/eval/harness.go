package eval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"swebox/internal/env"
	"swebox/internal/logging"
	"swebox/internal/task"
)

// testTimeout bounds a single test invocation.
const testTimeout = 5 * time.Minute

// Harness evaluates predictions for one instance inside a prepared
// environment. The environment must already be Reset to the instance.
type Harness struct {
	instance *task.Instance
	env      *env.Environment
}

// NewHarness creates an evaluation harness.
func NewHarness(instance *task.Instance, environment *env.Environment) *Harness {
	return &Harness{instance: instance, env: environment}
}

// Instance returns the instance under evaluation.
func (h *Harness) Instance() *task.Instance { return h.instance }

// Environment returns the underlying environment.
func (h *Harness) Environment() *env.Environment { return h.env }

// RunTest runs a single test with pytest and reports whether it passed.
func (h *Harness) RunTest(ctx context.Context, testName string) *TestResult {
	result := &TestResult{TestName: testName, ExitCode: -1}

	cmd := fmt.Sprintf("cd %s && python -m pytest -x -q --no-header %q 2>&1 | tail -20",
		h.env.RepoDirectory(), testName)

	start := time.Now()
	out, err := h.env.CommunicateWithTimeout(ctx, cmd, testTimeout)
	result.Duration = time.Since(start)
	result.Output = strings.TrimSpace(out)

	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}

	result.ExitCode = h.env.ReturnCode()
	result.Passed = result.ExitCode == 0
	if !result.Passed {
		result.ErrorMessage = lastLine(result.Output)
	}
	return result
}

// RunTests runs each named test individually. One flaky or hanging test
// does not poison the rest.
func (h *Harness) RunTests(ctx context.Context, testNames []string) (map[string]*TestResult, error) {
	results := make(map[string]*TestResult, len(testNames))
	for _, name := range testNames {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results[name] = h.RunTest(ctx, name)
	}
	return results, nil
}

// RunFailToPassTests runs only the FAIL_TO_PASS tests.
func (h *Harness) RunFailToPassTests(ctx context.Context) (map[string]*TestResult, error) {
	return h.RunTests(ctx, h.instance.FailToPass)
}

// RunPassToPassTests runs only the PASS_TO_PASS tests.
func (h *Harness) RunPassToPassTests(ctx context.Context) (map[string]*TestResult, error) {
	return h.RunTests(ctx, h.instance.PassToPass)
}

// Evaluate applies the prediction's patch, runs both test groups, and
// computes the final metrics. Evaluation failures are reported in the
// result rather than as an error; the error return is for infrastructure
// problems only.
func (h *Harness) Evaluate(ctx context.Context, prediction *Prediction) (*EvaluationResult, error) {
	logging.Eval("Evaluating prediction for %s", h.instance.InstanceID)
	startTime := time.Now()

	evalResult := &EvaluationResult{
		InstanceID:        h.instance.InstanceID,
		Model:             prediction.ModelNameOrPath,
		FailToPassResults: make(map[string]TestResult),
		PassToPassResults: make(map[string]TestResult),
		StartedAt:         startTime,
	}
	finish := func() *EvaluationResult {
		evalResult.CompletedAt = time.Now()
		evalResult.Duration = evalResult.CompletedAt.Sub(startTime)
		return evalResult
	}

	if err := h.env.ApplyPatch(ctx, prediction.ModelPatch); err != nil {
		evalResult.Error = err.Error()
		evalResult.ErrorPhase = "patch"
		return finish(), nil
	}
	evalResult.PatchApplied = true

	logging.Eval("Running FAIL_TO_PASS tests (%d)", len(h.instance.FailToPass))
	ftpResults, err := h.RunFailToPassTests(ctx)
	if err != nil {
		evalResult.Error = err.Error()
		evalResult.ErrorPhase = "test"
		return finish(), nil
	}
	collect(ftpResults, evalResult.FailToPassResults, evalResult)

	logging.Eval("Running PASS_TO_PASS tests (%d)", len(h.instance.PassToPass))
	ptpResults, err := h.RunPassToPassTests(ctx)
	if err != nil {
		evalResult.Error = err.Error()
		evalResult.ErrorPhase = "test"
		return finish(), nil
	}
	collect(ptpResults, evalResult.PassToPassResults, evalResult)

	evalResult.TotalTests = h.instance.TestCount()
	evalResult.Resolved = evalResult.FailToPassRate() == 100.0 && evalResult.PassToPassRate() == 100.0

	logging.Eval("Evaluation complete: %s", evalResult.Summary())
	return finish(), nil
}

// EvaluateWithReset evaluates and then reverts the repository so the
// environment is ready for the next prediction.
func (h *Harness) EvaluateWithReset(ctx context.Context, prediction *Prediction) (*EvaluationResult, error) {
	result, err := h.Evaluate(ctx, prediction)

	if revertErr := h.env.RevertChanges(ctx); revertErr != nil {
		logging.EvalWarn("Failed to revert after evaluation: %v", revertErr)
	}

	return result, err
}

func collect(from map[string]*TestResult, into map[string]TestResult, agg *EvaluationResult) {
	for name, result := range from {
		into[name] = *result
		if result.Passed {
			agg.PassedTests++
		} else {
			agg.FailedTests++
		}
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
