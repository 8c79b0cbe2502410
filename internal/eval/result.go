// Package eval evaluates model predictions against task instances.
package eval

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Prediction is a model's patch for an instance, in the standard
// predictions file format.
type Prediction struct {
	InstanceID      string `json:"instance_id"`
	ModelNameOrPath string `json:"model_name_or_path"`
	ModelPatch      string `json:"model_patch"`
}

// LoadPredictions reads a predictions file (JSON array or JSONL).
func LoadPredictions(path string) ([]*Prediction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read predictions file: %w", err)
	}

	var preds []*Prediction
	if err := json.Unmarshal(data, &preds); err != nil {
		preds = nil
		for i, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var p Prediction
			if err := json.Unmarshal([]byte(line), &p); err != nil {
				return nil, fmt.Errorf("failed to parse prediction line %d: %w", i+1, err)
			}
			preds = append(preds, &p)
		}
	}

	if len(preds) == 0 {
		return nil, fmt.Errorf("no predictions in %s", path)
	}
	return preds, nil
}

// ByInstance indexes predictions by instance ID. Later entries win.
func ByInstance(preds []*Prediction) map[string]*Prediction {
	m := make(map[string]*Prediction, len(preds))
	for _, p := range preds {
		m[p.InstanceID] = p
	}
	return m
}

// TestResult is the outcome of running a single test.
type TestResult struct {
	TestName     string        `json:"test_name"`
	Passed       bool          `json:"passed"`
	Duration     time.Duration `json:"duration"`
	Output       string        `json:"output,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ExitCode     int           `json:"exit_code"`
}

// EvaluationResult is the complete evaluation outcome for one instance.
type EvaluationResult struct {
	InstanceID string `json:"instance_id"`
	Model      string `json:"model,omitempty"`

	PatchApplied bool `json:"patch_applied"`
	Resolved     bool `json:"resolved"`

	FailToPassResults map[string]TestResult `json:"fail_to_pass_results"`
	PassToPassResults map[string]TestResult `json:"pass_to_pass_results"`

	// Summary statistics
	TotalTests  int `json:"total_tests"`
	PassedTests int `json:"passed_tests"`
	FailedTests int `json:"failed_tests"`

	Error      string `json:"error,omitempty"`
	ErrorPhase string `json:"error_phase,omitempty"` // "patch" or "test"

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// IsResolved returns true if the patch fully resolved the issue.
func (r *EvaluationResult) IsResolved() bool {
	return r.Resolved
}

// FailToPassRate returns the percentage of FAIL_TO_PASS tests that passed.
func (r *EvaluationResult) FailToPassRate() float64 {
	if len(r.FailToPassResults) == 0 {
		return 0.0
	}
	return float64(countPassed(r.FailToPassResults)) / float64(len(r.FailToPassResults)) * 100.0
}

// PassToPassRate returns the percentage of PASS_TO_PASS tests that passed.
func (r *EvaluationResult) PassToPassRate() float64 {
	if len(r.PassToPassResults) == 0 {
		return 100.0 // No tests to maintain = 100%
	}
	return float64(countPassed(r.PassToPassResults)) / float64(len(r.PassToPassResults)) * 100.0
}

// Summary returns a human-readable summary.
func (r *EvaluationResult) Summary() string {
	status := "FAILED"
	if r.Resolved {
		status = "RESOLVED"
	}
	return fmt.Sprintf("[%s] %s: F2P=%.0f%% (%d/%d), P2P=%.0f%% (%d/%d), Duration=%s",
		status,
		r.InstanceID,
		r.FailToPassRate(),
		countPassed(r.FailToPassResults),
		len(r.FailToPassResults),
		r.PassToPassRate(),
		countPassed(r.PassToPassResults),
		len(r.PassToPassResults),
		r.Duration.Round(time.Second),
	)
}

func countPassed(results map[string]TestResult) int {
	count := 0
	for _, result := range results {
		if result.Passed {
			count++
		}
	}
	return count
}
