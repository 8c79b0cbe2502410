// Package task resolves what a swebox environment should work on.
// A task instance can come from a local problem statement file, a GitHub
// issue URL, or a benchmark instance file (JSON array or JSONL).
package task

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"swebox/internal/github"
	"swebox/internal/logging"
)

// Instance represents a single task instance. The field set mirrors the
// published benchmark schema so instance files can be loaded unmodified.
type Instance struct {
	// Core identification
	InstanceID string `json:"instance_id"` // e.g., "django__django-11001"
	Repo       string `json:"repo"`        // e.g., "django/django"
	BaseCommit string `json:"base_commit"` // Git commit to start from

	// Problem specification
	ProblemStatement string `json:"problem_statement"`
	HintsText        string `json:"hints_text"`

	// Version and setup
	Version                string `json:"version"`
	EnvironmentSetupCommit string `json:"environment_setup_commit"`
	CreatedAt              string `json:"created_at"`

	// Gold patch (for validation only - not shown to the agent)
	Patch     string `json:"patch"`
	TestPatch string `json:"test_patch"`

	// Test specifications
	FailToPass []string `json:"FAIL_TO_PASS"`
	PassToPass []string `json:"PASS_TO_PASS"`

	// IssueURL is set when the instance was resolved from a GitHub issue.
	IssueURL string `json:"issue_url,omitempty"`
}

// RepoOwner returns the repository owner (e.g., "django" from "django/django").
func (i *Instance) RepoOwner() string {
	parts := strings.Split(i.Repo, "/")
	if len(parts) >= 1 {
		return parts[0]
	}
	return ""
}

// RepoName returns the repository name (e.g., "django" from "django/django").
func (i *Instance) RepoName() string {
	parts := strings.Split(i.Repo, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return i.Repo
}

// GitURL returns the full Git URL for cloning.
func (i *Instance) GitURL() string {
	if i.Repo == "" {
		return ""
	}
	return fmt.Sprintf("https://github.com/%s.git", i.Repo)
}

// AllTests returns all test names (FAIL_TO_PASS + PASS_TO_PASS).
func (i *Instance) AllTests() []string {
	all := make([]string, 0, len(i.FailToPass)+len(i.PassToPass))
	all = append(all, i.FailToPass...)
	all = append(all, i.PassToPass...)
	return all
}

// TestCount returns the total number of tests.
func (i *Instance) TestCount() int {
	return len(i.FailToPass) + len(i.PassToPass)
}

// String returns a human-readable representation.
func (i *Instance) String() string {
	return fmt.Sprintf("Instance{ID: %s, Repo: %s, Tests: %d}",
		i.InstanceID, i.Repo, i.TestCount())
}

// =============================================================================
// INSTANCE FILE LOADING
// =============================================================================

// LoadInstances loads instances from a JSON array or JSONL file.
func LoadInstances(path string) ([]*Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instances file: %w", err)
	}

	var instances []*Instance
	if err := json.Unmarshal(data, &instances); err != nil {
		// Try loading as JSONL (one JSON object per line)
		instances, err = parseJSONL(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse instances: %w", err)
		}
	}

	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances in %s", path)
	}
	return instances, nil
}

// parseJSONL parses JSON Lines format.
func parseJSONL(data []byte) ([]*Instance, error) {
	var instances []*Instance
	lines := strings.Split(string(data), "\n")

	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var instance Instance
		if err := json.Unmarshal([]byte(line), &instance); err != nil {
			return nil, fmt.Errorf("failed to parse line %d: %w", i+1, err)
		}
		instances = append(instances, &instance)
	}

	return instances, nil
}

// =============================================================================
// TASK RESOLUTION
// =============================================================================

// ResolveOptions controls DataPath resolution.
type ResolveOptions struct {
	// DataPath is a problem statement file, issue URL, or instance file.
	DataPath string

	// RepoPath is a local repo used for problem-statement tasks.
	RepoPath string

	// Filter restricts instance files to a single instance ID (optional).
	Filter string

	// GitHub is required when DataPath is an issue URL.
	GitHub *github.Client
}

// Resolve turns a DataPath into one or more task instances.
func Resolve(ctx context.Context, opts ResolveOptions) ([]*Instance, error) {
	dataPath := strings.TrimSpace(opts.DataPath)
	if dataPath == "" {
		return nil, fmt.Errorf("data path is empty")
	}

	if github.IsIssueURL(dataPath) {
		inst, err := resolveIssue(ctx, dataPath, opts.GitHub)
		if err != nil {
			return nil, err
		}
		return []*Instance{inst}, nil
	}

	ext := strings.ToLower(filepath.Ext(dataPath))
	switch ext {
	case ".md", ".txt":
		inst, err := resolveProblemStatement(dataPath, opts.RepoPath)
		if err != nil {
			return nil, err
		}
		return []*Instance{inst}, nil

	case ".json", ".jsonl":
		instances, err := LoadInstances(dataPath)
		if err != nil {
			return nil, err
		}
		if opts.Filter != "" {
			var filtered []*Instance
			for _, inst := range instances {
				if inst.InstanceID == opts.Filter {
					filtered = append(filtered, inst)
				}
			}
			if len(filtered) == 0 {
				return nil, fmt.Errorf("no instance matches filter %q", opts.Filter)
			}
			instances = filtered
		}
		logging.Env("Resolved %d instance(s) from %s", len(instances), dataPath)
		return instances, nil

	default:
		return nil, fmt.Errorf(
			"unsupported data path %q: expected a .md/.txt problem statement, "+
				"a GitHub issue URL, or a .json/.jsonl instance file", dataPath)
	}
}

// resolveProblemStatement builds an instance from a local markdown/text file.
func resolveProblemStatement(path, repoPath string) (*Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read problem statement: %w", err)
	}
	body := strings.TrimSpace(string(data))
	if body == "" {
		return nil, fmt.Errorf("problem statement %s is empty", path)
	}

	// The content hash keeps IDs distinct when the same filename is reused
	// across tasks.
	sum := sha1.Sum(data)
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	id := fmt.Sprintf("%s-%x", stem, sum[:4])

	inst := &Instance{
		InstanceID:       id,
		ProblemStatement: body,
	}
	if repoPath != "" {
		inst.Repo = filepath.Base(strings.TrimRight(repoPath, "/"))
	}

	logging.Env("Resolved problem statement task: %s", id)
	return inst, nil
}

// resolveIssue builds an instance from a GitHub issue.
func resolveIssue(ctx context.Context, url string, client *github.Client) (*Instance, error) {
	if client == nil {
		client = github.NewClient("")
	}

	owner, repo, number, err := github.ParseIssueURL(url)
	if err != nil {
		return nil, err
	}

	issue, err := client.FetchIssue(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch issue: %w", err)
	}
	if issue.IsPullRequest() {
		return nil, fmt.Errorf("%s is a pull request, not an issue", url)
	}

	statement := issue.Title
	if issue.Body != "" {
		statement += "\n\n" + issue.Body
	}

	inst := &Instance{
		InstanceID:       fmt.Sprintf("%s__%s-%d", owner, repo, number),
		Repo:             owner + "/" + repo,
		ProblemStatement: statement,
		IssueURL:         url,
	}

	logging.Env("Resolved issue task: %s", inst.InstanceID)
	return inst, nil
}
