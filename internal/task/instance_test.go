package task

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swebox/internal/github"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestInstanceHelpers(t *testing.T) {
	inst := &Instance{
		InstanceID: "django__django-11001",
		Repo:       "django/django",
		FailToPass: []string{"test_a", "test_b"},
		PassToPass: []string{"test_c"},
	}

	assert.Equal(t, "django", inst.RepoOwner())
	assert.Equal(t, "django", inst.RepoName())
	assert.Equal(t, "https://github.com/django/django.git", inst.GitURL())
	assert.Equal(t, 3, inst.TestCount())
	assert.Equal(t, []string{"test_a", "test_b", "test_c"}, inst.AllTests())
}

func TestLoadInstances_JSONArray(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "instances.json", `[
		{"instance_id": "a-1", "repo": "o/r", "base_commit": "abc"},
		{"instance_id": "a-2", "repo": "o/r", "base_commit": "def"}
	]`)

	instances, err := LoadInstances(path)
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "a-1", instances[0].InstanceID)
	assert.Equal(t, "def", instances[1].BaseCommit)
}

func TestLoadInstances_JSONL(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "instances.jsonl",
		`{"instance_id": "a-1", "repo": "o/r"}
{"instance_id": "a-2", "repo": "o/r"}
`)

	instances, err := LoadInstances(path)
	require.NoError(t, err)
	require.Len(t, instances, 2)
}

func TestLoadInstances_BadLine(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "instances.jsonl",
		`{"instance_id": "a-1"}
not json
`)

	_, err := LoadInstances(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestLoadInstances_Empty(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "instances.jsonl", "\n\n")

	_, err := LoadInstances(path)
	require.Error(t, err)
}

func TestResolve_ProblemStatement(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "fix_bug.md", "# Fix the bug\n\nIt crashes.")

	instances, err := Resolve(context.Background(), ResolveOptions{
		DataPath: path,
		RepoPath: "/tmp/myrepo",
	})
	require.NoError(t, err)
	require.Len(t, instances, 1)

	inst := instances[0]
	assert.Contains(t, inst.InstanceID, "fix_bug-")
	assert.Equal(t, "myrepo", inst.Repo)
	assert.Contains(t, inst.ProblemStatement, "It crashes.")
}

func TestResolve_ProblemStatementHashStable(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "task.md", "do the thing")

	a, err := Resolve(context.Background(), ResolveOptions{DataPath: path})
	require.NoError(t, err)
	b, err := Resolve(context.Background(), ResolveOptions{DataPath: path})
	require.NoError(t, err)
	assert.Equal(t, a[0].InstanceID, b[0].InstanceID)
}

func TestResolve_EmptyProblemStatement(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "empty.md", "  \n")

	_, err := Resolve(context.Background(), ResolveOptions{DataPath: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestResolve_UnknownExtension(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "task.csv", "whatever")

	_, err := Resolve(context.Background(), ResolveOptions{DataPath: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported data path")
}

func TestResolve_InstanceFileFilter(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "instances.json", `[
		{"instance_id": "a-1", "repo": "o/r"},
		{"instance_id": "a-2", "repo": "o/r"}
	]`)

	instances, err := Resolve(context.Background(), ResolveOptions{
		DataPath: path,
		Filter:   "a-2",
	})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "a-2", instances[0].InstanceID)

	_, err = Resolve(context.Background(), ResolveOptions{
		DataPath: path,
		Filter:   "nope",
	})
	require.Error(t, err)
}

func TestResolve_Issue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/octo/proj/issues/42", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"number": 42,
			"title":  "Crash on startup",
			"body":   "Stack trace attached.",
			"state":  "open",
		})
	}))
	defer server.Close()

	client := github.NewClient("tok", github.WithBaseURL(server.URL))
	instances, err := Resolve(context.Background(), ResolveOptions{
		DataPath: "https://github.com/octo/proj/issues/42",
		GitHub:   client,
	})
	require.NoError(t, err)
	require.Len(t, instances, 1)

	inst := instances[0]
	assert.Equal(t, "octo__proj-42", inst.InstanceID)
	assert.Equal(t, "octo/proj", inst.Repo)
	assert.Contains(t, inst.ProblemStatement, "Crash on startup")
	assert.Contains(t, inst.ProblemStatement, "Stack trace attached.")
}
