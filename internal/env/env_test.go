package env

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swebox/internal/config"
	"swebox/internal/github"
	"swebox/internal/task"
)

func TestNew_InvalidArguments(t *testing.T) {
	args := config.DefaultEnvironmentArguments()
	// DataPath missing
	_, err := New(args)
	require.Error(t, err)

	args.DataPath = "task.md"
	args.ContainerName = "keepme"
	args.CacheTaskImages = true
	_, err = New(args)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Not allowed")
}

func TestCachedImageTag(t *testing.T) {
	assert.Equal(t, "swebox-task-env-django__django-11001",
		cachedImageTag("django__django-11001"))
	// Docker tags must be lowercase.
	assert.Equal(t, "swebox-task-env-owner__proj-1", cachedImageTag("Owner__Proj-1"))
}

func TestRepoDirectory(t *testing.T) {
	assert.Equal(t, "/django__django", repoDirectory(&task.Instance{Repo: "django/django"}))
	assert.Equal(t, "/repo", repoDirectory(&task.Instance{}))
	assert.Equal(t, "/repo", repoDirectory(nil))
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "Fix the crash", firstLine("# Fix the crash\n\nDetails here."))
	assert.Equal(t, "one liner", firstLine("one liner"))

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, firstLine(string(long)), 72)
}

func TestVenvName(t *testing.T) {
	assert.Equal(t, "/opt/swebox/venvs/3.11", venvName("3.11"))
	assert.Equal(t, "/opt/swebox/venvs/default", venvName(""))
}

func TestLoadSetupSpec(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "setup.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
python: "3.11"
packages: requirements.txt
pip_packages:
  - pytest
  - flake8
install: pip install -e .[dev]
`), 0o644))

	spec, err := LoadSetupSpec(path)
	require.NoError(t, err)
	assert.Equal(t, "3.11", spec.Python)
	assert.Equal(t, "requirements.txt", spec.Packages)
	assert.Equal(t, []string{"pytest", "flake8"}, spec.PipPackages)
	assert.Equal(t, "pip install -e .[dev]", spec.Install)
}

func TestLoadSetupSpec_Malformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "setup.yml")
	require.NoError(t, os.WriteFile(path, []byte("python: [unclosed"), 0o644))

	_, err := LoadSetupSpec(path)
	require.Error(t, err)
}

type recordingHook struct {
	NoopHook
	inits  int
	repos  []string
	closes int
}

func (h *recordingHook) OnInit(*Environment)        { h.inits++ }
func (h *recordingHook) OnCopyRepoStarted(r string) { h.repos = append(h.repos, r) }
func (h *recordingHook) OnClose()                   { h.closes++ }

func TestHooks_FireInOrder(t *testing.T) {
	e := &Environment{}
	h := &recordingHook{}
	e.AddHook(h)
	assert.Equal(t, 1, h.inits)

	e.fireCopyRepoStarted("django/django")
	e.fireCopyRepoStarted("sympy/sympy")
	assert.Equal(t, []string{"django/django", "sympy/sympy"}, h.repos)

	e.fireClose()
	assert.Equal(t, 1, h.closes)
}

func TestNoopHook_SatisfiesInterface(t *testing.T) {
	var _ Hook = NoopHook{}
	var _ Hook = &recordingHook{}
}

func TestStep_ExitActions(t *testing.T) {
	e := &Environment{}
	ctx := context.Background()

	obs, done, info, err := e.Step(ctx, "exit_cost")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Empty(t, obs)
	assert.Equal(t, "exit_cost", info.ExitStatus)

	_, done, info, err = e.Step(ctx, "exit")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "exit", info.ExitStatus)

	assert.Equal(t, 2, e.StepCount())
}

func TestOpenPR_RequiresIssueTask(t *testing.T) {
	// Tasks from local problem statements have no issue behind them; a PR
	// against a guessed repository must be refused outright.
	e := &Environment{instance: &task.Instance{InstanceID: "local-task-1"}}
	_, err := e.OpenPR(context.Background(), PROptions{DryRun: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GitHub issue")
}

func TestCheckIssueOpen(t *testing.T) {
	state := "closed"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"number": 7, "title": "bug", "state": %q}`, state)
	}))
	defer srv.Close()

	gh := github.NewClient("", github.WithBaseURL(srv.URL))
	url := "https://github.com/octo/sample-repo/issues/7"

	err := checkIssueOpen(context.Background(), gh, url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")

	state = "open"
	require.NoError(t, checkIssueOpen(context.Background(), gh, url))
}

func TestPRBody(t *testing.T) {
	patch := "diff --git a/x.py b/x.py\n+fix\ndiff --git a/y.py b/y.py\n+fix\n"
	body := prBody("octo__sample-repo-7", "https://github.com/octo/sample-repo/issues/7", patch, 5)

	assert.Contains(t, body, "octo__sample-repo-7")
	assert.Contains(t, body, "5 step(s)")
	assert.Contains(t, body, "2 changed file(s)")
	assert.Contains(t, body, "Closes https://github.com/octo/sample-repo/issues/7")
}

func TestPackagesInstallCommand(t *testing.T) {
	activate := ". /opt/swebox/venv/bin/activate"

	cmd := packagesInstallCommand("/proj", activate, "requirements.txt")
	assert.Contains(t, cmd, "pip install -q -r requirements.txt")

	// environment.yml is a conda spec, never a pip argument.
	cmd = packagesInstallCommand("/proj", activate, "environment.yml")
	assert.Contains(t, cmd, "conda env update")
	assert.NotContains(t, cmd, "pip install -q environment.yml")

	cmd = packagesInstallCommand("/proj", activate, "numpy pandas")
	assert.Contains(t, cmd, "pip install -q numpy pandas")
}
