// Package env provisions and drives containerized task environments.
// An Environment owns one Docker container holding the task repository,
// provides a stateful shell to run commands in it, and can snapshot the
// prepared container as a task image for fast subsequent resets.
package env

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"swebox/internal/config"
	"swebox/internal/github"
	"swebox/internal/logging"
	"swebox/internal/sandbox"
	"swebox/internal/task"
)

// CachedImagePrefix is the tag prefix for committed task images.
const CachedImagePrefix = "swebox-task-env-"

// SubmitAction is the special action that ends an episode with a patch.
const SubmitAction = "submit"

const (
	defaultCommunicateTimeout = 25 * time.Second

	// cloneTimeout bounds repository clones and environment installs,
	// which routinely outlast the per-step communicate timeout.
	cloneTimeout = 10 * time.Minute
)

// Environment is a single containerized task environment.
type Environment struct {
	args   config.EnvironmentArguments
	docker *sandbox.DockerExecutor
	gh     *github.Client

	commMethod  config.CommunicateMethod
	cloneMethod config.CloneMethod

	runID      string
	persistent bool

	mu         sync.Mutex
	instance   *task.Instance
	container  *sandbox.Container
	session    *sandbox.ShellSession
	hooks      []Hook
	returnCode int
	steps      int
	closed     bool
}

// Option customizes a new Environment.
type Option func(*Environment)

// WithGitHubClient overrides the default GitHub client.
func WithGitHubClient(c *github.Client) Option {
	return func(e *Environment) { e.gh = c }
}

// WithCommunicateMethod overrides the communicate method.
func WithCommunicateMethod(m config.CommunicateMethod) Option {
	return func(e *Environment) { e.commMethod = m }
}

// New creates an Environment for the given arguments. The container is not
// started until Reset is called.
func New(args config.EnvironmentArguments, opts ...Option) (*Environment, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	if args.Timeout <= 0 {
		args.Timeout = config.Duration(defaultCommunicateTimeout)
	}

	e := &Environment{
		args:        args,
		docker:      sandbox.NewDockerExecutor(),
		gh:          github.NewClient(""),
		commMethod:  config.CommunicateMethodFromEnv(),
		cloneMethod: config.CloneMethodFromEnv(),
		runID:       uuid.New().String()[:8],
		persistent:  args.ContainerName != "",
		returnCode:  -1,
	}
	for _, opt := range opts {
		opt(e)
	}

	if !e.docker.IsAvailable() {
		return nil, fmt.Errorf("docker is not available on this host")
	}

	logging.Env("Environment created: run_id=%s image=%s persistent=%v",
		e.runID, args.ImageName, e.persistent)
	return e, nil
}

// RunID returns the identifier for this environment's run.
func (e *Environment) RunID() string { return e.runID }

// Instance returns the currently loaded task instance (nil before Reset).
func (e *Environment) Instance() *task.Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instance
}

// ContainerName returns the name of the environment container.
func (e *Environment) ContainerName() string {
	if e.persistent {
		return e.args.ContainerName
	}
	return "swebox-" + e.runID
}

// AddHook registers a lifecycle hook. Hooks fire in registration order.
func (e *Environment) AddHook(h Hook) {
	e.mu.Lock()
	e.hooks = append(e.hooks, h)
	e.mu.Unlock()
	h.OnInit(e)
}

func (e *Environment) fireCopyRepoStarted(repo string) {
	e.mu.Lock()
	hooks := append([]Hook(nil), e.hooks...)
	e.mu.Unlock()
	for _, h := range hooks {
		h.OnCopyRepoStarted(repo)
	}
}

func (e *Environment) fireInstallEnvStarted() {
	e.mu.Lock()
	hooks := append([]Hook(nil), e.hooks...)
	e.mu.Unlock()
	for _, h := range hooks {
		h.OnInstallEnvStarted()
	}
}

func (e *Environment) fireClose() {
	e.mu.Lock()
	hooks := append([]Hook(nil), e.hooks...)
	e.mu.Unlock()
	for _, h := range hooks {
		h.OnClose()
	}
}

// cachedImageTag returns the committed task image tag for an instance.
func cachedImageTag(instanceID string) string {
	return CachedImagePrefix + strings.ToLower(instanceID)
}

// repoDirectory returns the in-container checkout path for an instance.
func repoDirectory(inst *task.Instance) string {
	if inst == nil || inst.Repo == "" {
		return "/repo"
	}
	return "/" + strings.ReplaceAll(inst.Repo, "/", "__")
}

// RepoDirectory returns the in-container path of the current task repo.
func (e *Environment) RepoDirectory() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return repoDirectory(e.instance)
}

// Reset provisions the environment for a task instance and returns its
// problem statement. Subsequent resets reuse a persistent container or a
// cached task image when available.
func (e *Environment) Reset(ctx context.Context, inst *task.Instance) (string, error) {
	if inst == nil {
		return "", fmt.Errorf("reset requires a task instance")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", fmt.Errorf("environment is closed")
	}
	e.instance = inst
	e.steps = 0
	e.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryEnv, "reset "+inst.InstanceID)
	defer timer.StopWithInfo()

	image := e.args.ImageName
	fromCache := false
	if e.args.CacheTaskImages {
		tag := cachedImageTag(inst.InstanceID)
		if e.docker.ImageExists(ctx, tag) {
			logging.Env("Using cached task image %s", tag)
			image = tag
			fromCache = true
		}
	}

	if err := e.ensureContainer(ctx, image); err != nil {
		return "", err
	}
	if err := e.ensureSession(); err != nil {
		return "", err
	}

	if fromCache {
		// The cached image already has the repo and environment installed.
		// Only restore the working tree to the base commit.
		if err := e.resetRepository(ctx, inst); err != nil {
			return "", err
		}
		return inst.ProblemStatement, nil
	}

	if err := e.provisionRepository(ctx, inst); err != nil {
		return "", err
	}

	if e.args.InstallEnvironment {
		e.fireInstallEnvStarted()
		if err := e.installEnvironment(ctx, inst); err != nil {
			return "", err
		}
	}

	if e.args.CacheTaskImages {
		tag := cachedImageTag(inst.InstanceID)
		snap, err := e.docker.CommitContainer(ctx, e.container.ID, tag,
			"prepared environment for "+inst.InstanceID)
		if err != nil {
			logging.EnvWarn("Failed to cache task image %s: %v", tag, err)
		} else {
			logging.Env("Cached task image %s (%s)", tag, snap.ID)
		}
	}

	return inst.ProblemStatement, nil
}

// ensureContainer creates or reuses the environment container.
func (e *Environment) ensureContainer(ctx context.Context, image string) error {
	name := e.ContainerName()

	if e.persistent {
		existing, err := e.docker.FindContainerByName(ctx, name)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.State != sandbox.ContainerStateRunning {
				if err := e.docker.StartContainer(ctx, existing.ID); err != nil {
					return fmt.Errorf("failed to start container %s: %w", name, err)
				}
			}
			e.mu.Lock()
			e.container = existing
			e.mu.Unlock()
			logging.Docker("Reusing persistent container %s", name)
			return nil
		}
	}

	e.mu.Lock()
	current := e.container
	e.mu.Unlock()
	if current != nil {
		if healthy, _ := e.docker.HealthCheck(ctx, current.ID); healthy && current.Image == image {
			return nil
		}
		// Image changed or container died; start over.
		_ = e.docker.RemoveContainer(ctx, current.ID, true)
		e.closeSession()
	}

	if err := e.docker.EnsureImage(ctx, image); err != nil {
		return err
	}

	ctr, err := e.docker.CreateContainer(ctx, sandbox.ContainerCreateOptions{
		Name:        name,
		Image:       image,
		WorkingDir:  "/",
		Environment: []string{"PYTHONUNBUFFERED=1", "PIP_NO_INPUT=1", "BASH_ENV=" + sessionEnvFile},
		Labels: map[string]string{
			"swebox.run": e.runID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	e.mu.Lock()
	e.container = ctr
	e.mu.Unlock()
	return nil
}

// ensureSession starts the stateful shell if the communicate method needs one.
func (e *Environment) ensureSession() error {
	if e.commMethod != config.CommunicateSession {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil && !e.session.Broken() {
		return nil
	}
	if e.session != nil {
		_ = e.session.Close()
	}

	// BASH_ENV points at the activation file the environment install writes.
	// Non-interactive bash sources it on startup, so sessions created after
	// the install (or after a cached-image restore) still see the venv.
	s, err := sandbox.NewShellSession(e.docker.DockerPath(), e.container.ID,
		[]string{"PYTHONUNBUFFERED=1", "BASH_ENV=" + sessionEnvFile})
	if err != nil {
		return fmt.Errorf("failed to start shell session: %w", err)
	}
	e.session = s
	return nil
}

func (e *Environment) closeSession() {
	e.mu.Lock()
	s := e.session
	e.session = nil
	e.mu.Unlock()
	if s != nil {
		_ = s.Close()
	}
}

// Communicate runs input in the environment and returns its output. The
// shell keeps state (cwd, variables) across calls when the session method
// is active.
func (e *Environment) Communicate(ctx context.Context, input string) (string, error) {
	return e.CommunicateWithTimeout(ctx, input, time.Duration(e.args.Timeout))
}

// CommunicateWithTimeout is Communicate with an explicit per-call timeout.
func (e *Environment) CommunicateWithTimeout(ctx context.Context, input string, timeout time.Duration) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", fmt.Errorf("environment is closed")
	}
	ctr := e.container
	session := e.session
	e.mu.Unlock()

	if ctr == nil {
		return "", fmt.Errorf("environment is not reset")
	}
	if timeout <= 0 {
		timeout = time.Duration(e.args.Timeout)
	}

	if e.commMethod == config.CommunicateSession {
		if session == nil || session.Broken() {
			if err := e.ensureSession(); err != nil {
				return "", err
			}
			e.mu.Lock()
			session = e.session
			e.mu.Unlock()
		}
		out, code, err := session.Run(ctx, input, timeout)
		e.setReturnCode(code)
		if e.args.Verbose && out != "" {
			logging.EnvDebug("$ %s\n%s", input, out)
		}
		return out, err
	}

	// One-shot docker exec per call. No shell state survives between calls,
	// so the environment activation file is the only venv carrier here.
	result, err := e.docker.ExecInContainer(ctx, sandbox.ContainerExecOptions{
		ContainerID: ctr.ID,
		Binary:      "/bin/bash",
		Arguments:   []string{"-c", input},
		Environment: []string{"BASH_ENV=" + sessionEnvFile},
		Timeout:     timeout,
	})
	if err != nil {
		return "", err
	}
	e.setReturnCode(result.ExitCode)
	if result.Killed {
		return result.Output(), fmt.Errorf("command timed out after %s", timeout)
	}
	if result.IsError() {
		return result.Output(), fmt.Errorf("command failed: %s", result.Error)
	}
	return result.Output(), nil
}

// CommunicateWithHandling is Communicate but treats a non-zero exit code as
// an error, prefixed with errorMsg.
func (e *Environment) CommunicateWithHandling(ctx context.Context, input, errorMsg string) (string, error) {
	out, err := e.Communicate(ctx, input)
	if err != nil {
		return out, err
	}
	if rc := e.ReturnCode(); rc != 0 {
		logging.EnvError("%s (exit %d): %s", errorMsg, rc, strings.TrimSpace(out))
		return out, fmt.Errorf("%s (exit %d)", errorMsg, rc)
	}
	return out, nil
}

func (e *Environment) setReturnCode(code int) {
	e.mu.Lock()
	e.returnCode = code
	e.mu.Unlock()
}

// ReturnCode returns the exit code of the last Communicate call.
func (e *Environment) ReturnCode() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.returnCode
}

// ExitSubmitted is the exit status a submit action ends the episode with.
const ExitSubmitted = "submitted"

// StepInfo carries metadata about an executed step.
type StepInfo struct {
	// ExitStatus records how the episode ended: "submitted" on submit,
	// the action itself on exit actions. Empty while the episode runs.
	ExitStatus string
}

// Step executes one agent action. A submit action returns the accumulated
// patch as the observation with done=true; exit actions end the episode
// with done=true and the action recorded as the exit status. Everything
// else is run as a shell command.
func (e *Environment) Step(ctx context.Context, action string) (observation string, done bool, info StepInfo, err error) {
	action = strings.TrimSpace(action)

	e.mu.Lock()
	e.steps++
	e.mu.Unlock()

	switch {
	case action == SubmitAction:
		patch, derr := e.GetDiff(ctx)
		if derr != nil {
			return "", true, StepInfo{}, derr
		}
		return patch, true, StepInfo{ExitStatus: ExitSubmitted}, nil

	case action == "exit" || strings.HasPrefix(action, "exit_"):
		return "", true, StepInfo{ExitStatus: action}, nil
	}

	out, err := e.Communicate(ctx, action)
	if err != nil {
		// Timeouts produce an observation, not a terminal error. The agent
		// can recover by trying something else.
		if strings.Contains(err.Error(), "timed out") {
			if ierr := e.Interrupt(ctx); ierr != nil {
				logging.EnvWarn("Interrupt after timeout failed: %v", ierr)
			}
			return fmt.Sprintf("%s\nEXECUTION TIMED OUT", out), false, StepInfo{}, nil
		}
		return out, false, StepInfo{}, err
	}
	return out, false, StepInfo{}, nil
}

// StepCount returns the number of steps taken since the last Reset.
func (e *Environment) StepCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.steps
}

// Interrupt stops whatever is currently running in the environment without
// tearing down the container.
func (e *Environment) Interrupt(ctx context.Context) error {
	e.mu.Lock()
	session := e.session
	e.mu.Unlock()

	if session != nil {
		return session.Interrupt(ctx)
	}
	return nil
}

// GetDiff returns the repository's uncommitted changes as a unified diff,
// including untracked files.
func (e *Environment) GetDiff(ctx context.Context) (string, error) {
	dir := e.RepoDirectory()
	out, err := e.Communicate(ctx, fmt.Sprintf(
		"cd %s && git add -A && git diff --cached && git reset -q", dir))
	if err != nil {
		return "", fmt.Errorf("failed to compute diff: %w", err)
	}
	return out, nil
}

// ApplyPatch applies a unified diff to the repository.
func (e *Environment) ApplyPatch(ctx context.Context, patch string) error {
	if strings.TrimSpace(patch) == "" {
		return fmt.Errorf("patch is empty")
	}

	e.mu.Lock()
	ctr := e.container
	e.mu.Unlock()
	if ctr == nil {
		return fmt.Errorf("environment is not reset")
	}

	name := fmt.Sprintf("/tmp/swebox-%s.patch", uuid.New().String()[:8])
	if err := writeContainerFile(ctx, e.docker, ctr.ID, name, patch); err != nil {
		return err
	}

	dir := e.RepoDirectory()
	_, err := e.CommunicateWithHandling(ctx,
		fmt.Sprintf("cd %s && git apply --whitespace=nowarn %s && rm -f %s", dir, name, name),
		"failed to apply patch")
	return err
}

// RevertChanges discards all uncommitted changes in the repository.
func (e *Environment) RevertChanges(ctx context.Context) error {
	dir := e.RepoDirectory()
	_, err := e.CommunicateWithHandling(ctx,
		fmt.Sprintf("cd %s && git reset --hard -q && git clean -fdxq", dir),
		"failed to revert changes")
	return err
}

// Close tears the environment down. Ephemeral containers are removed;
// persistent containers are stopped but kept. Close is idempotent.
func (e *Environment) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ctr := e.container
	e.mu.Unlock()

	e.fireClose()
	e.closeSession()

	if ctr == nil {
		return nil
	}

	if e.persistent {
		logging.Docker("Stopping persistent container %s (kept for reuse)", ctr.Name)
		return e.docker.StopContainer(ctx, ctr.ID, 10*time.Second)
	}

	logging.Docker("Removing container %s", ctr.Name)
	return e.docker.RemoveContainer(ctx, ctr.ID, true)
}

// PROptions configures OpenPR.
type PROptions struct {
	// DryRun logs what would happen without touching GitHub.
	DryRun bool

	// Branch overrides the generated branch name.
	Branch string

	// Base is the PR base branch (default "main").
	Base string
}

// OpenPR commits the current changes on a new branch, pushes it, and opens
// a pull request referencing the task's issue. Only tasks resolved from a
// GitHub issue can open one, and the issue must still be open. With DryRun
// the commit and branch are created locally but nothing is pushed or opened.
func (e *Environment) OpenPR(ctx context.Context, opts PROptions) (*github.PullRequest, error) {
	e.mu.Lock()
	inst := e.instance
	e.mu.Unlock()
	if inst == nil {
		return nil, fmt.Errorf("environment is not reset")
	}
	if inst.IssueURL == "" {
		return nil, fmt.Errorf(
			"task %s was not resolved from a GitHub issue, refusing to open a pull request",
			inst.InstanceID)
	}

	patch, err := e.GetDiff(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(patch) == "" {
		return nil, fmt.Errorf("nothing to submit: working tree is clean")
	}

	branch := opts.Branch
	if branch == "" {
		branch = "swebox/fix-" + strings.ToLower(inst.InstanceID)
	}

	dir := e.RepoDirectory()
	script := strings.Join([]string{
		"cd " + dir,
		"git config user.name swebox",
		"git config user.email swebox@localhost",
		"git checkout -q -b " + branch,
		"git add -A",
		fmt.Sprintf("git commit -q -m 'Fix %s'", inst.InstanceID),
	}, " && ")
	if _, err := e.CommunicateWithHandling(ctx, script, "failed to commit changes"); err != nil {
		return nil, err
	}

	title := "Fix: " + firstLine(inst.ProblemStatement)
	body := prBody(inst.InstanceID, inst.IssueURL, patch, e.StepCount())

	if opts.DryRun {
		logging.GitHub("Dry run: would push %s and open PR %q against %s/%s",
			branch, title, inst.RepoOwner(), inst.RepoName())
		return nil, nil
	}

	if !e.gh.HasToken() {
		return nil, fmt.Errorf("opening a pull request requires a GitHub token")
	}

	// The issue may have been resolved or closed while the episode ran.
	// Re-check before pushing anything.
	if err := checkIssueOpen(ctx, e.gh, inst.IssueURL); err != nil {
		return nil, err
	}

	if _, err := e.CommunicateWithHandling(ctx,
		fmt.Sprintf("cd %s && git push -q origin %s", dir, branch),
		"failed to push branch"); err != nil {
		return nil, err
	}

	return e.gh.OpenPR(ctx, github.PROptions{
		Owner: inst.RepoOwner(),
		Repo:  inst.RepoName(),
		Title: title,
		Body:  body,
		Head:  branch,
		Base:  opts.Base,
	})
}

// checkIssueOpen verifies the issue behind a task is still open.
func checkIssueOpen(ctx context.Context, gh *github.Client, issueURL string) error {
	owner, repo, number, err := github.ParseIssueURL(issueURL)
	if err != nil {
		return err
	}
	issue, err := gh.FetchIssue(ctx, owner, repo, number)
	if err != nil {
		return fmt.Errorf("failed to check issue state: %w", err)
	}
	if issue.State != "open" {
		return fmt.Errorf("issue %s is %s, refusing to open a pull request",
			issueURL, issue.State)
	}
	return nil
}

// prBody builds the pull request description: what was fixed, a short
// trajectory summary, and the issue the PR closes.
func prBody(instanceID, issueURL, patch string, steps int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated fix for `%s`.\n\n", instanceID)
	fmt.Fprintf(&b, "### Trajectory\n\n%d step(s), %d changed file(s).\n",
		steps, strings.Count(patch, "diff --git "))
	if issueURL != "" {
		fmt.Fprintf(&b, "\nCloses %s\n", issueURL)
	}
	return b.String()
}

// writeContainerFile writes content to a path inside the container via
// stdin, avoiding host-side temp files.
func writeContainerFile(ctx context.Context, docker *sandbox.DockerExecutor, containerID, path, content string) error {
	result, err := docker.ExecInContainer(ctx, sandbox.ContainerExecOptions{
		ContainerID: containerID,
		Binary:      "/bin/sh",
		Arguments:   []string{"-c", "cat > " + path},
		Stdin:       content,
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if result.IsError() || result.ExitCode != 0 {
		return fmt.Errorf("failed to write %s: %s", path, result.Output())
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimLeft(s, "# ")
	if len(s) > 72 {
		s = s[:72]
	}
	return s
}
