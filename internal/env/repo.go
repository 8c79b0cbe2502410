package env

import (
	"context"
	"fmt"
	"os"
	"strings"

	"swebox/internal/config"
	"swebox/internal/logging"
	"swebox/internal/task"
)

// baselineTag marks the commit a task starts from. Resets restore it, so
// branches and commits created during an episode never leak into the next.
const baselineTag = "swebox-base"

// provisionRepository gets the task repository into the container and leaves
// the working tree at the base commit, clean.
func (e *Environment) provisionRepository(ctx context.Context, inst *task.Instance) error {
	dir := repoDirectory(inst)

	// A persistent container may already hold the checkout from a previous
	// run. Reuse it and just reset the tree. Trees we did not provision
	// get their current HEAD recorded as the baseline.
	out, err := e.Communicate(ctx, fmt.Sprintf("test -d %s/.git && echo present", dir))
	if err == nil && strings.Contains(out, "present") {
		logging.Repo("Repository already present at %s, resetting", dir)
		_, _ = e.Communicate(ctx, fmt.Sprintf(
			"cd %s && git rev-parse -q --verify %s >/dev/null || git tag %s",
			dir, baselineTag, baselineTag))
		return e.resetRepository(ctx, inst)
	}

	e.fireCopyRepoStarted(inst.Repo)

	if e.args.RepoPath != "" && !e.args.NoMirror {
		if err := e.mirrorLocalRepo(ctx, dir); err != nil {
			return err
		}
	} else {
		if err := e.cloneRepo(ctx, inst, dir); err != nil {
			return err
		}
	}

	return e.pinBaseline(ctx, inst)
}

// mirrorLocalRepo copies a host repository into the container.
func (e *Environment) mirrorLocalRepo(ctx context.Context, dir string) error {
	src := e.args.RepoPath
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("repo path %s: %w", src, err)
	}

	timer := logging.StartTimer(logging.CategoryRepo, "mirror "+src)
	defer timer.StopWithInfo()

	e.mu.Lock()
	ctr := e.container
	e.mu.Unlock()

	if err := e.docker.CopyToContainer(ctx, ctr.ID, src, dir); err != nil {
		return fmt.Errorf("failed to mirror %s into container: %w", src, err)
	}

	// Mirrored trees may lack a git repo; initialize one so diffing works.
	_, err := e.CommunicateWithHandling(ctx, strings.Join([]string{
		"cd " + dir,
		"if [ ! -d .git ]; then git init -q && git add -A && git -c user.name=swebox -c user.email=swebox@localhost commit -qm 'initial state'; fi",
	}, " && "), "failed to initialize mirrored repo")
	return err
}

// cloneRepo clones the task's repository inside the container. A shallow
// clone is only possible when no specific base commit is required.
func (e *Environment) cloneRepo(ctx context.Context, inst *task.Instance, dir string) error {
	url := inst.GitURL()
	if url == "" {
		return fmt.Errorf("instance %s has no repository to clone", inst.InstanceID)
	}

	method := e.cloneMethod
	if inst.BaseCommit != "" && method == config.CloneShallow {
		logging.RepoDebug("Base commit pinned, forcing full clone of %s", inst.Repo)
		method = config.CloneFull
	}

	timer := logging.StartTimer(logging.CategoryRepo, "clone "+inst.Repo)
	defer timer.StopWithInfo()

	cloneCmd := fmt.Sprintf("git clone -q %s %s", url, dir)
	if method == config.CloneShallow {
		cloneCmd = fmt.Sprintf("git clone -q --depth 1 %s %s", url, dir)
	}

	// Clones of large repos can take a while; do not bound this by the
	// per-step communicate timeout.
	_, err := e.CommunicateWithTimeout(ctx, cloneCmd, cloneTimeout)
	if err != nil {
		return fmt.Errorf("failed to clone %s: %w", inst.Repo, err)
	}
	if rc := e.ReturnCode(); rc != 0 {
		return fmt.Errorf("failed to clone %s (exit %d)", inst.Repo, rc)
	}

	logging.Repo("Cloned %s (%s)", inst.Repo, method)
	return nil
}

// pinBaseline checks out the base commit of a freshly provisioned repo,
// cleans it, and records the baseline tag resets restore.
func (e *Environment) pinBaseline(ctx context.Context, inst *task.Instance) error {
	_, err := e.CommunicateWithHandling(ctx,
		pinBaselineScript(repoDirectory(inst), inst.BaseCommit),
		"failed to pin repository baseline")
	return err
}

// resetRepository restores the working tree to the task's baseline and
// removes every trace of prior episodes: dirty files, untracked files, and
// branches or commits a submission created.
func (e *Environment) resetRepository(ctx context.Context, inst *task.Instance) error {
	_, err := e.CommunicateWithHandling(ctx,
		resetRepositoryScript(repoDirectory(inst), inst.BaseCommit),
		"failed to reset repository")
	if err != nil {
		return err
	}

	logging.Repo("Repository %s reset to %s", inst.Repo, baseOrTag(inst))
	return nil
}

func pinBaselineScript(dir, baseCommit string) string {
	steps := []string{
		"cd " + dir,
		"git config --local user.name swebox",
		"git config --local user.email swebox@localhost",
	}
	if baseCommit != "" {
		steps = append(steps, "git checkout -q "+baseCommit)
	}
	steps = append(steps,
		"git clean -fdxq",
		"git tag -f "+baselineTag)
	return strings.Join(steps, " && ")
}

// resetRepositoryScript detaches HEAD at the baseline before cleaning, so
// the reset holds even when the previous episode committed on a branch.
func resetRepositoryScript(dir, baseCommit string) string {
	target := baselineTag
	if baseCommit != "" {
		target = baseCommit
	}
	steps := []string{
		"cd " + dir,
		"git config --local user.name swebox",
		"git config --local user.email swebox@localhost",
		"git checkout -q -f --detach " + target,
		"git clean -fdxq",
		`for b in $(git for-each-ref --format='%(refname:short)' refs/heads/swebox); do git branch -q -D "$b"; done`,
		"git tag -f " + baselineTag,
	}
	return strings.Join(steps, " && ")
}

func baseOrTag(inst *task.Instance) string {
	if inst.BaseCommit != "" {
		return inst.BaseCommit
	}
	return baselineTag
}
