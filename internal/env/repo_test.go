package env

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runScript executes one of the repository scripts the way the container
// shell would. The scripts carry their own cd, so the working directory of
// the test process does not matter.
func runScript(t *testing.T, script string) string {
	t.Helper()
	out, err := exec.Command("bash", "-c", script).CombinedOutput()
	require.NoError(t, err, "script failed: %s\n%s", script, out)
	return string(out)
}

func initScratchRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	runScript(t, strings.Join([]string{
		"cd " + dir,
		"git init -q",
		"git config user.name tester",
		"git config user.email tester@localhost",
		"echo base > f.txt",
		"git add .",
		"git commit -qm base",
	}, " && "))
	return dir
}

// A reused container holds whatever the previous episode left behind,
// including the branch and commit a pull-request submission creates. The
// reset script must return to the recorded baseline and drop those.
func TestResetScript_ClearsSubmissionState(t *testing.T) {
	dir := initScratchRepo(t)
	runScript(t, pinBaselineScript(dir, ""))

	runScript(t, strings.Join([]string{
		"cd " + dir,
		"git checkout -q -b swebox/fix-task-1",
		"echo fix > f.txt",
		"git add -A",
		"git commit -qm 'Fix task-1'",
	}, " && "))

	runScript(t, resetRepositoryScript(dir, ""))

	content, err := os.ReadFile(filepath.Join(dir, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "base\n", string(content), "prior episode's change survived the reset")

	branches := runScript(t, "cd "+dir+" && git branch --list 'swebox/*'")
	assert.Empty(t, strings.TrimSpace(branches), "submission branch survived the reset")

	current := runScript(t, "cd "+dir+" && git branch --show-current")
	assert.Empty(t, strings.TrimSpace(current), "reset should leave a detached HEAD")
}

func TestResetScript_RestoresBaseCommit(t *testing.T) {
	dir := initScratchRepo(t)
	base := strings.TrimSpace(runScript(t, "cd "+dir+" && git rev-parse HEAD"))

	runScript(t, "cd "+dir+" && echo second > f.txt && git add -A && git commit -qm second")
	runScript(t, pinBaselineScript(dir, base))

	// Dirty the tree like an episode would.
	runScript(t, "cd "+dir+" && echo scratch > untracked.txt && echo dirty > f.txt")

	runScript(t, resetRepositoryScript(dir, base))

	content, err := os.ReadFile(filepath.Join(dir, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "base\n", string(content))
	assert.NoFileExists(t, filepath.Join(dir, "untracked.txt"))

	head := strings.TrimSpace(runScript(t, "cd "+dir+" && git rev-parse HEAD"))
	assert.Equal(t, base, head)
}

// Resetting twice in a row must be a no-op the second time; the baseline
// tag survives the first reset.
func TestResetScript_Idempotent(t *testing.T) {
	dir := initScratchRepo(t)
	runScript(t, pinBaselineScript(dir, ""))

	runScript(t, resetRepositoryScript(dir, ""))
	runScript(t, resetRepositoryScript(dir, ""))

	content, err := os.ReadFile(filepath.Join(dir, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "base\n", string(content))
}
