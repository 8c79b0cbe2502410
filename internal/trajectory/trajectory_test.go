package trajectory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swebox/internal/eval"
)

func TestWriter_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, "run1", "django__django-11001", "instances.json")
	require.NoError(t, err)

	require.NoError(t, w.Step("ls", "README.md\nsetup.py", 0, false))
	require.NoError(t, w.Step("grep -r bug", "", 1, false))
	require.NoError(t, w.Submission("diff --git a/x b/x"))
	require.NoError(t, w.Close())
	// Close again is fine.
	require.NoError(t, w.Close())

	entries, err := Read(w.Path())
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, EntryMeta, entries[0].Type)
	assert.Equal(t, "run1", entries[0].RunID)
	assert.Equal(t, "django__django-11001", entries[0].InstanceID)

	assert.Equal(t, EntryStep, entries[1].Type)
	assert.Equal(t, "ls", entries[1].Action)
	require.NotNil(t, entries[1].ExitCode)
	assert.Equal(t, 0, *entries[1].ExitCode)

	require.NotNil(t, entries[2].ExitCode)
	assert.Equal(t, 1, *entries[2].ExitCode)

	assert.Equal(t, EntrySubmission, entries[3].Type)
	assert.True(t, entries[3].Done)

	// Seq is monotonically increasing from 1.
	for i, e := range entries {
		assert.Equal(t, i+1, e.Seq)
	}
}

func TestWriter_ExitStatus(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, "run1", "inst", "x.json")
	require.NoError(t, err)
	require.NoError(t, w.Step("exit_cost", "", 0, true))
	require.NoError(t, w.ExitStatus("exit_cost"))
	require.NoError(t, w.Close())

	entries, err := Read(w.Path())
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, EntryEnvironment, entries[2].Type)
	assert.Equal(t, "exit_cost", entries[2].ExitStatus)
}

func TestWriter_AppendAfterClose(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "run1", "inst", "x.json")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	err = w.Step("ls", "", 0, false)
	require.Error(t, err)
}

func TestRead_CorruptLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.traj.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"seq":1,"type":"meta"}
garbage
`), 0o644))

	_, err := Read(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestStore_RunsAndResults(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.RecordRun("run1", "instances.json", "gpt-test"))
	// Duplicate registration is ignored.
	require.NoError(t, store.RecordRun("run1", "instances.json", "gpt-test"))

	require.NoError(t, store.RecordResult("run1", &eval.EvaluationResult{
		InstanceID:   "a-1",
		Resolved:     true,
		PatchApplied: true,
	}))
	require.NoError(t, store.RecordResult("run1", &eval.EvaluationResult{
		InstanceID:   "a-2",
		PatchApplied: true,
	}))

	runs, err := store.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run1", runs[0].RunID)
	assert.Equal(t, 2, runs[0].Instances)
	assert.Equal(t, 1, runs[0].Resolved)

	results, err := store.RunResults("run1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a-1", results[0].InstanceID)
	assert.True(t, results[0].Resolved)
	assert.False(t, results[1].Resolved)
	assert.Contains(t, results[0].Detail, `"instance_id":"a-1"`)
}

func TestStore_ResultReplacement(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.RecordRun("run1", "x.json", ""))
	require.NoError(t, store.RecordResult("run1", &eval.EvaluationResult{InstanceID: "a-1"}))
	require.NoError(t, store.RecordResult("run1", &eval.EvaluationResult{
		InstanceID: "a-1",
		Resolved:   true,
	}))

	results, err := store.RunResults("run1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Resolved)
}
