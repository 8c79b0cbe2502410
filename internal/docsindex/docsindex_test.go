package docsindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodPage = `# Source documentation

!!! warning "Incomplete"
    This part of the documentation is still being written.

The two core modules:

- [agent](agent.md): the decision-making module
- [environment](https://github.com/example/proj/tree/main/sweagent/environment): execution contexts

More subfolders:

- [scripts](https://github.com/example/proj/tree/main/scripts): helper scripts
- [config](https://github.com/example/proj/tree/main/config): configuration files
- [trajectories](https://github.com/example/proj/tree/main/trajectories): run logs
- [evaluation](https://github.com/example/proj/tree/main/evaluation): benchmark scoring
`

func TestCheck_GoodPage(t *testing.T) {
	report := Check([]byte(goodPage), DefaultShape())

	assert.True(t, report.HasWarningAdmonition)
	require.Len(t, report.CoreItems, 2)
	require.Len(t, report.SubfolderItems, 4)
	assert.True(t, report.OK(), "problems: %v", report.Problems)

	wantCore := []Item{
		{Name: "agent", Link: "agent.md"},
		{Name: "environment", Link: "https://github.com/example/proj/tree/main/sweagent/environment"},
	}
	if diff := cmp.Diff(wantCore, report.CoreItems); diff != "" {
		t.Errorf("core items mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "trajectories", report.SubfolderItems[2].Name)
}

func TestCheck_MissingWarning(t *testing.T) {
	page := `# Docs

- [agent](agent.md): x
- [environment](env.md): y

More:

- [scripts](s.md): a
- [config](c.md): b
- [trajectories](t.md): c
- [evaluation](e.md): d
`
	report := Check([]byte(page), DefaultShape())
	assert.False(t, report.HasWarningAdmonition)
	assert.False(t, report.OK())
	assert.Contains(t, report.Problems[0], "warning")
}

func TestCheck_BlockquoteWarningCounts(t *testing.T) {
	page := `# Docs

> Warning: this section is incomplete.

- [agent](a.md): x
- [environment](e.md): y

More:

- [scripts](s.md): a
- [config](c.md): b
- [trajectories](t.md): c
- [evaluation](e2.md): d
`
	report := Check([]byte(page), DefaultShape())
	assert.True(t, report.HasWarningAdmonition)
	assert.True(t, report.OK(), "problems: %v", report.Problems)
}

func TestCheck_MissingItemAndLink(t *testing.T) {
	page := `!!! warning
    incomplete

Core:

- [agent](agent.md): x
- environment: no link here

More:

- [scripts](s.md): a
- [config](c.md): b
- [trajectories](t.md): c
`
	report := Check([]byte(page), DefaultShape())
	assert.False(t, report.OK())

	joined := ""
	for _, p := range report.Problems {
		joined += p + "\n"
	}
	assert.Contains(t, joined, `"environment" has no link target`)
	assert.Contains(t, joined, "expected 4 subfolder item(s), found 3")
	assert.Contains(t, joined, `"evaluation" is not listed`)
}

func TestCheck_WrongItemCount(t *testing.T) {
	page := `!!! warning
    incomplete

- [agent](a.md): x
- [environment](e.md): y
- [extra](x.md): z

More:

- [scripts](s.md): a
- [config](c.md): b
- [trajectories](t.md): c
- [evaluation](e2.md): d
`
	report := Check([]byte(page), DefaultShape())
	assert.False(t, report.OK())
	assert.Contains(t, report.Problems[0], "expected 2 core item(s), found 3")
}

func TestCheckFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.md")
	require.NoError(t, os.WriteFile(path, []byte(goodPage), 0o644))

	report, err := CheckFile(path, DefaultShape())
	require.NoError(t, err)
	assert.Equal(t, path, report.Path)
	assert.True(t, report.OK())

	_, err = CheckFile(filepath.Join(dir, "missing.md"), DefaultShape())
	require.Error(t, err)
}
