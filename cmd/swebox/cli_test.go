package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "eval", "instances", "runs", "docs-check", "version"} {
		assert.True(t, names[want], "command %q not registered", want)
	}
}

func TestLoadArguments_FlagOverrides(t *testing.T) {
	defer func() {
		runDataPath, runImage, runContainerName = "", "", ""
		runNoInstall, runCacheImages = false, false
	}()

	runDataPath = "task.md"
	runImage = "python:3.12-slim"
	runNoInstall = true

	args, err := loadArguments()
	require.NoError(t, err)
	assert.Equal(t, "task.md", args.DataPath)
	assert.Equal(t, "python:3.12-slim", args.ImageName)
	assert.False(t, args.InstallEnvironment)
	assert.NoError(t, args.Validate())
}

func TestLoadArguments_Defaults(t *testing.T) {
	args, err := loadArguments()
	require.NoError(t, err)
	assert.True(t, args.InstallEnvironment)
	assert.NotEmpty(t, args.ImageName)
	// DataPath is unset, so these arguments are not yet runnable.
	assert.Error(t, args.Validate())
}
