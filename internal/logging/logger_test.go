package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T, dir string, content string) {
	t.Helper()
	configDir := filepath.Join(dir, ".swebox")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.json"), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

func resetState() {
	CloseAll()
	loggers = make(map[Category]*Logger)
	logsDir = ""
	workspace = ""
	configLoaded = false
	config = loggingConfig{}
}

// TestCategoriesLog tests that categories create log files when debug_mode is true
func TestCategoriesLog(t *testing.T) {
	tempDir := t.TempDir()

	writeTestConfig(t, tempDir, `{
		"logging": {
			"level": "debug",
			"debug_mode": true
		}
	}`)

	resetState()
	defer resetState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if !IsDebugMode() {
		t.Error("Expected debug mode to be enabled")
	}

	Env("environment created: %s", "test-container")
	Docker("container started")
	Repo("cloned %s", "https://example.com/repo.git")
	CloseAll()

	logsPath := filepath.Join(tempDir, ".swebox", "logs")
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	found := map[string]bool{}
	for _, e := range entries {
		for _, cat := range []string{"env", "docker", "repo"} {
			if strings.Contains(e.Name(), "_"+cat+".log") {
				found[cat] = true
			}
		}
	}
	for _, cat := range []string{"env", "docker", "repo"} {
		if !found[cat] {
			t.Errorf("Expected log file for category %q", cat)
		}
	}
}

// TestProductionModeNoLogs verifies nothing is written when debug_mode is off
func TestProductionModeNoLogs(t *testing.T) {
	tempDir := t.TempDir()

	resetState()
	defer resetState()

	// No config file at all -> production mode
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if IsDebugMode() {
		t.Error("Expected debug mode to be disabled without config")
	}

	Env("this should go nowhere")
	CloseAll()

	if _, err := os.Stat(filepath.Join(tempDir, ".swebox", "logs")); !os.IsNotExist(err) {
		t.Error("Expected no logs directory in production mode")
	}
}

// TestCategoryFilter verifies disabled categories return no-op loggers
func TestCategoryFilter(t *testing.T) {
	tempDir := t.TempDir()

	writeTestConfig(t, tempDir, `{
		"logging": {
			"level": "debug",
			"debug_mode": true,
			"categories": {
				"env": true,
				"docker": false
			}
		}
	}`)

	resetState()
	defer resetState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if !IsCategoryEnabled(CategoryEnv) {
		t.Error("Expected env category to be enabled")
	}
	if IsCategoryEnabled(CategoryDocker) {
		t.Error("Expected docker category to be disabled")
	}

	l := Get(CategoryDocker)
	if l.logger != nil {
		t.Error("Expected no-op logger for disabled category")
	}
}
