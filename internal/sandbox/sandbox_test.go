package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDirectExecutor_Execute(t *testing.T) {
	executor := NewDirectExecutor()

	cmd := Command{
		Binary:    "echo",
		Arguments: []string{"hello"},
	}

	result, err := executor.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !result.Success {
		t.Errorf("Expected success, got failure: %s", result.Error)
	}

	if result.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", result.ExitCode)
	}

	if !strings.Contains(result.Output(), "hello") {
		t.Errorf("Expected output to contain 'hello', got: %s", result.Output())
	}
}

func TestDirectExecutor_Timeout(t *testing.T) {
	executor := NewDirectExecutor()

	cmd := Command{
		Binary:    "sleep",
		Arguments: []string{"10"},
		Limits: &ResourceLimits{
			TimeoutMs: 500,
		},
	}

	start := time.Now()
	result, err := executor.Execute(context.Background(), cmd)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !result.Killed {
		t.Errorf("Expected command to be killed")
	}

	if !strings.Contains(result.KillReason, "timeout") {
		t.Errorf("Expected kill reason to mention timeout, got: %s", result.KillReason)
	}

	if elapsed > 2*time.Second {
		t.Errorf("Timeout didn't work, elapsed: %v", elapsed)
	}
}

func TestDirectExecutor_NonZeroExit(t *testing.T) {
	executor := NewDirectExecutor()

	cmd := Command{
		Binary:    "sh",
		Arguments: []string{"-c", "exit 1"},
	}

	result, err := executor.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// Success should be true (command ran)
	if !result.Success {
		t.Errorf("Expected success=true for non-zero exit, got: %s", result.Error)
	}

	if result.ExitCode != 1 {
		t.Errorf("Expected exit code 1, got %d", result.ExitCode)
	}

	if !result.IsNonZeroExit() {
		t.Error("Expected IsNonZeroExit to be true")
	}
}

func TestDirectExecutor_InvalidCommand(t *testing.T) {
	executor := NewDirectExecutor()

	cmd := Command{
		Binary: "this-binary-does-not-exist-xyz",
	}

	result, err := executor.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Execute returned error instead of result: %v", err)
	}

	if result.Success {
		t.Error("Expected failure for nonexistent binary")
	}
	if result.Error == "" {
		t.Error("Expected infrastructure error message")
	}
}

func TestDirectExecutor_Stdin(t *testing.T) {
	executor := NewDirectExecutor()

	cmd := Command{
		Binary:    "cat",
		Arguments: []string{},
		Stdin:     "from stdin",
	}

	result, err := executor.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !strings.Contains(result.Stdout, "from stdin") {
		t.Errorf("Expected stdin to be echoed, got: %s", result.Stdout)
	}
}

func TestDirectExecutor_OutputTruncation(t *testing.T) {
	config := DefaultExecutorConfig()
	config.MaxOutputBytes = 100
	executor := NewDirectExecutorWithConfig(config)

	cmd := Command{
		Binary:    "sh",
		Arguments: []string{"-c", "for i in $(seq 1 1000); do echo line $i; done"},
	}

	result, err := executor.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !result.Truncated {
		t.Error("Expected output to be truncated")
	}
	if result.TruncatedBytes == 0 {
		t.Error("Expected nonzero truncated byte count")
	}
	if int64(len(result.Stdout)) > 100 {
		t.Errorf("Expected stdout capped at 100 bytes, got %d", len(result.Stdout))
	}
}

func TestExecutorConfig_Merge(t *testing.T) {
	config := DefaultExecutorConfig()
	config.DefaultWorkingDir = "/work"
	config.DefaultTimeout = 7 * time.Second
	config.MaxTimeout = 10 * time.Second

	merged := config.Merge(Command{Binary: "true"})
	if merged.WorkingDirectory != "/work" {
		t.Errorf("Expected default working dir applied, got %s", merged.WorkingDirectory)
	}
	if merged.Limits == nil || merged.Limits.TimeoutMs != 7000 {
		t.Errorf("Expected default timeout 7000ms, got %+v", merged.Limits)
	}

	// Timeout is capped at MaxTimeout.
	merged = config.Merge(Command{
		Binary: "true",
		Limits: &ResourceLimits{TimeoutMs: 60000},
	})
	if merged.Limits.TimeoutMs != 10000 {
		t.Errorf("Expected timeout capped at 10000ms, got %d", merged.Limits.TimeoutMs)
	}
}

func TestCommand_CommandString(t *testing.T) {
	cmd := Command{Binary: "git", Arguments: []string{"clone", "url"}}
	if got := cmd.CommandString(); got != "git clone url" {
		t.Errorf("Expected 'git clone url', got %q", got)
	}

	cmd = Command{Binary: "ls"}
	if got := cmd.CommandString(); got != "ls" {
		t.Errorf("Expected 'ls', got %q", got)
	}
}

func TestDockerExecutor_UnavailableErrors(t *testing.T) {
	e := &DockerExecutor{
		containers: make(map[string]*Container),
		snapshots:  make(map[string]*ContainerSnapshot),
	}

	if e.IsAvailable() {
		t.Fatal("Expected unavailable executor")
	}

	ctx := context.Background()
	if _, err := e.CreateContainer(ctx, ContainerCreateOptions{Image: "x"}); err == nil {
		t.Error("Expected CreateContainer to fail when docker is unavailable")
	}
	if err := e.StartContainer(ctx, "deadbeef"); err == nil {
		t.Error("Expected StartContainer to fail when docker is unavailable")
	}
	if _, err := e.ExecInContainer(ctx, ContainerExecOptions{ContainerID: "deadbeef", Binary: "true"}); err == nil {
		t.Error("Expected ExecInContainer to fail when docker is unavailable")
	}
}
