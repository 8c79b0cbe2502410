// Package sandbox is the execution layer of swebox. It runs commands on the
// host and inside Docker containers, and maintains long-lived containers and
// shell sessions for task environments.
package sandbox

import (
	"time"
)

// Command represents a command to be executed.
type Command struct {
	// Binary is the executable to run (e.g., "git", "docker", "sh").
	Binary string `json:"binary"`

	// Arguments are the command-line arguments.
	Arguments []string `json:"arguments"`

	// WorkingDirectory is the directory to execute in.
	// If empty, uses the executor's default working directory.
	WorkingDirectory string `json:"working_directory,omitempty"`

	// Environment variables to set (KEY=VALUE format).
	// Merged with the executor's allowed environment.
	Environment []string `json:"environment,omitempty"`

	// Stdin provides input to the command's standard input.
	Stdin string `json:"stdin,omitempty"`

	// Limits specifies resource constraints for execution.
	Limits *ResourceLimits `json:"limits,omitempty"`
}

// CommandString returns the full command as a string (for display/logging).
func (c Command) CommandString() string {
	if len(c.Arguments) == 0 {
		return c.Binary
	}
	result := c.Binary
	for _, arg := range c.Arguments {
		result += " " + arg
	}
	return result
}

// ResourceLimits defines constraints on command execution.
type ResourceLimits struct {
	// TimeoutMs is the maximum execution time in milliseconds.
	// Zero means use the executor's default timeout.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`

	// MaxOutputBytes limits captured stdout+stderr size.
	// Zero means use the executor's default (typically 10MB).
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`
}

// ExecutionResult is the output of command execution.
type ExecutionResult struct {
	// Success indicates whether the command completed without error.
	// Note: A command that runs but returns non-zero exit code has Success=true.
	// Success=false means the execution infrastructure failed.
	Success bool `json:"success"`

	// ExitCode is the command's exit code (-1 if not available).
	ExitCode int `json:"exit_code"`

	// Stdout is the captured standard output.
	Stdout string `json:"stdout"`

	// Stderr is the captured standard error.
	Stderr string `json:"stderr"`

	// Combined is stdout followed by stderr.
	Combined string `json:"combined"`

	// Duration is how long the command ran.
	Duration time.Duration `json:"duration"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when execution completed.
	FinishedAt time.Time `json:"finished_at"`

	// Killed indicates the command was forcibly terminated.
	Killed bool `json:"killed"`

	// KillReason explains why the command was killed.
	KillReason string `json:"kill_reason,omitempty"`

	// Truncated indicates output was truncated due to size limits.
	Truncated bool `json:"truncated"`

	// TruncatedBytes is how many bytes were discarded.
	TruncatedBytes int64 `json:"truncated_bytes,omitempty"`

	// Error contains any infrastructure-level error message.
	Error string `json:"error,omitempty"`

	// Command is a copy of the command that was executed.
	Command *Command `json:"command,omitempty"`
}

// IsError returns true if the execution failed (infrastructure error).
func (r *ExecutionResult) IsError() bool {
	return !r.Success || r.Error != ""
}

// IsNonZeroExit returns true if the command ran but returned non-zero.
func (r *ExecutionResult) IsNonZeroExit() bool {
	return r.Success && r.ExitCode != 0
}

// Output returns Combined if available, otherwise Stdout+Stderr.
func (r *ExecutionResult) Output() string {
	if r.Combined != "" {
		return r.Combined
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// ExecutorConfig is the configuration for creating executors.
type ExecutorConfig struct {
	// DefaultWorkingDir is used when Command.WorkingDirectory is empty.
	DefaultWorkingDir string `json:"default_working_dir"`

	// DefaultTimeout is used when no timeout is specified.
	DefaultTimeout time.Duration `json:"default_timeout"`

	// MaxTimeout caps all timeout values.
	MaxTimeout time.Duration `json:"max_timeout"`

	// AllowedEnvironment lists environment variables to pass through.
	AllowedEnvironment []string `json:"allowed_environment"`

	// MaxOutputBytes caps output capture (default 10MB).
	MaxOutputBytes int64 `json:"max_output_bytes"`
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultWorkingDir:  ".",
		DefaultTimeout:     30 * time.Second,
		MaxTimeout:         10 * time.Minute,
		MaxOutputBytes:     10 * 1024 * 1024, // 10MB
		AllowedEnvironment: []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "GIT_CONFIG_GLOBAL"},
	}
}

// Merge combines this config with command-specific settings.
// Command settings override config defaults.
func (c ExecutorConfig) Merge(cmd Command) Command {
	result := cmd

	if result.WorkingDirectory == "" {
		result.WorkingDirectory = c.DefaultWorkingDir
	}

	if result.Limits == nil {
		result.Limits = &ResourceLimits{
			TimeoutMs:      c.DefaultTimeout.Milliseconds(),
			MaxOutputBytes: c.MaxOutputBytes,
		}
	} else {
		if result.Limits.TimeoutMs == 0 {
			result.Limits.TimeoutMs = c.DefaultTimeout.Milliseconds()
		}
		if result.Limits.MaxOutputBytes == 0 {
			result.Limits.MaxOutputBytes = c.MaxOutputBytes
		}
	}

	// Cap timeout at max
	if c.MaxTimeout > 0 && result.Limits.TimeoutMs > c.MaxTimeout.Milliseconds() {
		result.Limits.TimeoutMs = c.MaxTimeout.Milliseconds()
	}

	return result
}

// ContainerState represents the lifecycle state of a persistent container.
type ContainerState string

const (
	ContainerStateCreating ContainerState = "creating"
	ContainerStateRunning  ContainerState = "running"
	ContainerStateStopped  ContainerState = "stopped"
	ContainerStateError    ContainerState = "error"
)

// Container represents a long-running container instance.
type Container struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	State       ContainerState    `json:"state"`
	CreatedAt   time.Time         `json:"created_at"`
	LastExecAt  time.Time         `json:"last_exec_at"`
	WorkingDir  string            `json:"working_dir"`
	Environment []string          `json:"environment"`
	Mounts      []ContainerMount  `json:"mounts"`
	ExecCount   int               `json:"exec_count"`
	Labels      map[string]string `json:"labels"`
}

// ContainerMount defines a volume mount for the container.
type ContainerMount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// ContainerSnapshot represents a point-in-time image of a container,
// created with docker commit. Task-image caching is built on these.
type ContainerSnapshot struct {
	ID          string    `json:"id"`
	ContainerID string    `json:"container_id"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description"`
	ImageTag    string    `json:"image_tag"`
}

// ContainerCreateOptions specifies options for creating a new container.
type ContainerCreateOptions struct {
	Name        string
	Image       string
	WorkingDir  string
	Environment []string
	Mounts      []ContainerMount
	MemoryLimit int64
	CPULimit    float64
	NetworkMode string
	Labels      map[string]string
	Command     []string // Initial command (default: sleep infinity)
}

// ContainerExecOptions specifies options for executing a command in a container.
type ContainerExecOptions struct {
	ContainerID string
	Binary      string
	Arguments   []string
	WorkingDir  string
	Environment []string
	User        string
	Stdin       string
	Timeout     time.Duration
}
