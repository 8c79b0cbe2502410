package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"swebox/internal/logging"
)

// DockerExecutor manages long-running containers for iterative command
// execution: create once, exec many times, state preserved between commands.
// Task environments need this for clone -> setup -> patch -> test cycles.
type DockerExecutor struct {
	mu         sync.RWMutex
	dockerPath string
	available  bool
	containers map[string]*Container
	snapshots  map[string]*ContainerSnapshot
}

// NewDockerExecutor creates a new Docker executor and checks availability.
func NewDockerExecutor() *DockerExecutor {
	e := &DockerExecutor{
		containers: make(map[string]*Container),
		snapshots:  make(map[string]*ContainerSnapshot),
	}
	e.detectDocker()
	return e
}

// detectDocker checks if Docker is available.
func (e *DockerExecutor) detectDocker() {
	dockerPath, err := exec.LookPath("docker")
	if err != nil {
		logging.DockerDebug("Docker binary not found in PATH")
		e.available = false
		return
	}
	e.dockerPath = dockerPath

	// Verify docker is responsive
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, dockerPath, "version", "--format", "{{.Server.Version}}")
	if err := cmd.Run(); err != nil {
		logging.DockerWarn("Docker found but not responsive: %v", err)
		e.available = false
		return
	}

	e.available = true
	logging.Docker("Docker available: %s", dockerPath)
}

// IsAvailable returns whether Docker is available on this system.
func (e *DockerExecutor) IsAvailable() bool {
	return e.available
}

// DockerPath returns the resolved docker binary path.
func (e *DockerExecutor) DockerPath() string {
	return e.dockerPath
}

func (e *DockerExecutor) run(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, e.dockerPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// =============================================================================
// IMAGES
// =============================================================================

// ImageExists reports whether an image is present locally.
func (e *DockerExecutor) ImageExists(ctx context.Context, image string) bool {
	if !e.available {
		return false
	}
	_, _, err := e.run(ctx, "image", "inspect", image)
	return err == nil
}

// PullImage pulls an image from the registry.
func (e *DockerExecutor) PullImage(ctx context.Context, image string) error {
	if !e.available {
		return fmt.Errorf("Docker is not available")
	}
	logging.Docker("Pulling image: %s", image)
	if _, stderr, err := e.run(ctx, "pull", image); err != nil {
		return fmt.Errorf("failed to pull image %s: %w: %s", image, err, stderr)
	}
	return nil
}

// EnsureImage pulls an image only when it is not already present.
func (e *DockerExecutor) EnsureImage(ctx context.Context, image string) error {
	if e.ImageExists(ctx, image) {
		return nil
	}
	return e.PullImage(ctx, image)
}

// ListImagesWithPrefix returns local image tags starting with prefix.
func (e *DockerExecutor) ListImagesWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	if !e.available {
		return nil, fmt.Errorf("Docker is not available")
	}
	stdout, stderr, err := e.run(ctx, "images", "--format", "{{.Repository}}:{{.Tag}}")
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w: %s", err, stderr)
	}
	var tags []string
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && strings.HasPrefix(line, prefix) {
			tags = append(tags, line)
		}
	}
	return tags, nil
}

// RemoveImage removes a local image.
func (e *DockerExecutor) RemoveImage(ctx context.Context, image string) error {
	if !e.available {
		return fmt.Errorf("Docker is not available")
	}
	if _, stderr, err := e.run(ctx, "rmi", image); err != nil {
		return fmt.Errorf("failed to remove image %s: %w: %s", image, err, stderr)
	}
	return nil
}

// =============================================================================
// CONTAINER LIFECYCLE
// =============================================================================

// CreateContainer creates a new persistent container.
func (e *DockerExecutor) CreateContainer(ctx context.Context, opts ContainerCreateOptions) (*Container, error) {
	if !e.available {
		return nil, fmt.Errorf("Docker is not available")
	}

	logging.Docker("Creating container: image=%s, name=%s", opts.Image, opts.Name)

	args := []string{"create"}

	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	if opts.WorkingDir != "" {
		args = append(args, "-w", opts.WorkingDir)
	}
	for _, env := range opts.Environment {
		args = append(args, "-e", env)
	}
	for _, mount := range opts.Mounts {
		mountArg := fmt.Sprintf("%s:%s", mount.Source, mount.Target)
		if mount.ReadOnly {
			mountArg += ":ro"
		}
		args = append(args, "-v", mountArg)
	}
	if opts.MemoryLimit > 0 {
		args = append(args, "--memory", fmt.Sprintf("%d", opts.MemoryLimit))
	}
	if opts.CPULimit > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%.2f", opts.CPULimit))
	}
	if opts.NetworkMode != "" {
		args = append(args, "--network", opts.NetworkMode)
	}

	// Labels for tracking
	args = append(args, "--label", "swebox.managed=true")
	args = append(args, "--label", fmt.Sprintf("swebox.created=%d", time.Now().Unix()))
	for k, v := range opts.Labels {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, v))
	}

	args = append(args, opts.Image)

	// Command to keep container running
	if len(opts.Command) > 0 {
		args = append(args, opts.Command...)
	} else {
		args = append(args, "sleep", "infinity")
	}

	logging.DockerDebug("docker create args: %v", args)

	stdout, stderr, err := e.run(ctx, args...)
	if err != nil {
		logging.DockerError("Failed to create container: %v, stderr: %s", err, stderr)
		return nil, fmt.Errorf("failed to create container: %w: %s", err, stderr)
	}

	containerID := strings.TrimSpace(stdout)

	container := &Container{
		ID:          containerID,
		Name:        opts.Name,
		Image:       opts.Image,
		State:       ContainerStateStopped,
		CreatedAt:   time.Now(),
		WorkingDir:  opts.WorkingDir,
		Environment: opts.Environment,
		Mounts:      opts.Mounts,
		Labels:      opts.Labels,
	}

	e.mu.Lock()
	e.containers[containerID] = container
	e.mu.Unlock()

	logging.Docker("Container created: %s (%s)", shortID(containerID), opts.Image)
	return container, nil
}

// FindContainerByName looks up an existing container by name, adopting it
// into the executor's registry. Used to reuse persistent containers.
func (e *DockerExecutor) FindContainerByName(ctx context.Context, name string) (*Container, error) {
	if !e.available {
		return nil, fmt.Errorf("Docker is not available")
	}

	stdout, _, err := e.run(ctx, "ps", "-a", "--filter", "name=^"+name+"$",
		"--format", "{{.ID}}\t{{.Image}}\t{{.State}}")
	if err != nil {
		return nil, fmt.Errorf("failed to look up container %s: %w", name, err)
	}

	line := strings.TrimSpace(stdout)
	if line == "" {
		return nil, nil
	}

	fields := strings.Split(line, "\t")
	if len(fields) < 3 {
		return nil, fmt.Errorf("unexpected docker ps output: %q", line)
	}

	state := ContainerStateStopped
	if fields[2] == "running" {
		state = ContainerStateRunning
	}

	container := &Container{
		ID:        fields[0],
		Name:      name,
		Image:     fields[1],
		State:     state,
		CreatedAt: time.Now(),
	}

	e.mu.Lock()
	e.containers[container.ID] = container
	e.mu.Unlock()

	logging.Docker("Adopted existing container: %s (%s, %s)", name, shortID(container.ID), state)
	return container, nil
}

// StartContainer starts a stopped container.
func (e *DockerExecutor) StartContainer(ctx context.Context, containerID string) error {
	if !e.available {
		return fmt.Errorf("Docker is not available")
	}

	if _, stderr, err := e.run(ctx, "start", containerID); err != nil {
		logging.DockerError("Failed to start container: %v, stderr: %s", err, stderr)
		return fmt.Errorf("failed to start container: %w: %s", err, stderr)
	}

	e.setState(containerID, ContainerStateRunning)
	logging.Docker("Container started: %s", shortID(containerID))
	return nil
}

// StopContainer stops a running container.
func (e *DockerExecutor) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	if !e.available {
		return fmt.Errorf("Docker is not available")
	}

	args := []string{"stop"}
	if timeout > 0 {
		args = append(args, "-t", fmt.Sprintf("%d", int(timeout.Seconds())))
	}
	args = append(args, containerID)

	if _, stderr, err := e.run(ctx, args...); err != nil {
		logging.DockerError("Failed to stop container: %v, stderr: %s", err, stderr)
		return fmt.Errorf("failed to stop container: %w: %s", err, stderr)
	}

	e.setState(containerID, ContainerStateStopped)
	logging.Docker("Container stopped: %s", shortID(containerID))
	return nil
}

// RemoveContainer removes a container.
func (e *DockerExecutor) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	if !e.available {
		return fmt.Errorf("Docker is not available")
	}

	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, containerID)

	if _, stderr, err := e.run(ctx, args...); err != nil {
		logging.DockerError("Failed to remove container: %v, stderr: %s", err, stderr)
		return fmt.Errorf("failed to remove container: %w: %s", err, stderr)
	}

	e.mu.Lock()
	delete(e.containers, containerID)
	e.mu.Unlock()

	logging.Docker("Container removed: %s", shortID(containerID))
	return nil
}

// =============================================================================
// COMMAND EXECUTION
// =============================================================================

// ExecInContainer executes a command in a running container using docker exec.
func (e *DockerExecutor) ExecInContainer(ctx context.Context, opts ContainerExecOptions) (*ExecutionResult, error) {
	if !e.available {
		return nil, fmt.Errorf("Docker is not available")
	}

	logging.DockerDebug("Executing in container %s: %s %v",
		shortID(opts.ContainerID), opts.Binary, opts.Arguments)

	args := []string{"exec"}

	if opts.Stdin != "" {
		args = append(args, "-i")
	}
	if opts.WorkingDir != "" {
		args = append(args, "-w", opts.WorkingDir)
	}
	for _, env := range opts.Environment {
		args = append(args, "-e", env)
	}
	if opts.User != "" {
		args = append(args, "-u", opts.User)
	}

	args = append(args, opts.ContainerID)
	args = append(args, opts.Binary)
	args = append(args, opts.Arguments...)

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCmd := exec.CommandContext(execCtx, e.dockerPath, args...)

	// Same output cap as the direct executor; a runaway process inside the
	// container must not balloon host memory.
	var stdoutBuf, stderrBuf bytes.Buffer
	maxOutput := DefaultExecutorConfig().MaxOutputBytes
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: maxOutput}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: maxOutput}
	execCmd.Stdout = stdoutLimited
	execCmd.Stderr = stderrLimited
	if opts.Stdin != "" {
		execCmd.Stdin = strings.NewReader(opts.Stdin)
	}

	result := &ExecutionResult{
		ExitCode: -1,
		Command: &Command{
			Binary:    opts.Binary,
			Arguments: opts.Arguments,
		},
	}

	result.StartedAt = time.Now()
	err := execCmd.Run()
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	if stdoutLimited.truncated || stderrLimited.truncated {
		result.Truncated = true
		result.TruncatedBytes = stdoutLimited.discarded + stderrLimited.discarded
		logging.DockerWarn("docker exec output truncated: %d bytes discarded",
			result.TruncatedBytes)
	}
	result.Combined = result.Stdout
	if result.Stderr != "" {
		if result.Combined != "" {
			result.Combined += "\n"
		}
		result.Combined += result.Stderr
	}

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			result.Killed = true
			result.KillReason = fmt.Sprintf("timeout after %s", timeout)
			result.Success = true
			logging.DockerWarn("docker exec killed (timeout): %s after %s", opts.Binary, timeout)
		} else if execCtx.Err() == context.Canceled {
			result.Killed = true
			result.KillReason = "context canceled"
			result.Success = true
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			result.Success = true
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.Success = false
			result.Error = err.Error()
			logging.DockerError("docker exec failed: %s - %v", opts.Binary, err)
			return result, nil
		}
	} else {
		result.Success = true
		result.ExitCode = 0
	}

	e.mu.Lock()
	if container, ok := e.containers[opts.ContainerID]; ok {
		container.LastExecAt = time.Now()
		container.ExecCount++
	}
	e.mu.Unlock()

	logging.DockerDebug("docker exec completed: %s -> exit=%d, duration=%s",
		opts.Binary, result.ExitCode, result.Duration)

	return result, nil
}

// HealthCheck checks if a container is running.
func (e *DockerExecutor) HealthCheck(ctx context.Context, containerID string) (bool, error) {
	if !e.available {
		return false, fmt.Errorf("Docker is not available")
	}

	stdout, _, err := e.run(ctx, "inspect", "-f", "{{.State.Running}}", containerID)
	if err != nil {
		return false, err
	}

	running := strings.TrimSpace(stdout) == "true"
	if running {
		e.setState(containerID, ContainerStateRunning)
	} else {
		e.setState(containerID, ContainerStateStopped)
	}
	return running, nil
}

// =============================================================================
// SNAPSHOTS (docker commit)
// =============================================================================

// CommitContainer commits a container to an image with the given tag.
// This is the primitive behind task-image caching.
func (e *DockerExecutor) CommitContainer(ctx context.Context, containerID, tag, description string) (*ContainerSnapshot, error) {
	if !e.available {
		return nil, fmt.Errorf("Docker is not available")
	}

	logging.Docker("Committing container %s -> %s", shortID(containerID), tag)

	stdout, stderr, err := e.run(ctx, "commit", "-m", description, containerID, tag)
	if err != nil {
		logging.DockerError("Failed to commit container: %v, stderr: %s", err, stderr)
		return nil, fmt.Errorf("failed to commit container: %w: %s", err, stderr)
	}

	snapshot := &ContainerSnapshot{
		ID:          strings.TrimSpace(stdout),
		ContainerID: containerID,
		CreatedAt:   time.Now(),
		Description: description,
		ImageTag:    tag,
	}

	e.mu.Lock()
	e.snapshots[snapshot.ID] = snapshot
	e.mu.Unlock()

	return snapshot, nil
}

// =============================================================================
// FILE OPERATIONS
// =============================================================================

// CopyToContainer copies a host path into a container.
func (e *DockerExecutor) CopyToContainer(ctx context.Context, containerID, srcPath, dstPath string) error {
	if !e.available {
		return fmt.Errorf("Docker is not available")
	}

	logging.DockerDebug("Copying %s to container %s:%s", srcPath, shortID(containerID), dstPath)

	if _, stderr, err := e.run(ctx, "cp", srcPath, fmt.Sprintf("%s:%s", containerID, dstPath)); err != nil {
		return fmt.Errorf("failed to copy to container: %w: %s", err, stderr)
	}
	return nil
}

// CopyFromContainer copies a container path onto the host.
func (e *DockerExecutor) CopyFromContainer(ctx context.Context, containerID, srcPath, dstPath string) error {
	if !e.available {
		return fmt.Errorf("Docker is not available")
	}

	logging.DockerDebug("Copying container %s:%s to %s", shortID(containerID), srcPath, dstPath)

	if _, stderr, err := e.run(ctx, "cp", fmt.Sprintf("%s:%s", containerID, srcPath), dstPath); err != nil {
		return fmt.Errorf("failed to copy from container: %w: %s", err, stderr)
	}
	return nil
}

// =============================================================================
// REGISTRY
// =============================================================================

// GetContainer returns a tracked container by ID.
func (e *DockerExecutor) GetContainer(containerID string) (*Container, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	container, ok := e.containers[containerID]
	return container, ok
}

// ListContainers returns all tracked containers.
func (e *DockerExecutor) ListContainers() []*Container {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make([]*Container, 0, len(e.containers))
	for _, container := range e.containers {
		result = append(result, container)
	}
	return result
}

// Cleanup force-removes all tracked containers.
func (e *DockerExecutor) Cleanup(ctx context.Context) error {
	e.mu.RLock()
	containerIDs := make([]string, 0, len(e.containers))
	for id := range e.containers {
		containerIDs = append(containerIDs, id)
	}
	e.mu.RUnlock()

	var lastErr error
	for _, id := range containerIDs {
		if err := e.RemoveContainer(ctx, id, true); err != nil {
			lastErr = err
			logging.DockerWarn("Failed to remove container %s during cleanup: %v", shortID(id), err)
		}
	}
	return lastErr
}

func (e *DockerExecutor) setState(containerID string, state ContainerState) {
	e.mu.Lock()
	if container, ok := e.containers[containerID]; ok {
		container.State = state
	}
	e.mu.Unlock()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
