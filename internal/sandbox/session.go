package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"swebox/internal/logging"
)

// ShellSession is a long-lived bash process inside a container, driven over
// docker exec -i. Commands are framed with a per-session sentinel so the
// session can tell where one command's output ends and recover its exit code.
// Shell state (cwd, exported variables, activated venvs) persists between
// commands, which per-command docker exec cannot provide.
type ShellSession struct {
	mu          sync.Mutex
	dockerPath  string
	containerID string
	sentinel    string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output *io.PipeReader
	lines  chan string
	done   chan struct{}
	quit   chan struct{}
	seq    int
	closed bool
	broken bool
}

// interruptGrace is how long Run waits for the sentinel after interrupting
// a timed-out command before declaring the session broken.
const interruptGrace = 5 * time.Second

// sessionMaxOutput caps the output captured for one command. Past the cap
// lines are still consumed (the sentinel must be found) but discarded.
const sessionMaxOutput = 10 * 1024 * 1024

// NewShellSession starts a bash session inside the container.
// The container must already be running.
func NewShellSession(dockerPath, containerID string, env []string) (*ShellSession, error) {
	args := []string{"exec", "-i"}
	for _, e := range env {
		args = append(args, "-e", e)
	}
	args = append(args, containerID, "/bin/bash", "--noprofile", "--norc")

	cmd := exec.Command(dockerPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open session stdin: %w", err)
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start shell session: %w", err)
	}

	s := &ShellSession{
		dockerPath:  dockerPath,
		containerID: containerID,
		sentinel:    "___SWEBOX_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "___",
		cmd:         cmd,
		stdin:       stdin,
		output:      pr,
		lines:       make(chan string, 256),
		done:        make(chan struct{}),
		quit:        make(chan struct{}),
	}

	go s.readLoop(pr)
	go func() {
		// Reap the docker exec process; close the write side so the
		// read loop terminates.
		_ = cmd.Wait()
		_ = pw.Close()
	}()

	logging.Docker("Shell session started in container %s", shortID(containerID))
	return s, nil
}

func (s *ShellSession) readLoop(r io.Reader) {
	defer close(s.done)
	defer close(s.lines)
	scanner := bufio.NewScanner(r)
	// Observations can be long single lines (test output, diffs).
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 16*1024*1024)
	for scanner.Scan() {
		// Close may arrive while output is still streaming and nobody is
		// reading lines anymore. Bail out instead of parking on the send.
		select {
		case s.lines <- scanner.Text():
		case <-s.quit:
			return
		}
	}
}

// Run executes a command in the session and returns its output and exit code.
// On timeout the foreground processes are interrupted; if the session does not
// recover within a grace period it is marked broken.
func (s *ShellSession) Run(ctx context.Context, command string, timeout time.Duration) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", -1, fmt.Errorf("session is closed")
	}
	if s.broken {
		return "", -1, fmt.Errorf("session is broken (previous command did not return)")
	}

	// The sentinel line carries the user command's exit code. The sequence
	// number makes each command's sentinel distinct, so a sentinel that
	// surfaces late from an interrupted command cannot be mistaken for the
	// current one. The leading printf newline guards against output that
	// does not end with one.
	s.seq++
	sentinel := fmt.Sprintf("%s%d_", s.sentinel, s.seq)
	framed := command + "\n" +
		"__swebox_ec=$?; printf '\\n%s%d\\n' '" + sentinel + "' \"$__swebox_ec\"\n"

	if _, err := io.WriteString(s.stdin, framed); err != nil {
		s.broken = true
		return "", -1, fmt.Errorf("failed to write to session: %w", err)
	}

	var out strings.Builder
	truncated := false
	collect := func(chunk string) {
		if out.Len() >= sessionMaxOutput {
			truncated = true
			return
		}
		out.WriteString(chunk)
		out.WriteString("\n")
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	interrupted := false

	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				s.broken = true
				return out.String(), -1, fmt.Errorf("session terminated unexpectedly")
			}
			if idx := strings.Index(line, sentinel); idx >= 0 {
				// Anything before the sentinel on this line belongs
				// to the command's output.
				if idx > 0 {
					collect(line[:idx])
				}
				ecStr := line[idx+len(sentinel):]
				ec, err := strconv.Atoi(strings.TrimSpace(ecStr))
				if err != nil {
					ec = -1
				}
				output := strings.TrimSuffix(out.String(), "\n")
				if truncated {
					logging.DockerWarn("Session output exceeded %d bytes, truncated", sessionMaxOutput)
					output += "\n<output truncated>"
				}
				if interrupted {
					return output, ec, fmt.Errorf("command timed out after %s and was interrupted", timeout)
				}
				return output, ec, nil
			}
			collect(line)

		case <-deadline.C:
			if interrupted {
				s.broken = true
				return out.String(), -1, fmt.Errorf("session unresponsive after interrupt")
			}
			logging.DockerWarn("Session command timed out after %s, interrupting", timeout)
			if err := s.interruptLocked(ctx); err != nil {
				logging.DockerWarn("Interrupt failed: %v", err)
			}
			interrupted = true
			deadline.Reset(interruptGrace)

		case <-ctx.Done():
			s.broken = true
			return out.String(), -1, ctx.Err()
		}
	}
}

// Interrupt sends SIGINT to the container's foreground processes, leaving the
// session shell itself alive.
func (s *ShellSession) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interruptLocked(ctx)
}

// interruptLocked signals everything except PID 1 and bash itself from a
// separate docker exec, because the session's own stdin is occupied.
func (s *ShellSession) interruptLocked(ctx context.Context) error {
	script := `for p in $(ps -eo pid=,comm= | awk '$1 != 1 && $2 != "bash" && $2 != "sh" && $2 != "ps" && $2 != "awk" && $2 != "sleep" {print $1}'); do kill -INT "$p" 2>/dev/null; done; true`

	killCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(killCtx, s.dockerPath, "exec", s.containerID, "/bin/sh", "-c", script)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to interrupt container processes: %w", err)
	}
	logging.Docker("Interrupted foreground processes in %s", shortID(s.containerID))
	return nil
}

// Broken reports whether the session is unusable and must be recreated.
func (s *ShellSession) Broken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

// Close terminates the session shell. Idempotent.
func (s *ShellSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	// Unblock the read loop if it is parked on a send nobody will drain,
	// e.g. output was still streaming when the last Run bailed.
	close(s.quit)

	// A clean exit lets docker exec terminate on its own.
	_, _ = io.WriteString(s.stdin, "exit\n")
	_ = s.stdin.Close()

	select {
	case <-s.done:
	case <-time.After(3 * time.Second):
	}

	// The shell may still be mid-command with nobody reading its output.
	// Killing an already-exited process is a no-op; closing the pipe reader
	// unblocks any writer so the process can be reaped.
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.output.Close()

	logging.Docker("Shell session closed for %s", shortID(s.containerID))
	return nil
}
