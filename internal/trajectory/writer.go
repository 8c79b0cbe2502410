// Package trajectory records what happened during a run: a JSONL file per
// instance with every action and observation, and a SQLite store indexing
// runs and their evaluation results.
package trajectory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"swebox/internal/logging"
)

// EntryType discriminates trajectory entries.
type EntryType string

const (
	EntryMeta        EntryType = "meta"        // run metadata, first entry
	EntryStep        EntryType = "step"        // one agent action + observation
	EntrySubmission  EntryType = "submission"  // final patch
	EntryEnvironment EntryType = "environment" // environment lifecycle event
)

// Entry is one line of a trajectory file.
type Entry struct {
	Seq  int       `json:"seq"`
	Time time.Time `json:"time"`
	Type EntryType `json:"type"`

	Action      string `json:"action,omitempty"`
	Observation string `json:"observation,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	Done        bool   `json:"done,omitempty"`

	// ExitStatus records how the episode ended ("submitted", "exit_cost").
	ExitStatus string `json:"exit_status,omitempty"`

	// Meta fields, set on EntryMeta entries.
	RunID      string `json:"run_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	DataPath   string `json:"data_path,omitempty"`
}

// Writer appends trajectory entries for one instance in one run.
// Entries are flushed per line so a crash loses at most the current entry.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	path string
	seq  int
}

// TrajectoryPath returns where a trajectory file lives for a run/instance.
func TrajectoryPath(dir, runID, instanceID string) string {
	return filepath.Join(dir, runID, instanceID+".traj.jsonl")
}

// NewWriter creates the trajectory file and writes the meta entry.
func NewWriter(dir, runID, instanceID, dataPath string) (*Writer, error) {
	path := TrajectoryPath(dir, runID, instanceID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trajectory dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create trajectory file: %w", err)
	}

	w := &Writer{f: f, path: path}
	err = w.Append(Entry{
		Type:       EntryMeta,
		RunID:      runID,
		InstanceID: instanceID,
		DataPath:   dataPath,
	})
	if err != nil {
		f.Close()
		return nil, err
	}

	logging.Trajectory("Recording trajectory: %s", path)
	return w, nil
}

// Path returns the trajectory file path.
func (w *Writer) Path() string { return w.path }

// Append writes one entry. Seq and Time are filled in.
func (w *Writer) Append(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return fmt.Errorf("trajectory writer is closed")
	}

	w.seq++
	e.Seq = w.seq
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode trajectory entry: %w", err)
	}
	if _, err := w.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write trajectory entry: %w", err)
	}
	return nil
}

// Step records one action/observation pair.
func (w *Writer) Step(action, observation string, exitCode int, done bool) error {
	return w.Append(Entry{
		Type:        EntryStep,
		Action:      action,
		Observation: observation,
		ExitCode:    &exitCode,
		Done:        done,
	})
}

// Submission records the final patch.
func (w *Writer) Submission(patch string) error {
	return w.Append(Entry{Type: EntrySubmission, Observation: patch, Done: true})
}

// ExitStatus records how the episode ended.
func (w *Writer) ExitStatus(status string) error {
	return w.Append(Entry{Type: EntryEnvironment, ExitStatus: status})
}

// Event records an environment lifecycle event.
func (w *Writer) Event(description string) error {
	return w.Append(Entry{Type: EntryEnvironment, Observation: description})
}

// Close flushes and closes the file. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// Read loads a trajectory file. Observations can be large, so the line
// buffer is sized well beyond bufio's default.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trajectory: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("corrupt trajectory entry at line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trajectory: %w", err)
	}
	return entries, nil
}
