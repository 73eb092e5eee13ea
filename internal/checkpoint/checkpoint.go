// Package checkpoint persists per-run session state so an interrupted run
// resumes from the last completed session rather than starting over.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// File is the checkpoint filename inside a project directory.
const File = "harness_checkpoint.json"

// Note is one session's handoff summary.
type Note struct {
	Session int       `json:"session"`
	Time    time.Time `json:"time"`
	Text    string    `json:"text"`
}

// Checkpoint is the durable run state. Iteration counts completed sessions;
// TreeMarker records the last observed commit so a resumed run can tell
// whether the working tree moved underneath it.
type Checkpoint struct {
	Iteration  int    `json:"iteration"`
	TreeMarker string `json:"tree_marker,omitempty"`
	Notes      []Note `json:"notes,omitempty"`
}

// Store reads and writes the checkpoint file for one project directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Load returns the persisted checkpoint, or a zero checkpoint when none
// exists yet. A corrupt checkpoint is an error: resuming from garbage is
// worse than stopping.
func (s *Store) Load() (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return &Checkpoint{}, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint is not valid JSON: %w", err)
	}
	return &cp, nil
}

// Save persists cp atomically: temp file in the same directory, then rename.
// A Save failure must stop the run; losing the checkpoint silently would
// repeat completed work.
func (s *Store) Save(cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-checkpoint-*")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

// Exists reports whether a checkpoint has been persisted.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path())
	return err == nil
}

func (s *Store) path() string {
	return filepath.Join(s.dir, File)
}

// AddNote appends a session note to cp, keeping notes in session order.
func (cp *Checkpoint) AddNote(session int, text string) {
	cp.Notes = append(cp.Notes, Note{
		Session: session,
		Time:    time.Now().UTC(),
		Text:    strings.TrimSpace(text),
	})
}

// RecentNotes returns up to n of the latest notes, oldest first, for
// inclusion in the next session's prompt.
func (cp *Checkpoint) RecentNotes(n int) []Note {
	if n <= 0 || len(cp.Notes) <= n {
		return cp.Notes
	}
	return cp.Notes[len(cp.Notes)-n:]
}

// TreeMarkerFor returns the current commit hash of dir, or "" when dir is
// not a git repository. Best-effort and read-only.
func TreeMarkerFor(dir string) string {
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
