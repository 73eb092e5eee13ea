// Package progress persists the feature checklist and session notes that
// carry a multi-session run across process restarts. Checklist entries are
// append/flip-only: once created, a feature's category, description and
// steps never change, and passes only ever moves false to true.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Feature categories.
const (
	CategoryFunctional = "functional"
	CategoryStyle      = "style"
)

// ChecklistFile is the name of the checklist inside a project directory.
const ChecklistFile = "feature_list.json"

// ErrNotFound is returned when no checklist exists yet.
var ErrNotFound = errors.New("feature checklist not found")

// Feature is one checklist entry. Only Passes ever changes after creation.
type Feature struct {
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Steps       []string `json:"steps"`
	Passes      bool     `json:"passes"`
}

// Checklist is the durable feature list for one project.
type Checklist struct {
	dir      string
	features []Feature
	journal  *Journal
	mu       sync.Mutex
}

// Open loads the checklist from dir. ErrNotFound is returned when the file
// does not exist; a corrupt file is an error, never silently reset.
func Open(dir string) (*Checklist, error) {
	path := filepath.Join(dir, ChecklistFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read checklist: %w", err)
	}

	var features []Feature
	if err := json.Unmarshal(data, &features); err != nil {
		return nil, fmt.Errorf("checklist is not valid JSON: %w", err)
	}

	journal, err := OpenJournal(dir)
	if err != nil {
		return nil, err
	}

	return &Checklist{dir: dir, features: features, journal: journal}, nil
}

// Exists reports whether a checklist file is present in dir.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ChecklistFile))
	return err == nil
}

// Create writes a brand-new checklist. It refuses to overwrite an existing
// one: entries are never destroyed in bulk.
func Create(dir string, features []Feature) (*Checklist, error) {
	if Exists(dir) {
		return nil, fmt.Errorf("checklist already exists in %s", dir)
	}
	journal, err := OpenJournal(dir)
	if err != nil {
		return nil, err
	}
	c := &Checklist{dir: dir, features: features, journal: journal}
	if err := c.save(); err != nil {
		return nil, err
	}
	return c, nil
}

// Features returns a copy of the entries in checklist order.
func (c *Checklist) Features() []Feature {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Feature, len(c.features))
	copy(out, c.features)
	return out
}

// Len returns the invariant entry count.
func (c *Checklist) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.features)
}

// Counts returns (passing, total).
func (c *Checklist) Counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	passing := 0
	for _, f := range c.features {
		if f.Passes {
			passing++
		}
	}
	return passing, len(c.features)
}

// Complete reports whether every entry passes. An empty checklist counts as
// complete: there is no work to do.
func (c *Checklist) Complete() bool {
	passing, total := c.Counts()
	return passing == total
}

// NextPending returns the index of the first entry not yet passing, or -1.
// Work is attempted in checklist order; entries are never reordered.
func (c *Checklist) NextPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, f := range c.features {
		if !f.Passes {
			return i
		}
	}
	return -1
}

// MarkPassing flips entry i to passing and persists both the checklist and
// the transition journal. Flipping an already-passing entry is a no-op;
// the reverse transition does not exist.
func (c *Checklist) MarkPassing(i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i < 0 || i >= len(c.features) {
		return fmt.Errorf("feature index %d out of range [0,%d)", i, len(c.features))
	}
	if c.features[i].Passes {
		return nil
	}
	c.features[i].Passes = true

	if err := c.journal.RecordPass(i, c.features[i].Description); err != nil {
		c.features[i].Passes = false
		return err
	}
	if err := c.save(); err != nil {
		c.features[i].Passes = false
		return err
	}
	return nil
}

// Reload re-reads the checklist file, honoring the monotonic invariant: an
// on-disk edit may flip entries to passing (a backend agent updating its own
// checklist) but can never un-pass one or change the entry count.
func (c *Checklist) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(c.dir, ChecklistFile))
	if err != nil {
		return fmt.Errorf("failed to re-read checklist: %w", err)
	}
	var fresh []Feature
	if err := json.Unmarshal(data, &fresh); err != nil {
		return fmt.Errorf("checklist is not valid JSON: %w", err)
	}
	if len(fresh) != len(c.features) {
		return fmt.Errorf("checklist entry count changed from %d to %d", len(c.features), len(fresh))
	}
	for i := range fresh {
		if c.features[i].Passes && !fresh[i].Passes {
			return fmt.Errorf("feature %d regressed from passing", i)
		}
	}
	c.features = fresh
	return nil
}

// Verify replays the transition journal against the current checklist and
// reports the first divergence, so a corrupted rewrite is detected rather
// than trusted.
func (c *Checklist) Verify() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.journal.Records()
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.Index < 0 || r.Index >= len(c.features) {
			return fmt.Errorf("journal references feature %d outside checklist of %d", r.Index, len(c.features))
		}
		if !c.features[r.Index].Passes {
			return fmt.Errorf("journal says feature %d passed but checklist disagrees", r.Index)
		}
	}
	return nil
}

// save writes the checklist atomically: temp file in the same directory,
// then rename, so a crash mid-write cannot corrupt the persisted list.
func (c *Checklist) save() error {
	data, err := json.MarshalIndent(c.features, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checklist: %w", err)
	}
	return atomicWrite(filepath.Join(c.dir, ChecklistFile), data)
}

// atomicWrite writes data to path via a temp file and rename.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
