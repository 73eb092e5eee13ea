package progress

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// JournalFile is the append-only pass-transition journal.
const JournalFile = "feature_journal.jsonl"

// PassRecord is one false-to-true transition, appended at the moment a
// feature is marked passing.
type PassRecord struct {
	Index       int       `json:"index"`
	Description string    `json:"description"`
	Time        time.Time `json:"time"`
}

// Journal is an append-only log of pass transitions. Lines are only ever
// added at the end, never rewritten.
type Journal struct {
	path string
}

// OpenJournal opens (or lazily creates) the journal in dir.
func OpenJournal(dir string) (*Journal, error) {
	return &Journal{path: filepath.Join(dir, JournalFile)}, nil
}

// RecordPass appends one transition. The file is opened with O_APPEND so
// concurrent writers cannot interleave within a line.
func (j *Journal) RecordPass(index int, description string) error {
	rec := PassRecord{Index: index, Description: description, Time: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal journal record: %w", err)
	}

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append journal record: %w", err)
	}
	return nil
}

// Records returns all transitions in append order. A missing journal is an
// empty journal.
func (j *Journal) Records() ([]PassRecord, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	var records []PassRecord
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if text == "" {
			continue
		}
		var rec PassRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("journal line %d is not valid JSON: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return records, nil
}
