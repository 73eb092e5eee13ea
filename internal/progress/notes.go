package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// NotesFile carries freeform handoff context from one session to the next.
const NotesFile = "progress_notes.md"

// AppendNote appends a timestamped session note. Notes are append-only:
// earlier sessions' context is never rewritten.
func AppendNote(dir, session, text string) error {
	path := filepath.Join(dir, NotesFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open notes: %w", err)
	}
	defer f.Close()

	stamp := time.Now().UTC().Format("2006-01-02 15:04 UTC")
	entry := fmt.Sprintf("## %s (%s)\n\n%s\n\n", stamp, session, strings.TrimSpace(text))
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("failed to append note: %w", err)
	}
	return nil
}

// ReadNotes returns the full notes file, or "" when none exists yet.
func ReadNotes(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, NotesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read notes: %w", err)
	}
	return string(data), nil
}

// NotesExist reports whether any session has left notes in dir.
func NotesExist(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, NotesFile))
	return err == nil
}
