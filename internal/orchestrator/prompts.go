package orchestrator

import (
	"fmt"
	"strings"

	"github.com/openloop/harness/internal/progress"
)

// handoffLimit bounds how much of the notes file feeds a coding prompt.
// Long-running projects accumulate more history than a prompt can carry.
const handoffLimit = 4096

// initializerPrompt builds the session-zero prompt. Its one hard requirement
// is leaving a valid feature_list.json behind.
func initializerPrompt(mode string) string {
	var b strings.Builder

	if mode == ModeEnhancement {
		b.WriteString("You are taking over an existing codebase.\n\n")
		b.WriteString("1. Read the project specification and survey the current code.\n")
		b.WriteString("2. Identify what already works and what remains to be built or fixed.\n")
	} else {
		b.WriteString("You are starting a brand-new project from its specification.\n\n")
		b.WriteString("1. Read the project specification in this directory.\n")
		b.WriteString("2. Set up the initial project structure.\n")
	}

	b.WriteString("3. Create a file named ")
	b.WriteString(progress.ChecklistFile)
	b.WriteString(" containing a JSON array of feature entries. Each entry has:\n")
	b.WriteString("   - \"category\": \"functional\" or \"style\"\n")
	b.WriteString("   - \"description\": what the feature does, one sentence\n")
	b.WriteString("   - \"steps\": ordered list of verification steps\n")
	b.WriteString("   - \"passes\": false\n\n")
	b.WriteString("Cover every requirement in the specification. Do not mark anything ")
	b.WriteString("passing yet. The checklist is the contract for all later sessions.\n")

	return b.String()
}

// codingPrompt builds a working-session prompt: current progress, the next
// feature in checklist order, the handoff notes earlier sessions left in
// progress_notes.md, and the previous session's error so the agent adapts
// instead of repeating it.
func codingPrompt(checklist *progress.Checklist, handoff string, previousError string) string {
	var b strings.Builder

	if previousError != "" {
		b.WriteString("The previous session ended with an error:\n\n")
		b.WriteString("    " + previousError + "\n\n")
		b.WriteString("Take a different approach this time.\n\n")
	}

	passing, total := checklist.Counts()
	fmt.Fprintf(&b, "Progress: %d of %d features passing.\n\n", passing, total)

	if i := checklist.NextPending(); i >= 0 {
		f := checklist.Features()[i]
		fmt.Fprintf(&b, "Work on the next pending feature (#%d, %s):\n", i+1, f.Category)
		b.WriteString("  " + f.Description + "\n")
		if len(f.Steps) > 0 {
			b.WriteString("  Verification steps:\n")
			for _, step := range f.Steps {
				b.WriteString("    - " + step + "\n")
			}
		}
		b.WriteString("\n")
	}

	if handoff = strings.TrimSpace(handoff); handoff != "" {
		b.WriteString("Notes from earlier sessions (from " + progress.NotesFile + "):\n\n")
		b.WriteString(handoff + "\n\n")
	}

	b.WriteString("When the feature works end to end, set its \"passes\" field to true in ")
	b.WriteString(progress.ChecklistFile)
	b.WriteString(". Never change descriptions or steps, never remove entries, and never ")
	b.WriteString("set a passing entry back to false. Finish with a short summary of what ")
	b.WriteString("you did.\n")

	return b.String()
}

// notesTail keeps the most recent limit bytes of the notes file, snapping
// forward to the next entry heading so the excerpt starts on a whole note.
func notesTail(notes string, limit int) string {
	notes = strings.TrimSpace(notes)
	if len(notes) <= limit {
		return notes
	}
	cut := notes[len(notes)-limit:]
	if i := strings.Index(cut, "\n## "); i >= 0 {
		cut = cut[i+1:]
	}
	return cut
}
