package orchestrator

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/openloop/harness/internal/event"
	"github.com/openloop/harness/internal/progress"
)

const displayWidth = 100

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true)

	sessionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	toolStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	denyStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	passStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

// Display renders run progress to the terminal. Harness chrome goes to
// stdout alongside agent text; diagnostics stay on the logger.
type Display struct {
	out io.Writer
}

// NewDisplay returns a Display writing to stdout.
func NewDisplay() *Display {
	return &Display{out: os.Stdout}
}

// SetOutput redirects display output.
func (d *Display) SetOutput(w io.Writer) { d.out = w }

// RunHeader prints the banner for a (possibly resumed) run.
func (d *Display) RunHeader(backendName, mode string, iteration int) {
	title := fmt.Sprintf("harness  backend=%s  mode=%s", backendName, mode)
	if iteration > 0 {
		title += fmt.Sprintf("  resuming after session %d", iteration)
	}
	fmt.Fprintln(d.out, headerStyle.Render(title))
}

// SessionHeader marks the start of one session.
func (d *Display) SessionHeader(iteration int, phase string) {
	fmt.Fprintln(d.out, sessionStyle.Render(fmt.Sprintf("── session %d (%s) ──", iteration, phase)))
}

// Progress prints the checklist summary line.
func (d *Display) Progress(checklist *progress.Checklist) {
	passing, total := checklist.Counts()
	bar := renderBar(passing, total, 30)
	fmt.Fprintf(d.out, "%s %s\n", bar, dimStyle.Render(fmt.Sprintf("%d/%d features passing", passing, total)))
}

// AgentText prints wrapped assistant output.
func (d *Display) AgentText(ev event.Event) {
	text := strings.TrimRight(ev.Content, "\n")
	if text == "" {
		return
	}
	if ev.Meta["kind"] == "code" {
		fmt.Fprintln(d.out, dimStyle.Render(text))
		return
	}
	fmt.Fprintln(d.out, wordwrap.String(text, displayWidth))
}

// ToolCall prints one tool invocation line.
func (d *Display) ToolCall(ev event.Event) {
	detail := ev.Name
	if cmd, ok := ev.Args["cmd"].(string); ok {
		detail = fmt.Sprintf("%s: %s", ev.Name, cmd)
	} else if path, ok := ev.Args["path"].(string); ok {
		detail = fmt.Sprintf("%s: %s", ev.Name, path)
	}
	fmt.Fprintln(d.out, toolStyle.Render("→ "+detail))
}

// Denial prints a blocked command.
func (d *Display) Denial(ev event.Event) {
	fmt.Fprintln(d.out, denyStyle.Render("✗ "+ev.Content))
}

// FeaturePassed announces a checklist flip observed mid-session.
func (d *Display) FeaturePassed(description string) {
	fmt.Fprintln(d.out, passStyle.Render("✓ "+description))
}

// RunComplete prints the final summary.
func (d *Display) RunComplete(checklist *progress.Checklist) {
	_, total := checklist.Counts()
	fmt.Fprintln(d.out, passStyle.Render(fmt.Sprintf("all %d features passing, run complete", total)))
}

// BudgetExhausted prints the iteration-budget stop notice.
func (d *Display) BudgetExhausted(iteration int) {
	fmt.Fprintln(d.out, dimStyle.Render(fmt.Sprintf("iteration budget reached after session %d; re-run to continue", iteration)))
}

// RateLimited prints the throttling stop notice.
func (d *Display) RateLimited() {
	fmt.Fprintln(d.out, denyStyle.Render("backend rate limited; stopping with a resumable checkpoint"))
}

func renderBar(passing, total, width int) string {
	if total == 0 {
		return passStyle.Render(strings.Repeat("█", width))
	}
	filled := passing * width / total
	return passStyle.Render(strings.Repeat("█", filled)) + dimStyle.Render(strings.Repeat("░", width-filled))
}
