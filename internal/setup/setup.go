// Package setup provides the interactive wizard that writes harness.toml.
package setup

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/openloop/harness/internal/config"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99"))

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("170")).
			Bold(true)

	normalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("82"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))
)

// wizard steps, in order.
const (
	stepProject = iota
	stepBackend
	stepModel
	stepMaxIterations
	stepRelay
	stepDone
)

var backendChoices = []string{"claude", "copilot"}

// model is the wizard's bubbletea model.
type model struct {
	step      int
	textInput textinput.Model
	choice    int

	cfg      *config.Config
	err      error
	quitting bool
}

func newModel() model {
	ti := textinput.New()
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 60

	cwd, _ := os.Getwd()
	ti.Placeholder = cwd

	return model{
		textInput: ti,
		cfg:       config.New(),
	}
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "up":
			if m.step == stepBackend && m.choice > 0 {
				m.choice--
			}
			return m, nil
		case "down":
			if m.step == stepBackend && m.choice < len(backendChoices)-1 {
				m.choice++
			}
			return m, nil
		case "enter":
			return m.handleEnter()
		}
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m model) handleEnter() (tea.Model, tea.Cmd) {
	value := strings.TrimSpace(m.textInput.Value())

	switch m.step {
	case stepProject:
		if value == "" {
			value, _ = os.Getwd()
		}
		m.cfg.Harness.ProjectDir = value
		m.textInput.SetValue("")
		m.textInput.Placeholder = ""
	case stepBackend:
		m.cfg.Harness.Backend = backendChoices[m.choice]
	case stepModel:
		m.cfg.Harness.Model = value
		m.textInput.SetValue("")
		m.textInput.Placeholder = "0"
	case stepMaxIterations:
		if value != "" {
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				m.err = fmt.Errorf("iterations must be a non-negative number")
				return m, nil
			}
			m.cfg.Harness.MaxIterations = n
		}
		m.textInput.SetValue("")
		m.textInput.Placeholder = "nats://localhost:4222 (empty to disable)"
	case stepRelay:
		m.cfg.Relay.NATSURL = value
		m.err = writeConfig(m.cfg)
		m.step = stepDone
		return m, tea.Quit
	}

	m.err = nil
	m.step++
	return m, nil
}

func (m model) View() string {
	if m.quitting {
		return subtitleStyle.Render("setup cancelled, nothing written") + "\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("harness setup") + "\n")
	b.WriteString(subtitleStyle.Render("writes harness.toml in the current directory") + "\n\n")

	switch m.step {
	case stepProject:
		b.WriteString(normalStyle.Render("Project directory to work on:") + "\n")
		b.WriteString(m.textInput.View() + "\n")
	case stepBackend:
		b.WriteString(normalStyle.Render("Backend to drive:") + "\n")
		for i, choice := range backendChoices {
			if i == m.choice {
				b.WriteString(selectedStyle.Render("> "+choice) + "\n")
			} else {
				b.WriteString(normalStyle.Render("  "+choice) + "\n")
			}
		}
	case stepModel:
		b.WriteString(normalStyle.Render("Model override (empty for backend default):") + "\n")
		b.WriteString(m.textInput.View() + "\n")
	case stepMaxIterations:
		b.WriteString(normalStyle.Render("Max sessions per run (0 = unlimited):") + "\n")
		b.WriteString(m.textInput.View() + "\n")
	case stepRelay:
		b.WriteString(normalStyle.Render("NATS URL for live event relay (empty to disable):") + "\n")
		b.WriteString(m.textInput.View() + "\n")
	case stepDone:
		if m.err != nil {
			b.WriteString(errorStyle.Render("✗ "+m.err.Error()) + "\n")
		} else {
			b.WriteString(successStyle.Render("✓ wrote harness.toml") + "\n")
		}
		return b.String()
	}

	if m.err != nil {
		b.WriteString(errorStyle.Render(m.err.Error()) + "\n")
	}
	b.WriteString("\n" + subtitleStyle.Render("enter to continue, esc to cancel") + "\n")
	return b.String()
}

// Run launches the wizard.
func Run() error {
	final, err := tea.NewProgram(newModel()).Run()
	if err != nil {
		return err
	}
	if m, ok := final.(model); ok && m.err != nil {
		return m.err
	}
	return nil
}

// writeConfig renders the wizard's answers as harness.toml.
func writeConfig(cfg *config.Config) error {
	f, err := os.Create("harness.toml")
	if err != nil {
		return fmt.Errorf("cannot create harness.toml: %w", err)
	}
	defer f.Close()

	out := struct {
		Harness config.HarnessConfig `toml:"harness"`
		Relay   config.RelayConfig   `toml:"relay,omitempty"`
	}{Harness: cfg.Harness, Relay: cfg.Relay}

	if err := toml.NewEncoder(f).Encode(out); err != nil {
		return fmt.Errorf("cannot write harness.toml: %w", err)
	}
	return nil
}
