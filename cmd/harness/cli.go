// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Run     RunCmd     `cmd:"" help:"Run autonomous coding sessions against a project"`
	Status  StatusCmd  `cmd:"" help:"Show checklist and checkpoint state"`
	Setup   SetupCmd   `cmd:"" help:"Interactive setup wizard"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// RunCmd starts or resumes a run.
type RunCmd struct {
	Project       string `short:"p" help:"Project directory (default: current directory)"`
	Backend       string `help:"Backend to drive (claude, copilot)"`
	Model         string `help:"Model override passed to the backend"`
	Mode          string `help:"Run mode: auto, greenfield, enhancement"`
	MaxIterations int    `help:"Stop after this many sessions (0 = unlimited)"`
	Config        string `help:"Config file path (default: ./harness.toml)"`
}

// StatusCmd prints run state without starting a session.
type StatusCmd struct {
	Project string `short:"p" help:"Project directory (default: current directory)"`
}

// SetupCmd runs the interactive setup wizard.
type SetupCmd struct{}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
