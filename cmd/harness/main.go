// Package main is the entry point for the harness CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/openloop/harness/internal/checkpoint"
	"github.com/openloop/harness/internal/config"
	"github.com/openloop/harness/internal/logging"
	"github.com/openloop/harness/internal/orchestrator"
	"github.com/openloop/harness/internal/progress"
	"github.com/openloop/harness/internal/setup"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func init() {
	// Load .env so backend credentials resolve without manual exports.
	_ = godotenv.Load()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("harness"),
		kong.Description("Drives autonomous multi-session coding work through external agent backends."),
		kong.UsageOnError(),
		kongVars(),
	)

	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// Run starts or resumes sessions for the configured project.
func (c *RunCmd) Run() error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	applyOverrides(cfg, c)

	if cfg.Harness.ProjectDir == "" {
		cfg.Harness.ProjectDir, _ = os.Getwd()
	}
	if !filepath.IsAbs(cfg.Harness.ProjectDir) {
		cfg.Harness.ProjectDir, _ = filepath.Abs(cfg.Harness.ProjectDir)
	}
	if err := os.MkdirAll(cfg.Harness.ProjectDir, 0755); err != nil {
		return fmt.Errorf("cannot prepare project directory: %w", err)
	}

	log := logging.New()
	o, err := orchestrator.New(cfg, log)
	if err != nil {
		return err
	}

	// Ctrl-C is a graceful pause: finish the teardown, keep the checkpoint.
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return o.Run(runCtx)
}

// Run prints checklist and checkpoint state.
func (c *StatusCmd) Run() error {
	dir := c.Project
	if dir == "" {
		dir, _ = os.Getwd()
	}

	cp, err := checkpoint.NewStore(dir).Load()
	if err != nil {
		return err
	}
	fmt.Printf("sessions completed: %d\n", cp.Iteration)
	if cp.TreeMarker != "" {
		fmt.Printf("last tree marker:   %s\n", cp.TreeMarker)
	}

	checklist, err := progress.Open(dir)
	if err == progress.ErrNotFound {
		fmt.Println("checklist:          not created yet")
		return nil
	}
	if err != nil {
		return err
	}
	passing, total := checklist.Counts()
	fmt.Printf("features passing:   %d/%d\n", passing, total)
	for i, f := range checklist.Features() {
		mark := " "
		if f.Passes {
			mark = "x"
		}
		fmt.Printf("  [%s] %d. %s\n", mark, i+1, f.Description)
	}

	if recent := cp.RecentNotes(3); len(recent) > 0 {
		fmt.Println("recent notes:")
		for _, n := range recent {
			fmt.Printf("  [session %d] %s\n", n.Session, n.Text)
		}
	}
	return nil
}

// Run launches the interactive setup wizard.
func (c *SetupCmd) Run() error {
	return setup.Run()
}

// Run shows version information.
func (c *VersionCmd) Run() error {
	fmt.Printf("harness version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.LoadDefault()
}

func applyOverrides(cfg *config.Config, c *RunCmd) {
	if c.Project != "" {
		cfg.Harness.ProjectDir = c.Project
	}
	if c.Backend != "" {
		cfg.Harness.Backend = c.Backend
	}
	if c.Model != "" {
		cfg.Harness.Model = c.Model
	}
	if c.Mode != "" {
		cfg.Harness.Mode = c.Mode
	}
	if c.MaxIterations != 0 {
		cfg.Harness.MaxIterations = c.MaxIterations
	}
}
