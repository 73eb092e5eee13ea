package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openloop/harness/internal/config"
	"github.com/openloop/harness/internal/logging"
)

func init() {
	Register("claude", newClaudeClient)
}

// claudeClient runs the claude CLI in non-interactive print mode.
type claudeClient struct {
	command string
	env     map[string]string
	cfg     *config.Config
	log     *logging.Logger
}

func newClaudeClient(cfg *config.Config, log *logging.Logger) (Client, error) {
	command := "claude"
	env := map[string]string{}
	if bc, ok := cfg.Backends["claude"]; ok {
		if bc.Command != "" {
			command = bc.Command
		}
		for k, v := range bc.Env {
			env[k] = v
		}
	}
	return &claudeClient{command: command, env: env, cfg: cfg, log: log.WithComponent("claude")}, nil
}

// Start writes the per-project settings file, then spawns one print-mode
// invocation. The CLI edits files itself; the settings scope what it may
// touch without interactive approval.
func (c *claudeClient) Start(ctx context.Context, task Task) (*Session, error) {
	if err := writeClaudeSettings(task.ProjectDir); err != nil {
		return nil, err
	}

	args := []string{"-p", task.Prompt, "--permission-mode", "acceptEdits"}
	if task.Model != "" {
		args = append(args, "--model", task.Model)
	}

	extra := map[string]string{}
	for k, v := range c.env {
		extra[k] = v
	}
	// Subscription auth flows through the environment untouched.
	if token := os.Getenv("CLAUDE_CODE_OAUTH_TOKEN"); token != "" {
		extra["CLAUDE_CODE_OAUTH_TOKEN"] = token
	}

	r := &runner{
		name:        c.command,
		args:        args,
		dir:         task.ProjectDir,
		env:         hostEnv(extra),
		gracePeriod: c.cfg.GracePeriod(),
		log:         c.log,
	}
	c.log.Debug("starting backend", logging.Fields{"command": c.command, "model": task.Model})
	return r.run(ctx)
}

// claudeSettings is the project-scoped settings file shape.
type claudeSettings struct {
	Permissions struct {
		Allow []string `json:"allow"`
		Deny  []string `json:"deny"`
	} `json:"permissions"`
	EnableAllProjectMcpServers bool `json:"enableAllProjectMcpServers"`
}

// writeClaudeSettings scopes the CLI to the project directory: edits and
// reads anywhere under it, no network fetch, no access outside.
func writeClaudeSettings(projectDir string) error {
	dir := filepath.Join(projectDir, ".claude")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings dir: %w", err)
	}

	var s claudeSettings
	s.Permissions.Allow = []string{
		"Edit",
		"Write",
		"Read",
		fmt.Sprintf("Bash(cd %s:*)", projectDir),
	}
	s.Permissions.Deny = []string{"WebFetch", "WebSearch"}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	path := filepath.Join(dir, "settings.local.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}
