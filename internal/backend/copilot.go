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
	Register("copilot", newCopilotClient)
}

// copilotClient runs the copilot CLI with all tools pre-approved, scoped to
// the project directory.
type copilotClient struct {
	command string
	env     map[string]string
	cfg     *config.Config
	log     *logging.Logger
}

func newCopilotClient(cfg *config.Config, log *logging.Logger) (Client, error) {
	command := "copilot"
	env := map[string]string{}
	if bc, ok := cfg.Backends["copilot"]; ok {
		if bc.Command != "" {
			command = bc.Command
		}
		for k, v := range bc.Env {
			env[k] = v
		}
	}
	return &copilotClient{command: command, env: env, cfg: cfg, log: log.WithComponent("copilot")}, nil
}

// Start materializes the CLI config under a per-project XDG_CONFIG_HOME so
// service declarations reach the agent without touching the user's own
// config, then spawns one invocation.
func (c *copilotClient) Start(ctx context.Context, task Task) (*Session, error) {
	configHome, err := writeCopilotConfig(task.ProjectDir, c.cfg.Services)
	if err != nil {
		return nil, err
	}

	args := []string{"-p", task.Prompt, "--allow-all-tools", "--add-dir", task.ProjectDir}
	if task.Model != "" {
		args = append(args, "--model", task.Model)
	}

	extra := map[string]string{"XDG_CONFIG_HOME": configHome}
	for k, v := range c.env {
		extra[k] = v
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

// mcpServer is one entry in the generated mcp-config.json.
type mcpServer struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Type    string            `json:"type"`
}

// writeCopilotConfig generates the MCP server config from the harness
// service declarations and returns the config home to point the CLI at.
func writeCopilotConfig(projectDir string, services map[string]config.Service) (string, error) {
	configHome := filepath.Join(projectDir, ".harness", "copilot-config")
	dir := filepath.Join(configHome, "github-copilot")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create copilot config dir: %w", err)
	}

	servers := make(map[string]mcpServer, len(services))
	for name, svc := range services {
		entry := mcpServer{
			Command: svc.Command,
			Args:    svc.Args,
			Env:     svc.Env,
			URL:     svc.URL,
			Type:    "local",
		}
		if svc.URL != "" {
			entry.Type = "http"
		}
		servers[name] = entry
	}

	data, err := json.MarshalIndent(map[string]any{"mcpServers": servers}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal mcp config: %w", err)
	}
	path := filepath.Join(dir, "mcp-config.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write mcp config: %w", err)
	}
	return configHome, nil
}
