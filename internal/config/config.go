// Package config provides configuration loading for the harness.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the harness configuration, loaded from harness.toml.
type Config struct {
	Harness  HarnessConfig            `toml:"harness"`
	Relay    RelayConfig              `toml:"relay"`
	Backends map[string]BackendConfig `toml:"backends"`

	// Services are the auxiliary tool/service declarations, loaded from a
	// separate YAML file so they can be shared across projects.
	Services map[string]Service `toml:"-"`
}

// HarnessConfig contains the orchestrator settings.
type HarnessConfig struct {
	ProjectDir    string `toml:"project_dir"`
	Backend       string `toml:"backend"`
	Model         string `toml:"model"`
	Mode          string `toml:"mode"`           // auto, greenfield, enhancement
	MaxIterations int    `toml:"max_iterations"` // 0 = unlimited
	SessionBudget string `toml:"session_budget"` // wall clock per session
	GracePeriod   string `toml:"grace_period"`   // cancel-to-kill window
	ContinueDelay string `toml:"continue_delay"` // pause between sessions
	ServicesFile  string `toml:"services_file"`
}

// RelayConfig enables publishing session events to NATS for live observers.
type RelayConfig struct {
	NATSURL string `toml:"nats_url"` // empty = relay disabled
}

// BackendConfig overrides per-backend invocation details.
type BackendConfig struct {
	Command string            `toml:"command"` // binary name or path
	Env     map[string]string `toml:"env"`
}

// Service declares an auxiliary tool server a backend may use. Exactly one
// of Command (local process) or URL (network endpoint) is set; backends that
// cannot honor a declaration ignore it.
type Service struct {
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
}

// servicesFile is the on-disk shape of the service declaration file.
type servicesFile struct {
	Services map[string]Service `yaml:"services"`
}

// New returns a Config with defaults.
func New() *Config {
	return &Config{
		Harness: HarnessConfig{
			Backend:       "claude",
			Mode:          "auto",
			SessionBudget: "45m",
			GracePeriod:   "10s",
			ContinueDelay: "3s",
		},
		Backends: make(map[string]BackendConfig),
		Services: make(map[string]Service),
	}
}

// LoadFile loads configuration from a TOML file and, if declared, the
// referenced services file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Harness.ServicesFile != "" {
		services, err := LoadServices(resolveRelative(path, cfg.Harness.ServicesFile))
		if err != nil {
			return nil, err
		}
		cfg.Services = services
	}

	return cfg, nil
}

// LoadDefault loads harness.toml from the current directory, falling back to
// defaults when the file does not exist.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	path := filepath.Join(cwd, "harness.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return New(), nil
	}
	return LoadFile(path)
}

// LoadServices loads auxiliary service declarations from a YAML file.
func LoadServices(path string) (map[string]Service, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read services file: %w", err)
	}
	var sf servicesFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("failed to parse services file: %w", err)
	}
	if sf.Services == nil {
		sf.Services = make(map[string]Service)
	}
	for name, svc := range sf.Services {
		if svc.Command == "" && svc.URL == "" {
			return nil, fmt.Errorf("service %q declares neither command nor url", name)
		}
	}
	return sf.Services, nil
}

// SessionBudget returns the parsed per-session wall clock budget.
func (c *Config) SessionBudget() time.Duration {
	return parseDuration(c.Harness.SessionBudget, 45*time.Minute)
}

// GracePeriod returns the parsed cancel-to-kill window.
func (c *Config) GracePeriod() time.Duration {
	return parseDuration(c.Harness.GracePeriod, 10*time.Second)
}

// ContinueDelay returns the parsed pause between sessions.
func (c *Config) ContinueDelay() time.Duration {
	return parseDuration(c.Harness.ContinueDelay, 3*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// resolveRelative resolves target relative to the directory of base when
// target is not absolute.
func resolveRelative(base, target string) string {
	if filepath.IsAbs(target) {
		return target
	}
	return filepath.Join(filepath.Dir(base), target)
}
