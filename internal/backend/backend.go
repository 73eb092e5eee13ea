// Package backend runs coding agent CLIs as subprocesses and exposes each
// run as a session: a stream of normalized events plus a cancel handle.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/openloop/harness/internal/config"
	"github.com/openloop/harness/internal/event"
	"github.com/openloop/harness/internal/logging"
)

// ErrSpawn wraps failures to start the backend process. Spawn failures are
// session-fatal; there is no adapter-level retry.
var ErrSpawn = errors.New("failed to spawn backend")

// Task describes one session's work.
type Task struct {
	Prompt     string
	ProjectDir string
	Model      string
}

// Session is one running backend process. Events closes after the terminal
// event. Cancel asks the process to stop; it is safe to call more than once.
type Session struct {
	ID     string
	Events <-chan event.Event
	Cancel func()
}

// Client starts sessions against one backend.
type Client interface {
	Start(ctx context.Context, task Task) (*Session, error)
}

// Factory builds a Client from configuration.
type Factory func(cfg *config.Config, log *logging.Logger) (Client, error)

var registry = map[string]Factory{}

// Register adds a backend factory under name. Called from adapter init.
func Register(name string, f Factory) {
	registry[name] = f
}

// New builds the named backend client. Unknown names fail here, at startup,
// not mid-run.
func New(name string, cfg *config.Config, log *logging.Logger) (Client, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (available: %v)", name, Names())
	}
	return f(cfg, log)
}

// Names lists registered backends, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// newSessionID returns a fresh session identifier.
func newSessionID() string {
	return uuid.NewString()[:8]
}
