package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/openloop/harness/internal/event"
	"github.com/openloop/harness/internal/gate"
	"github.com/openloop/harness/internal/logging"
	"github.com/openloop/harness/internal/parse"
)

// readChunk is the stdout read size. Small enough to stream incrementally,
// large enough to avoid syscall churn.
const readChunk = 4096

// runner spawns one CLI process and turns its stdout into an event stream.
type runner struct {
	name        string // program to execute
	args        []string
	dir         string
	env         []string // full environment snapshot
	gracePeriod time.Duration
	log         *logging.Logger
}

// run starts the process and returns a live Session. The returned session's
// Events channel closes after exactly one terminal event.
func (r *runner) run(ctx context.Context) (*Session, error) {
	cmd := exec.Command(r.name, r.args...)
	cmd.Dir = r.dir
	cmd.Env = r.env
	// Own process group, so cancellation reaches children the backend
	// spawned, not just the CLI itself.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	// Backend errors on stderr carry rate limits and failure detail; merge
	// them into the normalized stream instead of leaking to the terminal.
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	id := newSessionID()
	events := make(chan event.Event, 64)
	done := make(chan struct{})

	var once sync.Once
	cancelled := make(chan struct{})
	cancel := func() {
		once.Do(func() { close(cancelled) })
	}

	// Cancel escalates: SIGTERM to the group, then SIGKILL after the grace
	// period. The pump goroutine still drains stdout and reaps the process;
	// closing the read end unblocks it if a grandchild survives and keeps
	// the pipe's write end open.
	go func() {
		select {
		case <-cancelled:
		case <-ctx.Done():
		case <-done:
			return
		}
		r.signalGroup(cmd, syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(r.gracePeriod):
			r.signalGroup(cmd, syscall.SIGKILL)
			stdout.Close()
		}
	}()

	go r.pump(stdout, cmd, id, events, done)

	return &Session{ID: id, Events: events, Cancel: cancel}, nil
}

// signalGroup delivers sig to the backend's whole process group, falling
// back to the direct child if the group is already gone.
func (r *runner) signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		cmd.Process.Signal(sig)
	}
}

// pump reads stdout to EOF, feeds the normalizer, gates tool calls, then
// waits on the process and emits the terminal event.
func (r *runner) pump(stdout io.Reader, cmd *exec.Cmd, id string, events chan<- event.Event, done chan struct{}) {
	defer close(done)
	defer close(events)

	parser := parse.New()
	buf := make([]byte, readChunk)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, ev := range parser.Feed(string(buf[:n])) {
				r.emit(events, ev)
			}
		}
		if err != nil {
			break
		}
	}
	for _, ev := range parser.Flush() {
		r.emit(events, ev)
	}

	err := cmd.Wait()
	if err == nil {
		events <- event.Done(0)
		return
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		events <- event.Errorf(true, fmt.Sprintf("backend exited with status %d", exitErr.ExitCode()))
		return
	}
	events <- event.Errorf(true, fmt.Sprintf("backend process failed: %v", err))
}

// emit forwards ev, replacing denied shell tool calls with a non-terminal
// error event so the session keeps streaming.
func (r *runner) emit(events chan<- event.Event, ev event.Event) {
	if ev.Type == event.TypeToolCall && ev.Name == "shell" {
		cmdStr, _ := ev.Args["cmd"].(string)
		decision := gate.Evaluate(cmdStr, r.dir, "")
		r.log.GateDecision(decision.Normalized, decision.Allowed, decision.Reason)
		if !decision.Allowed {
			denial := event.Errorf(false, fmt.Sprintf("command blocked: %s", decision.Reason))
			denial.Meta = map[string]string{"reason": decision.Reason}
			events <- denial
			return
		}
	}
	if ev.Type == event.TypeToolCall {
		r.log.ToolCall(ev.Name)
	}
	events <- ev
}

// hostEnv snapshots the current environment plus adapter additions. Later
// entries win, so additions override inherited values.
func hostEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
