// Package orchestrator drives the multi-session control loop: it opens one
// bounded backend session at a time, relays its events, applies checklist
// transitions, and checkpoints after every session so a fresh process
// resumes exactly where the previous one stopped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openloop/harness/internal/backend"
	"github.com/openloop/harness/internal/checkpoint"
	"github.com/openloop/harness/internal/config"
	"github.com/openloop/harness/internal/event"
	"github.com/openloop/harness/internal/logging"
	"github.com/openloop/harness/internal/progress"
	"github.com/openloop/harness/internal/relay"
)

// Run modes.
const (
	ModeAuto        = "auto"
	ModeGreenfield  = "greenfield"
	ModeEnhancement = "enhancement"
)

// ErrRateLimited stops a run when the backend reports provider throttling.
// The checkpoint is persisted first, so re-invoking later resumes cleanly.
var ErrRateLimited = errors.New("backend rate limited")

// Orchestrator owns the run loop for one project directory.
type Orchestrator struct {
	cfg     *config.Config
	client  backend.Client
	store   *checkpoint.Store
	relay   *relay.Relay
	display *Display
	log     *logging.Logger

	// prevErr carries a failed session's message into the next prompt so
	// the agent can adapt instead of repeating the failure.
	prevErr string
}

// New wires an Orchestrator from configuration. The backend name must be
// registered; unknown names fail here.
func New(cfg *config.Config, log *logging.Logger) (*Orchestrator, error) {
	if cfg.Harness.ProjectDir == "" {
		return nil, errors.New("project directory not configured")
	}

	client, err := backend.New(cfg.Harness.Backend, cfg, log)
	if err != nil {
		return nil, err
	}

	rl, err := relay.Connect(cfg.Relay.NATSURL, log)
	if err != nil {
		// A dead broker must not block coding work.
		log.Warn("relay unavailable, continuing without it", logging.Fields{"error": err})
	}

	return &Orchestrator{
		cfg:     cfg,
		client:  client,
		store:   checkpoint.NewStore(cfg.Harness.ProjectDir),
		relay:   rl,
		display: NewDisplay(),
		log:     log.WithComponent("orchestrator"),
	}, nil
}

// Run executes sessions until the checklist completes, the iteration budget
// runs out, or the context is cancelled. Persistence failures abort the run;
// everything else is survivable.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.relay.Close()

	dir := o.cfg.Harness.ProjectDir
	cp, err := o.store.Load()
	if err != nil {
		return fmt.Errorf("cannot resume: %w", err)
	}

	mode := o.resolveMode(dir)
	o.display.RunHeader(o.cfg.Harness.Backend, mode, cp.Iteration)

	if !progress.Exists(dir) {
		if err := o.initialize(ctx, cp, mode); err != nil {
			return err
		}
	}

	checklist, err := progress.Open(dir)
	if err != nil {
		return fmt.Errorf("cannot open checklist: %w", err)
	}
	if err := checklist.Verify(); err != nil {
		o.log.Warn("checklist journal divergence", logging.Fields{"error": err})
	}

	watch, err := watchChecklist(dir, checklist, o.display, o.log)
	if err != nil {
		o.log.Warn("live checklist watch unavailable", logging.Fields{"error": err})
	} else {
		defer watch.Close()
	}

	for {
		if checklist.Complete() {
			o.display.RunComplete(checklist)
			return nil
		}
		if o.budgetExhausted(cp) {
			o.display.BudgetExhausted(cp.Iteration)
			return nil
		}
		if err := ctx.Err(); err != nil {
			// User stop is a graceful pause: the last checkpoint stands.
			return nil
		}

		result := o.runSession(ctx, cp, checklist)

		// Pick up pass flips the agent wrote to the checklist file.
		if err := checklist.Reload(); err != nil {
			o.log.Warn("checklist reload rejected", logging.Fields{"error": err})
		}

		if err := o.checkpointSession(cp, checklist, result); err != nil {
			return err
		}

		if result.rateLimited {
			o.display.RateLimited()
			return ErrRateLimited
		}

		if !checklist.Complete() && !o.budgetExhausted(cp) {
			o.pause(ctx)
		}
	}
}

// resolveMode turns ModeAuto into a concrete mode by inspecting the project
// directory: prior progress means continue as-is, a bare git repo means
// enhancement, an empty directory means greenfield.
func (o *Orchestrator) resolveMode(dir string) string {
	mode := o.cfg.Harness.Mode
	if mode != ModeAuto && mode != "" {
		return mode
	}
	if progress.Exists(dir) || progress.NotesExist(dir) {
		return ModeEnhancement
	}
	if checkpoint.TreeMarkerFor(dir) != "" {
		return ModeEnhancement
	}
	return ModeGreenfield
}

// initialize runs session zero: the initializer prompt must leave a valid,
// non-empty checklist behind. Failure is terminal but leaves a durable note.
func (o *Orchestrator) initialize(ctx context.Context, cp *checkpoint.Checkpoint, mode string) error {
	dir := o.cfg.Harness.ProjectDir
	o.display.SessionHeader(0, "initializing")

	result := o.execute(ctx, initializerPrompt(mode), 0)

	if !progress.Exists(dir) {
		o.noteFailure(cp, "initializer finished without creating a feature checklist")
		return errors.New("initializer did not create a feature checklist")
	}
	checklist, err := progress.Open(dir)
	if err != nil {
		o.noteFailure(cp, fmt.Sprintf("initializer left an unreadable checklist: %v", err))
		return fmt.Errorf("initializer left an unreadable checklist: %w", err)
	}
	if checklist.Len() == 0 {
		o.noteFailure(cp, "initializer created an empty checklist")
		return errors.New("initializer created an empty checklist")
	}

	note := "initialized project: " + summarize(result.finalText)
	cp.AddNote(0, note)
	cp.Iteration = 0
	cp.TreeMarker = checkpoint.TreeMarkerFor(dir)
	if err := o.store.Save(cp); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	if err := progress.AppendNote(dir, "session 0", note); err != nil {
		return fmt.Errorf("failed to persist session notes: %w", err)
	}
	_, total := checklist.Counts()
	o.log.Info("initialized", logging.Fields{"features": total})
	return nil
}

// sessionResult summarizes one completed backend session.
type sessionResult struct {
	exitStatus  int
	errMsg      string
	finalText   string
	rateLimited bool
}

// runSession prepares the coding prompt for the next pending feature and
// executes one bounded session.
func (o *Orchestrator) runSession(ctx context.Context, cp *checkpoint.Checkpoint, checklist *progress.Checklist) sessionResult {
	iteration := cp.Iteration + 1
	o.display.SessionHeader(iteration, "working")
	o.display.Progress(checklist)

	prompt := codingPrompt(checklist, o.readHandoff(), o.prevErr)
	result := o.execute(ctx, prompt, iteration)

	if result.errMsg != "" {
		o.prevErr = result.errMsg
	} else {
		o.prevErr = ""
	}
	return result
}

// execute runs one backend session under the wall clock budget and consumes
// its event stream to completion.
func (o *Orchestrator) execute(ctx context.Context, prompt string, iteration int) sessionResult {
	sctx, cancel := context.WithTimeout(ctx, o.cfg.SessionBudget())
	defer cancel()

	start := time.Now()
	session, err := o.client.Start(sctx, backend.Task{
		Prompt:     prompt,
		ProjectDir: o.cfg.Harness.ProjectDir,
		Model:      o.cfg.Harness.Model,
	})
	if err != nil {
		o.log.Error("session spawn failed", logging.Fields{"error": err})
		return sessionResult{exitStatus: -1, errMsg: err.Error()}
	}

	o.log.SessionStart(session.ID, o.cfg.Harness.Backend, iteration)
	_, span := startSessionSpan(sctx, session.ID, o.cfg.Harness.Backend)

	result := o.consume(session)

	endSessionSpan(span, result.exitStatus, result.errMsg)
	o.log.SessionEnd(session.ID, result.exitStatus, time.Since(start))
	return result
}

// consume drains one session's events, relaying and displaying as it goes.
// The stream contract guarantees exactly one terminal event.
func (o *Orchestrator) consume(session *backend.Session) sessionResult {
	var result sessionResult
	for ev := range session.Events {
		o.relay.Publish(session.ID, ev)

		switch ev.Type {
		case event.TypeText:
			if !ev.IsRaw() {
				o.display.AgentText(ev)
				if isRateLimitMessage(ev.Content) {
					result.rateLimited = true
					session.Cancel()
				}
				result.finalText = ev.Content
			}
		case event.TypeToolCall:
			o.display.ToolCall(ev)
		case event.TypeError:
			if isRateLimitMessage(ev.Content) {
				result.rateLimited = true
				session.Cancel()
			}
			if ev.Terminal() {
				result.errMsg = ev.Content
				result.exitStatus = -1
			} else {
				o.display.Denial(ev)
			}
		case event.TypeDone:
			result.exitStatus = ev.ExitStatus
		}
	}
	return result
}

// checkpointSession persists session outcome. This always runs, success or
// failure; a persistence error is the one thing that aborts the run.
func (o *Orchestrator) checkpointSession(cp *checkpoint.Checkpoint, checklist *progress.Checklist, result sessionResult) error {
	cp.Iteration++
	cp.TreeMarker = checkpoint.TreeMarkerFor(o.cfg.Harness.ProjectDir)

	note := summarize(result.finalText)
	if result.errMsg != "" {
		note = "session failed: " + result.errMsg
	}
	if note == "" {
		note = "session produced no summary"
	}
	cp.AddNote(cp.Iteration, note)

	if err := o.store.Save(cp); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	if err := progress.AppendNote(o.cfg.Harness.ProjectDir, fmt.Sprintf("session %d", cp.Iteration), note); err != nil {
		return fmt.Errorf("failed to persist session notes: %w", err)
	}

	passing, total := checklist.Counts()
	o.log.CheckpointSaved(cp.Iteration, passing, total)
	return nil
}

// readHandoff loads the tail of the session notes file for the next prompt.
// A read failure degrades to an empty handoff rather than blocking the run.
func (o *Orchestrator) readHandoff() string {
	notes, err := progress.ReadNotes(o.cfg.Harness.ProjectDir)
	if err != nil {
		o.log.Warn("cannot read session notes", logging.Fields{"error": err})
		return ""
	}
	return notesTail(notes, handoffLimit)
}

// noteFailure records a durable note for a failed run on a best-effort path.
func (o *Orchestrator) noteFailure(cp *checkpoint.Checkpoint, text string) {
	cp.AddNote(cp.Iteration, text)
	if err := o.store.Save(cp); err != nil {
		o.log.Error("failed to persist failure note", logging.Fields{"error": err})
	}
}

// budgetExhausted reports whether the run-level iteration budget is spent.
// Zero means unlimited.
func (o *Orchestrator) budgetExhausted(cp *checkpoint.Checkpoint) bool {
	max := o.cfg.Harness.MaxIterations
	return max > 0 && cp.Iteration >= max
}

// pause waits the auto-continue delay between sessions, honoring cancel.
func (o *Orchestrator) pause(ctx context.Context) {
	select {
	case <-time.After(o.cfg.ContinueDelay()):
	case <-ctx.Done():
	}
}

// isRateLimitMessage recognizes provider throttling in backend output.
// Continuing to burn sessions against a throttled provider wastes budget.
func isRateLimitMessage(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range []string{"rate limit", "usage limit reached", "too many requests", "429"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// summarize trims text to a single checkpoint-note sized line.
func summarize(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const limit = 300
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
