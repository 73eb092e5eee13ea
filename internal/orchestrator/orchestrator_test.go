package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openloop/harness/internal/backend"
	"github.com/openloop/harness/internal/checkpoint"
	"github.com/openloop/harness/internal/config"
	"github.com/openloop/harness/internal/event"
	"github.com/openloop/harness/internal/logging"
	"github.com/openloop/harness/internal/progress"
)

// fakeClient plays scripted sessions. Each session runs its side effect
// (standing in for the agent editing project files), then streams its
// events and closes.
type fakeClient struct {
	sessions int
	script   func(session int, task backend.Task) []event.Event
	effect   func(session int, task backend.Task)
	prompts  []string
}

func (f *fakeClient) Start(ctx context.Context, task backend.Task) (*backend.Session, error) {
	f.sessions++
	n := f.sessions
	f.prompts = append(f.prompts, task.Prompt)

	if f.effect != nil {
		f.effect(n, task)
	}

	events := make(chan event.Event, 16)
	go func() {
		defer close(events)
		for _, ev := range f.script(n, task) {
			events <- ev
		}
	}()
	return &backend.Session{ID: "fake", Events: events, Cancel: func() {}}, nil
}

func quietLogger() *logging.Logger {
	l := logging.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(dir string) *config.Config {
	cfg := config.New()
	cfg.Harness.ProjectDir = dir
	cfg.Harness.MaxIterations = 5
	cfg.Harness.SessionBudget = "10s"
	cfg.Harness.ContinueDelay = "1ms"
	return cfg
}

func newTestOrchestrator(cfg *config.Config, client backend.Client) *Orchestrator {
	d := NewDisplay()
	d.SetOutput(io.Discard)
	return &Orchestrator{
		cfg:     cfg,
		client:  client,
		store:   checkpoint.NewStore(cfg.Harness.ProjectDir),
		display: d,
		log:     quietLogger(),
	}
}

func seedChecklist(t *testing.T, dir string, n int) {
	t.Helper()
	features := make([]progress.Feature, n)
	for i := range features {
		features[i] = progress.Feature{
			Category:    progress.CategoryFunctional,
			Description: "feature " + string(rune('A'+i)),
			Steps:       []string{"verify it works"},
		}
	}
	if _, err := progress.Create(dir, features); err != nil {
		t.Fatalf("seed checklist: %v", err)
	}
}

// flipNextPending edits the checklist file the way an agent would: flip the
// first non-passing entry to true.
func flipNextPending(t *testing.T, dir string) {
	t.Helper()
	path := filepath.Join(dir, progress.ChecklistFile)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read checklist: %v", err)
	}
	var features []progress.Feature
	if err := json.Unmarshal(data, &features); err != nil {
		t.Fatalf("parse checklist: %v", err)
	}
	for i := range features {
		if !features[i].Passes {
			features[i].Passes = true
			break
		}
	}
	out, _ := json.Marshal(features)
	if err := os.WriteFile(path, out, 0644); err != nil {
		t.Fatalf("write checklist: %v", err)
	}
}

func TestRunOnePassPerSession(t *testing.T) {
	dir := t.TempDir()
	seedChecklist(t, dir, 3)

	client := &fakeClient{
		script: func(n int, task backend.Task) []event.Event {
			return []event.Event{
				event.Text("implemented feature and marked it passing"),
				event.Done(0),
			}
		},
		effect: func(n int, task backend.Task) {
			flipNextPending(t, task.ProjectDir)
		},
	}

	o := newTestOrchestrator(testConfig(dir), client)
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if client.sessions != 3 {
		t.Errorf("expected exactly 3 sessions, got %d", client.sessions)
	}

	cp, err := checkpoint.NewStore(dir).Load()
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp.Iteration != 3 {
		t.Errorf("iteration counter: %d", cp.Iteration)
	}

	checklist, err := progress.Open(dir)
	if err != nil {
		t.Fatalf("open checklist: %v", err)
	}
	if !checklist.Complete() {
		passing, total := checklist.Counts()
		t.Errorf("checklist incomplete: %d/%d", passing, total)
	}
}

func TestRunStopsAtIterationBudget(t *testing.T) {
	dir := t.TempDir()
	seedChecklist(t, dir, 3)

	client := &fakeClient{
		script: func(n int, task backend.Task) []event.Event {
			// Never makes progress.
			return []event.Event{event.Text("still thinking"), event.Done(0)}
		},
	}

	cfg := testConfig(dir)
	cfg.Harness.MaxIterations = 2
	o := newTestOrchestrator(cfg, client)
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if client.sessions != 2 {
		t.Errorf("expected 2 sessions, got %d", client.sessions)
	}
	cp, _ := checkpoint.NewStore(dir).Load()
	if cp.Iteration != 2 {
		t.Errorf("iteration counter: %d", cp.Iteration)
	}
}

func TestInitializerCreatesChecklist(t *testing.T) {
	dir := t.TempDir()

	client := &fakeClient{
		script: func(n int, task backend.Task) []event.Event {
			if n == 1 {
				return []event.Event{event.Text("wrote the feature checklist"), event.Done(0)}
			}
			return []event.Event{event.Text("working"), event.Done(0)}
		},
		effect: func(n int, task backend.Task) {
			if n == 1 {
				features := []progress.Feature{{Category: progress.CategoryFunctional, Description: "f", Steps: []string{"s"}}}
				data, _ := json.Marshal(features)
				os.WriteFile(filepath.Join(task.ProjectDir, progress.ChecklistFile), data, 0644)
				return
			}
			flipNextPending(t, task.ProjectDir)
		},
	}

	o := newTestOrchestrator(testConfig(dir), client)
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Session zero plus one working session.
	if client.sessions != 2 {
		t.Errorf("sessions: %d", client.sessions)
	}
	cp, _ := checkpoint.NewStore(dir).Load()
	if len(cp.Notes) == 0 || cp.Notes[0].Session != 0 {
		t.Errorf("missing initializer note: %+v", cp.Notes)
	}
}

func TestInitializerFailureIsTerminalWithDurableNote(t *testing.T) {
	dir := t.TempDir()

	client := &fakeClient{
		script: func(n int, task backend.Task) []event.Event {
			return []event.Event{event.Text("forgot the checklist"), event.Done(0)}
		},
	}

	o := newTestOrchestrator(testConfig(dir), client)
	if err := o.Run(context.Background()); err == nil {
		t.Fatal("expected error when initializer leaves no checklist")
	}

	cp, err := checkpoint.NewStore(dir).Load()
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if len(cp.Notes) == 0 {
		t.Error("failure left no durable note")
	}
}

func TestCrashResumeIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	seedChecklist(t, dir, 3)

	client := &fakeClient{
		script: func(n int, task backend.Task) []event.Event {
			return []event.Event{event.Text("done one"), event.Done(0)}
		},
		effect: func(n int, task backend.Task) {
			flipNextPending(t, task.ProjectDir)
		},
	}

	// First process: budget of one session, then "crash" (process ends).
	cfg := testConfig(dir)
	cfg.Harness.MaxIterations = 1
	if err := newTestOrchestrator(cfg, client).Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	afterFirst, _ := checkpoint.NewStore(dir).Load()

	// Second process resumes from the persisted checkpoint only.
	cfg2 := testConfig(dir)
	cfg2.Harness.MaxIterations = 5
	if err := newTestOrchestrator(cfg2, client).Run(context.Background()); err != nil {
		t.Fatalf("resumed run: %v", err)
	}

	final, _ := checkpoint.NewStore(dir).Load()
	if final.Iteration != 3 {
		t.Errorf("final iteration: %d", final.Iteration)
	}
	if final.Notes[0].Text != afterFirst.Notes[0].Text {
		t.Error("resume rewrote history")
	}
	checklist, _ := progress.Open(dir)
	if !checklist.Complete() {
		t.Error("resumed run did not finish the checklist")
	}
}

func TestRateLimitStopsRunResumably(t *testing.T) {
	dir := t.TempDir()
	seedChecklist(t, dir, 3)

	client := &fakeClient{
		script: func(n int, task backend.Task) []event.Event {
			return []event.Event{
				event.Text("usage limit reached, try again later"),
				event.Done(0),
			}
		},
	}

	o := newTestOrchestrator(testConfig(dir), client)
	err := o.Run(context.Background())
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if client.sessions != 1 {
		t.Errorf("should stop after the throttled session, ran %d", client.sessions)
	}
	// Still resumable: checkpoint was written.
	cp, _ := checkpoint.NewStore(dir).Load()
	if cp.Iteration != 1 {
		t.Errorf("iteration: %d", cp.Iteration)
	}
}

func TestFailedSessionFeedsErrorIntoNextPrompt(t *testing.T) {
	dir := t.TempDir()
	seedChecklist(t, dir, 1)

	client := &fakeClient{
		script: func(n int, task backend.Task) []event.Event {
			if n == 1 {
				return []event.Event{event.Errorf(true, "backend exited with status 2")}
			}
			return []event.Event{event.Text("fixed it"), event.Done(0)}
		},
		effect: func(n int, task backend.Task) {
			if n > 1 {
				flipNextPending(t, task.ProjectDir)
			}
		},
	}

	o := newTestOrchestrator(testConfig(dir), client)
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(client.prompts) < 2 {
		t.Fatalf("expected a retry session, prompts: %d", len(client.prompts))
	}
	if !containsAll(client.prompts[1], "previous session ended with an error", "status 2") {
		t.Errorf("second prompt missing error context:\n%s", client.prompts[1])
	}
	if containsAll(client.prompts[0], "previous session ended with an error") {
		t.Error("first prompt should carry no error context")
	}
}

func TestSessionNotesCarryIntoNextPrompt(t *testing.T) {
	dir := t.TempDir()
	seedChecklist(t, dir, 2)

	client := &fakeClient{
		script: func(n int, task backend.Task) []event.Event {
			return []event.Event{
				event.Text("wired the payment webhook handler"),
				event.Done(0),
			}
		},
		effect: func(n int, task backend.Task) {
			flipNextPending(t, task.ProjectDir)
		},
	}

	o := newTestOrchestrator(testConfig(dir), client)
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Each session's summary lands in the notes file on disk.
	notes, err := progress.ReadNotes(dir)
	if err != nil {
		t.Fatalf("ReadNotes: %v", err)
	}
	if !containsAll(notes, "session 1", "wired the payment webhook handler") {
		t.Errorf("session summary missing from notes file:\n%s", notes)
	}

	// And the next session's prompt carries it forward.
	if len(client.prompts) < 2 {
		t.Fatalf("expected 2 sessions, prompts: %d", len(client.prompts))
	}
	if !strings.Contains(client.prompts[1], "wired the payment webhook handler") {
		t.Errorf("second prompt missing handoff note:\n%s", client.prompts[1])
	}
	if strings.Contains(client.prompts[0], "wired the payment webhook handler") {
		t.Error("first prompt cannot carry a note that does not exist yet")
	}
}

func TestCancelledContextPausesGracefully(t *testing.T) {
	dir := t.TempDir()
	seedChecklist(t, dir, 3)

	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeClient{
		script: func(n int, task backend.Task) []event.Event {
			cancel()
			return []event.Event{event.Text("partial"), event.Done(0)}
		},
	}

	o := newTestOrchestrator(testConfig(dir), client)
	start := time.Now()
	if err := o.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancelled run took too long")
	}
	// The finished session must still be checkpointed.
	cp, _ := checkpoint.NewStore(dir).Load()
	if cp.Iteration != 1 {
		t.Errorf("iteration after cancel: %d", cp.Iteration)
	}
}

func TestResolveMode(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	o := newTestOrchestrator(cfg, nil)

	if mode := o.resolveMode(dir); mode != ModeGreenfield {
		t.Errorf("empty dir: %q", mode)
	}

	seedChecklist(t, dir, 1)
	if mode := o.resolveMode(dir); mode != ModeEnhancement {
		t.Errorf("dir with checklist: %q", mode)
	}

	cfg.Harness.Mode = ModeGreenfield
	if mode := o.resolveMode(dir); mode != ModeGreenfield {
		t.Errorf("explicit mode not honored: %q", mode)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
