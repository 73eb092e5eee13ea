// Package logging provides structured key=value logging for the harness.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Fields is a set of structured log fields.
type Fields map[string]interface{}

// Logger writes structured log lines: LEVEL TIMESTAMP [component] msg k=v ...
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
}

// New creates a Logger writing to stderr at info level. Agent output owns
// stdout; harness diagnostics stay on stderr.
func New() *Logger {
	return &Logger{
		output:   os.Stderr,
		minLevel: LevelInfo,
	}
}

// WithComponent returns a logger scoped to a component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
	}
}

// SetLevel sets the minimum level emitted.
func (l *Logger) SetLevel(level Level) { l.minLevel = level }

// SetOutput redirects log output.
func (l *Logger) SetOutput(w io.Writer) { l.output = w }

func (l *Logger) Debug(msg string, fields ...Fields) { l.log(LevelDebug, msg, fields...) }
func (l *Logger) Info(msg string, fields ...Fields)  { l.log(LevelInfo, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Fields)  { l.log(LevelWarn, msg, fields...) }
func (l *Logger) Error(msg string, fields ...Fields) { l.log(LevelError, msg, fields...) }

func (l *Logger) log(level Level, msg string, fields ...Fields) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// formatFields renders fields as sorted key=value pairs for stable output.
func formatFields(fields Fields) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

// --- Harness event helpers ---

// SessionStart logs the opening of a backend session.
func (l *Logger) SessionStart(sessionID, backend string, iteration int) {
	l.Info("session_start", Fields{
		"session":   sessionID,
		"backend":   backend,
		"iteration": iteration,
	})
}

// SessionEnd logs the close of a backend session.
func (l *Logger) SessionEnd(sessionID string, exitStatus int, duration time.Duration) {
	l.Info("session_end", Fields{
		"session":  sessionID,
		"exit":     exitStatus,
		"duration": duration.Round(time.Millisecond).String(),
	})
}

// ToolCall logs a tool invocation. Arguments are not logged to keep
// potentially sensitive content out of harness logs.
func (l *Logger) ToolCall(tool string) {
	l.Info("tool_call", Fields{"tool": tool})
}

// GateDecision logs a security gate verdict.
func (l *Logger) GateDecision(command string, allowed bool, reason string) {
	fields := Fields{"command": command, "allowed": allowed, "reason": reason}
	if allowed {
		l.Debug("gate_decision", fields)
	} else {
		l.Warn("gate_decision", fields)
	}
}

// CheckpointSaved logs a persisted checkpoint.
func (l *Logger) CheckpointSaved(iteration int, passing, total int) {
	l.Info("checkpoint_saved", Fields{
		"iteration": iteration,
		"passing":   passing,
		"total":     total,
	})
}

// FeaturePassed logs a monotonic checklist transition.
func (l *Logger) FeaturePassed(index int, description string) {
	l.Info("feature_passed", Fields{"index": index, "description": description})
}
