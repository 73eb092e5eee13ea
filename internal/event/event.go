// Package event defines the normalized event stream flowing from a backend
// agent process to the orchestrator.
package event

// Type identifies the kind of an Event.
type Type string

const (
	// TypeText carries plain assistant output. Raw passthrough chunks are
	// tagged with Meta["raw"]="1"; fenced code blocks carry Meta["kind"]="code"
	// and Meta["lang"].
	TypeText Type = "text"

	// TypeToolCall is a request to perform a side-effecting action.
	TypeToolCall Type = "tool_call"

	// TypeJSON is a structured payload extracted from backend output.
	TypeJSON Type = "json"

	// TypeDone terminates a session stream after a clean process exit.
	TypeDone Type = "done"

	// TypeError reports a failure. A terminal error (Meta["terminal"]="1")
	// ends the stream; a tool denial does not.
	TypeError Type = "error"
)

// Event is the unit produced by the output normalizer and consumed by the
// orchestrator. Exactly one of TypeDone or TypeError with the terminal tag
// closes a session's sequence; nothing follows it.
type Event struct {
	Type    Type
	Content string

	// Tool call fields.
	Name string
	Args map[string]any

	// Parsed structured payload, for TypeJSON.
	Parsed map[string]any

	// Process exit status, for TypeDone.
	ExitStatus int

	// Meta carries small string tags (raw, kind, lang, terminal, reason).
	Meta map[string]string
}

// Text builds a plain text event.
func Text(content string) Event {
	return Event{Type: TypeText, Content: content}
}

// Raw builds a raw-passthrough text event. These exist for observability
// only; consumers computing semantic sequences should skip them.
func Raw(content string) Event {
	return Event{Type: TypeText, Content: content, Meta: map[string]string{"raw": "1"}}
}

// ToolCall builds a tool invocation event.
func ToolCall(name string, args map[string]any) Event {
	return Event{Type: TypeToolCall, Name: name, Args: args}
}

// Done builds the terminal completion event.
func Done(exitStatus int) Event {
	return Event{Type: TypeDone, ExitStatus: exitStatus}
}

// Errorf builds an error event. Terminal errors end the stream.
func Errorf(terminal bool, msg string) Event {
	ev := Event{Type: TypeError, Content: msg}
	if terminal {
		ev.Meta = map[string]string{"terminal": "1"}
	}
	return ev
}

// IsRaw reports whether the event is a raw passthrough.
func (e Event) IsRaw() bool {
	return e.Meta["raw"] == "1"
}

// Terminal reports whether the event closes the session stream.
func (e Event) Terminal() bool {
	return e.Type == TypeDone || (e.Type == TypeError && e.Meta["terminal"] == "1")
}
