package parse

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/openloop/harness/internal/event"
)

// semantic filters out raw passthrough events, which exist only for logs.
func semantic(events []event.Event) []event.Event {
	var out []event.Event
	for _, ev := range events {
		if !ev.IsRaw() {
			out = append(out, ev)
		}
	}
	return out
}

func feedAll(p *Parser, chunks ...string) []event.Event {
	var all []event.Event
	for _, c := range chunks {
		all = append(all, p.Feed(c)...)
	}
	all = append(all, p.Flush()...)
	return all
}

func TestRawPassthroughAlwaysFirst(t *testing.T) {
	p := New()
	events := p.Feed("$ git status\n")
	if len(events) == 0 {
		t.Fatal("no events")
	}
	if !events[0].IsRaw() || events[0].Content != "$ git status\n" {
		t.Errorf("first event is not the raw passthrough: %+v", events[0])
	}
}

func TestShellPromptLine(t *testing.T) {
	p := New()
	events := semantic(feedAll(p, "$ git status\n"))
	if len(events) != 1 {
		t.Fatalf("expected 1 semantic event, got %d: %+v", len(events), events)
	}
	ev := events[0]
	if ev.Type != event.TypeToolCall || ev.Name != "shell" {
		t.Errorf("expected shell tool call, got %+v", ev)
	}
	if ev.Args["cmd"] != "git status" {
		t.Errorf("wrong command: %v", ev.Args["cmd"])
	}
}

func TestFileOpLine(t *testing.T) {
	p := New()
	events := semantic(feedAll(p, "Create file src/main.go\n"))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Name != "file_op" {
		t.Fatalf("expected file_op, got %q", ev.Name)
	}
	if ev.Args["op"] != "Create" || ev.Args["path"] != "src/main.go" {
		t.Errorf("wrong args: %v", ev.Args)
	}
}

func TestPlainTextProducesNoSemanticEvents(t *testing.T) {
	p := New()
	events := semantic(feedAll(p, "I will start by reading the requirements.\nThen write code.\n"))
	if len(events) != 0 {
		t.Errorf("expected no semantic events, got %+v", events)
	}
}

func TestFencedCodeBlock(t *testing.T) {
	p := New()
	events := semantic(feedAll(p, "```go\nfunc main() {}\n```\n"))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d: %+v", len(events), events)
	}
	ev := events[0]
	if ev.Type != event.TypeText || ev.Meta["kind"] != "code" || ev.Meta["lang"] != "go" {
		t.Errorf("expected code text event, got %+v", ev)
	}
	if ev.Content != "func main() {}" {
		t.Errorf("wrong content: %q", ev.Content)
	}
}

func TestShellFenceEmitsToolCall(t *testing.T) {
	p := New()
	events := semantic(feedAll(p, "```bash\nnpm install\n```\n"))
	if len(events) != 2 {
		t.Fatalf("expected code text + tool call, got %+v", events)
	}
	if events[0].Meta["kind"] != "code" {
		t.Errorf("expected code text first, got %+v", events[0])
	}
	tc := events[1]
	if tc.Type != event.TypeToolCall || tc.Name != "shell" || tc.Args["cmd"] != "npm install" {
		t.Errorf("expected shell tool call for fenced command, got %+v", tc)
	}
}

func TestStructuredPayloadSingleChunk(t *testing.T) {
	p := New()
	payload := `{"final":"ok","tool_calls":[{"name":"shell","args":{"cmd":"ls"}}]}`
	events := semantic(feedAll(p, payload))

	var tools, finals, jsons int
	for _, ev := range events {
		switch ev.Type {
		case event.TypeJSON:
			jsons++
		case event.TypeToolCall:
			tools++
			if ev.Name != "shell" || ev.Args["cmd"] != "ls" {
				t.Errorf("wrong tool call: %+v", ev)
			}
		case event.TypeText:
			finals++
			if ev.Content != "ok" {
				t.Errorf("wrong final text: %q", ev.Content)
			}
		}
	}
	if jsons != 1 || tools != 1 || finals != 1 {
		t.Errorf("expected 1 json, 1 tool call, 1 text; got %d/%d/%d", jsons, tools, finals)
	}
}

func TestStructuredPayloadSplitAcrossChunks(t *testing.T) {
	payload := `{"final":"ok","tool_calls":[{"name":"shell","args":{"cmd":"ls"}}]}`
	for offset := 1; offset < len(payload); offset++ {
		p := New()
		events := semantic(feedAll(p, payload[:offset], payload[offset:]))

		var tools, finals int
		for _, ev := range events {
			switch ev.Type {
			case event.TypeToolCall:
				tools++
				if ev.Name != "shell" || ev.Args["cmd"] != "ls" {
					t.Errorf("offset %d: wrong tool call %+v", offset, ev)
				}
			case event.TypeText:
				finals++
			}
		}
		if tools != 1 {
			t.Errorf("offset %d: expected exactly 1 tool call, got %d", offset, tools)
		}
		if finals != 1 {
			t.Errorf("offset %d: expected exactly 1 final text, got %d", offset, finals)
		}
	}
}

func TestSplitInvariance(t *testing.T) {
	stream := "Working on it.\n" +
		"$ git status\n" +
		"```bash\ngo test ./...\n```\n" +
		`{"final":"done","tool_calls":[{"name":"shell","args":{"cmd":"ls -la"}}]}` + "\n" +
		"Update file internal/app.go\n"

	whole := semantic(feedAll(New(), stream))

	bytewise := New()
	var got []event.Event
	for i := 0; i < len(stream); i++ {
		got = append(got, bytewise.Feed(stream[i:i+1])...)
	}
	got = append(got, bytewise.Flush()...)
	got = semantic(got)

	if len(whole) != len(got) {
		t.Fatalf("event count differs: whole=%d bytewise=%d\nwhole=%+v\nbytewise=%+v",
			len(whole), len(got), whole, got)
	}
	for i := range whole {
		if whole[i].Type != got[i].Type || whole[i].Name != got[i].Name ||
			whole[i].Content != got[i].Content || !reflect.DeepEqual(whole[i].Args, got[i].Args) {
			t.Errorf("event %d differs:\nwhole:    %+v\nbytewise: %+v", i, whole[i], got[i])
		}
	}
}

func TestMalformedPayloadFallsBackToHeuristics(t *testing.T) {
	p := New()
	// Balanced braces but not valid JSON; the shell line after it must
	// still be recognized.
	events := semantic(feedAll(p, "{this is not json}\n$ git log\n"))
	var tools int
	for _, ev := range events {
		if ev.Type == event.TypeToolCall && ev.Name == "shell" {
			tools++
			if ev.Args["cmd"] != "git log" {
				t.Errorf("wrong command: %v", ev.Args["cmd"])
			}
		}
	}
	if tools != 1 {
		t.Errorf("expected the shell line to survive malformed payload, got %d tool calls", tools)
	}
}

func TestUnterminatedFenceFlushed(t *testing.T) {
	p := New()
	var events []event.Event
	events = append(events, p.Feed("```python\nprint('hello')\n")...)
	events = append(events, p.Flush()...)

	found := false
	for _, ev := range semantic(events) {
		if ev.Type == event.TypeText && ev.Meta["kind"] == "code" {
			found = true
			if ev.Content != "print('hello')" {
				t.Errorf("buffered fence content lost: %q", ev.Content)
			}
			if ev.Meta["partial"] != "1" {
				t.Errorf("expected partial tag on flushed fence")
			}
		}
	}
	if !found {
		t.Error("unterminated fence content was discarded")
	}
}

func TestFenceSpansManyChunks(t *testing.T) {
	p := New()
	events := semantic(feedAll(p, "```sh\n", "mkdir -p ", "build\n", "```", "\n"))
	if len(events) != 2 {
		t.Fatalf("expected code + tool call, got %+v", events)
	}
	if events[1].Args["cmd"] != "mkdir -p build" {
		t.Errorf("wrong fenced command: %v", events[1].Args["cmd"])
	}
}

func TestPayloadPriorityOverShellHeuristic(t *testing.T) {
	// A payload whose final text looks like a shell line must not also
	// produce a heuristic tool call: structured parse wins for the chunk.
	p := New()
	events := semantic(feedAll(p, `{"final":"$ rm -rf /","tool_calls":[]}`))
	for _, ev := range events {
		if ev.Type == event.TypeToolCall {
			t.Errorf("heuristic tool call leaked out of structured payload: %+v", ev)
		}
	}
}

func TestBracesInFenceStayVerbatim(t *testing.T) {
	// Balanced braces inside code must not be claimed as a structured
	// payload: the fence content comes through untouched and no json
	// event appears.
	stream := "```go\nfunc main() {}\n```\n"

	whole := semantic(feedAll(New(), stream))
	if len(whole) != 1 {
		t.Fatalf("expected 1 event, got %d: %+v", len(whole), whole)
	}
	if whole[0].Type != event.TypeText || whole[0].Content != "func main() {}" {
		t.Errorf("code content mangled: %+v", whole[0])
	}

	bytewise := New()
	var got []event.Event
	for i := 0; i < len(stream); i++ {
		got = append(got, bytewise.Feed(stream[i:i+1])...)
	}
	got = append(got, bytewise.Flush()...)
	got = semantic(got)
	if len(got) != 1 || got[0].Content != "func main() {}" {
		t.Errorf("bytewise feed mangled fence: %+v", got)
	}
}

func TestUnrecognizedObjectIsNotAPayload(t *testing.T) {
	// Valid JSON without any payload field is just text with braces in
	// it; the shell line around it must still be recognized.
	p := New()
	events := semantic(feedAll(p, "settings are {\"name\":\"x\"} for now\n$ ls\n"))

	var tools, jsons int
	for _, ev := range events {
		switch ev.Type {
		case event.TypeJSON:
			jsons++
		case event.TypeToolCall:
			tools++
		}
	}
	if jsons != 0 {
		t.Errorf("unrecognized object emitted as payload: %+v", events)
	}
	if tools != 1 {
		t.Errorf("expected 1 shell tool call, got %d: %+v", tools, events)
	}
}

func TestEmptyChunk(t *testing.T) {
	p := New()
	if events := p.Feed(""); events != nil {
		t.Errorf("empty chunk produced events: %+v", events)
	}
}

func TestManySmallPayloads(t *testing.T) {
	p := New()
	var tools int
	for i := 0; i < 5; i++ {
		chunk := fmt.Sprintf(`{"tool_calls":[{"name":"shell","args":{"cmd":"echo %d"}}]}`+"\n", i)
		for _, ev := range semantic(p.Feed(chunk)) {
			if ev.Type == event.TypeToolCall {
				tools++
			}
		}
	}
	if tools != 5 {
		t.Errorf("expected 5 tool calls, got %d", tools)
	}
}
