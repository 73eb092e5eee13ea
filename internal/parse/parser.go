// Package parse turns the raw, arbitrarily-chunked text stream of a backend
// agent process into a sequence of typed events. The parser is incremental:
// no event depends on chunk boundaries lining up with semantic boundaries,
// so a structured payload or fenced code block may arrive across many Feed
// calls and still produce the same events as a single-chunk delivery.
package parse

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/openloop/harness/internal/event"
)

// maxPayload bounds how much input the parser will hold while waiting for a
// structured payload to close. Past this the held region is released to the
// line heuristics instead.
const maxPayload = 1 << 20

var (
	reShellLine = regexp.MustCompile(`^\s*\$\s+(.+)$`)
	reCodeFence = regexp.MustCompile("^```(\\w+)?\\s*$")
	reFileOp    = regexp.MustCompile(`(?i)(Create|Update|Edit|Modify|Delete)\s+(?:file\s+)?(\S+)`)
)

// shellLangs are fence language hints treated as shell dialects.
var shellLangs = map[string]bool{
	"sh": true, "bash": true, "shell": true, "zsh": true,
}

// state is the parser's line-scanning mode.
type state int

const (
	stateIdle state = iota
	stateFence
)

// Parser is an incremental normalizer for one backend session. It is not
// safe for concurrent use; each session owns exactly one Parser.
type Parser struct {
	state     state
	fenceLang string
	fenceBuf  []string

	// buf holds input not yet consumed by payload extraction or line
	// scanning. A trailing partial line stays here between Feed calls.
	buf strings.Builder
}

// New creates a Parser in the idle state.
func New() *Parser {
	return &Parser{}
}

// Feed consumes the next raw chunk and returns the events it produced.
// A raw passthrough text event is always emitted first so no output is
// silently dropped from logs, even when the chunk is reinterpreted as a
// structured payload or tool call.
func (p *Parser) Feed(chunk string) []event.Event {
	if chunk == "" {
		return nil
	}

	events := []event.Event{event.Raw(chunk)}
	p.buf.WriteString(chunk)
	return p.drain(events, false)
}

// Flush releases anything still buffered at stream end: an unterminated
// fence is emitted as a best-effort text event rather than being lost, and
// any held partial line or unclosed payload goes through the line
// heuristics.
func (p *Parser) Flush() []event.Event {
	events := p.drain(nil, true)

	if rest := p.buf.String(); rest != "" {
		p.buf.Reset()
		for _, ln := range strings.Split(rest, "\n") {
			events = p.scanLine(events, ln)
		}
	}

	if p.state == stateFence {
		events = append(events, event.Event{
			Type:    event.TypeText,
			Content: strings.Join(p.fenceBuf, "\n"),
			Meta:    map[string]string{"kind": "code", "lang": p.fenceLang, "partial": "1"},
		})
		p.state = stateIdle
		p.fenceLang = ""
		p.fenceBuf = nil
	}

	return events
}

// drain processes the internal buffer: structured payloads first, then
// complete lines. Content from the first unclosed `{` onward is held back
// so a payload split across chunks is never mis-scanned as plain lines.
func (p *Parser) drain(events []event.Event, final bool) []event.Event {
	for {
		buf := p.buf.String()
		if buf == "" {
			return events
		}

		held := -1
		if p.state == stateIdle {
			if open := strings.IndexByte(buf, '{'); open >= 0 {
				closing := matchBrace(buf, open)
				switch {
				case closing >= 0:
					span := buf[open : closing+1]
					var parsed map[string]any
					if err := json.Unmarshal([]byte(span), &parsed); err == nil && isPayload(parsed) {
						// Structured payload wins over the heuristic scan for
						// everything up to its closing brace.
						events = p.scanLines(events, buf[:open])
						events = payloadEvents(events, span, parsed)
						p.buf.Reset()
						p.buf.WriteString(buf[closing+1:])
						continue
					}
					// Balanced but not a recognized payload (braces in prose
					// or code): release the span to the line scan.
				case len(buf)-open <= maxPayload && !final:
					// Unclosed payload candidate: scan only what precedes it.
					held = open
				}
			}
		}

		scannable := buf
		if held >= 0 {
			scannable = buf[:held]
		}

		// Keep a trailing partial line buffered.
		cut := strings.LastIndexByte(scannable, '\n')
		if cut < 0 {
			if held < 0 {
				return events
			}
			cut = -1
		}

		consumed := cut + 1
		events = p.scanLines(events, scannable[:consumed])
		if consumed == 0 && held < 0 {
			return events
		}

		rest := buf[consumed:]
		p.buf.Reset()
		p.buf.WriteString(rest)
		if held >= 0 || consumed == 0 {
			return events
		}
	}
}

// scanLines runs the heuristics over every complete line in text.
func (p *Parser) scanLines(events []event.Event, text string) []event.Event {
	if text == "" {
		return events
	}
	for {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			if text != "" {
				events = p.scanLine(events, text)
			}
			return events
		}
		events = p.scanLine(events, text[:idx])
		text = text[idx+1:]
	}
}

// scanLine applies the idle/in-fence state machine to one line.
func (p *Parser) scanLine(events []event.Event, ln string) []event.Event {
	if fence := reCodeFence.FindStringSubmatch(strings.TrimSpace(ln)); fence != nil {
		if p.state == stateIdle {
			p.state = stateFence
			p.fenceLang = fence[1]
			p.fenceBuf = nil
			return events
		}
		code := strings.Join(p.fenceBuf, "\n")
		events = append(events, event.Event{
			Type:    event.TypeText,
			Content: code,
			Meta:    map[string]string{"kind": "code", "lang": p.fenceLang},
		})
		if shellLangs[p.fenceLang] || strings.HasPrefix(strings.TrimSpace(code), "$ ") {
			cmd := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(code), "$"))
			events = append(events, event.ToolCall("shell", map[string]any{"cmd": cmd}))
		}
		p.state = stateIdle
		p.fenceLang = ""
		p.fenceBuf = nil
		return events
	}

	if p.state == stateFence {
		p.fenceBuf = append(p.fenceBuf, ln)
		return events
	}

	if m := reShellLine.FindStringSubmatch(ln); m != nil {
		cmd := strings.TrimSpace(m[1])
		return append(events, event.ToolCall("shell", map[string]any{"cmd": cmd}))
	}

	if m := reFileOp.FindStringSubmatch(ln); m != nil {
		return append(events, event.ToolCall("file_op", map[string]any{
			"op":   m[1],
			"path": m[2],
		}))
	}

	return events
}

// isPayload reports whether a parsed object carries any recognized payload
// field. Arbitrary balanced braces (prose, code) parse as JSON too; only
// objects speaking the payload vocabulary may preempt the line heuristics.
func isPayload(parsed map[string]any) bool {
	for _, field := range []string{"tool_calls", "final", "final_text"} {
		if _, ok := parsed[field]; ok {
			return true
		}
	}
	return false
}

// payloadEvents expands a parsed structured payload into events: the payload
// itself, one tool call per embedded invocation, and the final answer text
// when present.
func payloadEvents(events []event.Event, span string, parsed map[string]any) []event.Event {
	events = append(events, event.Event{
		Type:    event.TypeJSON,
		Content: span,
		Parsed:  parsed,
	})

	if calls, ok := parsed["tool_calls"].([]any); ok {
		for _, c := range calls {
			tc, ok := c.(map[string]any)
			if !ok {
				continue
			}
			name, _ := tc["name"].(string)
			args, _ := tc["args"].(map[string]any)
			events = append(events, event.ToolCall(name, args))
		}
	}

	final, _ := parsed["final"].(string)
	if final == "" {
		final, _ = parsed["final_text"].(string)
	}
	if final != "" {
		events = append(events, event.Text(final))
	}

	return events
}

// matchBrace returns the index of the brace closing the object opened at
// open, or -1 if the object is not yet closed. String literals and escapes
// are honored so braces inside payload values do not confuse the scan.
func matchBrace(s string, open int) int {
	depth := 0
	inStr := false
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
