// Package stream interprets the line-delimited structured output of
// coding-agent subprocesses into a normalized event sequence: assistant
// text deltas, tool/action invocations, structured ask-user questions,
// and a terminal result.
//
// The interpreter uses a two-tier parsing strategy. Lines at or below a
// size threshold are fully JSON-parsed. Oversized lines (a single tool
// invocation can embed megabytes of file content) bypass full parsing:
// a bounded prefix is scanned for text fragments and a bounded suffix
// is scanned for action markers, recovering identifiers and short
// argument previews without materializing the payload. The bypass
// trades completeness in pathological payloads for bounded memory and
// must be preserved by any change to this package.
package stream

import (
	"encoding/json"
	"strings"
)

// Dialect selects the stream format an agent kind emits.
type Dialect string

const (
	// DialectClaude is the claude CLI stream-json format: system/init,
	// assistant content blocks, and a terminal result event.
	DialectClaude Dialect = "claude"

	// DialectCodex is the codex exec --json format: thread.started plus
	// item lifecycle events with cumulative text.
	DialectCodex Dialect = "codex"

	// DialectGemini is the gemini CLI stream-json format: init,
	// role-tagged messages, tool_use/tool_result, and error events.
	DialectGemini Dialect = "gemini"
)

// Interpreter consumes one agent invocation's stdout line by line,
// mutating its Accumulator and emitting events to its Sink.
//
// Example:
//
//	acc := stream.NewAccumulator(stream.Config{})
//	it := stream.NewInterpreter(stream.DialectClaude, acc, sink)
//	for scanner.Scan() {
//	    it.Feed(scanner.Text())
//	}
//	text, handle := acc.Text(), acc.Handle()
type Interpreter struct {
	dialect Dialect
	acc     *Accumulator
	sink    Sink
}

// NewInterpreter creates an interpreter for one invocation. acc must be
// non-nil; a nil sink discards events.
func NewInterpreter(dialect Dialect, acc *Accumulator, sink Sink) *Interpreter {
	if sink == nil {
		sink = noopSink{}
	}

	return &Interpreter{
		dialect: dialect,
		acc:     acc,
		sink:    sink,
	}
}

// Feed interprets a single output line. Malformed lines are never
// fatal: they are retained as opaque text when nothing has accumulated
// yet and dropped otherwise.
func (it *Interpreter) Feed(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	switch it.dialect {
	case DialectCodex:
		it.feedCodex(line)
	case DialectGemini:
		it.feedGemini(line)
	default:
		it.feedClaude(line)
	}
}

type claudeBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// actionArgs is the subset of tool input the interpreter surfaces:
// enough for a one-line preview, plus structured questions.
type actionArgs struct {
	FilePath  string     `json:"file_path"`
	Command   string     `json:"command"`
	Pattern   string     `json:"pattern"`
	Questions []Question `json:"questions"`
}

func (it *Interpreter) feedClaude(line string) {
	if len(line) > it.acc.cfg.LargeLineThreshold {
		hint := line[:min(len(line), typeHintWindow)]

		// Large user events are tool result echoes (e.g. file reads);
		// nothing in them is needed.
		if strings.Contains(hint, `"type":"user"`) {
			return
		}

		if strings.Contains(hint, `"type":"assistant"`) {
			it.scanLargeAssistant(line)
			return
		}
	}

	var env struct {
		Type      string `json:"type"`
		Subtype   string `json:"subtype"`
		SessionID string `json:"session_id"`
		Message   struct {
			Content []claudeBlock `json:"content"`
		} `json:"message"`
		Result string `json:"result"`
	}
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		it.acc.appendOpaque(line)
		return
	}

	switch env.Type {
	case "system":
		if env.Subtype == "init" {
			it.acc.setHandle(env.SessionID)
		}

	case "assistant":
		for _, block := range env.Message.Content {
			switch block.Type {
			case "text":
				it.emitText(block.Text)
			case "tool_use":
				var args actionArgs
				if len(block.Input) > 0 {
					json.Unmarshal(block.Input, &args)
				}
				it.processAction(block.ID, block.Name, args)
			}
		}

	case "result":
		if env.Result != "" {
			it.acc.supersede(env.Result)
			it.sink.OnEvent(Event{Type: EventResult, Text: env.Result})
		}
	}
}

// emitText appends a text delta and streams the joined form.
func (it *Interpreter) emitText(text string) {
	if text == "" {
		return
	}
	joined := it.acc.append(text)
	it.sink.OnEvent(Event{Type: EventText, Text: joined})
}

// processAction handles one tool_use block, shared between the full
// parse and the large-line bypass. The same logical action is emitted
// at most once per invocation even when it appears in both a started
// and a completed framing.
func (it *Interpreter) processAction(id, name string, args actionArgs) {
	if it.acc.seen(id) {
		return
	}

	switch name {
	case "AskUserQuestion":
		if len(args.Questions) > 0 {
			it.acc.addQuestions(args.Questions)
			it.sink.OnEvent(Event{Type: EventQuestions, Questions: args.Questions})
		}

	case "ExitPlanMode":
		q := PlanApprovalQuestion()
		it.acc.addQuestions([]Question{q})
		it.sink.OnEvent(Event{Type: EventQuestions, Questions: []Question{q}})

	case "Write", "Edit", "Bash", "Read", "Glob", "Grep":
		preview := args.FilePath
		if preview == "" {
			preview = args.Command
		}
		if preview == "" {
			preview = args.Pattern
		}
		it.acc.addOp(strings.ToLower(name), preview)
		it.sink.OnEvent(Event{Type: EventAction, Action: Action{
			ID:      id,
			Name:    name,
			Summary: truncate(preview, it.acc.cfg.PreviewLimit),
		}})
	}
}
