package stream_test

import (
	"strings"
	"testing"

	"github.com/agentloop/engine/stream"
)

type recordSink struct {
	events []stream.Event
}

func (s *recordSink) OnEvent(e stream.Event) {
	s.events = append(s.events, e)
}

func (s *recordSink) text() string {
	var b strings.Builder
	for _, e := range s.events {
		if e.Type == stream.EventText {
			b.WriteString(e.Text)
		}
	}
	return b.String()
}

func (s *recordSink) actions() []stream.Action {
	var out []stream.Action
	for _, e := range s.events {
		if e.Type == stream.EventAction {
			out = append(out, e.Action)
		}
	}
	return out
}

func newClaude(sink stream.Sink) (*stream.Interpreter, *stream.Accumulator) {
	acc := stream.NewAccumulator(stream.Config{})
	return stream.NewInterpreter(stream.DialectClaude, acc, sink), acc
}

func TestInterpreter_TextJoining(t *testing.T) {
	sink := &recordSink{}
	it, acc := newClaude(sink)

	it.Feed(`{"type":"assistant","message":{"content":[{"type":"text","text":"First sentence."}]}}`)
	it.Feed(`{"type":"assistant","message":{"content":[{"type":"text","text":"Second part"}]}}`)
	it.Feed(`{"type":"assistant","message":{"content":[{"type":"text","text":"continues"}]}}`)

	want := "First sentence.\n\nSecond part continues"
	if acc.Text() != want {
		t.Errorf("Text() = %q, want %q", acc.Text(), want)
	}
	if sink.text() != want {
		t.Errorf("streamed text = %q, want %q", sink.text(), want)
	}
}

func TestInterpreter_InitCapturesHandle(t *testing.T) {
	it, acc := newClaude(nil)

	it.Feed(`{"type":"system","subtype":"init","session_id":"sess-abc123"}`)

	if acc.Handle() != "sess-abc123" {
		t.Errorf("Handle() = %q, want %q", acc.Handle(), "sess-abc123")
	}
}

func TestInterpreter_ResultSupersedes(t *testing.T) {
	it, acc := newClaude(nil)

	it.Feed(`{"type":"assistant","message":{"content":[{"type":"text","text":"partial"}]}}`)
	it.Feed(`{"type":"result","result":"the full consolidated answer"}`)

	if acc.Text() != "the full consolidated answer" {
		t.Errorf("Text() = %q, want the consolidated result", acc.Text())
	}
}

func TestInterpreter_ShorterResultDoesNotSupersede(t *testing.T) {
	it, acc := newClaude(nil)

	it.Feed(`{"type":"assistant","message":{"content":[{"type":"text","text":"a long streamed answer with detail"}]}}`)
	it.Feed(`{"type":"result","result":"short"}`)

	if acc.Text() != "a long streamed answer with detail" {
		t.Errorf("Text() = %q, want streamed text preserved", acc.Text())
	}
}

func TestInterpreter_MalformedLineOpaqueOnce(t *testing.T) {
	it, acc := newClaude(nil)

	it.Feed("plain diagnostic output")
	if acc.Text() != "plain diagnostic output" {
		t.Errorf("Text() = %q, want opaque line retained when nothing accumulated", acc.Text())
	}

	it.Feed("another non-json line")
	if acc.Text() != "plain diagnostic output" {
		t.Errorf("Text() = %q, want later malformed lines dropped", acc.Text())
	}
}

func TestInterpreter_Questions(t *testing.T) {
	sink := &recordSink{}
	it, acc := newClaude(sink)

	it.Feed(`{"type":"assistant","message":{"content":[{"type":"text","text":"Before I start:"},{"type":"tool_use","id":"q1","name":"AskUserQuestion","input":{"questions":[{"question":"Which database?","header":"Storage","options":[{"label":"Postgres"},{"label":"SQLite"}]}]}}]}}`)

	qs := acc.Questions()
	if len(qs) != 1 {
		t.Fatalf("Questions() returned %d questions, want 1", len(qs))
	}
	if qs[0].Question != "Which database?" {
		t.Errorf("question = %q, want %q", qs[0].Question, "Which database?")
	}
	if len(qs[0].Options) != 2 || qs[0].Options[0].Label != "Postgres" {
		t.Errorf("options = %+v, want Postgres/SQLite", qs[0].Options)
	}

	// Interleaved text must survive alongside the question.
	if acc.Text() != "Before I start:" {
		t.Errorf("Text() = %q, want %q", acc.Text(), "Before I start:")
	}
}

func TestInterpreter_PlanApprovalSynthesis(t *testing.T) {
	it, acc := newClaude(nil)

	it.Feed(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"p1","name":"ExitPlanMode","input":{}}]}}`)

	qs := acc.Questions()
	if len(qs) != 1 {
		t.Fatalf("Questions() returned %d questions, want 1", len(qs))
	}
	if qs[0].Header != "Plan Approval" {
		t.Errorf("header = %q, want %q", qs[0].Header, "Plan Approval")
	}
	if len(qs[0].Options) != 2 {
		t.Fatalf("options = %d, want approve/reject pair", len(qs[0].Options))
	}
	if qs[0].Options[0].Label != "Approve" || qs[0].Options[1].Label != "Reject" {
		t.Errorf("options = %+v, want Approve then Reject", qs[0].Options)
	}
}

func TestInterpreter_ActionDedupAcrossFramings(t *testing.T) {
	sink := &recordSink{}
	it, acc := newClaude(sink)

	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"go test ./..."}}]}}`
	it.Feed(line)
	it.Feed(line)

	if got := len(sink.actions()); got != 1 {
		t.Errorf("action events = %d, want 1 after replay", got)
	}
	if got := len(acc.Ops()); got != 1 {
		t.Errorf("Ops() = %d entries, want 1", got)
	}
}

func TestInterpreter_FileOpsRecorded(t *testing.T) {
	sink := &recordSink{}
	it, acc := newClaude(sink)

	it.Feed(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"w1","name":"Write","input":{"file_path":"cmd/main.go","content":"package main"}}]}}`)
	it.Feed(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"g1","name":"Grep","input":{"pattern":"func main"}}]}}`)

	ops := acc.Ops()
	if len(ops) != 2 {
		t.Fatalf("Ops() = %d entries, want 2", len(ops))
	}
	if ops[0].Kind != "write" || ops[0].Path != "cmd/main.go" {
		t.Errorf("ops[0] = %+v, want write cmd/main.go", ops[0])
	}
	if ops[1].Kind != "grep" || ops[1].Path != "func main" {
		t.Errorf("ops[1] = %+v, want grep pattern", ops[1])
	}

	acts := sink.actions()
	if len(acts) != 2 || acts[0].Name != "Write" || acts[0].Summary != "cmd/main.go" {
		t.Errorf("actions = %+v, want Write then Grep with previews", acts)
	}
}

func TestInterpreter_AccumulationCap(t *testing.T) {
	sink := &recordSink{}
	acc := stream.NewAccumulator(stream.Config{MaxAccumulated: 10})
	it := stream.NewInterpreter(stream.DialectClaude, acc, sink)

	it.Feed(`{"type":"assistant","message":{"content":[{"type":"text","text":"0123456789ABC"}]}}`)
	it.Feed(`{"type":"assistant","message":{"content":[{"type":"text","text":"dropped from accumulator"}]}}`)

	if acc.Text() != "0123456789ABC" {
		t.Errorf("Text() = %q, want capped accumulation", acc.Text())
	}

	// The sink still sees everything.
	if !strings.Contains(sink.text(), "dropped from accumulator") {
		t.Errorf("streamed text = %q, want overflow still streamed", sink.text())
	}
}
