package stream

// EventType identifies the kind of normalized event produced while
// interpreting an agent's output stream.
type EventType string

const (
	// EventText carries an assistant text delta, already joined
	// (spacing applied) against previously accumulated text.
	EventText EventType = "text"

	// EventAction signals that a tool or command invocation started.
	EventAction EventType = "action"

	// EventQuestions carries structured ask-user questions raised
	// mid-stream.
	EventQuestions EventType = "questions"

	// EventResult carries the agent's terminal consolidated result.
	EventResult EventType = "result"
)

// Action describes one tool or command invocation surfaced by an agent.
// Summary is a best-effort short argument preview (a path, command, or
// pattern); for oversized lines it is recovered without materializing
// the full payload, so it may be truncated.
type Action struct {
	ID      string
	Name    string
	Summary string
}

// Event is a single normalized occurrence in an agent's output stream.
// Exactly one of the payload fields is meaningful, selected by Type.
type Event struct {
	Type      EventType
	Text      string
	Action    Action
	Questions []Question
}

// Sink receives events as the interpreter produces them. Implementations
// must not retain the Questions slice beyond the call.
type Sink interface {
	OnEvent(event Event)
}

type noopSink struct{}

func (noopSink) OnEvent(Event) {}
