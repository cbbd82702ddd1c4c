// Package control exposes the engine over HTTP using the connect RPC
// protocol. Procedures mirror the engine surface one to one; Watch
// streams the engine's event feed so tails and dashboards can follow
// along and resume after a disconnect.
package control

import (
	"encoding/json"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/agentloop/engine/observability"
)

// SubmitRequest offers free-form task text to a session. An empty
// session id targets the chat's active session.
type SubmitRequest struct {
	Chat    string `json:"chat"`
	Session string `json:"session,omitempty"`
	Text    string `json:"text"`
}

// SubmitResponse reports the dispatch decision for a trigger or for a
// completed answer round.
type SubmitResponse struct {
	Status           string `json:"status"`
	Kind             string `json:"kind,omitempty"`
	Position         int    `json:"position,omitempty"`
	FreeMB           int    `json:"free_mb,omitempty"`
	Active           int    `json:"active,omitempty"`
	PendingQuestions int    `json:"pending_questions,omitempty"`
}

// LoopRequest starts an autonomous loop on a session. Task may be
// empty only for cross-review.
type LoopRequest struct {
	Chat    string `json:"chat"`
	Session string `json:"session,omitempty"`
	Task    string `json:"task,omitempty"`
	Mode    string `json:"mode"`
}

// LoopResponse acknowledges a started loop.
type LoopResponse struct {
	Session string `json:"session"`
	Mode    string `json:"mode"`
}

// CancelRequest stops whatever is running on a session.
type CancelRequest struct {
	Chat    string `json:"chat"`
	Session string `json:"session,omitempty"`
}

// CancelResponse says whether there was anything to stop.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// AnswerRequest replies to the chat's current pending question.
type AnswerRequest struct {
	Chat    string `json:"chat"`
	Session string `json:"session,omitempty"`
	Text    string `json:"text"`
}

// StatusRequest asks what a session is doing.
type StatusRequest struct {
	Chat    string `json:"chat"`
	Session string `json:"session,omitempty"`
}

// LoopState describes a running loop inside a status reply.
type LoopState struct {
	Mode    string    `json:"mode"`
	Task    string    `json:"task,omitempty"`
	Step    int       `json:"step"`
	Phase   string    `json:"phase"`
	Started time.Time `json:"started"`
}

// StatusResponse is a point-in-time view of one session.
type StatusResponse struct {
	Chat     string     `json:"chat"`
	Session  string     `json:"session"`
	Name     string     `json:"name"`
	Dir      string     `json:"dir"`
	Kind     string     `json:"kind"`
	Busy     bool       `json:"busy"`
	QueueLen int        `json:"queue_len"`
	Pending  int        `json:"pending"`
	Created  time.Time  `json:"created"`
	Loop     *LoopState `json:"loop,omitempty"`
}

// Session actions accepted by the Sessions procedure.
const (
	ActionList   = "list"
	ActionCreate = "create"
	ActionSelect = "select"
	ActionRemove = "remove"
	ActionReset  = "reset"
)

// SessionsRequest manages a chat's sessions. Action defaults to list;
// every action's reply carries the resulting session list.
type SessionsRequest struct {
	Chat    string `json:"chat"`
	Action  string `json:"action,omitempty"`
	Session string `json:"session,omitempty"`
	Name    string `json:"name,omitempty"`
	Dir     string `json:"dir,omitempty"`
}

// SessionInfo is one registered session.
type SessionInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Dir        string    `json:"dir"`
	Created    time.Time `json:"created"`
	LastActive time.Time `json:"last_active,omitempty"`
	Kind       string    `json:"kind,omitempty"`
}

// SessionsResponse lists a chat's sessions after the requested action.
type SessionsResponse struct {
	Active   string        `json:"active,omitempty"`
	Sessions []SessionInfo `json:"sessions"`
}

// HealthRequest probes liveness.
type HealthRequest struct{}

// HealthResponse reports server liveness.
type HealthResponse struct {
	Status  string    `json:"status"`
	Started time.Time `json:"started"`
}

// WatchRequest resumes the event feed after a sequence number; zero
// replays everything the ring retains.
type WatchRequest struct {
	AfterSeq uint64 `json:"after_seq,omitempty"`
}

// Event is one engine event on the watch stream.
type Event struct {
	Seq    uint64          `json:"seq"`
	Type   string          `json:"type"`
	Level  string          `json:"level"`
	Time   time.Time       `json:"time"`
	Source string          `json:"source,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// eventMessage converts an engine event for the wire. Payload maps
// pass through a protobuf Struct, which normalizes values to the JSON
// data model and drops anything unrepresentable.
func eventMessage(ev observability.SequencedEvent) *Event {
	msg := &Event{
		Seq:    ev.Seq,
		Type:   string(ev.Event.Type),
		Level:  ev.Event.Level.String(),
		Time:   ev.Event.Timestamp,
		Source: ev.Event.Source,
	}
	if len(ev.Event.Data) > 0 {
		if payload, err := structpb.NewStruct(ev.Event.Data); err == nil {
			if raw, err := protojson.Marshal(payload); err == nil {
				msg.Data = raw
			}
		}
	}
	return msg
}
