package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"

	"github.com/agentloop/engine/agent"
	"github.com/agentloop/engine/engine"
	"github.com/agentloop/engine/loop"
	"github.com/agentloop/engine/session"
)

// Procedure paths served under the control prefix.
const (
	ProcedureSubmit    = "/agentloop.v1.Control/Submit"
	ProcedureStartLoop = "/agentloop.v1.Control/StartLoop"
	ProcedureCancel    = "/agentloop.v1.Control/Cancel"
	ProcedureAnswer    = "/agentloop.v1.Control/Answer"
	ProcedureStatus    = "/agentloop.v1.Control/Status"
	ProcedureSessions  = "/agentloop.v1.Control/Sessions"
	ProcedureHealth    = "/agentloop.v1.Control/Health"
	ProcedureWatch     = "/agentloop.v1.Control/Watch"
)

// Service adapts an engine to the control procedures.
type Service struct {
	eng     *engine.Engine
	started time.Time
}

// NewService wraps eng for serving.
func NewService(eng *engine.Engine) *Service {
	return &Service{eng: eng, started: time.Now()}
}

// NewControlHandler builds the HTTP handler serving every control
// procedure. A non-empty token requires callers to present it as a
// bearer credential. The returned path is the mount prefix.
func NewControlHandler(svc *Service, token string) (string, http.Handler) {
	opts := []connect.HandlerOption{
		connect.WithCodec(jsonCodec{}),
		connect.WithInterceptors(bearerAuth{token: token}),
	}

	mux := http.NewServeMux()
	mux.Handle(ProcedureSubmit, connect.NewUnaryHandler(ProcedureSubmit, svc.Submit, opts...))
	mux.Handle(ProcedureStartLoop, connect.NewUnaryHandler(ProcedureStartLoop, svc.StartLoop, opts...))
	mux.Handle(ProcedureCancel, connect.NewUnaryHandler(ProcedureCancel, svc.Cancel, opts...))
	mux.Handle(ProcedureAnswer, connect.NewUnaryHandler(ProcedureAnswer, svc.Answer, opts...))
	mux.Handle(ProcedureStatus, connect.NewUnaryHandler(ProcedureStatus, svc.Status, opts...))
	mux.Handle(ProcedureSessions, connect.NewUnaryHandler(ProcedureSessions, svc.Sessions, opts...))
	mux.Handle(ProcedureHealth, connect.NewUnaryHandler(ProcedureHealth, svc.Health, opts...))
	mux.Handle(ProcedureWatch, connect.NewServerStreamHandler(ProcedureWatch, svc.Watch, opts...))
	return "/agentloop.v1.Control/", mux
}

// Submit offers task text to a session.
func (s *Service) Submit(ctx context.Context, req *connect.Request[SubmitRequest]) (*connect.Response[SubmitResponse], error) {
	ack, err := s.eng.Submit(ctx, req.Msg.Chat, req.Msg.Session, req.Msg.Text)
	if err != nil {
		return nil, rpcError(err)
	}
	return connect.NewResponse(ackResponse(ack)), nil
}

// StartLoop begins an autonomous loop on the session.
func (s *Service) StartLoop(ctx context.Context, req *connect.Request[LoopRequest]) (*connect.Response[LoopResponse], error) {
	mode := loop.Mode(strings.ToLower(strings.TrimSpace(req.Msg.Mode)))
	if err := s.eng.StartLoop(ctx, req.Msg.Chat, req.Msg.Session, req.Msg.Task, mode); err != nil {
		return nil, rpcError(err)
	}
	st, err := s.eng.Status(req.Msg.Chat, req.Msg.Session)
	if err != nil {
		return nil, rpcError(err)
	}
	return connect.NewResponse(&LoopResponse{Session: st.Session, Mode: string(mode)}), nil
}

// Cancel stops the session's loop or in-flight run.
func (s *Service) Cancel(ctx context.Context, req *connect.Request[CancelRequest]) (*connect.Response[CancelResponse], error) {
	cancelled, err := s.eng.Cancel(ctx, req.Msg.Chat, req.Msg.Session)
	if err != nil {
		return nil, rpcError(err)
	}
	return connect.NewResponse(&CancelResponse{Cancelled: cancelled}), nil
}

// Answer replies to the chat's pending question.
func (s *Service) Answer(ctx context.Context, req *connect.Request[AnswerRequest]) (*connect.Response[SubmitResponse], error) {
	ack, err := s.eng.Answer(ctx, req.Msg.Chat, req.Msg.Session, req.Msg.Text)
	if err != nil {
		return nil, rpcError(err)
	}
	return connect.NewResponse(ackResponse(ack)), nil
}

// Status reports what a session is doing.
func (s *Service) Status(ctx context.Context, req *connect.Request[StatusRequest]) (*connect.Response[StatusResponse], error) {
	st, err := s.eng.Status(req.Msg.Chat, req.Msg.Session)
	if err != nil {
		return nil, rpcError(err)
	}

	resp := &StatusResponse{
		Chat:     st.Chat,
		Session:  st.Session,
		Name:     st.Name,
		Dir:      st.Dir,
		Kind:     string(st.Kind),
		Busy:     st.Busy,
		QueueLen: st.QueueLen,
		Pending:  st.Pending,
		Created:  st.Created,
	}
	if st.Loop != nil {
		resp.Loop = &LoopState{
			Mode:    string(st.Loop.Mode),
			Task:    st.Loop.Task,
			Step:    st.Loop.Step,
			Phase:   string(st.Loop.Phase),
			Started: st.Loop.Started,
		}
	}
	return connect.NewResponse(resp), nil
}

// Sessions runs a session-management action and returns the resulting
// list.
func (s *Service) Sessions(ctx context.Context, req *connect.Request[SessionsRequest]) (*connect.Response[SessionsResponse], error) {
	chat := req.Msg.Chat
	switch strings.ToLower(req.Msg.Action) {
	case "", ActionList:
	case ActionCreate:
		if _, err := s.eng.CreateSession(chat, req.Msg.Name, req.Msg.Dir); err != nil {
			return nil, rpcError(err)
		}
	case ActionSelect:
		if err := s.eng.SelectSession(chat, req.Msg.Session); err != nil {
			return nil, rpcError(err)
		}
	case ActionRemove:
		if err := s.eng.RemoveSession(ctx, chat, req.Msg.Session); err != nil {
			return nil, rpcError(err)
		}
	case ActionReset:
		if err := s.eng.ResetSession(chat, req.Msg.Session); err != nil {
			return nil, rpcError(err)
		}
	default:
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("unknown action %q", req.Msg.Action))
	}

	resp := &SessionsResponse{}
	if active, ok := s.eng.ActiveSession(chat); ok {
		resp.Active = active.ID
	}
	for _, sess := range s.eng.Sessions(chat) {
		resp.Sessions = append(resp.Sessions, SessionInfo{
			ID:         sess.ID,
			Name:       sess.Name,
			Dir:        sess.Dir,
			Created:    sess.CreatedAt,
			LastActive: sess.LastActive,
			Kind:       string(sess.LastKind),
		})
	}
	return connect.NewResponse(resp), nil
}

// Health reports liveness.
func (s *Service) Health(_ context.Context, _ *connect.Request[HealthRequest]) (*connect.Response[HealthResponse], error) {
	return connect.NewResponse(&HealthResponse{Status: "ok", Started: s.started}), nil
}

// Watch streams engine events newer than the requested sequence until
// the client goes away.
func (s *Service) Watch(ctx context.Context, req *connect.Request[WatchRequest], stream *connect.ServerStream[Event]) error {
	events, stop := s.eng.Events().Subscribe(req.Msg.AfterSeq)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := stream.Send(eventMessage(ev)); err != nil {
				return err
			}
		}
	}
}

// ackResponse converts an engine acknowledgement for the wire.
func ackResponse(ack engine.Ack) *SubmitResponse {
	return &SubmitResponse{
		Status:           ack.Status.String(),
		Kind:             string(ack.Kind),
		Position:         ack.Position,
		FreeMB:           ack.FreeMB,
		Active:           ack.Active,
		PendingQuestions: ack.PendingQuestions,
	}
}

// rpcError translates engine sentinels into connect codes so clients
// can branch without parsing messages.
func rpcError(err error) error {
	switch {
	case errors.Is(err, engine.ErrNoSession), errors.Is(err, session.ErrSessionNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, engine.ErrBusy), errors.Is(err, engine.ErrNoQuestions):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, engine.ErrMemoryPressure):
		return connect.NewError(connect.CodeResourceExhausted, err)
	case errors.Is(err, engine.ErrUnknownLoop), errors.Is(err, agent.ErrEmptyPrompt):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, engine.ErrClosed):
		return connect.NewError(connect.CodeUnavailable, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
