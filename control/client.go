package control

import (
	"context"
	"strings"

	"connectrpc.com/connect"
)

// Client calls the control surface of a running server. The zero
// value is not usable; construct with NewClient.
type Client struct {
	submit   *connect.Client[SubmitRequest, SubmitResponse]
	loop     *connect.Client[LoopRequest, LoopResponse]
	cancel   *connect.Client[CancelRequest, CancelResponse]
	answer   *connect.Client[AnswerRequest, SubmitResponse]
	status   *connect.Client[StatusRequest, StatusResponse]
	sessions *connect.Client[SessionsRequest, SessionsResponse]
	health   *connect.Client[HealthRequest, HealthResponse]
	watch    *connect.Client[WatchRequest, Event]
}

// NewClient builds a client for the control surface at baseURL, for
// example "http://localhost:8420". Token may be empty against an open
// server.
func NewClient(httpClient connect.HTTPClient, baseURL, token string) *Client {
	base := strings.TrimSuffix(baseURL, "/")
	opts := []connect.ClientOption{
		connect.WithCodec(jsonCodec{}),
		connect.WithInterceptors(clientAuth{token: token}),
	}
	return &Client{
		submit:   connect.NewClient[SubmitRequest, SubmitResponse](httpClient, base+ProcedureSubmit, opts...),
		loop:     connect.NewClient[LoopRequest, LoopResponse](httpClient, base+ProcedureStartLoop, opts...),
		cancel:   connect.NewClient[CancelRequest, CancelResponse](httpClient, base+ProcedureCancel, opts...),
		answer:   connect.NewClient[AnswerRequest, SubmitResponse](httpClient, base+ProcedureAnswer, opts...),
		status:   connect.NewClient[StatusRequest, StatusResponse](httpClient, base+ProcedureStatus, opts...),
		sessions: connect.NewClient[SessionsRequest, SessionsResponse](httpClient, base+ProcedureSessions, opts...),
		health:   connect.NewClient[HealthRequest, HealthResponse](httpClient, base+ProcedureHealth, opts...),
		watch:    connect.NewClient[WatchRequest, Event](httpClient, base+ProcedureWatch, opts...),
	}
}

// Submit offers task text to a session.
func (c *Client) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	res, err := c.submit.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

// StartLoop begins an autonomous loop on the session.
func (c *Client) StartLoop(ctx context.Context, req *LoopRequest) (*LoopResponse, error) {
	res, err := c.loop.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

// Cancel stops the session's loop or in-flight run.
func (c *Client) Cancel(ctx context.Context, req *CancelRequest) (*CancelResponse, error) {
	res, err := c.cancel.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

// Answer replies to the chat's pending question.
func (c *Client) Answer(ctx context.Context, req *AnswerRequest) (*SubmitResponse, error) {
	res, err := c.answer.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

// Status reports what a session is doing.
func (c *Client) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	res, err := c.status.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

// Sessions runs a session-management action and returns the list.
func (c *Client) Sessions(ctx context.Context, req *SessionsRequest) (*SessionsResponse, error) {
	res, err := c.sessions.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

// Health probes server liveness.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	res, err := c.health.CallUnary(ctx, connect.NewRequest(&HealthRequest{}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

// Watch opens the event stream. The caller consumes it with Receive
// and Msg and must Close it when done.
func (c *Client) Watch(ctx context.Context, req *WatchRequest) (*connect.ServerStreamForClient[Event], error) {
	return c.watch.CallServerStream(ctx, connect.NewRequest(req))
}
