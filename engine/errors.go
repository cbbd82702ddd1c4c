package engine

import "errors"

var (
	// ErrNoSession indicates the chat has no session matching the
	// request and no active one to fall back on.
	ErrNoSession = errors.New("no such session")

	// ErrBusy indicates the session already has an autonomous loop
	// running, which excludes other triggers.
	ErrBusy = errors.New("session is busy")

	// ErrMemoryPressure indicates the admission gate refused to start
	// a new agent process.
	ErrMemoryPressure = errors.New("not enough free memory")

	// ErrNoAgent indicates the requested agent kind has no runner.
	ErrNoAgent = errors.New("agent not available")

	// ErrUnknownLoop indicates a loop kind outside solo, trio, and
	// crossreview.
	ErrUnknownLoop = errors.New("unknown loop kind")

	// ErrNoQuestions indicates an Answer call with nothing pending.
	ErrNoQuestions = errors.New("no pending questions")

	// ErrClosed indicates use of an engine after Close.
	ErrClosed = errors.New("engine closed")
)
