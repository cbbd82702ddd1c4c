package agent

import "errors"

var (
	// ErrUnknownKind indicates a kind outside the supported CLI
	// families.
	ErrUnknownKind = errors.New("unknown agent kind")

	// ErrEmptyPrompt indicates a request with no task text.
	ErrEmptyPrompt = errors.New("empty prompt")

	// ErrBinaryNotFound indicates the CLI binary is not installed or
	// not on PATH.
	ErrBinaryNotFound = errors.New("agent binary not found")

	// ErrAlreadyStarted indicates a process handle was started twice.
	ErrAlreadyStarted = errors.New("process already started")

	// ErrKindRegistered indicates a duplicate registry registration.
	ErrKindRegistered = errors.New("agent kind already registered")

	// ErrKindNotRegistered indicates a registry lookup for a kind that
	// was never registered.
	ErrKindNotRegistered = errors.New("agent kind not registered")
)
