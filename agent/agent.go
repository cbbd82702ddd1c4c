// Package agent runs coding-agent CLI subprocesses and converts their
// streamed output into uniform results. Each supported CLI family is a
// Kind; a Runner owns the full lifecycle of one invocation: spawn the
// process in its own group, stream stdout through the output
// interpreter, drain stderr, relay progress outward, and assemble a
// Result the loop layer can act on without knowing which CLI ran.
//
// Example:
//
//	runner, err := agent.New(agent.KindClaude, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	res, err := runner.Run(ctx, agent.Request{
//		Dir:    "/work/project",
//		Prompt: "fix the failing test",
//	})
package agent

import (
	"context"

	"github.com/agentloop/engine/stream"
)

// Kind identifies a supported coding-agent CLI family.
type Kind string

const (
	KindClaude Kind = "claude"
	KindCodex  Kind = "codex"
	KindGemini Kind = "gemini"
)

// Kinds returns all supported kinds in stable order.
func Kinds() []Kind {
	return []Kind{KindClaude, KindCodex, KindGemini}
}

// Valid reports whether k names a supported CLI family.
func (k Kind) Valid() bool {
	switch k {
	case KindClaude, KindCodex, KindGemini:
		return true
	}
	return false
}

// Dialect returns the stream dialect the kind's CLI speaks.
func (k Kind) Dialect() stream.Dialect {
	switch k {
	case KindCodex:
		return stream.DialectCodex
	case KindGemini:
		return stream.DialectGemini
	default:
		return stream.DialectClaude
	}
}

// ParseKind converts a string to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", ErrUnknownKind
	}
	return k, nil
}

// Request describes one agent invocation.
type Request struct {
	// Dir is the working directory the subprocess runs in.
	Dir string

	// Prompt is the task text passed to the CLI.
	Prompt string

	// Handle resumes a previous CLI conversation when non-empty.
	Handle string

	// Chat is the outward relay target. Empty runs silently.
	Chat string

	// Placeholder seeds the first outward message. Empty uses a
	// default.
	Placeholder string

	// Model overrides the configured model when non-empty.
	Model string

	// Cancelled is polled between output lines; returning true kills
	// the process group. May be nil.
	Cancelled func() bool
}

// Result is the uniform outcome of one invocation, independent of
// which CLI produced it.
type Result struct {
	// Text is the authoritative output: streamed text, superseded by
	// the CLI's consolidated result when that is at least as long.
	Text string

	// Questions the agent raised for the operator, including
	// synthesized plan-approval and permission questions.
	Questions []stream.Question

	// Handle is the resumption handle for the conversation, empty if
	// the CLI never reported one.
	Handle string

	// Ops lists file operations observed in the output.
	Ops []stream.FileOp

	// ExitCode is the subprocess exit status. -1 when the process
	// could not be started or was killed before exiting normally.
	ExitCode int

	// Cancelled is set when the invocation was killed on request.
	Cancelled bool

	// TimedOut is set when the staleness watchdog killed the process.
	TimedOut bool

	// Overflow is set when the output carries context-overflow
	// vocabulary; callers should compact and retry rather than fail.
	Overflow bool

	// Quota is set when the output or stderr carries rate-limit
	// evidence; Evidence holds the matching text for reset parsing.
	Quota    bool
	Evidence string

	// Errors collects error events the CLI reported mid-stream.
	Errors []string

	// Stderr is the bounded tail of the subprocess's stderr.
	Stderr []string

	// Failure describes a terminal failure in operator terms. Empty
	// on success.
	Failure string
}

// Failed reports whether the invocation ended in failure.
func (r *Result) Failed() bool {
	return r.Failure != ""
}

// LastStderr returns the final stderr line, or empty.
func (r *Result) LastStderr() string {
	if len(r.Stderr) == 0 {
		return ""
	}
	return r.Stderr[len(r.Stderr)-1]
}

// Runner executes agent invocations for one CLI family.
type Runner interface {
	// Kind reports which CLI family this runner drives.
	Kind() Kind

	// Run executes one streaming invocation with outward progress
	// relay. The returned error covers engine-level faults only;
	// agent-level failures are reported in Result.Failure so callers
	// can relay them.
	Run(ctx context.Context, req Request) (*Result, error)

	// Batch executes one silent invocation guarded by the staleness
	// watchdog regardless of kind. A context deadline surfaces as
	// Result.TimedOut. Used for reviewer and audit calls.
	Batch(ctx context.Context, req Request) (*Result, error)
}
