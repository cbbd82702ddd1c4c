package stream

import "strings"

// FileOp records one file or command action for the end-of-run summary.
// Kind is the lowercased action name (write, edit, bash, read, ...);
// Path is a bounded argument preview.
type FileOp struct {
	Kind string
	Path string
}

// Accumulator is the explicit per-invocation state mutated by an
// Interpreter: accumulated assistant text, raised questions, recorded
// file operations, the captured resumption handle, and the dedup set of
// already-seen action identifiers.
//
// An Accumulator is owned by a single invocation's read loop and is not
// safe for concurrent use. Callers read the getters after the stream
// ends.
type Accumulator struct {
	cfg Config

	text      string
	handle    string
	questions []Question
	ops       []FileOp
	errs      []string

	seenActions map[string]bool
	itemLens    map[string]int
}

// NewAccumulator creates an empty accumulator. Zero-value fields in cfg
// fall back to defaults.
func NewAccumulator(cfg Config) *Accumulator {
	merged := DefaultConfig()
	merged.Merge(&cfg)

	return &Accumulator{
		cfg:         merged,
		seenActions: make(map[string]bool),
		itemLens:    make(map[string]int),
	}
}

// Text returns the accumulated assistant text, capped at MaxAccumulated.
func (a *Accumulator) Text() string {
	return a.text
}

// Handle returns the resumption handle captured from the stream, or ""
// if the agent never emitted one.
func (a *Accumulator) Handle() string {
	return a.handle
}

// Questions returns all ask-user questions raised during the invocation.
func (a *Accumulator) Questions() []Question {
	return a.questions
}

// Ops returns the recorded file and command operations in stream order.
func (a *Accumulator) Ops() []FileOp {
	return a.ops
}

// StreamErrors returns bounded error strings reported inside the stream
// itself (distinct from process failure).
func (a *Accumulator) StreamErrors() []string {
	return a.errs
}

// join applies the text joining rule: deltas appended to non-empty text
// get a paragraph break after sentence-final punctuation, otherwise a
// single separating space. No spacing is inserted when either side
// already provides whitespace at the seam.
func (a *Accumulator) join(delta string) string {
	if delta == "" || a.text == "" || strings.HasSuffix(a.text, "\n") {
		return delta
	}
	if c := delta[0]; c == '\n' || c == ' ' || c == '\t' {
		return delta
	}

	switch a.text[len(a.text)-1] {
	case '.', '!', '?', ':':
		return "\n\n" + delta
	}

	if !strings.HasSuffix(a.text, " ") {
		return " " + delta
	}

	return delta
}

// append joins delta against the accumulated text and retains it if the
// cap has not been reached. The joined delta is returned for streaming
// regardless of whether it was retained.
func (a *Accumulator) append(delta string) string {
	joined := a.join(delta)
	if len(a.text) < a.cfg.MaxAccumulated {
		a.text += joined
	}
	return joined
}

// appendRaw retains s without applying the joining rule.
func (a *Accumulator) appendRaw(s string) string {
	if len(a.text) < a.cfg.MaxAccumulated {
		a.text += s
	}
	return s
}

// appendOpaque retains a malformed line as raw text, but only when
// nothing has accumulated yet. Later malformed lines are dropped so
// partial duplicates of already-streamed text never reach the output.
func (a *Accumulator) appendOpaque(line string) {
	if a.text == "" {
		a.text = line
	}
}

// supersede replaces the accumulated text with the terminal result when
// the result is at least as long. Agents sometimes emit a superior
// consolidated result at the end of the stream.
func (a *Accumulator) supersede(result string) {
	if len(result) >= len(a.text) {
		a.text = result
	}
}

func (a *Accumulator) setHandle(handle string) {
	if handle != "" {
		a.handle = handle
	}
}

// seen marks id as processed and reports whether it had been seen
// before. Empty identifiers are never deduplicated.
func (a *Accumulator) seen(id string) bool {
	if id == "" {
		return false
	}
	if a.seenActions[id] {
		return true
	}
	a.seenActions[id] = true
	return false
}

func (a *Accumulator) addQuestions(qs []Question) {
	a.questions = append(a.questions, qs...)
}

func (a *Accumulator) addOp(kind, path string) {
	a.ops = append(a.ops, FileOp{Kind: kind, Path: truncate(path, a.cfg.PreviewLimit)})
}

func (a *Accumulator) addError(msg string) {
	a.errs = append(a.errs, truncate(msg, 300))
}

func truncate(s string, limit int) string {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
