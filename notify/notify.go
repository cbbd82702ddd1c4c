// Package notify abstracts the outward chat relay the engine reports
// through. Implementations are expected to degrade (drop markup,
// truncate) rather than fail hard; the engine treats every call as
// best-effort.
package notify

// Ref identifies a previously sent message so it can be edited in
// place. The value is opaque to the engine.
type Ref string

// NoRef marks a message that was never delivered.
const NoRef Ref = ""

// Notifier is the capability contract for the chat relay.
type Notifier interface {
	// Allowed reports whether the chat may receive messages.
	Allowed(chat string) bool

	// Send delivers a new message and returns its reference.
	Send(chat, text string) (Ref, error)

	// Edit replaces the text of a previously sent message.
	Edit(chat string, ref Ref, text string) error
}

// Noop discards all messages. Valid for headless operation.
type Noop struct{}

func (Noop) Allowed(string) bool { return true }

func (Noop) Send(string, string) (Ref, error) { return NoRef, nil }

func (Noop) Edit(string, Ref, string) error { return nil }

// Split cuts text into relay-sized pieces, preserving order. Returns
// nil for empty text.
func Split(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var parts []string
	for len(text) > limit {
		parts = append(parts, text[:limit])
		text = text[limit:]
	}
	return append(parts, text)
}
