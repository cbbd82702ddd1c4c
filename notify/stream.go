package notify

import (
	"strings"
	"time"
)

// Markers framing the outward message sequence.
const (
	continuedMarker  = "\n\n---\ncontinued..."
	continuingHolder = "continuing..."
	generatingLabel  = "generating..."
)

// StreamConfig tunes the chunked progress writer.
type StreamConfig struct {
	// ChunkCeiling is the display size at which the current message is
	// closed with a continuation marker and a new one opened.
	ChunkCeiling int `json:"chunk_ceiling,omitempty" yaml:"chunk_ceiling,omitempty"`

	// EditInterval rate-limits in-place edits. The outward channel has
	// its own rate limits and cost, so edits coalesce to this floor.
	EditInterval time.Duration `json:"edit_interval,omitempty" yaml:"edit_interval,omitempty"`

	// FinalLimit is the largest single message delivered on Finalize;
	// longer text is split into SplitLimit pieces.
	FinalLimit int `json:"final_limit,omitempty" yaml:"final_limit,omitempty"`

	// SplitLimit is the piece size used when splitting final output.
	SplitLimit int `json:"split_limit,omitempty" yaml:"split_limit,omitempty"`
}

// DefaultStreamConfig returns the default relay limits.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		ChunkCeiling: 3500,
		EditInterval: time.Second,
		FinalLimit:   4000,
		SplitLimit:   3900,
	}
}

// Merge applies non-zero values from source into c.
func (c *StreamConfig) Merge(source *StreamConfig) {
	if source.ChunkCeiling > 0 {
		c.ChunkCeiling = source.ChunkCeiling
	}
	if source.EditInterval > 0 {
		c.EditInterval = source.EditInterval
	}
	if source.FinalLimit > 0 {
		c.FinalLimit = source.FinalLimit
	}
	if source.SplitLimit > 0 {
		c.SplitLimit = source.SplitLimit
	}
}

// Stream writes one invocation's progress outward as a sequence of
// edited messages: text accumulates into the current message until the
// chunk ceiling, then the message is closed with a continuation marker
// and a fresh one opened for the overflow. Edits are rate limited
// except at chunk boundaries and finalization.
//
// A Stream is owned by a single invocation goroutine.
type Stream struct {
	notifier Notifier
	chat     string
	cfg      StreamConfig

	ref      Ref
	count    int
	chunk    string
	action   string
	lastEdit time.Time
}

// NewStream creates a progress stream for one invocation. A nil
// notifier discards output.
func NewStream(notifier Notifier, chat string, cfg StreamConfig) *Stream {
	merged := DefaultStreamConfig()
	merged.Merge(&cfg)

	if notifier == nil {
		notifier = Noop{}
	}

	return &Stream{
		notifier: notifier,
		chat:     chat,
		cfg:      merged,
	}
}

// Open sends the initial placeholder message. The zero lastEdit forces
// the first streaming update to be visible immediately.
func (s *Stream) Open(placeholder string) {
	ref, _ := s.notifier.Send(s.chat, placeholder)
	s.ref = ref
	s.count = 1
	s.lastEdit = time.Time{}
}

// Append adds a text delta, rolling to a new message whenever the
// ceiling is exceeded.
func (s *Stream) Append(delta string) {
	if delta == "" {
		return
	}
	s.chunk += delta
	s.action = ""

	for len(s.chunk) > s.cfg.ChunkCeiling {
		head := s.chunk[:s.cfg.ChunkCeiling]
		carry := s.chunk[s.cfg.ChunkCeiling:]

		s.edit(strings.TrimSpace(head)+continuedMarker, true)

		ref, _ := s.notifier.Send(s.chat, continuingHolder)
		s.ref = ref
		s.count++
		s.chunk = carry
		s.lastEdit = time.Now()
	}

	s.update()
}

// ShowAction surfaces tool activity, visible even before any text has
// arrived.
func (s *Stream) ShowAction(label string) {
	s.action = label

	display := s.chunk
	if strings.TrimSpace(display) == "" {
		display = "..."
	}
	s.edit(display+"\n\n---\nrunning "+label, false)
}

// ReplaceChunk swaps the pending message body, used when a terminal
// consolidated result supersedes the streamed text.
func (s *Stream) ReplaceChunk(text string) {
	s.chunk = text
}

// Chunk returns the text pending in the current message.
func (s *Stream) Chunk() string {
	return s.chunk
}

// Count returns how many outward messages the stream has opened.
func (s *Stream) Count() int {
	return s.count
}

// Finalize delivers the closing text: edited into the current message
// when it fits, otherwise split across fresh messages.
func (s *Stream) Finalize(text string) {
	if len(text) <= s.cfg.FinalLimit {
		if s.ref != NoRef {
			s.notifier.Edit(s.chat, s.ref, text)
		} else {
			s.notifier.Send(s.chat, text)
		}
		return
	}

	parts := Split(text, s.cfg.SplitLimit)
	for i, part := range parts {
		if i == 0 && s.ref != NoRef {
			s.notifier.Edit(s.chat, s.ref, part)
			continue
		}
		s.notifier.Send(s.chat, part)
	}
}

// update pushes the pending chunk with a progress suffix, rate limited.
func (s *Stream) update() {
	if strings.TrimSpace(s.chunk) == "" {
		return
	}

	label := generatingLabel
	if s.action != "" {
		label = "running " + s.action
	}
	s.edit(s.chunk+"\n\n---\n"+label, false)
}

func (s *Stream) edit(text string, force bool) {
	if !force && time.Since(s.lastEdit) < s.cfg.EditInterval {
		return
	}
	if s.ref == NoRef {
		return
	}
	s.notifier.Edit(s.chat, s.ref, text)
	s.lastEdit = time.Now()
}
