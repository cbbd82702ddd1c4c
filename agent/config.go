package agent

import (
	"time"

	"github.com/agentloop/engine/notify"
	"github.com/agentloop/engine/stream"
)

// Config holds the invocation settings for one CLI family.
type Config struct {
	// Binary is the executable name or path.
	Binary string `json:"binary,omitempty" yaml:"binary,omitempty"`

	// Model selects the model flag value. Empty omits the flag for
	// kinds where the CLI has its own default.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	// AllowedTools pre-approves tools so the CLI does not stop to ask.
	// Claude only.
	AllowedTools string `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`

	// ReasoningEffort tunes the reasoning depth. Codex only.
	ReasoningEffort string `json:"reasoning_effort,omitempty" yaml:"reasoning_effort,omitempty"`

	// IdleTimeout is the staleness threshold: a watchdog-guarded
	// process producing no output for this long is killed.
	IdleTimeout time.Duration `json:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`

	// IdleCheck is the watchdog poll cadence.
	IdleCheck time.Duration `json:"idle_check,omitempty" yaml:"idle_check,omitempty"`

	// KillGrace is how long after SIGTERM the group gets SIGKILL.
	KillGrace time.Duration `json:"kill_grace,omitempty" yaml:"kill_grace,omitempty"`

	// StderrLines bounds the retained stderr tail.
	StderrLines int `json:"stderr_lines,omitempty" yaml:"stderr_lines,omitempty"`

	// StderrLineLimit truncates individual stderr lines.
	StderrLineLimit int `json:"stderr_line_limit,omitempty" yaml:"stderr_line_limit,omitempty"`

	// Stream configures the output interpreter.
	Stream stream.Config `json:"stream,omitempty" yaml:"stream,omitempty"`

	// Relay configures the outward progress writer.
	Relay notify.StreamConfig `json:"relay,omitempty" yaml:"relay,omitempty"`
}

// DefaultConfig returns the default settings for a kind.
func DefaultConfig(kind Kind) Config {
	cfg := Config{
		IdleTimeout:     300 * time.Second,
		IdleCheck:       30 * time.Second,
		KillGrace:       5 * time.Second,
		StderrLines:     30,
		StderrLineLimit: 500,
		Stream:          stream.DefaultConfig(),
		Relay:           notify.DefaultStreamConfig(),
	}

	switch kind {
	case KindClaude:
		cfg.Binary = "claude"
		cfg.Model = "opus"
		cfg.AllowedTools = "Write,Edit,Bash,Read,Glob,Grep,Task,WebFetch,WebSearch,NotebookEdit,TodoWrite"
	case KindCodex:
		cfg.Binary = "codex"
		cfg.Model = "gpt-5.3-codex"
		cfg.ReasoningEffort = "xhigh"
	case KindGemini:
		cfg.Binary = "gemini"
		cfg.Model = "gemini-3.1-pro-preview"
	}

	return cfg
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.Binary != "" {
		c.Binary = source.Binary
	}
	if source.Model != "" {
		c.Model = source.Model
	}
	if source.AllowedTools != "" {
		c.AllowedTools = source.AllowedTools
	}
	if source.ReasoningEffort != "" {
		c.ReasoningEffort = source.ReasoningEffort
	}
	if source.IdleTimeout > 0 {
		c.IdleTimeout = source.IdleTimeout
	}
	if source.IdleCheck > 0 {
		c.IdleCheck = source.IdleCheck
	}
	if source.KillGrace > 0 {
		c.KillGrace = source.KillGrace
	}
	if source.StderrLines > 0 {
		c.StderrLines = source.StderrLines
	}
	if source.StderrLineLimit > 0 {
		c.StderrLineLimit = source.StderrLineLimit
	}
	c.Stream.Merge(&source.Stream)
	c.Relay.Merge(&source.Relay)
}
