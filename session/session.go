// Package session manages the durable registry of work sessions: one
// entry per project conversation, carrying per-CLI resumption handles,
// compaction counters, and a bounded activity log. The registry is
// persisted as a single JSON document with atomic replace and debounced
// writes; companion snapshot files track in-flight work for crash
// recovery.
package session

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentloop/engine/agent"
)

// Activity is one entry of a session's bounded activity log.
type Activity struct {
	Kind agent.Kind `json:"kind"`
	Time time.Time  `json:"time"`
}

// Session is one registered work session. Values handed out by the
// Store are deep copies; mutations go through Store methods.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Dir       string    `json:"dir"`
	CreatedAt time.Time `json:"created_at"`

	// LastPrompt is a bounded copy of the most recent task text.
	LastPrompt string     `json:"last_prompt,omitempty"`
	LastKind   agent.Kind `json:"last_kind,omitempty"`
	LastActive time.Time  `json:"last_active,omitempty"`

	// Handles maps each CLI family to its resumption handle.
	Handles map[agent.Kind]string `json:"handles,omitempty"`

	// Counts tracks per-CLI message counts for proactive compaction.
	Counts map[agent.Kind]int `json:"counts,omitempty"`

	// Summary is the latest compaction summary, cleared once a fresh
	// resumption handle exists.
	Summary string `json:"summary,omitempty"`

	// Activity is the bounded log of which CLI ran when.
	Activity []Activity `json:"activity,omitempty"`
}

// Handle returns the resumption handle for a kind, empty if none.
func (s *Session) Handle(kind agent.Kind) string {
	return s.Handles[kind]
}

func (s *Session) clone() Session {
	out := *s

	if s.Handles != nil {
		out.Handles = make(map[agent.Kind]string, len(s.Handles))
		for k, v := range s.Handles {
			out.Handles[k] = v
		}
	}
	if s.Counts != nil {
		out.Counts = make(map[agent.Kind]int, len(s.Counts))
		for k, v := range s.Counts {
			out.Counts[k] = v
		}
	}
	if s.Activity != nil {
		out.Activity = append([]Activity(nil), s.Activity...)
	}
	return out
}

// Bridge composes the shared-context preamble injected when a CLI picks
// up a session other CLIs have touched: which assistants ran since this
// kind was last active, where their logs live, and the consolidated
// summary if one exists. Returns empty when there is nothing to bridge.
func (s *Session) Bridge(current agent.Kind) string {
	var hints []string

	if len(s.Activity) > 0 {
		if hint := s.activityHint(current); hint != "" {
			hints = append(hints, hint)
		}
	} else if s.LastKind != "" && s.LastKind != current && s.LastPrompt != "" {
		hints = append(hints, fmt.Sprintf(
			"Previously, %s was working on this task: %q. Please check its session logs.",
			s.LastKind, s.LastPrompt))
	}

	if s.Summary != "" {
		hints = append(hints, "CONSOLIDATED PROJECT STATE:\n"+s.Summary)
	}

	if len(hints) == 0 {
		return ""
	}
	return "[SHARED CONTEXT FROM PREVIOUS ACTIVITIES]\n" + strings.Join(hints, "\n\n") + "\n\n"
}

func (s *Session) activityHint(current agent.Kind) string {
	// Activities since this kind last ran; recent tail if it never did.
	lastUsed := -1
	for i := len(s.Activity) - 1; i >= 0; i-- {
		if s.Activity[i].Kind == current {
			lastUsed = i
			break
		}
	}

	var recent []Activity
	if lastUsed != -1 {
		recent = s.Activity[lastUsed+1:]
	} else if len(s.Activity) > 10 {
		recent = s.Activity[len(s.Activity)-10:]
	} else {
		recent = s.Activity
	}
	if len(recent) == 0 {
		return ""
	}

	// Group contiguous runs of the same CLI into timeframes.
	type span struct {
		kind       agent.Kind
		start, end time.Time
	}
	var grouped []span
	for _, act := range recent {
		if len(grouped) == 0 || grouped[len(grouped)-1].kind != act.Kind {
			grouped = append(grouped, span{kind: act.Kind, start: act.Time, end: act.Time})
		} else {
			grouped[len(grouped)-1].end = act.Time
		}
	}

	var lines []string
	for _, g := range grouped {
		hint := fmt.Sprintf(" (Logs in %s)", s.logPath(g.kind))
		start := g.start.Format("3:04 PM")
		if !g.start.Equal(g.end) {
			lines = append(lines, fmt.Sprintf("- %s%s from %s to %s", g.kind, hint, start, g.end.Format("3:04 PM")))
		} else {
			lines = append(lines, fmt.Sprintf("- %s%s around %s", g.kind, hint, start))
		}
	}

	return fmt.Sprintf(
		"Since you (%s) were last active on this project, the user has utilized other AI assistants.\n"+
			"Please read the session history/log files of these CLIs to understand the recent context:\n%s"+
			"\n\nYou should investigate these paths for the specified timeframes to align with the current state of the project.",
		current, strings.Join(lines, "\n"))
}

// logPath returns where a CLI family keeps its session logs for this
// session's project directory.
func (s *Session) logPath(kind agent.Kind) string {
	switch kind {
	case agent.KindClaude:
		abs, err := filepath.Abs(s.Dir)
		if err != nil {
			abs = s.Dir
		}
		return "~/.claude/projects/" + strings.ReplaceAll(abs, string(filepath.Separator), "-") + "/"
	case agent.KindGemini:
		return "~/.gemini/tmp/" + filepath.Base(s.Dir) + "/chats/"
	case agent.KindCodex:
		return "~/.codex/sessions/"
	}
	return "standard locations"
}
