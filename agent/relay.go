package agent

import (
	"strings"

	"github.com/agentloop/engine/notify"
	"github.com/agentloop/engine/stream"
)

const defaultPlaceholder = "thinking..."

// relay adapts interpreter events onto the outward progress stream.
// It implements stream.Sink.
type relay struct {
	out *notify.Stream
	cfg notify.StreamConfig
}

func newRelay(notifier notify.Notifier, chat, placeholder string, cfg notify.StreamConfig) *relay {
	merged := notify.DefaultStreamConfig()
	merged.Merge(&cfg)

	r := &relay{
		out: notify.NewStream(notifier, chat, merged),
		cfg: merged,
	}
	if placeholder == "" {
		placeholder = defaultPlaceholder
	}
	r.out.Open(placeholder)
	return r
}

func (r *relay) OnEvent(event stream.Event) {
	switch event.Type {
	case stream.EventText:
		r.out.Append(event.Text)

	case stream.EventAction:
		r.out.ShowAction(actionLabel(&event.Action))

	case stream.EventResult:
		// A consolidated result replaces the pending display only when
		// nothing has rolled over and it covers what was streamed.
		if r.out.Count() == 1 && len(event.Text) >= len(strings.TrimSpace(r.out.Chunk())) {
			r.out.ReplaceChunk(event.Text)
		}
	}
}

// finish composes and delivers the closing message: remaining text,
// file-operations summary, and a terminal status marker.
func (r *relay) finish(res *Result) {
	final := strings.TrimSpace(r.out.Chunk())
	if final == "" && r.out.Count() == 1 {
		if t := strings.TrimSpace(res.Text); t != "" {
			if len(t) > r.cfg.ChunkCeiling {
				t = t[len(t)-r.cfg.ChunkCeiling:]
			}
			final = t
		}
	}

	final += opsSummary(res.Ops)

	switch {
	case res.Cancelled:
		final += "\n\n---\ncancelled"
	case res.Failed():
		final += "\n\n---\nerror: " + res.Failure
	case strings.TrimSpace(res.Text) == "" && res.LastStderr() != "":
		tail := res.LastStderr()
		if len(tail) > 200 {
			tail = tail[:200]
		}
		final += "\n\n---\nno output: " + tail
	case len(res.Errors) > 0:
		final += "\n\n---\ncomplete with errors: " + clip(res.Errors[len(res.Errors)-1], 150)
	default:
		final += "\n\n---\ncomplete"
	}

	r.out.Finalize(final)
}

func actionLabel(action *stream.Action) string {
	if action == nil {
		return "tool"
	}
	if action.Summary == "" {
		return action.Name
	}
	return action.Name + ": " + clip(action.Summary, 60)
}

func opsSummary(ops []stream.FileOp) string {
	if len(ops) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n\nFile operations:")
	for _, op := range ops {
		switch op.Kind {
		case "write", "write_file":
			b.WriteString("\n  created: " + shortenPath(op.Path))
		case "edit", "replace":
			b.WriteString("\n  edited: " + shortenPath(op.Path))
		case "bash", "run_shell_command":
			b.WriteString("\n  ran: " + clip(op.Path, 80))
		case "read", "read_file":
			b.WriteString("\n  read: " + shortenPath(op.Path))
		case "glob", "grep", "grep_search":
			b.WriteString("\n  search: " + clip(op.Path, 60))
		default:
			b.WriteString("\n  " + op.Kind + ": " + shortenPath(op.Path))
		}
	}
	return b.String()
}

// shortenPath keeps the last two path segments of long paths.
func shortenPath(path string) string {
	if len(path) <= 50 {
		return path
	}
	parts := strings.Split(path, "/")
	if len(parts) <= 2 {
		return path
	}
	return ".../" + strings.Join(parts[len(parts)-2:], "/")
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
