package stream

import (
	"encoding/json"
	"strings"
)

type geminiParams struct {
	FilePath string `json:"file_path"`
	Command  string `json:"command"`
	Pattern  string `json:"pattern"`
	DirPath  string `json:"dir_path"`
}

// feedGemini interprets the gemini CLI stream-json format. Assistant
// content is typically delta chunks, but some versions emit cumulative
// snapshots without the delta flag, so non-delta content is diffed
// against the accumulated text before appending.
func (it *Interpreter) feedGemini(line string) {
	var env struct {
		Type       string          `json:"type"`
		SessionID  string          `json:"session_id"`
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		Delta      bool            `json:"delta"`
		ToolID     string          `json:"tool_id"`
		ToolName   string          `json:"tool_name"`
		Parameters json.RawMessage `json:"parameters"`
		Output     json.RawMessage `json:"output"`
		Message    json.RawMessage `json:"message"`
		Error      json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		it.acc.appendOpaque(line)
		return
	}

	switch env.Type {
	case "init":
		it.acc.setHandle(env.SessionID)

	case "message":
		if env.Role != "assistant" {
			return
		}
		content := stringValue(env.Content)
		if content == "" {
			return
		}

		appendText := content
		continuation := false
		if !env.Delta {
			switch {
			case strings.HasPrefix(content, it.acc.text):
				// Cumulative snapshot; only the unseen tail is new, and
				// it continues the text in place.
				appendText = content[len(it.acc.text):]
				continuation = it.acc.text != ""
			case strings.HasPrefix(it.acc.text, content):
				// Stale snapshot of text already streamed.
				appendText = ""
			}
		}
		if appendText == "" {
			return
		}
		if continuation {
			it.sink.OnEvent(Event{Type: EventText, Text: it.acc.appendRaw(appendText)})
		} else {
			it.emitText(appendText)
		}

	case "tool_use":
		if it.acc.seen(env.ToolID) {
			return
		}

		name := env.ToolName
		if name == "" {
			name = "tool"
		}

		var p geminiParams
		if len(env.Parameters) > 0 {
			json.Unmarshal(env.Parameters, &p)
		}
		preview := firstNonEmpty(p.FilePath, p.Command, p.Pattern, p.DirPath)

		it.acc.addOp(strings.ToLower(name), preview)
		it.sink.OnEvent(Event{Type: EventAction, Action: Action{
			ID:      env.ToolID,
			Name:    name,
			Summary: truncate(preview, it.acc.cfg.PreviewLimit),
		}})

	case "tool_result":
		// Echo shell output so review rounds can see command results.
		// Non-string outputs are skipped.
		var out string
		if len(env.Output) == 0 || json.Unmarshal(env.Output, &out) != nil {
			return
		}
		trimmed := strings.TrimSpace(out)
		if trimmed == "" {
			return
		}

		display := trimmed
		if len(display) > it.acc.cfg.ToolOutputLimit {
			display = display[:it.acc.cfg.ToolOutputLimit] + "\n... (truncated)"
		}
		block := "\n```\n" + display + "\n```\n"
		it.sink.OnEvent(Event{Type: EventText, Text: it.acc.appendRaw(block)})

	case "error":
		msg := stringValue(env.Message)
		if msg == "" {
			msg = stringValue(env.Error)
		}
		if msg == "" {
			msg = line
		}
		it.acc.addError(msg)
	}
}

// stringValue decodes raw as a JSON string, falling back to the raw
// JSON text for non-string shapes.
func stringValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return string(raw)
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
