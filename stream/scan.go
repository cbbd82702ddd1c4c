package stream

import (
	"encoding/json"
	"regexp"
	"strings"
)

// typeHintWindow is how far into an oversized line the event type is
// sniffed before deciding whether to skip, scan, or fully parse it.
const typeHintWindow = 200

// markerRegionBefore/After bound the slice around an action marker that
// is searched for its identifier and name.
const (
	markerRegionBefore = 200
	markerRegionAfter  = 500
)

var (
	textMarkerRe = regexp.MustCompile(`"type"\s*:\s*"text"\s*,\s*"text"\s*:\s*"`)
	toolMarkerRe = regexp.MustCompile(`"type"\s*:\s*"tool_use"`)
	actionIDRe   = regexp.MustCompile(`"id"\s*:\s*"([^"]+)"`)
	actionNameRe = regexp.MustCompile(`"name"\s*:\s*"([^"]+)"`)
	filePathRe   = regexp.MustCompile(`"file_path"\s*:\s*"([^"]*)"`)
	commandRe    = regexp.MustCompile(`"command"\s*:\s*"([^"]*)"`)
	patternRe    = regexp.MustCompile(`"pattern"\s*:\s*"([^"]*)"`)
)

// scanLargeAssistant recovers text and action markers from an assistant
// line too large to parse in full. Text blocks appear before the
// oversized tool input, so the head window contains them; tool_use
// blocks appear at the end, so the tail window contains their markers.
func (it *Interpreter) scanLargeAssistant(line string) {
	window := it.acc.cfg.ScanWindow

	head := line[:min(len(line), window)]
	for _, m := range textMarkerRe.FindAllStringIndex(head, -1) {
		raw := scanQuoted(head, m[1])
		if text := unescapeJSON(raw); strings.TrimSpace(text) != "" {
			it.emitText(text)
		}
	}

	tail := line[max(0, len(line)-window):]
	for _, m := range toolMarkerRe.FindAllStringIndex(tail, -1) {
		region := tail[max(0, m[0]-markerRegionBefore):min(len(tail), m[1]+markerRegionAfter)]

		idMatch := actionIDRe.FindStringSubmatch(region)
		nameMatch := actionNameRe.FindStringSubmatch(region)
		if idMatch == nil || nameMatch == nil {
			continue
		}
		name := nameMatch[1]

		// Argument previews are recovered with bounded regex instead of
		// parsing the input object.
		var args actionArgs
		rest := tail[m[0]:]
		switch name {
		case "Write", "Edit", "Read":
			if fm := filePathRe.FindStringSubmatch(rest); fm != nil {
				args.FilePath = truncate(fm[1], it.acc.cfg.PreviewLimit)
			}
		case "Bash":
			if cm := commandRe.FindStringSubmatch(rest); cm != nil {
				args.Command = truncate(cm[1], it.acc.cfg.PreviewLimit)
			}
		case "Glob", "Grep":
			if pm := patternRe.FindStringSubmatch(rest); pm != nil {
				args.Pattern = truncate(pm[1], it.acc.cfg.PreviewLimit)
			}
		case "AskUserQuestion":
			args.Questions = scanQuestionBlock(tail, m[0])
		}

		it.processAction(idMatch[1], name, args)
	}
}

// scanQuoted walks a JSON string value starting at from, honoring
// backslash escapes, until the closing quote or the end of the window.
// An unterminated value yields whatever was walked.
func scanQuoted(s string, from int) string {
	var b strings.Builder
	i := from
	for i < len(s) {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			b.WriteByte(c)
			b.WriteByte(s[i+1])
			i += 2
			continue
		}
		if c == '"' {
			break
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

// unescapeJSON decodes JSON string escapes, returning the input
// unchanged when it is not a valid JSON string body.
func unescapeJSON(raw string) string {
	var s string
	if err := json.Unmarshal([]byte(`"`+raw+`"`), &s); err != nil {
		return raw
	}
	return s
}

// scanQuestionBlock extracts the full tool_use block around an ask-user
// marker by balanced-brace matching and parses just that block. The
// block is small even inside an oversized line, and question structure
// must survive the bypass.
func scanQuestionBlock(tail string, at int) []Question {
	windowStart := max(0, at-markerRegionBefore)
	rel := strings.LastIndex(tail[windowStart:at], "{")
	if rel < 0 {
		return nil
	}
	start := windowStart + rel

	depth, end := 0, start
scan:
	for i := start; i < len(tail); i++ {
		switch tail[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				end = i + 1
				break scan
			}
		}
	}
	if end <= start {
		return nil
	}

	var block struct {
		Input struct {
			Questions []Question `json:"questions"`
		} `json:"input"`
	}
	if err := json.Unmarshal([]byte(tail[start:end]), &block); err != nil {
		return nil
	}
	return block.Input.Questions
}
