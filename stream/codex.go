package stream

import "encoding/json"

// feedCodex interprets the codex exec --json event stream. Message text
// arrives cumulatively per item: every update repeats what was already
// streamed for that item, so a per-item length memo extracts only the
// unseen tail.
func (it *Interpreter) feedCodex(line string) {
	var env struct {
		Type     string `json:"type"`
		ThreadID string `json:"thread_id"`
		Item     struct {
			ID      string `json:"id"`
			Type    string `json:"type"`
			Text    string `json:"text"`
			Command string `json:"command"`
		} `json:"item"`
	}
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		it.acc.appendOpaque(line)
		return
	}

	switch env.Type {
	case "thread.started":
		it.acc.setHandle(env.ThreadID)

	case "item.started", "item.updated", "item.completed":
		switch env.Item.Type {
		case "agent_message":
			it.codexMessage(env.Type, env.Item.ID, env.Item.Text)

		case "command_execution":
			if env.Type != "item.started" || it.acc.seen(env.Item.ID) {
				return
			}
			it.acc.addOp("bash", env.Item.Command)
			it.sink.OnEvent(Event{Type: EventAction, Action: Action{
				ID:      env.Item.ID,
				Name:    "Bash",
				Summary: truncate(env.Item.Command, it.acc.cfg.PreviewLimit),
			}})
		}
	}
}

func (it *Interpreter) codexMessage(eventType, itemID, text string) {
	if text == "" || itemID == "" {
		return
	}

	prev := it.acc.itemLens[itemID]

	var delta string
	switch eventType {
	case "item.updated":
		if prev <= len(text) {
			delta = text[prev:]
		}
		it.acc.itemLens[itemID] = len(text)
	case "item.completed":
		if prev <= len(text) {
			delta = text[prev:]
		}
		delete(it.acc.itemLens, itemID)
	default:
		// item.started carries no incremental text.
		return
	}

	if delta == "" {
		return
	}

	// The joining rule applies only at the start of a new item; text
	// continuing mid-item appends verbatim.
	if prev == 0 {
		it.sink.OnEvent(Event{Type: EventText, Text: it.acc.append(delta)})
	} else {
		it.sink.OnEvent(Event{Type: EventText, Text: it.acc.appendRaw(delta)})
	}
}
