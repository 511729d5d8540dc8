package engine

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/kaptinlin/jsonrepair"

	"ledgerchat/internal/engine/action"
)

// maxVerbatimResponse caps how much model-authored text is echoed back to the
// user in one turn.
const maxVerbatimResponse = 2000

// Interpret validates the model's raw reply. The reply is untrusted input:
// anything that does not parse into one of the known shapes is downgraded to
// a plain conversational reply, never an error. Referential integrity of the
// data it carries is the executor's job, not this one's.
func Interpret(raw string) *ParsedReply {
	text := stripCodeFences(strings.TrimSpace(raw))

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(text)
		if rerr != nil || json.Unmarshal([]byte(repaired), &payload) != nil {
			return conversational(raw)
		}
	}

	mode, _ := payload["mode"].(string)
	response, _ := payload["response"].(string)

	switch Mode(mode) {
	case ModeConversation:
		if response == "" {
			return conversational(raw)
		}
		return conversational(response)
	case ModeCollecting, ModePreview, ModeExecute:
	default:
		return conversational(raw)
	}

	rawKind, _ := payload["action"].(string)
	kind, ok := action.Normalize(rawKind)
	if !ok {
		return conversational(raw)
	}

	data := objectField(payload, "data")
	if data == nil {
		data = objectField(payload, "collected")
	}
	if data == nil {
		data = objectField(payload, "preview_data")
	}
	if data == nil {
		data = map[string]interface{}{}
	}

	return &ParsedReply{
		Mode:     Mode(mode),
		Action:   kind,
		Data:     data,
		Missing:  stringSlice(payload["missing"]),
		Response: clampResponse(response),
	}
}

func conversational(text string) *ParsedReply {
	return &ParsedReply{Mode: ModeConversation, Response: clampResponse(text)}
}

func clampResponse(text string) string {
	if len(text) <= maxVerbatimResponse {
		return text
	}
	// back up to a rune boundary so the cut never emits invalid UTF-8
	cut := maxVerbatimResponse
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func stripCodeFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if idx := strings.Index(text, "\n"); idx >= 0 {
		// drop the language tag line
		text = text[idx+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func objectField(payload map[string]interface{}, key string) map[string]interface{} {
	if obj, ok := payload[key].(map[string]interface{}); ok {
		return obj
	}
	return nil
}

func stringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
