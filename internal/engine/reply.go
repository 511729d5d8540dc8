package engine

import "ledgerchat/internal/engine/action"

// Mode is the phase a parsed turn asks the router to enter.
type Mode string

const (
	ModeConversation Mode = "conversation"
	ModeCollecting   Mode = "collecting"
	ModePreview      Mode = "preview"
	ModeExecute      Mode = "execute"
)

// ParsedReply is the single shape the phase router consumes. Both the direct
// command matcher and the model interpreter produce it, so the router never
// needs to know which path classified the message.
type ParsedReply struct {
	Mode     Mode
	Action   action.Kind
	Data     map[string]interface{}
	Missing  []string
	Response string
}
