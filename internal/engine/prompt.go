package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"ledgerchat/internal/engine/action"
	"ledgerchat/internal/models"
)

const systemPreamble = `You are a bookkeeping assistant for a double-entry ledger.
You turn the user's request into one of a fixed set of structured actions.
Reply with a single JSON object and nothing else. Legal shapes:

{"mode": "conversation", "response": "<plain reply for anything that is not an action>"}
{"mode": "collecting", "action": "<kind>", "collected": {<fields so far>}, "missing": [<required fields still needed>], "response": "<question asking for the missing fields>"}
{"mode": "preview", "action": "<kind>", "data": {<all required fields>}, "response": "<summary of what will happen, asking the user to confirm>"}
{"mode": "execute", "action": "<kind>", "data": {<fields>}, "response": "<short acknowledgement>"}

Rules:
- Use mode "execute" only for read-only actions (list_invoices, get_invoice, list_customers, list_products) and for send_invoice, which is a plain status change. Everything else that creates or changes records must go through "preview" first.
- Use "collecting" while any required field is missing. Carry every field already collected forward in "collected"; never drop one.
- Only reference customers, products and accounts that appear in the reference data below. Do not invent identifiers.
- line_items is a list of {"description", "quantity", "unit_price"}.
- Dates are YYYY-MM-DD. Amounts are plain numbers without currency symbols.
- If the request is ambiguous or not about bookkeeping, use mode "conversation".`

// buildPrompt assembles the model request: instructions and action schemas,
// the bounded reference snapshot, the active context if any, then the recent
// turns most-recent-last and the new user message. Deterministic in its
// inputs.
func buildPrompt(snap *Snapshot, cc *ConversationContext, history []*models.Message, userText string) []*schema.Message {
	var sys strings.Builder
	sys.WriteString(systemPreamble)
	sys.WriteString("\n\nSupported actions and their fields (* = required):\n")
	sys.WriteString(describeSchemas())

	sys.WriteString("\nReference data for this user:\n")
	sys.WriteString(describeSnapshot(snap))

	if cc != nil {
		sys.WriteString("\nAn action is already in progress. Continue it; do not start over:\n")
		sys.WriteString(describeContext(cc))
	}

	messages := []*schema.Message{schema.SystemMessage(sys.String())}
	for _, msg := range history {
		switch msg.Role {
		case models.RoleUser:
			messages = append(messages, schema.UserMessage(msg.Content))
		case models.RoleAssistant:
			messages = append(messages, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return append(messages, schema.UserMessage(userText))
}

func describeSchemas() string {
	var b strings.Builder
	for _, kind := range action.Kinds() {
		s, _ := action.SchemaFor(kind)
		b.WriteString("- ")
		b.WriteString(string(kind))
		if len(s.Fields) > 0 {
			b.WriteString(": ")
			parts := make([]string, 0, len(s.Fields))
			for _, f := range s.Fields {
				if f.Required {
					parts = append(parts, f.Name+"*")
				} else {
					parts = append(parts, f.Name)
				}
			}
			b.WriteString(strings.Join(parts, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func describeSnapshot(snap *Snapshot) string {
	var b strings.Builder
	b.WriteString("Accounts:\n")
	for _, a := range snap.Accounts {
		fmt.Fprintf(&b, "- %s %s (%s)\n", a.Code, a.Name, a.Type)
	}
	b.WriteString("Customers:\n")
	if len(snap.Customers) == 0 {
		b.WriteString("- (none yet)\n")
	}
	for _, c := range snap.Customers {
		fmt.Fprintf(&b, "- %s\n", c.Name)
	}
	b.WriteString("Products:\n")
	if len(snap.Products) == 0 {
		b.WriteString("- (none yet)\n")
	}
	for _, p := range snap.Products {
		fmt.Fprintf(&b, "- %s at %s\n", p.Name, p.UnitPrice.StringFixed(2))
	}
	return b.String()
}

func describeContext(cc *ConversationContext) string {
	collected, _ := json.Marshal(cc.CollectedData)
	var b strings.Builder
	fmt.Fprintf(&b, "- phase: %s\n- action: %s\n- collected: %s\n", cc.Phase, cc.PendingAction, collected)
	if len(cc.MissingFields) > 0 {
		fmt.Fprintf(&b, "- still missing: %s\n", strings.Join(cc.MissingFields, ", "))
	}
	return b.String()
}
