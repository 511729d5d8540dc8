package engine

import (
	"strings"
	"testing"
	"unicode/utf8"

	"ledgerchat/internal/engine/action"
)

func TestInterpretPreviewShape(t *testing.T) {
	raw := `{"mode": "preview", "action": "create_invoice", "data": {"customer_name": "John"}, "response": "Ready to create. Confirm?"}`
	pr := Interpret(raw)
	if pr.Mode != ModePreview || pr.Action != action.CreateInvoice {
		t.Fatalf("got %+v", pr)
	}
	if pr.Data["customer_name"] != "John" {
		t.Fatalf("data lost: %v", pr.Data)
	}
}

func TestInterpretStripsCodeFences(t *testing.T) {
	raw := "```json\n{\"mode\": \"collecting\", \"action\": \"create_invoice\", \"collected\": {\"customer_name\": \"John\"}, \"missing\": [\"invoice_date\"], \"response\": \"When is it due?\"}\n```"
	pr := Interpret(raw)
	if pr.Mode != ModeCollecting {
		t.Fatalf("fenced JSON not parsed: %+v", pr)
	}
	if pr.Data["customer_name"] != "John" {
		t.Fatalf("collected payload lost: %v", pr.Data)
	}
	if len(pr.Missing) != 1 || pr.Missing[0] != "invoice_date" {
		t.Fatalf("missing list lost: %v", pr.Missing)
	}
}

func TestInterpretRepairsSloppyJSON(t *testing.T) {
	// trailing comma and single quotes, the usual model output damage
	raw := `{'mode': 'execute', 'action': 'list_invoices', 'data': {'status': 'paid',},}`
	pr := Interpret(raw)
	if pr.Mode != ModeExecute || pr.Action != action.ListInvoices {
		t.Fatalf("repairable JSON downgraded: %+v", pr)
	}
}

func TestInterpretDowngradesPlainText(t *testing.T) {
	raw := "Sure! I can help you with bookkeeping questions."
	pr := Interpret(raw)
	if pr.Mode != ModeConversation {
		t.Fatalf("plain text must downgrade, got %s", pr.Mode)
	}
	if pr.Response != raw {
		t.Fatalf("verbatim text lost: %q", pr.Response)
	}
}

func TestInterpretDowngradesUnknownShapes(t *testing.T) {
	for _, raw := range []string{
		`{"mode": "destroy", "action": "create_invoice", "data": {}}`,
		`{"mode": "execute", "action": "drop_all_tables", "data": {}}`,
		`[1, 2, 3]`,
		`{"action": "create_invoice"}`,
	} {
		pr := Interpret(raw)
		if pr.Mode != ModeConversation {
			t.Fatalf("%s: accepted as %s", raw, pr.Mode)
		}
	}
}

func TestInterpretClampsLongResponses(t *testing.T) {
	pr := Interpret(strings.Repeat("a", maxVerbatimResponse+500))
	if len(pr.Response) != maxVerbatimResponse {
		t.Fatalf("response length %d", len(pr.Response))
	}
}

func TestInterpretClampCutsOnRuneBoundary(t *testing.T) {
	// 3-byte runes guarantee the byte cap lands mid-rune
	pr := Interpret(strings.Repeat("世", maxVerbatimResponse))
	if len(pr.Response) > maxVerbatimResponse {
		t.Fatalf("response length %d", len(pr.Response))
	}
	if !utf8.ValidString(pr.Response) {
		t.Fatalf("clamp produced invalid UTF-8")
	}
}
