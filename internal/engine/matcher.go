package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"ledgerchat/internal/engine/action"
)

// The direct command matcher recognizes a small fixed grammar of imperative
// phrasings and turns them into actions without a model call. It is pure: no
// match means fall through to the model path, never a guess.

var (
	sendInvoiceRe = regexp.MustCompile(`(?i)^\s*(?:please\s+)?send\s+invoice\s+#?([A-Za-z]+-\d+|\d+)\s*[.!]?\s*$`)
	getInvoiceRe  = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:show|get|view|open)\s+(?:me\s+)?invoice\s+#?([A-Za-z]+-\d+|\d+)\s*[.!?]?\s*$`)
	editInvoiceRe = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:edit|update|change)\s+invoice\s+#?([A-Za-z]+-\d+|\d+)\s*[.!]?\s*$`)
	listInvRe     = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:list|show)\s+(?:me\s+)?(?:my\s+|all\s+)?(draft\s+|sent\s+|paid\s+|void\s+)?invoices(?:\s+for\s+(.+?))?\s*[.!?]?\s*$`)
	listCustRe    = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:list|show)\s+(?:me\s+)?(?:my\s+|all\s+)?customers\s*[.!?]?\s*$`)
	listProdRe    = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:list|show)\s+(?:me\s+)?(?:my\s+|all\s+)?products\s*[.!?]?\s*$`)
)

// Match classifies text against the fixed grammar. Returns nil when no
// pattern applies.
func Match(text string) *ParsedReply {
	if m := sendInvoiceRe.FindStringSubmatch(text); m != nil {
		return &ParsedReply{
			Mode:   ModeExecute,
			Action: action.SendInvoice,
			Data:   map[string]interface{}{"invoice_number": normalizeInvoiceRef(m[1])},
		}
	}
	if m := getInvoiceRe.FindStringSubmatch(text); m != nil {
		return &ParsedReply{
			Mode:   ModeExecute,
			Action: action.GetInvoice,
			Data:   map[string]interface{}{"invoice_number": normalizeInvoiceRef(m[1])},
		}
	}
	if m := editInvoiceRe.FindStringSubmatch(text); m != nil {
		ref := normalizeInvoiceRef(m[1])
		return &ParsedReply{
			Mode:   ModeCollecting,
			Action: action.EditInvoice,
			Data:   map[string]interface{}{"invoice_number": ref},
			Missing: []string{"changes"},
			Response: fmt.Sprintf("What would you like to change on invoice %s? You can update the invoice date, due date or notes.", ref),
		}
	}
	if m := listInvRe.FindStringSubmatch(text); m != nil {
		data := map[string]interface{}{}
		if status := strings.TrimSpace(strings.ToLower(m[1])); status != "" {
			data["status"] = status
		}
		if customer := strings.TrimSpace(m[2]); customer != "" {
			data["customer_name"] = customer
		}
		return &ParsedReply{Mode: ModeExecute, Action: action.ListInvoices, Data: data}
	}
	if listCustRe.MatchString(text) {
		return &ParsedReply{Mode: ModeExecute, Action: action.ListCustomers, Data: map[string]interface{}{}}
	}
	if listProdRe.MatchString(text) {
		return &ParsedReply{Mode: ModeExecute, Action: action.ListProducts, Data: map[string]interface{}{}}
	}
	return nil
}

// normalizeInvoiceRef maps a bare numeric reference onto the invoice number
// format used at creation time, so "send invoice 17" finds INV-0017.
func normalizeInvoiceRef(ref string) string {
	if n, err := strconv.Atoi(ref); err == nil {
		return fmt.Sprintf("INV-%04d", n)
	}
	return strings.ToUpper(ref)
}
