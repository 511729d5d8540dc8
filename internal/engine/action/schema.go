// Package action defines the closed set of actions the engine can perform
// and the required/optional fields of each. Missing fields are computed
// structurally from the schema, never from ad hoc string lists.
package action

import (
	"sort"
	"strings"
)

// Kind identifies one supported action.
type Kind string

const (
	CreateInvoice  Kind = "create_invoice"
	EditInvoice    Kind = "edit_invoice"
	SendInvoice    Kind = "send_invoice"
	ListInvoices   Kind = "list_invoices"
	GetInvoice     Kind = "get_invoice"
	RecordPayment  Kind = "record_payment"
	CreateCustomer Kind = "create_customer"
	ListCustomers  Kind = "list_customers"
	ListProducts   Kind = "list_products"
)

// Effect classifies what an action does to the books.
type Effect int

const (
	// EffectQuery is a pure read.
	EffectQuery Effect = iota
	// EffectMutate changes a record or status without touching the ledger.
	EffectMutate
	// EffectPost moves money and must produce a balanced journal entry.
	EffectPost
)

type Field struct {
	Name     string
	Required bool
}

// Schema declares an action's field set and whether it must pass through the
// Preview phase before executing.
type Schema struct {
	Kind         Kind
	Effect       Effect
	NeedsConfirm bool
	Fields       []Field
}

var schemas = map[Kind]Schema{
	CreateInvoice: {
		Kind:         CreateInvoice,
		Effect:       EffectPost,
		NeedsConfirm: true,
		Fields: []Field{
			{Name: "customer_name", Required: true},
			{Name: "line_items", Required: true},
			{Name: "invoice_date", Required: true},
			{Name: "due_date", Required: true},
			{Name: "tax_rate"},
			{Name: "notes"},
		},
	},
	EditInvoice: {
		Kind:         EditInvoice,
		Effect:       EffectMutate,
		NeedsConfirm: true,
		Fields: []Field{
			{Name: "invoice_number", Required: true},
			{Name: "changes", Required: true},
		},
	},
	SendInvoice: {
		Kind:   SendInvoice,
		Effect: EffectMutate,
		Fields: []Field{
			{Name: "invoice_number", Required: true},
		},
	},
	ListInvoices: {
		Kind:   ListInvoices,
		Effect: EffectQuery,
		Fields: []Field{
			{Name: "status"},
			{Name: "customer_name"},
		},
	},
	GetInvoice: {
		Kind:   GetInvoice,
		Effect: EffectQuery,
		Fields: []Field{
			{Name: "invoice_number", Required: true},
		},
	},
	RecordPayment: {
		Kind:         RecordPayment,
		Effect:       EffectPost,
		NeedsConfirm: true,
		Fields: []Field{
			{Name: "invoice_number", Required: true},
			{Name: "amount", Required: true},
			{Name: "payment_date", Required: true},
		},
	},
	CreateCustomer: {
		Kind:         CreateCustomer,
		Effect:       EffectMutate,
		NeedsConfirm: true,
		Fields: []Field{
			{Name: "name", Required: true},
			{Name: "email"},
		},
	},
	ListCustomers: {Kind: ListCustomers, Effect: EffectQuery},
	ListProducts:  {Kind: ListProducts, Effect: EffectQuery},
}

// SchemaFor returns the schema of a kind, false for unknown kinds.
func SchemaFor(kind Kind) (Schema, bool) {
	s, ok := schemas[kind]
	return s, ok
}

// Normalize maps free-form kind strings (including the model's output) onto
// the closed set. Unknown strings yield false.
func Normalize(raw string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := schemas[k]; ok {
		return k, true
	}
	return "", false
}

// Kinds lists every supported action kind, for embedding in the prompt.
func Kinds() []Kind {
	out := make([]Kind, 0, len(schemas))
	for k := range schemas {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Missing returns the ordered required fields of kind not present (or empty)
// in data.
func Missing(kind Kind, data map[string]interface{}) []string {
	s, ok := schemas[kind]
	if !ok {
		return nil
	}
	var missing []string
	for _, f := range s.Fields {
		if !f.Required {
			continue
		}
		if !present(data[f.Name]) {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

// Known reports whether the field name belongs to the kind's schema.
func Known(kind Kind, field string) bool {
	s, ok := schemas[kind]
	if !ok {
		return false
	}
	for _, f := range s.Fields {
		if f.Name == field {
			return true
		}
	}
	return false
}

// Merge folds src into dst without dropping previously collected fields.
// Fields already in dst persist; a field present in src overwrites only when
// it carries a usable value (an explicit user edit). Unknown fields are
// discarded so the model cannot smuggle extra keys into the context.
func Merge(kind Kind, dst, src map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(dst)+len(src))
	for k, v := range dst {
		merged[k] = v
	}
	for k, v := range src {
		if !Known(kind, k) {
			continue
		}
		if present(v) {
			merged[k] = v
		}
	}
	return merged
}

func present(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		return true
	}
}
