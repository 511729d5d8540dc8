package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Helpers for pulling typed values out of the untrusted collected-data map.
// The model's output already passed shape validation, but individual field
// values still arrive as arbitrary JSON scalars.

func stringField(data map[string]interface{}, name string) string {
	switch v := data[name].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), ".")
	default:
		return ""
	}
}

func requireString(data map[string]interface{}, name string) (string, error) {
	s := stringField(data, name)
	if s == "" {
		return "", &ValidationError{Field: name, Reason: "is required"}
	}
	return s, nil
}

func decimalField(data map[string]interface{}, name string) (decimal.Decimal, error) {
	return toDecimal(data[name], name)
}

func toDecimal(v interface{}, name string) (decimal.Decimal, error) {
	switch t := v.(type) {
	case nil:
		return decimal.Zero, &ValidationError{Field: name, Reason: "is required"}
	case float64:
		return decimal.NewFromFloat(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case decimal.Decimal:
		return t, nil
	case string:
		s := strings.TrimSpace(strings.TrimPrefix(t, "$"))
		s = strings.ReplaceAll(s, ",", "")
		percent := strings.HasSuffix(s, "%")
		s = strings.TrimSuffix(s, "%")
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, &ValidationError{Field: name, Reason: fmt.Sprintf("%q is not a number", t)}
		}
		if percent {
			d = d.Div(decimal.NewFromInt(100))
		}
		return d, nil
	default:
		return decimal.Zero, &ValidationError{Field: name, Reason: "is not a number"}
	}
}

// InvoiceTotal computes the would-be total of a create_invoice request
// without touching the database, for preview payloads.
func InvoiceTotal(data map[string]interface{}) (decimal.Decimal, error) {
	items, err := lineItems(data)
	if err != nil {
		return decimal.Zero, err
	}
	subtotal := decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.Quantity.Mul(it.UnitPrice))
	}
	taxRate := decimal.Zero
	if _, ok := data["tax_rate"]; ok {
		if taxRate, err = decimalField(data, "tax_rate"); err != nil {
			return decimal.Zero, err
		}
	}
	return subtotal.Add(subtotal.Mul(taxRate).Round(2)), nil
}

// lineItem is one parsed invoice line request.
type lineItem struct {
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
}

func lineItems(data map[string]interface{}) ([]lineItem, error) {
	raw, ok := data["line_items"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, &ValidationError{Field: "line_items", Reason: "at least one line item is required"}
	}
	items := make([]lineItem, 0, len(raw))
	for i, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			return nil, &ValidationError{Field: "line_items", Reason: fmt.Sprintf("item %d is malformed", i+1)}
		}
		desc := stringField(m, "description")
		if desc == "" {
			return nil, &ValidationError{Field: "line_items", Reason: fmt.Sprintf("item %d needs a description", i+1)}
		}
		qty := decimal.NewFromInt(1)
		if _, ok := m["quantity"]; ok {
			var err error
			if qty, err = toDecimal(m["quantity"], "line_items"); err != nil {
				return nil, err
			}
		}
		if !qty.IsPositive() {
			return nil, &ValidationError{Field: "line_items", Reason: fmt.Sprintf("item %d quantity must be positive", i+1)}
		}
		price, err := toDecimal(m["unit_price"], "line_items")
		if err != nil {
			return nil, err
		}
		if price.IsNegative() {
			return nil, &ValidationError{Field: "line_items", Reason: fmt.Sprintf("item %d unit price cannot be negative", i+1)}
		}
		items = append(items, lineItem{Description: desc, Quantity: qty, UnitPrice: price})
	}
	return items, nil
}
