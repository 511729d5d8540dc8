package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus tracks the invoice lifecycle. Invoices created through the
// engine are posted to the ledger on creation; "sent" and "paid" are pure
// status changes with no re-posting.
type InvoiceStatus string

const (
	InvoiceStatusDraft InvoiceStatus = "draft"
	InvoiceStatusSent  InvoiceStatus = "sent"
	InvoiceStatusPaid  InvoiceStatus = "paid"
	InvoiceStatusVoid  InvoiceStatus = "void"
)

// Invoice is the business record backing a receivable. JournalEntryID links
// it to the balanced entry committed in the same transaction.
type Invoice struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"user_id"`
	Number         string          `json:"number"`
	CustomerID     int64           `json:"customer_id"`
	CustomerName   string          `json:"customer_name,omitempty"`
	Status         InvoiceStatus   `json:"status"`
	InvoiceDate    string          `json:"invoice_date"`
	DueDate        string          `json:"due_date"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxTotal       decimal.Decimal `json:"tax_total"`
	Total          decimal.Decimal `json:"total"`
	AmountPaid     decimal.Decimal `json:"amount_paid"`
	Notes          string          `json:"notes,omitempty"`
	JournalEntryID int64           `json:"journal_entry_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Lines          []InvoiceLine   `json:"lines,omitempty"`
}

type InvoiceLine struct {
	ID          int64           `json:"id"`
	InvoiceID   int64           `json:"invoice_id"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`
}
