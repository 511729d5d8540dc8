package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment records money received against an invoice. It always carries a
// journal entry (Dr Cash / Cr Accounts Receivable).
type Payment struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"user_id"`
	InvoiceID      int64           `json:"invoice_id"`
	Amount         decimal.Decimal `json:"amount"`
	PaymentDate    string          `json:"payment_date"`
	JournalEntryID int64           `json:"journal_entry_id"`
	CreatedAt      time.Time       `json:"created_at"`
}
