package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// JournalEntry is a balanced set of debit/credit lines recording one
// financial event. Sum of debits must equal sum of credits and be non-zero
// before any line is written.
type JournalEntry struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"user_id"`
	Memo           string          `json:"memo"`
	EntryDate      string          `json:"entry_date"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
	Lines          []JournalLine   `json:"lines,omitempty"`
	Total          decimal.Decimal `json:"total"`
}

// JournalLine carries exactly one of debit/credit non-zero.
type JournalLine struct {
	ID        int64           `json:"id"`
	EntryID   int64           `json:"entry_id"`
	AccountID int64           `json:"account_id"`
	Debit     decimal.Decimal `json:"debit"`
	Credit    decimal.Decimal `json:"credit"`
}
