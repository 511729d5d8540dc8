package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType is the fundamental accounting classification of an account.
type AccountType string

const (
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountEquity    AccountType = "equity"
	AccountIncome    AccountType = "income"
	AccountExpense   AccountType = "expense"
)

// Well-known account codes seeded for every user. The posting engine resolves
// accounts by code, never by display name.
const (
	AccountCodeCash       = "1000"
	AccountCodeReceivable = "1100"
	AccountCodeTaxPayable = "2100"
	AccountCodeRevenue    = "4000"
)

// Account is one row of the user's chart of accounts.
type Account struct {
	ID        int64       `json:"id"`
	UserID    int64       `json:"user_id"`
	Code      string      `json:"code"`
	Name      string      `json:"name"`
	Type      AccountType `json:"type"`
	CreatedAt time.Time   `json:"created_at"`
}

// AccountBalance pairs an account with its running balance.
type AccountBalance struct {
	Account Account         `json:"account"`
	Balance decimal.Decimal `json:"balance"`
}
