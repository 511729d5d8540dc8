package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a sellable item or service with a default unit price.
type Product struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	CreatedAt time.Time       `json:"created_at"`
}
