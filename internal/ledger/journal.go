package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// entryLine is one debit or credit leg of a journal entry under construction.
type entryLine struct {
	AccountID int64
	Debit     decimal.Decimal
	Credit    decimal.Decimal
}

func debit(accountID int64, amount decimal.Decimal) entryLine {
	return entryLine{AccountID: accountID, Debit: amount}
}

func credit(accountID int64, amount decimal.Decimal) entryLine {
	return entryLine{AccountID: accountID, Credit: amount}
}

// validateEntry enforces the balance invariant before any line is written:
// every line carries exactly one non-zero side, sum(debit) == sum(credit),
// and the sum is strictly positive.
func validateEntry(lines []entryLine) error {
	if len(lines) < 2 {
		return &ConflictError{Reason: "journal entry needs at least two lines"}
	}
	debits := decimal.Zero
	credits := decimal.Zero
	for _, l := range lines {
		if l.Debit.IsNegative() || l.Credit.IsNegative() {
			return &ConflictError{Reason: "journal line amounts cannot be negative"}
		}
		dz, cz := l.Debit.IsZero(), l.Credit.IsZero()
		if dz == cz {
			return &ConflictError{Reason: "journal line must carry exactly one of debit or credit"}
		}
		debits = debits.Add(l.Debit)
		credits = credits.Add(l.Credit)
	}
	if !debits.Equal(credits) {
		return &ConflictError{Reason: fmt.Sprintf("journal entry does not balance: debits %s != credits %s",
			debits.String(), credits.String())}
	}
	if !debits.IsPositive() {
		return &ConflictError{Reason: "journal entry total must be greater than zero"}
	}
	return nil
}

// insertEntry validates and writes a journal entry with its lines inside the
// caller's transaction, returning the new entry id.
func insertEntry(ctx context.Context, tx *sql.Tx, userID int64, memo, entryDate, idemKey string, lines []entryLine) (int64, error) {
	if err := validateEntry(lines); err != nil {
		return 0, err
	}
	// empty keys go in as NULL so the unique index never trips on them
	res, err := tx.ExecContext(ctx,
		`INSERT INTO journal_entries (user_id, memo, entry_date, idempotency_key, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		userID, memo, entryDate, sql.NullString{String: idemKey, Valid: idemKey != ""}, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert journal entry: %w", err)
	}
	entryID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("journal entry id: %w", err)
	}
	for _, l := range lines {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO journal_lines (entry_id, account_id, debit, credit) VALUES (?, ?, ?, ?)`,
			entryID, l.AccountID, l.Debit.String(), l.Credit.String(),
		); err != nil {
			return 0, fmt.Errorf("insert journal line: %w", err)
		}
	}
	return entryID, nil
}
