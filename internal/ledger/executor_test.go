package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgerchat/internal/config"
	"ledgerchat/internal/engine/action"
	"ledgerchat/internal/models"
	"ledgerchat/internal/service/books"
	"ledgerchat/internal/storage"
)

func openTestExecutor(t *testing.T) (*Executor, *books.Service, *sql.DB, int64) {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	b, err := books.NewService(db)
	if err != nil {
		t.Fatalf("books service: %v", err)
	}
	user, err := b.RegisterUser(context.Background(), "owner", "password123")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := b.CreateCustomer(context.Background(), user.ID, "John", "john@example.com"); err != nil {
		t.Fatalf("create customer: %v", err)
	}
	return NewExecutor(b, nil), b, db, user.ID
}

func invoiceRequest() map[string]interface{} {
	return map[string]interface{}{
		"customer_name": "John",
		"line_items": []interface{}{
			map[string]interface{}{"description": "consulting", "quantity": 2, "unit_price": 250},
		},
		"invoice_date": "2026-08-30",
		"due_date":     "2026-09-29",
	}
}

func TestCreateInvoicePostsBalancedEntry(t *testing.T) {
	exec, b, db, userID := openTestExecutor(t)
	ctx := context.Background()

	req := invoiceRequest()
	req["tax_rate"] = 0.1
	res, err := exec.Execute(ctx, userID, action.CreateInvoice, req, uuid.NewString())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	invoice := res.Data.(*models.Invoice)
	if invoice.Subtotal.StringFixed(2) != "500.00" || invoice.TaxTotal.StringFixed(2) != "50.00" || invoice.Total.StringFixed(2) != "550.00" {
		t.Fatalf("totals = %s/%s/%s", invoice.Subtotal, invoice.TaxTotal, invoice.Total)
	}
	if invoice.JournalEntryID == 0 {
		t.Fatalf("invoice not linked to journal entry")
	}

	rows, err := db.Query(`SELECT debit, credit FROM journal_lines WHERE entry_id = ?`, invoice.JournalEntryID)
	if err != nil {
		t.Fatalf("query lines: %v", err)
	}
	defer rows.Close()
	debits, credits := decimal.Zero, decimal.Zero
	lineCount := 0
	for rows.Next() {
		var d, c string
		if err := rows.Scan(&d, &c); err != nil {
			t.Fatalf("scan: %v", err)
		}
		dd, _ := decimal.NewFromString(d)
		cc, _ := decimal.NewFromString(c)
		if dd.IsZero() == cc.IsZero() {
			t.Fatalf("line must carry exactly one side: %s/%s", d, c)
		}
		debits = debits.Add(dd)
		credits = credits.Add(cc)
		lineCount++
	}
	if lineCount != 3 {
		t.Fatalf("expected 3 lines, got %d", lineCount)
	}
	if !debits.Equal(credits) || !debits.IsPositive() {
		t.Fatalf("entry unbalanced: debits %s credits %s", debits, credits)
	}

	receivable, _ := b.AccountByCode(ctx, userID, models.AccountCodeReceivable)
	var arDebit string
	if err := db.QueryRow(`SELECT debit FROM journal_lines WHERE entry_id = ? AND account_id = ?`,
		invoice.JournalEntryID, receivable.ID).Scan(&arDebit); err != nil {
		t.Fatalf("receivable line: %v", err)
	}
	if got, _ := decimal.NewFromString(arDebit); !got.Equal(decimal.NewFromInt(550)) {
		t.Fatalf("receivable debit = %s", arDebit)
	}
}

func TestCreateInvoiceRejectsUnknownCustomer(t *testing.T) {
	exec, _, db, userID := openTestExecutor(t)
	req := invoiceRequest()
	req["customer_name"] = "Nobody"
	_, err := exec.Execute(context.Background(), userID, action.CreateInvoice, req, uuid.NewString())
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "customer_name" {
		t.Fatalf("expected customer_name validation error, got %v", err)
	}
	var invoices, entries int
	db.QueryRow(`SELECT COUNT(*) FROM invoices`).Scan(&invoices)
	db.QueryRow(`SELECT COUNT(*) FROM journal_entries`).Scan(&entries)
	if invoices != 0 || entries != 0 {
		t.Fatalf("failed create left rows behind: %d invoices, %d entries", invoices, entries)
	}
}

func TestCreateInvoiceMissingFieldNamed(t *testing.T) {
	exec, _, _, userID := openTestExecutor(t)
	req := invoiceRequest()
	delete(req, "invoice_date")
	_, err := exec.Execute(context.Background(), userID, action.CreateInvoice, req, uuid.NewString())
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "invoice_date" {
		t.Fatalf("expected invoice_date validation error, got %v", err)
	}
}

func TestCreateInvoiceIdempotencyKeyBlocksReplay(t *testing.T) {
	exec, _, db, userID := openTestExecutor(t)
	ctx := context.Background()
	key := uuid.NewString()

	if _, err := exec.Execute(ctx, userID, action.CreateInvoice, invoiceRequest(), key); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	_, err := exec.Execute(ctx, userID, action.CreateInvoice, invoiceRequest(), key)
	var cfe *ConflictError
	if !errors.As(err, &cfe) {
		t.Fatalf("expected conflict on replayed key, got %v", err)
	}
	var invoices int
	db.QueryRow(`SELECT COUNT(*) FROM invoices`).Scan(&invoices)
	if invoices != 1 {
		t.Fatalf("replay posted again: %d invoices", invoices)
	}
}

func TestCreateInvoiceNumbersFollowHighestOnRecord(t *testing.T) {
	exec, b, db, userID := openTestExecutor(t)
	ctx := context.Background()

	if _, err := exec.Execute(ctx, userID, action.CreateInvoice, invoiceRequest(), uuid.NewString()); err != nil {
		t.Fatalf("first execute: %v", err)
	}

	// a gap in the sequence: the stored maximum is ahead of the row count
	customer, err := b.CustomerByName(ctx, userID, "John")
	if err != nil {
		t.Fatalf("load customer: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO invoices (user_id, number, customer_id, status, invoice_date, due_date,
		        subtotal, tax_total, total, amount_paid, notes, created_at, updated_at)
		 VALUES (?, 'INV-0003', ?, 'draft', '2026-08-30', '2026-09-29', '100', '0', '100', '0', '',
		        '2026-08-30', '2026-08-30')`,
		userID, customer.ID); err != nil {
		t.Fatalf("seed gap: %v", err)
	}

	res, err := exec.Execute(ctx, userID, action.CreateInvoice, invoiceRequest(), uuid.NewString())
	if err != nil {
		t.Fatalf("execute after gap: %v", err)
	}
	invoice := res.Data.(*models.Invoice)
	if invoice.Number != "INV-0004" {
		t.Fatalf("number = %s, want INV-0004", invoice.Number)
	}
}

func TestEmptyIdempotencyKeysDoNotCollide(t *testing.T) {
	exec, _, db, userID := openTestExecutor(t)
	ctx := context.Background()

	if _, err := exec.Execute(ctx, userID, action.CreateInvoice, invoiceRequest(), ""); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if _, err := exec.Execute(ctx, userID, action.CreateInvoice, invoiceRequest(), ""); err != nil {
		t.Fatalf("second keyless execute: %v", err)
	}
	var invoices int
	db.QueryRow(`SELECT COUNT(*) FROM invoices`).Scan(&invoices)
	if invoices != 2 {
		t.Fatalf("expected 2 invoices, got %d", invoices)
	}
}

func TestRecordPaymentSettlesInvoice(t *testing.T) {
	exec, b, db, userID := openTestExecutor(t)
	ctx := context.Background()

	res, err := exec.Execute(ctx, userID, action.CreateInvoice, invoiceRequest(), uuid.NewString())
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	invoice := res.Data.(*models.Invoice)

	_, err = exec.Execute(ctx, userID, action.RecordPayment, map[string]interface{}{
		"invoice_number": invoice.Number,
		"amount":         200,
		"payment_date":   "2026-09-05",
	}, uuid.NewString())
	if err != nil {
		t.Fatalf("partial payment: %v", err)
	}
	partial, _ := b.InvoiceByNumber(ctx, userID, invoice.Number)
	if partial.AmountPaid.StringFixed(2) != "200.00" || partial.Status == models.InvoiceStatusPaid {
		t.Fatalf("after partial: paid=%s status=%s", partial.AmountPaid, partial.Status)
	}

	_, err = exec.Execute(ctx, userID, action.RecordPayment, map[string]interface{}{
		"invoice_number": invoice.Number,
		"amount":         "$300.00",
		"payment_date":   "2026-09-10",
	}, uuid.NewString())
	if err != nil {
		t.Fatalf("final payment: %v", err)
	}
	settled, _ := b.InvoiceByNumber(ctx, userID, invoice.Number)
	if settled.Status != models.InvoiceStatusPaid {
		t.Fatalf("status = %s, want paid", settled.Status)
	}

	var entries int
	db.QueryRow(`SELECT COUNT(*) FROM journal_entries WHERE user_id = ?`, userID).Scan(&entries)
	if entries != 3 {
		t.Fatalf("expected invoice + 2 payment entries, got %d", entries)
	}
}

func TestRecordPaymentRejectsOverpayment(t *testing.T) {
	exec, _, _, userID := openTestExecutor(t)
	ctx := context.Background()
	res, err := exec.Execute(ctx, userID, action.CreateInvoice, invoiceRequest(), uuid.NewString())
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	invoice := res.Data.(*models.Invoice)

	_, err = exec.Execute(ctx, userID, action.RecordPayment, map[string]interface{}{
		"invoice_number": invoice.Number,
		"amount":         9999,
		"payment_date":   "2026-09-05",
	}, uuid.NewString())
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "amount" {
		t.Fatalf("expected amount validation error, got %v", err)
	}
}

func TestSendInvoiceIsIdempotentStatusChange(t *testing.T) {
	exec, _, db, userID := openTestExecutor(t)
	ctx := context.Background()
	res, err := exec.Execute(ctx, userID, action.CreateInvoice, invoiceRequest(), uuid.NewString())
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	invoice := res.Data.(*models.Invoice)
	var entriesBefore int
	db.QueryRow(`SELECT COUNT(*) FROM journal_entries`).Scan(&entriesBefore)

	sendReq := map[string]interface{}{"invoice_number": invoice.Number}
	if _, err := exec.Execute(ctx, userID, action.SendInvoice, sendReq, uuid.NewString()); err != nil {
		t.Fatalf("send: %v", err)
	}
	res, err = exec.Execute(ctx, userID, action.SendInvoice, sendReq, uuid.NewString())
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if res.Data.(*models.Invoice).Status != models.InvoiceStatusSent {
		t.Fatalf("status lost on resend")
	}
	var entriesAfter int
	db.QueryRow(`SELECT COUNT(*) FROM journal_entries`).Scan(&entriesAfter)
	if entriesAfter != entriesBefore {
		t.Fatalf("send posted to the ledger")
	}
}

func TestEditInvoiceProtectsPostedAmounts(t *testing.T) {
	exec, b, _, userID := openTestExecutor(t)
	ctx := context.Background()
	res, err := exec.Execute(ctx, userID, action.CreateInvoice, invoiceRequest(), uuid.NewString())
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	invoice := res.Data.(*models.Invoice)

	if _, err := exec.Execute(ctx, userID, action.EditInvoice, map[string]interface{}{
		"invoice_number": invoice.Number,
		"changes":        map[string]interface{}{"due_date": "2026-12-31", "notes": "extended terms"},
	}, uuid.NewString()); err != nil {
		t.Fatalf("edit schedule fields: %v", err)
	}
	edited, _ := b.InvoiceByNumber(ctx, userID, invoice.Number)
	if edited.DueDate != "2026-12-31" || edited.Notes != "extended terms" {
		t.Fatalf("edit not applied: %+v", edited)
	}

	_, err = exec.Execute(ctx, userID, action.EditInvoice, map[string]interface{}{
		"invoice_number": invoice.Number,
		"changes":        map[string]interface{}{"tax_rate": 0.2},
	}, uuid.NewString())
	var cfe *ConflictError
	if !errors.As(err, &cfe) {
		t.Fatalf("expected conflict editing posted amounts, got %v", err)
	}
}

func TestGetInvoiceNotFound(t *testing.T) {
	exec, _, _, userID := openTestExecutor(t)
	_, err := exec.Execute(context.Background(), userID, action.GetInvoice,
		map[string]interface{}{"invoice_number": "INV-9999"}, uuid.NewString())
	var nfe *NotFoundError
	if !errors.As(err, &nfe) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestValidateEntryRejectsImbalance(t *testing.T) {
	lines := []entryLine{debit(1, decimal.NewFromInt(100)), credit(2, decimal.NewFromInt(90))}
	var cfe *ConflictError
	if err := validateEntry(lines); !errors.As(err, &cfe) {
		t.Fatalf("imbalanced entry accepted: %v", err)
	}

	zero := []entryLine{debit(1, decimal.Zero), credit(2, decimal.Zero)}
	if err := validateEntry(zero); !errors.As(err, &cfe) {
		t.Fatalf("zero entry accepted: %v", err)
	}

	both := []entryLine{{AccountID: 1, Debit: decimal.NewFromInt(10), Credit: decimal.NewFromInt(10)},
		credit(2, decimal.Zero)}
	if err := validateEntry(both); !errors.As(err, &cfe) {
		t.Fatalf("two-sided line accepted: %v", err)
	}
}
