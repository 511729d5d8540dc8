package books

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledgerchat/internal/models"
)

// CreateCustomer inserts a customer for the user and returns the record.
func (s *Service) CreateCustomer(ctx context.Context, userID int64, name, email string) (*models.Customer, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("customer name is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO customers (user_id, name, email, created_at) VALUES (?, ?, ?, ?)`,
		userID, name, strings.TrimSpace(email), now,
	)
	if err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("customer id: %w", err)
	}
	return &models.Customer{ID: id, UserID: userID, Name: name, Email: email, CreatedAt: now}, nil
}

// CustomerByName resolves a customer by case-insensitive exact name.
func (s *Service) CustomerByName(ctx context.Context, userID int64, name string) (*models.Customer, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, sql.ErrNoRows
	}
	var c models.Customer
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, email, created_at FROM customers
		 WHERE user_id = ? AND LOWER(name) = LOWER(?) LIMIT 1`,
		userID, name,
	).Scan(&c.ID, &c.UserID, &c.Name, &c.Email, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CustomerByID resolves a customer and verifies ownership.
func (s *Service) CustomerByID(ctx context.Context, userID, customerID int64) (*models.Customer, error) {
	var c models.Customer
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, email, created_at FROM customers WHERE id = ? AND user_id = ?`,
		customerID, userID,
	).Scan(&c.ID, &c.UserID, &c.Name, &c.Email, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCustomers returns up to limit customers for the user, oldest first.
// limit <= 0 means no bound.
func (s *Service) ListCustomers(ctx context.Context, userID int64, limit int) ([]models.Customer, error) {
	q := `SELECT id, user_id, name, email, created_at FROM customers WHERE user_id = ? ORDER BY id`
	args := []interface{}{userID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	defer rows.Close()

	var customers []models.Customer
	for rows.Next() {
		var c models.Customer
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Email, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

// CreateProduct inserts a product with a default unit price.
func (s *Service) CreateProduct(ctx context.Context, userID int64, name string, unitPrice decimal.Decimal) (*models.Product, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("product name is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO products (user_id, name, unit_price, created_at) VALUES (?, ?, ?, ?)`,
		userID, name, unitPrice.String(), now,
	)
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("product id: %w", err)
	}
	return &models.Product{ID: id, UserID: userID, Name: name, UnitPrice: unitPrice, CreatedAt: now}, nil
}

// ListProducts returns up to limit products for the user, oldest first.
func (s *Service) ListProducts(ctx context.Context, userID int64, limit int) ([]models.Product, error) {
	q := `SELECT id, user_id, name, unit_price, created_at FROM products WHERE user_id = ? ORDER BY id`
	args := []interface{}{userID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		var (
			p   models.Product
			raw string
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &raw, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("product %d unit price: %w", p.ID, err)
		}
		p.UnitPrice = price
		products = append(products, p)
	}
	return products, rows.Err()
}

// ListAccounts returns the user's chart of accounts ordered by code.
func (s *Service) ListAccounts(ctx context.Context, userID int64, limit int) ([]models.Account, error) {
	q := `SELECT id, user_id, code, name, type, created_at FROM accounts WHERE user_id = ? ORDER BY code`
	args := []interface{}{userID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.UserID, &a.Code, &a.Name, &a.Type, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// AccountByCode resolves one account of the user's chart.
func (s *Service) AccountByCode(ctx context.Context, userID int64, code string) (*models.Account, error) {
	var a models.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, code, name, type, created_at FROM accounts WHERE user_id = ? AND code = ?`,
		userID, code,
	).Scan(&a.ID, &a.UserID, &a.Code, &a.Name, &a.Type, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// InvoiceByNumber loads an invoice with its lines, case-insensitive on the
// reference.
func (s *Service) InvoiceByNumber(ctx context.Context, userID int64, number string) (*models.Invoice, error) {
	number = strings.TrimSpace(number)
	var (
		inv                                     models.Invoice
		subtotal, taxTotal, total, paid         string
		journalID                               sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT i.id, i.user_id, i.number, i.customer_id, c.name, i.status, i.invoice_date, i.due_date,
		        i.subtotal, i.tax_total, i.total, i.amount_paid, i.notes, i.journal_entry_id, i.created_at, i.updated_at
		 FROM invoices i JOIN customers c ON c.id = i.customer_id
		 WHERE i.user_id = ? AND UPPER(i.number) = UPPER(?)`,
		userID, number,
	).Scan(&inv.ID, &inv.UserID, &inv.Number, &inv.CustomerID, &inv.CustomerName, &inv.Status,
		&inv.InvoiceDate, &inv.DueDate, &subtotal, &taxTotal, &total, &paid, &inv.Notes,
		&journalID, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if inv.Subtotal, err = decimal.NewFromString(subtotal); err != nil {
		return nil, fmt.Errorf("invoice %s subtotal: %w", inv.Number, err)
	}
	if inv.TaxTotal, err = decimal.NewFromString(taxTotal); err != nil {
		return nil, fmt.Errorf("invoice %s tax total: %w", inv.Number, err)
	}
	if inv.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("invoice %s total: %w", inv.Number, err)
	}
	if inv.AmountPaid, err = decimal.NewFromString(paid); err != nil {
		return nil, fmt.Errorf("invoice %s amount paid: %w", inv.Number, err)
	}
	if journalID.Valid {
		inv.JournalEntryID = journalID.Int64
	}

	lines, err := s.invoiceLines(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	inv.Lines = lines
	return &inv, nil
}

func (s *Service) invoiceLines(ctx context.Context, invoiceID int64) ([]models.InvoiceLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, invoice_id, description, quantity, unit_price, amount
		 FROM invoice_lines WHERE invoice_id = ? ORDER BY id`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list invoice lines: %w", err)
	}
	defer rows.Close()

	var lines []models.InvoiceLine
	for rows.Next() {
		var (
			l                 models.InvoiceLine
			qty, price, total string
		)
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.Description, &qty, &price, &total); err != nil {
			return nil, fmt.Errorf("scan invoice line: %w", err)
		}
		if l.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("line %d quantity: %w", l.ID, err)
		}
		if l.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("line %d unit price: %w", l.ID, err)
		}
		if l.Amount, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("line %d amount: %w", l.ID, err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// ListInvoices returns invoices newest first, optionally filtered by status
// and/or customer name.
func (s *Service) ListInvoices(ctx context.Context, userID int64, status, customerName string) ([]models.Invoice, error) {
	q := `SELECT i.id, i.user_id, i.number, i.customer_id, c.name, i.status, i.invoice_date, i.due_date,
	             i.subtotal, i.tax_total, i.total, i.amount_paid, i.created_at, i.updated_at
	      FROM invoices i JOIN customers c ON c.id = i.customer_id
	      WHERE i.user_id = ?`
	args := []interface{}{userID}
	if status = strings.TrimSpace(status); status != "" {
		q += ` AND i.status = ?`
		args = append(args, strings.ToLower(status))
	}
	if customerName = strings.TrimSpace(customerName); customerName != "" {
		q += ` AND LOWER(c.name) = LOWER(?)`
		args = append(args, customerName)
	}
	q += ` ORDER BY i.id DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []models.Invoice
	for rows.Next() {
		var (
			inv                             models.Invoice
			subtotal, taxTotal, total, paid string
		)
		if err := rows.Scan(&inv.ID, &inv.UserID, &inv.Number, &inv.CustomerID, &inv.CustomerName,
			&inv.Status, &inv.InvoiceDate, &inv.DueDate, &subtotal, &taxTotal, &total, &paid,
			&inv.CreatedAt, &inv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		if inv.Subtotal, err = decimal.NewFromString(subtotal); err != nil {
			return nil, fmt.Errorf("invoice %s subtotal: %w", inv.Number, err)
		}
		if inv.TaxTotal, err = decimal.NewFromString(taxTotal); err != nil {
			return nil, fmt.Errorf("invoice %s tax total: %w", inv.Number, err)
		}
		if inv.Total, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("invoice %s total: %w", inv.Number, err)
		}
		if inv.AmountPaid, err = decimal.NewFromString(paid); err != nil {
			return nil, fmt.Errorf("invoice %s amount paid: %w", inv.Number, err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// JournalEntryByID loads one journal entry with its lines, scoped to the user.
func (s *Service) JournalEntryByID(ctx context.Context, userID, entryID int64) (*models.JournalEntry, error) {
	var e models.JournalEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, memo, entry_date, COALESCE(idempotency_key, ''), created_at
		 FROM journal_entries WHERE id = ? AND user_id = ?`,
		entryID, userID,
	).Scan(&e.ID, &e.UserID, &e.Memo, &e.EntryDate, &e.IdempotencyKey, &e.CreatedAt)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entry_id, account_id, debit, credit FROM journal_lines WHERE entry_id = ? ORDER BY id`,
		entryID)
	if err != nil {
		return nil, fmt.Errorf("list journal lines: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var (
			l             models.JournalLine
			debit, credit string
		)
		if err := rows.Scan(&l.ID, &l.EntryID, &l.AccountID, &debit, &credit); err != nil {
			return nil, fmt.Errorf("scan journal line: %w", err)
		}
		if l.Debit, err = decimal.NewFromString(debit); err != nil {
			return nil, fmt.Errorf("journal line %d debit: %w", l.ID, err)
		}
		if l.Credit, err = decimal.NewFromString(credit); err != nil {
			return nil, fmt.Errorf("journal line %d credit: %w", l.ID, err)
		}
		total = total.Add(l.Debit)
		e.Lines = append(e.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	e.Total = total
	return &e, nil
}

// ListJournalEntries returns the user's journal entries newest first.
func (s *Service) ListJournalEntries(ctx context.Context, userID int64) ([]models.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, memo, entry_date, COALESCE(idempotency_key, ''), created_at
		 FROM journal_entries WHERE user_id = ? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list journal entries: %w", err)
	}
	defer rows.Close()

	var entries []models.JournalEntry
	for rows.Next() {
		var e models.JournalEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Memo, &e.EntryDate, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
