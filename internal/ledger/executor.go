package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledgerchat/internal/engine/action"
	"ledgerchat/internal/models"
	"ledgerchat/internal/service/books"
)

// Executor performs fully-specified actions against the books. Money-moving
// actions commit the business record and its balanced journal entry as one
// transaction; on any failure nothing is written.
type Executor struct {
	books      *books.Service
	db         *sql.DB
	invalidate func(userID int64)
}

// Result carries the user-facing response line and the record(s) produced.
type Result struct {
	Response string
	Data     interface{}
}

// NewExecutor builds an executor. invalidate, when non-nil, is called after
// any successful write so cached reference snapshots are refreshed.
func NewExecutor(b *books.Service, invalidate func(userID int64)) *Executor {
	return &Executor{books: b, db: b.DB(), invalidate: invalidate}
}

// Execute runs one action for the user. idemKey stamps the journal entry of
// money-moving actions so a replayed confirm cannot post twice.
func (e *Executor) Execute(ctx context.Context, userID int64, kind action.Kind, data map[string]interface{}, idemKey string) (*Result, error) {
	if userID <= 0 {
		return nil, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	if missing := action.Missing(kind, data); len(missing) > 0 {
		return nil, &ValidationError{Field: missing[0], Reason: "is required"}
	}

	var (
		res *Result
		err error
	)
	switch kind {
	case action.CreateInvoice:
		res, err = e.createInvoice(ctx, userID, data, idemKey)
	case action.EditInvoice:
		res, err = e.editInvoice(ctx, userID, data)
	case action.SendInvoice:
		res, err = e.sendInvoice(ctx, userID, data)
	case action.ListInvoices:
		res, err = e.listInvoices(ctx, userID, data)
	case action.GetInvoice:
		res, err = e.getInvoice(ctx, userID, data)
	case action.RecordPayment:
		res, err = e.recordPayment(ctx, userID, data, idemKey)
	case action.CreateCustomer:
		res, err = e.createCustomer(ctx, userID, data)
	case action.ListCustomers:
		res, err = e.listCustomers(ctx, userID)
	case action.ListProducts:
		res, err = e.listProducts(ctx, userID)
	default:
		return nil, &ValidationError{Field: "action", Reason: fmt.Sprintf("unsupported action %q", kind)}
	}
	if err != nil {
		return nil, err
	}

	if schema, ok := action.SchemaFor(kind); ok && schema.Effect != action.EffectQuery && e.invalidate != nil {
		e.invalidate(userID)
	}
	return res, nil
}

func (e *Executor) createInvoice(ctx context.Context, userID int64, data map[string]interface{}, idemKey string) (*Result, error) {
	customerName, err := requireString(data, "customer_name")
	if err != nil {
		return nil, err
	}
	customer, err := e.books.CustomerByName(ctx, userID, customerName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ValidationError{Field: "customer_name",
				Reason: fmt.Sprintf("no customer named %q in your records", customerName)}
		}
		return nil, fmt.Errorf("resolve customer: %w", err)
	}

	items, err := lineItems(data)
	if err != nil {
		return nil, err
	}
	invoiceDate, err := requireString(data, "invoice_date")
	if err != nil {
		return nil, err
	}
	dueDate, err := requireString(data, "due_date")
	if err != nil {
		return nil, err
	}

	subtotal := decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.Quantity.Mul(it.UnitPrice))
	}
	taxRate := decimal.Zero
	if _, ok := data["tax_rate"]; ok {
		if taxRate, err = decimalField(data, "tax_rate"); err != nil {
			return nil, err
		}
		if taxRate.IsNegative() || taxRate.GreaterThan(decimal.NewFromInt(1)) {
			return nil, &ValidationError{Field: "tax_rate", Reason: "must be a fraction between 0 and 1"}
		}
	}
	taxTotal := subtotal.Mul(taxRate).Round(2)
	total := subtotal.Add(taxTotal)
	if !total.IsPositive() {
		return nil, &ValidationError{Field: "line_items", Reason: "invoice total must be greater than zero"}
	}

	receivable, err := e.books.AccountByCode(ctx, userID, models.AccountCodeReceivable)
	if err != nil {
		return nil, fmt.Errorf("resolve receivable account: %w", err)
	}
	revenue, err := e.books.AccountByCode(ctx, userID, models.AccountCodeRevenue)
	if err != nil {
		return nil, fmt.Errorf("resolve revenue account: %w", err)
	}
	lines := []entryLine{debit(receivable.ID, total), credit(revenue.ID, subtotal)}
	if taxTotal.IsPositive() {
		taxAccount, err := e.books.AccountByCode(ctx, userID, models.AccountCodeTaxPayable)
		if err != nil {
			return nil, fmt.Errorf("resolve tax account: %w", err)
		}
		lines = append(lines, credit(taxAccount.ID, taxTotal))
	}

	posting := invoicePosting{
		customer:    customer,
		items:       items,
		invoiceDate: invoiceDate,
		dueDate:     dueDate,
		notes:       stringField(data, "notes"),
		subtotal:    subtotal,
		taxTotal:    taxTotal,
		total:       total,
		lines:       lines,
		idemKey:     idemKey,
	}

	var number string
	for attempt := 1; ; attempt++ {
		number, err = e.postInvoice(ctx, userID, posting)
		if err == nil {
			break
		}
		if !errors.Is(err, errInvoiceNumberTaken) {
			return nil, err
		}
		if attempt >= 3 {
			return nil, &ConflictError{Reason: "could not allocate an invoice number, please try again"}
		}
	}

	invoice, err := e.books.InvoiceByNumber(ctx, userID, number)
	if err != nil {
		return nil, fmt.Errorf("reload invoice: %w", err)
	}
	return &Result{
		Response: fmt.Sprintf("Created invoice %s for %s, total %s.", number, customer.Name, money(total)),
		Data:     invoice,
	}, nil
}

// errInvoiceNumberTaken signals that a concurrent create for the same user won
// the derived invoice number; the caller retries with a fresh derivation.
var errInvoiceNumberTaken = errors.New("invoice number already taken")

type invoicePosting struct {
	customer    *models.Customer
	items       []lineItem
	invoiceDate string
	dueDate     string
	notes       string
	subtotal    decimal.Decimal
	taxTotal    decimal.Decimal
	total       decimal.Decimal
	lines       []entryLine
	idemKey     string
}

// postInvoice commits the invoice, its lines and the balanced journal entry as
// one transaction. The invoice number is derived inside the transaction from
// the highest number on record, so a lost race surfaces as a unique violation
// here rather than a stale count.
func (e *Executor) postInvoice(ctx context.Context, userID int64, p invoicePosting) (string, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	number, err := nextInvoiceNumber(ctx, tx, userID)
	if err != nil {
		return "", err
	}

	memo := fmt.Sprintf("Invoice %s for %s", number, p.customer.Name)
	entryID, err := insertEntry(ctx, tx, userID, memo, p.invoiceDate, p.idemKey, p.lines)
	if err != nil {
		if isDuplicateKey(err) {
			return "", &ConflictError{Reason: "this action was already executed"}
		}
		return "", err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO invoices (user_id, number, customer_id, status, invoice_date, due_date,
		        subtotal, tax_total, total, amount_paid, notes, journal_entry_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '0', ?, ?, ?, ?)`,
		userID, number, p.customer.ID, models.InvoiceStatusDraft, p.invoiceDate, p.dueDate,
		p.subtotal.String(), p.taxTotal.String(), p.total.String(), p.notes, entryID, now, now,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return "", errInvoiceNumberTaken
		}
		return "", fmt.Errorf("insert invoice: %w", err)
	}
	invoiceID, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("invoice id: %w", err)
	}
	for _, it := range p.items {
		amount := it.Quantity.Mul(it.UnitPrice)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO invoice_lines (invoice_id, description, quantity, unit_price, amount) VALUES (?, ?, ?, ?, ?)`,
			invoiceID, it.Description, it.Quantity.String(), it.UnitPrice.String(), amount.String(),
		); err != nil {
			return "", fmt.Errorf("insert invoice line: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit invoice: %w", err)
	}
	return number, nil
}

// nextInvoiceNumber derives the next sequential reference (INV-0001...) from
// the lexicographic maximum, which for zero-padded numbers is the latest one.
func nextInvoiceNumber(ctx context.Context, tx *sql.Tx, userID int64) (string, error) {
	var last string
	err := tx.QueryRowContext(ctx,
		`SELECT number FROM invoices WHERE user_id = ? ORDER BY number DESC LIMIT 1`, userID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return "INV-0001", nil
	}
	if err != nil {
		return "", fmt.Errorf("last invoice number: %w", err)
	}
	var seq int64
	if _, err := fmt.Sscanf(last, "INV-%d", &seq); err != nil {
		return "", fmt.Errorf("parse invoice number %q: %w", last, err)
	}
	return fmt.Sprintf("INV-%04d", seq+1), nil
}

func (e *Executor) recordPayment(ctx context.Context, userID int64, data map[string]interface{}, idemKey string) (*Result, error) {
	number, err := requireString(data, "invoice_number")
	if err != nil {
		return nil, err
	}
	invoice, err := e.books.InvoiceByNumber(ctx, userID, number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Entity: "invoice", Ref: number}
		}
		return nil, fmt.Errorf("load invoice: %w", err)
	}
	amount, err := decimalField(data, "amount")
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	outstanding := invoice.Total.Sub(invoice.AmountPaid)
	if amount.GreaterThan(outstanding) {
		return nil, &ValidationError{Field: "amount",
			Reason: fmt.Sprintf("exceeds the outstanding balance of %s", money(outstanding))}
	}
	paymentDate, err := requireString(data, "payment_date")
	if err != nil {
		return nil, err
	}

	cash, err := e.books.AccountByCode(ctx, userID, models.AccountCodeCash)
	if err != nil {
		return nil, fmt.Errorf("resolve cash account: %w", err)
	}
	receivable, err := e.books.AccountByCode(ctx, userID, models.AccountCodeReceivable)
	if err != nil {
		return nil, fmt.Errorf("resolve receivable account: %w", err)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	memo := fmt.Sprintf("Payment on %s", invoice.Number)
	entryID, err := insertEntry(ctx, tx, userID, memo, paymentDate, idemKey,
		[]entryLine{debit(cash.ID, amount), credit(receivable.ID, amount)})
	if err != nil {
		if isDuplicateKey(err) {
			return nil, &ConflictError{Reason: "this action was already executed"}
		}
		return nil, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO payments (user_id, invoice_id, amount, payment_date, journal_entry_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, invoice.ID, amount.String(), paymentDate, entryID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	paymentID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("payment id: %w", err)
	}

	newPaid := invoice.AmountPaid.Add(amount)
	status := invoice.Status
	if newPaid.GreaterThanOrEqual(invoice.Total) {
		status = models.InvoiceStatusPaid
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE invoices SET amount_paid = ?, status = ?, updated_at = ? WHERE id = ?`,
		newPaid.String(), status, now, invoice.ID,
	); err != nil {
		return nil, fmt.Errorf("update invoice: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit payment: %w", err)
	}

	payment := &models.Payment{
		ID: paymentID, UserID: userID, InvoiceID: invoice.ID,
		Amount: amount, PaymentDate: paymentDate, JournalEntryID: entryID, CreatedAt: now,
	}
	return &Result{
		Response: fmt.Sprintf("Recorded a %s payment on %s.", money(amount), invoice.Number),
		Data:     payment,
	}, nil
}

func (e *Executor) sendInvoice(ctx context.Context, userID int64, data map[string]interface{}) (*Result, error) {
	number, err := requireString(data, "invoice_number")
	if err != nil {
		return nil, err
	}
	invoice, err := e.books.InvoiceByNumber(ctx, userID, number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Entity: "invoice", Ref: number}
		}
		return nil, fmt.Errorf("load invoice: %w", err)
	}
	switch invoice.Status {
	case models.InvoiceStatusPaid:
		return nil, &ConflictError{Reason: fmt.Sprintf("invoice %s is already paid", invoice.Number)}
	case models.InvoiceStatusVoid:
		return nil, &ConflictError{Reason: fmt.Sprintf("invoice %s is void", invoice.Number)}
	case models.InvoiceStatusSent:
		return &Result{
			Response: fmt.Sprintf("Invoice %s was already sent.", invoice.Number),
			Data:     invoice,
		}, nil
	}
	if _, err := e.db.ExecContext(ctx,
		`UPDATE invoices SET status = ?, updated_at = ? WHERE id = ?`,
		models.InvoiceStatusSent, time.Now().UTC(), invoice.ID,
	); err != nil {
		return nil, fmt.Errorf("update invoice status: %w", err)
	}
	invoice.Status = models.InvoiceStatusSent
	return &Result{
		Response: fmt.Sprintf("Invoice %s marked as sent.", invoice.Number),
		Data:     invoice,
	}, nil
}

// editInvoice updates schedule and note fields of an existing invoice.
// Amount-bearing fields are immutable once the entry is posted; changing them
// would require a reversing entry, which is not modeled here.
func (e *Executor) editInvoice(ctx context.Context, userID int64, data map[string]interface{}) (*Result, error) {
	number, err := requireString(data, "invoice_number")
	if err != nil {
		return nil, err
	}
	invoice, err := e.books.InvoiceByNumber(ctx, userID, number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Entity: "invoice", Ref: number}
		}
		return nil, fmt.Errorf("load invoice: %w", err)
	}

	changes, ok := data["changes"].(map[string]interface{})
	if !ok || len(changes) == 0 {
		return nil, &ValidationError{Field: "changes", Reason: "nothing to change"}
	}

	sets := make([]string, 0, len(changes))
	args := make([]interface{}, 0, len(changes)+2)
	var applied []string
	for key, raw := range changes {
		switch key {
		case "invoice_date", "due_date", "notes":
			val, err := toStringValue(raw)
			if err != nil {
				return nil, &ValidationError{Field: key, Reason: "must be text"}
			}
			sets = append(sets, key+" = ?")
			args = append(args, val)
			applied = append(applied, key)
		case "line_items", "tax_rate", "customer_name", "amount", "total":
			return nil, &ConflictError{Reason: fmt.Sprintf(
				"invoice %s is posted; %s cannot be edited", invoice.Number, key)}
		default:
			return nil, &ValidationError{Field: key, Reason: "is not an editable invoice field"}
		}
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), invoice.ID)
	if _, err := e.db.ExecContext(ctx,
		`UPDATE invoices SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...,
	); err != nil {
		return nil, fmt.Errorf("update invoice: %w", err)
	}

	invoice, err = e.books.InvoiceByNumber(ctx, userID, number)
	if err != nil {
		return nil, fmt.Errorf("reload invoice: %w", err)
	}
	return &Result{
		Response: fmt.Sprintf("Updated %s on invoice %s.", strings.Join(applied, ", "), invoice.Number),
		Data:     invoice,
	}, nil
}

func (e *Executor) getInvoice(ctx context.Context, userID int64, data map[string]interface{}) (*Result, error) {
	number, err := requireString(data, "invoice_number")
	if err != nil {
		return nil, err
	}
	invoice, err := e.books.InvoiceByNumber(ctx, userID, number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Entity: "invoice", Ref: number}
		}
		return nil, fmt.Errorf("load invoice: %w", err)
	}
	return &Result{
		Response: fmt.Sprintf("Invoice %s for %s: %s, total %s.",
			invoice.Number, invoice.CustomerName, invoice.Status, money(invoice.Total)),
		Data: invoice,
	}, nil
}

func (e *Executor) listInvoices(ctx context.Context, userID int64, data map[string]interface{}) (*Result, error) {
	status := stringField(data, "status")
	customer := stringField(data, "customer_name")
	invoices, err := e.books.ListInvoices(ctx, userID, status, customer)
	if err != nil {
		return nil, err
	}
	if len(invoices) == 0 {
		return &Result{Response: "No invoices match.", Data: []models.Invoice{}}, nil
	}
	return &Result{
		Response: fmt.Sprintf("Found %d invoice(s).", len(invoices)),
		Data:     invoices,
	}, nil
}

func (e *Executor) createCustomer(ctx context.Context, userID int64, data map[string]interface{}) (*Result, error) {
	name, err := requireString(data, "name")
	if err != nil {
		return nil, err
	}
	if existing, err := e.books.CustomerByName(ctx, userID, name); err == nil && existing != nil {
		return nil, &ValidationError{Field: "name", Reason: fmt.Sprintf("customer %q already exists", existing.Name)}
	}
	customer, err := e.books.CreateCustomer(ctx, userID, name, stringField(data, "email"))
	if err != nil {
		return nil, err
	}
	return &Result{
		Response: fmt.Sprintf("Added customer %s.", customer.Name),
		Data:     customer,
	}, nil
}

func (e *Executor) listCustomers(ctx context.Context, userID int64) (*Result, error) {
	customers, err := e.books.ListCustomers(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	if customers == nil {
		customers = []models.Customer{}
	}
	return &Result{
		Response: fmt.Sprintf("You have %d customer(s).", len(customers)),
		Data:     customers,
	}, nil
}

func (e *Executor) listProducts(ctx context.Context, userID int64) (*Result, error) {
	products, err := e.books.ListProducts(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	if products == nil {
		products = []models.Product{}
	}
	return &Result{
		Response: fmt.Sprintf("You have %d product(s).", len(products)),
		Data:     products,
	}, nil
}

func money(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}

func toStringValue(v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("not a string")
	}
	return strings.TrimSpace(s), nil
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
