package engine

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"ledgerchat/internal/config"
	"ledgerchat/internal/engine/action"
	"ledgerchat/internal/ledger"
	"ledgerchat/internal/models"
	"ledgerchat/internal/service/books"
	"ledgerchat/internal/storage"
)

type scriptedOracle struct {
	replies []string
	calls   int
}

func (o *scriptedOracle) Generate(_ context.Context, _ []*schema.Message) (*schema.Message, error) {
	if o.calls >= len(o.replies) {
		return nil, errors.New("no scripted reply left")
	}
	reply := o.replies[o.calls]
	o.calls++
	return schema.AssistantMessage(reply, nil), nil
}

type failingOracle struct{}

func (failingOracle) Generate(context.Context, []*schema.Message) (*schema.Message, error) {
	return nil, errors.New("429 rate limited")
}

type testEnv struct {
	engine *Engine
	books  *books.Service
	db     *sql.DB
	userID int64
}

func newTestEnv(t *testing.T, oracle Oracle) *testEnv {
	t.Helper()
	cfg := &config.Config{
		BasicConfig: config.BasicConfig{
			HistoryWindow: 10,
			SnapshotLimit: 25,
			ModelTimeout:  5,
		},
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// a single connection keeps every query on the same in-memory database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	b, err := books.NewService(db)
	if err != nil {
		t.Fatalf("new books service: %v", err)
	}
	ctx := context.Background()
	user, err := b.RegisterUser(ctx, "tester", "password123")
	if err != nil {
		t.Fatalf("register user: %v", err)
	}
	if _, err := b.CreateCustomer(ctx, user.ID, "John", ""); err != nil {
		t.Fatalf("create customer: %v", err)
	}
	if err := b.SetProviderKey(ctx, user.ID, "openai", "test-key"); err != nil {
		t.Fatalf("set provider key: %v", err)
	}

	eng := New(cfg, b, nil)
	eng.SetOracleFactory(func(provider, modelName, apiKey string) (Oracle, error) {
		return oracle, nil
	})
	return &testEnv{engine: eng, books: b, db: db, userID: user.ID}
}

func (env *testEnv) seedInvoice(t *testing.T) *models.Invoice {
	t.Helper()
	exec := ledger.NewExecutor(env.books, func(int64) {})
	res, err := exec.Execute(context.Background(), env.userID, action.CreateInvoice, map[string]interface{}{
		"customer_name": "John",
		"line_items": []interface{}{
			map[string]interface{}{"description": "consulting", "quantity": 1, "unit_price": 500},
		},
		"invoice_date": "2026-01-15",
		"due_date":     "2026-02-14",
	}, uuid.NewString())
	if err != nil {
		t.Fatalf("seed invoice: %v", err)
	}
	invoice, ok := res.Data.(*models.Invoice)
	if !ok {
		t.Fatalf("unexpected result payload %T", res.Data)
	}
	return invoice
}

func (env *testEnv) journalEntryCount(t *testing.T) int {
	t.Helper()
	var count int
	if err := env.db.QueryRow(`SELECT COUNT(*) FROM journal_entries WHERE user_id = ?`, env.userID).Scan(&count); err != nil {
		t.Fatalf("count entries: %v", err)
	}
	return count
}

func TestDirectSendInvoiceBypassesModel(t *testing.T) {
	env := newTestEnv(t, failingOracle{})
	invoice := env.seedInvoice(t)
	entriesBefore := env.journalEntryCount(t)

	reply, err := env.engine.HandleMessage(context.Background(), env.userID, "", "send invoice "+invoice.Number, "openai", "")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply.Type != models.MessageTypeSuccess {
		t.Fatalf("expected success, got %s: %s", reply.Type, reply.Response)
	}
	if reply.Action != action.SendInvoice {
		t.Fatalf("action = %s", reply.Action)
	}

	updated, err := env.books.InvoiceByNumber(context.Background(), env.userID, invoice.Number)
	if err != nil {
		t.Fatalf("reload invoice: %v", err)
	}
	if updated.Status != models.InvoiceStatusSent {
		t.Fatalf("status = %s, want sent", updated.Status)
	}
	if got := env.journalEntryCount(t); got != entriesBefore {
		t.Fatalf("sending an invoice must not post: %d entries, had %d", got, entriesBefore)
	}
}

func TestCreateInvoiceAcrossThreeTurns(t *testing.T) {
	oracle := &scriptedOracle{replies: []string{
		`{"mode": "collecting", "action": "create_invoice",
		  "collected": {"customer_name": "John", "line_items": [{"description": "consulting", "quantity": 1, "unit_price": 500}]},
		  "missing": ["invoice_date", "due_date"],
		  "response": "What date should the invoice carry, and when is it due?"}`,
		`{"mode": "preview", "action": "create_invoice",
		  "data": {"invoice_date": "2026-08-30", "due_date": "2026-09-29"},
		  "response": "Invoice for John, 500.00 total. Confirm?"}`,
	}}
	env := newTestEnv(t, oracle)
	ctx := context.Background()
	conversationID := uuid.NewString()

	reply, err := env.engine.HandleMessage(ctx, env.userID, conversationID, "create invoice for John, $500 for consulting", "openai", "")
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if reply.Type != models.MessageTypeText {
		t.Fatalf("turn 1 type = %s", reply.Type)
	}
	cc, err := env.engine.contexts.Load(ctx, conversationID)
	if err != nil || cc == nil {
		t.Fatalf("turn 1 context: %v %v", cc, err)
	}
	if cc.Phase != PhaseCollecting || cc.PendingAction != action.CreateInvoice {
		t.Fatalf("turn 1 context = %+v", cc)
	}
	if len(cc.MissingFields) != 2 {
		t.Fatalf("turn 1 missing = %v", cc.MissingFields)
	}

	reply, err = env.engine.HandleMessage(ctx, env.userID, conversationID, "today, due in 30 days", "openai", "")
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if reply.Type != models.MessageTypePreview {
		t.Fatalf("turn 2 type = %s: %s", reply.Type, reply.Response)
	}
	data, ok := reply.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("turn 2 data %T", reply.Data)
	}
	if data["total_amount"] != "500.00" {
		t.Fatalf("turn 2 total_amount = %v", data["total_amount"])
	}
	cc, err = env.engine.contexts.Load(ctx, conversationID)
	if err != nil || cc == nil || cc.Phase != PhasePreview {
		t.Fatalf("turn 2 context = %+v err=%v", cc, err)
	}
	if len(cc.MissingFields) != 0 {
		t.Fatalf("turn 2 missing = %v", cc.MissingFields)
	}

	reply, err = env.engine.HandleMessage(ctx, env.userID, conversationID, "confirm", "openai", "")
	if err != nil {
		t.Fatalf("turn 3: %v", err)
	}
	if reply.Type != models.MessageTypeSuccess {
		t.Fatalf("turn 3 type = %s: %s", reply.Type, reply.Response)
	}
	cc, err = env.engine.contexts.Load(ctx, conversationID)
	if err != nil {
		t.Fatalf("turn 3 load: %v", err)
	}
	if cc != nil {
		t.Fatalf("context must be cleared after execute, got %+v", cc)
	}

	invoice, err := env.books.InvoiceByNumber(ctx, env.userID, "INV-0001")
	if err != nil {
		t.Fatalf("invoice missing: %v", err)
	}
	if invoice.Total.StringFixed(2) != "500.00" {
		t.Fatalf("total = %s", invoice.Total)
	}

	receivable, _ := env.books.AccountByCode(ctx, env.userID, models.AccountCodeReceivable)
	revenue, _ := env.books.AccountByCode(ctx, env.userID, models.AccountCodeRevenue)
	rows, err := env.db.Query(`SELECT account_id, debit, credit FROM journal_lines WHERE entry_id = ?`, invoice.JournalEntryID)
	if err != nil {
		t.Fatalf("query lines: %v", err)
	}
	defer rows.Close()
	lines := map[int64][2]string{}
	for rows.Next() {
		var accountID int64
		var debit, credit string
		if err := rows.Scan(&accountID, &debit, &credit); err != nil {
			t.Fatalf("scan line: %v", err)
		}
		lines[accountID] = [2]string{debit, credit}
	}
	if got := lines[receivable.ID]; got[0] != "500" {
		t.Fatalf("receivable debit = %v", got)
	}
	if got := lines[revenue.ID]; got[1] != "500" {
		t.Fatalf("revenue credit = %v", got)
	}
}

func TestSideQueryKeepsCollectingContext(t *testing.T) {
	oracle := &scriptedOracle{replies: []string{
		`{"mode": "collecting", "action": "create_invoice",
		  "collected": {"customer_name": "John"},
		  "missing": ["line_items", "invoice_date", "due_date"],
		  "response": "What should go on the invoice?"}`,
		`{"mode": "execute", "action": "list_invoices", "data": {}, "response": ""}`,
	}}
	env := newTestEnv(t, oracle)
	ctx := context.Background()
	conversationID := uuid.NewString()

	if _, err := env.engine.HandleMessage(ctx, env.userID, conversationID, "invoice John for consulting", "openai", ""); err != nil {
		t.Fatalf("turn 1: %v", err)
	}

	reply, err := env.engine.HandleMessage(ctx, env.userID, conversationID, "what invoices do I have so far?", "openai", "")
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if reply.Type != models.MessageTypeSuccess || reply.Action != action.ListInvoices {
		t.Fatalf("turn 2 reply = %+v", reply)
	}

	cc, err := env.engine.contexts.Load(ctx, conversationID)
	if err != nil || cc == nil {
		t.Fatalf("in-progress work lost to a side query: %v", err)
	}
	if cc.Phase != PhaseCollecting || cc.PendingAction != action.CreateInvoice {
		t.Fatalf("context = %+v", cc)
	}
	if cc.CollectedData["customer_name"] != "John" {
		t.Fatalf("collected data lost: %v", cc.CollectedData)
	}
}

func TestValidationRecoveryKeepsIdempotencyKey(t *testing.T) {
	oracle := &scriptedOracle{replies: []string{
		`{"mode": "preview", "action": "create_invoice",
		  "data": {"customer_name": "Ghost", "line_items": [{"description": "consulting", "unit_price": 500}],
		           "invoice_date": "2026-08-30", "due_date": "2026-09-29"},
		  "response": "Ready. Confirm?"}`,
	}}
	env := newTestEnv(t, oracle)
	ctx := context.Background()
	conversationID := uuid.NewString()

	if _, err := env.engine.HandleMessage(ctx, env.userID, conversationID, "invoice Ghost 500 for consulting", "openai", ""); err != nil {
		t.Fatalf("setup preview: %v", err)
	}
	before, err := env.engine.contexts.Load(ctx, conversationID)
	if err != nil || before == nil || before.IdempotencyKey == "" {
		t.Fatalf("preview context = %+v err=%v", before, err)
	}

	reply, err := env.engine.HandleMessage(ctx, env.userID, conversationID, "confirm", "openai", "")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if reply.Type != models.MessageTypeText {
		t.Fatalf("confirm reply = %+v", reply)
	}

	after, err := env.engine.contexts.Load(ctx, conversationID)
	if err != nil || after == nil {
		t.Fatalf("recovery context missing: %v", err)
	}
	if after.Phase != PhaseCollecting || len(after.MissingFields) != 1 || after.MissingFields[0] != "customer_name" {
		t.Fatalf("recovery context = %+v", after)
	}
	if after.IdempotencyKey != before.IdempotencyKey {
		t.Fatalf("idempotency key lost across recovery")
	}
}

func TestConfirmWithoutContextIsNoOp(t *testing.T) {
	env := newTestEnv(t, failingOracle{})
	reply, err := env.engine.HandleMessage(context.Background(), env.userID, uuid.NewString(), "confirm", "openai", "")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply.Type != models.MessageTypeText {
		t.Fatalf("bare confirm must be a message, got %s", reply.Type)
	}
}

func TestCancelClearsPreviewThenConfirmIsNoOp(t *testing.T) {
	oracle := &scriptedOracle{replies: []string{
		`{"mode": "preview", "action": "create_invoice",
		  "data": {"customer_name": "John", "line_items": [{"description": "consulting", "unit_price": 500}],
		           "invoice_date": "2026-08-30", "due_date": "2026-09-29"},
		  "response": "Ready. Confirm?"}`,
	}}
	env := newTestEnv(t, oracle)
	ctx := context.Background()
	conversationID := uuid.NewString()

	reply, err := env.engine.HandleMessage(ctx, env.userID, conversationID, "invoice John 500 for consulting, dated today", "openai", "")
	if err != nil || reply.Type != models.MessageTypePreview {
		t.Fatalf("setup preview: %v %v", reply, err)
	}

	reply, err = env.engine.HandleMessage(ctx, env.userID, conversationID, "cancel", "openai", "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if reply.Type != models.MessageTypeText {
		t.Fatalf("cancel type = %s", reply.Type)
	}
	if cc, _ := env.engine.contexts.Load(ctx, conversationID); cc != nil {
		t.Fatalf("context survived cancel: %+v", cc)
	}

	reply, err = env.engine.HandleMessage(ctx, env.userID, conversationID, "confirm", "openai", "")
	if err != nil {
		t.Fatalf("confirm after cancel: %v", err)
	}
	if reply.Type != models.MessageTypeText {
		t.Fatalf("confirm after cancel type = %s", reply.Type)
	}
	if got := env.journalEntryCount(t); got != 0 {
		t.Fatalf("cancelled action posted %d entries", got)
	}
}

func TestConcurrentConfirmExecutesOnce(t *testing.T) {
	oracle := &scriptedOracle{replies: []string{
		`{"mode": "preview", "action": "create_invoice",
		  "data": {"customer_name": "John", "line_items": [{"description": "consulting", "unit_price": 500}],
		           "invoice_date": "2026-08-30", "due_date": "2026-09-29"},
		  "response": "Ready. Confirm?"}`,
	}}
	env := newTestEnv(t, oracle)
	ctx := context.Background()
	conversationID := uuid.NewString()

	if _, err := env.engine.HandleMessage(ctx, env.userID, conversationID, "invoice John 500 for consulting", "openai", ""); err != nil {
		t.Fatalf("setup preview: %v", err)
	}

	replies := make([]*Reply, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply, err := env.engine.HandleMessage(ctx, env.userID, conversationID, "confirm", "openai", "")
			if err != nil {
				t.Errorf("confirm %d: %v", i, err)
				return
			}
			replies[i] = reply
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, reply := range replies {
		if reply != nil && reply.Type == models.MessageTypeSuccess {
			successes++
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one execute, got %d (%+v)", successes, replies)
	}
	var invoices int
	if err := env.db.QueryRow(`SELECT COUNT(*) FROM invoices WHERE user_id = ?`, env.userID).Scan(&invoices); err != nil {
		t.Fatalf("count invoices: %v", err)
	}
	if invoices != 1 {
		t.Fatalf("double posting: %d invoices", invoices)
	}
}

func TestPreviewEditResubmission(t *testing.T) {
	oracle := &scriptedOracle{replies: []string{
		`{"mode": "preview", "action": "create_invoice",
		  "data": {"customer_name": "John", "line_items": [{"description": "consulting", "unit_price": 500}],
		           "invoice_date": "2026-08-30", "due_date": "2026-09-29"},
		  "response": "Ready. Confirm?"}`,
	}}
	env := newTestEnv(t, oracle)
	ctx := context.Background()
	conversationID := uuid.NewString()

	if _, err := env.engine.HandleMessage(ctx, env.userID, conversationID, "invoice John 500 for consulting", "openai", ""); err != nil {
		t.Fatalf("setup preview: %v", err)
	}
	before, _ := env.engine.contexts.Load(ctx, conversationID)

	reply, err := env.engine.HandleMessage(ctx, env.userID, conversationID, `{"due_date": "2026-10-15"}`, "openai", "")
	if err != nil {
		t.Fatalf("resubmission: %v", err)
	}
	if reply.Type != models.MessageTypePreview {
		t.Fatalf("resubmission type = %s", reply.Type)
	}

	after, err := env.engine.contexts.Load(ctx, conversationID)
	if err != nil || after == nil {
		t.Fatalf("context gone after edit: %v", err)
	}
	if after.Phase != PhasePreview {
		t.Fatalf("phase = %s", after.Phase)
	}
	if after.CollectedData["due_date"] != "2026-10-15" {
		t.Fatalf("edit not applied: %v", after.CollectedData)
	}
	if after.CollectedData["customer_name"] != "John" {
		t.Fatalf("untouched fields lost: %v", after.CollectedData)
	}
	if after.IdempotencyKey != before.IdempotencyKey {
		t.Fatalf("idempotency key changed on edit")
	}
}

func TestModelFailureDegradesToErrorReply(t *testing.T) {
	env := newTestEnv(t, failingOracle{})
	conversationID := uuid.NewString()
	reply, err := env.engine.HandleMessage(context.Background(), env.userID, conversationID, "what were my sales last month?", "openai", "")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply.Type != models.MessageTypeError {
		t.Fatalf("type = %s", reply.Type)
	}
	if cc, _ := env.engine.contexts.Load(context.Background(), conversationID); cc != nil {
		t.Fatalf("model failure must not create context")
	}
}

func TestMissingProviderKeyDegradesToErrorReply(t *testing.T) {
	env := newTestEnv(t, failingOracle{})
	reply, err := env.engine.HandleMessage(context.Background(), env.userID, uuid.NewString(), "summarize my books", "claude", "")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply.Type != models.MessageTypeError {
		t.Fatalf("type = %s", reply.Type)
	}
}
