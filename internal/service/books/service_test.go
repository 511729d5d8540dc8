package books

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"ledgerchat/internal/config"
	"ledgerchat/internal/models"
	"ledgerchat/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
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
	return db
}

func TestRegisterUserSeedsChartOfAccounts(t *testing.T) {
	db := openTestDB(t)
	svc, err := NewService(db)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	user, err := svc.RegisterUser(context.Background(), "alice", "password123")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	for _, code := range []string{
		models.AccountCodeCash,
		models.AccountCodeReceivable,
		models.AccountCodeTaxPayable,
		models.AccountCodeRevenue,
	} {
		if _, err := svc.AccountByCode(context.Background(), user.ID, code); err != nil {
			t.Fatalf("account %s not seeded: %v", code, err)
		}
	}

	if _, err := svc.RegisterUser(context.Background(), "alice", "other"); err == nil {
		t.Fatalf("duplicate username accepted")
	}
}

func TestLoginChecksPassword(t *testing.T) {
	db := openTestDB(t)
	svc, err := NewService(db)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := svc.RegisterUser(context.Background(), "bob", "hunter22"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Login(context.Background(), "bob", "hunter22"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := svc.Login(context.Background(), "bob", "wrong"); err == nil {
		t.Fatalf("wrong password accepted")
	}
}

func TestProviderKeysEncryptedAtRest(t *testing.T) {
	t.Setenv(apiKeyKeyEnv, strings.Repeat("a", 32))
	db := openTestDB(t)
	svc, err := NewService(db)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	user, err := svc.RegisterUser(context.Background(), "carol", "password123")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()
	if err := svc.SetProviderKey(ctx, user.ID, "openai", "sk-secret"); err != nil {
		t.Fatalf("set key: %v", err)
	}

	var stored string
	if err := db.QueryRow(`SELECT api_key FROM api_keys WHERE user_id = ? AND provider = ?`, user.ID, "openai").Scan(&stored); err != nil {
		t.Fatalf("query stored key: %v", err)
	}
	if stored == "sk-secret" {
		t.Fatalf("key stored in plaintext")
	}

	got, err := svc.ProviderKey(ctx, user.ID, "openai")
	if err != nil {
		t.Fatalf("provider key: %v", err)
	}
	if got != "sk-secret" {
		t.Fatalf("decrypted key = %q", got)
	}

	if missing, err := svc.ProviderKey(ctx, user.ID, "claude"); err != nil || missing != "" {
		t.Fatalf("unset provider: %q %v", missing, err)
	}
}

func TestMessagesOrderedAndWindowed(t *testing.T) {
	db := openTestDB(t)
	svc, err := NewService(db)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	user, err := svc.RegisterUser(context.Background(), "dave", "password123")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()
	contents := []string{"one", "two", "three", "four", "five"}
	for _, c := range contents {
		if _, err := svc.AppendMessage(ctx, models.Message{
			UserID:         user.ID,
			ConversationID: "conv-a",
			Role:           models.RoleUser,
			Content:        c,
			Type:           models.MessageTypeText,
		}); err != nil {
			t.Fatalf("append %s: %v", c, err)
		}
	}

	all, err := svc.ListMessages(ctx, user.ID, "conv-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 5 || all[0].Content != "one" || all[4].Content != "five" {
		t.Fatalf("order broken: %+v", all)
	}

	recent, err := svc.RecentMessages(ctx, user.ID, "conv-a", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Content != "four" || recent[1].Content != "five" {
		t.Fatalf("window broken: %+v", recent)
	}
}
