package books

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"ledgerchat/internal/models"
)

// Service handles user lifecycle, business-record reads, and message
// persistence. All queries are scoped by user id.
type Service struct {
	db     *sql.DB
	cipher *keyCipher
}

// NewService builds a new books service. Provider API keys are encrypted at
// rest when LEDGERCHAT_APIKEY_KEY is set.
func NewService(db *sql.DB) (*Service, error) {
	cipher, err := newKeyCipherFromEnv()
	if err != nil {
		return nil, err
	}
	return &Service{db: db, cipher: cipher}, nil
}

// DB exposes the underlying handle for collaborators that manage their own
// transactions (context store, executor).
func (s *Service) DB() *sql.DB {
	return s.db
}

// RegisterUser creates a user with the supplied credentials and seeds the
// default chart of accounts.
func (s *Service) RegisterUser(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	hash := hashPassword(password)
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, hash, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	if err := s.seedAccounts(ctx, id, now); err != nil {
		return nil, err
	}
	return &models.User{ID: id, Username: username, PasswordHash: hash, CreatedAt: now}, nil
}

// seedAccounts creates the accounts the posting engine depends on.
func (s *Service) seedAccounts(ctx context.Context, userID int64, now time.Time) error {
	seed := []struct {
		code string
		name string
		typ  models.AccountType
	}{
		{models.AccountCodeCash, "Cash", models.AccountAsset},
		{models.AccountCodeReceivable, "Accounts Receivable", models.AccountAsset},
		{models.AccountCodeTaxPayable, "Tax Payable", models.AccountLiability},
		{models.AccountCodeRevenue, "Revenue", models.AccountIncome},
	}
	for _, a := range seed {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO accounts (user_id, code, name, type, created_at) VALUES (?, ?, ?, ?, ?)`,
			userID, a.code, a.name, a.typ, now,
		); err != nil {
			return fmt.Errorf("seed account %s: %w", a.code, err)
		}
	}
	return nil
}

// Login validates credentials and returns the user profile.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username,
	)
	var user models.User
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("invalid credentials")
		}
		return nil, fmt.Errorf("query user: %w", err)
	}

	if user.PasswordHash != hashPassword(password) {
		return nil, errors.New("invalid credentials")
	}
	return &user, nil
}

// DeleteUser removes a user and cascaded data.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if id <= 0 {
		return errors.New("invalid user id")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func hashPassword(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
