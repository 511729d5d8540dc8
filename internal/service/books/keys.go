package books

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetProviderKey persists or updates the model API key for a user/provider pair.
func (s *Service) SetProviderKey(ctx context.Context, userID int64, provider, key string) error {
	if userID <= 0 {
		return errors.New("invalid user id")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return errors.New("provider is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("api key is required")
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)`, userID).Scan(&exists); err != nil {
		return fmt.Errorf("verify user: %w", err)
	}
	if !exists {
		return errors.New("user not found")
	}

	stored, err := s.cipher.Encrypt(key)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}

	// delete+insert rather than a dialect-specific upsert
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin store api key: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM api_keys WHERE user_id = ? AND provider = ?`, userID, provider); err != nil {
		return fmt.Errorf("replace api key: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO api_keys (user_id, provider, api_key, created_at) VALUES (?, ?, ?, ?)`,
		userID, provider, stored, time.Now().UTC()); err != nil {
		return fmt.Errorf("store api key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit api key: %w", err)
	}
	return nil
}

// ProviderKey returns the decrypted API key for the user/provider pair, or
// empty when none is stored.
func (s *Service) ProviderKey(ctx context.Context, userID int64, provider string) (string, error) {
	if userID <= 0 {
		return "", errors.New("invalid user id")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return "", errors.New("provider is required")
	}
	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT api_key FROM api_keys WHERE user_id = ? AND provider = ? LIMIT 1`,
		userID, provider,
	).Scan(&stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("lookup api key: %w", err)
	}
	return s.cipher.Decrypt(stored)
}

// ListProviders returns the providers the user holds API keys for.
func (s *Service) ListProviders(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider FROM api_keys WHERE user_id = ? ORDER BY provider`, userID)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var providers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// DeleteProviderKey removes the stored key for a user/provider pair.
func (s *Service) DeleteProviderKey(ctx context.Context, userID int64, provider string) error {
	if userID <= 0 {
		return errors.New("invalid user id")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return errors.New("provider is required")
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE user_id = ? AND provider = ?`, userID, provider)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
