package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ledgerchat/internal/engine/action"
)

// Phase is the stored position in the multi-turn protocol. The absence of a
// context row means Idle, which is why there is no PhaseIdle constant.
type Phase string

const (
	PhaseCollecting Phase = "collecting"
	PhasePreview    Phase = "preview"
)

// ConversationContext is the durable record of an action being built across
// turns. A row exists exactly while an action is awaiting more input or
// awaiting confirmation.
type ConversationContext struct {
	ConversationID string
	UserID         int64
	Phase          Phase
	PendingAction  action.Kind
	CollectedData  map[string]interface{}
	MissingFields  []string
	IdempotencyKey string
	UpdatedAt      time.Time
}

// ContextStore persists conversation contexts keyed by conversation id.
type ContextStore struct {
	db *sql.DB
}

func NewContextStore(db *sql.DB) *ContextStore {
	return &ContextStore{db: db}
}

// Load returns the stored context, or nil (Idle) when none exists.
func (s *ContextStore) Load(ctx context.Context, conversationID string) (*ConversationContext, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, user_id, phase, pending_action, collected_data, missing_fields, idempotency_key, updated_at
		 FROM conversation_contexts WHERE conversation_id = ?`, conversationID)
	cc, err := scanContext(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cc, err
}

// Save upserts the context. Callers serialize per conversation, so
// last-write-wins is safe here. Written as delete-then-insert in one
// transaction so the statement works unchanged on sqlite and mysql.
func (s *ContextStore) Save(ctx context.Context, cc *ConversationContext) error {
	data, err := json.Marshal(cc.CollectedData)
	if err != nil {
		return fmt.Errorf("encode collected data: %w", err)
	}
	missing, err := json.Marshal(cc.MissingFields)
	if err != nil {
		return fmt.Errorf("encode missing fields: %w", err)
	}
	cc.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_contexts WHERE conversation_id = ?`, cc.ConversationID); err != nil {
		return fmt.Errorf("replace context: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_contexts
		 (conversation_id, user_id, phase, pending_action, collected_data, missing_fields, idempotency_key, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cc.ConversationID, cc.UserID, string(cc.Phase), string(cc.PendingAction),
		string(data), string(missing), cc.IdempotencyKey, cc.UpdatedAt); err != nil {
		return fmt.Errorf("save context: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// Clear deletes the context. Deleting a missing row is not an error.
func (s *ContextStore) Clear(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_contexts WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear context: %w", err)
	}
	return nil
}

// TakeForConfirm atomically reads and deletes a Preview context. The delete
// is the mutual-exclusion gate: of two concurrent confirms, exactly one sees
// RowsAffected == 1 and owns the execute; the loser gets nil and is treated
// as "nothing to confirm".
func (s *ContextStore) TakeForConfirm(ctx context.Context, conversationID string) (*ConversationContext, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin take: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT conversation_id, user_id, phase, pending_action, collected_data, missing_fields, idempotency_key, updated_at
		 FROM conversation_contexts WHERE conversation_id = ?`, conversationID)
	cc, err := scanContext(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if cc.Phase != PhasePreview {
		return nil, nil
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_contexts WHERE conversation_id = ? AND phase = ?`,
		conversationID, string(PhasePreview))
	if err != nil {
		return nil, fmt.Errorf("take context: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("take context rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit take: %w", err)
	}
	return cc, nil
}

func scanContext(row *sql.Row) (*ConversationContext, error) {
	var (
		cc            ConversationContext
		phase, kind   string
		data, missing string
	)
	err := row.Scan(&cc.ConversationID, &cc.UserID, &phase, &kind, &data, &missing, &cc.IdempotencyKey, &cc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cc.Phase = Phase(phase)
	cc.PendingAction = action.Kind(kind)
	if err := json.Unmarshal([]byte(data), &cc.CollectedData); err != nil {
		return nil, fmt.Errorf("decode collected data: %w", err)
	}
	if cc.CollectedData == nil {
		cc.CollectedData = map[string]interface{}{}
	}
	if err := json.Unmarshal([]byte(missing), &cc.MissingFields); err != nil {
		return nil, fmt.Errorf("decode missing fields: %w", err)
	}
	return &cc, nil
}
