// Package engine is the conversational action engine: it classifies inbound
// messages (direct command grammar first, model second), tracks per
// conversation phase state, validates untrusted model output and drives the
// action executor under the confirmation protocol.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"ledgerchat/internal/cache"
	"ledgerchat/internal/config"
	"ledgerchat/internal/engine/action"
	"ledgerchat/internal/ledger"
	"ledgerchat/internal/models"
	"ledgerchat/internal/service/books"
)

// Reply is the response envelope returned to the caller.
type Reply struct {
	Type           models.MessageType `json:"type"`
	Response       string             `json:"response"`
	Action         action.Kind        `json:"action,omitempty"`
	Data           interface{}        `json:"data,omitempty"`
	ConversationID string             `json:"conversation_id"`
}

// OracleFactory builds a model oracle for one provider and key. Tests swap
// this out for a canned oracle.
type OracleFactory func(provider, modelName, apiKey string) (Oracle, error)

type Engine struct {
	cfg       *config.Config
	books     *books.Service
	contexts  *ContextStore
	snapshots *SnapshotProvider
	executor  *ledger.Executor
	oracles   OracleFactory
}

func New(cfg *config.Config, b *books.Service, cacheClient *cache.Client) *Engine {
	ttl := time.Duration(cfg.BasicConfig.SnapshotCacheTTL) * time.Minute
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	snapshots := NewSnapshotProvider(b, cacheClient, cfg.BasicConfig.SnapshotLimit, ttl)
	e := &Engine{
		cfg:       cfg,
		books:     b,
		contexts:  NewContextStore(b.DB()),
		snapshots: snapshots,
	}
	e.executor = ledger.NewExecutor(b, snapshots.Invalidate)
	e.oracles = func(provider, modelName, apiKey string) (Oracle, error) {
		return NewOracle(cfg, provider, modelName, apiKey)
	}
	return e
}

// SetOracleFactory replaces the model provider wiring.
func (e *Engine) SetOracleFactory(f OracleFactory) {
	e.oracles = f
}

var confirmTokens = map[string]bool{
	"confirm": true, "yes": true, "ok": true, "proceed": true, "approve": true,
}

var cancelTokens = map[string]bool{
	"cancel": true, "no": true, "stop": true, "abort": true,
}

func matchToken(set map[string]bool, text string) bool {
	return set[strings.ToLower(strings.Trim(text, " \t\r\n.!"))]
}

// HandleMessage runs one turn of the protocol. Callers must serialize calls
// per conversation; the confirm transition itself is additionally guarded by
// the store's atomic take.
func (e *Engine) HandleMessage(ctx context.Context, userID int64, conversationID, text, provider, modelName string) (*Reply, error) {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	if _, err := e.books.AppendMessage(ctx, models.Message{
		UserID:         userID,
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        text,
		Type:           models.MessageTypeText,
	}); err != nil {
		return nil, fmt.Errorf("store user message: %w", err)
	}

	reply, err := e.handleTurn(ctx, userID, conversationID, text, provider, modelName)
	if err != nil {
		return nil, err
	}
	reply.ConversationID = conversationID

	metadata := ""
	if reply.Action != "" {
		encoded, merr := json.Marshal(map[string]interface{}{"action": reply.Action})
		if merr == nil {
			metadata = string(encoded)
		}
	}
	if _, err := e.books.AppendMessage(ctx, models.Message{
		UserID:         userID,
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        reply.Response,
		Type:           reply.Type,
		Metadata:       metadata,
	}); err != nil {
		return nil, fmt.Errorf("store assistant message: %w", err)
	}
	return reply, nil
}

func (e *Engine) handleTurn(ctx context.Context, userID int64, conversationID, text, provider, modelName string) (*Reply, error) {
	cc, err := e.contexts.Load(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}
	if cc != nil && cc.UserID != userID {
		// a conversation id from another user's dialogue; treat as fresh
		cc = nil
	}

	if matchToken(confirmTokens, text) {
		return e.handleConfirm(ctx, userID, conversationID, cc)
	}
	if matchToken(cancelTokens, text) {
		return e.handleCancel(ctx, conversationID, cc)
	}

	if cc != nil && cc.Phase == PhasePreview {
		if edited := parseEditedData(text); edited != nil {
			cc.CollectedData = action.Merge(cc.PendingAction, cc.CollectedData, edited)
			if err := e.contexts.Save(ctx, cc); err != nil {
				return nil, fmt.Errorf("save edited preview: %w", err)
			}
			return &Reply{
				Type:     models.MessageTypePreview,
				Response: "Updated. Reply \"confirm\" to proceed or \"cancel\" to discard.",
				Action:   cc.PendingAction,
				Data:     cc.CollectedData,
			}, nil
		}
	}

	if cc == nil {
		if pr := Match(text); pr != nil {
			return e.route(ctx, userID, conversationID, nil, pr)
		}
	}

	pr, err := e.askModel(ctx, userID, conversationID, text, provider, modelName, cc)
	if err != nil {
		var ese *ExternalServiceError
		if errors.As(err, &ese) {
			log.Printf("model call failed for conversation %s: %v", conversationID, ese)
			return &Reply{
				Type:     models.MessageTypeError,
				Response: "The model provider is unavailable right now. Try again in a moment, or switch to a different provider.",
			}, nil
		}
		return nil, err
	}
	return e.route(ctx, userID, conversationID, cc, pr)
}

func (e *Engine) handleConfirm(ctx context.Context, userID int64, conversationID string, cc *ConversationContext) (*Reply, error) {
	if cc == nil || cc.Phase != PhasePreview {
		return &Reply{
			Type:     models.MessageTypeText,
			Response: "There's nothing to confirm right now.",
		}, nil
	}
	taken, err := e.contexts.TakeForConfirm(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("take context: %w", err)
	}
	if taken == nil {
		// lost the race against a concurrent confirm or cancel
		return &Reply{
			Type:     models.MessageTypeText,
			Response: "There's nothing to confirm right now.",
		}, nil
	}
	return e.executeAction(ctx, userID, conversationID, taken, taken.PendingAction, taken.CollectedData, taken.IdempotencyKey)
}

func (e *Engine) handleCancel(ctx context.Context, conversationID string, cc *ConversationContext) (*Reply, error) {
	if cc == nil {
		return &Reply{
			Type:     models.MessageTypeText,
			Response: "There's nothing to cancel right now.",
		}, nil
	}
	if err := e.contexts.Clear(ctx, conversationID); err != nil {
		return nil, err
	}
	return &Reply{
		Type:     models.MessageTypeText,
		Response: "Okay, I've cancelled that. Nothing was saved.",
	}, nil
}

func (e *Engine) askModel(ctx context.Context, userID int64, conversationID, text, provider, modelName string, cc *ConversationContext) (*ParsedReply, error) {
	if provider == "" {
		provider = "openai"
	}
	apiKey, err := e.books.ProviderKey(ctx, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("load provider key: %w", err)
	}
	if apiKey == "" {
		return nil, &ExternalServiceError{Provider: provider, Err: errors.New("no API key configured")}
	}
	oracle, err := e.oracles(provider, modelName, apiKey)
	if err != nil {
		return nil, &ExternalServiceError{Provider: provider, Err: err}
	}

	snap, err := e.snapshots.Snapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	history, err := e.books.RecentMessages(ctx, userID, conversationID, e.cfg.BasicConfig.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	// the current message was already persisted; the builder appends it itself
	if n := len(history); n > 0 && history[n-1].Role == models.RoleUser && history[n-1].Content == text {
		history = history[:n-1]
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.BasicConfig.ModelTimeout)*time.Second)
	defer cancel()
	out, err := oracle.Generate(callCtx, buildPrompt(snap, cc, history, text))
	if err != nil {
		var ese *ExternalServiceError
		if errors.As(err, &ese) {
			return nil, err
		}
		return nil, &ExternalServiceError{Provider: provider, Err: err}
	}
	return Interpret(out.Content), nil
}

// route applies the transition table to one parsed reply, regardless of
// whether the matcher or the model produced it.
func (e *Engine) route(ctx context.Context, userID int64, conversationID string, cc *ConversationContext, pr *ParsedReply) (*Reply, error) {
	if pr.Mode == ModeConversation {
		return &Reply{Type: models.MessageTypeText, Response: pr.Response}, nil
	}

	sch, ok := action.SchemaFor(pr.Action)
	if !ok {
		return &Reply{Type: models.MessageTypeText, Response: pr.Response}, nil
	}

	data := pr.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	if cc != nil && cc.PendingAction == pr.Action {
		data = action.Merge(pr.Action, cc.CollectedData, data)
	}
	missing := action.Missing(pr.Action, data)

	// matcher-sourced collecting replies carry their own missing list
	if len(missing) == 0 && pr.Mode == ModeCollecting && len(pr.Missing) > 0 {
		missing = pr.Missing
	}

	if len(missing) > 0 {
		return e.enterCollecting(ctx, userID, conversationID, cc, pr, data, missing)
	}
	if sch.NeedsConfirm {
		return e.enterPreview(ctx, userID, conversationID, cc, pr, data)
	}

	// fully specified and confirmation-free: execute now
	return e.executeAction(ctx, userID, conversationID, cc, pr.Action, data, uuid.NewString())
}

func (e *Engine) enterCollecting(ctx context.Context, userID int64, conversationID string, cc *ConversationContext, pr *ParsedReply, data map[string]interface{}, missing []string) (*Reply, error) {
	next := &ConversationContext{
		ConversationID: conversationID,
		UserID:         userID,
		Phase:          PhaseCollecting,
		PendingAction:  pr.Action,
		CollectedData:  data,
		MissingFields:  missing,
	}
	if cc != nil {
		next.IdempotencyKey = cc.IdempotencyKey
	}
	if err := e.contexts.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("save collecting context: %w", err)
	}
	response := pr.Response
	if response == "" {
		response = fmt.Sprintf("I still need: %s.", strings.Join(missing, ", "))
	}
	return &Reply{Type: models.MessageTypeText, Response: response}, nil
}

func (e *Engine) enterPreview(ctx context.Context, userID int64, conversationID string, cc *ConversationContext, pr *ParsedReply, data map[string]interface{}) (*Reply, error) {
	key := uuid.NewString()
	if cc != nil && cc.IdempotencyKey != "" {
		key = cc.IdempotencyKey
	}
	next := &ConversationContext{
		ConversationID: conversationID,
		UserID:         userID,
		Phase:          PhasePreview,
		PendingAction:  pr.Action,
		CollectedData:  data,
		MissingFields:  []string{},
		IdempotencyKey: key,
	}
	if err := e.contexts.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("save preview context: %w", err)
	}
	response := pr.Response
	if response == "" {
		response = "Here's what I'm about to do. Reply \"confirm\" to proceed or \"cancel\" to discard."
	}
	display := data
	if pr.Action == action.CreateInvoice {
		if total, terr := ledger.InvoiceTotal(data); terr == nil {
			display = make(map[string]interface{}, len(data)+1)
			for k, v := range data {
				display[k] = v
			}
			display["total_amount"] = total.StringFixed(2)
		}
	}
	return &Reply{
		Type:     models.MessageTypePreview,
		Response: response,
		Action:   pr.Action,
		Data:     display,
	}, nil
}

// executeAction runs the action and settles the conversation context. cc is
// the context active when the action was chosen; a context pending a different
// action is a work in progress answered by a side query and survives untouched.
func (e *Engine) executeAction(ctx context.Context, userID int64, conversationID string, cc *ConversationContext, kind action.Kind, data map[string]interface{}, idemKey string) (*Reply, error) {
	res, err := e.executor.Execute(ctx, userID, kind, data, idemKey)
	if err != nil {
		return e.replyForExecuteError(ctx, userID, conversationID, cc, kind, data, err)
	}
	if cc == nil || cc.PendingAction == kind {
		if err := e.contexts.Clear(ctx, conversationID); err != nil {
			return nil, err
		}
	}
	return &Reply{
		Type:     models.MessageTypeSuccess,
		Response: res.Response,
		Action:   kind,
		Data:     res.Data,
	}, nil
}

func (e *Engine) replyForExecuteError(ctx context.Context, userID int64, conversationID string, cc *ConversationContext, kind action.Kind, data map[string]interface{}, err error) (*Reply, error) {
	// only the action the context is pending may settle that context
	owns := cc == nil || cc.PendingAction == kind
	var (
		ve  *ledger.ValidationError
		nfe *ledger.NotFoundError
		cfe *ledger.ConflictError
	)
	switch {
	case errors.As(err, &ve):
		if !owns {
			return &Reply{
				Type:     models.MessageTypeText,
				Response: fmt.Sprintf("I can't do that: %s %s.", ve.Field, ve.Reason),
			}, nil
		}
		// recover by re-entering Collecting with the offending field named
		next := &ConversationContext{
			ConversationID: conversationID,
			UserID:         userID,
			Phase:          PhaseCollecting,
			PendingAction:  kind,
			CollectedData:  data,
			MissingFields:  []string{ve.Field},
		}
		if cc != nil {
			next.IdempotencyKey = cc.IdempotencyKey
		}
		if serr := e.contexts.Save(ctx, next); serr != nil {
			return nil, fmt.Errorf("save recovery context: %w", serr)
		}
		return &Reply{
			Type:     models.MessageTypeText,
			Response: fmt.Sprintf("I can't do that yet: %s %s. What should it be?", ve.Field, ve.Reason),
		}, nil
	case errors.As(err, &nfe):
		if owns {
			if cerr := e.contexts.Clear(ctx, conversationID); cerr != nil {
				return nil, cerr
			}
		}
		return &Reply{
			Type:     models.MessageTypeError,
			Response: fmt.Sprintf("I couldn't find %s %s.", nfe.Entity, nfe.Ref),
		}, nil
	case errors.As(err, &cfe):
		if owns {
			if cerr := e.contexts.Clear(ctx, conversationID); cerr != nil {
				return nil, cerr
			}
		}
		return &Reply{
			Type:     models.MessageTypeError,
			Response: fmt.Sprintf("That didn't go through: %s. Nothing was changed.", cfe.Reason),
		}, nil
	default:
		log.Printf("execute %s for user %d failed: %v", kind, userID, err)
		return &Reply{
			Type:     models.MessageTypeError,
			Response: "Something went wrong while executing that. Nothing was changed.",
		}, nil
	}
}

// parseEditedData recognizes a resubmitted preview form: a bare JSON object
// of field edits. Ordinary chat text returns nil.
func parseEditedData(text string) map[string]interface{} {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	var edited map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &edited); err != nil {
		return nil
	}
	if len(edited) == 0 {
		return nil
	}
	return edited
}
