package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"ledgerchat/internal/cache"
	"ledgerchat/internal/models"
	"ledgerchat/internal/service/books"
)

// Snapshot is the bounded sample of a user's reference data embedded in
// prompts. The bound keeps the model from fabricating identifiers outside
// what the user actually owns.
type Snapshot struct {
	Accounts  []models.Account  `json:"accounts"`
	Customers []models.Customer `json:"customers"`
	Products  []models.Product  `json:"products"`
}

// SnapshotProvider reads reference data through a redis cache. A nil cache
// client degrades to straight database reads.
type SnapshotProvider struct {
	books *books.Service
	cache *cache.Client
	limit int
	ttl   time.Duration
}

func NewSnapshotProvider(b *books.Service, c *cache.Client, limit int, ttl time.Duration) *SnapshotProvider {
	return &SnapshotProvider{books: b, cache: c, limit: limit, ttl: ttl}
}

func snapshotKey(userID int64) string {
	return fmt.Sprintf("snapshot:%d", userID)
}

func (p *SnapshotProvider) Snapshot(ctx context.Context, userID int64) (*Snapshot, error) {
	if cached, err := p.cache.Get(ctx, snapshotKey(userID)); err == nil {
		var snap Snapshot
		if json.Unmarshal([]byte(cached), &snap) == nil {
			return &snap, nil
		}
	}

	accounts, err := p.books.ListAccounts(ctx, userID, p.limit)
	if err != nil {
		return nil, fmt.Errorf("snapshot accounts: %w", err)
	}
	customers, err := p.books.ListCustomers(ctx, userID, p.limit)
	if err != nil {
		return nil, fmt.Errorf("snapshot customers: %w", err)
	}
	products, err := p.books.ListProducts(ctx, userID, p.limit)
	if err != nil {
		return nil, fmt.Errorf("snapshot products: %w", err)
	}

	snap := &Snapshot{Accounts: accounts, Customers: customers, Products: products}
	if encoded, err := json.Marshal(snap); err == nil {
		if err := p.cache.Set(ctx, snapshotKey(userID), string(encoded), p.ttl); err != nil {
			log.Printf("cache snapshot for user %d: %v", userID, err)
		}
	}
	return snap, nil
}

// Invalidate drops the cached snapshot after a mutating action, so the next
// prompt sees the records that action created.
func (p *SnapshotProvider) Invalidate(userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.cache.Del(ctx, snapshotKey(userID)); err != nil {
		log.Printf("invalidate snapshot for user %d: %v", userID, err)
	}
}
