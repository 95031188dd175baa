package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for accounts, positions and lots. Writes go to the primary store
// inside Atomic; the keys they touched are invalidated once it commits.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

var _ Store = (*CachedStore)(nil)

// Atomic runs fn against the primary store and drops every cached entry
// the unit of work wrote to after it commits.
func (s *CachedStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var dirty []string
	err := s.Store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		rec := &recordingTx{Tx: tx}
		err := fn(ctx, rec)
		dirty = rec.keys
		return err
	})
	if err != nil {
		return err
	}
	if len(dirty) > 0 {
		s.rdb.Del(ctx, dirty...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (model.Account, error) {
	var a model.Account
	if s.cached(ctx, accountKey(id), &a) {
		return a, nil
	}
	a, err := s.Store.GetAccount(ctx, id)
	if err != nil {
		return model.Account{}, err
	}
	s.cache(ctx, accountKey(id), a)
	return a, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (model.Position, error) {
	var p model.Position
	if s.cached(ctx, positionKey(id), &p) {
		return p, nil
	}
	p, err := s.Store.GetPosition(ctx, id)
	if err != nil {
		return model.Position{}, err
	}
	s.cache(ctx, positionKey(id), p)
	return p, nil
}

func (s *CachedStore) ListSubPositions(ctx context.Context, positionID string) ([]model.SubPosition, error) {
	var lots []model.SubPosition
	if s.cached(ctx, lotsKey(positionID), &lots) {
		return lots, nil
	}
	lots, err := s.Store.ListSubPositions(ctx, positionID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, lotsKey(positionID), lots)
	return lots, nil
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func accountKey(id string) string  { return fmt.Sprintf("account:%s", id) }
func positionKey(id string) string { return fmt.Sprintf("position:%s", id) }
func lotsKey(id string) string     { return fmt.Sprintf("lots:%s", id) }

// recordingTx notes the cache keys of every entity written through it.
type recordingTx struct {
	Tx
	keys []string
}

func (t *recordingTx) touch(keys ...string) { t.keys = append(t.keys, keys...) }

func (t *recordingTx) InsertAccount(ctx context.Context, a model.Account) error {
	t.touch(accountKey(a.ID))
	return t.Tx.InsertAccount(ctx, a)
}

func (t *recordingTx) UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	t.touch(accountKey(id))
	return t.Tx.UpdateAccountBalance(ctx, id, balance)
}

func (t *recordingTx) UpsertPosition(ctx context.Context, p model.Position) error {
	t.touch(positionKey(p.ID))
	return t.Tx.UpsertPosition(ctx, p)
}

func (t *recordingTx) UpsertSubPosition(ctx context.Context, sp model.SubPosition) error {
	t.touch(lotsKey(sp.PositionID))
	return t.Tx.UpsertSubPosition(ctx, sp)
}

func (t *recordingTx) InsertLotAllocations(ctx context.Context, allocs []model.LotAllocation) error {
	for _, a := range allocs {
		if f, err := t.Tx.GetFlow(ctx, a.FlowID); err == nil {
			t.touch(lotsKey(f.PositionID))
		}
	}
	return t.Tx.InsertLotAllocations(ctx, allocs)
}

func (t *recordingTx) DeleteFlow(ctx context.Context, id string) error {
	if f, err := t.Tx.GetFlow(ctx, id); err == nil {
		t.touch(positionKey(f.PositionID), lotsKey(f.PositionID))
	}
	return t.Tx.DeleteFlow(ctx, id)
}
