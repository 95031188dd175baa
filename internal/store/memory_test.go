package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/ledger-engine/internal/model"
)

var t0 = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func seedAccount(t *testing.T, s *MemoryStore, id, currency string) model.Account {
	t.Helper()
	a := model.Account{
		ID:        id,
		Name:      id,
		Type:      model.Asset,
		Currency:  currency,
		AssetType: model.Cash,
		Group:     model.Group(id),
		CreatedAt: t0,
	}
	require.NoError(t, s.Atomic(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.InsertAccount(ctx, a)
	}))
	return a
}

func TestMemoryAtomicRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAccount(t, s, "cash", "USD")

	boom := errors.New("boom")
	err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.UpdateAccountBalance(ctx, "cash", decimal.NewFromInt(100)))
		require.NoError(t, tx.UpsertPosition(ctx, model.Position{ID: "p1", Code: "AAPL"}))

		// Writes are visible inside the unit of work.
		a, err := tx.GetAccount(ctx, "cash")
		require.NoError(t, err)
		assert.True(t, a.Balance.Equal(decimal.NewFromInt(100)))
		return boom
	})
	require.ErrorIs(t, err, boom)

	a, err := s.GetAccount(ctx, "cash")
	require.NoError(t, err)
	assert.True(t, a.Balance.IsZero())

	_, err = s.GetPosition(ctx, "p1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMemoryAccountKeyIsUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAccount(t, s, "commission", "USD")

	err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertAccount(ctx, model.Account{ID: "other", Group: "commission", Currency: "USD"})
	})
	assert.ErrorIs(t, err, ErrConflict)

	found, err := s.FindAccount(ctx, model.AccountKey{Group: "commission", Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, "commission", found.ID)
}

func TestMemoryTransactionLegIsUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ref := model.EventRef{Kind: model.KindDeposit, ID: "d1"}

	err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.InsertTransaction(ctx, model.Transaction{ID: "t2", Transactable: ref, Leg: 1}))
		require.NoError(t, tx.InsertTransaction(ctx, model.Transaction{ID: "t1", Transactable: ref, Leg: 0}))
		return tx.InsertTransaction(ctx, model.Transaction{ID: "t3", Transactable: ref, Leg: 1})
	})
	require.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.InsertTransaction(ctx, model.Transaction{ID: "t2", Transactable: ref, Leg: 1}))
		return tx.InsertTransaction(ctx, model.Transaction{ID: "t1", Transactable: ref, Leg: 0})
	}))

	txns, err := s.ListTransactionsByEvent(ctx, ref)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, "t1", txns[0].ID)
	assert.Equal(t, "t2", txns[1].ID)
}

func TestMemoryFlowsAndLots(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.UpsertPosition(ctx, model.Position{ID: "p1"}))
		require.NoError(t, tx.UpsertSubPosition(ctx, model.SubPosition{ID: "lot2", PositionID: "p1", Seq: 2}))
		require.NoError(t, tx.UpsertSubPosition(ctx, model.SubPosition{ID: "lot1", PositionID: "p1", Seq: 1}))

		f1 := &model.PositionFlow{ID: "f1", PositionID: "p1", Type: model.FlowIncrease, TransactionID: "tx1"}
		f2 := &model.PositionFlow{ID: "f2", PositionID: "p1", Type: model.FlowDecrease, TradeID: "tr1"}
		require.NoError(t, tx.InsertFlow(ctx, f1))
		require.NoError(t, tx.InsertFlow(ctx, f2))
		assert.Less(t, f1.Seq, f2.Seq)

		dup := &model.PositionFlow{ID: "f3", PositionID: "p1", Type: model.FlowIncrease, TransactionID: "tx1"}
		assert.ErrorIs(t, tx.InsertFlow(ctx, dup), ErrConflict)

		return tx.InsertLotAllocations(ctx, []model.LotAllocation{
			{SubPositionID: "lot1", FlowID: "f1", Size: decimal.NewFromInt(1)},
			{SubPositionID: "lot1", FlowID: "f2", Size: decimal.NewFromInt(-1)},
			{SubPositionID: "lot2", FlowID: "f2", Size: decimal.NewFromInt(-1)},
		})
	}))

	lots, err := s.ListSubPositions(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.Equal(t, "lot1", lots[0].ID)
	assert.Equal(t, []string{"f1", "f2"}, lots[0].FlowIDs)
	assert.Equal(t, []string{"f2"}, lots[1].FlowIDs)

	exists, err := s.FlowExists(ctx, "tx1", model.FlowIncrease)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return tx.DeleteFlow(ctx, "f2")
	}))
	allocs, err := s.ListLotAllocations(ctx, "f2")
	require.NoError(t, err)
	assert.Empty(t, allocs)

	byTrade, err := s.ListFlowsByTrade(ctx, "tr1")
	require.NoError(t, err)
	assert.Empty(t, byTrade)
}

func TestMemoryReadsAreSnapshots(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ref := model.EventRef{Kind: model.KindTrade, ID: "e1"}

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return tx.UpsertEvent(ctx, model.EventRecord{Kind: ref.Kind, ID: ref.ID, Payload: []byte(`{"a":1}`)})
	}))

	rec, err := s.GetEvent(ctx, ref)
	require.NoError(t, err)
	rec.Payload[0] = 'X'

	again, err := s.GetEvent(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(again.Payload))
}

func TestMemoryListPositionsFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	closed := t0

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		for _, p := range []model.Position{
			{ID: "a", PortfolioID: "pf", Code: "BTC", Side: model.Long},
			{ID: "b", PortfolioID: "pf", Code: "BTC", Side: model.Long, Holding: model.Holding{ClosedAt: &closed}},
			{ID: "c", PortfolioID: "pf", Code: "ETH", Side: model.Short},
		} {
			if err := tx.UpsertPosition(ctx, p); err != nil {
				return err
			}
		}
		return nil
	}))

	open, err := s.ListPositions(ctx, model.PositionFilter{PortfolioID: "pf", Code: "BTC", OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "a", open[0].ID)

	all, err := s.ListPositions(ctx, model.PositionFilter{PortfolioID: "pf"})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "c", all[2].ID)
}
