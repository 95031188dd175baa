package lots

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var at = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func lot(id string, size, entry string) model.SubPosition {
	return model.SubPosition{ID: id, Holding: model.Holding{Size: d(size), EntryPrice: d(entry)}}
}

func TestSplitScenarioB(t *testing.T) {
	lots := []model.SubPosition{lot("a", "5", "100"), lot("b", "5", "110")}

	natural, err := Preview(lots, d("120"), d("-8"))
	require.NoError(t, err)
	assert.Equal(t, "130", natural.String())

	parts, err := Split(lots, d("120"), d("-8"), natural)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "-5", parts[0].Size.String())
	assert.Equal(t, "100", parts[0].Pnl.String())
	assert.Equal(t, "-3", parts[1].Size.String())
	assert.Equal(t, "30", parts[1].Pnl.String())
}

func TestSplitConservesPnl(t *testing.T) {
	tests := []struct {
		name  string
		lots  []model.SubPosition
		price string
		size  string
		pnl   string
	}{
		{"external pnl", []model.SubPosition{lot("a", "5", "100"), lot("b", "5", "110")}, "120", "-8", "120"},
		{"uneven residual", []model.SubPosition{lot("a", "3", "10"), lot("b", "3", "11"), lot("c", "3", "12")}, "9", "-7", "1"},
		{"short lots", []model.SubPosition{lot("a", "-2", "50"), lot("b", "-2", "40")}, "45", "3", "-0.33333333"},
		{"single lot", []model.SubPosition{lot("a", "1", "100")}, "90", "-0.5", "-7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts, err := Split(tt.lots, d(tt.price), d(tt.size), d(tt.pnl))
			require.NoError(t, err)

			size, pnl := decimal.Zero, decimal.Zero
			for _, p := range parts {
				size = size.Add(p.Size)
				pnl = pnl.Add(p.Pnl)
			}
			assert.True(t, size.Equal(d(tt.size)), "sizes sum to %s, got %s", tt.size, size)
			assert.True(t, pnl.Equal(d(tt.pnl)), "pnls sum to %s, got %s", tt.pnl, pnl)
		})
	}
}

func TestSplitRejectsOversizedDecrease(t *testing.T) {
	_, err := Split([]model.SubPosition{lot("a", "2", "10")}, d("10"), d("-3"), decimal.Zero)
	assert.ErrorIs(t, err, model.ErrInvariantViolation)

	_, err = Split([]model.SubPosition{lot("a", "2", "10")}, d("10"), d("1"), decimal.Zero)
	assert.ErrorIs(t, err, model.ErrInvariantViolation)
}

// harness applies flows to a perp position inside one memory-store
// transaction.
type harness struct {
	t   *testing.T
	ctx context.Context
	tx  store.Tx
	a   *Allocator
	pos model.Position
	n   int
}

func run(t *testing.T, fn func(h *harness)) {
	t.Helper()
	s := store.NewMemoryStore()
	require.NoError(t, s.Atomic(context.Background(), func(ctx context.Context, tx store.Tx) error {
		pos := model.Position{ID: "pos", AssetType: model.CryptoPerp, Side: model.Long}
		require.NoError(t, tx.UpsertPosition(ctx, pos))
		fn(&harness{t: t, ctx: ctx, tx: tx, a: New(tx), pos: pos})
		return nil
	}))
}

func (h *harness) flow(typ model.FlowType, size, price, pnl string) (model.PositionFlow, error) {
	h.n++
	f := model.PositionFlow{
		ID:           "f" + string(rune('0'+h.n)),
		PositionID:   h.pos.ID,
		Type:         typ,
		Size:         d(size),
		Price:        d(price),
		Pnl:          d(pnl),
		TransactedAt: at.Add(time.Duration(h.n) * time.Minute),
	}
	require.NoError(h.t, h.tx.InsertFlow(h.ctx, &f))
	_, err := h.a.Apply(h.ctx, h.pos, f)
	return f, err
}

func (h *harness) lots() []model.SubPosition {
	lots, err := h.tx.ListSubPositions(h.ctx, h.pos.ID)
	require.NoError(h.t, err)
	return lots
}

func TestAllocatorScenarioB(t *testing.T) {
	run(t, func(h *harness) {
		_, err := h.flow(model.FlowIncrease, "5", "100", "0")
		require.NoError(t, err)
		_, err = h.a.Attach(h.ctx, h.pos)
		require.NoError(t, err)
		_, err = h.flow(model.FlowIncrease, "5", "110", "0")
		require.NoError(t, err)

		open, err := h.a.Open(h.ctx, h.pos.ID)
		require.NoError(t, err)
		pnl, err := Preview(open, d("120"), d("-8"))
		require.NoError(t, err)

		dec, err := h.flow(model.FlowDecrease, "-8", "120", pnl.String())
		require.NoError(t, err)

		lots := h.lots()
		require.Len(t, lots, 2)
		assert.True(t, lots[0].IsClosed())
		assert.Equal(t, "100", lots[0].RealizedPnl.String())
		assert.False(t, lots[1].IsClosed())
		assert.Equal(t, "2", lots[1].Size.String())
		assert.Equal(t, "30", lots[1].RealizedPnl.String())
		assert.Equal(t, "110", lots[1].EntryPrice.String())

		allocs, err := h.tx.ListLotAllocations(h.ctx, dec.ID)
		require.NoError(t, err)
		require.Len(t, allocs, 2)
		assert.Equal(t, "130", allocs[0].Pnl.Add(allocs[1].Pnl).String())
	})
}

func TestAllocatorFoldsIntoHeadLot(t *testing.T) {
	run(t, func(h *harness) {
		_, err := h.flow(model.FlowIncrease, "1", "100", "0")
		require.NoError(t, err)
		_, err = h.flow(model.FlowTransferIn, "3", "200", "0")
		require.NoError(t, err)

		lots := h.lots()
		require.Len(t, lots, 1)
		assert.Equal(t, "4", lots[0].Size.String())
		assert.Equal(t, "175", lots[0].EntryPrice.String())
		assert.Equal(t, []string{"f1", "f2"}, lots[0].FlowIDs)
	})
}

func TestAllocatorReplacesClosedHead(t *testing.T) {
	run(t, func(h *harness) {
		_, err := h.flow(model.FlowIncrease, "2", "10", "0")
		require.NoError(t, err)
		_, err = h.flow(model.FlowDecrease, "-2", "12", "4")
		require.NoError(t, err)
		_, err = h.flow(model.FlowIncrease, "1", "11", "0")
		require.NoError(t, err)

		lots := h.lots()
		require.Len(t, lots, 2)
		assert.True(t, lots[0].IsClosed())
		assert.Equal(t, 2, lots[1].Seq)
		assert.Equal(t, "1", lots[1].Size.String())
	})
}

func TestAllocatorRevertReopensLot(t *testing.T) {
	run(t, func(h *harness) {
		_, err := h.flow(model.FlowIncrease, "2", "10", "0")
		require.NoError(t, err)
		dec, err := h.flow(model.FlowDecrease, "-2", "12", "4")
		require.NoError(t, err)
		require.True(t, h.lots()[0].IsClosed())

		require.NoError(t, h.a.Revert(h.ctx, h.pos, dec))
		require.NoError(t, h.tx.DeleteFlow(h.ctx, dec.ID))

		lots := h.lots()
		require.Len(t, lots, 1)
		assert.False(t, lots[0].IsClosed())
		assert.Equal(t, "2", lots[0].Size.String())
		assert.Equal(t, "10", lots[0].EntryPrice.String())
		assert.True(t, lots[0].RealizedPnl.IsZero())
	})
}

func TestAllocatorRevertRejectsLaterClosedLot(t *testing.T) {
	run(t, func(h *harness) {
		inc, err := h.flow(model.FlowIncrease, "2", "10", "0")
		require.NoError(t, err)
		_, err = h.flow(model.FlowDecrease, "-2", "12", "4")
		require.NoError(t, err)

		err = h.a.Revert(h.ctx, h.pos, inc)
		assert.ErrorIs(t, err, model.ErrInvariantViolation)
	})
}

func TestAllocatorIgnoresSpotPositions(t *testing.T) {
	s := store.NewMemoryStore()
	require.NoError(t, s.Atomic(context.Background(), func(ctx context.Context, tx store.Tx) error {
		allocs, err := New(tx).Apply(ctx, model.Position{ID: "spot", AssetType: model.Crypto},
			model.PositionFlow{ID: "x", Type: model.FlowIncrease, Size: d("1"), Price: d("1")})
		require.NoError(t, err)
		assert.Nil(t, allocs)
		return nil
	}))
}
