// Package lots maintains FIFO cost-basis lots (sub-positions) for
// lot-tracked positions.
//
// Growing flows fold into the most recent lot. Shrinking flows consume lots
// oldest first; each consumed lot is charged its own cost-basis pnl plus a
// pro-rata share of whatever the flow's pnl differs from the cost-basis
// total, so the lot pnls always add up to the flow pnl.
package lots

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/id"
	"github.com/atmx/ledger-engine/internal/model"
)

// Store is the persistence the allocator needs. store.Tx satisfies it.
type Store interface {
	ListSubPositions(ctx context.Context, positionID string) ([]model.SubPosition, error)
	UpsertSubPosition(ctx context.Context, sp model.SubPosition) error
	ListLotAllocations(ctx context.Context, flowID string) ([]model.LotAllocation, error)
	InsertLotAllocations(ctx context.Context, allocs []model.LotAllocation) error
}

// Allocator applies position flows to lots.
type Allocator struct {
	st Store
}

// New returns an allocator over st.
func New(st Store) *Allocator {
	return &Allocator{st: st}
}

// Attach opens a new, empty head lot on the position.
func (a *Allocator) Attach(ctx context.Context, pos model.Position) (model.SubPosition, error) {
	lots, err := a.st.ListSubPositions(ctx, pos.ID)
	if err != nil {
		return model.SubPosition{}, err
	}
	seq := 1
	if n := len(lots); n > 0 {
		seq = lots[n-1].Seq + 1
	}
	sp := model.SubPosition{ID: id.New(), PositionID: pos.ID, Seq: seq}
	if err := a.st.UpsertSubPosition(ctx, sp); err != nil {
		return model.SubPosition{}, fmt.Errorf("lots: attach: %w", err)
	}
	return sp, nil
}

// Open returns the lots that still hold size, oldest first.
func (a *Allocator) Open(ctx context.Context, positionID string) ([]model.SubPosition, error) {
	lots, err := a.st.ListSubPositions(ctx, positionID)
	if err != nil {
		return nil, err
	}
	open := lots[:0]
	for _, sp := range lots {
		if !sp.IsClosed() && !sp.Size.IsZero() {
			open = append(open, sp)
		}
	}
	return open, nil
}

// Apply allocates a stored flow to the position's lots and records the
// allocations. Positions that are not lot-tracked are ignored.
func (a *Allocator) Apply(ctx context.Context, pos model.Position, flow model.PositionFlow) ([]model.LotAllocation, error) {
	if !pos.AssetType.LotTracked() {
		return nil, nil
	}

	var allocs []model.LotAllocation
	var err error
	if flow.Type.Grows() {
		allocs, err = a.grow(ctx, pos, flow)
	} else {
		allocs, err = a.shrink(ctx, pos, flow)
	}
	if err != nil {
		return nil, err
	}
	if err := a.st.InsertLotAllocations(ctx, allocs); err != nil {
		return nil, fmt.Errorf("lots: record allocations: %w", err)
	}
	return allocs, nil
}

func (a *Allocator) grow(ctx context.Context, pos model.Position, flow model.PositionFlow) ([]model.LotAllocation, error) {
	lots, err := a.st.ListSubPositions(ctx, pos.ID)
	if err != nil {
		return nil, err
	}
	var head model.SubPosition
	if n := len(lots); n > 0 && !lots[n-1].IsClosed() {
		head = lots[n-1]
	} else if head, err = a.Attach(ctx, pos); err != nil {
		return nil, err
	}

	head.Apply(flow.Size, flow.Price, flow.Pnl, flow.TransactedAt)
	if err := a.st.UpsertSubPosition(ctx, head); err != nil {
		return nil, err
	}
	return []model.LotAllocation{{SubPositionID: head.ID, FlowID: flow.ID, Size: flow.Size, Pnl: flow.Pnl}}, nil
}

func (a *Allocator) shrink(ctx context.Context, pos model.Position, flow model.PositionFlow) ([]model.LotAllocation, error) {
	open, err := a.Open(ctx, pos.ID)
	if err != nil {
		return nil, err
	}
	parts, err := Split(open, flow.Price, flow.Size, flow.Pnl)
	if err != nil {
		return nil, err
	}

	allocs := make([]model.LotAllocation, 0, len(parts))
	for i, part := range parts {
		lot := open[i]
		lot.Apply(part.Size, flow.Price, part.Pnl, flow.TransactedAt)
		if err := a.st.UpsertSubPosition(ctx, lot); err != nil {
			return nil, err
		}
		allocs = append(allocs, model.LotAllocation{
			SubPositionID: lot.ID,
			FlowID:        flow.ID,
			Size:          part.Size,
			Pnl:           part.Pnl,
		})
	}
	return allocs, nil
}

// Revert undoes the allocations recorded for flow. A lot closed by a later
// flow cannot be reopened.
func (a *Allocator) Revert(ctx context.Context, pos model.Position, flow model.PositionFlow) error {
	if !pos.AssetType.LotTracked() {
		return nil
	}
	allocs, err := a.st.ListLotAllocations(ctx, flow.ID)
	if err != nil {
		return err
	}
	lots, err := a.st.ListSubPositions(ctx, pos.ID)
	if err != nil {
		return err
	}
	byID := make(map[string]model.SubPosition, len(lots))
	for _, sp := range lots {
		byID[sp.ID] = sp
	}

	for _, alloc := range allocs {
		lot, ok := byID[alloc.SubPositionID]
		if !ok {
			return fmt.Errorf("%w: sub position %s", model.ErrNotFound, alloc.SubPositionID)
		}
		if lot.IsClosed() && (len(lot.FlowIDs) == 0 || lot.FlowIDs[len(lot.FlowIDs)-1] != flow.ID) {
			return fmt.Errorf("%w: sub position %s was closed by a later flow", model.ErrInvariantViolation, lot.ID)
		}
		before := lot.Size.Sign()
		lot.Revert(alloc.Size, flow.Price, alloc.Pnl)
		if after := lot.Size.Sign(); before != 0 && after != 0 && after != before {
			return fmt.Errorf("%w: reverting flow %s would flip sub position %s", model.ErrInvariantViolation, flow.ID, lot.ID)
		}
		if err := a.st.UpsertSubPosition(ctx, lot); err != nil {
			return err
		}
	}
	return nil
}

// Part is one lot's share of a shrinking flow.
type Part struct {
	Size decimal.Decimal
	Pnl  decimal.Decimal
}

// Split distributes a shrinking flow of signed size over open lots, oldest
// first. The returned parts line up with the consumed prefix of lots and
// their pnls sum to pnl exactly.
func Split(lots []model.SubPosition, price, size, pnl decimal.Decimal) ([]Part, error) {
	parts, natural, err := consume(lots, price, size)
	if err != nil {
		return nil, err
	}

	residual := pnl.Sub(natural)
	remaining := size
	for i := range parts {
		share := residual
		if i < len(parts)-1 {
			share = model.Round(parts[i].Size.Div(remaining).Mul(residual))
		}
		parts[i].Pnl = parts[i].Pnl.Add(share)
		residual = residual.Sub(share)
		remaining = remaining.Sub(parts[i].Size)
	}
	return parts, nil
}

// Preview returns the cost-basis pnl of shrinking the lots by size at price.
func Preview(lots []model.SubPosition, price, size decimal.Decimal) (decimal.Decimal, error) {
	_, natural, err := consume(lots, price, size)
	return natural, err
}

// consume walks the lots FIFO and returns each consumed lot's size and
// cost-basis pnl together with their total.
func consume(lots []model.SubPosition, price, size decimal.Decimal) ([]Part, decimal.Decimal, error) {
	var parts []Part
	total := decimal.Zero
	remaining := size

	for _, lot := range lots {
		if remaining.IsZero() {
			break
		}
		if !lot.Size.IsZero() && lot.Size.Sign() == remaining.Sign() {
			return nil, decimal.Zero, fmt.Errorf("%w: flow of size %s would grow lot %s",
				model.ErrInvariantViolation, size, lot.ID)
		}
		candidate := model.MinAbs(remaining, lot.Size)
		natural := model.Round(lot.EntryPrice.Sub(price).Mul(candidate))
		parts = append(parts, Part{Size: candidate, Pnl: natural})
		total = total.Add(natural)
		remaining = remaining.Sub(candidate)
	}

	if !remaining.IsZero() {
		return nil, decimal.Zero, fmt.Errorf("%w: decrease of %s exceeds open lots", model.ErrInvariantViolation, size)
	}
	return parts, total, nil
}
