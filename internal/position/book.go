// Package position keeps average-cost positions and their append-only flows.
//
// Sizes are signed: long positions hold non-negative size and short
// positions non-positive size. Every flow updates the position as
//
//	cost'  = cost + size*price + pnl
//	size'  = size + size
//	entry' = cost'/size'
//
// and a position that returns to zero is closed for good; the next
// acquire of the same key opens a fresh one.
package position

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/id"
	"github.com/atmx/ledger-engine/internal/lots"
	"github.com/atmx/ledger-engine/internal/model"
)

// Store is the persistence the book needs. store.Tx satisfies it.
type Store interface {
	lots.Store
	GetPosition(ctx context.Context, id string) (model.Position, error)
	ListPositions(ctx context.Context, filter model.PositionFilter) ([]model.Position, error)
	UpsertPosition(ctx context.Context, p model.Position) error
	GetFlow(ctx context.Context, id string) (model.PositionFlow, error)
	InsertFlow(ctx context.Context, f *model.PositionFlow) error
	DeleteFlow(ctx context.Context, id string) error
}

// Book mutates positions inside one store transaction.
type Book struct {
	st   Store
	lots *lots.Allocator
	now  func() time.Time
}

// NewBook returns a book over st.
func NewBook(st Store, now func() time.Time) *Book {
	return &Book{st: st, lots: lots.New(st), now: now}
}

// Lots exposes the book's lot allocator.
func (b *Book) Lots() *lots.Allocator { return b.lots }

// AcquireOptions carries attributes set only when a position is created.
type AcquireOptions struct {
	MarginCurrency string
}

// Acquire returns the open position for key, creating one if none is open.
// Lot-tracked positions get their first lot on creation.
func (b *Book) Acquire(ctx context.Context, key model.PositionKey, opts AcquireOptions) (model.Position, error) {
	key.Code = strings.ToUpper(strings.TrimSpace(key.Code))
	key.Currency = strings.ToUpper(strings.TrimSpace(key.Currency))
	switch {
	case key.PortfolioID == "":
		return model.Position{}, fmt.Errorf("%w: position needs a portfolio", model.ErrInvalidEvent)
	case key.Code == "" || key.Currency == "":
		return model.Position{}, fmt.Errorf("%w: position needs a code and a currency", model.ErrInvalidEvent)
	case !key.AssetType.Valid():
		return model.Position{}, fmt.Errorf("%w: unknown asset type %q", model.ErrInvalidEvent, key.AssetType)
	case !key.Side.Valid():
		return model.Position{}, fmt.Errorf("%w: unknown side %q", model.ErrInvalidEvent, key.Side)
	}

	if p, ok, err := b.Find(ctx, key); err != nil || ok {
		return p, err
	}

	p := model.Position{
		ID:             id.New(),
		PortfolioID:    key.PortfolioID,
		AccountID:      key.AccountID,
		Code:           key.Code,
		AssetType:      key.AssetType,
		Currency:       key.Currency,
		Side:           key.Side,
		MarginCurrency: opts.MarginCurrency,
		CreatedAt:      b.now(),
	}
	if err := b.st.UpsertPosition(ctx, p); err != nil {
		return model.Position{}, fmt.Errorf("position: create: %w", err)
	}
	if p.AssetType.LotTracked() {
		if _, err := b.lots.Attach(ctx, p); err != nil {
			return model.Position{}, err
		}
	}
	return p, nil
}

// Find returns the open position with exactly this key.
func (b *Book) Find(ctx context.Context, key model.PositionKey) (model.Position, bool, error) {
	open, err := b.st.ListPositions(ctx, model.PositionFilter{
		PortfolioID: key.PortfolioID,
		AccountID:   key.AccountID,
		Code:        key.Code,
		Currency:    key.Currency,
		AssetType:   key.AssetType,
		Side:        key.Side,
		OpenOnly:    true,
	})
	if err != nil {
		return model.Position{}, false, err
	}
	for _, p := range open {
		if p.Key() == key {
			return p, true, nil
		}
	}
	return model.Position{}, false, nil
}

// Flow describes one size change. Size is signed; Pnl applies to
// decreases only.
type Flow struct {
	Size          decimal.Decimal
	Price         decimal.Decimal
	Margin        decimal.Decimal
	Pnl           decimal.Decimal
	At            time.Time
	TransactionID string
	TradeID       string
}

// Increase grows the position away from zero.
func (b *Book) Increase(ctx context.Context, positionID string, f Flow) (model.PositionFlow, error) {
	f.Pnl = decimal.Zero
	return b.apply(ctx, positionID, model.FlowIncrease, f)
}

// Decrease shrinks the position towards zero, realizing f.Pnl. The pnl is
// taken as given; RealizedPnl computes the usual value.
func (b *Book) Decrease(ctx context.Context, positionID string, f Flow) (model.PositionFlow, error) {
	return b.apply(ctx, positionID, model.FlowDecrease, f)
}

func (b *Book) apply(ctx context.Context, positionID string, typ model.FlowType, f Flow) (model.PositionFlow, error) {
	pos, err := b.st.GetPosition(ctx, positionID)
	if err != nil {
		return model.PositionFlow{}, err
	}
	if err := checkFlow(pos, typ, f.Size, f.Price); err != nil {
		return model.PositionFlow{}, err
	}
	if f.At.IsZero() {
		f.At = b.now()
	}

	flow := model.PositionFlow{
		ID:            id.New(),
		PositionID:    pos.ID,
		Type:          typ,
		Size:          model.Round(f.Size),
		Price:         model.Round(f.Price),
		Margin:        model.Round(f.Margin),
		Pnl:           model.Round(f.Pnl),
		TransactedAt:  f.At,
		TransactionID: f.TransactionID,
		TradeID:       f.TradeID,
	}
	if err := b.st.InsertFlow(ctx, &flow); err != nil {
		return model.PositionFlow{}, fmt.Errorf("position: append %s flow: %w", typ, err)
	}

	pos.Holding.Apply(flow.Size, flow.Price, flow.Pnl, flow.TransactedAt)
	pos.Margin = pos.Margin.Add(flow.Margin)
	if pos.IsClosed() {
		pos.Margin = decimal.Zero
	}
	if err := b.st.UpsertPosition(ctx, pos); err != nil {
		return model.PositionFlow{}, err
	}
	if _, err := b.lots.Apply(ctx, pos, flow); err != nil {
		return model.PositionFlow{}, err
	}
	return flow, nil
}

// checkFlow enforces that the position is open, that the size points the
// right way for its side and that a shrinking flow does not cross zero.
func checkFlow(pos model.Position, typ model.FlowType, size, price decimal.Decimal) error {
	if pos.IsClosed() {
		return fmt.Errorf("%w: position %s is closed", model.ErrInvariantViolation, pos.ID)
	}
	if size.IsZero() {
		return fmt.Errorf("%w: flow size must not be zero", model.ErrInvariantViolation)
	}
	if price.IsNegative() {
		return fmt.Errorf("%w: flow price %s is negative", model.ErrInvariantViolation, price)
	}

	want := 1
	if pos.Side == model.Short {
		want = -1
	}
	if !typ.Grows() {
		want = -want
	}
	if size.Sign() != want {
		return fmt.Errorf("%w: %s of %s on a %s position", model.ErrInvariantViolation, typ, size, pos.Side)
	}
	if !typ.Grows() && size.Abs().GreaterThan(pos.Size.Abs()) {
		return fmt.Errorf("%w: %s of %s exceeds position size %s", model.ErrInvariantViolation, typ, size, pos.Size)
	}
	return nil
}

// RealizedPnl is the pnl of decreasing pos by a signed size at price. Lot
// tracked positions use the FIFO lot cost basis, others the average entry
// price: round((entry - price) * size, 8).
func (b *Book) RealizedPnl(ctx context.Context, pos model.Position, price, size decimal.Decimal) (decimal.Decimal, error) {
	if pos.AssetType.LotTracked() {
		open, err := b.lots.Open(ctx, pos.ID)
		if err != nil {
			return decimal.Zero, err
		}
		if len(open) > 0 {
			return lots.Preview(open, price, size)
		}
	}
	return pos.DecreasePnl(price, size), nil
}

// TransferRequest moves size between two positions in the same currency.
type TransferRequest struct {
	From string
	To   string
	// Size is the magnitude taken out of From.
	Size decimal.Decimal
	// TargetSize is the magnitude added to To; zero means Size.
	TargetSize decimal.Decimal
	// Cost is the total cost carried to To; nil means From's entry price
	// times From's whole size, taken before the transfer.
	Cost *decimal.Decimal
	At   time.Time
}

// Transfer books a transfer_out on the source at its mark price, realizing
// the usual pnl, and a transfer_in on the destination at cost/target size.
func (b *Book) Transfer(ctx context.Context, req TransferRequest) (out, in model.PositionFlow, err error) {
	if req.From == req.To {
		return out, in, fmt.Errorf("%w: transfer to the same position", model.ErrInvariantViolation)
	}
	if !req.Size.IsPositive() {
		return out, in, fmt.Errorf("%w: transfer size must be positive", model.ErrInvariantViolation)
	}
	target := req.TargetSize
	if target.IsZero() {
		target = req.Size
	}
	if target.IsNegative() {
		return out, in, fmt.Errorf("%w: transfer target size must be positive", model.ErrInvariantViolation)
	}

	from, err := b.st.GetPosition(ctx, req.From)
	if err != nil {
		return out, in, err
	}
	to, err := b.st.GetPosition(ctx, req.To)
	if err != nil {
		return out, in, err
	}
	if from.Currency != to.Currency {
		return out, in, fmt.Errorf("%w: transfer from %s to %s", model.ErrCurrencyMismatch, from.Currency, to.Currency)
	}

	cost := from.EntryPrice.Mul(from.Size.Abs())
	if req.Cost != nil {
		cost = *req.Cost
	}

	size := req.Size.Mul(sideSign(from.Side)).Neg()
	if err := checkFlow(from, model.FlowTransferOut, size, from.Price); err != nil {
		return out, in, err
	}
	pnl, err := b.RealizedPnl(ctx, from, from.Price, size)
	if err != nil {
		return out, in, err
	}
	out, err = b.apply(ctx, from.ID, model.FlowTransferOut, Flow{
		Size:  size,
		Price: from.Price,
		Pnl:   pnl,
		At:    req.At,
	})
	if err != nil {
		return out, in, err
	}
	in, err = b.apply(ctx, to.ID, model.FlowTransferIn, Flow{
		Size:  target.Mul(sideSign(to.Side)),
		Price: model.Round(cost.Div(target)),
		At:    req.At,
	})
	return out, in, err
}

func sideSign(s model.Side) decimal.Decimal {
	if s == model.Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Revert undoes a flow and deletes it together with its lot allocations.
// Flows of closed positions cannot be reverted.
func (b *Book) Revert(ctx context.Context, flowID string) error {
	flow, err := b.st.GetFlow(ctx, flowID)
	if err != nil {
		return err
	}
	pos, err := b.st.GetPosition(ctx, flow.PositionID)
	if err != nil {
		return err
	}
	if pos.IsClosed() {
		return fmt.Errorf("%w: position %s is closed", model.ErrInvariantViolation, pos.ID)
	}

	if err := b.lots.Revert(ctx, pos, flow); err != nil {
		return err
	}
	pos.Holding.Revert(flow.Size, flow.Price, flow.Pnl)
	pos.Margin = pos.Margin.Sub(flow.Margin)
	if pos.Size.Sign() == -sideSign(pos.Side).Sign() {
		return fmt.Errorf("%w: reverting flow %s would flip position %s", model.ErrInvariantViolation, flow.ID, pos.ID)
	}

	if err := b.st.DeleteFlow(ctx, flow.ID); err != nil {
		return err
	}
	return b.st.UpsertPosition(ctx, pos)
}
