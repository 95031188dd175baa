package model

import (
	"time"

	"github.com/shopspring/decimal"
)

func (h Holding) IsClosed() bool { return h.ClosedAt != nil }

// Apply folds one flow into the holding:
//
//	cost' = cost + size*price + pnl
//	size' = size + size
//	entry' = cost'/size'   (unchanged when size' == 0)
//
// A holding that reaches zero is closed at `at`.
func (h *Holding) Apply(size, price, pnl decimal.Decimal, at time.Time) {
	if h.OpenedAt == nil {
		opened := at
		h.OpenedAt = &opened
	}
	h.Size = h.Size.Add(size)
	h.Cost = h.Cost.Add(size.Mul(price)).Add(pnl)
	h.RealizedPnl = h.RealizedPnl.Add(pnl)
	h.Price = price

	if h.Size.IsZero() {
		closed := at
		h.ClosedAt = &closed
		h.UnrealizedPnl = decimal.Zero
		return
	}
	h.EntryPrice = Round(h.Cost.Div(h.Size))
	h.Mark(price)
}

// Revert undoes a previous Apply with the same arguments. The holding is
// reopened; if nothing remains it goes back to its never-opened state.
func (h *Holding) Revert(size, price, pnl decimal.Decimal) {
	h.Size = h.Size.Sub(size)
	h.Cost = h.Cost.Sub(size.Mul(price)).Sub(pnl)
	h.RealizedPnl = h.RealizedPnl.Sub(pnl)
	h.ClosedAt = nil

	if h.Size.IsZero() {
		h.EntryPrice = decimal.Zero
		h.Cost = decimal.Zero
		h.UnrealizedPnl = decimal.Zero
		h.OpenedAt = nil
		return
	}
	h.EntryPrice = Round(h.Cost.Div(h.Size))
	h.Mark(h.Price)
}

// Mark revalues the open holding at price.
func (h *Holding) Mark(price decimal.Decimal) {
	h.Price = price
	if h.Size.IsZero() {
		h.UnrealizedPnl = decimal.Zero
		return
	}
	h.UnrealizedPnl = Round(price.Sub(h.EntryPrice).Mul(h.Size))
}

// DecreasePnl is the average-cost realized pnl of reducing a holding by a
// signed size at price: round((entry - price) * size, 8).
func (h Holding) DecreasePnl(price, size decimal.Decimal) decimal.Decimal {
	return Round(h.EntryPrice.Sub(price).Mul(size))
}
