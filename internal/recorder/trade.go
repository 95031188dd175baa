package recorder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/atmx/ledger-engine/internal/accounts"
	"github.com/atmx/ledger-engine/internal/id"
	"github.com/atmx/ledger-engine/internal/instrument"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/position"
)

// tradeRecorder fans a trade out, in order, into its realized pnl, the
// currency exchange settling a spot trade, its commission and the flow of
// a derivative position. Child events get ids derived from the trade id so
// an amendment finds and rewrites them.
type tradeRecorder struct{ ev *model.Trade }

func (r *tradeRecorder) Validate(ctx context.Context, s *Scope) error {
	t := r.ev
	normalizeTrade(t)

	switch {
	case !t.AssetType.Valid():
		return fmt.Errorf("%w: trade %s has unknown asset type %q", model.ErrInvalidEvent, t.ID, t.AssetType)
	case !t.Action.Valid():
		return fmt.Errorf("%w: trade %s has unknown action %q", model.ErrInvalidEvent, t.ID, t.Action)
	case t.AssetType.LotTracked() && t.Action != model.OpenLong && t.Action != model.OpenShort &&
		t.Action != model.CloseLong && t.Action != model.CloseShort:
		return fmt.Errorf("%w: %s trade %s must open or close a side, got %s", model.ErrInvalidEvent, t.AssetType, t.ID, t.Action)
	case !t.AssetType.LotTracked() && t.Action != model.Buy && t.Action != model.Sell:
		return fmt.Errorf("%w: %s trade %s must buy or sell, got %s", model.ErrInvalidEvent, t.AssetType, t.ID, t.Action)
	case !model.Round(t.Size).IsPositive():
		return fmt.Errorf("%w: trade %s size must be positive, got %s", model.ErrInvalidEvent, t.ID, t.Size)
	case !model.Round(t.Price).IsPositive():
		return fmt.Errorf("%w: trade %s price must be positive, got %s", model.ErrInvalidEvent, t.ID, t.Price)
	case t.Margin.IsNegative():
		return fmt.Errorf("%w: trade %s margin is negative", model.ErrInvalidEvent, t.ID)
	}
	for _, code := range []string{t.Code, t.Currency, t.CommsCurrency, t.PnlCurrency, t.MarginCurrency} {
		if err := instrument.ValidateCurrency(code); err != nil {
			return fmt.Errorf("%w: trade %s: %v", model.ErrInvalidEvent, t.ID, err)
		}
	}
	if t.Code == t.Currency {
		return fmt.Errorf("%w: trade %s exchanges %s for itself", model.ErrInvalidEvent, t.ID, t.Code)
	}

	_, err := s.Tx.GetPortfolio(ctx, t.PortfolioID)
	return err
}

// normalizeTrade upper-cases codes and defaults the fee, pnl and margin
// currencies to the quote currency.
func normalizeTrade(t *model.Trade) {
	up := func(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
	t.Code, t.Currency = up(t.Code), up(t.Currency)
	t.CommsCurrency, t.PnlCurrency, t.MarginCurrency = up(t.CommsCurrency), up(t.PnlCurrency), up(t.MarginCurrency)
	if t.CommsCurrency == "" {
		t.CommsCurrency = t.Currency
	}
	if t.PnlCurrency == "" {
		t.PnlCurrency = t.Currency
	}
	if t.MarginCurrency == "" {
		t.MarginCurrency = t.Currency
	}
}

func (r *tradeRecorder) Post(ctx context.Context, s *Scope) error { return r.fanOut(ctx, s) }

// Amend reverts the derivative flows the trade booked and books the trade
// again. Children are amended in place.
func (r *tradeRecorder) Amend(ctx context.Context, s *Scope) error {
	flows, err := s.Tx.ListFlowsByTrade(ctx, r.ev.ID)
	if err != nil {
		return err
	}
	for i := len(flows) - 1; i >= 0; i-- {
		// Flows booked by ledger legs are amended together with their leg.
		if flows[i].TransactionID != "" {
			continue
		}
		if err := s.Book.Revert(ctx, flows[i].ID); err != nil {
			return fmt.Errorf("recorder: amend trade %s: %w", r.ev.ID, err)
		}
	}
	return r.fanOut(ctx, s)
}

func (r *tradeRecorder) fanOut(ctx context.Context, s *Scope) error {
	t := r.ev

	err := r.child(ctx, s, model.KindRealizedPnl, !model.Round(t.Pnl).IsZero(), func() (model.Event, error) {
		acct, err := r.account(ctx, s, t.PnlCurrency)
		return &model.RealizedPnl{AccountID: acct.ID, Amount: t.Pnl, TradeID: t.ID, GrantedAt: t.TransactedAt}, err
	})
	if err != nil {
		return err
	}

	if err := r.child(ctx, s, model.KindCurrencyExchange, t.AssetType.Exchangeable(), func() (model.Event, error) {
		return r.exchange(ctx, s)
	}); err != nil {
		return err
	}

	err = r.child(ctx, s, model.KindCommission, !model.Round(t.Comms).IsZero(), func() (model.Event, error) {
		acct, err := r.account(ctx, s, t.CommsCurrency)
		return &model.Commission{AccountID: acct.ID, Amount: t.Comms, TradeID: t.ID, ChargedAt: t.TransactedAt}, err
	})
	if err != nil {
		return err
	}

	return r.flow(ctx, s)
}

// child adds or amends one event derived from the trade. A child the trade
// no longer produces has its legs removed.
func (r *tradeRecorder) child(ctx context.Context, s *Scope, kind model.EventKind, want bool, build func() (model.Event, error)) error {
	ref := model.EventRef{Kind: kind, ID: id.Derive(r.ev.ID, string(kind))}
	rec, err := s.Tx.GetEvent(ctx, ref)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	posted := err == nil && rec.Status == model.StatusPosted

	if !want {
		if posted {
			_, err := s.Ledger.Sync(ctx, ref, nil)
			return err
		}
		return nil
	}

	ev, err := build()
	if err != nil {
		return err
	}
	ev.SetEventID(ref.ID)
	if posted {
		return Update(ctx, s, ev)
	}
	return Add(ctx, s, ev)
}

// exchange is the spot settlement: the portfolio receives size of the
// code for size*price of the currency on a buy, and the reverse on a sell.
func (r *tradeRecorder) exchange(ctx context.Context, s *Scope) (model.Event, error) {
	t := r.ev
	buy, sell := t.BuySell()
	in, err := r.account(ctx, s, buy)
	if err != nil {
		return nil, err
	}
	out, err := r.account(ctx, s, sell)
	if err != nil {
		return nil, err
	}

	notional := model.Round(t.Size.Mul(t.Price))
	received, given := t.Size, notional
	if t.Action == model.Sell {
		received, given = notional, t.Size
	}
	return &model.CurrencyExchange{
		DebitAccountID:  in.ID,
		CreditAccountID: out.ID,
		DebitAmount:     received,
		CreditAmount:    given,
		TradeID:         t.ID,
		TransactedAt:    t.TransactedAt,
	}, nil
}

// flow books the derivative position change of perpetual trades. Opens
// increase the side, closes decrease it at the book's realized pnl.
func (r *tradeRecorder) flow(ctx context.Context, s *Scope) error {
	t := r.ev
	if !t.AssetType.LotTracked() {
		return nil
	}

	pos, err := s.Book.Acquire(ctx, model.PositionKey{
		PortfolioID: t.PortfolioID,
		Code:        t.Code,
		AssetType:   t.AssetType,
		Currency:    t.Currency,
		Side:        t.Action.Side(),
	}, position.AcquireOptions{MarginCurrency: t.MarginCurrency})
	if err != nil {
		return err
	}

	size := t.Size
	if t.Action == model.CloseLong || t.Action == model.OpenShort {
		size = size.Neg()
	}
	f := position.Flow{Size: size, Price: t.Price, At: t.TransactedAt, TradeID: t.ID}

	if t.Action.Opens() {
		f.Margin = t.Margin
		_, err = s.Book.Increase(ctx, pos.ID, f)
		return err
	}
	if f.Pnl, err = s.Book.RealizedPnl(ctx, pos, t.Price, size); err != nil {
		return err
	}
	_, err = s.Book.Decrease(ctx, pos.ID, f)
	return err
}

// account returns the portfolio account holding cur for the trade's
// settlement asset type.
func (r *tradeRecorder) account(ctx context.Context, s *Scope, cur string) (model.Account, error) {
	return s.Accounts.Acquire(ctx, accounts.Spec{
		PortfolioID: r.ev.PortfolioID,
		Currency:    cur,
		AssetType:   r.ev.AssetType.Base(),
	})
}
