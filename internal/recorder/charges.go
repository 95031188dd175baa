package recorder

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/accounts"
	"github.com/atmx/ledger-engine/internal/instrument"
	"github.com/atmx/ledger-engine/internal/ledger"
	"github.com/atmx/ledger-engine/internal/model"
)

// single is the shared shape of events that book one leg between an owned
// account and a group account.
type single struct {
	ref       model.EventRef
	accountID string
	group     model.Group
	amount    decimal.Decimal
	at        time.Time
	tradeID   string
	// credit reports whether a positive amount is paid into the account.
	credit bool
}

func (sg single) validate(ctx context.Context, s *Scope) error {
	if sg.accountID == "" {
		return fmt.Errorf("%w: %s %s needs an account", model.ErrInvalidEvent, sg.ref.Kind, sg.ref.ID)
	}
	if model.Round(sg.amount).IsZero() {
		return fmt.Errorf("%w: %s %s has a zero amount", model.ErrInvalidEvent, sg.ref.Kind, sg.ref.ID)
	}
	_, err := s.Accounts.Get(ctx, sg.accountID)
	return err
}

func (sg single) sync(ctx context.Context, s *Scope) error {
	acct, err := s.Accounts.Get(ctx, sg.accountID)
	if err != nil {
		return err
	}
	group, err := s.Accounts.Acquire(ctx, accounts.Spec{Group: sg.group, Currency: acct.Currency})
	if err != nil {
		return err
	}
	amount := sg.amount
	if sg.credit {
		amount = amount.Neg()
	}
	e := charge(acct, group, amount, sg.at)
	e.TradeID = sg.tradeID
	_, err = s.Ledger.Sync(ctx, sg.ref, []ledger.Entry{e})
	return err
}

// commissionRecorder books a fee: the commission group is debited and the
// paying account credited. Negative commissions are rebates.
type commissionRecorder struct{ ev *model.Commission }

func (r *commissionRecorder) single() single {
	c := r.ev
	return single{
		ref:       Ref(c),
		accountID: c.AccountID,
		group:     model.GroupCommission,
		amount:    c.Amount,
		at:        c.ChargedAt,
		tradeID:   c.TradeID,
	}
}

func (r *commissionRecorder) Validate(ctx context.Context, s *Scope) error {
	return r.single().validate(ctx, s)
}

func (r *commissionRecorder) Post(ctx context.Context, s *Scope) error {
	return r.single().sync(ctx, s)
}

func (r *commissionRecorder) Amend(ctx context.Context, s *Scope) error {
	return r.single().sync(ctx, s)
}

// pnlRecorder books realized profit into an account from the realized pnl
// group. Losses run the other way.
type pnlRecorder struct{ ev *model.RealizedPnl }

func (r *pnlRecorder) single() single {
	p := r.ev
	return single{
		ref:       Ref(p),
		accountID: p.AccountID,
		group:     model.GroupRealizedPnl,
		amount:    p.Amount,
		at:        p.GrantedAt,
		tradeID:   p.TradeID,
		credit:    true,
	}
}

func (r *pnlRecorder) Validate(ctx context.Context, s *Scope) error {
	return r.single().validate(ctx, s)
}

func (r *pnlRecorder) Post(ctx context.Context, s *Scope) error {
	return r.single().sync(ctx, s)
}

func (r *pnlRecorder) Amend(ctx context.Context, s *Scope) error {
	return r.single().sync(ctx, s)
}

// fundingRecorder books a perpetual funding payment against the settlement
// account of the position it was charged on. A positive amount is paid by
// the portfolio.
type fundingRecorder struct{ ev *model.FundingFee }

func (r *fundingRecorder) Validate(ctx context.Context, s *Scope) error {
	f := r.ev
	if !f.AssetType.LotTracked() {
		return fmt.Errorf("%w: funding fee %s on %s, only perpetual swaps pay funding", model.ErrInvalidEvent, f.ID, f.AssetType)
	}
	if _, err := instrument.ParseSymbol(f.Code); err != nil {
		return fmt.Errorf("%w: funding fee %s: %v", model.ErrInvalidEvent, f.ID, err)
	}
	if model.Round(f.Amount).IsZero() {
		return fmt.Errorf("%w: funding fee %s has a zero amount", model.ErrInvalidEvent, f.ID)
	}
	if f.FundingRate.IsZero() {
		return fmt.Errorf("%w: funding fee %s has a zero rate", model.ErrInvalidEvent, f.ID)
	}
	_, err := s.Tx.GetPortfolio(ctx, f.PortfolioID)
	return err
}

func (r *fundingRecorder) Post(ctx context.Context, s *Scope) error { return r.sync(ctx, s) }

func (r *fundingRecorder) Amend(ctx context.Context, s *Scope) error { return r.sync(ctx, s) }

func (r *fundingRecorder) sync(ctx context.Context, s *Scope) error {
	f := r.ev
	sym, err := instrument.ParseSymbol(f.Code)
	if err != nil {
		return fmt.Errorf("%w: funding fee %s: %v", model.ErrInvalidEvent, f.ID, err)
	}
	pos, err := r.position(ctx, s, sym)
	if err != nil {
		return err
	}
	acct, err := s.Accounts.Acquire(ctx, accounts.Spec{
		PortfolioID: f.PortfolioID,
		Currency:    sym.SettlementCurrency(),
		AssetType:   f.AssetType.Base(),
	})
	if err != nil {
		return err
	}
	f.PositionID = pos.ID
	f.AccountID = acct.ID

	return single{
		ref:       Ref(f),
		accountID: acct.ID,
		group:     model.GroupFundingFee,
		amount:    f.Amount,
		at:        f.ChargedAt,
	}.sync(ctx, s)
}

// position finds the position the fee was charged on: the one of the
// paying side that was open at charged_at.
func (r *fundingRecorder) position(ctx context.Context, s *Scope, sym instrument.Symbol) (model.Position, error) {
	f := r.ev
	side := model.Short
	if f.FundingRate.Mul(f.Amount).IsPositive() {
		side = model.Long
	}
	candidates, err := s.Tx.ListPositions(ctx, model.PositionFilter{
		PortfolioID: f.PortfolioID,
		Code:        sym.Base,
		Currency:    sym.Quote,
		AssetType:   f.AssetType,
		Side:        side,
	})
	if err != nil {
		return model.Position{}, err
	}
	for _, p := range candidates {
		if p.OpenedAt == nil || !p.OpenedAt.Before(f.ChargedAt) {
			continue
		}
		if p.ClosedAt == nil || p.ClosedAt.After(f.ChargedAt) {
			return p, nil
		}
	}
	return model.Position{}, fmt.Errorf("%w: no %s %s position open at %s for funding fee %s",
		model.ErrNotFound, side, sym, f.ChargedAt.Format(time.RFC3339), f.ID)
}
