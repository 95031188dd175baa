package recorder

import (
	"context"
	"fmt"

	"github.com/atmx/ledger-engine/internal/accounts"
	"github.com/atmx/ledger-engine/internal/ledger"
	"github.com/atmx/ledger-engine/internal/model"
)

// exchangeRecorder swaps one currency for another inside a portfolio. Each
// side is booked against the currency exchange group account of its own
// currency, so every leg stays single-currency:
//
//	leg 0: debit account        <- currency_exchange(debit currency)   debit_amount
//	leg 1: currency_exchange(credit currency) <- credit account        credit_amount
type exchangeRecorder struct{ ev *model.CurrencyExchange }

func (r *exchangeRecorder) Validate(ctx context.Context, s *Scope) error {
	c := r.ev
	if !model.Round(c.DebitAmount).IsPositive() || !model.Round(c.CreditAmount).IsPositive() {
		return fmt.Errorf("%w: currency exchange %s needs positive amounts", model.ErrInvalidEvent, c.ID)
	}
	if c.DebitAccountID == c.CreditAccountID {
		return fmt.Errorf("%w: currency exchange %s within account %s", model.ErrInvalidEvent, c.ID, c.DebitAccountID)
	}
	debit, credit, err := r.accounts(ctx, s)
	if err != nil {
		return err
	}
	if debit.PortfolioID == "" || debit.PortfolioID != credit.PortfolioID {
		return fmt.Errorf("%w: currency exchange %s between accounts of different portfolios", model.ErrInvariantViolation, c.ID)
	}
	return nil
}

func (r *exchangeRecorder) Post(ctx context.Context, s *Scope) error { return r.sync(ctx, s) }

func (r *exchangeRecorder) Amend(ctx context.Context, s *Scope) error { return r.sync(ctx, s) }

func (r *exchangeRecorder) sync(ctx context.Context, s *Scope) error {
	c := r.ev
	debit, credit, err := r.accounts(ctx, s)
	if err != nil {
		return err
	}
	in, err := s.Accounts.Acquire(ctx, accounts.Spec{Group: model.GroupCurrencyExchange, Currency: debit.Currency})
	if err != nil {
		return err
	}
	out, err := s.Accounts.Acquire(ctx, accounts.Spec{Group: model.GroupCurrencyExchange, Currency: credit.Currency})
	if err != nil {
		return err
	}
	trade, err := r.trade(ctx, s)
	if err != nil {
		return err
	}

	_, err = s.Ledger.Sync(ctx, Ref(c), []ledger.Entry{
		{
			DebitAccountID:  debit.ID,
			CreditAccountID: in.ID,
			Amount:          c.DebitAmount,
			At:              c.TransactedAt,
			Leg:             0,
			TradeID:         c.TradeID,
			Trade:           trade,
		},
		{
			DebitAccountID:  out.ID,
			CreditAccountID: credit.ID,
			Amount:          c.CreditAmount,
			At:              c.TransactedAt,
			Leg:             1,
			TradeID:         c.TradeID,
			Trade:           trade,
		},
	})
	return err
}

func (r *exchangeRecorder) accounts(ctx context.Context, s *Scope) (debit, credit model.Account, err error) {
	if debit, err = s.Accounts.Get(ctx, r.ev.DebitAccountID); err != nil {
		return debit, credit, err
	}
	credit, err = s.Accounts.Get(ctx, r.ev.CreditAccountID)
	return debit, credit, err
}

// trade loads the trade the exchange settles so its legs are valued at the
// trade price.
func (r *exchangeRecorder) trade(ctx context.Context, s *Scope) (*ledger.TradeContext, error) {
	if r.ev.TradeID == "" {
		return nil, nil
	}
	ev, _, err := Load(ctx, s.Tx, model.EventRef{Kind: model.KindTrade, ID: r.ev.TradeID})
	if err != nil {
		return nil, err
	}
	t := ev.(*model.Trade)
	return &ledger.TradeContext{
		ID:        t.ID,
		Code:      t.Code,
		Currency:  t.Currency,
		AssetType: t.AssetType,
		Action:    t.Action,
		Size:      t.Size,
		Price:     t.Price,
	}, nil
}
