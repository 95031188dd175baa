package recorder

import (
	"context"
	"fmt"

	"github.com/atmx/ledger-engine/internal/accounts"
	"github.com/atmx/ledger-engine/internal/ledger"
	"github.com/atmx/ledger-engine/internal/model"
)

// depositRecorder books transfers of funds. Deposits between accounts of
// one owner are a single leg; anything crossing owners, or arriving from
// outside the engine, is routed through the deposit group account.
type depositRecorder struct{ ev *model.Deposit }

func (r *depositRecorder) Validate(ctx context.Context, s *Scope) error {
	d := r.ev
	if d.DebitAccountID == "" && d.CreditAccountID == "" {
		return fmt.Errorf("%w: deposit %s needs a debit or a credit account", model.ErrInvalidEvent, d.ID)
	}
	if d.DebitAccountID == d.CreditAccountID {
		return fmt.Errorf("%w: deposit %s debits and credits %s", model.ErrInvalidEvent, d.ID, d.DebitAccountID)
	}
	if !model.Round(d.Amount).IsPositive() {
		return fmt.Errorf("%w: deposit amount must be positive, got %s", model.ErrInvalidEvent, d.Amount)
	}
	debit, credit, err := r.accounts(ctx, s)
	if err != nil {
		return err
	}
	if debit != nil && credit != nil && debit.Currency != credit.Currency {
		return fmt.Errorf("%w: deposit %s from %s to %s", model.ErrCurrencyMismatch, d.ID, credit.Currency, debit.Currency)
	}
	return nil
}

func (r *depositRecorder) Post(ctx context.Context, s *Scope) error { return r.sync(ctx, s) }

func (r *depositRecorder) Amend(ctx context.Context, s *Scope) error { return r.sync(ctx, s) }

func (r *depositRecorder) sync(ctx context.Context, s *Scope) error {
	entries, err := r.entries(ctx, s)
	if err != nil {
		return err
	}
	_, err = s.Ledger.Sync(ctx, Ref(r.ev), entries)
	return err
}

func (r *depositRecorder) entries(ctx context.Context, s *Scope) ([]ledger.Entry, error) {
	d := r.ev
	debit, credit, err := r.accounts(ctx, s)
	if err != nil {
		return nil, err
	}
	if debit != nil && credit != nil && debit.UserID == credit.UserID {
		return []ledger.Entry{{
			DebitAccountID:  debit.ID,
			CreditAccountID: credit.ID,
			Amount:          d.Amount,
			At:              d.TransactedAt,
		}}, nil
	}

	var cur string
	if debit != nil {
		cur = debit.Currency
	} else {
		cur = credit.Currency
	}
	group, err := s.Accounts.Acquire(ctx, accounts.Spec{Group: model.GroupDeposit, Currency: cur})
	if err != nil {
		return nil, err
	}

	var entries []ledger.Entry
	if debit != nil {
		entries = append(entries, ledger.Entry{
			DebitAccountID:  debit.ID,
			CreditAccountID: group.ID,
			Amount:          d.Amount,
			At:              d.TransactedAt,
			Leg:             0,
		})
	}
	if credit != nil {
		entries = append(entries, ledger.Entry{
			DebitAccountID:  group.ID,
			CreditAccountID: credit.ID,
			Amount:          d.Amount,
			At:              d.TransactedAt,
			Leg:             1,
		})
	}
	return entries, nil
}

// accounts loads whichever sides of the deposit are inside the engine.
func (r *depositRecorder) accounts(ctx context.Context, s *Scope) (debit, credit *model.Account, err error) {
	if r.ev.DebitAccountID != "" {
		a, err := s.Accounts.Get(ctx, r.ev.DebitAccountID)
		if err != nil {
			return nil, nil, err
		}
		debit = &a
	}
	if r.ev.CreditAccountID != "" {
		a, err := s.Accounts.Get(ctx, r.ev.CreditAccountID)
		if err != nil {
			return nil, nil, err
		}
		credit = &a
	}
	return debit, credit, nil
}
