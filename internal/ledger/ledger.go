// Package ledger records balanced double-entry transactions between
// T-accounts.
//
// Each transaction writes one positive cashflow on its debit account and
// one negative cashflow on its credit account, keeps both cached balances
// equal to the sum of their cashflows, and then notifies the position book
// when either side belongs to an investable portfolio. Recording is the
// only place that notification happens.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/accounts"
	"github.com/atmx/ledger-engine/internal/config"
	"github.com/atmx/ledger-engine/internal/id"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/position"
	"github.com/atmx/ledger-engine/internal/store"
)

// TradeContext lets a transaction value the positions it touches from the
// trade that caused it.
type TradeContext struct {
	ID        string
	Code      string
	Currency  string
	AssetType model.AssetType
	Action    model.Action
	Size      decimal.Decimal
	Price     decimal.Decimal
}

// codes returns the codes received and given up by the trade.
func (t *TradeContext) codes() (buy, sell string) {
	if t.Action == model.Sell {
		return t.Currency, t.Code
	}
	return t.Code, t.Currency
}

// Entry is one leg to record.
type Entry struct {
	DebitAccountID  string
	CreditAccountID string
	Amount          decimal.Decimal
	At              time.Time
	Ref             model.EventRef
	Leg             int
	Tag             string
	Description     string
	// TradeID is stamped on position flows the leg produces.
	TradeID string
	Trade   *TradeContext
	// SkipCurrencyCheck allows legs between accounts of different
	// currencies.
	SkipCurrencyCheck bool
}

// Ledger writes transactions inside one store transaction.
type Ledger struct {
	tx        store.Tx
	dir       *accounts.Directory
	book      *position.Book
	positions config.PositionsConfig
	now       func() time.Time
}

// New returns a ledger sharing tx, dir and book with the caller.
func New(tx store.Tx, dir *accounts.Directory, book *position.Book, positions config.PositionsConfig, now func() time.Time) *Ledger {
	return &Ledger{tx: tx, dir: dir, book: book, positions: positions, now: now}
}

// Record validates and books a new transaction.
func (l *Ledger) Record(ctx context.Context, e Entry) (model.Transaction, error) {
	debit, credit, err := l.legs(ctx, e)
	if err != nil {
		return model.Transaction{}, err
	}

	now := l.now()
	txn := model.Transaction{
		ID:              id.New(),
		DebitAccountID:  debit.ID,
		CreditAccountID: credit.ID,
		Amount:          model.Round(e.Amount),
		Currency:        debit.Currency,
		TransactedAt:    at(e.At, now),
		Transactable:    e.Ref,
		Leg:             e.Leg,
		Tag:             e.Tag,
		Description:     e.Description,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := l.tx.InsertTransaction(ctx, txn); err != nil {
		return model.Transaction{}, fmt.Errorf("ledger: insert transaction: %w", err)
	}
	if err := l.post(ctx, txn, debit, credit); err != nil {
		return model.Transaction{}, err
	}
	if err := l.notify(ctx, txn, e, debit, credit); err != nil {
		return model.Transaction{}, err
	}
	return txn, nil
}

// Update amends txn in place: the old cashflows and position flows are
// reversed and the transaction is reposted under the same id.
func (l *Ledger) Update(ctx context.Context, txn model.Transaction, e Entry) (model.Transaction, error) {
	debit, credit, err := l.legs(ctx, e)
	if err != nil {
		return model.Transaction{}, err
	}
	if err := l.unpost(ctx, txn); err != nil {
		return model.Transaction{}, err
	}

	txn.DebitAccountID = debit.ID
	txn.CreditAccountID = credit.ID
	txn.Amount = model.Round(e.Amount)
	txn.Currency = debit.Currency
	txn.TransactedAt = at(e.At, txn.TransactedAt)
	txn.Tag = e.Tag
	txn.Description = e.Description
	txn.UpdatedAt = l.now()

	if err := l.tx.UpdateTransaction(ctx, txn); err != nil {
		return model.Transaction{}, fmt.Errorf("ledger: update transaction: %w", err)
	}
	if err := l.post(ctx, txn, debit, credit); err != nil {
		return model.Transaction{}, err
	}
	if err := l.notify(ctx, txn, e, debit, credit); err != nil {
		return model.Transaction{}, err
	}
	return txn, nil
}

// Remove reverses txn and deletes it.
func (l *Ledger) Remove(ctx context.Context, txn model.Transaction) error {
	if err := l.unpost(ctx, txn); err != nil {
		return err
	}
	if err := l.tx.DeleteTransaction(ctx, txn.ID); err != nil {
		return fmt.Errorf("ledger: delete transaction: %w", err)
	}
	return nil
}

// Find returns the transactions an event produced, ordered by leg.
func (l *Ledger) Find(ctx context.Context, ref model.EventRef) ([]model.Transaction, error) {
	return l.tx.ListTransactionsByEvent(ctx, ref)
}

// Sync makes the transactions of ref match entries, pairing them by leg:
// existing legs are updated in place, missing legs recorded and surplus
// legs removed.
func (l *Ledger) Sync(ctx context.Context, ref model.EventRef, entries []Entry) ([]model.Transaction, error) {
	existing, err := l.Find(ctx, ref)
	if err != nil {
		return nil, err
	}
	byLeg := make(map[int]model.Transaction, len(existing))
	for _, txn := range existing {
		byLeg[txn.Leg] = txn
	}

	result := make([]model.Transaction, 0, len(entries))
	for _, e := range entries {
		e.Ref = ref
		txn, ok := byLeg[e.Leg]
		delete(byLeg, e.Leg)

		switch {
		case !ok:
			txn, err = l.Record(ctx, e)
		case unchanged(txn, e):
		default:
			txn, err = l.Update(ctx, txn, e)
		}
		if err != nil {
			return nil, err
		}
		result = append(result, txn)
	}

	for _, txn := range existing {
		if _, surplus := byLeg[txn.Leg]; surplus {
			if err := l.Remove(ctx, txn); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// unchanged reports whether recording e again would leave txn as it is.
// Trade-valued legs are always reposted.
func unchanged(txn model.Transaction, e Entry) bool {
	return e.Trade == nil &&
		txn.DebitAccountID == e.DebitAccountID &&
		txn.CreditAccountID == e.CreditAccountID &&
		txn.Amount.Equal(model.Round(e.Amount)) &&
		(e.At.IsZero() || txn.TransactedAt.Equal(e.At)) &&
		txn.Tag == e.Tag &&
		txn.Description == e.Description
}

// OpenBalance books the starting balance of an asset or liability account
// against the capital account of its currency.
func (l *Ledger) OpenBalance(ctx context.Context, accountID string, amount decimal.Decimal, when time.Time) (model.Transaction, error) {
	acct, err := l.dir.Get(ctx, accountID)
	if err != nil {
		return model.Transaction{}, err
	}
	if acct.Type != model.Asset && acct.Type != model.Liability {
		return model.Transaction{}, fmt.Errorf("%w: opening balance needs an asset or liability account, %s is %s",
			model.ErrInvariantViolation, acct.ID, acct.Type)
	}
	capital, err := l.dir.Acquire(ctx, accounts.Spec{Group: model.GroupCapital, Currency: acct.Currency})
	if err != nil {
		return model.Transaction{}, err
	}

	e := Entry{
		DebitAccountID:  acct.ID,
		CreditAccountID: capital.ID,
		Amount:          amount,
		At:              when,
		Tag:             "open_balance",
		Description:     "Opening Balance " + acct.Name,
	}
	if acct.Type == model.Liability {
		e.DebitAccountID, e.CreditAccountID = capital.ID, acct.ID
	}
	if amount.IsNegative() {
		e.DebitAccountID, e.CreditAccountID = e.CreditAccountID, e.DebitAccountID
		e.Amount = amount.Neg()
	}
	return l.Record(ctx, e)
}

// legs loads and validates both accounts of e.
func (l *Ledger) legs(ctx context.Context, e Entry) (debit, credit model.Account, err error) {
	if !model.Round(e.Amount).IsPositive() {
		return debit, credit, fmt.Errorf("%w: transaction amount must be positive, got %s", model.ErrInvariantViolation, e.Amount)
	}
	if e.DebitAccountID == e.CreditAccountID {
		return debit, credit, fmt.Errorf("%w: debit and credit are the same account %s", model.ErrInvariantViolation, e.DebitAccountID)
	}
	if debit, err = l.dir.Get(ctx, e.DebitAccountID); err != nil {
		return debit, credit, err
	}
	if credit, err = l.dir.Get(ctx, e.CreditAccountID); err != nil {
		return debit, credit, err
	}
	if !e.SkipCurrencyCheck && debit.Currency != credit.Currency {
		return debit, credit, fmt.Errorf("%w: debit %s is %s, credit %s is %s",
			model.ErrCurrencyMismatch, debit.ID, debit.Currency, credit.ID, credit.Currency)
	}
	if debit.UserID != "" && credit.UserID != "" && debit.UserID != credit.UserID {
		return debit, credit, fmt.Errorf("%w: debit %s belongs to %s, credit %s to %s",
			model.ErrCrossUserMismatch, debit.ID, debit.UserID, credit.ID, credit.UserID)
	}
	return debit, credit, nil
}

// post writes the cashflows of txn and moves both balances.
func (l *Ledger) post(ctx context.Context, txn model.Transaction, debit, credit model.Account) error {
	flows := []model.Cashflow{
		{TransactionID: txn.ID, AccountID: debit.ID, Amount: txn.Amount, TransactedAt: txn.TransactedAt},
		{TransactionID: txn.ID, AccountID: credit.ID, Amount: txn.Amount.Neg(), TransactedAt: txn.TransactedAt},
	}
	if err := l.tx.ReplaceCashflows(ctx, txn.ID, flows); err != nil {
		return fmt.Errorf("ledger: write cashflows: %w", err)
	}
	for _, cf := range flows {
		if err := l.moveBalance(ctx, cf.AccountID, cf.Amount); err != nil {
			return err
		}
	}
	return nil
}

// unpost reverses the cashflows and position flows txn produced.
func (l *Ledger) unpost(ctx context.Context, txn model.Transaction) error {
	flows, err := l.tx.ListCashflows(ctx, txn.ID)
	if err != nil {
		return err
	}
	for _, cf := range flows {
		if err := l.moveBalance(ctx, cf.AccountID, cf.Amount.Neg()); err != nil {
			return err
		}
	}
	if err := l.tx.ReplaceCashflows(ctx, txn.ID, nil); err != nil {
		return fmt.Errorf("ledger: clear cashflows: %w", err)
	}

	produced, err := l.tx.ListFlowsByTransaction(ctx, txn.ID)
	if err != nil {
		return err
	}
	for i := len(produced) - 1; i >= 0; i-- {
		if err := l.book.Revert(ctx, produced[i].ID); err != nil {
			return fmt.Errorf("ledger: revert position flow of transaction %s: %w", txn.ID, err)
		}
	}
	return nil
}

func (l *Ledger) moveBalance(ctx context.Context, accountID string, delta decimal.Decimal) error {
	acct, err := l.tx.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	acct.Balance = acct.Balance.Add(delta)
	if err := l.tx.UpdateAccountBalance(ctx, acct.ID, acct.Balance); err != nil {
		return fmt.Errorf("ledger: update balance of %s: %w", acct.ID, err)
	}
	l.dir.Refresh(acct)
	return nil
}

// notify books the position flows of txn for its investable sides.
func (l *Ledger) notify(ctx context.Context, txn model.Transaction, e Entry, debit, credit model.Account) error {
	if !debit.Investable && !credit.Investable {
		return nil
	}

	buy, sell := debit.Currency, credit.Currency
	if e.Trade != nil {
		buy, sell = e.Trade.codes()
	}

	var creditPos model.Position
	if credit.Investable {
		var err error
		if creditPos, err = l.accountPosition(ctx, credit, sell); err != nil {
			return err
		}
	}

	cost, err := l.cost(ctx, txn, e.Trade, debit, credit, creditPos)
	if err != nil {
		return err
	}
	flow := position.Flow{
		Size:          txn.Amount,
		Price:         model.Round(cost.Div(txn.Amount)),
		At:            txn.TransactedAt,
		TransactionID: txn.ID,
		TradeID:       e.TradeID,
	}

	if debit.Investable {
		exists, err := l.tx.FlowExists(ctx, txn.ID, model.FlowIncrease)
		if err != nil {
			return err
		}
		if !exists {
			pos, err := l.accountPosition(ctx, debit, buy)
			if err != nil {
				return err
			}
			if _, err := l.book.Increase(ctx, pos.ID, flow); err != nil {
				return err
			}
		}
	}

	if credit.Investable {
		exists, err := l.tx.FlowExists(ctx, txn.ID, model.FlowDecrease)
		if err != nil {
			return err
		}
		if !exists {
			// Reload: the increase above may have touched the same position.
			pos, err := l.tx.GetPosition(ctx, creditPos.ID)
			if err != nil {
				return err
			}
			flow.Size = txn.Amount.Neg()
			if flow.Pnl, err = l.book.RealizedPnl(ctx, pos, flow.Price, flow.Size); err != nil {
				return err
			}
			if _, err := l.book.Decrease(ctx, pos.ID, flow); err != nil {
				return err
			}
		}
	}
	return nil
}

// cost values the amount of txn in the position currency.
func (l *Ledger) cost(ctx context.Context, txn model.Transaction, trade *TradeContext, debit, credit model.Account, creditPos model.Position) (decimal.Decimal, error) {
	switch {
	case trade != nil:
		notional := trade.Size.Mul(trade.Price)
		if l.positions.IsCashEquivalent(trade.AssetType, trade.Currency) {
			return notional, nil
		}
		quote, err := l.quotePosition(ctx, debit, credit, trade)
		if err != nil {
			return decimal.Zero, err
		}
		return notional.Mul(quote.EntryPrice), nil
	case credit.Investable:
		return txn.Amount.Mul(creditPos.EntryPrice), nil
	case l.positions.IsCashEquivalent(debit.AssetType, debit.Currency):
		return txn.Amount, nil
	}
	return decimal.Zero, nil
}

// quotePosition finds the open position in the trade's quote currency held
// by the portfolio on either side of the transaction.
func (l *Ledger) quotePosition(ctx context.Context, debit, credit model.Account, trade *TradeContext) (model.Position, error) {
	portfolioID := debit.PortfolioID
	if portfolioID == "" {
		portfolioID = credit.PortfolioID
	}
	open, err := l.tx.ListPositions(ctx, model.PositionFilter{
		PortfolioID: portfolioID,
		Code:        trade.Currency,
		AssetType:   trade.AssetType,
		Side:        model.Long,
		OpenOnly:    true,
	})
	if err != nil {
		return model.Position{}, err
	}
	if len(open) == 0 {
		return model.Position{}, fmt.Errorf("%w: no open %s position to value trade %s", model.ErrNotFound, trade.Currency, trade.ID)
	}
	return open[0], nil
}

// accountPosition acquires the long position an investable account keeps
// for code, valued in the base currency of the account's asset type.
func (l *Ledger) accountPosition(ctx context.Context, acct model.Account, code string) (model.Position, error) {
	if code == "" {
		code = acct.Currency
	}
	return l.book.Acquire(ctx, model.PositionKey{
		PortfolioID: acct.PortfolioID,
		AccountID:   acct.ID,
		Code:        code,
		AssetType:   acct.AssetType,
		Currency:    l.positions.BaseCurrencyFor(acct.AssetType, acct.Currency),
		Side:        model.Long,
	}, position.AcquireOptions{})
}

func at(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}
