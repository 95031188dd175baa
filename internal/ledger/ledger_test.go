package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/ledger-engine/internal/accounts"
	"github.com/atmx/ledger-engine/internal/config"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/position"
	"github.com/atmx/ledger-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

func clock() time.Time { return t0 }

type scope struct {
	ctx  context.Context
	tx   store.Tx
	dir  *accounts.Directory
	book *position.Book
	l    *Ledger
}

// atomic runs fn in one unit of work on s and returns its error.
func atomic(s store.Store, fn func(sc *scope) error) error {
	return s.Atomic(context.Background(), func(ctx context.Context, tx store.Tx) error {
		dir := accounts.NewDirectory(tx, clock)
		book := position.NewBook(tx, clock)
		return fn(&scope{
			ctx:  ctx,
			tx:   tx,
			dir:  dir,
			book: book,
			l:    New(tx, dir, book, config.Defaults().Positions, clock),
		})
	})
}

func newStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	require.NoError(t, atomic(s, func(sc *scope) error {
		for _, p := range []model.Portfolio{
			{ID: "alice-bank", Name: "Alice Bank", UserID: "alice"},
			{ID: "alice-spot", Name: "Alice Spot", UserID: "alice", Investable: true},
			{ID: "bob-bank", Name: "Bob Bank", UserID: "bob"},
		} {
			if err := sc.tx.UpsertPortfolio(sc.ctx, p); err != nil {
				return err
			}
		}
		return nil
	}))
	return s
}

func acquire(t *testing.T, sc *scope, spec accounts.Spec) model.Account {
	t.Helper()
	a, err := sc.dir.Acquire(sc.ctx, spec)
	require.NoError(t, err)
	return a
}

func balance(t *testing.T, s store.Store, accountID string) string {
	t.Helper()
	a, err := s.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	return a.Balance.String()
}

// cashflowSum recomputes an account balance from its cashflows.
func cashflowSum(t *testing.T, s store.Store, accountID string) decimal.Decimal {
	t.Helper()
	ctx := context.Background()
	txns, err := s.ListTransactionsByAccount(ctx, accountID)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, txn := range txns {
		flows, err := s.ListCashflows(ctx, txn.ID)
		require.NoError(t, err)
		for _, cf := range flows {
			if cf.AccountID == accountID {
				sum = sum.Add(cf.Amount)
			}
		}
	}
	return sum
}

func TestRecordMovesBalances(t *testing.T) {
	s := newStore(t)
	var bank, commission model.Account
	require.NoError(t, atomic(s, func(sc *scope) error {
		bank = acquire(t, sc, accounts.Spec{PortfolioID: "alice-bank", Currency: "USD"})
		commission = acquire(t, sc, accounts.Spec{Group: model.GroupCommission, Currency: "USD"})

		txn, err := sc.l.Record(sc.ctx, Entry{DebitAccountID: commission.ID, CreditAccountID: bank.ID, Amount: d("2.5")})
		require.NoError(t, err)
		assert.Equal(t, "USD", txn.Currency)
		assert.Equal(t, t0, txn.TransactedAt)

		flows, err := sc.tx.ListCashflows(sc.ctx, txn.ID)
		require.NoError(t, err)
		require.Len(t, flows, 2)
		assert.True(t, flows[0].Amount.Add(flows[1].Amount).IsZero())
		return nil
	}))

	assert.Equal(t, "2.5", balance(t, s, commission.ID))
	assert.Equal(t, "-2.5", balance(t, s, bank.ID))
	for _, id := range []string{bank.ID, commission.ID} {
		a, err := s.GetAccount(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, a.Balance.Equal(cashflowSum(t, s, id)))
	}
}

func TestRecordRejections(t *testing.T) {
	s := newStore(t)
	require.NoError(t, atomic(s, func(sc *scope) error {
		usd := acquire(t, sc, accounts.Spec{PortfolioID: "alice-bank", Currency: "USD"})
		eur := acquire(t, sc, accounts.Spec{PortfolioID: "alice-bank", Currency: "EUR"})
		bob := acquire(t, sc, accounts.Spec{PortfolioID: "bob-bank", Currency: "USD"})

		tests := []struct {
			name  string
			entry Entry
			want  error
		}{
			{"currency mismatch", Entry{DebitAccountID: usd.ID, CreditAccountID: eur.ID, Amount: d("1")}, model.ErrCurrencyMismatch},
			{"cross user", Entry{DebitAccountID: bob.ID, CreditAccountID: usd.ID, Amount: d("1")}, model.ErrCrossUserMismatch},
			{"zero amount", Entry{DebitAccountID: bob.ID, CreditAccountID: usd.ID}, model.ErrInvariantViolation},
			{"negative amount", Entry{DebitAccountID: bob.ID, CreditAccountID: usd.ID, Amount: d("-1")}, model.ErrInvariantViolation},
			{"same account", Entry{DebitAccountID: usd.ID, CreditAccountID: usd.ID, Amount: d("1")}, model.ErrInvariantViolation},
			{"missing account", Entry{DebitAccountID: "nope", CreditAccountID: usd.ID, Amount: d("1")}, model.ErrNotFound},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := sc.l.Record(sc.ctx, tt.entry)
				assert.ErrorIs(t, err, tt.want)
			})
		}

		_, err := sc.l.Record(sc.ctx, Entry{DebitAccountID: usd.ID, CreditAccountID: eur.ID, Amount: d("1"), SkipCurrencyCheck: true})
		assert.NoError(t, err)
		return nil
	}))
}

func TestOpenBalanceAndPositions(t *testing.T) {
	s := newStore(t)
	var usdt model.Account
	require.NoError(t, atomic(s, func(sc *scope) error {
		usdt = acquire(t, sc, accounts.Spec{PortfolioID: "alice-spot", Currency: "USDT", AssetType: model.Crypto})
		_, err := sc.l.OpenBalance(sc.ctx, usdt.ID, d("1000"), t0)
		return err
	}))

	assert.Equal(t, "1000", balance(t, s, usdt.ID))

	open, err := s.ListPositions(context.Background(), model.PositionFilter{AccountID: usdt.ID, OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	pos := open[0]
	assert.Equal(t, "USDT", pos.Code)
	assert.Equal(t, "USDT", pos.Currency)
	assert.Equal(t, model.Long, pos.Side)
	assert.Equal(t, "1000", pos.Size.String())
	assert.Equal(t, "1", pos.EntryPrice.String())

	err = atomic(s, func(sc *scope) error {
		ce := acquire(t, sc, accounts.Spec{Group: model.GroupCurrencyExchange, Currency: "USDT"})
		_, err := sc.l.OpenBalance(sc.ctx, ce.ID, d("1"), t0)
		return err
	})
	assert.ErrorIs(t, err, model.ErrInvariantViolation)
}

func TestSpendingMoreThanHeldRollsBack(t *testing.T) {
	s := newStore(t)
	var usdt, fee model.Account
	require.NoError(t, atomic(s, func(sc *scope) error {
		usdt = acquire(t, sc, accounts.Spec{PortfolioID: "alice-spot", Currency: "USDT", AssetType: model.Crypto})
		fee = acquire(t, sc, accounts.Spec{Group: model.GroupCommission, Currency: "USDT"})
		_, err := sc.l.OpenBalance(sc.ctx, usdt.ID, d("10"), t0)
		return err
	}))

	err := atomic(s, func(sc *scope) error {
		_, err := sc.l.Record(sc.ctx, Entry{DebitAccountID: fee.ID, CreditAccountID: usdt.ID, Amount: d("11")})
		return err
	})
	require.ErrorIs(t, err, model.ErrInvariantViolation)
	assert.Equal(t, "10", balance(t, s, usdt.ID))
	assert.Equal(t, "0", balance(t, s, fee.ID))
}

func TestTradeValuedLegs(t *testing.T) {
	s := newStore(t)
	var usdt, btc, ceUSDT, ceBTC model.Account
	require.NoError(t, atomic(s, func(sc *scope) error {
		usdt = acquire(t, sc, accounts.Spec{PortfolioID: "alice-spot", Currency: "USDT", AssetType: model.Crypto})
		btc = acquire(t, sc, accounts.Spec{PortfolioID: "alice-spot", Currency: "BTC", AssetType: model.Crypto})
		ceUSDT = acquire(t, sc, accounts.Spec{Group: model.GroupCurrencyExchange, Currency: "USDT"})
		ceBTC = acquire(t, sc, accounts.Spec{Group: model.GroupCurrencyExchange, Currency: "BTC"})
		_, err := sc.l.OpenBalance(sc.ctx, usdt.ID, d("1000"), t0)
		return err
	}))

	buy := &TradeContext{ID: "tr", Code: "BTC", Currency: "USDT", AssetType: model.Crypto, Action: model.Buy, Size: d("0.01"), Price: d("50000")}
	require.NoError(t, atomic(s, func(sc *scope) error {
		ref := model.EventRef{Kind: model.KindCurrencyExchange, ID: "ce1"}
		_, err := sc.l.Sync(sc.ctx, ref, []Entry{
			{DebitAccountID: btc.ID, CreditAccountID: ceBTC.ID, Amount: d("0.01"), Leg: 0, Trade: buy, TradeID: "tr"},
			{DebitAccountID: ceUSDT.ID, CreditAccountID: usdt.ID, Amount: d("500"), Leg: 1, Trade: buy, TradeID: "tr"},
		})
		return err
	}))

	ctx := context.Background()
	btcPos, err := s.ListPositions(ctx, model.PositionFilter{AccountID: btc.ID, OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, btcPos, 1)
	assert.Equal(t, "0.01", btcPos[0].Size.String())
	assert.Equal(t, "50000", btcPos[0].EntryPrice.String())
	assert.Equal(t, "USDT", btcPos[0].Currency)

	flows, err := s.ListFlowsByTrade(ctx, "tr")
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, model.FlowDecrease, flows[1].Type)
	assert.Equal(t, "1", flows[1].Price.String())
	assert.True(t, flows[1].Pnl.IsZero())

	assert.Equal(t, "500", balance(t, s, usdt.ID))
	assert.Equal(t, "0.01", balance(t, s, btc.ID))
}

func TestSyncUpdatesInPlace(t *testing.T) {
	s := newStore(t)
	ref := model.EventRef{Kind: model.KindDeposit, ID: "dep1"}
	var bank, other, deposit model.Account
	var first []model.Transaction

	require.NoError(t, atomic(s, func(sc *scope) error {
		bank = acquire(t, sc, accounts.Spec{PortfolioID: "alice-bank", Currency: "USD"})
		other = acquire(t, sc, accounts.Spec{PortfolioID: "bob-bank", Currency: "USD"})
		deposit = acquire(t, sc, accounts.Spec{Group: model.GroupDeposit, Currency: "USD"})
		var err error
		first, err = sc.l.Sync(sc.ctx, ref, []Entry{
			{DebitAccountID: bank.ID, CreditAccountID: deposit.ID, Amount: d("100"), Leg: 0},
			{DebitAccountID: deposit.ID, CreditAccountID: other.ID, Amount: d("100"), Leg: 1},
		})
		return err
	}))
	require.Len(t, first, 2)

	require.NoError(t, atomic(s, func(sc *scope) error {
		again, err := sc.l.Sync(sc.ctx, ref, []Entry{
			{DebitAccountID: bank.ID, CreditAccountID: deposit.ID, Amount: d("150"), Leg: 0},
		})
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, first[0].ID, again[0].ID)
		return nil
	}))

	txns, err := s.ListTransactionsByEvent(context.Background(), ref)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, first[0].ID, txns[0].ID)
	assert.Equal(t, "150", txns[0].Amount.String())

	assert.Equal(t, "150", balance(t, s, bank.ID))
	assert.Equal(t, "-150", balance(t, s, deposit.ID))
	assert.Equal(t, "0", balance(t, s, other.ID))
	for _, id := range []string{bank.ID, other.ID, deposit.ID} {
		a, err := s.GetAccount(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, a.Balance.Equal(cashflowSum(t, s, id)), "balance of %s", a.Name)
	}
}

func TestUpdateRepostsPositionFlows(t *testing.T) {
	s := newStore(t)
	ref := model.EventRef{Kind: model.KindRealizedPnl, ID: "pnl1"}
	var usdt, pnl model.Account

	require.NoError(t, atomic(s, func(sc *scope) error {
		usdt = acquire(t, sc, accounts.Spec{PortfolioID: "alice-spot", Currency: "USDT", AssetType: model.Crypto})
		pnl = acquire(t, sc, accounts.Spec{Group: model.GroupRealizedPnl, Currency: "USDT"})
		_, err := sc.l.Sync(sc.ctx, ref, []Entry{{DebitAccountID: usdt.ID, CreditAccountID: pnl.ID, Amount: d("40")}})
		return err
	}))
	require.NoError(t, atomic(s, func(sc *scope) error {
		_, err := sc.l.Sync(sc.ctx, ref, []Entry{{DebitAccountID: usdt.ID, CreditAccountID: pnl.ID, Amount: d("25")}})
		return err
	}))

	open, err := s.ListPositions(context.Background(), model.PositionFilter{AccountID: usdt.ID, OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "25", open[0].Size.String())

	flows, err := s.ListFlows(context.Background(), open[0].ID)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, "25", flows[0].Size.String())
}

func TestNotifyIsIdempotentPerTransaction(t *testing.T) {
	s := newStore(t)
	var spot, margin model.Account
	var txn model.Transaction
	require.NoError(t, atomic(s, func(sc *scope) error {
		if err := sc.tx.UpsertPortfolio(sc.ctx, model.Portfolio{ID: "alice-margin", Name: "Alice Margin", UserID: "alice", Investable: true}); err != nil {
			return err
		}
		spot = acquire(t, sc, accounts.Spec{PortfolioID: "alice-spot", Currency: "USDT", AssetType: model.Crypto})
		margin = acquire(t, sc, accounts.Spec{PortfolioID: "alice-margin", Currency: "USDT", AssetType: model.Crypto})
		if _, err := sc.l.OpenBalance(sc.ctx, spot.ID, d("1000"), t0); err != nil {
			return err
		}
		var err error
		txn, err = sc.l.Record(sc.ctx, Entry{DebitAccountID: margin.ID, CreditAccountID: spot.ID, Amount: d("100")})
		return err
	}))

	// Posting the same transaction again books nothing new on either side.
	require.NoError(t, atomic(s, func(sc *scope) error {
		debit, err := sc.tx.GetAccount(sc.ctx, margin.ID)
		require.NoError(t, err)
		credit, err := sc.tx.GetAccount(sc.ctx, spot.ID)
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			if err := sc.l.notify(sc.ctx, txn, Entry{DebitAccountID: margin.ID, CreditAccountID: spot.ID, Amount: d("100")}, debit, credit); err != nil {
				return err
			}
		}
		return nil
	}))

	ctx := context.Background()
	flows, err := s.ListFlowsByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, flows, 2)
	types := map[model.FlowType]int{}
	for _, f := range flows {
		types[f.Type]++
	}
	assert.Equal(t, 1, types[model.FlowIncrease])
	assert.Equal(t, 1, types[model.FlowDecrease])

	for _, tc := range []struct {
		account string
		size    string
	}{
		{margin.ID, "100"},
		{spot.ID, "900"},
	} {
		open, err := s.ListPositions(ctx, model.PositionFilter{AccountID: tc.account, OpenOnly: true})
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, tc.size, open[0].Size.String())
	}
}
