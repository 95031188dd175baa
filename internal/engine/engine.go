// Package engine is the entry point of the ledger: it records and amends
// events, answers balance and position queries, and exposes the manual
// position operations.
//
// Writes are serialized. One in-process mutex guards a single engine; a
// Locker, when configured, extends that to every engine sharing the store.
// Each write runs in its own Store.Atomic scope, so a failure anywhere in
// an event's fan-out leaves no trace.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/accounts"
	"github.com/atmx/ledger-engine/internal/config"
	"github.com/atmx/ledger-engine/internal/id"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/position"
	"github.com/atmx/ledger-engine/internal/recorder"
	"github.com/atmx/ledger-engine/internal/store"
)

// lockKey is the distributed lock every write takes.
const lockKey = "ledger:write"

// Locker is a distributed mutex. store.RedisLocker implements it.
type Locker interface {
	// Acquire makes one attempt and returns store.ErrLockHeld when the
	// lock is taken.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Posting describes an event that was just posted or amended.
type Posting struct {
	Kind         model.EventKind     `json:"kind"`
	EventID      string              `json:"event_id"`
	Amended      bool                `json:"amended"`
	Transactions []model.Transaction `json:"transactions"`
	At           time.Time           `json:"at"`
}

// Options configures an Engine. Zero values get defaults.
type Options struct {
	Positions config.PositionsConfig
	// Clock defaults to time.Now in UTC.
	Clock  func() time.Time
	Logger *slog.Logger
	Locker Locker
	// LockTTL bounds how long a crashed holder blocks others.
	LockTTL time.Duration
	// OnPosted is called after every successful commit of an event.
	OnPosted func(Posting)
}

// Engine is safe for concurrent use.
type Engine struct {
	store     store.Store
	positions config.PositionsConfig
	now       func() time.Time
	log       *slog.Logger
	locker    Locker
	lockTTL   time.Duration
	onPosted  func(Posting)

	mu sync.Mutex
}

// New creates an engine over st.
func New(st store.Store, opts Options) *Engine {
	e := &Engine{
		store:     st,
		positions: opts.Positions,
		now:       opts.Clock,
		log:       opts.Logger,
		locker:    opts.Locker,
		lockTTL:   opts.LockTTL,
		onPosted:  opts.OnPosted,
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.lockTTL <= 0 {
		e.lockTTL = 10 * time.Second
	}
	return e
}

// --- Events ---

// RecordEvent posts a new event and returns its id.
func (e *Engine) RecordEvent(ctx context.Context, ev model.Event) (string, error) {
	posting, err := e.post(ctx, ev, false)
	if err != nil {
		return "", err
	}
	return posting.EventID, nil
}

// AmendEvent rewrites a posted event and everything it booked.
func (e *Engine) AmendEvent(ctx context.Context, ev model.Event) error {
	if ev.EventID() == "" {
		return fmt.Errorf("%w: amend needs an event id", model.ErrInvalidEvent)
	}
	_, err := e.post(ctx, ev, true)
	return err
}

func (e *Engine) post(ctx context.Context, ev model.Event, amend bool) (Posting, error) {
	start := time.Now()
	kind := string(ev.Kind())
	outcome := "posted"
	if amend {
		outcome = "amended"
	}

	var txns []model.Transaction
	err := e.write(ctx, func(ctx context.Context, s *recorder.Scope) error {
		var err error
		if amend {
			err = recorder.Update(ctx, s, ev)
		} else {
			err = recorder.Add(ctx, s, ev)
		}
		if err != nil {
			return err
		}
		txns, err = s.Tx.ListTransactionsByEvent(ctx, recorder.Ref(ev))
		return err
	})
	metrics.EventLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	if err != nil {
		reason := Reason(err)
		metrics.EventsTotal.WithLabelValues(kind, "rejected").Inc()
		metrics.RejectionsTotal.WithLabelValues(reason).Inc()
		e.log.Warn("event rejected",
			"kind", kind,
			"event_id", ev.EventID(),
			"amend", amend,
			"reason", reason,
			"err", err,
		)
		return Posting{}, err
	}

	metrics.EventsTotal.WithLabelValues(kind, outcome).Inc()
	metrics.TransactionsTotal.WithLabelValues(kind).Add(float64(len(txns)))
	e.log.Info("event "+outcome,
		"kind", kind,
		"event_id", ev.EventID(),
		"transactions", len(txns),
	)

	posting := Posting{
		Kind:         ev.Kind(),
		EventID:      ev.EventID(),
		Amended:      amend,
		Transactions: txns,
		At:           e.now(),
	}
	if e.onPosted != nil {
		e.onPosted(posting)
	}
	return posting, nil
}

// GetEvent returns a stored event and its status.
func (e *Engine) GetEvent(ctx context.Context, kind model.EventKind, eventID string) (model.Event, model.EventStatus, error) {
	return recorder.Load(ctx, e.store, model.EventRef{Kind: kind, ID: eventID})
}

// --- Accounts ---

// RegisterPortfolio creates or updates a portfolio. A missing id is
// generated.
func (e *Engine) RegisterPortfolio(ctx context.Context, p model.Portfolio) (model.Portfolio, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return model.Portfolio{}, fmt.Errorf("%w: portfolio needs a name", model.ErrInvariantViolation)
	}
	if p.ID == "" {
		p.ID = id.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = e.now()
	}
	err := e.write(ctx, func(ctx context.Context, s *recorder.Scope) error {
		if prev, err := s.Tx.GetPortfolio(ctx, p.ID); err == nil {
			p.CreatedAt = prev.CreatedAt
		} else if !errors.Is(err, model.ErrNotFound) {
			return err
		}
		return s.Tx.UpsertPortfolio(ctx, p)
	})
	if err != nil {
		return model.Portfolio{}, err
	}
	e.log.Info("portfolio registered", "portfolio_id", p.ID, "investable", p.Investable)
	return p, nil
}

// AcquireAccount returns the account for spec, creating it on first use.
func (e *Engine) AcquireAccount(ctx context.Context, spec accounts.Spec) (model.Account, error) {
	var acct model.Account
	err := e.write(ctx, func(ctx context.Context, s *recorder.Scope) error {
		var err error
		acct, err = s.Accounts.Acquire(ctx, spec)
		return err
	})
	return acct, err
}

// GetAccount returns an account by id.
func (e *Engine) GetAccount(ctx context.Context, accountID string) (model.Account, error) {
	return e.store.GetAccount(ctx, accountID)
}

// GetBalance returns the balance of an account: the signed sum of its
// cashflows.
func (e *Engine) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	acct, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

// OpenBalance books the starting balance of an asset or liability account.
func (e *Engine) OpenBalance(ctx context.Context, accountID string, amount decimal.Decimal, at time.Time) (model.Transaction, error) {
	var txn model.Transaction
	err := e.write(ctx, func(ctx context.Context, s *recorder.Scope) error {
		var err error
		txn, err = s.Ledger.OpenBalance(ctx, accountID, amount, at)
		return err
	})
	if err != nil {
		return model.Transaction{}, err
	}
	e.log.Info("opening balance booked", "account_id", accountID, "amount", amount.String())
	return txn, nil
}

// ListTransactions returns every transaction touching an account, oldest
// first.
func (e *Engine) ListTransactions(ctx context.Context, accountID string) ([]model.Transaction, error) {
	if _, err := e.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return e.store.ListTransactionsByAccount(ctx, accountID)
}

// --- Positions ---

// GetPosition returns the open position with exactly this key.
func (e *Engine) GetPosition(ctx context.Context, key model.PositionKey) (model.Position, error) {
	key.Code = strings.ToUpper(strings.TrimSpace(key.Code))
	key.Currency = strings.ToUpper(strings.TrimSpace(key.Currency))
	open, err := e.store.ListPositions(ctx, model.PositionFilter{
		PortfolioID: key.PortfolioID,
		AccountID:   key.AccountID,
		Code:        key.Code,
		Currency:    key.Currency,
		AssetType:   key.AssetType,
		Side:        key.Side,
		OpenOnly:    true,
	})
	if err != nil {
		return model.Position{}, err
	}
	for _, p := range open {
		if p.Key() == key {
			return p, nil
		}
	}
	return model.Position{}, fmt.Errorf("%w: no open %s %s/%s position in portfolio %s",
		model.ErrNotFound, key.Side, key.Code, key.Currency, key.PortfolioID)
}

// GetPositionByID returns a position, open or closed.
func (e *Engine) GetPositionByID(ctx context.Context, positionID string) (model.Position, error) {
	return e.store.GetPosition(ctx, positionID)
}

// ListPositions returns positions matching filter in creation order.
func (e *Engine) ListPositions(ctx context.Context, filter model.PositionFilter) ([]model.Position, error) {
	return e.store.ListPositions(ctx, filter)
}

// GetOpenLots returns the lots of a position that still hold size, oldest
// first.
func (e *Engine) GetOpenLots(ctx context.Context, positionID string) ([]model.SubPosition, error) {
	if _, err := e.store.GetPosition(ctx, positionID); err != nil {
		return nil, err
	}
	all, err := e.store.ListSubPositions(ctx, positionID)
	if err != nil {
		return nil, err
	}
	open := make([]model.SubPosition, 0, len(all))
	for _, lot := range all {
		if !lot.IsClosed() && !lot.Size.IsZero() {
			open = append(open, lot)
		}
	}
	return open, nil
}

// ListFlows returns a position's flows in append order.
func (e *Engine) ListFlows(ctx context.Context, positionID string) ([]model.PositionFlow, error) {
	if _, err := e.store.GetPosition(ctx, positionID); err != nil {
		return nil, err
	}
	return e.store.ListFlows(ctx, positionID)
}

// TransferPosition moves size between two positions of the same currency.
func (e *Engine) TransferPosition(ctx context.Context, req position.TransferRequest) (out, in model.PositionFlow, err error) {
	if req.At.IsZero() {
		req.At = e.now()
	}
	err = e.write(ctx, func(ctx context.Context, s *recorder.Scope) error {
		var err error
		out, in, err = s.Book.Transfer(ctx, req)
		return err
	})
	if err != nil {
		metrics.RejectionsTotal.WithLabelValues(Reason(err)).Inc()
		return model.PositionFlow{}, model.PositionFlow{}, err
	}
	e.log.Info("position transferred",
		"from", req.From,
		"to", req.To,
		"size", req.Size.String(),
	)
	return out, in, nil
}

// OpenLot starts a new cost-basis lot on an open lot-tracked position.
// Later increases fold into it.
func (e *Engine) OpenLot(ctx context.Context, positionID string) (model.SubPosition, error) {
	var lot model.SubPosition
	err := e.write(ctx, func(ctx context.Context, s *recorder.Scope) error {
		pos, err := s.Tx.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}
		switch {
		case !pos.AssetType.LotTracked():
			return fmt.Errorf("%w: %s positions keep no lots", model.ErrInvariantViolation, pos.AssetType)
		case pos.IsClosed():
			return fmt.Errorf("%w: position %s is closed", model.ErrInvariantViolation, pos.ID)
		}
		lot, err = s.Book.Lots().Attach(ctx, pos)
		return err
	})
	return lot, err
}

// RevertFlow undoes a manual flow such as a transfer. Flows booked by a
// transaction or a trade are reverted by amending their event instead.
func (e *Engine) RevertFlow(ctx context.Context, flowID string) error {
	err := e.write(ctx, func(ctx context.Context, s *recorder.Scope) error {
		flow, err := s.Tx.GetFlow(ctx, flowID)
		if err != nil {
			return err
		}
		switch {
		case flow.TransactionID != "":
			return fmt.Errorf("%w: flow %s belongs to transaction %s", model.ErrInvariantViolation, flow.ID, flow.TransactionID)
		case flow.TradeID != "":
			return fmt.Errorf("%w: flow %s belongs to trade %s", model.ErrInvariantViolation, flow.ID, flow.TradeID)
		}
		return s.Book.Revert(ctx, flow.ID)
	})
	if err != nil {
		return err
	}
	e.log.Info("position flow reverted", "flow_id", flowID)
	return nil
}

// --- Plumbing ---

// write runs fn in one atomic scope while holding the write locks.
func (e *Engine) write(ctx context.Context, fn func(ctx context.Context, s *recorder.Scope) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.locker != nil {
		release, err := e.lock(ctx)
		if err != nil {
			return err
		}
		defer release()
	}
	return e.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, recorder.NewScope(tx, e.positions, e.now))
	})
}

// lock retries the distributed lock with backoff until it is taken or ctx
// is done.
func (e *Engine) lock(ctx context.Context) (func(), error) {
	start := time.Now()
	defer func() { metrics.LockWait.Observe(time.Since(start).Seconds()) }()

	backoff := 5 * time.Millisecond
	for {
		release, err := e.locker.Acquire(ctx, lockKey, e.lockTTL)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, store.ErrLockHeld) {
			return nil, err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("engine: waiting for write lock: %w", ctx.Err())
		case <-timer.C:
		}
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

// Reason classifies an engine error for metrics and logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrCurrencyMismatch):
		return "currency_mismatch"
	case errors.Is(err, model.ErrCrossUserMismatch):
		return "cross_user_mismatch"
	case errors.Is(err, model.ErrInvalidEvent):
		return "invalid_event"
	case errors.Is(err, model.ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, model.ErrConfiguration):
		return "configuration"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "internal"
}
