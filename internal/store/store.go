// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache over another store) and in-memory (for testing and development).
//
// Every read returns an owned value snapshot; mutating it has no effect
// until it is written back through a Tx.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// ErrConflict is returned when an insert collides with an existing
// business key.
var ErrConflict = errors.New("store: conflict")

// Reader is the query side, available both on a Store and inside a Tx.
// Lookups of a single entity return model.ErrNotFound when it is absent.
type Reader interface {
	// --- Portfolios and accounts ---

	GetPortfolio(ctx context.Context, id string) (model.Portfolio, error)
	GetAccount(ctx context.Context, id string) (model.Account, error)

	// FindAccount looks an account up by its business key.
	FindAccount(ctx context.Context, key model.AccountKey) (model.Account, error)

	// --- Ledger ---

	GetTransaction(ctx context.Context, id string) (model.Transaction, error)

	// ListTransactionsByEvent returns the transactions an event produced,
	// ordered by leg.
	ListTransactionsByEvent(ctx context.Context, ref model.EventRef) ([]model.Transaction, error)

	// ListTransactionsByAccount returns every transaction touching the
	// account, oldest first.
	ListTransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error)

	ListCashflows(ctx context.Context, transactionID string) ([]model.Cashflow, error)

	// --- Positions ---

	GetPosition(ctx context.Context, id string) (model.Position, error)

	// ListPositions returns positions matching the filter in creation order.
	ListPositions(ctx context.Context, filter model.PositionFilter) ([]model.Position, error)

	GetFlow(ctx context.Context, id string) (model.PositionFlow, error)

	// FlowExists reports whether the transaction already produced a flow of
	// the given type.
	FlowExists(ctx context.Context, transactionID string, typ model.FlowType) (bool, error)

	// ListFlows returns a position's flows in append order.
	ListFlows(ctx context.Context, positionID string) ([]model.PositionFlow, error)
	ListFlowsByTransaction(ctx context.Context, transactionID string) ([]model.PositionFlow, error)
	ListFlowsByTrade(ctx context.Context, tradeID string) ([]model.PositionFlow, error)

	// ListSubPositions returns a position's lots, oldest first, with
	// FlowIDs populated.
	ListSubPositions(ctx context.Context, positionID string) ([]model.SubPosition, error)
	ListLotAllocations(ctx context.Context, flowID string) ([]model.LotAllocation, error)

	// --- Events ---

	GetEvent(ctx context.Context, ref model.EventRef) (model.EventRecord, error)
}

// Tx is one atomic unit of work. Nothing written through a Tx is visible
// outside it until the enclosing Atomic call returns nil.
type Tx interface {
	Reader

	UpsertPortfolio(ctx context.Context, p model.Portfolio) error

	// InsertAccount fails with ErrConflict when the business key is taken.
	InsertAccount(ctx context.Context, a model.Account) error
	UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal) error

	InsertTransaction(ctx context.Context, t model.Transaction) error
	UpdateTransaction(ctx context.Context, t model.Transaction) error

	// DeleteTransaction removes a transaction together with its cashflows.
	DeleteTransaction(ctx context.Context, id string) error

	// ReplaceCashflows sets the cashflows of a transaction.
	ReplaceCashflows(ctx context.Context, transactionID string, flows []model.Cashflow) error

	UpsertPosition(ctx context.Context, p model.Position) error

	// InsertFlow appends a flow and assigns its Seq.
	InsertFlow(ctx context.Context, f *model.PositionFlow) error

	// DeleteFlow removes a flow together with its lot allocations.
	DeleteFlow(ctx context.Context, id string) error

	UpsertSubPosition(ctx context.Context, sp model.SubPosition) error
	InsertLotAllocations(ctx context.Context, allocs []model.LotAllocation) error

	UpsertEvent(ctx context.Context, rec model.EventRecord) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Reader

	// Atomic runs fn inside one transaction. A non-nil error from fn rolls
	// back everything fn wrote.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
