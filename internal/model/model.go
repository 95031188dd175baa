// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Portfolio owns a set of T-accounts for one user. Investable portfolios
// feed the position book.
type Portfolio struct {
	ID         string    `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	UserID     string    `json:"user_id" db:"user_id"`
	Investable bool      `json:"investable" db:"investable"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Account is a T-account. Balance is a cache of the signed sum of the
// account's cashflows and is only written by the ledger.
type Account struct {
	ID          string          `json:"id" db:"id"`
	Name        string          `json:"name" db:"name"`
	Type        AccountType     `json:"type" db:"type"`
	Currency    string          `json:"currency" db:"currency"`
	AssetType   AssetType       `json:"asset_type" db:"asset_type"`
	Group       Group           `json:"group,omitempty" db:"group_name"`
	PortfolioID string          `json:"portfolio_id,omitempty" db:"portfolio_id"`
	UserID      string          `json:"user_id,omitempty" db:"user_id"`
	Investable  bool            `json:"investable" db:"investable"`
	Balance     decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Key returns the business key the account was acquired under.
func (a Account) Key() AccountKey {
	if a.Group != "" {
		return AccountKey{Group: a.Group, Currency: a.Currency}
	}
	return AccountKey{PortfolioID: a.PortfolioID, Currency: a.Currency, AssetType: a.AssetType}
}

// AccountKey identifies an account by what it is for rather than by id:
// either a (group, currency) pair or a (portfolio, currency, asset type)
// triple.
type AccountKey struct {
	Group       Group
	PortfolioID string
	Currency    string
	AssetType   AssetType
}

// String encodes the key for storage uniqueness checks.
func (k AccountKey) String() string {
	if k.Group != "" {
		return "group:" + string(k.Group) + ":" + k.Currency
	}
	return "portfolio:" + k.PortfolioID + ":" + string(k.AssetType) + ":" + k.Currency
}

// EventRef links a row back to the event that produced it.
type EventRef struct {
	Kind EventKind `json:"transactable_type"`
	ID   string    `json:"transactable_id"`
}

func (r EventRef) IsZero() bool { return r.Kind == "" && r.ID == "" }

// Transaction is a balanced double-entry record. Amount is always
// positive; direction is carried by which account is debited.
type Transaction struct {
	ID              string          `json:"id" db:"id"`
	DebitAccountID  string          `json:"debit_account_id" db:"debit_account_id"`
	CreditAccountID string          `json:"credit_account_id" db:"credit_account_id"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	Currency        string          `json:"currency" db:"currency"`
	TransactedAt    time.Time       `json:"transacted_at" db:"transacted_at"`
	Transactable    EventRef        `json:"transactable"`
	Leg             int             `json:"leg" db:"leg"`
	Tag             string          `json:"tag,omitempty" db:"tag"`
	Description     string          `json:"description,omitempty" db:"description"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Cashflow is one signed leg of a transaction against one account:
// positive on the debit side, negative on the credit side.
type Cashflow struct {
	TransactionID string          `json:"transaction_id" db:"transaction_id"`
	AccountID     string          `json:"account_id" db:"account_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	TransactedAt  time.Time       `json:"transacted_at" db:"transacted_at"`
}

// Holding is the cost-basis state shared by positions and lots.
type Holding struct {
	Size          decimal.Decimal `json:"size" db:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price" db:"entry_price"`
	Cost          decimal.Decimal `json:"cost" db:"cost"`
	Price         decimal.Decimal `json:"price" db:"price"`
	RealizedPnl   decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	OpenedAt      *time.Time      `json:"opened_at,omitempty" db:"opened_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// PositionKey identifies one logical position. AccountID is empty for
// positions driven directly by derivative trades.
type PositionKey struct {
	PortfolioID string    `json:"portfolio_id"`
	AccountID   string    `json:"account_id,omitempty"`
	Code        string    `json:"code"`
	AssetType   AssetType `json:"asset_type"`
	Currency    string    `json:"currency"`
	Side        Side      `json:"side"`
}

// Position is an average-cost holding of one instrument. Size is signed:
// long positions are non-negative and short positions non-positive.
type Position struct {
	ID             string          `json:"id" db:"id"`
	PortfolioID    string          `json:"portfolio_id" db:"portfolio_id"`
	AccountID      string          `json:"account_id,omitempty" db:"account_id"`
	Code           string          `json:"code" db:"code"`
	AssetType      AssetType       `json:"asset_type" db:"asset_type"`
	Currency       string          `json:"currency" db:"currency"`
	Side           Side            `json:"side" db:"side"`
	Margin         decimal.Decimal `json:"margin" db:"margin"`
	MarginCurrency string          `json:"margin_currency,omitempty" db:"margin_currency"`
	Holding
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func (p Position) Key() PositionKey {
	return PositionKey{
		PortfolioID: p.PortfolioID,
		AccountID:   p.AccountID,
		Code:        p.Code,
		AssetType:   p.AssetType,
		Currency:    p.Currency,
		Side:        p.Side,
	}
}

// PositionFilter narrows position queries. Zero fields match anything.
type PositionFilter struct {
	PortfolioID string
	AccountID   string
	Code        string
	Currency    string
	AssetType   AssetType
	Side        Side
	OpenOnly    bool
}

// Match reports whether p satisfies the filter.
func (f PositionFilter) Match(p Position) bool {
	switch {
	case f.PortfolioID != "" && p.PortfolioID != f.PortfolioID,
		f.AccountID != "" && p.AccountID != f.AccountID,
		f.Code != "" && p.Code != f.Code,
		f.Currency != "" && p.Currency != f.Currency,
		f.AssetType != "" && p.AssetType != f.AssetType,
		f.Side != "" && p.Side != f.Side,
		f.OpenOnly && p.IsClosed():
		return false
	}
	return true
}

// PositionFlow is an append-only size change against a position.
type PositionFlow struct {
	ID            string          `json:"id" db:"id"`
	PositionID    string          `json:"position_id" db:"position_id"`
	Seq           int64           `json:"seq" db:"seq"`
	Type          FlowType        `json:"type" db:"type"`
	Size          decimal.Decimal `json:"size" db:"size"`
	Price         decimal.Decimal `json:"price" db:"price"`
	Margin        decimal.Decimal `json:"margin" db:"margin"`
	Pnl           decimal.Decimal `json:"pnl" db:"pnl"`
	TransactedAt  time.Time       `json:"transacted_at" db:"transacted_at"`
	TransactionID string          `json:"transaction_id,omitempty" db:"transaction_id"`
	TradeID       string          `json:"trade_id,omitempty" db:"trade_id"`
}

// SubPosition is one FIFO cost-basis lot of a lot-tracked position.
// FlowIDs is derived from the lot's allocations when read.
type SubPosition struct {
	ID         string `json:"id" db:"id"`
	PositionID string `json:"position_id" db:"position_id"`
	Seq        int    `json:"seq" db:"seq"`
	Holding
	FlowIDs []string `json:"flow_ids"`
}

// LotAllocation records the share of one flow applied to one lot.
type LotAllocation struct {
	SubPositionID string          `json:"sub_position_id" db:"sub_position_id"`
	FlowID        string          `json:"flow_id" db:"position_flow_id"`
	Size          decimal.Decimal `json:"size" db:"size"`
	Pnl           decimal.Decimal `json:"pnl" db:"pnl"`
}

// EventRecord is the persisted envelope of an event with its JSON payload.
type EventRecord struct {
	Kind      EventKind   `json:"kind" db:"kind"`
	ID        string      `json:"id" db:"id"`
	Status    EventStatus `json:"status" db:"status"`
	Payload   []byte      `json:"payload" db:"payload"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

func (r EventRecord) Ref() EventRef { return EventRef{Kind: r.Kind, ID: r.ID} }
