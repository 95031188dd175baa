package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Event is one of the closed set of economic event variants. Recorders
// dispatch on the concrete type.
type Event interface {
	Kind() EventKind
	EventID() string
	SetEventID(id string)
	// Timestamp is when the event happened; zero means "now".
	Timestamp() time.Time
	SetTimestamp(t time.Time)
}

// NewEvent returns an empty event of the given kind, ready to be decoded
// into.
func NewEvent(kind EventKind) (Event, error) {
	switch kind {
	case KindTrade:
		return &Trade{}, nil
	case KindDeposit:
		return &Deposit{}, nil
	case KindCommission:
		return &Commission{}, nil
	case KindRealizedPnl:
		return &RealizedPnl{}, nil
	case KindFundingFee:
		return &FundingFee{}, nil
	case KindCurrencyExchange:
		return &CurrencyExchange{}, nil
	}
	return nil, fmt.Errorf("%w: unknown event kind %q", ErrInvalidEvent, kind)
}

// Trade is an execution reported by a venue.
type Trade struct {
	ID             string          `json:"id"`
	PortfolioID    string          `json:"portfolio_id"`
	Code           string          `json:"code"`
	AssetType      AssetType       `json:"asset_type"`
	Currency       string          `json:"currency"`
	Action         Action          `json:"action"`
	Size           decimal.Decimal `json:"size"`
	Price          decimal.Decimal `json:"price"`
	Margin         decimal.Decimal `json:"margin"`
	MarginCurrency string          `json:"margin_currency,omitempty"`
	Comms          decimal.Decimal `json:"comms"`
	CommsCurrency  string          `json:"comms_currency,omitempty"`
	Pnl            decimal.Decimal `json:"pnl"`
	PnlCurrency    string          `json:"pnl_currency,omitempty"`
	TransactedAt   time.Time       `json:"transacted_at"`
	ReferenceID    string          `json:"reference_id,omitempty"`
}

func (t *Trade) Kind() EventKind           { return KindTrade }
func (t *Trade) EventID() string           { return t.ID }
func (t *Trade) SetEventID(id string)      { t.ID = id }
func (t *Trade) Timestamp() time.Time      { return t.TransactedAt }
func (t *Trade) SetTimestamp(at time.Time) { t.TransactedAt = at }

// BuySell returns the codes received and given up by the trade.
func (t *Trade) BuySell() (buy, sell string) {
	if t.Action == Sell {
		return t.Currency, t.Code
	}
	return t.Code, t.Currency
}

// Deposit moves funds between accounts, possibly of different owners.
// Either side may be outside the engine, but not both.
type Deposit struct {
	ID                string          `json:"id"`
	DebitAccountID    string          `json:"debit_account_id,omitempty"`
	CreditAccountID   string          `json:"credit_account_id,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	DebitReferenceID  string          `json:"debit_reference_id,omitempty"`
	CreditReferenceID string          `json:"credit_reference_id,omitempty"`
	Network           string          `json:"network,omitempty"`
	TransactedAt      time.Time       `json:"transacted_at"`
}

func (d *Deposit) Kind() EventKind           { return KindDeposit }
func (d *Deposit) EventID() string           { return d.ID }
func (d *Deposit) SetEventID(id string)      { d.ID = id }
func (d *Deposit) Timestamp() time.Time      { return d.TransactedAt }
func (d *Deposit) SetTimestamp(at time.Time) { d.TransactedAt = at }

// Commission is a fee charged to an account, usually by a trade.
type Commission struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	TradeID   string          `json:"trade_id,omitempty"`
	ChargedAt time.Time       `json:"charged_at"`
}

func (c *Commission) Kind() EventKind           { return KindCommission }
func (c *Commission) EventID() string           { return c.ID }
func (c *Commission) SetEventID(id string)      { c.ID = id }
func (c *Commission) Timestamp() time.Time      { return c.ChargedAt }
func (c *Commission) SetTimestamp(at time.Time) { c.ChargedAt = at }

// RealizedPnl is profit (positive) or loss (negative) credited to an account.
type RealizedPnl struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	TradeID   string          `json:"trade_id,omitempty"`
	GrantedAt time.Time       `json:"granted_at"`
}

func (r *RealizedPnl) Kind() EventKind           { return KindRealizedPnl }
func (r *RealizedPnl) EventID() string           { return r.ID }
func (r *RealizedPnl) SetEventID(id string)      { r.ID = id }
func (r *RealizedPnl) Timestamp() time.Time      { return r.GrantedAt }
func (r *RealizedPnl) SetTimestamp(at time.Time) { r.GrantedAt = at }

// FundingFee is a periodic perpetual-swap payment. A positive amount is
// paid by the portfolio.
type FundingFee struct {
	ID          string          `json:"id"`
	PortfolioID string          `json:"portfolio_id"`
	Code        string          `json:"code"`
	AssetType   AssetType       `json:"asset_type"`
	FundingRate decimal.Decimal `json:"funding_rate"`
	Amount      decimal.Decimal `json:"amount"`
	ChargedAt   time.Time       `json:"charged_at"`
	ReferenceID string          `json:"reference_id,omitempty"`

	// Resolved when the fee is posted.
	PositionID string `json:"position_id,omitempty"`
	AccountID  string `json:"account_id,omitempty"`
}

func (f *FundingFee) Kind() EventKind           { return KindFundingFee }
func (f *FundingFee) EventID() string           { return f.ID }
func (f *FundingFee) SetEventID(id string)      { f.ID = id }
func (f *FundingFee) Timestamp() time.Time      { return f.ChargedAt }
func (f *FundingFee) SetTimestamp(at time.Time) { f.ChargedAt = at }

// CurrencyExchange swaps CreditAmount out of CreditAccountID for
// DebitAmount into DebitAccountID.
type CurrencyExchange struct {
	ID              string          `json:"id"`
	DebitAccountID  string          `json:"debit_account_id"`
	CreditAccountID string          `json:"credit_account_id"`
	DebitAmount     decimal.Decimal `json:"debit_amount"`
	CreditAmount    decimal.Decimal `json:"credit_amount"`
	TradeID         string          `json:"trade_id,omitempty"`
	TransactedAt    time.Time       `json:"transacted_at"`
}

func (c *CurrencyExchange) Kind() EventKind           { return KindCurrencyExchange }
func (c *CurrencyExchange) EventID() string           { return c.ID }
func (c *CurrencyExchange) SetEventID(id string)      { c.ID = id }
func (c *CurrencyExchange) Timestamp() time.Time      { return c.TransactedAt }
func (c *CurrencyExchange) SetTimestamp(at time.Time) { c.TransactedAt = at }
