package model

import (
	"strings"
)

// AccountType is the accounting class of a T-account.
type AccountType string

const (
	Asset     AccountType = "asset"
	Liability AccountType = "liability"
	Income    AccountType = "income"
	Expense   AccountType = "expense"
	Equity    AccountType = "equity"
)

// Valid reports whether t is one of the five accounting classes.
func (t AccountType) Valid() bool {
	switch t {
	case Asset, Liability, Income, Expense, Equity:
		return true
	}
	return false
}

// Group is the functional bucket of a shared (non-portfolio) account.
type Group string

const (
	GroupCapital          Group = "capital"
	GroupCommission       Group = "commission"
	GroupDeposit          Group = "deposit"
	GroupRealizedPnl      Group = "realized_pnl"
	GroupCurrencyExchange Group = "currency_exchange"
	GroupFundingFee       Group = "funding_fee"
	GroupAdjustment       Group = "adjustment"
)

// DefaultGroupTypes maps each known group to the account type its accounts
// are created with when the caller does not supply one.
var DefaultGroupTypes = map[Group]AccountType{
	GroupCurrencyExchange: Income,
	GroupRealizedPnl:      Income,
	GroupFundingFee:       Expense,
	GroupCommission:       Expense,
	GroupDeposit:          Income,
	GroupCapital:          Equity,
	GroupAdjustment:       Expense,
}

// Title renders the group as a display name, e.g. "Currency Exchange".
func (g Group) Title() string {
	parts := strings.Split(string(g), "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

// AssetType classifies the instrument held in an account or position.
type AssetType string

const (
	Cash                 AssetType = "cash"
	Stock                AssetType = "stock"
	Crypto               AssetType = "crypto"
	ETF                  AssetType = "etf"
	Fund                 AssetType = "fund"
	Property             AssetType = "property"
	Commodity            AssetType = "commodity"
	NFT                  AssetType = "nft"
	StockFutures         AssetType = "stock_futures"
	StockOption          AssetType = "stock_option"
	CommodityFutures     AssetType = "commodity_futures"
	CommodityOption      AssetType = "commodity_option"
	CryptoFutures        AssetType = "crypto_futures"
	CryptoInverseFutures AssetType = "crypto_inverse_futures"
	CryptoOption         AssetType = "crypto_option"
	CryptoPerp           AssetType = "crypto_perp"
	CryptoInversePerp    AssetType = "crypto_inverse_perp"
)

var assetTypes = map[AssetType]bool{
	Cash: true, Stock: true, Crypto: true, ETF: true, Fund: true, Property: true,
	Commodity: true, NFT: true, StockFutures: true, StockOption: true,
	CommodityFutures: true, CommodityOption: true, CryptoFutures: true,
	CryptoInverseFutures: true, CryptoOption: true, CryptoPerp: true,
	CryptoInversePerp: true,
}

// Valid reports whether a is a known asset type.
func (a AssetType) Valid() bool { return assetTypes[a] }

// LotTracked reports whether positions of this type keep sub-positions.
func (a AssetType) LotTracked() bool {
	return a == CryptoPerp || a == CryptoInversePerp
}

// Exchangeable reports whether trades of this type settle by exchanging
// one currency for another between spot accounts.
func (a AssetType) Exchangeable() bool { return a == Crypto }

// Base returns the asset type of the accounts that settle this instrument.
func (a AssetType) Base() AssetType {
	switch a {
	case Crypto, CryptoPerp, CryptoInversePerp:
		return Crypto
	}
	return Cash
}

// Side is the direction of a position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

func (s Side) Valid() bool { return s == Long || s == Short }

// Action is what a trade did.
type Action string

const (
	Buy        Action = "buy"
	Sell       Action = "sell"
	OpenLong   Action = "open_long"
	OpenShort  Action = "open_short"
	CloseLong  Action = "close_long"
	CloseShort Action = "close_short"
)

func (a Action) Valid() bool {
	switch a {
	case Buy, Sell, OpenLong, OpenShort, CloseLong, CloseShort:
		return true
	}
	return false
}

// Opens reports whether the action grows a derivative position.
func (a Action) Opens() bool { return a == OpenLong || a == OpenShort }

// Side returns the derivative side the action works on.
func (a Action) Side() Side {
	if a == OpenShort || a == CloseShort {
		return Short
	}
	return Long
}

// FlowType is the kind of a PositionFlow.
type FlowType string

const (
	FlowIncrease    FlowType = "increase"
	FlowDecrease    FlowType = "decrease"
	FlowTransferOut FlowType = "transfer_out"
	FlowTransferIn  FlowType = "transfer_in"
)

// Grows reports whether the flow moves the position away from zero.
func (f FlowType) Grows() bool { return f == FlowIncrease || f == FlowTransferIn }

// EventKind names an event variant.
type EventKind string

const (
	KindTrade            EventKind = "trade"
	KindDeposit          EventKind = "deposit"
	KindCommission       EventKind = "commission"
	KindRealizedPnl      EventKind = "realized_pnl"
	KindFundingFee       EventKind = "funding_fee"
	KindCurrencyExchange EventKind = "currency_exchange"
)

// EventStatus is the lifecycle state of an event.
type EventStatus string

const (
	StatusPending EventStatus = "pending"
	StatusPosted  EventStatus = "posted"
)
