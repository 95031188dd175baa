// Package instrument handles trading pair symbol parsing and validation.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// symbolRegex matches: {BASE}/{QUOTE}[:{SETTLE}]
// Examples: BTC/USDT, ETH/BTC, BTC/USD:BTC
var symbolRegex = regexp.MustCompile(
	`^([A-Z0-9]{1,20})/([A-Z0-9]{1,20})(?::([A-Z0-9]{1,20}))?$`,
)

var currencyRegex = regexp.MustCompile(`^[A-Z0-9]{1,20}$`)

var (
	ErrInvalidSymbol   = errors.New("instrument: invalid symbol format")
	ErrInvalidCurrency = errors.New("instrument: invalid currency code")
)

// Symbol is a parsed trading pair.
type Symbol struct {
	Raw    string `json:"raw"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
	Settle string `json:"settle,omitempty"` // empty means settled in Quote
}

// ParseSymbol parses and validates a pair symbol. Input is upper-cased and
// trimmed first.
// Format: {BASE}/{QUOTE}[:{SETTLE}]
func ParseSymbol(raw string) (Symbol, error) {
	norm := strings.ToUpper(strings.TrimSpace(raw))
	matches := symbolRegex.FindStringSubmatch(norm)
	if matches == nil {
		return Symbol{}, fmt.Errorf("%w: %q (expected BASE/QUOTE[:SETTLE])", ErrInvalidSymbol, raw)
	}
	if matches[1] == matches[2] {
		return Symbol{}, fmt.Errorf("%w: %q has identical base and quote", ErrInvalidSymbol, raw)
	}
	return Symbol{
		Raw:    norm,
		Base:   matches[1],
		Quote:  matches[2],
		Settle: matches[3],
	}, nil
}

// SettlementCurrency is the currency the pair's pnl and fees are paid in.
func (s Symbol) SettlementCurrency() string {
	if s.Settle != "" {
		return s.Settle
	}
	return s.Quote
}

func (s Symbol) String() string {
	if s.Settle != "" {
		return s.Base + "/" + s.Quote + ":" + s.Settle
	}
	return s.Base + "/" + s.Quote
}

// ValidateCurrency checks that code looks like a currency or instrument
// code (upper-case alphanumerics).
func ValidateCurrency(code string) error {
	if !currencyRegex.MatchString(code) {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	return nil
}
