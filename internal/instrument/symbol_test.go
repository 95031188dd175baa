package instrument

import (
	"errors"
	"testing"
)

func TestParseSymbol_Valid(t *testing.T) {
	s, err := ParseSymbol("BTC/USDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Base != "BTC" {
		t.Errorf("expected base=BTC, got %s", s.Base)
	}
	if s.Quote != "USDT" {
		t.Errorf("expected quote=USDT, got %s", s.Quote)
	}
	if s.SettlementCurrency() != "USDT" {
		t.Errorf("expected settlement=USDT, got %s", s.SettlementCurrency())
	}
	if s.String() != "BTC/USDT" {
		t.Errorf("expected BTC/USDT, got %s", s.String())
	}
}

func TestParseSymbol_Settle(t *testing.T) {
	s, err := ParseSymbol(" btc/usd:btc ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Settle != "BTC" || s.SettlementCurrency() != "BTC" {
		t.Errorf("expected settle=BTC, got %q", s.Settle)
	}
	if s.String() != "BTC/USD:BTC" {
		t.Errorf("expected BTC/USD:BTC, got %s", s.String())
	}
}

func TestParseSymbol_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"BTC",
		"BTC/",
		"/USDT",
		"BTC-USDT",
		"BTC/USDT:",
		"BTC/USDT/ETH",
		"BTC/BTC", // identical legs
	}
	for _, raw := range tests {
		_, err := ParseSymbol(raw)
		if err == nil {
			t.Errorf("expected error for symbol %q", raw)
			continue
		}
		if !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("expected ErrInvalidSymbol for %q, got %v", raw, err)
		}
	}
}

func TestValidateCurrency(t *testing.T) {
	for _, code := range []string{"USD", "USDT", "BTC", "1INCH"} {
		if err := ValidateCurrency(code); err != nil {
			t.Errorf("unexpected error for %q: %v", code, err)
		}
	}
	for _, code := range []string{"", "usd", "US D", "BTC/USDT"} {
		if err := ValidateCurrency(code); !errors.Is(err, ErrInvalidCurrency) {
			t.Errorf("expected ErrInvalidCurrency for %q, got %v", code, err)
		}
	}
}
