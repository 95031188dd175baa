package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/api"
	"github.com/atmx/ledger-engine/internal/config"
	"github.com/atmx/ledger-engine/internal/engine"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newTestEnv creates a Service over an in-memory store and mounts it the
// way the server does.
func newTestEnv(t *testing.T, hub *api.WSHub) chi.Router {
	t.Helper()
	opts := engine.Options{
		Positions: config.Defaults().Positions,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if hub != nil {
		opts.OnPosted = hub.Publish
	}
	e := engine.New(store.NewMemoryStore(), opts)
	svc := api.NewService(e, hub)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return r
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func seedPortfolio(t *testing.T, router http.Handler, id string, investable bool) {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/portfolios", model.Portfolio{ID: id, Name: id, UserID: "u1", Investable: investable})
	if w.Code != http.StatusCreated {
		t.Fatalf("create portfolio: expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func seedAccount(t *testing.T, router http.Handler, req api.AccountRequest) model.Account {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/accounts", req)
	if w.Code != http.StatusOK {
		t.Fatalf("acquire account: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var acct model.Account
	decodeInto(t, w, &acct)
	return acct
}

func balance(t *testing.T, router http.Handler, accountID string) api.BalanceResponse {
	t.Helper()
	w := do(t, router, "GET", "/api/v1/accounts/"+accountID+"/balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.BalanceResponse
	decodeInto(t, w, &resp)
	return resp
}

// --- Event tests ---

func TestRecordAndAmendDeposit(t *testing.T) {
	router := newTestEnv(t, nil)
	seedPortfolio(t, router, "bank", false)
	acct := seedAccount(t, router, api.AccountRequest{PortfolioID: "bank", Currency: "usd"})

	w := do(t, router, "POST", "/api/v1/events/deposit", model.Deposit{DebitAccountID: acct.ID, Amount: d("100")})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var rec struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decodeInto(t, w, &rec)
	if rec.ID == "" || rec.Status != "posted" {
		t.Fatalf("unexpected response: %+v", rec)
	}

	bal := balance(t, router, acct.ID)
	if !bal.Balance.Equal(d("100")) {
		t.Errorf("expected balance 100, got %s", bal.Balance)
	}
	if bal.Display != "$100.00" {
		t.Errorf("expected display $100.00, got %q", bal.Display)
	}

	w = do(t, router, "PUT", "/api/v1/events/deposit/"+rec.ID, model.Deposit{DebitAccountID: acct.ID, Amount: d("80")})
	if w.Code != http.StatusOK {
		t.Fatalf("amend: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if bal := balance(t, router, acct.ID); !bal.Balance.Equal(d("80")) {
		t.Errorf("expected balance 80 after amend, got %s", bal.Balance)
	}

	w = do(t, router, "GET", "/api/v1/accounts/"+acct.ID+"/transactions", nil)
	var txns []model.Transaction
	decodeInto(t, w, &txns)
	if len(txns) != 1 {
		t.Errorf("expected 1 transaction, got %d", len(txns))
	}

	w = do(t, router, "GET", "/api/v1/events/deposit/"+rec.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get event: expected 200, got %d", w.Code)
	}
	var got struct {
		Event model.Deposit `json:"event"`
	}
	decodeInto(t, w, &got)
	if !got.Event.Amount.Equal(d("80")) {
		t.Errorf("expected stored amount 80, got %s", got.Event.Amount)
	}
}

func TestErrorStatuses(t *testing.T) {
	router := newTestEnv(t, nil)
	seedPortfolio(t, router, "a", false)
	usd := seedAccount(t, router, api.AccountRequest{PortfolioID: "a", Currency: "USD"})
	eur := seedAccount(t, router, api.AccountRequest{PortfolioID: "a", Currency: "EUR"})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown kind", "POST", "/api/v1/events/airdrop", map[string]string{}, http.StatusNotFound},
		{"bad json", "POST", "/api/v1/events/deposit", "{not json", http.StatusBadRequest},
		{"currency mismatch", "POST", "/api/v1/events/deposit",
			model.Deposit{DebitAccountID: usd.ID, CreditAccountID: eur.ID, Amount: d("5")}, http.StatusUnprocessableEntity},
		{"missing account", "POST", "/api/v1/events/deposit",
			model.Deposit{DebitAccountID: "nope", Amount: d("5")}, http.StatusNotFound},
		{"amend unposted", "PUT", "/api/v1/events/deposit/never",
			model.Deposit{DebitAccountID: usd.ID, Amount: d("5")}, http.StatusNotFound},
		{"missing balance", "GET", "/api/v1/accounts/nope/balance", nil, http.StatusNotFound},
		{"missing position", "GET", "/api/v1/positions/nope", nil, http.StatusNotFound},
		{"unnamed portfolio", "POST", "/api/v1/portfolios", model.Portfolio{}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			var resp map[string]string
			decodeInto(t, w, &resp)
			if resp["error"] == "" {
				t.Error("expected error message in body")
			}
		})
	}
}

func TestCryptoBalanceHasNoDisplay(t *testing.T) {
	router := newTestEnv(t, nil)
	seedPortfolio(t, router, "spot", true)
	acct := seedAccount(t, router, api.AccountRequest{PortfolioID: "spot", Currency: "USDT", AssetType: model.Crypto})

	w := do(t, router, "POST", "/api/v1/accounts/"+acct.ID+"/open-balance", api.OpenBalanceRequest{Amount: d("250.5")})
	if w.Code != http.StatusCreated {
		t.Fatalf("open balance: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	bal := balance(t, router, acct.ID)
	if !bal.Balance.Equal(d("250.5")) {
		t.Errorf("expected 250.5, got %s", bal.Balance)
	}
	if bal.Display != "" {
		t.Errorf("expected no display for USDT, got %q", bal.Display)
	}
}

// --- Position tests ---

func TestPerpPositionLifecycle(t *testing.T) {
	router := newTestEnv(t, nil)
	seedPortfolio(t, router, "perp", true)

	trade := func(id string, action model.Action, size, price string) {
		t.Helper()
		w := do(t, router, "POST", "/api/v1/events/trade", model.Trade{
			ID:           id,
			PortfolioID:  "perp",
			Code:         "ETH",
			AssetType:    model.CryptoPerp,
			Currency:     "USDT",
			Action:       action,
			Size:         d(size),
			Price:        d(price),
			TransactedAt: time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC),
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("trade %s: expected 201, got %d: %s", id, w.Code, w.Body.String())
		}
	}
	trade("t1", model.OpenLong, "5", "100")

	w := do(t, router, "GET", "/api/v1/positions?exact=true&portfolio_id=perp&code=eth&asset_type=crypto_perp&currency=usdt&side=long", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get position: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var pos model.Position
	decodeInto(t, w, &pos)
	if !pos.Size.Equal(d("5")) {
		t.Fatalf("expected size 5, got %s", pos.Size)
	}

	if w := do(t, router, "POST", "/api/v1/positions/"+pos.ID+"/lots", nil); w.Code != http.StatusCreated {
		t.Fatalf("open lot: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	trade("t2", model.OpenLong, "5", "110")
	trade("t3", model.CloseLong, "8", "120")

	w = do(t, router, "GET", "/api/v1/positions/"+pos.ID, nil)
	decodeInto(t, w, &pos)
	if !pos.RealizedPnl.Equal(d("130")) {
		t.Errorf("expected realized pnl 130, got %s", pos.RealizedPnl)
	}

	w = do(t, router, "GET", "/api/v1/positions/"+pos.ID+"/lots", nil)
	var lots []model.SubPosition
	decodeInto(t, w, &lots)
	if len(lots) != 1 || !lots[0].Size.Equal(d("2")) {
		t.Fatalf("expected one open lot of size 2, got %+v", lots)
	}

	w = do(t, router, "GET", "/api/v1/positions?portfolio_id=perp&open=true", nil)
	var positions []model.Position
	decodeInto(t, w, &positions)
	if len(positions) != 1 {
		t.Errorf("expected 1 open position, got %d", len(positions))
	}

	w = do(t, router, "GET", "/api/v1/positions/"+pos.ID+"/flows", nil)
	var flows []model.PositionFlow
	decodeInto(t, w, &flows)
	if len(flows) != 3 {
		t.Fatalf("expected 3 flows, got %d", len(flows))
	}

	// Trade flows are owned by their trade and cannot be reverted directly.
	if w := do(t, router, "DELETE", "/api/v1/flows/"+flows[0].ID, nil); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 reverting a trade flow, got %d", w.Code)
	}
}

func TestTransferAndRevert(t *testing.T) {
	router := newTestEnv(t, nil)
	ids := map[string]string{}
	for _, p := range []string{"from", "to"} {
		seedPortfolio(t, router, p, true)
		w := do(t, router, "POST", "/api/v1/events/trade", model.Trade{
			ID:          "open-" + p,
			PortfolioID: p,
			Code:        "BTC",
			AssetType:   model.CryptoPerp,
			Currency:    "USDT",
			Action:      model.OpenLong,
			Size:        d("4"),
			Price:       d("100"),
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("trade: expected 201, got %d: %s", w.Code, w.Body.String())
		}
		w = do(t, router, "GET", "/api/v1/positions?exact=true&portfolio_id="+p+"&code=BTC&asset_type=crypto_perp&currency=USDT&side=long", nil)
		var pos model.Position
		decodeInto(t, w, &pos)
		ids[p] = pos.ID
	}

	w := do(t, router, "POST", "/api/v1/positions/transfer", api.TransferRequest{From: ids["from"], To: ids["to"], Size: d("1")})
	if w.Code != http.StatusCreated {
		t.Fatalf("transfer: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var tr api.TransferResponse
	decodeInto(t, w, &tr)
	if !tr.In.Size.Equal(d("1")) || !tr.Out.Size.Equal(d("-1")) {
		t.Fatalf("unexpected transfer flows: out %s in %s", tr.Out.Size, tr.In.Size)
	}

	for _, id := range []string{tr.In.ID, tr.Out.ID} {
		if w := do(t, router, "DELETE", "/api/v1/flows/"+id, nil); w.Code != http.StatusNoContent {
			t.Fatalf("revert: expected 204, got %d: %s", w.Code, w.Body.String())
		}
	}

	w = do(t, router, "GET", "/api/v1/positions/"+ids["to"], nil)
	var to model.Position
	decodeInto(t, w, &to)
	if !to.Size.Equal(d("4")) {
		t.Errorf("expected size 4 after revert, got %s", to.Size)
	}

	w = do(t, router, "POST", "/api/v1/positions/transfer", api.TransferRequest{From: ids["from"], To: ids["to"], Size: d("9")})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for oversized transfer, got %d", w.Code)
	}
}

// --- WebSocket tests ---

func TestPostingStream(t *testing.T) {
	hub := api.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	router := newTestEnv(t, hub)
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	seedPortfolio(t, router, "bank", false)
	acct := seedAccount(t, router, api.AccountRequest{PortfolioID: "bank", Currency: "USD"})
	w := do(t, router, "POST", "/api/v1/events/deposit", model.Deposit{ID: "dep-1", DebitAccountID: acct.ID, Amount: d("10")})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "event_posted" || msg.Kind != "deposit" || msg.EventID != "dep-1" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if len(msg.TransactionIDs) != 1 {
		t.Errorf("expected 1 transaction id, got %d", len(msg.TransactionIDs))
	}
}
