// Package api provides the HTTP handlers of the ledger engine: event
// recording and amendment, account balances, positions and lots.
//
// All monetary values are shopspring/decimal, never float64.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/accounts"
	"github.com/atmx/ledger-engine/internal/engine"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/position"
	"github.com/atmx/ledger-engine/internal/store"
)

// Service exposes an Engine over HTTP.
type Service struct {
	engine *engine.Engine
	hub    *WSHub // optional; serves the posting stream
}

// NewService creates the HTTP service. Pass nil for hub if the WebSocket
// stream is not needed.
func NewService(e *engine.Engine, hub *WSHub) *Service {
	return &Service{engine: e, hub: hub}
}

// Routes registers the API on r. The server mounts it under /api/v1.
func (s *Service) Routes(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Post("/portfolios", s.RegisterPortfolio)

	r.Post("/accounts", s.AcquireAccount)
	r.Post("/accounts/{accountID}/open-balance", s.OpenBalance)
	r.Get("/accounts/{accountID}/balance", s.GetBalance)
	r.Get("/accounts/{accountID}/transactions", s.ListTransactions)

	r.Post("/events/{kind}", s.RecordEvent)
	r.Get("/events/{kind}/{eventID}", s.GetEvent)
	r.Put("/events/{kind}/{eventID}", s.AmendEvent)

	r.Get("/positions", s.ListPositions)
	r.Post("/positions/transfer", s.TransferPosition)
	r.Get("/positions/{positionID}", s.GetPosition)
	r.Get("/positions/{positionID}/lots", s.GetOpenLots)
	r.Post("/positions/{positionID}/lots", s.OpenLot)
	r.Get("/positions/{positionID}/flows", s.ListFlows)

	r.Delete("/flows/{flowID}", s.RevertFlow)
}

// --- Request/Response types ---

// AccountRequest is the JSON body for POST /accounts. Exactly one of Group
// and PortfolioID is set.
type AccountRequest struct {
	Group       model.Group       `json:"group,omitempty"`
	PortfolioID string            `json:"portfolio_id,omitempty"`
	Currency    string            `json:"currency"`
	AssetType   model.AssetType   `json:"asset_type,omitempty"`
	Type        model.AccountType `json:"type,omitempty"` // group accounts only; defaults per group
}

// OpenBalanceRequest is the JSON body for POST /accounts/{id}/open-balance.
type OpenBalanceRequest struct {
	Amount decimal.Decimal `json:"amount"`
	At     time.Time       `json:"at"`
}

// BalanceResponse is the JSON body returned from GET /accounts/{id}/balance.
type BalanceResponse struct {
	AccountID string          `json:"account_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Display   string          `json:"display,omitempty"` // ISO 4217 currencies only
}

// EventResponse is the JSON body returned after recording or amending.
type EventResponse struct {
	ID     string            `json:"id"`
	Kind   model.EventKind   `json:"kind"`
	Status model.EventStatus `json:"status"`
	Event  model.Event       `json:"event,omitempty"`
}

// TransferRequest is the JSON body for POST /positions/transfer.
type TransferRequest struct {
	From       string           `json:"from"`
	To         string           `json:"to"`
	Size       decimal.Decimal  `json:"size"`
	TargetSize decimal.Decimal  `json:"target_size"` // 0 → size
	Cost       *decimal.Decimal `json:"cost,omitempty"`
	At         time.Time        `json:"at"`
}

// TransferResponse is the JSON body returned from POST /positions/transfer.
type TransferResponse struct {
	Out model.PositionFlow `json:"out"`
	In  model.PositionFlow `json:"in"`
}

// --- HTTP Handlers ---

// RegisterPortfolio handles POST /api/v1/portfolios
func (s *Service) RegisterPortfolio(w http.ResponseWriter, r *http.Request) {
	var req model.Portfolio
	if !decode(w, r, &req) {
		return
	}
	p, err := s.engine.RegisterPortfolio(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// AcquireAccount handles POST /api/v1/accounts
func (s *Service) AcquireAccount(w http.ResponseWriter, r *http.Request) {
	var req AccountRequest
	if !decode(w, r, &req) {
		return
	}
	acct, err := s.engine.AcquireAccount(r.Context(), accounts.Spec{
		Group:       req.Group,
		PortfolioID: req.PortfolioID,
		Currency:    req.Currency,
		AssetType:   req.AssetType,
		Type:        req.Type,
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// OpenBalance handles POST /api/v1/accounts/{accountID}/open-balance
func (s *Service) OpenBalance(w http.ResponseWriter, r *http.Request) {
	var req OpenBalanceRequest
	if !decode(w, r, &req) {
		return
	}
	txn, err := s.engine.OpenBalance(r.Context(), chi.URLParam(r, "accountID"), req.Amount, req.At)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

// GetBalance handles GET /api/v1/accounts/{accountID}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	acct, err := s.engine.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		AccountID: acct.ID,
		Currency:  acct.Currency,
		Balance:   acct.Balance,
		Display:   display(acct.Balance, acct.Currency),
	})
}

// display formats amount in an ISO 4217 currency, e.g. "$1,234.50". Codes
// go-money does not know, such as crypto assets, are left unformatted.
func display(amount decimal.Decimal, code string) string {
	cur := money.GetCurrency(code)
	if cur == nil {
		return ""
	}
	minor := amount.Shift(int32(cur.Fraction)).Round(0)
	return money.New(minor.IntPart(), cur.Code).Display()
}

// ListTransactions handles GET /api/v1/accounts/{accountID}/transactions
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := s.engine.ListTransactions(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		fail(w, err)
		return
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

// RecordEvent handles POST /api/v1/events/{kind}
// The body is the event payload of that kind.
func (s *Service) RecordEvent(w http.ResponseWriter, r *http.Request) {
	ev, ok := decodeEvent(w, r)
	if !ok {
		return
	}
	id, err := s.engine.RecordEvent(r.Context(), ev)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, EventResponse{ID: id, Kind: ev.Kind(), Status: model.StatusPosted, Event: ev})
}

// AmendEvent handles PUT /api/v1/events/{kind}/{eventID}
func (s *Service) AmendEvent(w http.ResponseWriter, r *http.Request) {
	ev, ok := decodeEvent(w, r)
	if !ok {
		return
	}
	ev.SetEventID(chi.URLParam(r, "eventID"))
	if err := s.engine.AmendEvent(r.Context(), ev); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EventResponse{ID: ev.EventID(), Kind: ev.Kind(), Status: model.StatusPosted, Event: ev})
}

// GetEvent handles GET /api/v1/events/{kind}/{eventID}
func (s *Service) GetEvent(w http.ResponseWriter, r *http.Request) {
	kind := model.EventKind(chi.URLParam(r, "kind"))
	ev, status, err := s.engine.GetEvent(r.Context(), kind, chi.URLParam(r, "eventID"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EventResponse{ID: ev.EventID(), Kind: kind, Status: status, Event: ev})
}

// ListPositions handles GET /api/v1/positions
// Query parameters narrow the result: portfolio_id, account_id, code,
// currency, asset_type, side and open=true. With exact=true the full key
// is required and the single open position is returned.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	open, _ := strconv.ParseBool(q.Get("open"))
	filter := model.PositionFilter{
		PortfolioID: q.Get("portfolio_id"),
		AccountID:   q.Get("account_id"),
		Code:        q.Get("code"),
		Currency:    q.Get("currency"),
		AssetType:   model.AssetType(q.Get("asset_type")),
		Side:        model.Side(q.Get("side")),
		OpenOnly:    open,
	}

	if exact, _ := strconv.ParseBool(q.Get("exact")); exact {
		pos, err := s.engine.GetPosition(r.Context(), model.PositionKey{
			PortfolioID: filter.PortfolioID,
			AccountID:   filter.AccountID,
			Code:        filter.Code,
			AssetType:   filter.AssetType,
			Currency:    filter.Currency,
			Side:        filter.Side,
		})
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pos)
		return
	}

	positions, err := s.engine.ListPositions(r.Context(), filter)
	if err != nil {
		fail(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.engine.GetPositionByID(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetOpenLots handles GET /api/v1/positions/{positionID}/lots
func (s *Service) GetOpenLots(w http.ResponseWriter, r *http.Request) {
	lots, err := s.engine.GetOpenLots(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lots)
}

// OpenLot handles POST /api/v1/positions/{positionID}/lots
func (s *Service) OpenLot(w http.ResponseWriter, r *http.Request) {
	lot, err := s.engine.OpenLot(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, lot)
}

// ListFlows handles GET /api/v1/positions/{positionID}/flows
func (s *Service) ListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.engine.ListFlows(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		fail(w, err)
		return
	}
	if flows == nil {
		flows = []model.PositionFlow{}
	}
	writeJSON(w, http.StatusOK, flows)
}

// TransferPosition handles POST /api/v1/positions/transfer
func (s *Service) TransferPosition(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}
	out, in, err := s.engine.TransferPosition(r.Context(), position.TransferRequest{
		From:       req.From,
		To:         req.To,
		Size:       req.Size,
		TargetSize: req.TargetSize,
		Cost:       req.Cost,
		At:         req.At,
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, TransferResponse{Out: out, In: in})
}

// RevertFlow handles DELETE /api/v1/flows/{flowID}
func (s *Service) RevertFlow(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RevertFlow(r.Context(), chi.URLParam(r, "flowID")); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func decodeEvent(w http.ResponseWriter, r *http.Request) (model.Event, bool) {
	ev, err := model.NewEvent(model.EventKind(chi.URLParam(r, "kind")))
	if err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	if !decode(w, r, ev) {
		return nil, false
	}
	return ev, true
}

// statusFor maps the engine's error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrCurrencyMismatch),
		errors.Is(err, model.ErrCrossUserMismatch),
		errors.Is(err, model.ErrInvariantViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
