// Package recorder turns economic events into ledger transactions and
// position flows.
//
// Each event kind has a recorder with the same three steps: Validate checks
// the payload against the store, Post books it for the first time and Amend
// rewrites what an earlier Post booked. Add and Update drive an event through
// its pending -> posted lifecycle and persist the payload alongside.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/accounts"
	"github.com/atmx/ledger-engine/internal/config"
	"github.com/atmx/ledger-engine/internal/id"
	"github.com/atmx/ledger-engine/internal/ledger"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/position"
	"github.com/atmx/ledger-engine/internal/store"
)

// Recorder books one event.
type Recorder interface {
	Validate(ctx context.Context, s *Scope) error
	Post(ctx context.Context, s *Scope) error
	Amend(ctx context.Context, s *Scope) error
}

// Scope bundles the collaborators of one atomic recording. Everything in it
// shares the same store transaction and account cache.
type Scope struct {
	Tx        store.Tx
	Accounts  *accounts.Directory
	Book      *position.Book
	Ledger    *ledger.Ledger
	Positions config.PositionsConfig
	Now       func() time.Time
}

// NewScope wires a directory, a book and a ledger over tx.
func NewScope(tx store.Tx, positions config.PositionsConfig, now func() time.Time) *Scope {
	dir := accounts.NewDirectory(tx, now)
	book := position.NewBook(tx, now)
	return &Scope{
		Tx:        tx,
		Accounts:  dir,
		Book:      book,
		Ledger:    ledger.New(tx, dir, book, positions, now),
		Positions: positions,
		Now:       now,
	}
}

// For returns the recorder of ev.
func For(ev model.Event) (Recorder, error) {
	switch e := ev.(type) {
	case *model.Trade:
		return &tradeRecorder{e}, nil
	case *model.Deposit:
		return &depositRecorder{e}, nil
	case *model.Commission:
		return &commissionRecorder{e}, nil
	case *model.RealizedPnl:
		return &pnlRecorder{e}, nil
	case *model.FundingFee:
		return &fundingRecorder{e}, nil
	case *model.CurrencyExchange:
		return &exchangeRecorder{e}, nil
	}
	return nil, fmt.Errorf("%w: unsupported event %T", model.ErrInvalidEvent, ev)
}

// Ref returns the reference transactions of ev carry.
func Ref(ev model.Event) model.EventRef {
	return model.EventRef{Kind: ev.Kind(), ID: ev.EventID()}
}

// Add validates and posts a new event. Events without an id get a fresh
// one and events without a timestamp are stamped with the scope clock.
func Add(ctx context.Context, s *Scope, ev model.Event) error {
	if ev.EventID() == "" {
		ev.SetEventID(id.Event())
	}
	if ev.Timestamp().IsZero() {
		ev.SetTimestamp(s.Now())
	}
	r, err := For(ev)
	if err != nil {
		return err
	}

	ref := Ref(ev)
	rec, err := s.Tx.GetEvent(ctx, ref)
	switch {
	case err == nil && rec.Status == model.StatusPosted:
		return fmt.Errorf("%w: %s %s is already posted", model.ErrInvariantViolation, ref.Kind, ref.ID)
	case err != nil && !errors.Is(err, model.ErrNotFound):
		return err
	}

	if err := r.Validate(ctx, s); err != nil {
		return err
	}
	if err := s.save(ctx, ev, model.StatusPending, rec.CreatedAt); err != nil {
		return err
	}
	if err := r.Post(ctx, s); err != nil {
		return err
	}
	return s.save(ctx, ev, model.StatusPosted, rec.CreatedAt)
}

// Update amends a posted event in place. A zero timestamp keeps the one the
// event was posted with.
func Update(ctx context.Context, s *Scope, ev model.Event) error {
	r, err := For(ev)
	if err != nil {
		return err
	}
	ref := Ref(ev)
	rec, err := s.Tx.GetEvent(ctx, ref)
	if err != nil {
		return err
	}
	if rec.Status != model.StatusPosted {
		return fmt.Errorf("%w: %s %s has not been posted", model.ErrNotFound, ref.Kind, ref.ID)
	}
	if ev.Timestamp().IsZero() {
		prev, err := Decode(rec)
		if err != nil {
			return err
		}
		ev.SetTimestamp(prev.Timestamp())
	}

	if err := r.Validate(ctx, s); err != nil {
		return err
	}
	// Children of the event read its payload back while amending.
	if err := s.save(ctx, ev, model.StatusPosted, rec.CreatedAt); err != nil {
		return err
	}
	if err := r.Amend(ctx, s); err != nil {
		return err
	}
	return s.save(ctx, ev, model.StatusPosted, rec.CreatedAt)
}

// Decode returns the event stored in rec.
func Decode(rec model.EventRecord) (model.Event, error) {
	ev, err := model.NewEvent(rec.Kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rec.Payload, ev); err != nil {
		return nil, fmt.Errorf("recorder: decode %s %s: %w", rec.Kind, rec.ID, err)
	}
	return ev, nil
}

// Load returns a stored event.
func Load(ctx context.Context, r store.Reader, ref model.EventRef) (model.Event, model.EventStatus, error) {
	rec, err := r.GetEvent(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	ev, err := Decode(rec)
	if err != nil {
		return nil, "", err
	}
	return ev, rec.Status, nil
}

func (s *Scope) save(ctx context.Context, ev model.Event, status model.EventStatus, created time.Time) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("recorder: encode %s %s: %w", ev.Kind(), ev.EventID(), err)
	}
	now := s.Now()
	if created.IsZero() {
		created = now
	}
	return s.Tx.UpsertEvent(ctx, model.EventRecord{
		Kind:      ev.Kind(),
		ID:        ev.EventID(),
		Status:    status,
		Payload:   payload,
		CreatedAt: created,
		UpdatedAt: now,
	})
}

// charge books a fee taken from acct into group. A negative fee is a rebate
// and runs the other way.
func charge(acct, group model.Account, amount decimal.Decimal, at time.Time) ledger.Entry {
	e := ledger.Entry{DebitAccountID: group.ID, CreditAccountID: acct.ID, Amount: amount.Abs(), At: at}
	if amount.IsNegative() {
		e.DebitAccountID, e.CreditAccountID = acct.ID, group.ID
	}
	return e
}
