// Package accounts resolves T-accounts by what they are for. Acquire is an
// idempotent get-or-create: inside one unit of work the same logical key
// always yields the same account.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atmx/ledger-engine/internal/id"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/store"
)

// Spec describes an account to acquire. Exactly one of Group and
// PortfolioID is set.
type Spec struct {
	Group       model.Group
	PortfolioID string
	Currency    string
	AssetType   model.AssetType
	// Type overrides the group default. Ignored for portfolio accounts.
	Type model.AccountType
}

func (s Spec) key() model.AccountKey {
	if s.Group != "" {
		return model.AccountKey{Group: s.Group, Currency: s.Currency}
	}
	return model.AccountKey{PortfolioID: s.PortfolioID, Currency: s.Currency, AssetType: s.AssetType}
}

// Directory is scoped to one store transaction. Accounts it has seen are
// kept in an arena and indexed by both id and business key.
type Directory struct {
	tx    store.Tx
	now   func() time.Time
	arena []model.Account
	index map[string]int
}

// NewDirectory returns a directory reading and writing through tx.
func NewDirectory(tx store.Tx, now func() time.Time) *Directory {
	return &Directory{tx: tx, now: now, index: make(map[string]int)}
}

// Acquire returns the account for spec, creating it on first use.
func (d *Directory) Acquire(ctx context.Context, spec Spec) (model.Account, error) {
	spec.Currency = strings.ToUpper(strings.TrimSpace(spec.Currency))
	if spec.Currency == "" {
		return model.Account{}, fmt.Errorf("%w: account currency is required", model.ErrInvalidEvent)
	}
	if (spec.Group == "") == (spec.PortfolioID == "") {
		return model.Account{}, fmt.Errorf("%w: account needs exactly one of group or portfolio", model.ErrInvalidEvent)
	}
	if spec.PortfolioID != "" && spec.AssetType == "" {
		spec.AssetType = model.Cash
	}

	key := spec.key()
	if i, ok := d.index[key.String()]; ok {
		return d.arena[i], nil
	}

	a, err := d.tx.FindAccount(ctx, key)
	switch {
	case err == nil:
		return d.remember(a), nil
	case !errors.Is(err, model.ErrNotFound):
		return model.Account{}, err
	}

	if spec.Group != "" {
		a, err = d.groupAccount(spec)
	} else {
		a, err = d.portfolioAccount(ctx, spec)
	}
	if err != nil {
		return model.Account{}, err
	}
	if err := d.tx.InsertAccount(ctx, a); err != nil {
		return model.Account{}, fmt.Errorf("accounts: create %s: %w", key, err)
	}
	return d.remember(a), nil
}

func (d *Directory) groupAccount(spec Spec) (model.Account, error) {
	typ := spec.Type
	if typ == "" {
		var ok bool
		if typ, ok = model.DefaultGroupTypes[spec.Group]; !ok {
			return model.Account{}, fmt.Errorf("%w: group %q has no default account type, please supply one",
				model.ErrConfiguration, spec.Group)
		}
	}
	if !typ.Valid() {
		return model.Account{}, fmt.Errorf("%w: unknown account type %q", model.ErrInvalidEvent, typ)
	}
	return model.Account{
		ID:        id.New(),
		Name:      fmt.Sprintf("%s (%s)", spec.Group.Title(), spec.Currency),
		Type:      typ,
		Currency:  spec.Currency,
		Group:     spec.Group,
		CreatedAt: d.now(),
	}, nil
}

func (d *Directory) portfolioAccount(ctx context.Context, spec Spec) (model.Account, error) {
	if !spec.AssetType.Valid() {
		return model.Account{}, fmt.Errorf("%w: unknown asset type %q", model.ErrInvalidEvent, spec.AssetType)
	}
	p, err := d.tx.GetPortfolio(ctx, spec.PortfolioID)
	if err != nil {
		return model.Account{}, err
	}
	return model.Account{
		ID:          id.New(),
		Name:        fmt.Sprintf("%s (%s)", p.Name, spec.Currency),
		Type:        model.Asset,
		Currency:    spec.Currency,
		AssetType:   spec.AssetType,
		PortfolioID: p.ID,
		UserID:      p.UserID,
		Investable:  p.Investable,
		CreatedAt:   d.now(),
	}, nil
}

// Get returns the account with the given id.
func (d *Directory) Get(ctx context.Context, accountID string) (model.Account, error) {
	if i, ok := d.index["id:"+accountID]; ok {
		return d.arena[i], nil
	}
	a, err := d.tx.GetAccount(ctx, accountID)
	if err != nil {
		return model.Account{}, err
	}
	return d.remember(a), nil
}

// Refresh replaces the remembered copy of a after the caller wrote it.
func (d *Directory) Refresh(a model.Account) {
	if i, ok := d.index["id:"+a.ID]; ok {
		d.arena[i] = a
	}
}

func (d *Directory) remember(a model.Account) model.Account {
	d.index["id:"+a.ID] = len(d.arena)
	d.index[a.Key().String()] = len(d.arena)
	d.arena = append(d.arena, a)
	return a
}
