package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/liquorledger/liquorledger/internal/ledger"
	"github.com/liquorledger/liquorledger/internal/quota"
	"github.com/liquorledger/liquorledger/internal/stock"
)

// Chain lists the entries of key dated within [from, to]. Zero bounds are open.
func (s *Service) Chain(ctx context.Context, key stock.Key, from, to time.Time) ([]stock.Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, errors.Join(ErrValidation, err)
	}
	return s.repo.ListChain(ctx, key, from, to)
}

// Ledger lists the rows of key dated within [from, to]. Zero bounds are open.
func (s *Service) Ledger(ctx context.Context, key ledger.Key, from, to time.Time) ([]ledger.Row, error) {
	if err := key.Validate(); err != nil {
		return nil, errors.Join(ErrValidation, err)
	}
	return s.repo.ListLedger(ctx, key, from, to)
}

// Receipts lists the receipts of key, optionally only those still pending.
func (s *Service) Receipts(ctx context.Context, key stock.Key, pendingOnly bool) ([]stock.Receipt, error) {
	if err := key.Validate(); err != nil {
		return nil, errors.Join(ErrValidation, err)
	}
	return s.repo.ListReceipts(ctx, key, pendingOnly)
}

// Entry returns one stock entry.
func (s *Service) Entry(ctx context.Context, id int64) (stock.Entry, error) {
	return s.repo.GetEntry(ctx, id)
}

// Receipt returns one stock receipt.
func (s *Service) Receipt(ctx context.Context, id int64) (stock.Receipt, error) {
	return s.repo.GetReceipt(ctx, id)
}

// Balance returns the current balance of a ledger key, served from the cache
// when one is configured.
func (s *Service) Balance(ctx context.Context, key ledger.Key) (Balance, error) {
	if err := key.Validate(); err != nil {
		return Balance{}, errors.Join(ErrValidation, err)
	}
	load := func(ctx context.Context) (Balance, error) {
		b := Balance{Book: key.Book(), Key: key.String(), Balance: decimal.Zero}
		row, err := s.repo.LatestRow(ctx, key)
		switch {
		case err == nil:
			b.Balance = row.Balance
			b.AsOf = &row.Date
		case !errors.Is(err, ledger.ErrRowNotFound):
			return Balance{}, err
		}
		return b, nil
	}
	return cachedRead(ctx, s, load, "balance", string(key.Book()), key.String())
}

// Closing returns the current closing stock of a chain key, served from the
// cache when one is configured.
func (s *Service) Closing(ctx context.Context, key stock.Key) (ClosingStock, error) {
	if err := key.Validate(); err != nil {
		return ClosingStock{}, errors.Join(ErrValidation, err)
	}
	load := func(ctx context.Context) (ClosingStock, error) {
		c := ClosingStock{ShopID: key.ShopID, BrandName: key.BrandName, VolumeML: key.VolumeML}
		entry, err := s.repo.LatestEntry(ctx, key)
		switch {
		case err == nil:
			c.Closing = entry.ClosingBalance
			c.AsOf = &entry.Date
		case !errors.Is(err, stock.ErrEntryNotFound):
			return ClosingStock{}, err
		}
		return c, nil
	}
	return cachedRead(ctx, s, load, "closing", key.String())
}

func cachedRead[T any](ctx context.Context, s *Service, load func(context.Context) (T, error), parts ...string) (T, error) {
	var out T
	if s.cache == nil {
		return load(ctx)
	}
	key, err := s.cache.BuildKey(ctx, parts...)
	if err != nil {
		return out, err
	}
	err = s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
		return load(ctx)
	})
	return out, err
}

// SaveBrand creates or replaces a brand+volume definition.
func (s *Service) SaveBrand(ctx context.Context, actorID int64, b stock.Brand) (stock.Brand, error) {
	b.Name = stock.CanonicalBrand(b.Name)
	b.LiquorType = strings.TrimSpace(b.LiquorType)
	switch {
	case b.Name == "":
		return stock.Brand{}, fmt.Errorf("%w: brand name required", ErrValidation)
	case b.VolumeML <= 0:
		return stock.Brand{}, fmt.Errorf("%w: volume must be positive", ErrValidation)
	case b.LiquorType == "":
		return stock.Brand{}, fmt.Errorf("%w: liquor type required", ErrValidation)
	case !b.Category.Valid():
		return stock.Brand{}, fmt.Errorf("%w: unknown liquor category %q", ErrValidation, b.Category)
	case b.PiecesPerCase <= 0:
		return stock.Brand{}, fmt.Errorf("%w: pieces per case must be positive", ErrValidation)
	case b.DutyPerCase.IsNegative():
		return stock.Brand{}, fmt.Errorf("%w: duty per case must be >= 0", ErrValidation)
	}
	saved, err := s.repo.UpsertBrand(ctx, b)
	if err != nil {
		return stock.Brand{}, err
	}
	s.record(ctx, actorID, "reconcile:brand.save", "brand", saved.Name+":"+strconv.Itoa(saved.VolumeML), map[string]any{
		"pieces_per_case": saved.PiecesPerCase,
		"duty_per_case":   saved.DutyPerCase.String(),
	})
	return saved, nil
}

// Brands lists every brand.
func (s *Service) Brands(ctx context.Context) ([]stock.Brand, error) {
	return s.repo.ListBrands(ctx)
}

// CreateShop registers a shop with its initial quota targets.
func (s *Service) CreateShop(ctx context.Context, actorID int64, shop quota.Shop) (quota.Shop, error) {
	shop.Name = strings.TrimSpace(shop.Name)
	if shop.Name == "" {
		return quota.Shop{}, fmt.Errorf("%w: shop name required", ErrValidation)
	}
	if !shop.Category.Valid() {
		return quota.Shop{}, fmt.Errorf("%w: unknown liquor category %q", ErrValidation, shop.Category)
	}
	created, err := s.repo.CreateShop(ctx, shop)
	if err != nil {
		return quota.Shop{}, err
	}
	s.record(ctx, actorID, "reconcile:shop.create", "shop", created.ID, map[string]any{"category": string(created.Category)})
	return created, nil
}

// SetShopTargets resets a shop's remaining quota counters, typically at the
// start of a licence period.
func (s *Service) SetShopTargets(ctx context.Context, actorID int64, shop quota.Shop) (quota.Shop, error) {
	if shop.ID <= 0 {
		return quota.Shop{}, fmt.Errorf("%w: shop id required", ErrValidation)
	}
	updated, err := s.repo.UpdateShopTargets(ctx, shop)
	if err != nil {
		return quota.Shop{}, err
	}
	s.record(ctx, actorID, "reconcile:shop.targets", "shop", updated.ID, map[string]any{
		"monthly_mgq": updated.MonthlyMGQ,
		"yearly_mgq":  updated.YearlyMGQ,
	})
	return updated, nil
}

// Shop returns a shop with its remaining quota.
func (s *Service) Shop(ctx context.Context, id int64) (quota.Shop, error) {
	return s.repo.GetShop(ctx, id)
}
