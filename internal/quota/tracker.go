// Package quota tracks a shop's remaining minimum guaranteed quantity (MGQ).
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/liquorledger/liquorledger/internal/stock"
)

// Shop carries the quota counters of one shop.
type Shop struct {
	ID         int64
	Name       string
	Category   stock.LiquorCategory
	MonthlyMGQ int64
	YearlyMGQ  int64
	// Quarterly holds the imported-goods duty quotas, index 0 is January–March.
	Quarterly [4]decimal.Decimal
	UpdatedAt time.Time
}

// Adjustment describes the quota effect of one receipt.
type Adjustment struct {
	Category    stock.LiquorCategory
	Date        time.Time
	Cases       int64
	DutyPerCase decimal.Decimal
}

// Store is the transactional persistence the tracker needs.
type Store interface {
	GetShopForUpdate(ctx context.Context, shopID int64) (Shop, error)
	UpdateShopQuota(ctx context.Context, shop Shop) error
}

var (
	// ErrShopNotFound indicates a missing shop.
	ErrShopNotFound = errors.New("quota: shop not found")
	// ErrCategoryMismatch indicates the goods do not match the shop's quota regime.
	ErrCategoryMismatch = errors.New("quota: liquor category does not match shop")
	// ErrInvalidCases indicates a negative case count.
	ErrInvalidCases = errors.New("quota: cases must be >= 0")
)

// QuarterIndex returns the quarterly bucket (0..3) of the calendar month of t.
func QuarterIndex(t time.Time) int {
	return (int(t.Month()) - 1) / 3
}

// Apply returns shop with adj consumed from its remaining quota.
func Apply(shop Shop, adj Adjustment) (Shop, error) {
	return adjust(shop, adj, -1)
}

// Revert returns shop with adj given back to its remaining quota.
func Revert(shop Shop, adj Adjustment) (Shop, error) {
	return adjust(shop, adj, 1)
}

func adjust(shop Shop, adj Adjustment, sign int64) (Shop, error) {
	if adj.Cases < 0 {
		return Shop{}, ErrInvalidCases
	}
	if adj.Category != shop.Category {
		return Shop{}, fmt.Errorf("%w: shop %d is %s, goods are %s", ErrCategoryMismatch, shop.ID, shop.Category, adj.Category)
	}
	switch adj.Category {
	case stock.CategoryDomestic:
		shop.MonthlyMGQ += sign * adj.Cases
		shop.YearlyMGQ += sign * adj.Cases
	case stock.CategoryImported:
		q := QuarterIndex(adj.Date)
		value := adj.DutyPerCase.Mul(decimal.NewFromInt(adj.Cases))
		shop.Quarterly[q] = shop.Quarterly[q].Add(value.Mul(decimal.NewFromInt(sign)))
	default:
		return Shop{}, fmt.Errorf("%w: unknown category %q", ErrCategoryMismatch, adj.Category)
	}
	return shop, nil
}

// Tracker applies quota adjustments through a transaction-scoped store. It
// does not deduplicate; callers apply each event exactly once.
type Tracker struct {
	store Store
}

// NewTracker builds a Tracker.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// ApplyReceipt consumes quota for a receipt.
func (t *Tracker) ApplyReceipt(ctx context.Context, shopID int64, adj Adjustment) (Shop, error) {
	return t.run(ctx, shopID, adj, Apply)
}

// RevertReceipt gives back the quota consumed by a receipt.
func (t *Tracker) RevertReceipt(ctx context.Context, shopID int64, adj Adjustment) (Shop, error) {
	return t.run(ctx, shopID, adj, Revert)
}

func (t *Tracker) run(ctx context.Context, shopID int64, adj Adjustment, fn func(Shop, Adjustment) (Shop, error)) (Shop, error) {
	shop, err := t.store.GetShopForUpdate(ctx, shopID)
	if err != nil {
		return Shop{}, err
	}
	next, err := fn(shop, adj)
	if err != nil {
		return Shop{}, err
	}
	if err := t.store.UpdateShopQuota(ctx, next); err != nil {
		return Shop{}, err
	}
	return next, nil
}
