package quota

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/liquorledger/liquorledger/internal/stock"
)

type memoryStore struct {
	shops map[int64]Shop
}

func (m *memoryStore) GetShopForUpdate(ctx context.Context, shopID int64) (Shop, error) {
	shop, ok := m.shops[shopID]
	if !ok {
		return Shop{}, ErrShopNotFound
	}
	return shop, nil
}

func (m *memoryStore) UpdateShopQuota(ctx context.Context, shop Shop) error {
	m.shops[shop.ID] = shop
	return nil
}

func TestQuarterIndex(t *testing.T) {
	cases := map[time.Month]int{
		time.January: 0, time.March: 0, time.April: 1, time.June: 1,
		time.July: 2, time.September: 2, time.October: 3, time.December: 3,
	}
	for month, want := range cases {
		require.Equal(t, want, QuarterIndex(time.Date(2024, month, 15, 0, 0, 0, 0, time.UTC)), month.String())
	}
}

func TestDomesticApplyAndRevert(t *testing.T) {
	shop := Shop{ID: 1, Category: stock.CategoryDomestic, MonthlyMGQ: 100, YearlyMGQ: 1200}
	adj := Adjustment{Category: stock.CategoryDomestic, Date: time.Now(), Cases: 12}

	applied, err := Apply(shop, adj)
	require.NoError(t, err)
	require.EqualValues(t, 88, applied.MonthlyMGQ)
	require.EqualValues(t, 1188, applied.YearlyMGQ)

	reverted, err := Revert(applied, adj)
	require.NoError(t, err)
	require.Equal(t, shop, reverted)
}

func TestImportedUsesQuarterOfReceiptDate(t *testing.T) {
	shop := Shop{ID: 2, Category: stock.CategoryImported}
	for i := range shop.Quarterly {
		shop.Quarterly[i] = decimal.NewFromInt(10000)
	}
	adj := Adjustment{
		Category:    stock.CategoryImported,
		Date:        time.Date(2024, time.August, 3, 0, 0, 0, 0, time.UTC),
		Cases:       3,
		DutyPerCase: decimal.RequireFromString("450.50"),
	}
	applied, err := Apply(shop, adj)
	require.NoError(t, err)
	require.Equal(t, "8648.5", applied.Quarterly[2].String())
	require.True(t, applied.Quarterly[0].Equal(decimal.NewFromInt(10000)))
	require.Zero(t, applied.MonthlyMGQ)
}

func TestCategoryMismatch(t *testing.T) {
	shop := Shop{ID: 3, Category: stock.CategoryDomestic}
	_, err := Apply(shop, Adjustment{Category: stock.CategoryImported, Cases: 1})
	require.ErrorIs(t, err, ErrCategoryMismatch)

	_, err = Apply(shop, Adjustment{Category: stock.CategoryDomestic, Cases: -1})
	require.ErrorIs(t, err, ErrInvalidCases)
}

func TestTrackerPersists(t *testing.T) {
	store := &memoryStore{shops: map[int64]Shop{
		1: {ID: 1, Category: stock.CategoryDomestic, MonthlyMGQ: 50, YearlyMGQ: 600},
	}}
	tracker := NewTracker(store)
	ctx := context.Background()
	adj := Adjustment{Category: stock.CategoryDomestic, Cases: 5}

	_, err := tracker.ApplyReceipt(ctx, 1, adj)
	require.NoError(t, err)
	require.EqualValues(t, 45, store.shops[1].MonthlyMGQ)

	_, err = tracker.RevertReceipt(ctx, 1, adj)
	require.NoError(t, err)
	require.EqualValues(t, 50, store.shops[1].MonthlyMGQ)

	_, err = tracker.ApplyReceipt(ctx, 9, adj)
	require.ErrorIs(t, err, ErrShopNotFound)
}
