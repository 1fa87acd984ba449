package ledger

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	rows   map[int64]Row
	nextID int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: make(map[int64]Row)}
}

func (m *memoryStore) ordered(key Key) []Row {
	var out []Row
	for _, r := range m.rows {
		if r.Key == key {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (m *memoryStore) LastRowAtOrBefore(ctx context.Context, key Key, date time.Time) (Row, error) {
	var found *Row
	for _, r := range m.ordered(key) {
		if !r.Date.After(date) {
			r := r
			found = &r
		}
	}
	if found == nil {
		return Row{}, ErrRowNotFound
	}
	return *found, nil
}

func (m *memoryStore) RowBefore(ctx context.Context, key Key, date time.Time, id int64) (Row, error) {
	var found *Row
	pos := Row{Date: date, ID: id}
	for _, r := range m.ordered(key) {
		if r.Before(pos) {
			r := r
			found = &r
		}
	}
	if found == nil {
		return Row{}, ErrRowNotFound
	}
	return *found, nil
}

func (m *memoryStore) RowsAfter(ctx context.Context, key Key, date time.Time, id int64) ([]Row, error) {
	pos := Row{Date: date, ID: id}
	var out []Row
	for _, r := range m.ordered(key) {
		if pos.Before(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryStore) InsertRow(ctx context.Context, row Row) (Row, error) {
	m.nextID++
	row.ID = m.nextID
	m.rows[row.ID] = row
	return row, nil
}

func (m *memoryStore) UpdateRow(ctx context.Context, row Row) error {
	m.rows[row.ID] = row
	return nil
}

func (m *memoryStore) DeleteRow(ctx context.Context, key Key, id int64) error {
	delete(m.rows, id)
	return nil
}

func day(d int) time.Time {
	return time.Date(2024, time.April, d, 0, 0, 0, 0, time.UTC)
}

func dec(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func balances(rows []Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Balance.String()
	}
	return out
}

func seedS1(t *testing.T, m *Manager) {
	t.Helper()
	ctx := context.Background()
	key := ShopKey(1)
	_, _, err := m.Post(ctx, Posting{Key: key, Date: day(1), Credit: dec(100)})
	require.NoError(t, err)
	_, _, err = m.Post(ctx, Posting{Key: key, Date: day(3), Credit: dec(50)})
	require.NoError(t, err)
	_, _, err = m.Post(ctx, Posting{Key: key, Date: day(5), Debit: dec(20)})
	require.NoError(t, err)
}

func TestBackdatedPostingCascades(t *testing.T) {
	store := newMemoryStore()
	m := NewManager(store, Options{})
	seedS1(t, m)
	key := ShopKey(1)
	require.Equal(t, []string{"100", "150", "130"}, balances(store.ordered(key)))

	row, changed, err := m.Post(context.Background(), Posting{Key: key, Date: day(2), Credit: dec(50), SourceRef: "payment:x"})
	require.NoError(t, err)
	require.Equal(t, "150", row.Balance.String())
	require.Equal(t, 2, changed)
	require.Equal(t, []string{"100", "150", "200", "180"}, balances(store.ordered(key)))
	require.NoError(t, Verify(store.ordered(key)))
}

func TestSameDateRowsFollowInsertionOrder(t *testing.T) {
	store := newMemoryStore()
	m := NewManager(store, Options{})
	key := ShopKey(2)
	ctx := context.Background()
	_, _, err := m.Post(ctx, Posting{Key: key, Date: day(4), Credit: dec(10)})
	require.NoError(t, err)
	_, _, err = m.Post(ctx, Posting{Key: key, Date: day(6), Credit: dec(5)})
	require.NoError(t, err)
	row, _, err := m.Post(ctx, Posting{Key: key, Date: day(4), Credit: dec(1)})
	require.NoError(t, err)
	require.Equal(t, "11", row.Balance.String())
	require.Equal(t, []string{"10", "11", "16"}, balances(store.ordered(key)))
}

func TestAmendAndRemove(t *testing.T) {
	store := newMemoryStore()
	m := NewManager(store, Options{})
	seedS1(t, m)
	key := ShopKey(1)
	ctx := context.Background()
	rows := store.ordered(key)

	amended, changed, err := m.Amend(ctx, rows[1], Posting{Date: day(3), Credit: dec(80)})
	require.NoError(t, err)
	require.Equal(t, "180", amended.Balance.String())
	require.Equal(t, 2, changed)
	require.Equal(t, []string{"100", "180", "160"}, balances(store.ordered(key)))

	moved, _, err := m.Amend(ctx, store.ordered(key)[2], Posting{Date: day(2), Debit: dec(20)})
	require.NoError(t, err)
	require.Equal(t, "80", moved.Balance.String())
	require.Equal(t, []string{"100", "80", "160"}, balances(store.ordered(key)))

	_, err = m.Remove(ctx, store.ordered(key)[1])
	require.NoError(t, err)
	require.Equal(t, []string{"100", "180"}, balances(store.ordered(key)))
}

func TestNegativeBalanceGuard(t *testing.T) {
	store := newMemoryStore()
	m := NewManager(store, Options{})
	seedS1(t, m)
	ctx := context.Background()
	key := ShopKey(1)

	_, _, err := m.Post(ctx, Posting{Key: key, Date: day(2), Debit: dec(120)})
	require.ErrorIs(t, err, ErrNegativeBalance)

	_, _, err = m.Post(ctx, Posting{Key: key, Date: day(4), Debit: dec(90)})
	require.NoError(t, err)
	require.Equal(t, []string{"100", "150", "60", "40"}, balances(store.ordered(key)))

	_, err = m.Remove(ctx, store.ordered(key)[1])
	require.ErrorIs(t, err, ErrNegativeBalance)

	_, _, err = m.Post(ctx, Posting{Key: AllKey(BookShop), Date: day(2), Debit: dec(120)})
	require.NoError(t, err)

	lenient := NewManager(newMemoryStore(), Options{AllowNegativeBalance: true})
	row, _, err := lenient.Post(ctx, Posting{Key: key, Date: day(2), Debit: dec(1)})
	require.NoError(t, err)
	require.Equal(t, "-1", row.Balance.String())
}

func TestRecomputeIsPureAndIdempotent(t *testing.T) {
	rows := []Row{
		{ID: 1, Date: day(1), Credit: dec(100)},
		{ID: 2, Date: day(2), Debit: dec(30)},
		{ID: 3, Date: day(2), Credit: dec(5)},
	}
	first := Recompute(decimal.Zero, rows)
	second := Recompute(decimal.Zero, first)
	require.Equal(t, balances(first), balances(second))
	require.Equal(t, []string{"100", "70", "75"}, balances(first))
	require.True(t, rows[0].Balance.IsZero())
	require.NoError(t, Verify(first))

	first[1].Balance = dec(1)
	require.ErrorIs(t, Verify(first), ErrIntegrity)
}

func TestRebuild(t *testing.T) {
	store := newMemoryStore()
	m := NewManager(store, Options{})
	seedS1(t, m)
	key := ShopKey(1)
	for id, r := range store.rows {
		r.Balance = dec(999)
		store.rows[id] = r
	}
	changed, err := m.Rebuild(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, 3, changed)
	require.NoError(t, Verify(store.ordered(key)))
}

func TestKeyVariants(t *testing.T) {
	shop := ShopKey(7)
	require.Equal(t, "shop:7", shop.String())
	require.Equal(t, BookShop, shop.Book())

	wh := WarehouseKey(" all ")
	require.Equal(t, "warehouse:all", wh.String())
	require.NotEqual(t, AllKey(BookWarehouse), wh)

	parsed, err := ParseKey(BookWarehouse, "warehouse:all")
	require.NoError(t, err)
	require.Equal(t, wh, parsed)

	parsed, err = ParseKey(BookShop, "all")
	require.NoError(t, err)
	require.True(t, parsed.IsAggregate())

	_, err = ParseKey(BookShop, "warehouse:central")
	require.Error(t, err)
	_, err = ParseKey(BookShop, "bogus")
	require.Error(t, err)
	require.Error(t, Key{}.Validate())
}
