package stock

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	entries  map[int64]Entry
	receipts map[int64]Receipt
	nextID   int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: make(map[int64]Entry), receipts: make(map[int64]Receipt)}
}

func (m *memoryStore) chain(key Key) []Entry {
	var out []Entry
	for _, e := range m.entries {
		if e.Key == key {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func (m *memoryStore) LatestEntry(ctx context.Context, key Key) (Entry, error) {
	c := m.chain(key)
	if len(c) == 0 {
		return Entry{}, ErrEntryNotFound
	}
	return c[len(c)-1], nil
}

func (m *memoryStore) EntryOn(ctx context.Context, key Key, date time.Time) (Entry, error) {
	for _, e := range m.chain(key) {
		if e.Date.Equal(date) {
			return e, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

func (m *memoryStore) EntryBefore(ctx context.Context, key Key, date time.Time) (Entry, error) {
	var found *Entry
	for _, e := range m.chain(key) {
		if e.Date.Before(date) {
			e := e
			found = &e
		}
	}
	if found == nil {
		return Entry{}, ErrEntryNotFound
	}
	return *found, nil
}

func (m *memoryStore) EntriesAfter(ctx context.Context, key Key, date time.Time) ([]Entry, error) {
	var out []Entry
	for _, e := range m.chain(key) {
		if e.Date.After(date) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryStore) InsertEntry(ctx context.Context, entry Entry) (Entry, error) {
	m.nextID++
	entry.ID = m.nextID
	m.entries[entry.ID] = entry
	return entry, nil
}

func (m *memoryStore) UpdateEntry(ctx context.Context, entry Entry) error {
	m.entries[entry.ID] = entry
	return nil
}

func (m *memoryStore) PendingReceipts(ctx context.Context, key Key, upTo time.Time) ([]Receipt, error) {
	var out []Receipt
	for _, r := range m.receipts {
		if r.Key == key && r.Pending() && !r.Date.After(upTo) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryStore) AttachReceipts(ctx context.Context, entryID int64, receiptIDs []int64) error {
	for _, id := range receiptIDs {
		r := m.receipts[id]
		r.EntryID = entryID
		m.receipts[id] = r
	}
	return nil
}

func day(d int) time.Time {
	return time.Date(2024, time.March, d, 0, 0, 0, 0, time.UTC)
}

var testKey = NewKey(1, "royal stag", 750)

func TestRechainBackdatedInsert(t *testing.T) {
	day1 := Entry{Key: testKey, Date: day(1), OpeningBalance: 100, QuantitySold: 10, ClosingBalance: 90}
	day3 := Entry{Key: testKey, Date: day(3), OpeningBalance: 90, QuantitySold: 5, ClosingBalance: 85}

	day2, err := ApplySale(Entry{Key: testKey, Date: day(2), OpeningBalance: day1.ClosingBalance}, SaleInput{Quantity: 20})
	require.NoError(t, err)
	require.EqualValues(t, 90, day2.OpeningBalance)
	require.EqualValues(t, 70, day2.ClosingBalance)

	tail, err := Rechain(day2.ClosingBalance, []Entry{day3})
	require.NoError(t, err)
	require.EqualValues(t, 70, tail[0].OpeningBalance)
	require.EqualValues(t, 65, tail[0].ClosingBalance)

	require.NoError(t, Verify(day1.OpeningBalance, []Entry{day1, day2, tail[0]}))
}

func TestRechainRejectsNegativeDownstream(t *testing.T) {
	entries := []Entry{
		{Key: testKey, Date: day(2), OpeningBalance: 50, QuantitySold: 30, ClosingBalance: 20},
		{Key: testKey, Date: day(3), OpeningBalance: 20, QuantitySold: 20, ClosingBalance: 0},
	}
	_, err := Rechain(40, entries)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestRechainIsIdempotent(t *testing.T) {
	entries := []Entry{
		{Key: testKey, Date: day(2), Movement: 12, QuantitySold: 3},
		{Key: testKey, Date: day(4), QuantitySold: 7},
		{Key: testKey, Date: day(5), Movement: -2, QuantitySold: 1},
	}
	first, err := Rechain(10, entries)
	require.NoError(t, err)
	second, err := Rechain(10, first)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.EqualValues(t, 9, first[2].ClosingBalance)
}

func TestApplySale(t *testing.T) {
	base := Entry{Key: testKey, Date: day(1), OpeningBalance: 10}

	_, err := ApplySale(base, SaleInput{Quantity: 15})
	require.ErrorIs(t, err, ErrInsufficientStock)

	_, err = ApplySale(Entry{Key: testKey, Date: day(1)}, SaleInput{Quantity: 1})
	require.ErrorIs(t, err, ErrNoStockAvailable)

	drained := Entry{Key: testKey, Date: day(1), OpeningBalance: 24, Movement: -24}
	fixed, err := ApplySale(drained, SaleInput{CashInHand: decimal.NewFromInt(300)})
	require.NoError(t, err)
	require.EqualValues(t, 0, fixed.ClosingBalance)
	require.True(t, fixed.CashInHand.Equal(decimal.NewFromInt(300)))
	_, err = ApplySale(drained, SaleInput{Quantity: 1})
	require.ErrorIs(t, err, ErrNoStockAvailable)

	_, err = ApplySale(base, SaleInput{Quantity: -1})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	entry, err := ApplySale(base, SaleInput{Quantity: 10, UnitPrice: decimal.NewFromInt(120)})
	require.NoError(t, err)
	require.EqualValues(t, 0, entry.ClosingBalance)
	require.True(t, entry.DailyRevenue.Equal(decimal.NewFromInt(1200)))
}

func TestInsertOrUpdateSaleUsesPendingReceipts(t *testing.T) {
	store := newMemoryStore()
	store.receipts[1] = Receipt{ID: 1, Key: testKey, Pieces: 48, Date: day(1)}
	store.receipts[2] = Receipt{ID: 2, Key: testKey, Pieces: 24, Date: day(9)}
	chain := NewChain(store)
	ctx := context.Background()

	entry, created, err := chain.InsertOrUpdateSale(ctx, SaleInput{Key: testKey, Date: day(2), Quantity: 8})
	require.NoError(t, err)
	require.True(t, created)
	require.EqualValues(t, 0, entry.OpeningBalance)
	require.EqualValues(t, 48, entry.Movement)
	require.EqualValues(t, 40, entry.ClosingBalance)
	require.Equal(t, entry.ID, store.receipts[1].EntryID)
	require.True(t, store.receipts[2].Pending())

	updated, created, err := chain.InsertOrUpdateSale(ctx, SaleInput{Key: testKey, Date: day(2), Quantity: 48})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, entry.ID, updated.ID)
	require.EqualValues(t, 0, updated.ClosingBalance)

	_, _, err = chain.InsertOrUpdateSale(ctx, SaleInput{Key: testKey, Date: day(3), Quantity: 1})
	require.ErrorIs(t, err, ErrNoStockAvailable)
	_, _, err = chain.InsertOrUpdateSale(ctx, SaleInput{Key: testKey, Date: day(3)})
	require.ErrorIs(t, err, ErrNoStockAvailable)

	cash, created, err := chain.InsertOrUpdateSale(ctx, SaleInput{Key: testKey, Date: day(2), CashInHand: decimal.NewFromInt(50)})
	require.NoError(t, err)
	require.False(t, created)
	require.EqualValues(t, 48, cash.ClosingBalance)
}

func TestRecordStockEventAndCascade(t *testing.T) {
	store := newMemoryStore()
	store.receipts[1] = Receipt{ID: 1, Key: testKey, Pieces: 100, Date: day(1)}
	chain := NewChain(store)
	ctx := context.Background()

	_, err := chain.RecordStockEvent(ctx, testKey, 5)
	require.ErrorIs(t, err, ErrEntryNotFound)

	first, _, err := chain.InsertOrUpdateSale(ctx, SaleInput{Key: testKey, Date: day(1), Quantity: 10})
	require.NoError(t, err)
	_, _, err = chain.InsertOrUpdateSale(ctx, SaleInput{Key: testKey, Date: day(3), Quantity: 5})
	require.NoError(t, err)

	latest, err := chain.RecordStockEvent(ctx, testKey, 12)
	require.NoError(t, err)
	require.EqualValues(t, 97, latest.ClosingBalance)

	_, err = chain.RecordStockEvent(ctx, testKey, -200)
	require.ErrorIs(t, err, ErrInsufficientStock)

	moved, err := chain.Move(ctx, first, -20)
	require.NoError(t, err)
	changed, err := chain.CascadeFrom(ctx, moved)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	require.EqualValues(t, 70, changed[0].OpeningBalance)
	require.EqualValues(t, 77, changed[0].ClosingBalance)

	require.NoError(t, Verify(0, store.chain(testKey)))
}

func TestCanonicalBrand(t *testing.T) {
	require.Equal(t, "ROYAL STAG", CanonicalBrand("  Royal   stag "))
	require.Equal(t, NewKey(1, "royal stag", 750), NewKey(1, "ROYAL  STAG", 750))
	require.Error(t, Key{}.Validate())
}
