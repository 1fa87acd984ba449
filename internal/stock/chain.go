package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// Store is the transactional persistence the chain manager needs.
type Store interface {
	LatestEntry(ctx context.Context, key Key) (Entry, error)
	EntryOn(ctx context.Context, key Key, date time.Time) (Entry, error)
	EntryBefore(ctx context.Context, key Key, date time.Time) (Entry, error)
	EntriesAfter(ctx context.Context, key Key, date time.Time) ([]Entry, error)
	InsertEntry(ctx context.Context, entry Entry) (Entry, error)
	UpdateEntry(ctx context.Context, entry Entry) error
	PendingReceipts(ctx context.Context, key Key, upTo time.Time) ([]Receipt, error)
	AttachReceipts(ctx context.Context, entryID int64, receiptIDs []int64) error
}

// Chain maintains the dated stock chain of each (shop, brand, volume) key.
type Chain struct {
	store Store
}

// NewChain builds a Chain bound to a transaction-scoped store.
func NewChain(store Store) *Chain {
	return &Chain{store: store}
}

// Rechain re-derives opening and closing balances of entries, in chain order,
// starting from the closing balance of the entry that precedes them.
// It returns ErrIntegrity when any entry would close below zero.
func Rechain(anchorClosing int64, entries []Entry) ([]Entry, error) {
	out := make([]Entry, len(entries))
	prev := anchorClosing
	for i, e := range entries {
		e.OpeningBalance = prev
		e.ClosingBalance = e.OpeningBalance + e.Movement - e.QuantitySold
		if e.ClosingBalance < 0 {
			return nil, fmt.Errorf("%w: %s on %s would close at %d", ErrIntegrity, e.Key, e.Date.Format(dateLayout), e.ClosingBalance)
		}
		out[i] = e
		prev = e.ClosingBalance
	}
	return out, nil
}

// Verify checks the chain invariants over entries in chain order. The first
// entry's opening must equal anchorClosing (zero for a whole chain).
func Verify(anchorClosing int64, entries []Entry) error {
	prev := anchorClosing
	for i, e := range entries {
		if e.OpeningBalance != prev {
			return fmt.Errorf("%w: %s entry %d on %s opens at %d, previous closed at %d", ErrIntegrity, e.Key, e.ID, e.Date.Format(dateLayout), e.OpeningBalance, prev)
		}
		if e.ClosingBalance != e.OpeningBalance+e.Movement-e.QuantitySold {
			return fmt.Errorf("%w: %s entry %d on %s closes at %d, expected %d", ErrIntegrity, e.Key, e.ID, e.Date.Format(dateLayout), e.ClosingBalance, e.OpeningBalance+e.Movement-e.QuantitySold)
		}
		if e.ClosingBalance < 0 {
			return fmt.Errorf("%w: %s entry %d on %s is negative", ErrIntegrity, e.Key, e.ID, e.Date.Format(dateLayout))
		}
		if i > 0 && !entries[i-1].Date.Before(e.Date) {
			return fmt.Errorf("%w: %s entries out of order at %s", ErrIntegrity, e.Key, e.Date.Format(dateLayout))
		}
		prev = e.ClosingBalance
	}
	return nil
}

// ApplySale writes the sale fields onto entry and recomputes its closing
// balance. entry must already carry its opening balance and movement. An
// entry with nothing available still takes a zero-quantity update.
func ApplySale(entry Entry, in SaleInput) (Entry, error) {
	if in.Quantity < 0 {
		return Entry{}, ErrInvalidQuantity
	}
	available := entry.Available()
	if available < 0 || (available == 0 && in.Quantity > 0) {
		return Entry{}, fmt.Errorf("%w: %s on %s", ErrNoStockAvailable, entry.Key, entry.Date.Format(dateLayout))
	}
	if in.Quantity > available {
		return Entry{}, fmt.Errorf("%w: %s on %s requested %d, available %d", ErrInsufficientStock, entry.Key, entry.Date.Format(dateLayout), in.Quantity, available)
	}
	if in.LiquorType != "" {
		entry.LiquorType = in.LiquorType
	}
	entry.QuantitySold = in.Quantity
	entry.UnitPrice = in.UnitPrice
	entry.DailyRevenue = in.UnitPrice.Mul(decimal.NewFromInt(in.Quantity))
	entry.CashCollectedByUPI = in.CashCollectedByUPI
	entry.CashInHand = in.CashInHand
	entry.Expenses = append([]Expense(nil), in.Expenses...)
	entry.ClosingBalance = available - in.Quantity
	return entry, nil
}

// InsertOrUpdateSale creates the entry for (key, date) or updates it in place.
// A new entry opens at the closing of the entry before it and absorbs every
// pending receipt dated on or before its date. Later entries are not touched;
// the caller cascades. The boolean reports whether the entry was created.
func (c *Chain) InsertOrUpdateSale(ctx context.Context, in SaleInput) (Entry, bool, error) {
	existing, err := c.store.EntryOn(ctx, in.Key, in.Date)
	switch {
	case err == nil:
		updated, err := ApplySale(existing, in)
		if err != nil {
			return Entry{}, false, err
		}
		if err := c.store.UpdateEntry(ctx, updated); err != nil {
			return Entry{}, false, err
		}
		return updated, false, nil
	case !errors.Is(err, ErrEntryNotFound):
		return Entry{}, false, err
	}

	entry := Entry{Key: in.Key, LiquorType: in.LiquorType, Date: in.Date}
	prev, err := c.store.EntryBefore(ctx, in.Key, in.Date)
	switch {
	case err == nil:
		entry.OpeningBalance = prev.ClosingBalance
	case !errors.Is(err, ErrEntryNotFound):
		return Entry{}, false, err
	}
	pending, err := c.store.PendingReceipts(ctx, in.Key, in.Date)
	if err != nil {
		return Entry{}, false, err
	}
	receiptIDs := make([]int64, 0, len(pending))
	for _, r := range pending {
		entry.Movement += r.Pieces
		receiptIDs = append(receiptIDs, r.ID)
	}
	if entry.Available() <= 0 {
		return Entry{}, false, fmt.Errorf("%w: %s on %s", ErrNoStockAvailable, entry.Key, entry.Date.Format(dateLayout))
	}
	entry, err = ApplySale(entry, in)
	if err != nil {
		return Entry{}, false, err
	}
	entry, err = c.store.InsertEntry(ctx, entry)
	if err != nil {
		return Entry{}, false, err
	}
	if len(receiptIDs) > 0 {
		if err := c.store.AttachReceipts(ctx, entry.ID, receiptIDs); err != nil {
			return Entry{}, false, err
		}
	}
	return entry, true, nil
}

// RecordStockEvent applies a signed delta to the closing balance of the
// latest entry for key. It returns ErrEntryNotFound when the chain is empty
// and ErrInsufficientStock when the delta would close below zero.
func (c *Chain) RecordStockEvent(ctx context.Context, key Key, delta int64) (Entry, error) {
	latest, err := c.store.LatestEntry(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	return c.Move(ctx, latest, delta)
}

// Move applies a signed delta to a known entry's movement. The caller
// cascades when entry is not the latest one.
func (c *Chain) Move(ctx context.Context, entry Entry, delta int64) (Entry, error) {
	entry.Movement += delta
	entry.ClosingBalance = entry.OpeningBalance + entry.Movement - entry.QuantitySold
	if entry.ClosingBalance < 0 {
		return Entry{}, fmt.Errorf("%w: %s on %s has %d, needs %d", ErrInsufficientStock, entry.Key, entry.Date.Format(dateLayout), entry.ClosingBalance-delta, -delta)
	}
	if err := c.store.UpdateEntry(ctx, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// CascadeFrom rewrites every entry after anchor so each opens at its
// predecessor's closing. It returns the rewritten entries.
func (c *Chain) CascadeFrom(ctx context.Context, anchor Entry) ([]Entry, error) {
	return c.cascade(ctx, anchor.Key, anchor.Date, anchor.ClosingBalance)
}

// CascadeAfterDate rewrites every entry dated after date starting from
// anchorClosing; used when the entry at the mutation point was removed.
func (c *Chain) CascadeAfterDate(ctx context.Context, key Key, date time.Time, anchorClosing int64) ([]Entry, error) {
	return c.cascade(ctx, key, date, anchorClosing)
}

func (c *Chain) cascade(ctx context.Context, key Key, after time.Time, anchorClosing int64) ([]Entry, error) {
	tail, err := c.store.EntriesAfter(ctx, key, after)
	if err != nil {
		return nil, err
	}
	next, err := Rechain(anchorClosing, tail)
	if err != nil {
		return nil, err
	}
	changed := make([]Entry, 0, len(next))
	for i := range next {
		if next[i].OpeningBalance == tail[i].OpeningBalance && next[i].ClosingBalance == tail[i].ClosingBalance {
			continue
		}
		if err := c.store.UpdateEntry(ctx, next[i]); err != nil {
			return nil, err
		}
		changed = append(changed, next[i])
	}
	return changed, nil
}
