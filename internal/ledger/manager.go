package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// Store is the transactional persistence the manager needs. Row positions are
// (date, id); RowsAfter returns rows strictly after the given position.
type Store interface {
	LastRowAtOrBefore(ctx context.Context, key Key, date time.Time) (Row, error)
	RowBefore(ctx context.Context, key Key, date time.Time, id int64) (Row, error)
	RowsAfter(ctx context.Context, key Key, date time.Time, id int64) ([]Row, error)
	InsertRow(ctx context.Context, row Row) (Row, error)
	UpdateRow(ctx context.Context, row Row) error
	DeleteRow(ctx context.Context, key Key, id int64) error
}

// Options tunes Manager behaviour.
type Options struct {
	AllowNegativeBalance bool
}

// Manager keeps running balances consistent for every ledger key.
type Manager struct {
	store    Store
	allowNeg bool
}

// NewManager builds a Manager bound to a transaction-scoped store.
func NewManager(store Store, opts Options) *Manager {
	return &Manager{store: store, allowNeg: opts.AllowNegativeBalance}
}

// Recompute folds rows, in (date, id) order, into fresh running balances
// starting from anchor. It never mutates its input.
func Recompute(anchor decimal.Decimal, rows []Row) []Row {
	out := make([]Row, len(rows))
	balance := anchor
	for i, r := range rows {
		balance = balance.Add(r.Net())
		r.Balance = balance
		out[i] = r
	}
	return out
}

// Verify checks the running-balance invariant over a whole ledger slice
// starting at zero.
func Verify(rows []Row) error {
	balance := decimal.Zero
	for i, r := range rows {
		if i > 0 && !rows[i-1].Before(r) {
			return fmt.Errorf("%w: %s rows %d and %d out of order", ErrIntegrity, r.Key, rows[i-1].ID, r.ID)
		}
		balance = balance.Add(r.Net())
		if !r.Balance.Equal(balance) {
			return fmt.Errorf("%w: %s row %d on %s holds %s, expected %s", ErrIntegrity, r.Key, r.ID, r.Date.Format(dateLayout), r.Balance, balance)
		}
	}
	return nil
}

// AppendEntry inserts a row whose balance follows the last row dated on or
// before p.Date. Rows positioned after it are not touched; call RecomputeFrom.
func (m *Manager) AppendEntry(ctx context.Context, p Posting) (Row, error) {
	if err := p.Key.Validate(); err != nil {
		return Row{}, err
	}
	if p.Debit.IsNegative() || p.Credit.IsNegative() {
		return Row{}, ErrInvalidAmount
	}
	prev, err := m.store.LastRowAtOrBefore(ctx, p.Key, p.Date)
	if err != nil && !errors.Is(err, ErrRowNotFound) {
		return Row{}, err
	}
	row := Row{
		Key:         p.Key,
		Date:        p.Date,
		Description: p.Description,
		Debit:       p.Debit,
		Credit:      p.Credit,
		SourceRef:   p.SourceRef,
	}
	row.Balance = prev.Balance.Add(row.Net())
	if err := m.guard(row); err != nil {
		return Row{}, err
	}
	return m.store.InsertRow(ctx, row)
}

// Post appends a row and cascades every later row of its key. It returns the
// inserted row and the number of rows rewritten by the cascade.
func (m *Manager) Post(ctx context.Context, p Posting) (Row, int, error) {
	row, err := m.AppendEntry(ctx, p)
	if err != nil {
		return Row{}, 0, err
	}
	changed, err := m.RecomputeFrom(ctx, row)
	if err != nil {
		return Row{}, 0, err
	}
	return row, changed, nil
}

// RecomputeFrom walks every row of anchor.Key positioned after anchor and
// rewrites its balance sequentially from anchor.Balance.
func (m *Manager) RecomputeFrom(ctx context.Context, anchor Row) (int, error) {
	_, changed, err := m.recomputeAfter(ctx, anchor.Key, anchor.Date, anchor.ID, anchor.Balance)
	return changed, err
}

// Amend changes an existing row's date and amounts and cascades from the
// earlier of its old and new positions.
func (m *Manager) Amend(ctx context.Context, row Row, p Posting) (Row, int, error) {
	if p.Debit.IsNegative() || p.Credit.IsNegative() {
		return Row{}, 0, ErrInvalidAmount
	}
	start := row.Date
	if p.Date.Before(start) {
		start = p.Date
	}
	anchor, err := m.store.RowBefore(ctx, row.Key, start, row.ID)
	if err != nil && !errors.Is(err, ErrRowNotFound) {
		return Row{}, 0, err
	}
	updated := row
	updated.Date = p.Date
	updated.Debit = p.Debit
	updated.Credit = p.Credit
	if p.Description != "" {
		updated.Description = p.Description
	}
	if err := m.store.UpdateRow(ctx, updated); err != nil {
		return Row{}, 0, err
	}
	next, changed, err := m.recomputeAfter(ctx, row.Key, anchor.Date, anchor.ID, anchor.Balance)
	if err != nil {
		return Row{}, 0, err
	}
	for _, r := range next {
		if r.ID == updated.ID {
			updated = r
			break
		}
	}
	return updated, changed, nil
}

// Remove deletes a row and cascades from the row immediately before it.
func (m *Manager) Remove(ctx context.Context, row Row) (int, error) {
	anchor, err := m.store.RowBefore(ctx, row.Key, row.Date, row.ID)
	if err != nil && !errors.Is(err, ErrRowNotFound) {
		return 0, err
	}
	if err := m.store.DeleteRow(ctx, row.Key, row.ID); err != nil {
		return 0, err
	}
	_, changed, err := m.recomputeAfter(ctx, row.Key, anchor.Date, anchor.ID, anchor.Balance)
	return changed, err
}

// Rebuild recomputes a whole ledger from zero.
func (m *Manager) Rebuild(ctx context.Context, key Key) (int, error) {
	_, changed, err := m.recomputeAfter(ctx, key, time.Time{}, 0, decimal.Zero)
	return changed, err
}

func (m *Manager) recomputeAfter(ctx context.Context, key Key, date time.Time, id int64, anchor decimal.Decimal) ([]Row, int, error) {
	tail, err := m.store.RowsAfter(ctx, key, date, id)
	if err != nil {
		return nil, 0, err
	}
	next := Recompute(anchor, tail)
	changed := 0
	for i := range next {
		if err := m.guard(next[i]); err != nil {
			return nil, 0, err
		}
		if next[i].Balance.Equal(tail[i].Balance) {
			continue
		}
		if err := m.store.UpdateRow(ctx, next[i]); err != nil {
			return nil, 0, err
		}
		changed++
	}
	return next, changed, nil
}

func (m *Manager) guard(row Row) error {
	if m.allowNeg || row.Key.IsAggregate() || !row.Balance.IsNegative() {
		return nil
	}
	return fmt.Errorf("%w: %s on %s would hold %s", ErrNegativeBalance, row.Key, row.Date.Format(dateLayout), row.Balance)
}
