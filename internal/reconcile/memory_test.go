package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/liquorledger/liquorledger/internal/ledger"
	"github.com/liquorledger/liquorledger/internal/quota"
	"github.com/liquorledger/liquorledger/internal/shared"
	"github.com/liquorledger/liquorledger/internal/stock"
)

// memState is an in-memory copy of every table the service touches.
type memState struct {
	shops     map[int64]quota.Shop
	brands    map[string]stock.Brand
	entries   map[int64]stock.Entry
	receipts  map[int64]stock.Receipt
	rows      map[int64]ledger.Row
	transfers []Transfer
	events    map[string]bool
	nextID    int64
}

func newMemState() *memState {
	return &memState{
		shops:    map[int64]quota.Shop{},
		brands:   map[string]stock.Brand{},
		entries:  map[int64]stock.Entry{},
		receipts: map[int64]stock.Receipt{},
		rows:     map[int64]ledger.Row{},
		events:   map[string]bool{},
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.shops {
		c.shops[k] = v
	}
	for k, v := range s.brands {
		c.brands[k] = v
	}
	for k, v := range s.entries {
		c.entries[k] = v
	}
	for k, v := range s.receipts {
		c.receipts[k] = v
	}
	for k, v := range s.rows {
		c.rows[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	c.transfers = append([]Transfer(nil), s.transfers...)
	c.nextID = s.nextID
	return c
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

func brandKey(name string, volumeML int) string {
	return fmt.Sprintf("%s|%d", stock.CanonicalBrand(name), volumeML)
}

// memRepo is a RepositoryPort whose transactions work on a copy of the state
// and publish it only on success.
type memRepo struct {
	mu      sync.Mutex
	state   *memState
	locks   [][]string
	failTx  error
	txCount int
}

func newMemRepo() *memRepo {
	return &memRepo{state: newMemState()}
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txCount++
	if r.failTx != nil {
		return r.failTx
	}
	tx := &memTx{st: r.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.state = tx.st
	r.locks = append(r.locks, tx.locked)
	return nil
}

func (r *memRepo) read() *memTx {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &memTx{st: r.state.clone()}
}

func (r *memRepo) GetEntry(ctx context.Context, id int64) (stock.Entry, error) {
	return r.read().GetEntry(ctx, id)
}

func (r *memRepo) GetReceipt(ctx context.Context, id int64) (stock.Receipt, error) {
	return r.read().GetReceipt(ctx, id)
}

func (r *memRepo) RowsBySource(ctx context.Context, book ledger.Book, ref string) ([]ledger.Row, error) {
	return r.read().RowsBySource(ctx, book, ref)
}

func (r *memRepo) LatestEntry(ctx context.Context, key stock.Key) (stock.Entry, error) {
	return r.read().LatestEntry(ctx, key)
}

func (r *memRepo) LatestRow(ctx context.Context, key ledger.Key) (ledger.Row, error) {
	rows, _ := r.read().ListRows(ctx, key)
	if len(rows) == 0 {
		return ledger.Row{}, ledger.ErrRowNotFound
	}
	return rows[len(rows)-1], nil
}

func (r *memRepo) ListChain(ctx context.Context, key stock.Key, from, to time.Time) ([]stock.Entry, error) {
	all, _ := r.read().ListEntries(ctx, key)
	out := []stock.Entry{}
	for _, e := range all {
		if (!from.IsZero() && e.Date.Before(from)) || (!to.IsZero() && e.Date.After(to)) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *memRepo) ListLedger(ctx context.Context, key ledger.Key, from, to time.Time) ([]ledger.Row, error) {
	all, _ := r.read().ListRows(ctx, key)
	out := []ledger.Row{}
	for _, row := range all {
		if (!from.IsZero() && row.Date.Before(from)) || (!to.IsZero() && row.Date.After(to)) {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (r *memRepo) ListReceipts(_ context.Context, key stock.Key, pendingOnly bool) ([]stock.Receipt, error) {
	tx := r.read()
	out := []stock.Receipt{}
	for _, rc := range tx.st.receipts {
		if rc.Key == key && (!pendingOnly || rc.Pending()) {
			out = append(out, rc)
		}
	}
	sortReceipts(out)
	return out, nil
}

func (r *memRepo) ChainKeys(context.Context) ([]stock.Key, error) {
	tx := r.read()
	seen := map[stock.Key]bool{}
	keys := []stock.Key{}
	for _, e := range tx.st.entries {
		if !seen[e.Key] {
			seen[e.Key] = true
			keys = append(keys, e.Key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (r *memRepo) LedgerKeys(_ context.Context, book ledger.Book) ([]ledger.Key, error) {
	tx := r.read()
	seen := map[ledger.Key]bool{}
	keys := []ledger.Key{}
	for _, row := range tx.st.rows {
		if row.Key.Book() == book && !seen[row.Key] {
			seen[row.Key] = true
			keys = append(keys, row.Key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (r *memRepo) UpsertBrand(_ context.Context, b stock.Brand) (stock.Brand, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.brands[brandKey(b.Name, b.VolumeML)] = b
	return b, nil
}

func (r *memRepo) ListBrands(context.Context) ([]stock.Brand, error) {
	tx := r.read()
	out := make([]stock.Brand, 0, len(tx.st.brands))
	for _, b := range tx.st.brands {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return brandKey(out[i].Name, out[i].VolumeML) < brandKey(out[j].Name, out[j].VolumeML) })
	return out, nil
}

func (r *memRepo) CreateShop(_ context.Context, s quota.Shop) (quota.Shop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.ID = r.state.id()
	r.state.shops[s.ID] = s
	return s, nil
}

func (r *memRepo) UpdateShopTargets(_ context.Context, s quota.Shop) (quota.Shop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.state.shops[s.ID]
	if !ok {
		return quota.Shop{}, quota.ErrShopNotFound
	}
	cur.MonthlyMGQ, cur.YearlyMGQ, cur.Quarterly = s.MonthlyMGQ, s.YearlyMGQ, s.Quarterly
	r.state.shops[s.ID] = cur
	return cur, nil
}

func (r *memRepo) GetShop(ctx context.Context, id int64) (quota.Shop, error) {
	return r.read().GetShop(ctx, id)
}

// snapshot returns the committed state for assertions.
func (r *memRepo) snapshot() *memState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

// memTx implements TxRepository over a private copy of the state.
type memTx struct {
	st     *memState
	locked []string
}

func (t *memTx) LockKeys(_ context.Context, names []string) error {
	t.locked = append(t.locked, names...)
	return nil
}

func (t *memTx) RecordEvent(_ context.Context, eventID, module string) error {
	k := eventID + "|" + module
	if t.st.events[k] {
		return shared.ErrIdempotencyConflict
	}
	t.st.events[k] = true
	return nil
}

func (t *memTx) GetShop(_ context.Context, id int64) (quota.Shop, error) {
	s, ok := t.st.shops[id]
	if !ok {
		return quota.Shop{}, quota.ErrShopNotFound
	}
	return s, nil
}

func (t *memTx) GetShopForUpdate(ctx context.Context, id int64) (quota.Shop, error) {
	return t.GetShop(ctx, id)
}

func (t *memTx) UpdateShopQuota(_ context.Context, s quota.Shop) error {
	if _, ok := t.st.shops[s.ID]; !ok {
		return quota.ErrShopNotFound
	}
	t.st.shops[s.ID] = s
	return nil
}

func (t *memTx) GetBrand(_ context.Context, name string, volumeML int) (stock.Brand, error) {
	b, ok := t.st.brands[brandKey(name, volumeML)]
	if !ok {
		return stock.Brand{}, stock.ErrBrandNotFound
	}
	return b, nil
}

func (t *memTx) chain(key stock.Key) []stock.Entry {
	out := []stock.Entry{}
	for _, e := range t.st.entries {
		if e.Key == key {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func (t *memTx) GetEntry(_ context.Context, id int64) (stock.Entry, error) {
	e, ok := t.st.entries[id]
	if !ok {
		return stock.Entry{}, stock.ErrEntryNotFound
	}
	return e, nil
}

func (t *memTx) LatestEntry(_ context.Context, key stock.Key) (stock.Entry, error) {
	c := t.chain(key)
	if len(c) == 0 {
		return stock.Entry{}, stock.ErrEntryNotFound
	}
	return c[len(c)-1], nil
}

func (t *memTx) EntryOn(_ context.Context, key stock.Key, date time.Time) (stock.Entry, error) {
	for _, e := range t.chain(key) {
		if e.Date.Equal(date) {
			return e, nil
		}
	}
	return stock.Entry{}, stock.ErrEntryNotFound
}

func (t *memTx) EntryBefore(_ context.Context, key stock.Key, date time.Time) (stock.Entry, error) {
	c := t.chain(key)
	for i := len(c) - 1; i >= 0; i-- {
		if c[i].Date.Before(date) {
			return c[i], nil
		}
	}
	return stock.Entry{}, stock.ErrEntryNotFound
}

func (t *memTx) EntriesAfter(_ context.Context, key stock.Key, date time.Time) ([]stock.Entry, error) {
	out := []stock.Entry{}
	for _, e := range t.chain(key) {
		if e.Date.After(date) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) ListEntries(_ context.Context, key stock.Key) ([]stock.Entry, error) {
	return t.chain(key), nil
}

func (t *memTx) InsertEntry(ctx context.Context, e stock.Entry) (stock.Entry, error) {
	if _, err := t.EntryOn(ctx, e.Key, e.Date); err == nil {
		return stock.Entry{}, ErrDuplicateEntry
	}
	e.ID = t.st.id()
	t.st.entries[e.ID] = e
	return e, nil
}

func (t *memTx) UpdateEntry(_ context.Context, e stock.Entry) error {
	if _, ok := t.st.entries[e.ID]; !ok {
		return stock.ErrEntryNotFound
	}
	t.st.entries[e.ID] = e
	return nil
}

func (t *memTx) DeleteEntry(_ context.Context, id int64) error {
	if _, ok := t.st.entries[id]; !ok {
		return stock.ErrEntryNotFound
	}
	for _, rc := range t.st.receipts {
		if rc.EntryID == id {
			return errors.New("memtx: entry still referenced by a receipt")
		}
	}
	delete(t.st.entries, id)
	return nil
}

func sortReceipts(rs []stock.Receipt) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].Date.Equal(rs[j].Date) {
			return rs[i].Date.Before(rs[j].Date)
		}
		return rs[i].ID < rs[j].ID
	})
}

func (t *memTx) PendingReceipts(_ context.Context, key stock.Key, upTo time.Time) ([]stock.Receipt, error) {
	out := []stock.Receipt{}
	for _, rc := range t.st.receipts {
		if rc.Key == key && rc.Pending() && !rc.Date.After(upTo) {
			out = append(out, rc)
		}
	}
	sortReceipts(out)
	return out, nil
}

func (t *memTx) AttachReceipts(_ context.Context, entryID int64, ids []int64) error {
	for _, id := range ids {
		rc, ok := t.st.receipts[id]
		if !ok {
			return stock.ErrReceiptNotFound
		}
		rc.EntryID = entryID
		t.st.receipts[id] = rc
	}
	return nil
}

func (t *memTx) InsertReceipt(_ context.Context, rc stock.Receipt) (stock.Receipt, error) {
	rc.ID = t.st.id()
	t.st.receipts[rc.ID] = rc
	return rc, nil
}

func (t *memTx) GetReceipt(_ context.Context, id int64) (stock.Receipt, error) {
	rc, ok := t.st.receipts[id]
	if !ok {
		return stock.Receipt{}, stock.ErrReceiptNotFound
	}
	return rc, nil
}

func (t *memTx) UpdateReceipt(_ context.Context, rc stock.Receipt) error {
	if _, ok := t.st.receipts[rc.ID]; !ok {
		return stock.ErrReceiptNotFound
	}
	t.st.receipts[rc.ID] = rc
	return nil
}

func (t *memTx) DeleteReceipt(_ context.Context, id int64) error {
	if _, ok := t.st.receipts[id]; !ok {
		return stock.ErrReceiptNotFound
	}
	delete(t.st.receipts, id)
	return nil
}

func (t *memTx) ReceiptsForEntry(_ context.Context, entryID int64) ([]stock.Receipt, error) {
	out := []stock.Receipt{}
	for _, rc := range t.st.receipts {
		if rc.EntryID == entryID {
			out = append(out, rc)
		}
	}
	sortReceipts(out)
	return out, nil
}

func (t *memTx) ReattachReceipts(_ context.Context, from, to int64) error {
	for id, rc := range t.st.receipts {
		if rc.EntryID == from {
			rc.EntryID = to
			t.st.receipts[id] = rc
		}
	}
	return nil
}

func (t *memTx) InsertTransfer(_ context.Context, tr Transfer) (Transfer, error) {
	tr.ID = t.st.id()
	t.st.transfers = append(t.st.transfers, tr)
	return tr, nil
}

func (t *memTx) ListRows(_ context.Context, key ledger.Key) ([]ledger.Row, error) {
	out := []ledger.Row{}
	for _, r := range t.st.rows {
		if r.Key == key {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (t *memTx) RowsBySource(_ context.Context, book ledger.Book, ref string) ([]ledger.Row, error) {
	out := []ledger.Row{}
	for _, r := range t.st.rows {
		if r.Key.Book() == book && r.SourceRef == ref {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (t *memTx) LastRowAtOrBefore(ctx context.Context, key ledger.Key, date time.Time) (ledger.Row, error) {
	rows, _ := t.ListRows(ctx, key)
	for i := len(rows) - 1; i >= 0; i-- {
		if !rows[i].Date.After(date) {
			return rows[i], nil
		}
	}
	return ledger.Row{}, ledger.ErrRowNotFound
}

func (t *memTx) RowBefore(ctx context.Context, key ledger.Key, date time.Time, id int64) (ledger.Row, error) {
	rows, _ := t.ListRows(ctx, key)
	pivot := ledger.Row{Date: date, ID: id}
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Before(pivot) {
			return rows[i], nil
		}
	}
	return ledger.Row{}, ledger.ErrRowNotFound
}

func (t *memTx) RowsAfter(ctx context.Context, key ledger.Key, date time.Time, id int64) ([]ledger.Row, error) {
	rows, _ := t.ListRows(ctx, key)
	pivot := ledger.Row{Date: date, ID: id}
	out := []ledger.Row{}
	for _, r := range rows {
		if pivot.Before(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *memTx) InsertRow(_ context.Context, r ledger.Row) (ledger.Row, error) {
	r.ID = t.st.id()
	t.st.rows[r.ID] = r
	return r, nil
}

func (t *memTx) UpdateRow(_ context.Context, r ledger.Row) error {
	cur, ok := t.st.rows[r.ID]
	if !ok || cur.Key != r.Key {
		return ledger.ErrRowNotFound
	}
	t.st.rows[r.ID] = r
	return nil
}

func (t *memTx) DeleteRow(_ context.Context, key ledger.Key, id int64) error {
	cur, ok := t.st.rows[id]
	if !ok || cur.Key != key {
		return ledger.ErrRowNotFound
	}
	delete(t.st.rows, id)
	return nil
}

type memAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *memAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *memAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.logs))
	for i, l := range a.logs {
		out[i] = l.Action
	}
	return out
}
