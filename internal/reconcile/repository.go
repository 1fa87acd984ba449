package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/liquorledger/liquorledger/internal/ledger"
	"github.com/liquorledger/liquorledger/internal/platform/db"
	"github.com/liquorledger/liquorledger/internal/quota"
	"github.com/liquorledger/liquorledger/internal/shared"
	"github.com/liquorledger/liquorledger/internal/stock"
)

// queryer is satisfied by *pgxpool.Pool and pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// store holds the SQL shared by pool and transaction scoped repositories.
type store struct {
	q queryer
}

// Repository persists chains, ledgers and shops in PostgreSQL.
type Repository struct {
	store
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{store: store{q: pool}, pool: pool}
}

type txRepository struct {
	store
	tx pgx.Tx
}

var (
	_ RepositoryPort = (*Repository)(nil)
	_ TxRepository   = (*txRepository)(nil)
)

// flowTxOptions keeps flows at read committed: statements after the advisory
// lock wait must see rows committed by the previous lock holder.
var flowTxOptions = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}

// WithTx executes the callback inside a read-committed transaction, replaying
// it on serialization failures and deadlocks.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("reconcile repository not initialised")
	}
	return db.WithTxOptions(ctx, r.pool, flowTxOptions, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{store: store{q: tx}, tx: tx})
	})
}

// LockKeys takes a transaction-scoped advisory lock per name, in the given order.
func (r *txRepository) LockKeys(ctx context.Context, names []string) error {
	for _, name := range names {
		if _, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, name); err != nil {
			return fmt.Errorf("lock %s: %w", name, err)
		}
	}
	return nil
}

// RecordEvent stores eventID so a replay of the same event fails.
func (r *txRepository) RecordEvent(ctx context.Context, eventID, module string) error {
	return shared.InsertIdempotencyKey(ctx, r.tx, eventID, module)
}

const entryColumns = `id, shop_id, brand_name, volume_ml, liquor_type, entry_date, opening_balance, movement, quantity_sold,
closing_balance, unit_price, daily_revenue, cash_collected_by_upi, cash_in_hand, expenses, receipt_ref, created_at`

const receiptColumns = `id, shop_id, brand_name, volume_ml, warehouse_name, cases, pieces, bill_ref, bill_amount,
receipt_date, affects_quota, entry_id, quota_category, quota_duty, transfer_code, created_at`

const shopColumns = `id, name, category, monthly_mgq, yearly_mgq, mgq_q1, mgq_q2, mgq_q3, mgq_q4, updated_at`

const rowColumns = `id, ledger_key, entry_date, description, debit, credit, balance, source_ref, created_at`

func scanEntry(row pgx.Row) (stock.Entry, error) {
	var (
		e        stock.Entry
		expenses []byte
	)
	if err := row.Scan(&e.ID, &e.Key.ShopID, &e.Key.BrandName, &e.Key.VolumeML, &e.LiquorType, &e.Date, &e.OpeningBalance,
		&e.Movement, &e.QuantitySold, &e.ClosingBalance, &e.UnitPrice, &e.DailyRevenue, &e.CashCollectedByUPI,
		&e.CashInHand, &expenses, &e.ReceiptRef, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return stock.Entry{}, stock.ErrEntryNotFound
		}
		return stock.Entry{}, err
	}
	if len(expenses) > 0 {
		if err := json.Unmarshal(expenses, &e.Expenses); err != nil {
			return stock.Entry{}, fmt.Errorf("decode expenses of entry %d: %w", e.ID, err)
		}
	}
	return e, nil
}

func collectEntries(rows pgx.Rows, err error) ([]stock.Entry, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []stock.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanReceipt(row pgx.Row) (stock.Receipt, error) {
	var (
		rc      stock.Receipt
		entryID *int64
	)
	if err := row.Scan(&rc.ID, &rc.Key.ShopID, &rc.Key.BrandName, &rc.Key.VolumeML, &rc.WarehouseName, &rc.Cases,
		&rc.Pieces, &rc.BillRef, &rc.BillAmount, &rc.Date, &rc.AffectsQuota, &entryID, &rc.QuotaCategory, &rc.QuotaDutyPerCase,
		&rc.TransferCode, &rc.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return stock.Receipt{}, stock.ErrReceiptNotFound
		}
		return stock.Receipt{}, err
	}
	if entryID != nil {
		rc.EntryID = *entryID
	}
	return rc, nil
}

func collectReceipts(rows pgx.Rows, err error) ([]stock.Receipt, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	receipts := []stock.Receipt{}
	for rows.Next() {
		rc, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, rc)
	}
	return receipts, rows.Err()
}

func scanShop(row pgx.Row) (quota.Shop, error) {
	var (
		s        quota.Shop
		category string
	)
	if err := row.Scan(&s.ID, &s.Name, &category, &s.MonthlyMGQ, &s.YearlyMGQ,
		&s.Quarterly[0], &s.Quarterly[1], &s.Quarterly[2], &s.Quarterly[3], &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return quota.Shop{}, quota.ErrShopNotFound
		}
		return quota.Shop{}, err
	}
	s.Category = stock.LiquorCategory(category)
	return s, nil
}

func scanRow(book ledger.Book, row pgx.Row) (ledger.Row, error) {
	var (
		r   ledger.Row
		raw string
	)
	if err := row.Scan(&r.ID, &raw, &r.Date, &r.Description, &r.Debit, &r.Credit, &r.Balance, &r.SourceRef, &r.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Row{}, ledger.ErrRowNotFound
		}
		return ledger.Row{}, err
	}
	key, err := ledger.ParseKey(book, raw)
	if err != nil {
		return ledger.Row{}, err
	}
	r.Key = key
	return r, nil
}

func collectRows(book ledger.Book, rows pgx.Rows, err error) ([]ledger.Row, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ledger.Row{}
	for rows.Next() {
		r, err := scanRow(book, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func ledgerTable(book ledger.Book) (string, error) {
	switch book {
	case ledger.BookShop:
		return "shop_ledger_rows", nil
	case ledger.BookWarehouse:
		return "warehouse_ledger_rows", nil
	}
	return "", fmt.Errorf("%w: unknown ledger book %q", ErrValidation, book)
}

func nullDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullEntryID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// --- shops and brands ---

func (s store) GetShop(ctx context.Context, shopID int64) (quota.Shop, error) {
	return scanShop(s.q.QueryRow(ctx, `SELECT `+shopColumns+` FROM shops WHERE id=$1`, shopID))
}

func (s store) GetShopForUpdate(ctx context.Context, shopID int64) (quota.Shop, error) {
	return scanShop(s.q.QueryRow(ctx, `SELECT `+shopColumns+` FROM shops WHERE id=$1 FOR UPDATE`, shopID))
}

func (s store) UpdateShopQuota(ctx context.Context, shop quota.Shop) error {
	tag, err := s.q.Exec(ctx, `UPDATE shops SET monthly_mgq=$2, yearly_mgq=$3, mgq_q1=$4, mgq_q2=$5, mgq_q3=$6, mgq_q4=$7, updated_at=NOW()
WHERE id=$1`, shop.ID, shop.MonthlyMGQ, shop.YearlyMGQ, shop.Quarterly[0], shop.Quarterly[1], shop.Quarterly[2], shop.Quarterly[3])
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return quota.ErrShopNotFound
	}
	return nil
}

func (s store) CreateShop(ctx context.Context, shop quota.Shop) (quota.Shop, error) {
	return scanShop(s.q.QueryRow(ctx, `INSERT INTO shops (name, category, monthly_mgq, yearly_mgq, mgq_q1, mgq_q2, mgq_q3, mgq_q4)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING `+shopColumns,
		shop.Name, string(shop.Category), shop.MonthlyMGQ, shop.YearlyMGQ,
		shop.Quarterly[0], shop.Quarterly[1], shop.Quarterly[2], shop.Quarterly[3]))
}

func (s store) UpdateShopTargets(ctx context.Context, shop quota.Shop) (quota.Shop, error) {
	return scanShop(s.q.QueryRow(ctx, `UPDATE shops SET monthly_mgq=$2, yearly_mgq=$3, mgq_q1=$4, mgq_q2=$5, mgq_q3=$6, mgq_q4=$7, updated_at=NOW()
WHERE id=$1 RETURNING `+shopColumns,
		shop.ID, shop.MonthlyMGQ, shop.YearlyMGQ, shop.Quarterly[0], shop.Quarterly[1], shop.Quarterly[2], shop.Quarterly[3]))
}

func (s store) GetBrand(ctx context.Context, name string, volumeML int) (stock.Brand, error) {
	var (
		b        stock.Brand
		category string
	)
	err := s.q.QueryRow(ctx, `SELECT name, volume_ml, liquor_type, category, pieces_per_case, duty_per_case
FROM brands WHERE name=$1 AND volume_ml=$2`, stock.CanonicalBrand(name), volumeML).
		Scan(&b.Name, &b.VolumeML, &b.LiquorType, &category, &b.PiecesPerCase, &b.DutyPerCase)
	if errors.Is(err, pgx.ErrNoRows) {
		return stock.Brand{}, fmt.Errorf("%w: %s %dml", stock.ErrBrandNotFound, name, volumeML)
	}
	if err != nil {
		return stock.Brand{}, err
	}
	b.Category = stock.LiquorCategory(category)
	return b, nil
}

func (s store) UpsertBrand(ctx context.Context, b stock.Brand) (stock.Brand, error) {
	var category string
	err := s.q.QueryRow(ctx, `INSERT INTO brands (name, volume_ml, liquor_type, category, pieces_per_case, duty_per_case)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (name, volume_ml) DO UPDATE SET liquor_type=EXCLUDED.liquor_type, category=EXCLUDED.category,
    pieces_per_case=EXCLUDED.pieces_per_case, duty_per_case=EXCLUDED.duty_per_case
RETURNING name, volume_ml, liquor_type, category, pieces_per_case, duty_per_case`,
		b.Name, b.VolumeML, b.LiquorType, string(b.Category), b.PiecesPerCase, b.DutyPerCase).
		Scan(&b.Name, &b.VolumeML, &b.LiquorType, &category, &b.PiecesPerCase, &b.DutyPerCase)
	if err != nil {
		return stock.Brand{}, err
	}
	b.Category = stock.LiquorCategory(category)
	return b, nil
}

func (s store) ListBrands(ctx context.Context) ([]stock.Brand, error) {
	rows, err := s.q.Query(ctx, `SELECT name, volume_ml, liquor_type, category, pieces_per_case, duty_per_case
FROM brands ORDER BY name, volume_ml`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	brands := []stock.Brand{}
	for rows.Next() {
		var (
			b        stock.Brand
			category string
		)
		if err := rows.Scan(&b.Name, &b.VolumeML, &b.LiquorType, &category, &b.PiecesPerCase, &b.DutyPerCase); err != nil {
			return nil, err
		}
		b.Category = stock.LiquorCategory(category)
		brands = append(brands, b)
	}
	return brands, rows.Err()
}

// --- stock entries ---

func (s store) GetEntry(ctx context.Context, id int64) (stock.Entry, error) {
	return scanEntry(s.q.QueryRow(ctx, `SELECT `+entryColumns+` FROM stock_entries WHERE id=$1`, id))
}

func (s store) LatestEntry(ctx context.Context, key stock.Key) (stock.Entry, error) {
	return scanEntry(s.q.QueryRow(ctx, `SELECT `+entryColumns+` FROM stock_entries
WHERE shop_id=$1 AND brand_name=$2 AND volume_ml=$3 ORDER BY entry_date DESC LIMIT 1`, key.ShopID, key.BrandName, key.VolumeML))
}

func (s store) EntryOn(ctx context.Context, key stock.Key, date time.Time) (stock.Entry, error) {
	return scanEntry(s.q.QueryRow(ctx, `SELECT `+entryColumns+` FROM stock_entries
WHERE shop_id=$1 AND brand_name=$2 AND volume_ml=$3 AND entry_date=$4`, key.ShopID, key.BrandName, key.VolumeML, date))
}

func (s store) EntryBefore(ctx context.Context, key stock.Key, date time.Time) (stock.Entry, error) {
	return scanEntry(s.q.QueryRow(ctx, `SELECT `+entryColumns+` FROM stock_entries
WHERE shop_id=$1 AND brand_name=$2 AND volume_ml=$3 AND entry_date < $4
ORDER BY entry_date DESC LIMIT 1`, key.ShopID, key.BrandName, key.VolumeML, date))
}

func (s store) EntriesAfter(ctx context.Context, key stock.Key, date time.Time) ([]stock.Entry, error) {
	return collectEntries(s.q.Query(ctx, `SELECT `+entryColumns+` FROM stock_entries
WHERE shop_id=$1 AND brand_name=$2 AND volume_ml=$3 AND entry_date > $4
ORDER BY entry_date ASC`, key.ShopID, key.BrandName, key.VolumeML, date))
}

func (s store) ListEntries(ctx context.Context, key stock.Key) ([]stock.Entry, error) {
	return s.ListChain(ctx, key, time.Time{}, time.Time{})
}

func (s store) ListChain(ctx context.Context, key stock.Key, from, to time.Time) ([]stock.Entry, error) {
	return collectEntries(s.q.Query(ctx, `SELECT `+entryColumns+` FROM stock_entries
WHERE shop_id=$1 AND brand_name=$2 AND volume_ml=$3
  AND entry_date >= COALESCE($4::date, '-infinity') AND entry_date <= COALESCE($5::date, 'infinity')
ORDER BY entry_date ASC`, key.ShopID, key.BrandName, key.VolumeML, nullDate(from), nullDate(to)))
}

func (s store) ChainKeys(ctx context.Context) ([]stock.Key, error) {
	rows, err := s.q.Query(ctx, `SELECT DISTINCT shop_id, brand_name, volume_ml FROM stock_entries ORDER BY 1, 2, 3`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []stock.Key{}
	for rows.Next() {
		var k stock.Key
		if err := rows.Scan(&k.ShopID, &k.BrandName, &k.VolumeML); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s store) InsertEntry(ctx context.Context, e stock.Entry) (stock.Entry, error) {
	expenses, err := encodeExpenses(e.Expenses)
	if err != nil {
		return stock.Entry{}, err
	}
	err = s.q.QueryRow(ctx, `INSERT INTO stock_entries (shop_id, brand_name, volume_ml, liquor_type, entry_date, opening_balance,
movement, quantity_sold, closing_balance, unit_price, daily_revenue, cash_collected_by_upi, cash_in_hand, expenses, receipt_ref)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15) RETURNING id, created_at`,
		e.Key.ShopID, e.Key.BrandName, e.Key.VolumeML, e.LiquorType, e.Date, e.OpeningBalance, e.Movement,
		e.QuantitySold, e.ClosingBalance, e.UnitPrice, e.DailyRevenue, e.CashCollectedByUPI, e.CashInHand,
		expenses, e.ReceiptRef).Scan(&e.ID, &e.CreatedAt)
	if db.IsUniqueViolation(err) {
		return stock.Entry{}, fmt.Errorf("%w: %s on %s", ErrDuplicateEntry, e.Key, e.Date.Format(shared.DateLayout))
	}
	if err != nil {
		return stock.Entry{}, err
	}
	return e, nil
}

func (s store) UpdateEntry(ctx context.Context, e stock.Entry) error {
	expenses, err := encodeExpenses(e.Expenses)
	if err != nil {
		return err
	}
	tag, err := s.q.Exec(ctx, `UPDATE stock_entries SET liquor_type=$2, opening_balance=$3, movement=$4, quantity_sold=$5,
closing_balance=$6, unit_price=$7, daily_revenue=$8, cash_collected_by_upi=$9, cash_in_hand=$10, expenses=$11, receipt_ref=$12
WHERE id=$1`, e.ID, e.LiquorType, e.OpeningBalance, e.Movement, e.QuantitySold, e.ClosingBalance, e.UnitPrice,
		e.DailyRevenue, e.CashCollectedByUPI, e.CashInHand, expenses, e.ReceiptRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return stock.ErrEntryNotFound
	}
	return nil
}

func (s store) DeleteEntry(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM stock_entries WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return stock.ErrEntryNotFound
	}
	return nil
}

func encodeExpenses(expenses []stock.Expense) ([]byte, error) {
	if expenses == nil {
		expenses = []stock.Expense{}
	}
	return json.Marshal(expenses)
}

// --- receipts ---

func (s store) GetReceipt(ctx context.Context, id int64) (stock.Receipt, error) {
	return scanReceipt(s.q.QueryRow(ctx, `SELECT `+receiptColumns+` FROM stock_receipts WHERE id=$1`, id))
}

func (s store) InsertReceipt(ctx context.Context, rc stock.Receipt) (stock.Receipt, error) {
	err := s.q.QueryRow(ctx, `INSERT INTO stock_receipts (shop_id, brand_name, volume_ml, warehouse_name, cases, pieces, bill_ref,
bill_amount, receipt_date, affects_quota, entry_id, quota_category, quota_duty, transfer_code)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) RETURNING id, created_at`,
		rc.Key.ShopID, rc.Key.BrandName, rc.Key.VolumeML, rc.WarehouseName, rc.Cases, rc.Pieces, rc.BillRef,
		rc.BillAmount, rc.Date, rc.AffectsQuota, nullEntryID(rc.EntryID), rc.QuotaCategory, rc.QuotaDutyPerCase,
		rc.TransferCode).Scan(&rc.ID, &rc.CreatedAt)
	if err != nil {
		return stock.Receipt{}, err
	}
	return rc, nil
}

func (s store) UpdateReceipt(ctx context.Context, rc stock.Receipt) error {
	tag, err := s.q.Exec(ctx, `UPDATE stock_receipts SET shop_id=$2, brand_name=$3, volume_ml=$4, warehouse_name=$5, cases=$6,
pieces=$7, bill_ref=$8, bill_amount=$9, receipt_date=$10, affects_quota=$11, entry_id=$12, quota_category=$13,
quota_duty=$14 WHERE id=$1`,
		rc.ID, rc.Key.ShopID, rc.Key.BrandName, rc.Key.VolumeML, rc.WarehouseName, rc.Cases, rc.Pieces, rc.BillRef,
		rc.BillAmount, rc.Date, rc.AffectsQuota, nullEntryID(rc.EntryID), rc.QuotaCategory, rc.QuotaDutyPerCase)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return stock.ErrReceiptNotFound
	}
	return nil
}

func (s store) DeleteReceipt(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM stock_receipts WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return stock.ErrReceiptNotFound
	}
	return nil
}

func (s store) PendingReceipts(ctx context.Context, key stock.Key, upTo time.Time) ([]stock.Receipt, error) {
	return collectReceipts(s.q.Query(ctx, `SELECT `+receiptColumns+` FROM stock_receipts
WHERE shop_id=$1 AND brand_name=$2 AND volume_ml=$3 AND entry_id IS NULL AND receipt_date <= $4
ORDER BY receipt_date ASC, id ASC`, key.ShopID, key.BrandName, key.VolumeML, upTo))
}

func (s store) ListReceipts(ctx context.Context, key stock.Key, pendingOnly bool) ([]stock.Receipt, error) {
	return collectReceipts(s.q.Query(ctx, `SELECT `+receiptColumns+` FROM stock_receipts
WHERE shop_id=$1 AND brand_name=$2 AND volume_ml=$3 AND (NOT $4 OR entry_id IS NULL)
ORDER BY receipt_date ASC, id ASC`, key.ShopID, key.BrandName, key.VolumeML, pendingOnly))
}

func (s store) ReceiptsForEntry(ctx context.Context, entryID int64) ([]stock.Receipt, error) {
	return collectReceipts(s.q.Query(ctx, `SELECT `+receiptColumns+` FROM stock_receipts
WHERE entry_id=$1 ORDER BY receipt_date ASC, id ASC`, entryID))
}

func (s store) AttachReceipts(ctx context.Context, entryID int64, receiptIDs []int64) error {
	if len(receiptIDs) == 0 {
		return nil
	}
	_, err := s.q.Exec(ctx, `UPDATE stock_receipts SET entry_id=$1 WHERE id = ANY($2)`, entryID, receiptIDs)
	return err
}

func (s store) ReattachReceipts(ctx context.Context, fromEntryID, toEntryID int64) error {
	_, err := s.q.Exec(ctx, `UPDATE stock_receipts SET entry_id=$2 WHERE entry_id=$1`, fromEntryID, nullEntryID(toEntryID))
	return err
}

func (s store) InsertTransfer(ctx context.Context, t Transfer) (Transfer, error) {
	err := s.q.QueryRow(ctx, `INSERT INTO stock_transfers (code, from_shop_id, to_shop_id, brand_name, volume_ml, cases, pieces,
transfer_date, source_entry_id, receipt_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id, created_at`,
		t.Code, t.FromShopID, t.ToShopID, t.BrandName, t.VolumeML, t.Cases, t.Pieces, t.Date, t.SourceEntryID, t.ReceiptID).
		Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return Transfer{}, err
	}
	return t, nil
}

// --- ledger rows ---

func (s store) LastRowAtOrBefore(ctx context.Context, key ledger.Key, date time.Time) (ledger.Row, error) {
	table, err := ledgerTable(key.Book())
	if err != nil {
		return ledger.Row{}, err
	}
	return scanRow(key.Book(), s.q.QueryRow(ctx, `SELECT `+rowColumns+` FROM `+table+`
WHERE ledger_key=$1 AND entry_date <= $2 ORDER BY entry_date DESC, id DESC LIMIT 1`, key.String(), date))
}

func (s store) RowBefore(ctx context.Context, key ledger.Key, date time.Time, id int64) (ledger.Row, error) {
	table, err := ledgerTable(key.Book())
	if err != nil {
		return ledger.Row{}, err
	}
	return scanRow(key.Book(), s.q.QueryRow(ctx, `SELECT `+rowColumns+` FROM `+table+`
WHERE ledger_key=$1 AND (entry_date, id) < ($2::date, $3::bigint) ORDER BY entry_date DESC, id DESC LIMIT 1`, key.String(), date, id))
}

func (s store) RowsAfter(ctx context.Context, key ledger.Key, date time.Time, id int64) ([]ledger.Row, error) {
	table, err := ledgerTable(key.Book())
	if err != nil {
		return nil, err
	}
	rows, err := s.q.Query(ctx, `SELECT `+rowColumns+` FROM `+table+`
WHERE ledger_key=$1 AND (entry_date, id) > ($2::date, $3::bigint) ORDER BY entry_date ASC, id ASC`, key.String(), date, id)
	return collectRows(key.Book(), rows, err)
}

func (s store) LatestRow(ctx context.Context, key ledger.Key) (ledger.Row, error) {
	table, err := ledgerTable(key.Book())
	if err != nil {
		return ledger.Row{}, err
	}
	return scanRow(key.Book(), s.q.QueryRow(ctx, `SELECT `+rowColumns+` FROM `+table+`
WHERE ledger_key=$1 ORDER BY entry_date DESC, id DESC LIMIT 1`, key.String()))
}

func (s store) ListRows(ctx context.Context, key ledger.Key) ([]ledger.Row, error) {
	return s.ListLedger(ctx, key, time.Time{}, time.Time{})
}

func (s store) ListLedger(ctx context.Context, key ledger.Key, from, to time.Time) ([]ledger.Row, error) {
	table, err := ledgerTable(key.Book())
	if err != nil {
		return nil, err
	}
	rows, err := s.q.Query(ctx, `SELECT `+rowColumns+` FROM `+table+`
WHERE ledger_key=$1 AND entry_date >= COALESCE($2::date, '-infinity') AND entry_date <= COALESCE($3::date, 'infinity')
ORDER BY entry_date ASC, id ASC`, key.String(), nullDate(from), nullDate(to))
	return collectRows(key.Book(), rows, err)
}

func (s store) RowsBySource(ctx context.Context, book ledger.Book, sourceRef string) ([]ledger.Row, error) {
	table, err := ledgerTable(book)
	if err != nil {
		return nil, err
	}
	rows, err := s.q.Query(ctx, `SELECT `+rowColumns+` FROM `+table+`
WHERE source_ref=$1 ORDER BY entry_date ASC, id ASC`, sourceRef)
	return collectRows(book, rows, err)
}

func (s store) LedgerKeys(ctx context.Context, book ledger.Book) ([]ledger.Key, error) {
	table, err := ledgerTable(book)
	if err != nil {
		return nil, err
	}
	rows, err := s.q.Query(ctx, `SELECT DISTINCT ledger_key FROM `+table+` ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []ledger.Key{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		key, err := ledger.ParseKey(book, raw)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s store) InsertRow(ctx context.Context, r ledger.Row) (ledger.Row, error) {
	table, err := ledgerTable(r.Key.Book())
	if err != nil {
		return ledger.Row{}, err
	}
	err = s.q.QueryRow(ctx, `INSERT INTO `+table+` (ledger_key, entry_date, description, debit, credit, balance, source_ref)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at`,
		r.Key.String(), r.Date, r.Description, r.Debit, r.Credit, r.Balance, r.SourceRef).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return ledger.Row{}, err
	}
	return r, nil
}

func (s store) UpdateRow(ctx context.Context, r ledger.Row) error {
	table, err := ledgerTable(r.Key.Book())
	if err != nil {
		return err
	}
	tag, err := s.q.Exec(ctx, `UPDATE `+table+` SET entry_date=$3, description=$4, debit=$5, credit=$6, balance=$7
WHERE id=$1 AND ledger_key=$2`, r.ID, r.Key.String(), r.Date, r.Description, r.Debit, r.Credit, r.Balance)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrRowNotFound
	}
	return nil
}

func (s store) DeleteRow(ctx context.Context, key ledger.Key, id int64) error {
	table, err := ledgerTable(key.Book())
	if err != nil {
		return err
	}
	tag, err := s.q.Exec(ctx, `DELETE FROM `+table+` WHERE id=$1 AND ledger_key=$2`, id, key.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrRowNotFound
	}
	return nil
}
