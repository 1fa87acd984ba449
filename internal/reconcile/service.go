// Package reconcile orchestrates the stock chain, cash ledgers and quota
// tracker so every event leaves all of them consistent in one transaction.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/liquorledger/liquorledger/internal/ledger"
	"github.com/liquorledger/liquorledger/internal/quota"
	"github.com/liquorledger/liquorledger/internal/shared"
	"github.com/liquorledger/liquorledger/internal/stock"
)

// TxRepository is the transaction-scoped store every flow runs against.
type TxRepository interface {
	stock.Store
	ledger.Store
	quota.Store

	LockKeys(ctx context.Context, names []string) error
	RecordEvent(ctx context.Context, eventID, module string) error

	GetShop(ctx context.Context, shopID int64) (quota.Shop, error)
	GetBrand(ctx context.Context, name string, volumeML int) (stock.Brand, error)

	GetEntry(ctx context.Context, id int64) (stock.Entry, error)
	DeleteEntry(ctx context.Context, id int64) error
	ListEntries(ctx context.Context, key stock.Key) ([]stock.Entry, error)

	InsertReceipt(ctx context.Context, r stock.Receipt) (stock.Receipt, error)
	GetReceipt(ctx context.Context, id int64) (stock.Receipt, error)
	UpdateReceipt(ctx context.Context, r stock.Receipt) error
	DeleteReceipt(ctx context.Context, id int64) error
	ReceiptsForEntry(ctx context.Context, entryID int64) ([]stock.Receipt, error)
	// ReattachReceipts moves every receipt of fromEntryID onto toEntryID, or
	// back to pending when toEntryID is zero.
	ReattachReceipts(ctx context.Context, fromEntryID, toEntryID int64) error

	RowsBySource(ctx context.Context, book ledger.Book, sourceRef string) ([]ledger.Row, error)
	ListRows(ctx context.Context, key ledger.Key) ([]ledger.Row, error)

	InsertTransfer(ctx context.Context, t Transfer) (Transfer, error)
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetEntry(ctx context.Context, id int64) (stock.Entry, error)
	GetReceipt(ctx context.Context, id int64) (stock.Receipt, error)
	RowsBySource(ctx context.Context, book ledger.Book, sourceRef string) ([]ledger.Row, error)
	LatestEntry(ctx context.Context, key stock.Key) (stock.Entry, error)
	LatestRow(ctx context.Context, key ledger.Key) (ledger.Row, error)
	ListChain(ctx context.Context, key stock.Key, from, to time.Time) ([]stock.Entry, error)
	ListLedger(ctx context.Context, key ledger.Key, from, to time.Time) ([]ledger.Row, error)
	ListReceipts(ctx context.Context, key stock.Key, pendingOnly bool) ([]stock.Receipt, error)
	ChainKeys(ctx context.Context) ([]stock.Key, error)
	LedgerKeys(ctx context.Context, book ledger.Book) ([]ledger.Key, error)

	UpsertBrand(ctx context.Context, b stock.Brand) (stock.Brand, error)
	ListBrands(ctx context.Context) ([]stock.Brand, error)
	CreateShop(ctx context.Context, s quota.Shop) (quota.Shop, error)
	UpdateShopTargets(ctx context.Context, s quota.Shop) (quota.Shop, error)
	GetShop(ctx context.Context, shopID int64) (quota.Shop, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Locker takes a request-wide lock on a set of key names.
type Locker interface {
	Acquire(ctx context.Context, names []string) (func(), error)
}

// BalanceCache stores read models under a version bumped by every write.
type BalanceCache interface {
	BuildKey(ctx context.Context, parts ...string) (string, error)
	FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error
	Bump(ctx context.Context) error
}

// Recorder receives flow metrics.
type Recorder interface {
	ObserveFlow(flow, outcome string)
	AddCascadeRows(kind string, n int)
	ObserveIntegrityViolation(kind string)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowNegativeBalance bool
}

// Option customises a Service.
type Option func(*Service)

// WithLocker guards each flow with a cross-process lock on its keys.
func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithCache enables the read-side cache.
func WithCache(c BalanceCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithMetrics records flow outcomes.
func WithMetrics(m Recorder) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithNow overrides the clock used to decide today's date.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service coordinates every stock, cash and quota flow.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	allowNeg bool
	locker   Locker
	cache    BalanceCache
	metrics  Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		audit:    audit,
		allowNeg: cfg.AllowNegativeBalance,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// txScope bundles the managers bound to one transaction.
type txScope struct {
	tx         TxRepository
	chain      *stock.Chain
	ledger     *ledger.Manager
	quota      *quota.Tracker
	chainRows  int
	ledgerRows int
}

func (sc *txScope) cascade(ctx context.Context, anchor stock.Entry) ([]stock.Entry, error) {
	changed, err := sc.chain.CascadeFrom(ctx, anchor)
	if err != nil {
		return nil, err
	}
	sc.chainRows += len(changed)
	return changed, nil
}

func (sc *txScope) cascadeAfter(ctx context.Context, key stock.Key, date time.Time, anchorClosing int64) ([]stock.Entry, error) {
	changed, err := sc.chain.CascadeAfterDate(ctx, key, date, anchorClosing)
	if err != nil {
		return nil, err
	}
	sc.chainRows += len(changed)
	return changed, nil
}

// syncPostings makes the rows of sourceRef match postings: rows on the same
// key are amended in place, missing ones are posted and leftovers removed.
// Every change cascades through its key.
func (sc *txScope) syncPostings(ctx context.Context, book ledger.Book, sourceRef string, postings []ledger.Posting) ([]ledger.Row, error) {
	existing, err := sc.tx.RowsBySource(ctx, book, sourceRef)
	if err != nil {
		return nil, err
	}
	used := make(map[int64]bool, len(existing))
	out := make([]ledger.Row, 0, len(postings))
	for _, p := range postings {
		p.SourceRef = sourceRef
		var match *ledger.Row
		for i := range existing {
			if !used[existing[i].ID] && existing[i].Key == p.Key {
				match = &existing[i]
				break
			}
		}
		var (
			row     ledger.Row
			changed int
		)
		if match != nil {
			used[match.ID] = true
			row, changed, err = sc.ledger.Amend(ctx, *match, p)
		} else {
			row, changed, err = sc.ledger.Post(ctx, p)
		}
		if err != nil {
			return nil, err
		}
		sc.ledgerRows += changed + 1
		out = append(out, row)
	}
	for _, r := range existing {
		if used[r.ID] {
			continue
		}
		changed, err := sc.ledger.Remove(ctx, r)
		if err != nil {
			return nil, err
		}
		sc.ledgerRows += changed + 1
	}
	return out, nil
}

// execute runs fn in one transaction holding locks on every name, after
// recording eventID when set.
func (s *Service) execute(ctx context.Context, flow, eventID string, locks []string, fn func(context.Context, *txScope) error) error {
	locks = shared.SortedLockNames(locks...)
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, locks)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrTransaction, err)
			s.finish(ctx, flow, err, nil)
			return err
		}
		defer release()
	}
	var scope *txScope
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockKeys(ctx, locks); err != nil {
			return err
		}
		if eventID != "" {
			if err := tx.RecordEvent(ctx, eventID, "reconcile:"+flow); err != nil {
				return err
			}
		}
		scope = &txScope{
			tx:     tx,
			chain:  stock.NewChain(tx),
			ledger: ledger.NewManager(tx, ledger.Options{AllowNegativeBalance: s.allowNeg}),
			quota:  quota.NewTracker(tx),
		}
		return fn(ctx, scope)
	})
	s.finish(ctx, flow, err, scope)
	return err
}

func (s *Service) finish(ctx context.Context, flow string, err error, scope *txScope) {
	if err != nil {
		kind := KindOf(err)
		if s.metrics != nil {
			s.metrics.ObserveFlow(flow, string(kind))
		}
		level := slog.LevelInfo
		if kind == KindTransaction {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "reconcile flow rejected", slog.String("flow", flow), slog.String("kind", string(kind)), slog.Any("error", err))
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveFlow(flow, "ok")
		if scope != nil {
			s.metrics.AddCascadeRows("chain", scope.chainRows)
			s.metrics.AddCascadeRows("ledger", scope.ledgerRows)
		}
	}
	if s.cache != nil {
		if err := s.cache.Bump(ctx); err != nil {
			s.logger.Warn("balance cache bump failed", slog.String("flow", flow), slog.Any("error", err))
		}
	}
}

func (s *Service) record(ctx context.Context, actorID int64, action, entity string, entityID any, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if actorID == 0 {
		actorID = shared.ActorFromContext(ctx)
	}
	log := shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: fmt.Sprint(entityID),
		Meta:     meta,
		At:       s.now(),
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) today() time.Time {
	return shared.DateOnly(s.now())
}

// businessDate normalises t to a calendar day and rejects future dates.
func (s *Service) businessDate(t time.Time) (time.Time, error) {
	if t.IsZero() {
		return time.Time{}, fmt.Errorf("%w: date required", ErrValidation)
	}
	d := shared.DateOnly(t)
	if d.After(s.today()) {
		return time.Time{}, fmt.Errorf("%w: %s is in the future", ErrValidation, d.Format(shared.DateLayout))
	}
	return d, nil
}

func shopLedgerLocks(shopID int64) []string {
	return []string{ledger.ShopKey(shopID).LockName(), ledger.AllKey(ledger.BookShop).LockName()}
}

func warehouseLedgerLocks(name string) []string {
	if name == "" {
		return nil
	}
	return []string{
		ledger.WarehouseKey(name).LockName(),
		ledger.AggregateKey(ledger.BookWarehouse, ledger.TagWarehouseStock).LockName(),
	}
}

// present reports whether a lookup succeeded, treating missing as a clean miss.
func present(err, missing error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if errors.Is(err, missing) {
		return false, nil
	}
	return false, err
}
