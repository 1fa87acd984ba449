package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/liquorledger/liquorledger/internal/ledger"
)

// RecordPayment books money against a shop or warehouse and the "all"
// aggregate of the same book. A backdated payment cascades through both.
func (s *Service) RecordPayment(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	key, err := paymentKey(req)
	if err != nil {
		return PaymentResult{}, err
	}
	date, err := s.businessDate(req.Date)
	if err != nil {
		return PaymentResult{}, err
	}
	req.Date = date
	ref := paymentRefPrefix + uuid.NewString()

	var result PaymentResult
	err = s.execute(ctx, "payment.create", req.EventID, paymentLocks(key), func(ctx context.Context, sc *txScope) error {
		if key.Kind() == ledger.KindShop {
			if _, err := sc.tx.GetShop(ctx, key.ShopID()); err != nil {
				return err
			}
		}
		rows, err := sc.syncPostings(ctx, key.Book(), ref, paymentPostings(key, req))
		if err != nil {
			return err
		}
		result = PaymentResult{Ref: ref, Rows: rows}
		return nil
	})
	if err != nil {
		return PaymentResult{}, err
	}
	s.record(ctx, req.ActorID, "reconcile:payment.create", "payment", ref, map[string]any{
		"key":       key.String(),
		"amount":    req.Amount.String(),
		"direction": string(req.Direction),
	})
	return result, nil
}

// EditPayment rewrites a payment's rows, moving them to another key or book
// when the target changed.
func (s *Service) EditPayment(ctx context.Context, ref string, req PaymentRequest) (PaymentResult, error) {
	key, err := paymentKey(req)
	if err != nil {
		return PaymentResult{}, err
	}
	date, err := s.businessDate(req.Date)
	if err != nil {
		return PaymentResult{}, err
	}
	req.Date = date
	oldBook, oldRows, err := s.paymentRows(ctx, ref)
	if err != nil {
		return PaymentResult{}, err
	}
	locks := paymentLocks(key)
	for _, r := range oldRows {
		locks = append(locks, r.Key.LockName())
	}

	var result PaymentResult
	err = s.execute(ctx, "payment.edit", req.EventID, locks, func(ctx context.Context, sc *txScope) error {
		if key.Kind() == ledger.KindShop {
			if _, err := sc.tx.GetShop(ctx, key.ShopID()); err != nil {
				return err
			}
		}
		if oldBook != key.Book() {
			if _, err := sc.syncPostings(ctx, oldBook, ref, nil); err != nil {
				return err
			}
		}
		rows, err := sc.syncPostings(ctx, key.Book(), ref, paymentPostings(key, req))
		if err != nil {
			return err
		}
		result = PaymentResult{Ref: ref, Rows: rows}
		return nil
	})
	if err != nil {
		return PaymentResult{}, err
	}
	s.record(ctx, req.ActorID, "reconcile:payment.edit", "payment", ref, map[string]any{
		"key":    key.String(),
		"amount": req.Amount.String(),
	})
	return result, nil
}

// DeletePayment removes a payment's rows and cascades from the rows before
// them.
func (s *Service) DeletePayment(ctx context.Context, eventID string, actorID int64, ref string) error {
	book, rows, err := s.paymentRows(ctx, ref)
	if err != nil {
		return err
	}
	locks := make([]string, 0, len(rows))
	for _, r := range rows {
		locks = append(locks, r.Key.LockName())
	}
	err = s.execute(ctx, "payment.delete", eventID, locks, func(ctx context.Context, sc *txScope) error {
		_, err := sc.syncPostings(ctx, book, ref, nil)
		return err
	})
	if err != nil {
		return err
	}
	s.record(ctx, actorID, "reconcile:payment.delete", "payment", ref, nil)
	return nil
}

// Payment returns the rows written for ref.
func (s *Service) Payment(ctx context.Context, ref string) (PaymentResult, error) {
	_, rows, err := s.paymentRows(ctx, ref)
	if err != nil {
		return PaymentResult{}, err
	}
	return PaymentResult{Ref: ref, Rows: rows}, nil
}

func (s *Service) paymentRows(ctx context.Context, ref string) (ledger.Book, []ledger.Row, error) {
	if !strings.HasPrefix(ref, paymentRefPrefix) {
		return "", nil, fmt.Errorf("%w: %q is not a payment reference", ErrValidation, ref)
	}
	for _, book := range []ledger.Book{ledger.BookShop, ledger.BookWarehouse} {
		rows, err := s.repo.RowsBySource(ctx, book, ref)
		if err != nil {
			return "", nil, err
		}
		if len(rows) > 0 {
			return book, rows, nil
		}
	}
	return "", nil, fmt.Errorf("%w: payment %s", ErrNotFound, ref)
}

func paymentKey(req PaymentRequest) (ledger.Key, error) {
	name := strings.TrimSpace(req.WarehouseName)
	var key ledger.Key
	switch {
	case req.ShopID > 0 && name != "":
		return ledger.Key{}, fmt.Errorf("%w: a payment targets a shop or a warehouse, not both", ErrValidation)
	case req.ShopID > 0:
		key = ledger.ShopKey(req.ShopID)
	case name != "":
		key = ledger.WarehouseKey(name)
	default:
		return ledger.Key{}, fmt.Errorf("%w: shop id or warehouse name required", ErrValidation)
	}
	if !req.Amount.IsPositive() {
		return ledger.Key{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if req.Direction != DirectionCredit && req.Direction != DirectionDebit {
		return ledger.Key{}, fmt.Errorf("%w: direction must be credit or debit", ErrValidation)
	}
	if err := key.Validate(); err != nil {
		return ledger.Key{}, errors.Join(ErrValidation, err)
	}
	return key, nil
}

func paymentLocks(key ledger.Key) []string {
	return []string{key.LockName(), ledger.AllKey(key.Book()).LockName()}
}

func paymentPostings(key ledger.Key, req PaymentRequest) []ledger.Posting {
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		desc = "Payment"
	}
	p := ledger.Posting{Key: key, Date: req.Date, Description: desc}
	if req.Direction == DirectionCredit {
		p.Credit = req.Amount
	} else {
		p.Debit = req.Amount
	}
	all := p
	all.Key = ledger.AllKey(key.Book())
	return []ledger.Posting{p, all}
}
