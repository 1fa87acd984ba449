package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/liquorledger/liquorledger/internal/ledger"
	"github.com/liquorledger/liquorledger/internal/quota"
	"github.com/liquorledger/liquorledger/internal/shared"
	"github.com/liquorledger/liquorledger/internal/stock"
)

// RecordReceipt stores a delivery, folds its pieces onto the newest entry of
// its key (or leaves it pending for the next chain head), consumes quota and
// books the bill against the warehouse.
func (s *Service) RecordReceipt(ctx context.Context, req ReceiptRequest) (ReceiptResult, error) {
	req.WarehouseName = strings.TrimSpace(req.WarehouseName)
	if err := validateReceipt(req); err != nil {
		return ReceiptResult{}, err
	}
	date, err := s.businessDate(req.Date)
	if err != nil {
		return ReceiptResult{}, err
	}
	key := stock.NewKey(req.ShopID, req.BrandName, req.VolumeML)

	var result ReceiptResult
	locks := append([]string{key.String()}, billLocks(req)...)
	err = s.execute(ctx, "receipt.create", req.EventID, locks, func(ctx context.Context, sc *txScope) error {
		if _, err := sc.tx.GetShop(ctx, req.ShopID); err != nil {
			return err
		}
		brand, err := sc.tx.GetBrand(ctx, key.BrandName, key.VolumeML)
		if err != nil {
			return err
		}
		pieces, err := receiptPieces(brand, req.Cases, req.Pieces)
		if err != nil {
			return err
		}
		receipt := stock.Receipt{
			Key:           key,
			WarehouseName: req.WarehouseName,
			Cases:         req.Cases,
			Pieces:        pieces,
			BillRef:       req.BillRef,
			BillAmount:    req.BillAmount,
			Date:          date,
			AffectsQuota:  req.AffectsQuota,
		}
		stampQuota(&receipt, brand)
		receipt, err = sc.tx.InsertReceipt(ctx, receipt)
		if err != nil {
			return err
		}
		entry, err := sc.attach(ctx, &receipt)
		if err != nil {
			return err
		}
		result = ReceiptResult{Receipt: receipt, Entry: entry}
		if receipt.AffectsQuota {
			shop, err := sc.quota.ApplyReceipt(ctx, req.ShopID, quotaAdjustment(receipt))
			if err != nil {
				return err
			}
			result.Shop = &shop
		}
		result.Ledger, err = sc.syncPostings(ctx, ledger.BookWarehouse, receiptRef(receipt.ID), receiptPostings(receipt))
		return err
	})
	if err != nil {
		return ReceiptResult{}, err
	}
	s.record(ctx, req.ActorID, "reconcile:receipt.create", "stock_receipt", result.Receipt.ID, map[string]any{
		"key":     key.String(),
		"date":    date.Format(shared.DateLayout),
		"pieces":  result.Receipt.Pieces,
		"pending": result.Receipt.Pending(),
		"quota":   result.Receipt.AffectsQuota,
	})
	return result, nil
}

// EditReceipt replaces a receipt. Quota is reverted for the old version and
// applied for the new one. When the chain key changes the old pieces are
// withdrawn from their entry first, which fails if they were already sold.
func (s *Service) EditReceipt(ctx context.Context, receiptID int64, req ReceiptRequest) (ReceiptResult, error) {
	if receiptID <= 0 {
		return ReceiptResult{}, fmt.Errorf("%w: receipt id required", ErrValidation)
	}
	req.WarehouseName = strings.TrimSpace(req.WarehouseName)
	if err := validateReceipt(req); err != nil {
		return ReceiptResult{}, err
	}
	date, err := s.businessDate(req.Date)
	if err != nil {
		return ReceiptResult{}, err
	}
	before, err := s.repo.GetReceipt(ctx, receiptID)
	if err != nil {
		return ReceiptResult{}, err
	}
	key := stock.NewKey(req.ShopID, req.BrandName, req.VolumeML)

	var result ReceiptResult
	locks := []string{before.Key.String(), key.String()}
	locks = append(locks, warehouseLedgerLocks(before.WarehouseName)...)
	locks = append(locks, billLocks(req)...)
	err = s.execute(ctx, "receipt.edit", req.EventID, locks, func(ctx context.Context, sc *txScope) error {
		result = ReceiptResult{}
		old, err := sc.tx.GetReceipt(ctx, receiptID)
		if err != nil {
			return err
		}
		if old.Key != before.Key || old.WarehouseName != before.WarehouseName {
			return fmt.Errorf("%w: receipt %d changed while waiting for its lock", ErrTransaction, receiptID)
		}
		if err := editableReceipt(old); err != nil {
			return err
		}
		if _, err := sc.tx.GetShop(ctx, req.ShopID); err != nil {
			return err
		}
		brand, err := sc.tx.GetBrand(ctx, key.BrandName, key.VolumeML)
		if err != nil {
			return err
		}
		pieces, err := receiptPieces(brand, req.Cases, req.Pieces)
		if err != nil {
			return err
		}
		updated := old
		updated.Key = key
		updated.WarehouseName = req.WarehouseName
		updated.Cases = req.Cases
		updated.Pieces = pieces
		updated.BillRef = req.BillRef
		updated.BillAmount = req.BillAmount
		updated.Date = date
		updated.AffectsQuota = req.AffectsQuota
		stampQuota(&updated, brand)

		if old.AffectsQuota {
			if _, err := sc.quota.RevertReceipt(ctx, old.Key.ShopID, quotaAdjustment(old)); err != nil {
				return err
			}
		}
		if updated.AffectsQuota {
			shop, err := sc.quota.ApplyReceipt(ctx, key.ShopID, quotaAdjustment(updated))
			if err != nil {
				return err
			}
			result.Shop = &shop
		}

		if key == old.Key {
			if !old.Pending() {
				entry, cascaded, err := sc.shift(ctx, old.EntryID, pieces-old.Pieces)
				if err != nil {
					return err
				}
				result.Entry, result.Cascaded = &entry, cascaded
			}
			if err := sc.tx.UpdateReceipt(ctx, updated); err != nil {
				return err
			}
		} else {
			if !old.Pending() {
				_, cascaded, err := sc.shift(ctx, old.EntryID, -old.Pieces)
				if err != nil {
					return err
				}
				result.Cascaded = cascaded
			}
			updated.EntryID = 0
			if err := sc.tx.UpdateReceipt(ctx, updated); err != nil {
				return err
			}
			if result.Entry, err = sc.attach(ctx, &updated); err != nil {
				return err
			}
		}
		result.Receipt = updated
		result.Ledger, err = sc.syncPostings(ctx, ledger.BookWarehouse, receiptRef(receiptID), receiptPostings(updated))
		return err
	})
	if err != nil {
		return ReceiptResult{}, err
	}
	s.record(ctx, req.ActorID, "reconcile:receipt.edit", "stock_receipt", receiptID, map[string]any{
		"old_key":    before.Key.String(),
		"key":        key.String(),
		"old_pieces": before.Pieces,
		"pieces":     result.Receipt.Pieces,
	})
	return result, nil
}

// DeleteReceipt withdraws a receipt's pieces from its entry, gives back its
// quota and removes its warehouse ledger rows.
func (s *Service) DeleteReceipt(ctx context.Context, eventID string, actorID, receiptID int64) (ReceiptResult, error) {
	if receiptID <= 0 {
		return ReceiptResult{}, fmt.Errorf("%w: receipt id required", ErrValidation)
	}
	before, err := s.repo.GetReceipt(ctx, receiptID)
	if err != nil {
		return ReceiptResult{}, err
	}

	var result ReceiptResult
	locks := append([]string{before.Key.String()}, warehouseLedgerLocks(before.WarehouseName)...)
	err = s.execute(ctx, "receipt.delete", eventID, locks, func(ctx context.Context, sc *txScope) error {
		result = ReceiptResult{}
		r, err := sc.tx.GetReceipt(ctx, receiptID)
		if err != nil {
			return err
		}
		if r.Key != before.Key || r.WarehouseName != before.WarehouseName {
			return fmt.Errorf("%w: receipt %d changed while waiting for its lock", ErrTransaction, receiptID)
		}
		if err := editableReceipt(r); err != nil {
			return err
		}
		result.Receipt = r
		if r.AffectsQuota {
			shop, err := sc.quota.RevertReceipt(ctx, r.Key.ShopID, quotaAdjustment(r))
			if err != nil {
				return err
			}
			result.Shop = &shop
		}
		if !r.Pending() {
			entry, cascaded, err := sc.shift(ctx, r.EntryID, -r.Pieces)
			if err != nil {
				return err
			}
			result.Entry, result.Cascaded = &entry, cascaded
		}
		if err := sc.tx.DeleteReceipt(ctx, receiptID); err != nil {
			return err
		}
		_, err = sc.syncPostings(ctx, ledger.BookWarehouse, receiptRef(receiptID), nil)
		return err
	})
	if err != nil {
		return ReceiptResult{}, err
	}
	s.record(ctx, actorID, "reconcile:receipt.delete", "stock_receipt", receiptID, map[string]any{
		"key":    before.Key.String(),
		"pieces": before.Pieces,
	})
	return result, nil
}

// attach folds r onto the newest entry of its key. It returns nil and leaves
// r pending when the key has no chain yet.
func (sc *txScope) attach(ctx context.Context, r *stock.Receipt) (*stock.Entry, error) {
	latest, err := sc.tx.LatestEntry(ctx, r.Key)
	ok, err := present(err, stock.ErrEntryNotFound)
	if err != nil || !ok {
		return nil, err
	}
	moved, err := sc.chain.Move(ctx, latest, r.Pieces)
	if err != nil {
		return nil, err
	}
	if err := sc.tx.AttachReceipts(ctx, moved.ID, []int64{r.ID}); err != nil {
		return nil, err
	}
	r.EntryID = moved.ID
	return &moved, nil
}

// shift changes the movement of a stored entry by delta and cascades.
func (sc *txScope) shift(ctx context.Context, entryID, delta int64) (stock.Entry, []stock.Entry, error) {
	entry, err := sc.tx.GetEntry(ctx, entryID)
	if err != nil {
		return stock.Entry{}, nil, err
	}
	if delta == 0 {
		return entry, nil, nil
	}
	moved, err := sc.chain.Move(ctx, entry, delta)
	if err != nil {
		return stock.Entry{}, nil, err
	}
	cascaded, err := sc.cascade(ctx, moved)
	if err != nil {
		return stock.Entry{}, nil, err
	}
	return moved, cascaded, nil
}

func receiptPostings(r stock.Receipt) []ledger.Posting {
	if r.WarehouseName == "" || !r.BillAmount.IsPositive() {
		return nil
	}
	desc := fmt.Sprintf("Bill %s: %s %dml x%d", r.BillRef, r.Key.BrandName, r.Key.VolumeML, r.Pieces)
	return []ledger.Posting{
		{Key: ledger.WarehouseKey(r.WarehouseName), Date: r.Date, Description: desc, Credit: r.BillAmount},
		{Key: ledger.AggregateKey(ledger.BookWarehouse, ledger.TagWarehouseStock), Date: r.Date, Description: desc, Credit: r.BillAmount},
	}
}

// stampQuota copies the brand values quota is consumed with onto r, or
// clears them when r does not count against quota.
func stampQuota(r *stock.Receipt, brand stock.Brand) {
	if !r.AffectsQuota {
		r.QuotaCategory, r.QuotaDutyPerCase = "", decimal.Zero
		return
	}
	r.QuotaCategory, r.QuotaDutyPerCase = brand.Category, brand.DutyPerCase
}

// quotaAdjustment uses the values stamped on r, never the brand's current
// ones, so a revert always mirrors the original apply.
func quotaAdjustment(r stock.Receipt) quota.Adjustment {
	return quota.Adjustment{
		Category:    r.QuotaCategory,
		Date:        r.Date,
		Cases:       r.Cases,
		DutyPerCase: r.QuotaDutyPerCase,
	}
}

// editableReceipt rejects receipts written by a transfer; removing them alone
// would drop stock that left the source shop.
func editableReceipt(r stock.Receipt) error {
	if r.TransferCode != "" {
		return fmt.Errorf("%w: receipt %d belongs to transfer %s", ErrValidation, r.ID, r.TransferCode)
	}
	return nil
}

// receiptPieces resolves the stock delta of a receipt, deriving it from
// cases when pieces were not given.
func receiptPieces(brand stock.Brand, cases, pieces int64) (int64, error) {
	if pieces == 0 && cases > 0 {
		if brand.PiecesPerCase <= 0 {
			return 0, fmt.Errorf("%w: %s %dml has no pieces per case", ErrValidation, brand.Name, brand.VolumeML)
		}
		pieces = cases * brand.PiecesPerCase
	}
	if pieces <= 0 {
		return 0, fmt.Errorf("%w: receipt must carry stock", ErrValidation)
	}
	return pieces, nil
}

func validateReceipt(req ReceiptRequest) error {
	if err := validateKey(req.ShopID, req.BrandName, req.VolumeML); err != nil {
		return err
	}
	if req.Cases < 0 || req.Pieces < 0 {
		return fmt.Errorf("%w: cases and pieces must be >= 0", ErrValidation)
	}
	if req.BillAmount.IsNegative() {
		return fmt.Errorf("%w: bill amount must be >= 0", ErrValidation)
	}
	if req.BillAmount.IsPositive() && req.WarehouseName == "" {
		return fmt.Errorf("%w: a billed receipt needs a warehouse", ErrValidation)
	}
	return nil
}

func billLocks(req ReceiptRequest) []string {
	if !req.BillAmount.IsPositive() {
		return nil
	}
	return warehouseLedgerLocks(req.WarehouseName)
}
