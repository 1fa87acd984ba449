package reconcile

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/liquorledger/liquorledger/internal/ledger"
	"github.com/liquorledger/liquorledger/internal/shared"
	"github.com/liquorledger/liquorledger/internal/stock"
)

// RecordSale writes a new day's sale. A sale dated before the newest entry of
// its key is inserted mid-chain and every later entry and ledger row is
// rewritten.
func (s *Service) RecordSale(ctx context.Context, req SaleRequest) (SaleResult, error) {
	if err := validateKey(req.ShopID, req.BrandName, req.VolumeML); err != nil {
		return SaleResult{}, err
	}
	if err := validateSaleAmounts(req.Quantity, req.UnitPrice, req.CashCollectedByUPI, req.CashInHand, req.Expenses); err != nil {
		return SaleResult{}, err
	}
	date, err := s.businessDate(req.Date)
	if err != nil {
		return SaleResult{}, err
	}
	key := stock.NewKey(req.ShopID, req.BrandName, req.VolumeML)
	flow := "sale.create"
	if date.Before(s.today()) {
		flow = "sale.backdate"
	}

	var result SaleResult
	locks := append([]string{key.String()}, shopLedgerLocks(req.ShopID)...)
	err = s.execute(ctx, flow, req.EventID, locks, func(ctx context.Context, sc *txScope) error {
		if _, err := sc.tx.GetShop(ctx, req.ShopID); err != nil {
			return err
		}
		brand, err := sc.tx.GetBrand(ctx, key.BrandName, key.VolumeML)
		if err != nil {
			return err
		}
		liquorType, err := matchLiquorType(brand, req.LiquorType)
		if err != nil {
			return err
		}
		_, err = sc.tx.EntryOn(ctx, key, date)
		exists, err := present(err, stock.ErrEntryNotFound)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s already has an entry on %s", ErrDuplicateEntry, key, date.Format(shared.DateLayout))
		}
		latest, err := sc.tx.LatestEntry(ctx, key)
		hasLatest, err := present(err, stock.ErrEntryNotFound)
		if err != nil {
			return err
		}

		entry, _, err := sc.chain.InsertOrUpdateSale(ctx, stock.SaleInput{
			Key:                key,
			LiquorType:         liquorType,
			Date:               date,
			Quantity:           req.Quantity,
			UnitPrice:          req.UnitPrice,
			CashCollectedByUPI: req.CashCollectedByUPI,
			CashInHand:         req.CashInHand,
			Expenses:           req.Expenses,
		})
		if err != nil {
			return err
		}
		cascaded, err := sc.cascade(ctx, entry)
		if err != nil {
			return err
		}
		rows, err := sc.syncPostings(ctx, ledger.BookShop, saleRef(entry.ID), salePostings(entry))
		if err != nil {
			return err
		}
		result = SaleResult{
			Entry:     entry,
			Backdated: hasLatest && date.Before(latest.Date),
			Cascaded:  cascaded,
			Ledger:    rows,
		}
		return nil
	})
	if err != nil {
		return SaleResult{}, err
	}
	s.record(ctx, req.ActorID, "reconcile:"+flow, "stock_entry", result.Entry.ID, map[string]any{
		"key":       key.String(),
		"date":      date.Format(shared.DateLayout),
		"quantity":  req.Quantity,
		"cascaded":  len(result.Cascaded),
		"backdated": result.Backdated,
	})
	return result, nil
}

// EditSale replaces the sale fields of an existing entry in place and
// cascades the change forward.
func (s *Service) EditSale(ctx context.Context, req EditSaleRequest) (SaleResult, error) {
	if req.EntryID <= 0 {
		return SaleResult{}, fmt.Errorf("%w: entry id required", ErrValidation)
	}
	if err := validateSaleAmounts(req.Quantity, req.UnitPrice, req.CashCollectedByUPI, req.CashInHand, req.Expenses); err != nil {
		return SaleResult{}, err
	}
	before, err := s.repo.GetEntry(ctx, req.EntryID)
	if err != nil {
		return SaleResult{}, err
	}

	var result SaleResult
	locks := append([]string{before.Key.String()}, shopLedgerLocks(before.Key.ShopID)...)
	err = s.execute(ctx, "sale.edit", req.EventID, locks, func(ctx context.Context, sc *txScope) error {
		current, err := sc.tx.GetEntry(ctx, req.EntryID)
		if err != nil {
			return err
		}
		if current.Key != before.Key {
			return fmt.Errorf("%w: entry %d moved while waiting for its lock", ErrTransaction, req.EntryID)
		}
		brand, err := sc.tx.GetBrand(ctx, current.Key.BrandName, current.Key.VolumeML)
		if err != nil {
			return err
		}
		liquorType, err := matchLiquorType(brand, req.LiquorType)
		if err != nil {
			return err
		}
		entry, _, err := sc.chain.InsertOrUpdateSale(ctx, stock.SaleInput{
			Key:                current.Key,
			LiquorType:         liquorType,
			Date:               current.Date,
			Quantity:           req.Quantity,
			UnitPrice:          req.UnitPrice,
			CashCollectedByUPI: req.CashCollectedByUPI,
			CashInHand:         req.CashInHand,
			Expenses:           req.Expenses,
		})
		if err != nil {
			return err
		}
		cascaded, err := sc.cascade(ctx, entry)
		if err != nil {
			return err
		}
		rows, err := sc.syncPostings(ctx, ledger.BookShop, saleRef(entry.ID), salePostings(entry))
		if err != nil {
			return err
		}
		result = SaleResult{Entry: entry, Cascaded: cascaded, Ledger: rows}
		return nil
	})
	if err != nil {
		return SaleResult{}, err
	}
	s.record(ctx, req.ActorID, "reconcile:sale.edit", "stock_entry", req.EntryID, map[string]any{
		"key":          before.Key.String(),
		"old_quantity": before.QuantitySold,
		"quantity":     req.Quantity,
		"cascaded":     len(result.Cascaded),
	})
	return result, nil
}

// DeleteSale removes an entry, hands its receipts and transfers to the next
// entry of its key (or the previous one when it was the newest) and cascades
// from the entry before it.
func (s *Service) DeleteSale(ctx context.Context, eventID string, actorID, entryID int64) (DeleteResult, error) {
	if entryID <= 0 {
		return DeleteResult{}, fmt.Errorf("%w: entry id required", ErrValidation)
	}
	before, err := s.repo.GetEntry(ctx, entryID)
	if err != nil {
		return DeleteResult{}, err
	}

	var result DeleteResult
	locks := append([]string{before.Key.String()}, shopLedgerLocks(before.Key.ShopID)...)
	err = s.execute(ctx, "sale.delete", eventID, locks, func(ctx context.Context, sc *txScope) error {
		entry, err := sc.tx.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.Key != before.Key {
			return fmt.Errorf("%w: entry %d moved while waiting for its lock", ErrTransaction, entryID)
		}
		prev, err := sc.tx.EntryBefore(ctx, entry.Key, entry.Date)
		hasPrev, err := present(err, stock.ErrEntryNotFound)
		if err != nil {
			return err
		}
		after, err := sc.tx.EntriesAfter(ctx, entry.Key, entry.Date)
		if err != nil {
			return err
		}
		receipts, err := sc.tx.ReceiptsForEntry(ctx, entry.ID)
		if err != nil {
			return err
		}

		var target *stock.Entry
		targetIsPrev := false
		switch {
		case len(after) > 0:
			target = &after[0]
		case hasPrev:
			target = &prev
			targetIsPrev = true
		}
		if target == nil {
			var attached int64
			for _, r := range receipts {
				attached += r.Pieces
			}
			if entry.Movement != attached {
				return fmt.Errorf("%w: %s entry %d carries %d transferred pieces and has no neighbour to take them", stock.ErrIntegrity, entry.Key, entry.ID, entry.Movement-attached)
			}
		}
		targetID := int64(0)
		if target != nil {
			targetID = target.ID
		}
		if len(receipts) > 0 {
			if err := sc.tx.ReattachReceipts(ctx, entry.ID, targetID); err != nil {
				return err
			}
		}
		if err := sc.tx.DeleteEntry(ctx, entry.ID); err != nil {
			return err
		}

		anchorClosing := int64(0)
		if hasPrev {
			anchorClosing = prev.ClosingBalance
		}
		if target != nil && entry.Movement != 0 {
			if targetIsPrev {
				moved, err := sc.chain.Move(ctx, prev, entry.Movement)
				if err != nil {
					return err
				}
				anchorClosing = moved.ClosingBalance
			} else {
				target.Movement += entry.Movement
				target.ClosingBalance = target.OpeningBalance + target.Movement - target.QuantitySold
				if err := sc.tx.UpdateEntry(ctx, *target); err != nil {
					return err
				}
			}
		}
		cascaded, err := sc.cascadeAfter(ctx, entry.Key, entry.Date, anchorClosing)
		if err != nil {
			return err
		}
		if _, err := sc.syncPostings(ctx, ledger.BookShop, saleRef(entry.ID), nil); err != nil {
			return err
		}
		result = DeleteResult{Cascaded: cascaded, MovedTo: targetID}
		return nil
	})
	if err != nil {
		return DeleteResult{}, err
	}
	s.record(ctx, actorID, "reconcile:sale.delete", "stock_entry", entryID, map[string]any{
		"key":      before.Key.String(),
		"date":     before.Date.Format(shared.DateLayout),
		"moved_to": result.MovedTo,
		"cascaded": len(result.Cascaded),
	})
	return result, nil
}

// salePostings is the cash effect of an entry: what was collected lands as a
// credit, expenses as a debit, on the shop and on the shop book aggregate.
func salePostings(e stock.Entry) []ledger.Posting {
	credit := e.CashCollected()
	debit := e.ExpenseTotal()
	if credit.IsZero() && debit.IsZero() {
		return nil
	}
	desc := fmt.Sprintf("Sale %s %dml x%d", e.Key.BrandName, e.Key.VolumeML, e.QuantitySold)
	return []ledger.Posting{
		{Key: ledger.ShopKey(e.Key.ShopID), Date: e.Date, Description: desc, Debit: debit, Credit: credit},
		{Key: ledger.AllKey(ledger.BookShop), Date: e.Date, Description: desc, Debit: debit, Credit: credit},
	}
}

func matchLiquorType(brand stock.Brand, requested string) (string, error) {
	if requested == "" || requested == brand.LiquorType {
		return brand.LiquorType, nil
	}
	return "", fmt.Errorf("%w: %s %dml is %s, not %s", ErrValidation, brand.Name, brand.VolumeML, brand.LiquorType, requested)
}

func validateKey(shopID int64, brand string, volumeML int) error {
	if shopID <= 0 {
		return fmt.Errorf("%w: shop id required", ErrValidation)
	}
	if stock.CanonicalBrand(brand) == "" {
		return fmt.Errorf("%w: brand name required", ErrValidation)
	}
	if volumeML <= 0 {
		return fmt.Errorf("%w: volume must be positive", ErrValidation)
	}
	return nil
}

func validateSaleAmounts(qty int64, price, upi, cash decimal.Decimal, expenses []stock.Expense) error {
	if qty < 0 {
		return fmt.Errorf("%w: quantity must be >= 0", ErrValidation)
	}
	for name, v := range map[string]decimal.Decimal{"unit price": price, "upi cash": upi, "cash in hand": cash} {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s must be >= 0", ErrValidation, name)
		}
	}
	for _, e := range expenses {
		if e.Amount.IsNegative() {
			return fmt.Errorf("%w: expense %q must be >= 0", ErrValidation, e.Description)
		}
	}
	return nil
}
