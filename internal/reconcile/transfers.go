package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/liquorledger/liquorledger/internal/stock"
)

// Transfer moves whole cases of one brand from one shop's newest entry to
// another's. It writes no ledger rows and leaves quota untouched. The
// destination receives a receipt so a shop without a chain yet picks the
// stock up when its first entry is written.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if req.FromShopID <= 0 || req.ToShopID <= 0 {
		return TransferResult{}, fmt.Errorf("%w: source and destination shop required", ErrValidation)
	}
	if req.FromShopID == req.ToShopID {
		return TransferResult{}, fmt.Errorf("%w: source and destination shop must differ", ErrValidation)
	}
	if err := validateKey(req.FromShopID, req.BrandName, req.VolumeML); err != nil {
		return TransferResult{}, err
	}
	if req.Cases <= 0 {
		return TransferResult{}, fmt.Errorf("%w: cases must be positive", ErrValidation)
	}
	date, err := s.businessDate(req.Date)
	if err != nil {
		return TransferResult{}, err
	}
	src := stock.NewKey(req.FromShopID, req.BrandName, req.VolumeML)
	dst := stock.NewKey(req.ToShopID, req.BrandName, req.VolumeML)

	var result TransferResult
	err = s.execute(ctx, "transfer", req.EventID, []string{src.String(), dst.String()}, func(ctx context.Context, sc *txScope) error {
		for _, id := range []int64{req.FromShopID, req.ToShopID} {
			if _, err := sc.tx.GetShop(ctx, id); err != nil {
				return err
			}
		}
		brand, err := sc.tx.GetBrand(ctx, src.BrandName, src.VolumeML)
		if err != nil {
			return err
		}
		if brand.PiecesPerCase <= 0 {
			return fmt.Errorf("%w: %s %dml has no pieces per case", ErrValidation, brand.Name, brand.VolumeML)
		}
		pieces := req.Cases * brand.PiecesPerCase

		latest, err := sc.tx.LatestEntry(ctx, src)
		if errors.Is(err, stock.ErrEntryNotFound) {
			return fmt.Errorf("%w: shop %d holds no %s %dml", stock.ErrNoStockAvailable, req.FromShopID, src.BrandName, src.VolumeML)
		}
		if err != nil {
			return err
		}
		source, err := sc.chain.Move(ctx, latest, -pieces)
		if err != nil {
			return err
		}

		code := "TRF-" + strings.ToUpper(uuid.NewString()[:8])
		receipt, err := sc.tx.InsertReceipt(ctx, stock.Receipt{
			Key:           dst,
			WarehouseName: fmt.Sprintf("shop:%d", req.FromShopID),
			Cases:         req.Cases,
			Pieces:        pieces,
			BillRef:       code,
			Date:          date,
			TransferCode:  code,
		})
		if err != nil {
			return err
		}
		destination, err := sc.attach(ctx, &receipt)
		if err != nil {
			return err
		}
		transfer, err := sc.tx.InsertTransfer(ctx, Transfer{
			Code:          code,
			FromShopID:    req.FromShopID,
			ToShopID:      req.ToShopID,
			BrandName:     src.BrandName,
			VolumeML:      src.VolumeML,
			Cases:         req.Cases,
			Pieces:        pieces,
			Date:          date,
			SourceEntryID: source.ID,
			ReceiptID:     receipt.ID,
		})
		if err != nil {
			return err
		}
		result = TransferResult{Transfer: transfer, Source: source, Destination: destination, Receipt: receipt}
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}
	s.record(ctx, req.ActorID, "reconcile:transfer", "stock_transfer", result.Transfer.ID, map[string]any{
		"code":   result.Transfer.Code,
		"from":   src.String(),
		"to":     dst.String(),
		"pieces": result.Transfer.Pieces,
	})
	return result, nil
}
