package reconcile

import (
	"errors"

	"github.com/liquorledger/liquorledger/internal/ledger"
	"github.com/liquorledger/liquorledger/internal/quota"
	"github.com/liquorledger/liquorledger/internal/shared"
	"github.com/liquorledger/liquorledger/internal/stock"
)

// Kind classifies a flow failure for callers.
type Kind string

// Failure kinds surfaced to callers.
const (
	KindNotFound          Kind = "NotFound"
	KindValidation        Kind = "ValidationError"
	KindInsufficientStock Kind = "InsufficientStock"
	KindDuplicate         Kind = "DuplicateEntry"
	KindIntegrity         Kind = "StockIntegrityError"
	KindTransaction       Kind = "TransactionFailure"
)

var (
	// ErrValidation indicates missing or malformed request fields.
	ErrValidation = errors.New("reconcile: validation failed")
	// ErrNotFound indicates a missing record not covered by a package sentinel.
	ErrNotFound = errors.New("reconcile: not found")
	// ErrDuplicateEntry indicates a stock entry already exists for the key and date.
	ErrDuplicateEntry = errors.New("reconcile: duplicate entry")
	// ErrTransaction indicates the store could not complete the flow.
	ErrTransaction = errors.New("reconcile: transaction failed")
)

// KindOf maps err onto the failure taxonomy. Unknown errors are store
// failures.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation),
		errors.Is(err, stock.ErrInvalidQuantity),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, quota.ErrCategoryMismatch),
		errors.Is(err, quota.ErrInvalidCases):
		return KindValidation
	case errors.Is(err, ErrNotFound),
		errors.Is(err, stock.ErrEntryNotFound),
		errors.Is(err, stock.ErrReceiptNotFound),
		errors.Is(err, stock.ErrBrandNotFound),
		errors.Is(err, quota.ErrShopNotFound),
		errors.Is(err, ledger.ErrRowNotFound):
		return KindNotFound
	case errors.Is(err, stock.ErrInsufficientStock),
		errors.Is(err, stock.ErrNoStockAvailable):
		return KindInsufficientStock
	case errors.Is(err, ErrDuplicateEntry),
		errors.Is(err, shared.ErrIdempotencyConflict):
		return KindDuplicate
	case errors.Is(err, stock.ErrIntegrity),
		errors.Is(err, ledger.ErrIntegrity),
		errors.Is(err, ledger.ErrNegativeBalance):
		return KindIntegrity
	default:
		return KindTransaction
	}
}
