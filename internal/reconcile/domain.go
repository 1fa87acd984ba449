package reconcile

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/liquorledger/liquorledger/internal/ledger"
	"github.com/liquorledger/liquorledger/internal/quota"
	"github.com/liquorledger/liquorledger/internal/stock"
)

// SaleRequest records one day's sale for a (shop, brand, volume) key.
type SaleRequest struct {
	EventID            string
	ActorID            int64
	ShopID             int64
	BrandName          string
	VolumeML           int
	LiquorType         string
	Date               time.Time
	Quantity           int64
	UnitPrice          decimal.Decimal
	CashCollectedByUPI decimal.Decimal
	CashInHand         decimal.Decimal
	Expenses           []stock.Expense
}

// EditSaleRequest replaces the sale fields of an existing entry.
type EditSaleRequest struct {
	EventID            string
	ActorID            int64
	EntryID            int64
	LiquorType         string
	Quantity           int64
	UnitPrice          decimal.Decimal
	CashCollectedByUPI decimal.Decimal
	CashInHand         decimal.Decimal
	Expenses           []stock.Expense
}

// SaleResult reports the written entry and everything its cascade touched.
type SaleResult struct {
	Entry     stock.Entry
	Backdated bool
	Cascaded  []stock.Entry
	Ledger    []ledger.Row
}

// DeleteResult reports what a deletion rewrote.
type DeleteResult struct {
	Cascaded []stock.Entry
	// MovedTo is the entry that took over the deleted entry's receipts, zero
	// when they went back to pending.
	MovedTo int64
}

// ReceiptRequest records stock delivered to a shop. Pieces defaults to
// Cases × the brand's pieces per case.
type ReceiptRequest struct {
	EventID       string
	ActorID       int64
	ShopID        int64
	BrandName     string
	VolumeML      int
	WarehouseName string
	Cases         int64
	Pieces        int64
	BillRef       string
	BillAmount    decimal.Decimal
	Date          time.Time
	AffectsQuota  bool
}

// ReceiptResult reports a receipt and its stock, quota and ledger effects.
type ReceiptResult struct {
	Receipt  stock.Receipt
	Entry    *stock.Entry
	Cascaded []stock.Entry
	Shop     *quota.Shop
	Ledger   []ledger.Row
}

// TransferRequest moves cases of one brand between two shops.
type TransferRequest struct {
	EventID    string
	ActorID    int64
	FromShopID int64
	ToShopID   int64
	BrandName  string
	VolumeML   int
	Cases      int64
	Date       time.Time
}

// Transfer is the stored record of a cross-shop move.
type Transfer struct {
	ID            int64
	Code          string
	FromShopID    int64
	ToShopID      int64
	BrandName     string
	VolumeML      int
	Cases         int64
	Pieces        int64
	Date          time.Time
	SourceEntryID int64
	ReceiptID     int64
	CreatedAt     time.Time
}

// TransferResult reports both sides of a transfer.
type TransferResult struct {
	Transfer    Transfer
	Source      stock.Entry
	Destination *stock.Entry
	Receipt     stock.Receipt
}

// Direction is the side of the ledger a payment lands on.
type Direction string

const (
	// DirectionCredit increases the balance.
	DirectionCredit Direction = "credit"
	// DirectionDebit decreases the balance.
	DirectionDebit Direction = "debit"
)

// PaymentRequest records money moving in or out of a shop or warehouse.
// Exactly one of ShopID and WarehouseName is set.
type PaymentRequest struct {
	EventID       string
	ActorID       int64
	ShopID        int64
	WarehouseName string
	Date          time.Time
	Amount        decimal.Decimal
	Direction     Direction
	Description   string
}

// PaymentResult reports the rows written for a payment.
type PaymentResult struct {
	Ref  string
	Rows []ledger.Row
}

// Violation is one key that failed verification.
type Violation struct {
	Kind   string `json:"kind"`
	Key    string `json:"key"`
	Detail string `json:"detail"`
}

// RebuildResult reports how many rows a rebuild rewrote.
type RebuildResult struct {
	Key       string `json:"key"`
	Rewritten int    `json:"rewritten"`
}

// Balance is the cached read model of one ledger key.
type Balance struct {
	Book    ledger.Book     `json:"book"`
	Key     string          `json:"key"`
	Balance decimal.Decimal `json:"balance"`
	AsOf    *time.Time      `json:"as_of,omitempty"`
}

// ClosingStock is the cached read model of one chain key.
type ClosingStock struct {
	ShopID    int64      `json:"shop_id"`
	BrandName string     `json:"brand_name"`
	VolumeML  int        `json:"volume_ml"`
	Closing   int64      `json:"closing"`
	AsOf      *time.Time `json:"as_of,omitempty"`
}

const (
	saleRefPrefix    = "sale:"
	receiptRefPrefix = "receipt:"
	paymentRefPrefix = "payment:"
)

func saleRef(entryID int64) string {
	return fmt.Sprintf("%s%d", saleRefPrefix, entryID)
}

func receiptRef(receiptID int64) string {
	return fmt.Sprintf("%s%d", receiptRefPrefix, receiptID)
}
