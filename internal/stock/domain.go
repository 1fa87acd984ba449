package stock

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// LiquorCategory separates goods by the quota regime that applies to them.
type LiquorCategory string

const (
	// CategoryDomestic goods are tracked by case count.
	CategoryDomestic LiquorCategory = "DOMESTIC"
	// CategoryImported goods are tracked by duty value per quarter.
	CategoryImported LiquorCategory = "IMPORTED"
)

// Valid reports whether the category is known.
func (c LiquorCategory) Valid() bool {
	return c == CategoryDomestic || c == CategoryImported
}

// Brand describes a sellable brand+volume combination.
type Brand struct {
	Name          string
	VolumeML      int
	LiquorType    string
	Category      LiquorCategory
	PiecesPerCase int64
	DutyPerCase   decimal.Decimal
}

// Expense is a single cash outflow recorded against a day's sale.
type Expense struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// Entry is one dated row of a stock chain.
//
// Closing = Opening + Movement - QuantitySold. Movement is the signed net stock
// folded onto the entry after it was created (receipts, transfers).
type Entry struct {
	ID                 int64
	Key                Key
	LiquorType         string
	Date               time.Time
	OpeningBalance     int64
	Movement           int64
	QuantitySold       int64
	ClosingBalance     int64
	UnitPrice          decimal.Decimal
	DailyRevenue       decimal.Decimal
	CashCollectedByUPI decimal.Decimal
	CashInHand         decimal.Decimal
	Expenses           []Expense
	ReceiptRef         string
	CreatedAt          time.Time
}

// Available returns the stock on hand before the day's sale.
func (e Entry) Available() int64 {
	return e.OpeningBalance + e.Movement
}

// ExpenseTotal sums the entry's expenses.
func (e Entry) ExpenseTotal() decimal.Decimal {
	total := decimal.Zero
	for _, exp := range e.Expenses {
		total = total.Add(exp.Amount)
	}
	return total
}

// CashCollected is the money the shop actually took in for the day.
func (e Entry) CashCollected() decimal.Decimal {
	return e.CashInHand.Add(e.CashCollectedByUPI)
}

// Receipt records stock delivered to a shop.
type Receipt struct {
	ID            int64
	Key           Key
	WarehouseName string
	Cases         int64
	Pieces        int64
	BillRef       string
	BillAmount    decimal.Decimal
	Date          time.Time
	AffectsQuota  bool
	EntryID       int64
	// QuotaCategory and QuotaDutyPerCase are the brand values quota was
	// consumed with, so reverting gives back exactly that amount.
	QuotaCategory    LiquorCategory
	QuotaDutyPerCase decimal.Decimal
	// TransferCode is set on receipts written by a shop-to-shop transfer.
	TransferCode string
	CreatedAt    time.Time
}

// Pending reports whether the receipt has not been folded onto an entry yet.
func (r Receipt) Pending() bool {
	return r.EntryID == 0
}

// SaleInput carries the fields of a day's sale.
type SaleInput struct {
	Key                Key
	LiquorType         string
	Date               time.Time
	Quantity           int64
	UnitPrice          decimal.Decimal
	CashCollectedByUPI decimal.Decimal
	CashInHand         decimal.Decimal
	Expenses           []Expense
}

var (
	// ErrInsufficientStock indicates the sale exceeds available stock.
	ErrInsufficientStock = errors.New("stock: insufficient stock")
	// ErrNoStockAvailable indicates there is no stock at all for the key.
	ErrNoStockAvailable = errors.New("stock: no stock available")
	// ErrIntegrity indicates a cascade would force a negative balance downstream.
	ErrIntegrity = errors.New("stock: integrity violation")
	// ErrEntryNotFound indicates a missing stock entry.
	ErrEntryNotFound = errors.New("stock: entry not found")
	// ErrReceiptNotFound indicates a missing stock receipt.
	ErrReceiptNotFound = errors.New("stock: receipt not found")
	// ErrBrandNotFound indicates an unknown brand/volume.
	ErrBrandNotFound = errors.New("stock: brand not found")
	// ErrInvalidQuantity indicates a negative quantity.
	ErrInvalidQuantity = errors.New("stock: quantity must be >= 0")
)
