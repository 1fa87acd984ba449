package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Row is one dated line of a running-balance ledger.
type Row struct {
	ID          int64
	Key         Key
	Date        time.Time
	Description string
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	Balance     decimal.Decimal
	SourceRef   string
	CreatedAt   time.Time
}

// Net is the row's effect on the running balance.
func (r Row) Net() decimal.Decimal {
	return r.Credit.Sub(r.Debit)
}

// Before reports whether r is positioned before other in (date, id) order.
func (r Row) Before(other Row) bool {
	if !r.Date.Equal(other.Date) {
		return r.Date.Before(other.Date)
	}
	return r.ID < other.ID
}

// Posting describes a row to append.
type Posting struct {
	Key         Key
	Date        time.Time
	Description string
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	SourceRef   string
}

var (
	// ErrRowNotFound indicates a missing ledger row.
	ErrRowNotFound = errors.New("ledger: row not found")
	// ErrNegativeBalance indicates a posting or cascade would drive a balance below zero.
	ErrNegativeBalance = errors.New("ledger: balance would become negative")
	// ErrIntegrity indicates stored balances do not follow the running-balance rule.
	ErrIntegrity = errors.New("ledger: integrity violation")
	// ErrInvalidAmount indicates a negative debit or credit.
	ErrInvalidAmount = errors.New("ledger: debit and credit must be >= 0")
)
