package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Wallet holds the mutable balance for a user (1:1). Balance is an exact
// fixed-point decimal and may only change through the transaction engine;
// the store rejects any mutation that would take it below zero.
type Wallet struct {
	ID                int64           `json:"id" db:"id"`
	UserID            int64           `json:"user_id" db:"user_id"`
	Balance           decimal.Decimal `json:"balance" db:"balance"`
	Currency          string          `json:"currency" db:"currency"`
	IsActive          bool            `json:"is_active" db:"is_active"`
	Version           int             `json:"version" db:"version"`
	LastTransactionAt *time.Time      `json:"last_transaction_at,omitempty" db:"last_transaction_at"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
	DeletedAt         *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
}

// FormattedBalance renders the balance with its currency code, e.g. "120.50 USD".
func (w *Wallet) FormattedBalance() string {
	return fmt.Sprintf("%s %s", w.Balance.StringFixed(2), w.Currency)
}
