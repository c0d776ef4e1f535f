package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TypeDeposit    TransactionType = "deposit"
	TypeWithdrawal TransactionType = "withdrawal"
	TypeTransfer   TransactionType = "transfer"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusFlagged   TransactionStatus = "flagged"
)

// Metadata is a free-form audit bag persisted as JSON alongside a
// transaction (failure causes, review comments, cancellation reasons).
type Metadata map[string]string

// Transaction records a requested balance change and its outcome. Once the
// status is completed or failed the record is immutable except for soft
// deletion.
type Transaction struct {
	ID          int64             `json:"id" db:"id"`
	SenderID    int64             `json:"sender_id" db:"sender_id"`
	RecipientID *int64            `json:"recipient_id,omitempty" db:"recipient_id"`
	Amount      decimal.Decimal   `json:"amount" db:"amount"`
	Currency    string            `json:"currency" db:"currency"`
	Type        TransactionType   `json:"type" db:"type"`
	Status      TransactionStatus `json:"status" db:"status"`
	Description string            `json:"description,omitempty" db:"description"`
	Reference   string            `json:"reference" db:"reference"`
	FraudScore  int               `json:"fraud_score" db:"fraud_score"`
	Flagged     bool              `json:"flagged" db:"flagged"`
	FlagReason  string            `json:"flag_reason,omitempty" db:"flag_reason"`
	ReviewedBy  *int64            `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewedAt  *time.Time        `json:"reviewed_at,omitempty" db:"reviewed_at"`
	Metadata    Metadata          `json:"metadata" db:"metadata"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
	DeletedAt   *time.Time        `json:"deleted_at,omitempty" db:"deleted_at"`
}

// CanTransitionTo enforces the status state machine:
// pending -> {completed, failed, flagged}; flagged -> {completed, failed}.
func (t *Transaction) CanTransitionTo(next TransactionStatus) bool {
	switch t.Status {
	case StatusPending:
		return next == StatusCompleted || next == StatusFailed || next == StatusFlagged
	case StatusFlagged:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// IsTerminal reports whether the transaction can no longer change status.
func (t *Transaction) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}
