package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/walletpay/backend/internal/models"
)

// Sentinel errors returned by Store implementations. Callers compare with
// errors.Is; anything else is a storage failure.
var (
	ErrNotFound           = errors.New("record not found")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrMutationConflict   = errors.New("concurrent mutation conflict")
	ErrDuplicateReference = errors.New("transaction reference already exists")
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrIllegalTransition  = errors.New("illegal status transition")
)

// WithdrawalStats summarises a user's completed withdrawals inside a
// lookback window, for fraud scoring.
type WithdrawalStats struct {
	Count   int
	Average decimal.Decimal
	Max     decimal.Decimal
}

// TransactionFilter narrows ListTransactions. Zero values mean "no filter".
type TransactionFilter struct {
	UserID    int64 // matches sender or recipient
	SenderID  int64
	Status    models.TransactionStatus
	Type      models.TransactionType
	Reference string
	StartDate *time.Time
	EndDate   *time.Time
	MinAmount *decimal.Decimal
	MaxAmount *decimal.Decimal
	Limit     int
	Offset    int
}

// Store is the durable account store: users, wallets and transactions.
// Balance mutations are serialized per wallet; TransferBalances moves value
// between two wallets as one atomic unit.
type Store interface {
	CreateUserWithWallet(ctx context.Context, username, email, currency string) (*models.User, *models.Wallet, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetWalletByUserID(ctx context.Context, userID int64) (*models.Wallet, error)

	// MutateBalance applies delta (positive credit, negative debit) only if
	// the resulting balance stays >= 0, otherwise ErrInsufficientFunds with
	// no partial write. A lost optimistic-lock race is ErrMutationConflict.
	MutateBalance(ctx context.Context, walletID int64, delta decimal.Decimal) (*models.Wallet, error)

	// TransferBalances debits the sender and credits the recipient as a
	// single all-or-nothing unit, locking both wallets in ascending id order.
	TransferBalances(ctx context.Context, senderWalletID, recipientWalletID int64, amount decimal.Decimal) (*models.Wallet, *models.Wallet, error)

	CreateTransaction(ctx context.Context, txn *models.Transaction) (*models.Transaction, error)
	GetTransaction(ctx context.Context, id int64) (*models.Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]models.Transaction, error)
	SoftDeleteTransaction(ctx context.Context, id int64) error

	// Status transitions. Each compares the current status before writing
	// and returns ErrIllegalTransition when the record is not in the
	// expected state, so a transition can never be applied twice.
	CompleteTransaction(ctx context.Context, id int64, fraudScore int) (*models.Transaction, error)
	FlagTransaction(ctx context.Context, id int64, fraudScore int, reason string) (*models.Transaction, error)
	FailTransaction(ctx context.Context, id int64, meta models.Metadata) (*models.Transaction, error)
	ResolveReview(ctx context.Context, id int64, status models.TransactionStatus, reviewerID int64, meta models.Metadata) (*models.Transaction, error)

	// Fraud history lookups, wall-clock windows relative to now.
	CountCompletedTransfers(ctx context.Context, senderID int64, since time.Time) (int, error)
	CountTransfersToRecipient(ctx context.Context, senderID, recipientID int64, since time.Time) (int, error)
	WithdrawalStats(ctx context.Context, senderID int64, since time.Time) (WithdrawalStats, error)
}

// NewReference generates a human-traceable, globally unique transaction
// reference, e.g. TRX-1756710000123-a1b2c3d4.
func NewReference() string {
	return fmt.Sprintf("TRX-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// referenceRetries bounds regeneration attempts on a reference collision.
const referenceRetries = 3

func jitter() time.Duration {
	return time.Duration(rand.Intn(5)+1) * time.Millisecond
}
