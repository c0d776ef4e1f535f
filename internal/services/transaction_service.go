package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/walletpay/backend/internal/audit"
	"github.com/walletpay/backend/internal/fraud"
	"github.com/walletpay/backend/internal/models"
	"github.com/walletpay/backend/internal/notify"
	"github.com/walletpay/backend/internal/store"
)

var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrSelfTransfer        = errors.New("cannot transfer to yourself")
	ErrRecipientNotFound   = errors.New("recipient not found")
	ErrInvalidAction       = errors.New("invalid review action")
	ErrNotTransactionOwner = errors.New("transaction belongs to another user")
)

// FlaggedError is returned when fraud scoring blocks a transaction. The
// record is kept in status flagged for human review; no balance moved.
type FlaggedError struct {
	TransactionID int64    `json:"transaction_id"`
	Reference     string   `json:"reference"`
	FraudScore    int      `json:"fraud_score"`
	Reasons       []string `json:"reasons"`
}

func (e *FlaggedError) Error() string {
	return fmt.Sprintf("transaction %d flagged for review (fraud score %d)", e.TransactionID, e.FraudScore)
}

// TransactionResult is the successful outcome of a deposit, withdrawal or
// transfer: the completed record plus the caller's wallet balance after the
// mutation.
type TransactionResult struct {
	Transaction   *models.Transaction `json:"transaction"`
	WalletBalance decimal.Decimal     `json:"wallet_balance"`
}

// mutationRetries bounds retries when an optimistic balance write loses a
// version race. Insufficient funds is never retried.
const mutationRetries = 3

// TransactionService owns the transaction lifecycle: it creates the pending
// record, runs fraud scoring, applies the ledger mutation exactly once and
// finalizes the status. Every call path ends in a terminal or flagged state.
type TransactionService struct {
	store      store.Store
	fraud      *fraud.Engine
	dispatcher notify.Dispatcher
	audit      *audit.Logger
}

func NewTransactionService(st store.Store, fraudEngine *fraud.Engine, dispatcher notify.Dispatcher) *TransactionService {
	if dispatcher == nil {
		dispatcher = notify.NoopDispatcher{}
	}
	return &TransactionService{
		store:      st,
		fraud:      fraudEngine,
		dispatcher: dispatcher,
		audit:      audit.NewLogger(),
	}
}

// RegisterUser creates a user together with its wallet as one atomic unit.
func (ts *TransactionService) RegisterUser(ctx context.Context, username, email, currency string) (*models.User, *models.Wallet, error) {
	return ts.store.CreateUserWithWallet(ctx, username, email, currency)
}

// GetWallet returns the wallet owned by the given user.
func (ts *TransactionService) GetWallet(ctx context.Context, userID int64) (*models.Wallet, error) {
	return ts.store.GetWalletByUserID(ctx, userID)
}

// Deposit credits the user's wallet. No fraud rules apply to deposits, so
// the scoring pass clears trivially with score 0.
func (ts *TransactionService) Deposit(ctx context.Context, userID int64, amount decimal.Decimal, currency, description string) (*TransactionResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	currency = normalizeCurrency(currency)

	wallet, err := ts.store.GetWalletByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if description == "" {
		description = "Deposit to wallet"
	}
	txn, err := ts.store.CreateTransaction(ctx, &models.Transaction{
		SenderID:    userID,
		Amount:      amount,
		Currency:    currency,
		Type:        models.TypeDeposit,
		Description: description,
	})
	if err != nil {
		return nil, err
	}

	verdict := ts.fraud.Score(ctx, candidateFor(txn))

	wallet, err = ts.mutateWithRetry(ctx, wallet.ID, amount)
	if err != nil {
		return nil, ts.failAfterMutationError(ctx, txn, err)
	}

	return ts.complete(ctx, txn, verdict, wallet)
}

// Withdraw debits the user's wallet after the fraud pass. An insufficient
// balance fails fast before any record is created.
func (ts *TransactionService) Withdraw(ctx context.Context, userID int64, amount decimal.Decimal, currency, description string) (*TransactionResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	currency = normalizeCurrency(currency)

	wallet, err := ts.store.GetWalletByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if wallet.Balance.LessThan(amount) {
		return nil, store.ErrInsufficientFunds
	}

	if description == "" {
		description = "Withdrawal from wallet"
	}
	txn, err := ts.store.CreateTransaction(ctx, &models.Transaction{
		SenderID:    userID,
		Amount:      amount,
		Currency:    currency,
		Type:        models.TypeWithdrawal,
		Description: description,
	})
	if err != nil {
		return nil, err
	}

	verdict := ts.fraud.Score(ctx, candidateFor(txn))
	if verdict.IsFraudulent {
		return nil, ts.flag(ctx, txn, userID, verdict)
	}

	wallet, err = ts.mutateWithRetry(ctx, wallet.ID, amount.Neg())
	if err != nil {
		return nil, ts.failAfterMutationError(ctx, txn, err)
	}

	result, err := ts.complete(ctx, txn, verdict, wallet)
	if err != nil {
		return nil, err
	}
	if verdict.IsLargeTransaction {
		ts.dispatcher.NotifyLargeTransaction(result.Transaction, userID, nil)
	}
	return result, nil
}

// Transfer moves value between two users' wallets as one atomic unit.
func (ts *TransactionService) Transfer(ctx context.Context, senderID, recipientID int64, amount decimal.Decimal, currency, description string) (*TransactionResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if senderID == recipientID {
		return nil, ErrSelfTransfer
	}
	currency = normalizeCurrency(currency)

	senderWallet, err := ts.store.GetWalletByUserID(ctx, senderID)
	if err != nil {
		return nil, err
	}
	if senderWallet.Balance.LessThan(amount) {
		return nil, store.ErrInsufficientFunds
	}

	recipient, err := ts.store.GetUser(ctx, recipientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRecipientNotFound
		}
		return nil, err
	}
	if !recipient.IsActive {
		return nil, ErrRecipientNotFound
	}

	recipientWallet, err := ts.store.GetWalletByUserID(ctx, recipientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRecipientNotFound
		}
		return nil, err
	}

	if description == "" {
		description = "Transfer to another user"
	}
	txn, err := ts.store.CreateTransaction(ctx, &models.Transaction{
		SenderID:    senderID,
		RecipientID: &recipientID,
		Amount:      amount,
		Currency:    currency,
		Type:        models.TypeTransfer,
		Description: description,
	})
	if err != nil {
		return nil, err
	}

	verdict := ts.fraud.Score(ctx, candidateFor(txn))
	if verdict.IsFraudulent {
		return nil, ts.flag(ctx, txn, senderID, verdict)
	}

	senderWallet, _, err = ts.store.TransferBalances(ctx, senderWallet.ID, recipientWallet.ID, amount)
	if err != nil {
		return nil, ts.failAfterMutationError(ctx, txn, err)
	}

	result, err := ts.complete(ctx, txn, verdict, senderWallet)
	if err != nil {
		return nil, err
	}
	if verdict.IsLargeTransaction {
		ts.dispatcher.NotifyLargeTransaction(result.Transaction, senderID, &recipientID)
		ts.dispatcher.NotifyLargeTransaction(result.Transaction, recipientID, &senderID)
	}
	return result, nil
}

// ReviewTransaction resolves a flagged transaction. Approve re-runs the
// deferred mutation and completes the record; reject fails it with no
// mutation ever applied. Only flagged transactions can be reviewed, and
// only once.
func (ts *TransactionService) ReviewTransaction(ctx context.Context, transactionID int64, action string, reviewerID int64, comments string) (*models.Transaction, error) {
	if action != "approve" && action != "reject" {
		return nil, ErrInvalidAction
	}

	txn, err := ts.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.Status != models.StatusFlagged {
		return nil, store.ErrIllegalTransition
	}

	meta := models.Metadata{"reviewAction": action}
	if comments != "" {
		meta["reviewComments"] = comments
	}

	if action == "reject" {
		if comments == "" {
			meta["rejectionReason"] = "Rejected by reviewer"
		} else {
			meta["rejectionReason"] = comments
		}
		resolved, err := ts.store.ResolveReview(ctx, transactionID, models.StatusFailed, reviewerID, meta)
		if err != nil {
			return nil, err
		}
		ts.audit.LogReview(transactionID, resolved.Reference, reviewerID, action, "FAILED")
		return resolved, nil
	}

	undo, err := ts.applyDeferredMutation(ctx, txn)
	if err != nil {
		// The record stays flagged; the review can be retried later.
		log.Printf("[ENGINE] Review approval mutation failed for transaction %d: %v", transactionID, err)
		return nil, err
	}

	resolved, err := ts.store.ResolveReview(ctx, transactionID, models.StatusCompleted, reviewerID, meta)
	if err != nil {
		// Another reviewer resolved it first; roll the mutation back.
		undo(ctx)
		return nil, err
	}
	ts.audit.LogReview(transactionID, resolved.Reference, reviewerID, action, "COMPLETED")
	ts.audit.LogMutation(resolved.ID, resolved.Reference, resolved.SenderID, resolved.Amount, "COMPLETED")
	return resolved, nil
}

// applyDeferredMutation re-runs the original operation's ledger mutation
// for an approved review and returns a compensating rollback.
func (ts *TransactionService) applyDeferredMutation(ctx context.Context, txn *models.Transaction) (func(context.Context), error) {
	senderWallet, err := ts.store.GetWalletByUserID(ctx, txn.SenderID)
	if err != nil {
		return nil, err
	}

	switch txn.Type {
	case models.TypeDeposit:
		if _, err := ts.mutateWithRetry(ctx, senderWallet.ID, txn.Amount); err != nil {
			return nil, err
		}
		return func(ctx context.Context) {
			ts.rollback(ctx, senderWallet.ID, txn.Amount.Neg(), txn)
		}, nil

	case models.TypeWithdrawal:
		if _, err := ts.mutateWithRetry(ctx, senderWallet.ID, txn.Amount.Neg()); err != nil {
			return nil, err
		}
		return func(ctx context.Context) {
			ts.rollback(ctx, senderWallet.ID, txn.Amount, txn)
		}, nil

	case models.TypeTransfer:
		if txn.RecipientID == nil {
			return nil, fmt.Errorf("transfer %d has no recipient", txn.ID)
		}
		recipientWallet, err := ts.store.GetWalletByUserID(ctx, *txn.RecipientID)
		if err != nil {
			return nil, err
		}
		if _, _, err := ts.store.TransferBalances(ctx, senderWallet.ID, recipientWallet.ID, txn.Amount); err != nil {
			return nil, err
		}
		return func(ctx context.Context) {
			if _, _, err := ts.store.TransferBalances(ctx, recipientWallet.ID, senderWallet.ID, txn.Amount); err != nil {
				ts.audit.LogError(txn.ID, txn.Reference, fmt.Errorf("rollback transfer: %w", err))
			}
		}, nil
	}
	return nil, fmt.Errorf("unknown transaction type %q", txn.Type)
}

// CancelTransaction lets the sender abort a pending or flagged transaction.
func (ts *TransactionService) CancelTransaction(ctx context.Context, transactionID, userID int64) (*models.Transaction, error) {
	txn, err := ts.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.SenderID != userID {
		return nil, ErrNotTransactionOwner
	}
	if txn.IsTerminal() {
		return nil, store.ErrIllegalTransition
	}
	return ts.store.FailTransaction(ctx, transactionID, models.Metadata{
		"cancellationReason": "Cancelled by user",
		"cancelledAt":        time.Now().UTC().Format(time.RFC3339),
	})
}

// GetTransaction returns a single transaction record.
func (ts *TransactionService) GetTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	return ts.store.GetTransaction(ctx, id)
}

// GetTransactionHistory lists transactions where the user is sender or
// recipient, newest first.
func (ts *TransactionService) GetTransactionHistory(ctx context.Context, userID int64, filter store.TransactionFilter) ([]models.Transaction, error) {
	filter.UserID = userID
	return ts.store.ListTransactions(ctx, filter)
}

// GetFlaggedTransactions lists records awaiting review.
func (ts *TransactionService) GetFlaggedTransactions(ctx context.Context, limit, offset int) ([]models.Transaction, error) {
	return ts.store.ListTransactions(ctx, store.TransactionFilter{
		Status: models.StatusFlagged,
		Limit:  limit,
		Offset: offset,
	})
}

// DeleteTransaction soft-deletes a record, preserving it for audit.
func (ts *TransactionService) DeleteTransaction(ctx context.Context, id int64) error {
	return ts.store.SoftDeleteTransaction(ctx, id)
}

func (ts *TransactionService) mutateWithRetry(ctx context.Context, walletID int64, delta decimal.Decimal) (*models.Wallet, error) {
	var lastErr error
	for attempt := 0; attempt < mutationRetries; attempt++ {
		wallet, err := ts.store.MutateBalance(ctx, walletID, delta)
		if err == nil {
			return wallet, nil
		}
		if !errors.Is(err, store.ErrMutationConflict) {
			return nil, err
		}
		lastErr = err
		log.Printf("[ENGINE] Balance mutation conflict on wallet %d, attempt %d", walletID, attempt+1)
	}
	return nil, lastErr
}

// flag moves the pending record to flagged, alerts security and returns
// the FlaggedError the caller surfaces instead of a result.
func (ts *TransactionService) flag(ctx context.Context, txn *models.Transaction, userID int64, verdict fraud.Verdict) error {
	reason := strings.Join(verdict.Reasons, ", ")
	flagged, err := ts.store.FlagTransaction(ctx, txn.ID, verdict.FraudScore, reason)
	if err != nil {
		return err
	}
	ts.audit.LogFlagged(flagged.ID, flagged.Reference, verdict.FraudScore, reason)
	ts.dispatcher.NotifySecurityAlert(flagged, userID, reason)
	return &FlaggedError{
		TransactionID: flagged.ID,
		Reference:     flagged.Reference,
		FraudScore:    verdict.FraudScore,
		Reasons:       verdict.Reasons,
	}
}

// complete finalizes a mutated transaction. If the status write fails the
// mutation is rolled back so a completed balance change is never orphaned
// in a non-completed record.
func (ts *TransactionService) complete(ctx context.Context, txn *models.Transaction, verdict fraud.Verdict, wallet *models.Wallet) (*TransactionResult, error) {
	completed, err := ts.store.CompleteTransaction(ctx, txn.ID, verdict.FraudScore)
	if err != nil {
		ts.rollbackMutation(ctx, txn, wallet.ID)
		return nil, ts.failAfterMutationError(ctx, txn, err)
	}
	ts.audit.LogMutation(completed.ID, completed.Reference, completed.SenderID, completed.Amount, "COMPLETED")
	return &TransactionResult{Transaction: completed, WalletBalance: wallet.Balance}, nil
}

func (ts *TransactionService) rollbackMutation(ctx context.Context, txn *models.Transaction, senderWalletID int64) {
	switch txn.Type {
	case models.TypeDeposit:
		ts.rollback(ctx, senderWalletID, txn.Amount.Neg(), txn)
	case models.TypeWithdrawal:
		ts.rollback(ctx, senderWalletID, txn.Amount, txn)
	case models.TypeTransfer:
		if txn.RecipientID == nil {
			return
		}
		recipientWallet, err := ts.store.GetWalletByUserID(ctx, *txn.RecipientID)
		if err != nil {
			ts.audit.LogError(txn.ID, txn.Reference, fmt.Errorf("rollback lookup: %w", err))
			return
		}
		if _, _, err := ts.store.TransferBalances(ctx, recipientWallet.ID, senderWalletID, txn.Amount); err != nil {
			ts.audit.LogError(txn.ID, txn.Reference, fmt.Errorf("rollback transfer: %w", err))
		}
	}
}

func (ts *TransactionService) rollback(ctx context.Context, walletID int64, delta decimal.Decimal, txn *models.Transaction) {
	if _, err := ts.mutateWithRetry(ctx, walletID, delta); err != nil {
		ts.audit.LogError(txn.ID, txn.Reference, fmt.Errorf("rollback mutation: %w", err))
	}
}

// failAfterMutationError marks the transaction failed with the cause in
// metadata and passes the original error through to the caller.
func (ts *TransactionService) failAfterMutationError(ctx context.Context, txn *models.Transaction, cause error) error {
	if _, err := ts.store.FailTransaction(ctx, txn.ID, models.Metadata{"failureReason": cause.Error()}); err != nil {
		log.Printf("[ENGINE] Failed to mark transaction %d failed: %v", txn.ID, err)
	}
	ts.audit.LogError(txn.ID, txn.Reference, cause)
	return cause
}

func candidateFor(txn *models.Transaction) fraud.Candidate {
	return fraud.Candidate{
		SenderID:    txn.SenderID,
		RecipientID: txn.RecipientID,
		Amount:      txn.Amount,
		Currency:    txn.Currency,
		Type:        txn.Type,
	}
}

func normalizeCurrency(currency string) string {
	if currency == "" {
		return "USD"
	}
	return strings.ToUpper(currency)
}
