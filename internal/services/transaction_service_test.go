package services

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletpay/backend/internal/fraud"
	"github.com/walletpay/backend/internal/models"
	"github.com/walletpay/backend/internal/store"
)

func newTestService(t *testing.T) (*TransactionService, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	engine := fraud.NewEngine(st, time.Second)
	return NewTransactionService(st, engine, nil), st
}

func registerUser(t *testing.T, ts *TransactionService, username, email string) *models.User {
	t.Helper()
	user, wallet, err := ts.RegisterUser(context.Background(), username, email, "USD")
	require.NoError(t, err)
	require.True(t, wallet.Balance.IsZero())
	return user
}

func deposit(t *testing.T, ts *TransactionService, userID, amount int64) {
	t.Helper()
	_, err := ts.Deposit(context.Background(), userID, decimal.NewFromInt(amount), "USD", "")
	require.NoError(t, err)
}

func TestRegisterUser(t *testing.T) {
	ts, _ := newTestService(t)
	ctx := context.Background()

	t.Run("creates user with empty wallet", func(t *testing.T) {
		user, wallet, err := ts.RegisterUser(ctx, "alice", "alice@example.com", "")
		assert.NoError(t, err)
		assert.Equal(t, user.ID, wallet.UserID)
		assert.Equal(t, "USD", wallet.Currency)
		assert.True(t, wallet.Balance.IsZero())
	})

	t.Run("rejects duplicate email", func(t *testing.T) {
		_, _, err := ts.RegisterUser(ctx, "alice2", "alice@example.com", "USD")
		assert.ErrorIs(t, err, store.ErrDuplicateEmail)
	})
}

func TestDeposit(t *testing.T) {
	ts, _ := newTestService(t)
	ctx := context.Background()
	user := registerUser(t, ts, "alice", "alice@example.com")

	t.Run("credits wallet and completes", func(t *testing.T) {
		result, err := ts.Deposit(ctx, user.ID, decimal.NewFromInt(100), "usd", "top up")
		assert.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, result.Transaction.Status)
		assert.Equal(t, "USD", result.Transaction.Currency)
		assert.NotEmpty(t, result.Transaction.Reference)
		assert.True(t, result.WalletBalance.Equal(decimal.NewFromInt(100)))
	})

	t.Run("large deposit is never flagged", func(t *testing.T) {
		result, err := ts.Deposit(ctx, user.ID, decimal.NewFromInt(500000), "USD", "")
		assert.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, result.Transaction.Status)
		assert.Equal(t, 0, result.Transaction.FraudScore)
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		_, err := ts.Deposit(ctx, user.ID, decimal.Zero, "USD", "")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := ts.Deposit(ctx, 999, decimal.NewFromInt(10), "USD", "")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestWithdraw(t *testing.T) {
	ctx := context.Background()

	t.Run("debits wallet and completes", func(t *testing.T) {
		ts, _ := newTestService(t)
		user := registerUser(t, ts, "alice", "alice@example.com")
		deposit(t, ts, user.ID, 1000)

		result, err := ts.Withdraw(ctx, user.ID, decimal.NewFromInt(200), "USD", "")
		assert.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, result.Transaction.Status)
		assert.True(t, result.WalletBalance.Equal(decimal.NewFromInt(800)))
	})

	t.Run("insufficient funds creates no record", func(t *testing.T) {
		ts, _ := newTestService(t)
		user := registerUser(t, ts, "bob", "bob@example.com")
		deposit(t, ts, user.ID, 100)

		_, err := ts.Withdraw(ctx, user.ID, decimal.NewFromInt(150), "USD", "")
		assert.ErrorIs(t, err, store.ErrInsufficientFunds)

		history, err := ts.GetTransactionHistory(ctx, user.ID, store.TransactionFilter{Type: models.TypeWithdrawal})
		assert.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("suspicious withdrawal is flagged without debiting", func(t *testing.T) {
		ts, _ := newTestService(t)
		user := registerUser(t, ts, "carol", "carol@example.com")
		deposit(t, ts, user.ID, 100000)

		_, err := ts.Withdraw(ctx, user.ID, decimal.NewFromInt(80000), "USD", "")

		var flagged *FlaggedError
		require.ErrorAs(t, err, &flagged)
		assert.GreaterOrEqual(t, flagged.FraudScore, 70)
		assert.NotEmpty(t, flagged.Reasons)

		txn, err := ts.GetTransaction(ctx, flagged.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFlagged, txn.Status)
		assert.True(t, txn.Flagged)

		wallet, err := ts.GetWallet(ctx, user.ID)
		require.NoError(t, err)
		assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(100000)))
	})
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()

	t.Run("moves funds between wallets", func(t *testing.T) {
		ts, _ := newTestService(t)
		sender := registerUser(t, ts, "alice", "alice@example.com")
		recipient := registerUser(t, ts, "bob", "bob@example.com")
		deposit(t, ts, sender.ID, 500)

		result, err := ts.Transfer(ctx, sender.ID, recipient.ID, decimal.NewFromInt(200), "USD", "rent")
		assert.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, result.Transaction.Status)
		assert.True(t, result.WalletBalance.Equal(decimal.NewFromInt(300)))

		recipientWallet, err := ts.GetWallet(ctx, recipient.ID)
		require.NoError(t, err)
		assert.True(t, recipientWallet.Balance.Equal(decimal.NewFromInt(200)))
	})

	t.Run("rejects self transfer", func(t *testing.T) {
		ts, _ := newTestService(t)
		user := registerUser(t, ts, "solo", "solo@example.com")
		_, err := ts.Transfer(ctx, user.ID, user.ID, decimal.NewFromInt(10), "USD", "")
		assert.ErrorIs(t, err, ErrSelfTransfer)
	})

	t.Run("rejects unknown recipient", func(t *testing.T) {
		ts, _ := newTestService(t)
		sender := registerUser(t, ts, "alice", "alice@example.com")
		deposit(t, ts, sender.ID, 100)
		_, err := ts.Transfer(ctx, sender.ID, 999, decimal.NewFromInt(10), "USD", "")
		assert.ErrorIs(t, err, ErrRecipientNotFound)
	})

	t.Run("rejects inactive recipient", func(t *testing.T) {
		ts, st := newTestService(t)
		sender := registerUser(t, ts, "alice", "alice@example.com")
		recipient := registerUser(t, ts, "bob", "bob@example.com")
		deposit(t, ts, sender.ID, 100)
		require.NoError(t, st.SetUserActive(recipient.ID, false))

		_, err := ts.Transfer(ctx, sender.ID, recipient.ID, decimal.NewFromInt(10), "USD", "")
		assert.ErrorIs(t, err, ErrRecipientNotFound)
	})

	t.Run("rapid repeated transfers get flagged", func(t *testing.T) {
		ts, _ := newTestService(t)
		sender := registerUser(t, ts, "alice", "alice@example.com")
		recipient := registerUser(t, ts, "bob", "bob@example.com")
		deposit(t, ts, sender.ID, 1000)

		for i := 0; i < 3; i++ {
			_, err := ts.Transfer(ctx, sender.ID, recipient.ID, decimal.NewFromInt(10), "USD", "")
			require.NoError(t, err)
		}

		// Fourth transfer trips both the frequency and the repeated
		// recipient rules.
		_, err := ts.Transfer(ctx, sender.ID, recipient.ID, decimal.NewFromInt(10), "USD", "")
		var flagged *FlaggedError
		require.ErrorAs(t, err, &flagged)
		assert.GreaterOrEqual(t, flagged.FraudScore, 70)

		wallet, err := ts.GetWallet(ctx, sender.ID)
		require.NoError(t, err)
		assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(970)))
	})
}

func TestReviewTransaction(t *testing.T) {
	ctx := context.Background()
	reviewerID := int64(42)

	flagWithdrawal := func(t *testing.T, ts *TransactionService, userID int64) int64 {
		t.Helper()
		_, err := ts.Withdraw(ctx, userID, decimal.NewFromInt(80000), "USD", "")
		var flagged *FlaggedError
		require.ErrorAs(t, err, &flagged)
		return flagged.TransactionID
	}

	t.Run("approve applies the deferred debit", func(t *testing.T) {
		ts, _ := newTestService(t)
		user := registerUser(t, ts, "alice", "alice@example.com")
		deposit(t, ts, user.ID, 100000)
		txnID := flagWithdrawal(t, ts, user.ID)

		txn, err := ts.ReviewTransaction(ctx, txnID, "approve", reviewerID, "verified with customer")
		assert.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, txn.Status)
		assert.False(t, txn.Flagged)
		require.NotNil(t, txn.ReviewedBy)
		assert.Equal(t, reviewerID, *txn.ReviewedBy)

		wallet, err := ts.GetWallet(ctx, user.ID)
		require.NoError(t, err)
		assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(20000)))
	})

	t.Run("reject fails the record without touching the balance", func(t *testing.T) {
		ts, _ := newTestService(t)
		user := registerUser(t, ts, "bob", "bob@example.com")
		deposit(t, ts, user.ID, 100000)
		txnID := flagWithdrawal(t, ts, user.ID)

		txn, err := ts.ReviewTransaction(ctx, txnID, "reject", reviewerID, "cannot verify")
		assert.NoError(t, err)
		assert.Equal(t, models.StatusFailed, txn.Status)
		assert.Equal(t, "cannot verify", txn.Metadata["rejectionReason"])

		wallet, err := ts.GetWallet(ctx, user.ID)
		require.NoError(t, err)
		assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(100000)))
	})

	t.Run("approve fails when funds are gone and stays flagged", func(t *testing.T) {
		ts, _ := newTestService(t)
		user := registerUser(t, ts, "carol", "carol@example.com")
		deposit(t, ts, user.ID, 100000)
		txnID := flagWithdrawal(t, ts, user.ID)

		// Drain most of the balance before the review happens.
		_, err := ts.Withdraw(ctx, user.ID, decimal.NewFromInt(30000), "USD", "")
		require.NoError(t, err)

		_, err = ts.ReviewTransaction(ctx, txnID, "approve", reviewerID, "")
		assert.ErrorIs(t, err, store.ErrInsufficientFunds)

		txn, err := ts.GetTransaction(ctx, txnID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFlagged, txn.Status)
	})

	t.Run("rejects unknown action", func(t *testing.T) {
		ts, _ := newTestService(t)
		_, err := ts.ReviewTransaction(ctx, 1, "escalate", reviewerID, "")
		assert.ErrorIs(t, err, ErrInvalidAction)
	})

	t.Run("completed transaction cannot be reviewed", func(t *testing.T) {
		ts, _ := newTestService(t)
		user := registerUser(t, ts, "dan", "dan@example.com")
		deposit(t, ts, user.ID, 100)

		result, err := ts.Withdraw(ctx, user.ID, decimal.NewFromInt(10), "USD", "")
		require.NoError(t, err)

		_, err = ts.ReviewTransaction(ctx, result.Transaction.ID, "approve", reviewerID, "")
		assert.ErrorIs(t, err, store.ErrIllegalTransition)
	})
}

func TestCancelTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("owner cancels a flagged transaction", func(t *testing.T) {
		ts, _ := newTestService(t)
		user := registerUser(t, ts, "alice", "alice@example.com")
		deposit(t, ts, user.ID, 100000)

		_, err := ts.Withdraw(ctx, user.ID, decimal.NewFromInt(80000), "USD", "")
		var flagged *FlaggedError
		require.ErrorAs(t, err, &flagged)

		txn, err := ts.CancelTransaction(ctx, flagged.TransactionID, user.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.StatusFailed, txn.Status)
		assert.Equal(t, "Cancelled by user", txn.Metadata["cancellationReason"])
	})

	t.Run("non-owner cannot cancel", func(t *testing.T) {
		ts, _ := newTestService(t)
		user := registerUser(t, ts, "alice", "alice@example.com")
		other := registerUser(t, ts, "bob", "bob@example.com")
		deposit(t, ts, user.ID, 100000)

		_, err := ts.Withdraw(ctx, user.ID, decimal.NewFromInt(80000), "USD", "")
		var flagged *FlaggedError
		require.ErrorAs(t, err, &flagged)

		_, err = ts.CancelTransaction(ctx, flagged.TransactionID, other.ID)
		assert.ErrorIs(t, err, ErrNotTransactionOwner)
	})

	t.Run("completed transaction cannot be cancelled", func(t *testing.T) {
		ts, _ := newTestService(t)
		user := registerUser(t, ts, "alice", "alice@example.com")
		deposit(t, ts, user.ID, 100)

		result, err := ts.Withdraw(ctx, user.ID, decimal.NewFromInt(10), "USD", "")
		require.NoError(t, err)

		_, err = ts.CancelTransaction(ctx, result.Transaction.ID, user.ID)
		assert.ErrorIs(t, err, store.ErrIllegalTransition)
	})
}

func TestTransactionHistory(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestService(t)
	sender := registerUser(t, ts, "alice", "alice@example.com")
	recipient := registerUser(t, ts, "bob", "bob@example.com")
	deposit(t, ts, sender.ID, 1000)

	_, err := ts.Transfer(ctx, sender.ID, recipient.ID, decimal.NewFromInt(50), "USD", "")
	require.NoError(t, err)

	t.Run("recipient sees incoming transfer", func(t *testing.T) {
		history, err := ts.GetTransactionHistory(ctx, recipient.ID, store.TransactionFilter{})
		assert.NoError(t, err)
		assert.Len(t, history, 1)
		assert.Equal(t, models.TypeTransfer, history[0].Type)
	})

	t.Run("type filter", func(t *testing.T) {
		history, err := ts.GetTransactionHistory(ctx, sender.ID, store.TransactionFilter{Type: models.TypeDeposit})
		assert.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("deleted transactions disappear", func(t *testing.T) {
		history, err := ts.GetTransactionHistory(ctx, sender.ID, store.TransactionFilter{})
		require.NoError(t, err)
		require.NotEmpty(t, history)

		require.NoError(t, ts.DeleteTransaction(ctx, history[0].ID))

		after, err := ts.GetTransactionHistory(ctx, sender.ID, store.TransactionFilter{})
		assert.NoError(t, err)
		assert.Len(t, after, len(history)-1)
	})
}

func TestGetFlaggedTransactions(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestService(t)
	user := registerUser(t, ts, "alice", "alice@example.com")
	deposit(t, ts, user.ID, 100000)

	_, err := ts.Withdraw(ctx, user.ID, decimal.NewFromInt(80000), "USD", "")
	var flagged *FlaggedError
	require.ErrorAs(t, err, &flagged)

	list, err := ts.GetFlaggedTransactions(ctx, 10, 0)
	assert.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, flagged.TransactionID, list[0].ID)
}
