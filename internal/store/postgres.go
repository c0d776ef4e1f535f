package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/walletpay/backend/internal/models"
)

const pqUniqueViolation = "23505"

// PostgresStore is the durable Store implementation on PostgreSQL. Single
// wallet mutations use optimistic version checks; transfers lock both rows
// FOR UPDATE in ascending id order so crossing transfers cannot deadlock.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateUserWithWallet(ctx context.Context, username, email, currency string) (*models.User, *models.Wallet, error) {
	if currency == "" {
		currency = "USD"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin create user: %w", err)
	}
	defer tx.Rollback()

	user := &models.User{Username: username, Email: email, IsActive: true}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (username, email, is_active, created_at, updated_at)
		VALUES ($1, $2, TRUE, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		username, email,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pqUniqueViolation {
			return nil, nil, ErrDuplicateEmail
		}
		return nil, nil, fmt.Errorf("insert user: %w", err)
	}

	wallet := &models.Wallet{
		UserID:   user.ID,
		Balance:  decimal.Zero,
		Currency: currency,
		IsActive: true,
		Version:  1,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO wallets (user_id, balance, currency, is_active, version, created_at, updated_at)
		VALUES ($1, 0, $2, TRUE, 1, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		user.ID, currency,
	).Scan(&wallet.ID, &wallet.CreatedAt, &wallet.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("insert wallet: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit create user: %w", err)
	}
	return user, wallet, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	user := &models.User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, is_active, created_at, updated_at
		FROM users
		WHERE id = $1 AND deleted_at IS NULL`,
		id,
	).Scan(&user.ID, &user.Username, &user.Email, &user.IsActive, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return user, nil
}

func (s *PostgresStore) GetWalletByUserID(ctx context.Context, userID int64) (*models.Wallet, error) {
	wallet := &models.Wallet{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, balance, currency, is_active, version, last_transaction_at, created_at, updated_at
		FROM wallets
		WHERE user_id = $1 AND deleted_at IS NULL`,
		userID,
	).Scan(&wallet.ID, &wallet.UserID, &wallet.Balance, &wallet.Currency,
		&wallet.IsActive, &wallet.Version, &wallet.LastTransactionAt,
		&wallet.CreatedAt, &wallet.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet for user %d: %w", userID, err)
	}
	return wallet, nil
}

func (s *PostgresStore) MutateBalance(ctx context.Context, walletID int64, delta decimal.Decimal) (*models.Wallet, error) {
	wallet := &models.Wallet{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, balance, currency, is_active, version, created_at
		FROM wallets
		WHERE id = $1 AND deleted_at IS NULL`,
		walletID,
	).Scan(&wallet.ID, &wallet.UserID, &wallet.Balance, &wallet.Currency,
		&wallet.IsActive, &wallet.Version, &wallet.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read wallet %d: %w", walletID, err)
	}

	newBalance := wallet.Balance.Add(delta)
	if newBalance.IsNegative() {
		return nil, ErrInsufficientFunds
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE wallets
		SET balance = $1, version = version + 1, last_transaction_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND version = $3`,
		newBalance, walletID, wallet.Version)
	if err != nil {
		return nil, fmt.Errorf("update wallet %d: %w", walletID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// Another mutation won the version race.
		return nil, ErrMutationConflict
	}

	wallet.Balance = newBalance
	wallet.Version++
	return wallet, nil
}

func (s *PostgresStore) TransferBalances(ctx context.Context, senderWalletID, recipientWalletID int64, amount decimal.Decimal) (*models.Wallet, *models.Wallet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transfer: %w", err)
	}
	defer tx.Rollback()

	// Lock wallets in ascending id order to prevent deadlocks between
	// crossing transfers.
	firstLock, secondLock := senderWalletID, recipientWalletID
	if firstLock > secondLock {
		firstLock, secondLock = secondLock, firstLock
	}

	first, err := s.lockWallet(ctx, tx, firstLock)
	if err != nil {
		return nil, nil, err
	}
	second, err := s.lockWallet(ctx, tx, secondLock)
	if err != nil {
		return nil, nil, err
	}

	sender, recipient := first, second
	if firstLock != senderWalletID {
		sender, recipient = second, first
	}

	if sender.Balance.LessThan(amount) {
		return nil, nil, ErrInsufficientFunds
	}

	sender.Balance = sender.Balance.Sub(amount)
	recipient.Balance = recipient.Balance.Add(amount)

	if err := s.writeLockedBalance(ctx, tx, sender); err != nil {
		return nil, nil, err
	}
	if err := s.writeLockedBalance(ctx, tx, recipient); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit transfer: %w", err)
	}
	sender.Version++
	recipient.Version++
	return sender, recipient, nil
}

func (s *PostgresStore) lockWallet(ctx context.Context, tx *sql.Tx, walletID int64) (*models.Wallet, error) {
	wallet := &models.Wallet{}
	err := tx.QueryRowContext(ctx, `
		SELECT id, user_id, balance, currency, is_active, version
		FROM wallets
		WHERE id = $1 AND deleted_at IS NULL
		FOR UPDATE`,
		walletID,
	).Scan(&wallet.ID, &wallet.UserID, &wallet.Balance, &wallet.Currency, &wallet.IsActive, &wallet.Version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock wallet %d: %w", walletID, err)
	}
	return wallet, nil
}

func (s *PostgresStore) writeLockedBalance(ctx context.Context, tx *sql.Tx, wallet *models.Wallet) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE wallets
		SET balance = $1, version = version + 1, last_transaction_at = NOW(), updated_at = NOW()
		WHERE id = $2`,
		wallet.Balance, wallet.ID)
	if err != nil {
		return fmt.Errorf("write wallet %d: %w", wallet.ID, err)
	}
	return nil
}

func (s *PostgresStore) CreateTransaction(ctx context.Context, txn *models.Transaction) (*models.Transaction, error) {
	suppliedRef := txn.Reference != ""
	if txn.Metadata == nil {
		txn.Metadata = models.Metadata{}
	}
	if txn.Status == "" {
		txn.Status = models.StatusPending
	}
	metaJSON, err := json.Marshal(txn.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	for attempt := 0; attempt < referenceRetries; attempt++ {
		if txn.Reference == "" {
			txn.Reference = NewReference()
		}

		err = s.db.QueryRowContext(ctx, `
			INSERT INTO transactions
			(sender_id, recipient_id, amount, currency, type, status, description, reference, fraud_score, flagged, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
			RETURNING id, created_at, updated_at`,
			txn.SenderID, txn.RecipientID, txn.Amount, txn.Currency, txn.Type,
			txn.Status, txn.Description, txn.Reference, txn.FraudScore, txn.Flagged, metaJSON,
		).Scan(&txn.ID, &txn.CreatedAt, &txn.UpdatedAt)
		if err == nil {
			return txn, nil
		}

		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pqUniqueViolation {
			if suppliedRef {
				return nil, ErrDuplicateReference
			}
			log.Printf("[STORE] Reference collision on %s, regenerating", txn.Reference)
			txn.Reference = ""
			time.Sleep(jitter())
			continue
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	return nil, ErrDuplicateReference
}

const transactionColumns = `
	id, sender_id, recipient_id, amount, currency, type, status,
	COALESCE(description, ''), reference, fraud_score, flagged,
	COALESCE(flag_reason, ''), reviewed_by, reviewed_at, metadata,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	txn := &models.Transaction{}
	var recipientID, reviewedBy sql.NullInt64
	var reviewedAt sql.NullTime
	var metaJSON []byte

	err := row.Scan(&txn.ID, &txn.SenderID, &recipientID, &txn.Amount, &txn.Currency,
		&txn.Type, &txn.Status, &txn.Description, &txn.Reference, &txn.FraudScore,
		&txn.Flagged, &txn.FlagReason, &reviewedBy, &reviewedAt, &metaJSON,
		&txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if recipientID.Valid {
		txn.RecipientID = &recipientID.Int64
	}
	if reviewedBy.Valid {
		txn.ReviewedBy = &reviewedBy.Int64
	}
	if reviewedAt.Valid {
		txn.ReviewedAt = &reviewedAt.Time
	}
	txn.Metadata = models.Metadata{}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &txn.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return txn, nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE id = $1 AND deleted_at IS NULL`, id)
	txn, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %d: %w", id, err)
	}
	return txn, nil
}

func (s *PostgresStore) CompleteTransaction(ctx context.Context, id int64, fraudScore int) (*models.Transaction, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, fraud_score = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4 AND deleted_at IS NULL`,
		models.StatusCompleted, fraudScore, id, models.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("complete transaction %d: %w", id, err)
	}
	return s.afterTransition(ctx, id, result)
}

func (s *PostgresStore) FlagTransaction(ctx context.Context, id int64, fraudScore int, reason string) (*models.Transaction, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, flagged = TRUE, flag_reason = $2, fraud_score = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5 AND deleted_at IS NULL`,
		models.StatusFlagged, reason, fraudScore, id, models.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("flag transaction %d: %w", id, err)
	}
	return s.afterTransition(ctx, id, result)
}

func (s *PostgresStore) FailTransaction(ctx context.Context, id int64, meta models.Metadata) (*models.Transaction, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, metadata = metadata || $2::jsonb, updated_at = NOW()
		WHERE id = $3 AND status IN ($4, $5) AND deleted_at IS NULL`,
		models.StatusFailed, metaJSON, id, models.StatusPending, models.StatusFlagged)
	if err != nil {
		return nil, fmt.Errorf("fail transaction %d: %w", id, err)
	}
	return s.afterTransition(ctx, id, result)
}

func (s *PostgresStore) ResolveReview(ctx context.Context, id int64, status models.TransactionStatus, reviewerID int64, meta models.Metadata) (*models.Transaction, error) {
	if status != models.StatusCompleted && status != models.StatusFailed {
		return nil, ErrIllegalTransition
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, flagged = FALSE, reviewed_by = $2, reviewed_at = NOW(),
		    metadata = metadata || $3::jsonb, updated_at = NOW()
		WHERE id = $4 AND status = $5 AND deleted_at IS NULL`,
		status, reviewerID, metaJSON, id, models.StatusFlagged)
	if err != nil {
		return nil, fmt.Errorf("resolve review %d: %w", id, err)
	}
	return s.afterTransition(ctx, id, result)
}

// afterTransition distinguishes a missing record from a lost state-machine
// race after a guarded UPDATE touched zero rows.
func (s *PostgresStore) afterTransition(ctx context.Context, id int64, result sql.Result) (*models.Transaction, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		if _, getErr := s.GetTransaction(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrIllegalTransition
	}
	return s.GetTransaction(ctx, id)
}

func (s *PostgresStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]models.Transaction, error) {
	conditions := []string{"deleted_at IS NULL"}
	var args []any
	argIndex := 1

	add := func(cond string, value any) {
		conditions = append(conditions, fmt.Sprintf(cond, argIndex))
		args = append(args, value)
		argIndex++
	}

	if filter.UserID != 0 {
		conditions = append(conditions, fmt.Sprintf("(sender_id = $%d OR recipient_id = $%d)", argIndex, argIndex))
		args = append(args, filter.UserID)
		argIndex++
	}
	if filter.SenderID != 0 {
		add("sender_id = $%d", filter.SenderID)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Type != "" {
		add("type = $%d", filter.Type)
	}
	if filter.Reference != "" {
		add("reference = $%d", filter.Reference)
	}
	if filter.StartDate != nil {
		add("created_at >= $%d", *filter.StartDate)
	}
	if filter.EndDate != nil {
		add("created_at <= $%d", *filter.EndDate)
	}
	if filter.MinAmount != nil {
		add("amount >= $%d", *filter.MinAmount)
	}
	if filter.MaxAmount != nil {
		add("amount <= $%d", *filter.MaxAmount)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY created_at DESC` +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *txn)
	}
	return transactions, rows.Err()
}

func (s *PostgresStore) SoftDeleteTransaction(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("soft delete transaction %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountCompletedTransfers(ctx context.Context, senderID int64, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE sender_id = $1 AND type = $2 AND status = $3 AND created_at > $4 AND deleted_at IS NULL`,
		senderID, models.TypeTransfer, models.StatusCompleted, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count transfers: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountTransfersToRecipient(ctx context.Context, senderID, recipientID int64, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE sender_id = $1 AND recipient_id = $2 AND type = $3 AND status = $4 AND created_at > $5 AND deleted_at IS NULL`,
		senderID, recipientID, models.TypeTransfer, models.StatusCompleted, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count transfers to recipient: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) WithdrawalStats(ctx context.Context, senderID int64, since time.Time) (WithdrawalStats, error) {
	stats := WithdrawalStats{Average: decimal.Zero, Max: decimal.Zero}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(amount), 0), COALESCE(MAX(amount), 0)
		FROM transactions
		WHERE sender_id = $1 AND type = $2 AND status = $3 AND created_at > $4 AND deleted_at IS NULL`,
		senderID, models.TypeWithdrawal, models.StatusCompleted, since,
	).Scan(&stats.Count, &stats.Average, &stats.Max)
	if err != nil {
		return WithdrawalStats{}, fmt.Errorf("withdrawal stats: %w", err)
	}
	return stats, nil
}
