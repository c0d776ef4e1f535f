package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/walletpay/backend/internal/models"
)

// MemoryStore is an in-memory Store used by the engine tests and local
// development. It keeps the same locking discipline as the Postgres store:
// each wallet has its own lock, and transfers take both locks in ascending
// wallet id order.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[int64]*models.User
	wallets      map[int64]*models.Wallet
	walletByUser map[int64]int64
	transactions map[int64]*models.Transaction
	references   map[string]int64
	walletLocks  map[int64]*sync.Mutex
	nextUserID   int64
	nextWalletID int64
	nextTxnID    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[int64]*models.User),
		wallets:      make(map[int64]*models.Wallet),
		walletByUser: make(map[int64]int64),
		transactions: make(map[int64]*models.Transaction),
		references:   make(map[string]int64),
		walletLocks:  make(map[int64]*sync.Mutex),
	}
}

func (s *MemoryStore) CreateUserWithWallet(_ context.Context, username, email, currency string) (*models.User, *models.Wallet, error) {
	if currency == "" {
		currency = "USD"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.DeletedAt == nil && strings.EqualFold(u.Email, email) {
			return nil, nil, ErrDuplicateEmail
		}
	}

	now := time.Now()
	s.nextUserID++
	user := &models.User{
		ID: s.nextUserID, Username: username, Email: email,
		IsActive: true, CreatedAt: now, UpdatedAt: now,
	}
	s.nextWalletID++
	wallet := &models.Wallet{
		ID: s.nextWalletID, UserID: user.ID, Balance: decimal.Zero,
		Currency: currency, IsActive: true, Version: 1,
		CreatedAt: now, UpdatedAt: now,
	}
	s.users[user.ID] = user
	s.wallets[wallet.ID] = wallet
	s.walletByUser[user.ID] = wallet.ID
	s.walletLocks[wallet.ID] = &sync.Mutex{}

	u, w := *user, *wallet
	return &u, &w, nil
}

func (s *MemoryStore) GetUser(_ context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok || user.DeletedAt != nil {
		return nil, ErrNotFound
	}
	u := *user
	return &u, nil
}

// SetUserActive toggles a user's active flag. Only the in-memory store
// exposes this; account suspension is an admin concern outside the engine.
func (s *MemoryStore) SetUserActive(id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok || user.DeletedAt != nil {
		return ErrNotFound
	}
	user.IsActive = active
	user.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GetWalletByUserID(_ context.Context, userID int64) (*models.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	walletID, ok := s.walletByUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	wallet := s.wallets[walletID]
	if wallet == nil || wallet.DeletedAt != nil {
		return nil, ErrNotFound
	}
	w := *wallet
	return &w, nil
}

func (s *MemoryStore) walletLock(walletID int64) (*sync.Mutex, *models.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lock, ok := s.walletLocks[walletID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return lock, s.wallets[walletID], nil
}

func (s *MemoryStore) MutateBalance(_ context.Context, walletID int64, delta decimal.Decimal) (*models.Wallet, error) {
	lock, wallet, err := s.walletLock(walletID)
	if err != nil {
		return nil, err
	}
	// The wallet lock serializes check-then-mutate per wallet; the map lock
	// makes the field writes visible to concurrent readers.
	lock.Lock()
	defer lock.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	newBalance := wallet.Balance.Add(delta)
	if newBalance.IsNegative() {
		return nil, ErrInsufficientFunds
	}
	now := time.Now()
	wallet.Balance = newBalance
	wallet.Version++
	wallet.LastTransactionAt = &now
	wallet.UpdatedAt = now

	w := *wallet
	return &w, nil
}

func (s *MemoryStore) TransferBalances(_ context.Context, senderWalletID, recipientWalletID int64, amount decimal.Decimal) (*models.Wallet, *models.Wallet, error) {
	senderLock, sender, err := s.walletLock(senderWalletID)
	if err != nil {
		return nil, nil, err
	}
	recipientLock, recipient, err := s.walletLock(recipientWalletID)
	if err != nil {
		return nil, nil, err
	}

	// Ascending id order, same as the Postgres row locks.
	if senderWalletID < recipientWalletID {
		senderLock.Lock()
		recipientLock.Lock()
	} else {
		recipientLock.Lock()
		senderLock.Lock()
	}
	defer senderLock.Unlock()
	defer recipientLock.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if sender.Balance.LessThan(amount) {
		return nil, nil, ErrInsufficientFunds
	}

	now := time.Now()
	sender.Balance = sender.Balance.Sub(amount)
	recipient.Balance = recipient.Balance.Add(amount)
	for _, w := range []*models.Wallet{sender, recipient} {
		w.Version++
		w.LastTransactionAt = &now
		w.UpdatedAt = now
	}

	sw, rw := *sender, *recipient
	return &sw, &rw, nil
}

func (s *MemoryStore) CreateTransaction(_ context.Context, txn *models.Transaction) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	supplied := txn.Reference != ""
	for attempt := 0; attempt < referenceRetries; attempt++ {
		if txn.Reference == "" {
			txn.Reference = NewReference()
		}
		if _, exists := s.references[txn.Reference]; !exists {
			break
		}
		if supplied {
			return nil, ErrDuplicateReference
		}
		txn.Reference = ""
	}
	if txn.Reference == "" {
		return nil, ErrDuplicateReference
	}

	now := time.Now()
	s.nextTxnID++
	record := *txn
	record.ID = s.nextTxnID
	if record.Status == "" {
		record.Status = models.StatusPending
	}
	if record.Metadata == nil {
		record.Metadata = models.Metadata{}
	}
	record.CreatedAt = now
	record.UpdatedAt = now
	s.transactions[record.ID] = &record
	s.references[record.Reference] = record.ID

	out := record
	out.Metadata = copyMetadata(record.Metadata)
	return &out, nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id int64) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTransactionLocked(id)
}

func (s *MemoryStore) getTransactionLocked(id int64) (*models.Transaction, error) {
	txn, ok := s.transactions[id]
	if !ok || txn.DeletedAt != nil {
		return nil, ErrNotFound
	}
	out := *txn
	out.Metadata = copyMetadata(txn.Metadata)
	return &out, nil
}

func (s *MemoryStore) CompleteTransaction(_ context.Context, id int64, fraudScore int) (*models.Transaction, error) {
	return s.transition(id, models.StatusCompleted, []models.TransactionStatus{models.StatusPending}, func(txn *models.Transaction) {
		txn.FraudScore = fraudScore
	})
}

func (s *MemoryStore) FlagTransaction(_ context.Context, id int64, fraudScore int, reason string) (*models.Transaction, error) {
	return s.transition(id, models.StatusFlagged, []models.TransactionStatus{models.StatusPending}, func(txn *models.Transaction) {
		txn.FraudScore = fraudScore
		txn.Flagged = true
		txn.FlagReason = reason
	})
}

func (s *MemoryStore) FailTransaction(_ context.Context, id int64, meta models.Metadata) (*models.Transaction, error) {
	return s.transition(id, models.StatusFailed, []models.TransactionStatus{models.StatusPending, models.StatusFlagged}, func(txn *models.Transaction) {
		mergeMetadata(txn, meta)
	})
}

func (s *MemoryStore) ResolveReview(_ context.Context, id int64, status models.TransactionStatus, reviewerID int64, meta models.Metadata) (*models.Transaction, error) {
	if status != models.StatusCompleted && status != models.StatusFailed {
		return nil, ErrIllegalTransition
	}
	now := time.Now()
	return s.transition(id, status, []models.TransactionStatus{models.StatusFlagged}, func(txn *models.Transaction) {
		txn.Flagged = false
		txn.ReviewedBy = &reviewerID
		txn.ReviewedAt = &now
		mergeMetadata(txn, meta)
	})
}

func (s *MemoryStore) transition(id int64, to models.TransactionStatus, from []models.TransactionStatus, apply func(*models.Transaction)) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.transactions[id]
	if !ok || txn.DeletedAt != nil {
		return nil, ErrNotFound
	}
	if !txn.CanTransitionTo(to) {
		return nil, ErrIllegalTransition
	}
	// The state machine is necessary but not sufficient: flagged records may
	// only complete through ResolveReview, so each operation also names the
	// statuses it accepts.
	allowed := false
	for _, status := range from {
		if txn.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, ErrIllegalTransition
	}

	apply(txn)
	txn.Status = to
	txn.UpdatedAt = time.Now()
	return s.getTransactionLocked(id)
}

func (s *MemoryStore) ListTransactions(_ context.Context, filter TransactionFilter) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := []models.Transaction{}
	for _, txn := range s.transactions {
		if txn.DeletedAt != nil || !matchesFilter(txn, filter) {
			continue
		}
		out := *txn
		out.Metadata = copyMetadata(txn.Metadata)
		matched = append(matched, out)
	}

	// Newest first, like the SQL ORDER BY created_at DESC.
	for i := 0; i < len(matched); i++ {
		for j := i + 1; j < len(matched); j++ {
			if matched[j].CreatedAt.After(matched[i].CreatedAt) {
				matched[i], matched[j] = matched[j], matched[i]
			}
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if filter.Offset >= len(matched) {
		return []models.Transaction{}, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func matchesFilter(txn *models.Transaction, filter TransactionFilter) bool {
	if filter.UserID != 0 {
		if txn.SenderID != filter.UserID &&
			(txn.RecipientID == nil || *txn.RecipientID != filter.UserID) {
			return false
		}
	}
	if filter.SenderID != 0 && txn.SenderID != filter.SenderID {
		return false
	}
	if filter.Status != "" && txn.Status != filter.Status {
		return false
	}
	if filter.Type != "" && txn.Type != filter.Type {
		return false
	}
	if filter.Reference != "" && txn.Reference != filter.Reference {
		return false
	}
	if filter.StartDate != nil && txn.CreatedAt.Before(*filter.StartDate) {
		return false
	}
	if filter.EndDate != nil && txn.CreatedAt.After(*filter.EndDate) {
		return false
	}
	if filter.MinAmount != nil && txn.Amount.LessThan(*filter.MinAmount) {
		return false
	}
	if filter.MaxAmount != nil && txn.Amount.GreaterThan(*filter.MaxAmount) {
		return false
	}
	return true
}

func (s *MemoryStore) SoftDeleteTransaction(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.transactions[id]
	if !ok || txn.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now()
	txn.DeletedAt = &now
	txn.UpdatedAt = now
	return nil
}

func (s *MemoryStore) CountCompletedTransfers(_ context.Context, senderID int64, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, txn := range s.transactions {
		if txn.DeletedAt == nil && txn.SenderID == senderID &&
			txn.Type == models.TypeTransfer && txn.Status == models.StatusCompleted &&
			txn.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CountTransfersToRecipient(_ context.Context, senderID, recipientID int64, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, txn := range s.transactions {
		if txn.DeletedAt == nil && txn.SenderID == senderID &&
			txn.RecipientID != nil && *txn.RecipientID == recipientID &&
			txn.Type == models.TypeTransfer && txn.Status == models.StatusCompleted &&
			txn.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) WithdrawalStats(_ context.Context, senderID int64, since time.Time) (WithdrawalStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := WithdrawalStats{Average: decimal.Zero, Max: decimal.Zero}
	total := decimal.Zero
	for _, txn := range s.transactions {
		if txn.DeletedAt == nil && txn.SenderID == senderID &&
			txn.Type == models.TypeWithdrawal && txn.Status == models.StatusCompleted &&
			txn.CreatedAt.After(since) {
			stats.Count++
			total = total.Add(txn.Amount)
			if txn.Amount.GreaterThan(stats.Max) {
				stats.Max = txn.Amount
			}
		}
	}
	if stats.Count > 0 {
		stats.Average = total.Div(decimal.NewFromInt(int64(stats.Count)))
	}
	return stats, nil
}

func copyMetadata(meta models.Metadata) models.Metadata {
	out := make(models.Metadata, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func mergeMetadata(txn *models.Transaction, meta models.Metadata) {
	if txn.Metadata == nil {
		txn.Metadata = models.Metadata{}
	}
	for k, v := range meta {
		txn.Metadata[k] = v
	}
}
