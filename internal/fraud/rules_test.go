package fraud

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/walletpay/backend/internal/models"
	"github.com/walletpay/backend/internal/store"
)

// stubHistory returns canned history data to the rules.
type stubHistory struct {
	transferCount  int
	recipientCount int
	stats          store.WithdrawalStats
	balance        decimal.Decimal
	err            error
}

func (s *stubHistory) CountCompletedTransfers(context.Context, int64, time.Time) (int, error) {
	return s.transferCount, s.err
}

func (s *stubHistory) CountTransfersToRecipient(context.Context, int64, int64, time.Time) (int, error) {
	return s.recipientCount, s.err
}

func (s *stubHistory) WithdrawalStats(context.Context, int64, time.Time) (store.WithdrawalStats, error) {
	return s.stats, s.err
}

func (s *stubHistory) GetWalletByUserID(context.Context, int64) (*models.Wallet, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.Wallet{ID: 1, UserID: 1, Balance: s.balance, Currency: "USD"}, nil
}

func transferCandidate(amount int64) Candidate {
	recipient := int64(2)
	return Candidate{
		SenderID:    1,
		RecipientID: &recipient,
		Amount:      decimal.NewFromInt(amount),
		Currency:    "USD",
		Type:        models.TypeTransfer,
	}
}

func withdrawalCandidate(amount int64) Candidate {
	return Candidate{
		SenderID: 1,
		Amount:   decimal.NewFromInt(amount),
		Currency: "USD",
		Type:     models.TypeWithdrawal,
	}
}

func TestThresholdAmountRule(t *testing.T) {
	ctx := context.Background()

	t.Run("small transfer passes", func(t *testing.T) {
		result, err := thresholdAmountRule.Check(ctx, transferCandidate(49999), nil)
		assert.NoError(t, err)
		assert.False(t, result.Suspicious)
		assert.False(t, result.Large)
	})

	t.Run("large transfer scores 20", func(t *testing.T) {
		result, err := thresholdAmountRule.Check(ctx, transferCandidate(50000), nil)
		assert.NoError(t, err)
		assert.True(t, result.Suspicious)
		assert.Equal(t, 20, result.Score)
		assert.True(t, result.Large)
	})

	t.Run("very large transfer scores 40", func(t *testing.T) {
		result, err := thresholdAmountRule.Check(ctx, transferCandidate(100000), nil)
		assert.NoError(t, err)
		assert.True(t, result.Suspicious)
		assert.Equal(t, 40, result.Score)
		assert.True(t, result.Large)
	})

	t.Run("withdrawal uses lower thresholds", func(t *testing.T) {
		result, err := thresholdAmountRule.Check(ctx, withdrawalCandidate(25000), nil)
		assert.NoError(t, err)
		assert.True(t, result.Suspicious)
		assert.Equal(t, 20, result.Score)

		result, err = thresholdAmountRule.Check(ctx, withdrawalCandidate(75000), nil)
		assert.NoError(t, err)
		assert.Equal(t, 40, result.Score)
	})
}

func TestUnusualWithdrawalRule(t *testing.T) {
	ctx := context.Background()

	t.Run("no history, small withdrawal passes", func(t *testing.T) {
		history := &stubHistory{}
		result, err := unusualWithdrawalRule.Check(ctx, withdrawalCandidate(10000), history)
		assert.NoError(t, err)
		assert.False(t, result.Suspicious)
	})

	t.Run("no history, large first withdrawal scores 40", func(t *testing.T) {
		history := &stubHistory{}
		result, err := unusualWithdrawalRule.Check(ctx, withdrawalCandidate(10001), history)
		assert.NoError(t, err)
		assert.True(t, result.Suspicious)
		assert.Equal(t, 40, result.Score)
		assert.True(t, result.Large)
	})

	t.Run("within 3x average passes", func(t *testing.T) {
		history := &stubHistory{stats: store.WithdrawalStats{
			Count:   5,
			Average: decimal.NewFromInt(1000),
			Max:     decimal.NewFromInt(2000),
		}}
		result, err := unusualWithdrawalRule.Check(ctx, withdrawalCandidate(3000), history)
		assert.NoError(t, err)
		assert.False(t, result.Suspicious)
	})

	t.Run("above 3x average scores 30", func(t *testing.T) {
		history := &stubHistory{stats: store.WithdrawalStats{
			Count:   5,
			Average: decimal.NewFromInt(1000),
			Max:     decimal.NewFromInt(5000),
		}}
		result, err := unusualWithdrawalRule.Check(ctx, withdrawalCandidate(3500), history)
		assert.NoError(t, err)
		assert.True(t, result.Suspicious)
		assert.Equal(t, 30, result.Score)
	})

	t.Run("above 3x average and personal max scores 60", func(t *testing.T) {
		history := &stubHistory{stats: store.WithdrawalStats{
			Count:   5,
			Average: decimal.NewFromInt(1000),
			Max:     decimal.NewFromInt(3400),
		}}
		result, err := unusualWithdrawalRule.Check(ctx, withdrawalCandidate(3500), history)
		assert.NoError(t, err)
		assert.True(t, result.Suspicious)
		assert.Equal(t, 60, result.Score)
	})

	t.Run("history error propagates", func(t *testing.T) {
		history := &stubHistory{err: errors.New("db down")}
		_, err := unusualWithdrawalRule.Check(ctx, withdrawalCandidate(3500), history)
		assert.Error(t, err)
	})
}

func TestTransferFrequencyRule(t *testing.T) {
	ctx := context.Background()

	t.Run("below threshold passes", func(t *testing.T) {
		history := &stubHistory{transferCount: 2}
		result, err := transferFrequencyRule.Check(ctx, transferCandidate(100), history)
		assert.NoError(t, err)
		assert.False(t, result.Suspicious)
	})

	t.Run("three recent transfers score 50", func(t *testing.T) {
		history := &stubHistory{transferCount: 3}
		result, err := transferFrequencyRule.Check(ctx, transferCandidate(100), history)
		assert.NoError(t, err)
		assert.True(t, result.Suspicious)
		assert.Equal(t, 50, result.Score)
	})
}

func TestRepeatedRecipientRule(t *testing.T) {
	ctx := context.Background()

	t.Run("below threshold passes", func(t *testing.T) {
		history := &stubHistory{recipientCount: 2}
		result, err := repeatedRecipientRule.Check(ctx, transferCandidate(100), history)
		assert.NoError(t, err)
		assert.False(t, result.Suspicious)
	})

	t.Run("three transfers to same recipient score 60", func(t *testing.T) {
		history := &stubHistory{recipientCount: 3}
		result, err := repeatedRecipientRule.Check(ctx, transferCandidate(100), history)
		assert.NoError(t, err)
		assert.True(t, result.Suspicious)
		assert.Equal(t, 60, result.Score)
	})
}

func TestBalancePercentageRule(t *testing.T) {
	ctx := context.Background()

	t.Run("under 70 percent passes", func(t *testing.T) {
		history := &stubHistory{balance: decimal.NewFromInt(1000)}
		result, err := balancePercentageRule.Check(ctx, transferCandidate(700), history)
		assert.NoError(t, err)
		assert.False(t, result.Suspicious)
	})

	t.Run("over 70 percent scores 40", func(t *testing.T) {
		history := &stubHistory{balance: decimal.NewFromInt(1000)}
		result, err := balancePercentageRule.Check(ctx, transferCandidate(701), history)
		assert.NoError(t, err)
		assert.True(t, result.Suspicious)
		assert.Equal(t, 40, result.Score)
	})

	t.Run("zero balance passes", func(t *testing.T) {
		history := &stubHistory{balance: decimal.Zero}
		result, err := balancePercentageRule.Check(ctx, transferCandidate(100), history)
		assert.NoError(t, err)
		assert.False(t, result.Suspicious)
	})
}

func TestRulesFor(t *testing.T) {
	t.Run("deposits have no rules", func(t *testing.T) {
		assert.Empty(t, rulesFor(Candidate{Type: models.TypeDeposit}))
	})

	t.Run("transfer without recipient skips repeated recipient rule", func(t *testing.T) {
		rules := rulesFor(Candidate{Type: models.TypeTransfer})
		names := make([]string, 0, len(rules))
		for _, r := range rules {
			names = append(names, r.Name)
		}
		assert.NotContains(t, names, "repeated_recipient")
	})

	t.Run("withdrawal rule set", func(t *testing.T) {
		rules := rulesFor(Candidate{Type: models.TypeWithdrawal})
		assert.Len(t, rules, 3)
	})
}
