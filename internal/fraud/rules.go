package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/walletpay/backend/internal/models"
	"github.com/walletpay/backend/internal/store"
)

// Amount thresholds that trigger alerts or higher fraud scores.
var (
	transferLarge        = decimal.NewFromInt(50000)
	transferVeryLarge    = decimal.NewFromInt(100000)
	withdrawalLarge      = decimal.NewFromInt(25000)
	withdrawalVeryLarge  = decimal.NewFromInt(75000)
	newUserWithdrawalCap = decimal.NewFromInt(10000)

	// Amounts above 3x the historical average are unusual.
	historyMultiplier = decimal.NewFromInt(3)

	// Fraction of the wallet balance that may move in one transaction
	// before the balance-percentage rule fires.
	balanceFractionCap = decimal.NewFromFloat(0.70)
)

const (
	frequencyWindow    = 10 * time.Minute
	frequencyThreshold = 3

	repeatedRecipientWindow    = 24 * time.Hour
	repeatedRecipientThreshold = 3

	historyWindow = 30 * 24 * time.Hour
)

// Candidate is the transaction under evaluation. It is shared between the
// transaction engine and the rule set so both sides agree on what is being
// scored.
type Candidate struct {
	SenderID    int64
	RecipientID *int64
	Amount      decimal.Decimal
	Currency    string
	Type        models.TransactionType
}

// History gives rules read-only access to a user's transaction history and
// wallet. The account store satisfies this interface.
type History interface {
	CountCompletedTransfers(ctx context.Context, senderID int64, since time.Time) (int, error)
	CountTransfersToRecipient(ctx context.Context, senderID, recipientID int64, since time.Time) (int, error)
	WithdrawalStats(ctx context.Context, senderID int64, since time.Time) (store.WithdrawalStats, error)
	GetWalletByUserID(ctx context.Context, userID int64) (*models.Wallet, error)
}

// Result is a single rule's verdict. Large marks the transaction for an
// alert-only notification independent of the block decision.
type Result struct {
	Suspicious bool
	Reason     string
	Score      int
	Large      bool
}

// Rule is a side-effect-free fraud predicate. An error means the rule could
// not be evaluated; the engine treats that as not suspicious.
type Rule struct {
	Name  string
	Check func(ctx context.Context, candidate Candidate, history History) (Result, error)
}

// rulesFor selects the rule subset applicable to a transaction type, in
// evaluation (and reason) order. Deposits have no applicable rules.
func rulesFor(candidate Candidate) []Rule {
	switch candidate.Type {
	case models.TypeTransfer:
		rules := []Rule{thresholdAmountRule, transferFrequencyRule}
		if candidate.RecipientID != nil {
			rules = append(rules, repeatedRecipientRule)
		}
		return append(rules, balancePercentageRule)
	case models.TypeWithdrawal:
		return []Rule{thresholdAmountRule, unusualWithdrawalRule, balancePercentageRule}
	default:
		return nil
	}
}

var thresholdAmountRule = Rule{
	Name: "threshold_amount",
	Check: func(_ context.Context, c Candidate, _ History) (Result, error) {
		large, veryLarge := transferLarge, transferVeryLarge
		label := "transfer"
		if c.Type == models.TypeWithdrawal {
			large, veryLarge = withdrawalLarge, withdrawalVeryLarge
			label = "withdrawal"
		}

		switch {
		case c.Amount.GreaterThanOrEqual(veryLarge):
			return Result{
				Suspicious: true,
				Reason:     fmt.Sprintf("Very large %s amount: %s", label, c.Amount.StringFixed(2)),
				Score:      40,
				Large:      true,
			}, nil
		case c.Amount.GreaterThanOrEqual(large):
			return Result{
				Suspicious: true,
				Reason:     fmt.Sprintf("Large %s amount: %s", label, c.Amount.StringFixed(2)),
				Score:      20,
				Large:      true,
			}, nil
		}
		return Result{}, nil
	},
}

var unusualWithdrawalRule = Rule{
	Name: "unusual_withdrawal",
	Check: func(ctx context.Context, c Candidate, history History) (Result, error) {
		stats, err := history.WithdrawalStats(ctx, c.SenderID, time.Now().Add(-historyWindow))
		if err != nil {
			return Result{}, err
		}

		if stats.Count == 0 {
			if c.Amount.GreaterThan(newUserWithdrawalCap) {
				return Result{
					Suspicious: true,
					Reason:     "Unusually large first withdrawal",
					Score:      40,
					Large:      true,
				}, nil
			}
			return Result{}, nil
		}

		exceedsAverage := c.Amount.GreaterThan(stats.Average.Mul(historyMultiplier))
		if !exceedsAverage {
			return Result{}, nil
		}

		score := 30
		if c.Amount.GreaterThan(stats.Max) {
			// Both far above average and the largest withdrawal ever.
			score = 60
		}
		return Result{
			Suspicious: true,
			Reason: fmt.Sprintf("Withdrawal amount %s is significantly higher than user average %s",
				c.Amount.StringFixed(2), stats.Average.StringFixed(2)),
			Score: score,
			Large: true,
		}, nil
	},
}

var transferFrequencyRule = Rule{
	Name: "transfer_frequency",
	Check: func(ctx context.Context, c Candidate, history History) (Result, error) {
		count, err := history.CountCompletedTransfers(ctx, c.SenderID, time.Now().Add(-frequencyWindow))
		if err != nil {
			return Result{}, err
		}
		if count < frequencyThreshold {
			return Result{}, nil
		}
		return Result{
			Suspicious: true,
			Reason:     fmt.Sprintf("User made %d transfers in the last 10 minutes", count),
			Score:      50,
		}, nil
	},
}

var repeatedRecipientRule = Rule{
	Name: "repeated_recipient",
	Check: func(ctx context.Context, c Candidate, history History) (Result, error) {
		if c.RecipientID == nil {
			return Result{}, nil
		}
		count, err := history.CountTransfersToRecipient(ctx, c.SenderID, *c.RecipientID, time.Now().Add(-repeatedRecipientWindow))
		if err != nil {
			return Result{}, err
		}
		if count < repeatedRecipientThreshold {
			return Result{}, nil
		}
		return Result{
			Suspicious: true,
			Reason:     fmt.Sprintf("User made %d transfers to the same recipient in the last 24 hours", count),
			Score:      60,
		}, nil
	},
}

var balancePercentageRule = Rule{
	Name: "balance_percentage",
	Check: func(ctx context.Context, c Candidate, history History) (Result, error) {
		wallet, err := history.GetWalletByUserID(ctx, c.SenderID)
		if err != nil {
			return Result{}, err
		}
		if !wallet.Balance.IsPositive() {
			return Result{}, nil
		}
		if c.Amount.LessThanOrEqual(wallet.Balance.Mul(balanceFractionCap)) {
			return Result{}, nil
		}
		pct := c.Amount.Div(wallet.Balance).Mul(decimal.NewFromInt(100))
		return Result{
			Suspicious: true,
			Reason:     fmt.Sprintf("Transaction moves %s%% of total balance", pct.StringFixed(2)),
			Score:      40,
		}, nil
	},
}
