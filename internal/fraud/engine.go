package fraud

import (
	"context"
	"log"
	"sync"
	"time"
)

// blockThreshold is the aggregated score at or above which a transaction is
// blocked from automatic completion.
const blockThreshold = 70

// defaultRuleScore is used when a triggered rule omits a contribution.
const defaultRuleScore = 10

// DefaultRuleTimeout bounds a single rule's history lookups so scoring
// cannot stall a transaction indefinitely.
const DefaultRuleTimeout = 3 * time.Second

// Verdict is the aggregated outcome of a scoring pass.
type Verdict struct {
	FraudScore         int      `json:"fraud_score"`
	IsFraudulent       bool     `json:"is_fraudulent"`
	IsLargeTransaction bool     `json:"is_large_transaction"`
	Reasons            []string `json:"reasons"`
}

// Engine evaluates the applicable rules for a candidate transaction
// concurrently and aggregates their contributions into a 0-100 score.
type Engine struct {
	history     History
	ruleTimeout time.Duration
}

func NewEngine(history History, ruleTimeout time.Duration) *Engine {
	if ruleTimeout <= 0 {
		ruleTimeout = DefaultRuleTimeout
	}
	return &Engine{history: history, ruleTimeout: ruleTimeout}
}

// Score fans the applicable rules out in parallel, waits for all of them
// and sums the triggered contributions, capped at 100. A rule that errors
// or times out degrades to not suspicious rather than aborting the pass.
func (e *Engine) Score(ctx context.Context, candidate Candidate) Verdict {
	rules := rulesFor(candidate)
	verdict := Verdict{Reasons: []string{}}
	if len(rules) == 0 {
		return verdict
	}

	results := make([]Result, len(rules))
	var wg sync.WaitGroup
	for i, rule := range rules {
		wg.Add(1)
		go func(i int, rule Rule) {
			defer wg.Done()
			ruleCtx, cancel := context.WithTimeout(ctx, e.ruleTimeout)
			defer cancel()

			result, err := rule.Check(ruleCtx, candidate, e.history)
			if err != nil {
				// Partial data-access failure must not block scoring.
				log.Printf("[FRAUD] Rule %s degraded to not-suspicious: %v", rule.Name, err)
				return
			}
			results[i] = result
		}(i, rule)
	}
	wg.Wait()

	for _, result := range results {
		if result.Large {
			verdict.IsLargeTransaction = true
		}
		if !result.Suspicious {
			continue
		}
		score := result.Score
		if score == 0 {
			score = defaultRuleScore
		}
		verdict.FraudScore += score
		if result.Reason != "" {
			verdict.Reasons = append(verdict.Reasons, result.Reason)
		}
	}

	if verdict.FraudScore > 100 {
		verdict.FraudScore = 100
	}
	verdict.IsFraudulent = verdict.FraudScore >= blockThreshold
	return verdict
}
