package audit

import (
	"encoding/json"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	TransactionID int64     `json:"transaction_id"`
	Reference     string    `json:"reference"`
	UserID        int64     `json:"user_id,omitempty"`
	Amount        string    `json:"amount,omitempty"`
	Status        string    `json:"status"`
	Details       any       `json:"details,omitempty"`
}

// Logger writes ledger events as single-line JSON audit records.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogMutation(txnID int64, reference string, userID int64, amount decimal.Decimal, status string) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "LEDGER_MUTATION",
		TransactionID: txnID,
		Reference:     reference,
		UserID:        userID,
		Amount:        amount.StringFixed(2),
		Status:        status,
	})
}

func (a *Logger) LogFlagged(txnID int64, reference string, fraudScore int, reason string) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "FRAUD_FLAG",
		TransactionID: txnID,
		Reference:     reference,
		Status:        "FLAGGED",
		Details:       map[string]any{"fraud_score": fraudScore, "reason": reason},
	})
}

func (a *Logger) LogReview(txnID int64, reference string, reviewerID int64, action, outcome string) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "REVIEW",
		TransactionID: txnID,
		Reference:     reference,
		UserID:        reviewerID,
		Status:        outcome,
		Details:       map[string]string{"action": action},
	})
}

func (a *Logger) LogError(txnID int64, reference string, err error) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "ERROR",
		TransactionID: txnID,
		Reference:     reference,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
