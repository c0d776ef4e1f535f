package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"

	"github.com/walletpay/backend/internal/models"
)

const (
	subjectSecurityAlert    = "wallet.fraud.alert"
	subjectLargeTransaction = "wallet.txn.large"

	alertQueueKey = "wallet:alerts"
)

// Dispatcher delivers fire-and-forget user alerts. Delivery failure is
// logged and must never affect the transaction outcome.
type Dispatcher interface {
	NotifySecurityAlert(txn *models.Transaction, userID int64, reasonSummary string)
	NotifyLargeTransaction(txn *models.Transaction, userID int64, counterpartyID *int64)
}

type alertMessage struct {
	Kind           string    `json:"kind"`
	TransactionID  int64     `json:"transaction_id"`
	Reference      string    `json:"reference"`
	UserID         int64     `json:"user_id"`
	CounterpartyID *int64    `json:"counterparty_id,omitempty"`
	Amount         string    `json:"amount"`
	Currency       string    `json:"currency"`
	Type           string    `json:"type"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// EventDispatcher publishes alert events on NATS for downstream consumers
// and queues per-user notification jobs on Redis. Either client may be nil,
// in which case that channel is skipped.
type EventDispatcher struct {
	nc    *nats.Conn
	redis *redis.Client
}

func NewEventDispatcher(nc *nats.Conn, redisClient *redis.Client) *EventDispatcher {
	return &EventDispatcher{nc: nc, redis: redisClient}
}

func (d *EventDispatcher) NotifySecurityAlert(txn *models.Transaction, userID int64, reasonSummary string) {
	msg := alertMessage{
		Kind:          "security_alert",
		TransactionID: txn.ID,
		Reference:     txn.Reference,
		UserID:        userID,
		Amount:        txn.Amount.StringFixed(2),
		Currency:      txn.Currency,
		Type:          string(txn.Type),
		Reason:        reasonSummary,
		CreatedAt:     time.Now(),
	}
	go d.dispatch(subjectSecurityAlert, msg)
}

func (d *EventDispatcher) NotifyLargeTransaction(txn *models.Transaction, userID int64, counterpartyID *int64) {
	msg := alertMessage{
		Kind:           "large_transaction",
		TransactionID:  txn.ID,
		Reference:      txn.Reference,
		UserID:         userID,
		CounterpartyID: counterpartyID,
		Amount:         txn.Amount.StringFixed(2),
		Currency:       txn.Currency,
		Type:           string(txn.Type),
		CreatedAt:      time.Now(),
	}
	go d.dispatch(subjectLargeTransaction, msg)
}

func (d *EventDispatcher) dispatch(subject string, msg alertMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[NOTIFY] Failed to encode %s alert: %v", msg.Kind, err)
		return
	}

	if d.nc != nil {
		if err := d.nc.Publish(subject, data); err != nil {
			log.Printf("[NOTIFY] Failed to publish %s to %s: %v", msg.Kind, subject, err)
		}
	}

	if d.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.redis.RPush(ctx, alertQueueKey, data).Err(); err != nil {
			log.Printf("[NOTIFY] Failed to queue %s alert: %v", msg.Kind, err)
		}
	}
}

// NoopDispatcher drops every alert; used in tests and when no broker is
// configured.
type NoopDispatcher struct{}

func (NoopDispatcher) NotifySecurityAlert(*models.Transaction, int64, string)    {}
func (NoopDispatcher) NotifyLargeTransaction(*models.Transaction, int64, *int64) {}
