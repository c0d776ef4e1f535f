package notify

import (
	"encoding/json"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletpay/backend/internal/models"
)

func sampleTransaction() *models.Transaction {
	return &models.Transaction{
		ID:        7,
		SenderID:  1,
		Amount:    decimal.NewFromInt(80000),
		Currency:  "USD",
		Type:      models.TypeWithdrawal,
		Reference: "TRX-1-abcd1234",
	}
}

func TestEventDispatcherQueuesAlerts(t *testing.T) {
	redisClient, mock := redismock.NewClientMock()
	d := NewEventDispatcher(nil, redisClient)

	txn := sampleTransaction()
	msg := alertMessage{
		Kind:          "security_alert",
		TransactionID: txn.ID,
		Reference:     txn.Reference,
		UserID:        txn.SenderID,
		Amount:        txn.Amount.StringFixed(2),
		Currency:      txn.Currency,
		Type:          string(txn.Type),
		Reason:        "Very large withdrawal amount: 80000.00",
	}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	mock.ExpectRPush(alertQueueKey, data).SetVal(1)

	d.dispatch(subjectSecurityAlert, msg)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventDispatcherPushFailureIsSwallowed(t *testing.T) {
	redisClient, mock := redismock.NewClientMock()
	d := NewEventDispatcher(nil, redisClient)

	msg := alertMessage{Kind: "large_transaction", TransactionID: 7}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	mock.ExpectRPush(alertQueueKey, data).SetErr(assert.AnError)

	// Must not panic or block; delivery failures are logged only.
	d.dispatch(subjectLargeTransaction, msg)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNilClientsAreSkipped(t *testing.T) {
	d := NewEventDispatcher(nil, nil)
	d.dispatch(subjectSecurityAlert, alertMessage{Kind: "security_alert"})
}
