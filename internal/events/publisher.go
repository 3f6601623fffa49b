package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/netpass/coinwallet/internal/domain"
	"github.com/segmentio/kafka-go"
)

const (
	TopicTransactions = "wallet.transactions"
	TopicAlerts       = "wallet.alerts"
)

// Publisher emits wallet events for downstream consumers (analytics,
// operations alerting). Publishing is best-effort: the ledger is the source
// of truth and a lost event never blocks a money movement.
type Publisher interface {
	TransactionRecorded(ctx context.Context, tx *domain.Transaction)
	CompensationFailed(ctx context.Context, orderID string, accountID, amount int64, cause error)
	Close() error
}

// Noop is used when no broker is configured.
type Noop struct{}

func (Noop) TransactionRecorded(context.Context, *domain.Transaction)        {}
func (Noop) CompensationFailed(context.Context, string, int64, int64, error) {}
func (Noop) Close() error                                                    { return nil }

// Kafka publishes to two topics through async writers.
type Kafka struct {
	txWriter    *kafka.Writer
	alertWriter *kafka.Writer
}

func NewKafka(broker string) *Kafka {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(broker),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			Async:        true,
			RequiredAcks: kafka.RequireOne,
		}
	}
	return &Kafka{
		txWriter:    newWriter(TopicTransactions),
		alertWriter: newWriter(TopicAlerts),
	}
}

func (k *Kafka) TransactionRecorded(ctx context.Context, tx *domain.Transaction) {
	data, err := json.Marshal(tx)
	if err != nil {
		log.Printf("events: marshal transaction %s: %v", tx.ID, err)
		return
	}
	err = k.txWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(tx.ID),
		Value: data,
	})
	if err != nil {
		log.Printf("events: write transaction %s: %v", tx.ID, err)
	}
}

type compensationAlert struct {
	Kind      string    `json:"kind"`
	OrderID   string    `json:"order_id"`
	AccountID int64     `json:"account_id"`
	Amount    int64     `json:"amount"`
	Cause     string    `json:"cause"`
	At        time.Time `json:"at"`
}

// CompensationFailed raises the one alert that must never be dropped
// silently: money was taken, goods were not delivered and the refund write
// failed. It is also logged so the alert survives a dead broker.
func (k *Kafka) CompensationFailed(ctx context.Context, orderID string, accountID, amount int64, cause error) {
	alert := compensationAlert{
		Kind:      "compensation_failed",
		OrderID:   orderID,
		AccountID: accountID,
		Amount:    amount,
		Cause:     cause.Error(),
		At:        time.Now().UTC(),
	}
	data, _ := json.Marshal(alert)
	err := k.alertWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(orderID),
		Value: data,
	})
	if err != nil {
		log.Printf("events: write compensation alert for order %s: %v", orderID, err)
	}
}

func (k *Kafka) Close() error {
	if err := k.txWriter.Close(); err != nil {
		return err
	}
	return k.alertWriter.Close()
}
