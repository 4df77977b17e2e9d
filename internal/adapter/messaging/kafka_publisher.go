package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type eventMessage struct {
	Seq       int64           `json:"seq"`
	ItemSeq   int64           `json:"item_seq"`
	ItemID    int64           `json:"item_id"`
	Kind      string          `json:"kind"`
	Delta     int64           `json:"delta"`
	Timestamp time.Time       `json:"timestamp"`
	ActorID   string          `json:"actor_id,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	SaleID    *uuid.UUID      `json:"sale_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
}

type alertMessage struct {
	ItemID    int64     `json:"item_id"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	Quantity  int64     `json:"quantity"`
	Threshold int64     `json:"threshold"`
	RaisedAt  time.Time `json:"raised_at"`
}

// KafkaPublisher announces committed events and low-stock alerts. Messages
// are keyed by item id so each item's events stay ordered within a partition.
type KafkaPublisher struct {
	writer      MessageWriter
	eventsTopic string
	alertsTopic string
}

func NewKafkaPublisher(writer MessageWriter, eventsTopic, alertsTopic string) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, eventsTopic: eventsTopic, alertsTopic: alertsTopic}
}

// NewKafkaWriter builds a writer with no default topic; the publisher sets
// the topic per message.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		BatchSize:              100,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func (p *KafkaPublisher) PublishEvents(ctx context.Context, events []domain.InventoryEvent) error {
	headers := traceHeaders(ctx)
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		m := eventMessage{
			Seq:       ev.Seq,
			ItemSeq:   ev.ItemSeq,
			ItemID:    int64(ev.ItemID),
			Kind:      string(ev.Kind),
			Delta:     ev.Delta,
			Timestamp: ev.Timestamp,
			ActorID:   ev.ActorID,
			Reason:    ev.Reason,
			RequestID: ev.RequestID,
			Amount:    ev.Amount,
		}
		if ev.SaleID != uuid.Nil {
			id := ev.SaleID
			m.SaleID = &id
		}
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", ev.Seq, err)
		}
		msgs = append(msgs, kafka.Message{
			Topic:   p.eventsTopic,
			Key:     itemKey(ev.ItemID),
			Value:   payload,
			Headers: headers,
		})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) PublishAlerts(ctx context.Context, alerts []domain.Alert) error {
	headers := traceHeaders(ctx)
	msgs := make([]kafka.Message, 0, len(alerts))
	for _, a := range alerts {
		payload, err := json.Marshal(alertMessage{
			ItemID:    int64(a.ItemID),
			Kind:      string(a.Kind),
			Name:      a.Name,
			Quantity:  a.Quantity,
			Threshold: a.Threshold,
			RaisedAt:  a.RaisedAt,
		})
		if err != nil {
			return fmt.Errorf("marshal alert for item %d: %w", a.ItemID, err)
		}
		msgs = append(msgs, kafka.Message{
			Topic:   p.alertsTopic,
			Key:     itemKey(a.ItemID),
			Value:   payload,
			Headers: headers,
		})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write alerts: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func itemKey(id domain.StockItemID) []byte {
	return []byte(strconv.FormatInt(int64(id), 10))
}

// traceHeaders carries the current span context so consumers can continue
// the trace.
func traceHeaders(ctx context.Context) []kafka.Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := make([]kafka.Header, 0, len(carrier))
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}
