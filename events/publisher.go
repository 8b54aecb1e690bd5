/*
Package events delivers committed ledger changes to other systems.

PURPOSE:
  The engine publishes after every committed mutation. Delivery is best
  effort: a failed publish is logged by the engine and never rolls back the
  change. Consumers that need completeness reconcile against the reports.

PUBLISHERS:
  AMQP: JSON message on a topic exchange, routing key = event type
        (payment.created, payment.refunded, archive.restored, ...)
  Log:  Writes events to the structured log. Used when no broker is configured.
  Nop:  Drops events.
*/
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/warp/payment-ledger/ledger"
)

const DefaultExchange = "ledger.events"

// Channel is the subset of *amqp.Channel used for publishing.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// =============================================================================
// AMQP
// =============================================================================

type AMQPPublisher struct {
	mu       sync.Mutex // amqp channels are not safe for concurrent publish
	ch       Channel
	exchange string
}

// Dial opens a connection and channel and declares the exchange.
func Dial(url, exchange string) (*AMQPPublisher, *amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	pub, err := NewAMQPPublisher(ch, exchange)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return pub, conn, nil
}

// NewAMQPPublisher declares a durable topic exchange on ch.
func NewAMQPPublisher(ch Channel, exchange string) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{ch: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, e ledger.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    e.OccurredAt,
		Type:         string(e.Type),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, p.exchange, string(e.Type), false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	return p.ch.Close()
}

// =============================================================================
// LOG / NOP
// =============================================================================

type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, e ledger.Event) error {
	p.log.Debug("ledger event",
		zap.String("event", string(e.Type)),
		zap.String("payment_id", string(e.PaymentID)),
		zap.String("payment_number", e.PaymentNumber),
		zap.String("status", string(e.Status)),
		zap.String("amount", e.Amount.StringFixed(2)),
	)
	return nil
}

type Nop struct{}

func (Nop) Publish(context.Context, ledger.Event) error { return nil }
