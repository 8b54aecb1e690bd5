package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/payment-ledger/events"
	"github.com/warp/payment-ledger/ledger"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	declared   []string
	kind       string
	published  []published
	publishErr error
	closed     bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.declared = append(f.declared, name)
	f.kind = kind
	return nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPPublisher_RoutesByEventType(t *testing.T) {
	ch := &fakeChannel{}
	pub, err := events.NewAMQPPublisher(ch, "")
	require.NoError(t, err)
	assert.Equal(t, []string{events.DefaultExchange}, ch.declared)
	assert.Equal(t, amqp.ExchangeTopic, ch.kind)

	at := time.Date(2025, time.May, 2, 8, 0, 0, 0, time.UTC)
	err = pub.Publish(context.Background(), ledger.Event{
		Type:          ledger.EventPaymentRefunded,
		PaymentID:     "p-1",
		PaymentNumber: "PAY-00000007",
		Amount:        ledger.Money(25),
		OccurredAt:    at,
	})
	require.NoError(t, err)

	require.Len(t, ch.published, 1)
	got := ch.published[0]
	assert.Equal(t, events.DefaultExchange, got.exchange)
	assert.Equal(t, "payment.refunded", got.key)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.NotEmpty(t, got.msg.MessageId)
	assert.Equal(t, at, got.msg.Timestamp)

	var body map[string]any
	require.NoError(t, json.Unmarshal(got.msg.Body, &body))
	assert.Equal(t, "PAY-00000007", body["paymentNumber"])
	assert.Equal(t, "25", body["amount"])

	require.NoError(t, pub.Close())
	assert.True(t, ch.closed)
}

func TestAMQPPublisher_PropagatesError(t *testing.T) {
	ch := &fakeChannel{publishErr: errors.New("channel closed")}
	pub, err := events.NewAMQPPublisher(ch, "billing")
	require.NoError(t, err)

	err = pub.Publish(context.Background(), ledger.Event{Type: ledger.EventPaymentCreated})

	assert.ErrorContains(t, err, "channel closed")
}

func TestLogPublisher(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	pub := events.NewLogPublisher(zap.New(core))

	require.NoError(t, pub.Publish(context.Background(), ledger.Event{Type: ledger.EventPaymentArchived, PaymentID: "p-9"}))

	entries := logs.FilterMessage("ledger event").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "payment.archived", entries[0].ContextMap()["event"])
	assert.NoError(t, events.Nop{}.Publish(context.Background(), ledger.Event{}))
}
