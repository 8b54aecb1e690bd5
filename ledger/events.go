package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a committed ledger change.
type EventType string

const (
	EventPaymentCreated    EventType = "payment.created"
	EventAmountAdded       EventType = "payment.amount_added"
	EventPaymentRefunded   EventType = "payment.refunded"
	EventPaymentWrittenOff EventType = "payment.written_off"
	EventPaymentFailed     EventType = "payment.failed"
	EventPaymentArchived   EventType = "payment.archived"
	EventArchiveRestored   EventType = "archive.restored"
	EventPaymentReinstated EventType = "payment.reinstated"
)

// Event is published after a mutation has been committed.
type Event struct {
	Type          EventType       `json:"type"`
	PaymentID     PaymentID       `json:"paymentId"`
	PaymentNumber string          `json:"paymentNumber,omitempty"`
	ArchiveID     ArchiveID       `json:"archiveId,omitempty"`
	ClientID      ClientID        `json:"clientId,omitempty"`
	Clinic        string          `json:"clinic,omitempty"`
	Status        Status          `json:"status,omitempty"`
	Bucket        Bucket          `json:"bucket,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	TotalPaid     decimal.Decimal `json:"totalPaid"`
	TotalOwed     decimal.Decimal `json:"totalOwed"`
	Actor         string          `json:"actor,omitempty"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

// EventPublisher delivers events. A failed publish never rolls back the mutation.
type EventPublisher interface {
	Publish(ctx context.Context, e Event) error
}

func newEvent(t EventType, p Payment, actor string, at time.Time) Event {
	return Event{
		Type:          t,
		PaymentID:     p.ID,
		PaymentNumber: p.PaymentNumber,
		ClientID:      p.ClientID,
		Clinic:        p.Clinic,
		Status:        p.Status,
		TotalPaid:     p.Amounts.TotalPaid(),
		TotalOwed:     p.Amounts.TotalOwed(),
		Actor:         actor,
		OccurredAt:    at,
	}
}
