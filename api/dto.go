/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract. Bucket and field names
  are camelCase on the wire.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request structs carry go-playground/validator tags for presence and
  enumerations. Money rules (positive, cents, bucket kinds) are enforced
  by the ledger package so every entry point shares them.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/amounts.go: JSON form of the bucket breakdown
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payment-ledger/ledger"
)

// =============================================================================
// PAYMENT REQUESTS
// =============================================================================

type CreatePaymentRequest struct {
	ClientID           string                     `json:"clientId" validate:"required"`
	ClientName         string                     `json:"clientName"`
	Clinic             string                     `json:"clinic" validate:"required"`
	OrderID            string                     `json:"orderId"`
	LegacyID           string                     `json:"legacyId"`
	Method             string                     `json:"method" validate:"required"`
	Type               string                     `json:"type" validate:"required"`
	TotalPaymentAmount decimal.Decimal            `json:"totalPaymentAmount"`
	Buckets            map[string]decimal.Decimal `json:"buckets,omitempty"`
	PaymentDate        *time.Time                 `json:"paymentDate,omitempty"`
	Note               string                     `json:"note" validate:"max=2000"`
	Actor              string                     `json:"actor"`
}

type AddAmountRequest struct {
	Bucket string          `json:"bucket" validate:"required"`
	Amount decimal.Decimal `json:"amount"`
	Actor  string          `json:"actor"`
}

type RefundRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	RefundType string          `json:"refundType" validate:"omitempty,oneof=sales standard"`
	Actor      string          `json:"actor"`
}

// NoteRequest is the body of write-off and fail.
type NoteRequest struct {
	Note  string `json:"note" validate:"max=2000"`
	Actor string `json:"actor"`
}

// ArchiveRequest is the optional body of DELETE /payments/{id}.
type ArchiveRequest struct {
	Reason string `json:"reason" validate:"max=500"`
	Actor  string `json:"actor"`
}

type ActorRequest struct {
	Actor string `json:"actor"`
}

// =============================================================================
// PAYMENT RESPONSES
// =============================================================================

type PaymentDTO struct {
	ID            string                `json:"id"`
	PaymentNumber string                `json:"paymentNumber"`
	LegacyID      string                `json:"legacyId,omitempty"`
	ClientID      string                `json:"clientId"`
	ClientName    string                `json:"clientName,omitempty"`
	OrderID       string                `json:"orderId,omitempty"`
	Clinic        string                `json:"clinic"`
	Method        string                `json:"method"`
	Type          string                `json:"type"`
	Status        string                `json:"status"`
	Amounts       ledger.PaymentAmounts `json:"amounts"`
	Note          string                `json:"note,omitempty"`
	PaymentDate   string                `json:"paymentDate"`
	CreatedAt     string                `json:"createdAt"`
	UpdatedAt     string                `json:"updatedAt"`
	CreatedBy     string                `json:"createdBy,omitempty"`
	UpdatedBy     string                `json:"updatedBy,omitempty"`
	Version       int64                 `json:"version"`
}

func ToPaymentDTO(p ledger.Payment) PaymentDTO {
	return PaymentDTO{
		ID:            string(p.ID),
		PaymentNumber: p.PaymentNumber,
		LegacyID:      p.LegacyID,
		ClientID:      string(p.ClientID),
		ClientName:    p.ClientName,
		OrderID:       p.OrderID,
		Clinic:        p.Clinic,
		Method:        string(p.Method),
		Type:          string(p.Type),
		Status:        string(p.Status),
		Amounts:       p.Amounts,
		Note:          p.Note,
		PaymentDate:   p.PaymentDate.Format(time.RFC3339),
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     p.UpdatedAt.Format(time.RFC3339),
		CreatedBy:     p.CreatedBy,
		UpdatedBy:     p.UpdatedBy,
		Version:       p.Version,
	}
}

func ToPaymentDTOs(ps []ledger.Payment) []PaymentDTO {
	out := make([]PaymentDTO, len(ps))
	for i, p := range ps {
		out[i] = ToPaymentDTO(p)
	}
	return out
}

type BucketAmountDTO struct {
	Bucket string          `json:"bucket"`
	Amount decimal.Decimal `json:"amount"`
}

// RefundDTO is the response of POST /payments/{id}/refunds.
type RefundDTO struct {
	Payment    PaymentDTO        `json:"payment"`
	Amount     decimal.Decimal   `json:"amount"`
	RefundType string            `json:"refundType"`
	Bucket     string            `json:"bucket"`
	Drained    []BucketAmountDTO `json:"drained"`
}

func toRefundDTO(p ledger.Payment, a ledger.RefundAllocation) RefundDTO {
	drained := make([]BucketAmountDTO, len(a.Drained))
	for i, d := range a.Drained {
		drained[i] = BucketAmountDTO{Bucket: string(d.Bucket), Amount: d.Amount}
	}
	return RefundDTO{
		Payment:    ToPaymentDTO(p),
		Amount:     a.Amount,
		RefundType: string(a.Type),
		Bucket:     string(a.Bucket),
		Drained:    drained,
	}
}

// =============================================================================
// ARCHIVES
// =============================================================================

type ArchiveDTO struct {
	ID         string     `json:"id"`
	OriginalID string     `json:"originalId"`
	Payment    PaymentDTO `json:"payment"`
	Reason     string     `json:"reason,omitempty"`
	ArchivedBy string     `json:"archivedBy,omitempty"`
	ArchivedAt string     `json:"archivedAt"`
	IsRestored bool       `json:"isRestored"`
	RestoredAt *string    `json:"restoredAt,omitempty"`
	RestoredBy string     `json:"restoredBy,omitempty"`
}

func ToArchiveDTO(r ledger.ArchiveRecord) ArchiveDTO {
	dto := ArchiveDTO{
		ID:         string(r.ID),
		OriginalID: string(r.OriginalID),
		Payment:    ToPaymentDTO(r.Payment),
		Reason:     r.Reason,
		ArchivedBy: r.ArchivedBy,
		ArchivedAt: r.ArchivedAt.Format(time.RFC3339),
		IsRestored: r.IsRestored,
		RestoredBy: r.RestoredBy,
	}
	if r.RestoredAt != nil {
		dto.RestoredAt = strPtr(r.RestoredAt.Format(time.RFC3339))
	}
	return dto
}

// =============================================================================
// SCENARIOS / MISC
// =============================================================================

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Payments    int    `json:"payments"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

type HealthDTO struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
}
