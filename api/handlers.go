/*
handlers.go - HTTP API handlers for the payment ledger

PURPOSE:
  Exposes the ledger and reporting engines via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the engines.

ENDPOINTS:
  Payments:
    POST   /api/payments                   Create payment
    GET    /api/payments                   List (clinic, clientId, status, from, to, outstanding, limit, offset)
    GET    /api/payments/{id}              Get payment
    GET    /api/payments/number/{number}   Get payment by PAY number
    POST   /api/payments/{id}/amounts      Add to a bucket
    POST   /api/payments/{id}/refunds      Process refund
    POST   /api/payments/{id}/write-off    Close as written off
    POST   /api/payments/{id}/fail         Close as failed
    DELETE /api/payments/{id}              Archive

  Archives:
    GET    /api/archives                   List (clientId, clinic, restored)
    GET    /api/archives/{id}              Get archive
    POST   /api/archives/{id}/restore      Mark restored
    POST   /api/archives/{id}/reinstate    Make the payment live again

  Reconciliation:
    GET    /api/reconciliation/runs        Past sweeps, newest first
    POST   /api/reconciliation/run         Sweep now

  Reports: see reports.go. Scenarios: see scenarios.go.

ERROR HANDLING:
  Errors are returned as JSON with a status chosen from ledger.KindOf:
  - 400: Validation errors, malformed body
  - 404: Payment or archive not found
  - 409: Conflict after retries, archive already restored
  - 422: Business rule (refund not allowed, exceeds collected, closed payment)
  - 503: Storage unavailable or timed out, safe to retry
  - 500: Anything else

SECURITY NOTE:
  No authentication. The actor field of a request body is recorded as-is.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/payment-ledger/ledger"
	"github.com/warp/payment-ledger/reporting"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger is a dependency checked by GET /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger  *ledger.Engine
	Reports *reporting.Engine

	log      *zap.Logger
	validate *validator.Validate
	checks   map[string]Pinger

	scheduler *ReconciliationScheduler

	mu              sync.Mutex
	currentScenario string
}

func NewHandler(eng *ledger.Engine, reports *reporting.Engine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Ledger:   eng,
		Reports:  reports,
		log:      log,
		validate: validator.New(),
		checks:   map[string]Pinger{},
	}
}

// AddHealthCheck registers a dependency reported by GET /health.
func (h *Handler) AddHealthCheck(name string, p Pinger) {
	h.checks[name] = p
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	method, ok := ledger.ParseMethod(req.Method)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid payment method", fmt.Errorf("unknown method %q", req.Method))
		return
	}
	typ, ok := ledger.ParseBucket(req.Type)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid payment type", fmt.Errorf("unknown bucket %q", req.Type))
		return
	}
	buckets := make(map[ledger.Bucket]decimal.Decimal, len(req.Buckets))
	for name, v := range req.Buckets {
		b, ok := ledger.ParseBucket(name)
		if !ok {
			writeError(w, http.StatusBadRequest, "Invalid bucket", fmt.Errorf("unknown bucket %q", name))
			return
		}
		buckets[b] = v
	}

	in := ledger.CreatePayment{
		ClientID:           ledger.ClientID(req.ClientID),
		ClientName:         req.ClientName,
		Clinic:             req.Clinic,
		OrderID:            req.OrderID,
		LegacyID:           req.LegacyID,
		Method:             method,
		Type:               typ,
		TotalPaymentAmount: req.TotalPaymentAmount,
		Buckets:            buckets,
		Note:               req.Note,
		Actor:              actorOr(req.Actor, r),
	}
	if req.PaymentDate != nil {
		in.PaymentDate = req.PaymentDate.UTC()
	}

	p, err := h.Ledger.Create(r.Context(), in)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ToPaymentDTO(p))
}

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	f, err := parsePaymentFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}
	ps, err := h.Ledger.List(r.Context(), f)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ToPaymentDTOs(ps))
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Ledger.Get(r.Context(), ledger.PaymentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ToPaymentDTO(p))
}

func (h *Handler) GetPaymentByNumber(w http.ResponseWriter, r *http.Request) {
	p, err := h.Ledger.GetByNumber(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ToPaymentDTO(p))
}

func (h *Handler) AddAmount(w http.ResponseWriter, r *http.Request) {
	var req AddAmountRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	b, ok := ledger.ParseBucket(req.Bucket)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid bucket", fmt.Errorf("unknown bucket %q", req.Bucket))
		return
	}

	p, err := h.Ledger.AddAmount(r.Context(), ledger.PaymentID(chi.URLParam(r, "id")), b, req.Amount, actorOr(req.Actor, r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ToPaymentDTO(p))
}

func (h *Handler) ProcessRefund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	rt, _ := ledger.ParseRefundType(req.RefundType)

	p, alloc, err := h.Ledger.ProcessRefund(r.Context(), ledger.PaymentID(chi.URLParam(r, "id")), req.Amount, rt, actorOr(req.Actor, r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRefundDTO(p, alloc))
}

func (h *Handler) WriteOff(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	p, err := h.Ledger.WriteOff(r.Context(), ledger.PaymentID(chi.URLParam(r, "id")), req.Note, actorOr(req.Actor, r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ToPaymentDTO(p))
}

func (h *Handler) MarkFailed(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	p, err := h.Ledger.MarkFailed(r.Context(), ledger.PaymentID(chi.URLParam(r, "id")), req.Note, actorOr(req.Actor, r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ToPaymentDTO(p))
}

// ArchivePayment soft-deletes the payment and returns the archive record.
func (h *Handler) ArchivePayment(w http.ResponseWriter, r *http.Request) {
	var req ArchiveRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	rec, err := h.Ledger.Archive(r.Context(), ledger.PaymentID(chi.URLParam(r, "id")), req.Reason, actorOr(req.Actor, r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ToArchiveDTO(rec))
}

// =============================================================================
// ARCHIVE HANDLERS
// =============================================================================

func (h *Handler) ListArchives(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.ArchiveFilter{
		ClientID: ledger.ClientID(q.Get("clientId")),
		Clinic:   q.Get("clinic"),
	}
	if s := q.Get("restored"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid restored flag", err)
			return
		}
		f.Restored = &v
	}

	recs, err := h.Ledger.ListArchives(r.Context(), f)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]ArchiveDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = ToArchiveDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetArchive(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Ledger.GetArchive(r.Context(), ledger.ArchiveID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ToArchiveDTO(rec))
}

func (h *Handler) RestoreArchive(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	rec, err := h.Ledger.Restore(r.Context(), ledger.ArchiveID(chi.URLParam(r, "id")), actorOr(req.Actor, r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ToArchiveDTO(rec))
}

func (h *Handler) ReinstateArchive(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	p, err := h.Ledger.Reinstate(r.Context(), ledger.ArchiveID(chi.URLParam(r, "id")), actorOr(req.Actor, r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ToPaymentDTO(p))
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthDTO{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. An empty body is accepted only
// when optional is set. On failure the response has been written.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return false
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Validation failed",
			Kind:    string(ledger.KindValidation),
			Details: formatValidationErrors(err),
		})
		return false
	}
	return true
}

func formatValidationErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field()[:1]) + fe.Field()[1:]
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "oneof":
			msgs = append(msgs, field+" must be one of "+strings.Join(strings.Fields(fe.Param()), ", "))
		case "max":
			msgs = append(msgs, field+" must be at most "+fe.Param()+" characters")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, ", ")
}

// actorOr returns actor, or the request id when the body names no actor.
func actorOr(actor string, r *http.Request) string {
	if actor != "" {
		return actor
	}
	if id := middleware.GetReqID(r.Context()); id != "" {
		return "api:" + id
	}
	return "api"
}

// statusFor maps a ledger error to an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, ledger.ErrAlreadyRestored) {
		return http.StatusConflict
	}
	switch ledger.KindOf(err) {
	case ledger.KindValidation:
		return http.StatusBadRequest
	case ledger.KindBusinessRule:
		return http.StatusUnprocessableEntity
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindConflict:
		return http.StatusConflict
	case ledger.KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Kind:    string(ledger.KindOf(err)),
		Details: err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if status == http.StatusBadRequest {
		resp.Kind = string(ledger.KindValidation)
	}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func strPtr(s string) *string {
	return &s
}

// =============================================================================
// QUERY PARSING
// =============================================================================

func parsePaymentFilter(r *http.Request) (ledger.PaymentFilter, error) {
	q := r.URL.Query()
	f := ledger.PaymentFilter{
		Clinic:   q.Get("clinic"),
		ClientID: ledger.ClientID(q.Get("clientId")),
	}
	if s := q.Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			f.Statuses = append(f.Statuses, ledger.Status(strings.TrimSpace(part)))
		}
	}
	var err error
	if f.From, err = parseDateParam(q.Get("from")); err != nil {
		return f, fmt.Errorf("from: %w", err)
	}
	if f.To, err = parseDateParam(q.Get("to")); err != nil {
		return f, fmt.Errorf("to: %w", err)
	}
	if s := q.Get("outstanding"); s != "" {
		if f.OnlyOutstanding, err = strconv.ParseBool(s); err != nil {
			return f, fmt.Errorf("outstanding: %w", err)
		}
	}
	if f.Limit, err = parseIntParam(q.Get("limit")); err != nil {
		return f, fmt.Errorf("limit: %w", err)
	}
	if f.Offset, err = parseIntParam(q.Get("offset")); err != nil {
		return f, fmt.Errorf("offset: %w", err)
	}
	return f, nil
}

// parseDateParam accepts RFC3339 or YYYY-MM-DD. Empty means unset.
func parseDateParam(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q (use YYYY-MM-DD or RFC3339)", s)
	}
	return &t, nil
}

func parseIntParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid non-negative integer %q", s)
	}
	return n, nil
}
