package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/warp/payment-ledger/reporting"
)

// =============================================================================
// REPORT HANDLERS
// =============================================================================
//
//   GET /api/reports/outstanding?clinic=
//   GET /api/reports/revenue?clinic=&from=&to=
//   GET /api/reports/breakdown?clinic=&by=type|method_type
//   GET /api/reports/aging?clinic=&asOf=
//   GET /api/reports/accounts?clinic=&sort=name|owed&order=asc|desc&page=&pageSize=

func (h *Handler) OutstandingReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Reports.Outstanding(r.Context(), r.URL.Query().Get("clinic"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) RevenueReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseDateParam(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from date", err)
		return
	}
	to, err := parseDateParam(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to date", err)
		return
	}

	rep, err := h.Reports.Revenue(r.Context(), q.Get("clinic"), from, to)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) BreakdownReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	by := reporting.GroupBy(q.Get("by"))
	switch by {
	case "":
		by = reporting.GroupByMethodAndType
	case reporting.GroupByType, reporting.GroupByMethodAndType:
	default:
		writeError(w, http.StatusBadRequest, "Invalid grouping (use type or method_type)", nil)
		return
	}

	rows, err := h.Reports.Breakdown(r.Context(), q.Get("clinic"), by)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) AgingReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var asOf time.Time
	if t, err := parseDateParam(q.Get("asOf")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid asOf date", err)
		return
	} else if t != nil {
		asOf = *t
	}

	rep, err := h.Reports.Aging(r.Context(), q.Get("clinic"), asOf)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) AccountsReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	aq := reporting.AccountQuery{
		Sort:       reporting.SortField(q.Get("sort")),
		Descending: q.Get("order") == "desc",
	}
	var err error
	if aq.Page, err = parseIntParam(q.Get("page")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid page", err)
		return
	}
	if aq.PageSize, err = parseIntParam(q.Get("pageSize")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid pageSize", err)
		return
	}

	page, err := h.Reports.Accounts(r.Context(), q.Get("clinic"), aq)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(page.TotalRows))
	writeJSON(w, http.StatusOK, page)
}
