/*
handlers.go - HTTP API handlers for the clinic ledger

PURPOSE:
  Exposes the clinic session via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every rule to the session.

ENDPOINTS:
  Invoices:
    GET    /api/invoices                      List invoices
    POST   /api/invoices                      Create invoice
    GET    /api/invoices/{id}                 Get invoice
    DELETE /api/invoices/{id}                 Delete invoice (admin, audited)
    POST   /api/invoices/{id}/payments        Apply payment
    GET    /api/invoices/{id}/reversals       Reversals of the invoice
    POST   /api/invoices/{id}/reversals       Reverse last payment (admin)

  Patients:
    POST   /api/patients                      Upsert patient
    GET    /api/patients/{id}/balance         Outstanding balance
    POST   /api/patients/balance-payments     Pay oldest open invoice
    POST   /api/appointments                  Upsert appointment

  Staff:
    POST   /api/login                         Check a staff password
    GET    /api/staff                         List staff
    POST   /api/staff                         Add staff (admin)
    DELETE /api/staff/{id}                    Remove staff (admin, audited)
    GET    /api/staff/salaries                Salary view (admin, audited)
    GET    /api/staff/{id}/commission         Accrued commission
    POST   /api/staff/{id}/commission/pay     Pay commission (admin)
    GET    /api/staff/{id}/earnings           Dashboard figures
    POST   /api/staff/{id}/advances           Record advance (admin)
    POST   /api/staff/{id}/salary/pay         Pay salary (admin, audited)

  Cash:
    GET    /api/expenses                      List expenses
    POST   /api/expenses                      Register expense
    DELETE /api/expenses/{id}                 Delete expense (admin, audited)
    POST   /api/cuadre                        Reconcile a day
    GET    /api/cuadre/history?days=7         Rolling history

  Audit:
    GET    /api/audit?actor=&action=&kind=    Query the audit log (admin)

ACTOR:
  Every endpoint except login reads the acting user from the X-Actor and
  X-Role headers. Identity is established upstream.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid amounts, overpayment
  - 401: Missing actor headers or bad credentials
  - 403: Role does not allow the action
  - 404: Resource not found
  - 409: Stale revision
  - 503: Document store unavailable

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/warp/clinic-ledger/audit"
	"github.com/warp/clinic-ledger/billing"
	"github.com/warp/clinic-ledger/clinic"
	"github.com/warp/clinic-ledger/cuadre"
	"github.com/warp/clinic-ledger/generic"
	"github.com/warp/clinic-ledger/logger"
	"github.com/warp/clinic-ledger/payroll"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Session *clinic.Session
	log     zerolog.Logger
}

// NewHandler creates a new handler over an opened session.
func NewHandler(session *clinic.Session) *Handler {
	return &Handler{Session: session, log: logger.WithComponent("api")}
}

type actorKey struct{}

// withActor rejects requests without X-Actor / X-Role and stores the
// actor in the request context.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSpace(r.Header.Get("X-Actor"))
		role, ok := clinic.ParseRole(r.Header.Get("X-Role"))
		if name == "" || !ok {
			writeError(w, http.StatusUnauthorized, "X-Actor and X-Role headers are required", nil)
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, clinic.Actor{Name: name, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(r *http.Request) clinic.Actor {
	a, _ := r.Context().Value(actorKey{}).(clinic.Actor)
	return a
}

func (h *Handler) invoiceDTO(inv billing.Invoice) InvoiceDTO {
	return InvoiceDTO{
		Invoice:          inv,
		Paid:             inv.Paid(),
		Balance:          inv.Balance(),
		BalanceFormatted: h.Session.Formatter().Format(inv.Balance()),
	}
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// ListInvoices returns invoices, optionally filtered by professional or state.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	professional := r.URL.Query().Get("professional")
	state := billing.State(r.URL.Query().Get("state"))

	dtos := []InvoiceDTO{}
	for _, inv := range h.Session.Invoices() {
		if professional != "" && !strings.EqualFold(inv.Professional, professional) {
			continue
		}
		if state != "" && inv.State != state {
			continue
		}
		dtos = append(dtos, h.invoiceDTO(inv))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Session.Invoice(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to get invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, h.invoiceDTO(inv))
}

func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.Session.CreateInvoice(actorFrom(r), req.input())
	if err != nil {
		h.fail(w, "Failed to create invoice", err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateInvoiceResponse{
		Invoice:     h.invoiceDTO(out.Invoice),
		Appointment: out.Appointment,
		LabOrders:   out.LabOrders,
	})
}

func (h *Handler) DeleteInvoice(w http.ResponseWriter, r *http.Request) {
	removed, err := h.Session.DeleteInvoice(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to delete invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, h.invoiceDTO(removed))
}

func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Session.ApplyPayment(actorFrom(r), chi.URLParam(r, "id"), req.input())
	if err != nil {
		h.fail(w, "Payment rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, PaymentResponse{Invoice: h.invoiceDTO(res.Invoice), Payment: res.Payment, Receipt: res.Receipt})
}

func (h *Handler) ListReversals(w http.ResponseWriter, r *http.Request) {
	out := h.Session.Reversals(chi.URLParam(r, "id"))
	if out == nil {
		out = []billing.Reversal{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ReverseLastPayment(w http.ResponseWriter, r *http.Request) {
	var req ReversalRequest
	if !decode(w, r, &req) {
		return
	}
	rev, err := h.Session.ReverseLastPayment(actorFrom(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, "Reversal rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, rev)
}

// =============================================================================
// PATIENT HANDLERS
// =============================================================================

func (h *Handler) UpsertPatient(w http.ResponseWriter, r *http.Request) {
	var req clinic.Patient
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Session.UpsertPatient(req)
	if err != nil {
		h.fail(w, "Failed to save patient", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PatientBalance matches by id, or by ?name= for invoices typed without one.
func (h *Handler) PatientBalance(w http.ResponseWriter, r *http.Request) {
	ref := PatientDTO{ID: chi.URLParam(r, "id"), Name: r.URL.Query().Get("name")}
	owed, err := h.Session.PatientBalance(ref.ref())
	if err != nil {
		h.fail(w, "Failed to compute balance", err)
		return
	}
	writeJSON(w, http.StatusOK, PatientBalanceDTO{Patient: ref, Owed: owed, Formatted: h.Session.Formatter().Format(owed)})
}

func (h *Handler) PayBalance(w http.ResponseWriter, r *http.Request) {
	var req BalancePaymentRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Session.PayBalance(actorFrom(r), req.Patient.ref(), req.PaymentRequest.input())
	if err != nil {
		h.fail(w, "Payment rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, PaymentResponse{Invoice: h.invoiceDTO(res.Invoice), Payment: res.Payment, Receipt: res.Receipt})
}

func (h *Handler) UpsertAppointment(w http.ResponseWriter, r *http.Request) {
	var req billing.Appointment
	if !decode(w, r, &req) {
		return
	}
	a, err := h.Session.UpsertAppointment(req)
	if err != nil {
		h.fail(w, "Failed to save appointment", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// =============================================================================
// STAFF HANDLERS
// =============================================================================

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decode(w, r, &req) {
		return
	}
	actor, err := h.Session.Authenticate(req.Name, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials", nil)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Name: actor.Name, Role: actor.Role})
}

func (h *Handler) ListStaff(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Session.Staff())
}

func (h *Handler) AddPerson(w http.ResponseWriter, r *http.Request) {
	var req AddPersonRequest
	if !decode(w, r, &req) {
		return
	}
	kind, ok := payroll.ParseKind(req.Kind)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown staff kind", errors.New(req.Kind))
		return
	}
	p, err := h.Session.AddPerson(actorFrom(r), payroll.NewPerson{
		Name:               req.Name,
		Kind:               kind,
		IsAdmin:            req.IsAdmin,
		CanAccessReception: req.CanAccessReception,
		Salary:             req.Salary,
		Password:           req.Password,
		License:            req.License,
	})
	if err != nil {
		h.fail(w, "Failed to add staff", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) RemovePerson(w http.ResponseWriter, r *http.Request) {
	p, err := h.Session.RemovePerson(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to remove staff", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) StaffSalaries(w http.ResponseWriter, r *http.Request) {
	views, err := h.Session.StaffSalaryView(r.Context(), actorFrom(r))
	if err != nil {
		h.fail(w, "Failed to load salaries", err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) AccruedCommission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	accrued, err := h.Session.AccruedCommission(id)
	if err != nil {
		h.fail(w, "Failed to compute commission", err)
		return
	}
	writeJSON(w, http.StatusOK, CommissionDTO{PersonID: id, Accrued: accrued})
}

func (h *Handler) PayCommission(w http.ResponseWriter, r *http.Request) {
	payout, receipt, err := h.Session.PayCommission(actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to pay commission", err)
		return
	}
	writeJSON(w, http.StatusCreated, CommissionPaidResponse{Payout: payout, Receipt: receipt})
}

func (h *Handler) Earnings(w http.ResponseWriter, r *http.Request) {
	e, err := h.Session.Earnings(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to compute earnings", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) RecordAdvance(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.Session.RecordAdvance(actorFrom(r), payroll.AdvanceInput{
		PersonID: chi.URLParam(r, "id"),
		Amount:   req.Amount,
		Notes:    req.Notes,
	})
	if err != nil {
		h.fail(w, "Failed to record advance", err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) PaySalary(w http.ResponseWriter, r *http.Request) {
	payout, receipt, err := h.Session.PaySalary(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to pay salary", err)
		return
	}
	writeJSON(w, http.StatusCreated, SalaryPaidResponse{Payout: payout, Receipt: receipt})
}

// =============================================================================
// CASH HANDLERS
// =============================================================================

func (h *Handler) ListExpenses(w http.ResponseWriter, r *http.Request) {
	out := h.Session.Expenses()
	if out == nil {
		out = []cuadre.Expense{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) RegisterExpense(w http.ResponseWriter, r *http.Request) {
	var req ExpenseRequest
	if !decode(w, r, &req) {
		return
	}
	in := cuadre.ExpenseInput{
		Description: req.Description,
		Amount:      req.Amount,
		Method:      req.Method,
		Vendor:      req.Vendor,
		ReceiptRef:  req.ReceiptRef,
	}
	if req.Date != "" {
		day, err := parseDay(req.Date, h.Session.Zone())
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
			return
		}
		in.Date = day
	}
	e, err := h.Session.RegisterExpense(actorFrom(r), in)
	if err != nil {
		h.fail(w, "Failed to register expense", err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *Handler) DeleteExpense(w http.ResponseWriter, r *http.Request) {
	e, err := h.Session.DeleteExpense(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to delete expense", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if !decode(w, r, &req) {
		return
	}
	day := h.Session.Now()
	if req.Date != "" {
		parsed, err := parseDay(req.Date, h.Session.Zone())
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
			return
		}
		day = parsed
	}
	rec, err := h.Session.ReconcileDay(day, req.OpeningCash)
	if err != nil {
		h.fail(w, "Failed to reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, h.reconciliationDTO(rec))
}

func (h *Handler) CuadreHistory(w http.ResponseWriter, r *http.Request) {
	days := cuadre.DefaultHistoryDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer", err)
			return
		}
		days = n
	}
	history, err := h.Session.CuadreHistory(days)
	if err != nil {
		h.fail(w, "Failed to load history", err)
		return
	}
	dtos := make([]ReconciliationDTO, len(history))
	for i, rec := range history {
		dtos[i] = h.reconciliationDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) reconciliationDTO(rec cuadre.DailyReconciliation) ReconciliationDTO {
	return ReconciliationDTO{DailyReconciliation: rec, Day: rec.Date.In(h.Session.Zone()).Format(time.DateOnly)}
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

func (h *Handler) AuditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{Actor: q.Get("actor"), Action: audit.Action(q.Get("action")), EntityKind: q.Get("kind")}
	if since := q.Get("since"); since != "" {
		day, err := parseDay(since, h.Session.Zone())
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since format (use YYYY-MM-DD)", err)
			return
		}
		f.Since = day
	}
	entries, err := h.Session.AuditLog(actorFrom(r), f)
	if err != nil {
		h.fail(w, "Failed to read audit log", err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// =============================================================================
// HELPERS
// =============================================================================

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// statusFor maps ledger errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case generic.IsClientError(err):
		return http.StatusBadRequest
	case generic.IsForbidden(err):
		return http.StatusForbidden
	case errors.Is(err, generic.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, generic.ErrPersistence), errors.Is(err, clinic.ErrNotOpen):
		return http.StatusServiceUnavailable
	case generic.IsNotFound(err):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg(message)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
