/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Actor headers and status mapping
- Invoice, payment and reversal endpoints
- Audited deletes and the audit query
- Login, staff and commission endpoints
- Cuadre endpoint and the daily scheduler
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/clinic-ledger/audit"
	"github.com/warp/clinic-ledger/billing"
	"github.com/warp/clinic-ledger/clinic"
	"github.com/warp/clinic-ledger/generic"
	"github.com/warp/clinic-ledger/logger"
	"github.com/warp/clinic-ledger/payroll"
	"github.com/warp/clinic-ledger/store/memory"
)

var (
	testZone = time.FixedZone("AST", -4*60*60)
	testNow  = time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

	admin     = clinic.Actor{Name: "Dra. Elizabeth Smith", Role: clinic.RoleAdmin}
	reception = clinic.Actor{Name: "Susi", Role: clinic.RoleReception}
	dentist   = clinic.Actor{Name: "Dr. Peña", Role: clinic.RoleProfessional}
)

func newTestRouter(t *testing.T) (*chi.Mux, *clinic.Session) {
	t.Helper()
	log := logger.Nop()
	session, err := clinic.NewSession(clinic.Options{
		Tenant:     "clinica-api",
		Store:      memory.New(),
		Clock:      generic.NewFixedClock(testNow),
		Zone:       testZone,
		ClinicName: "Clínica Test",
		Logger:     &log,
	})
	require.NoError(t, err)
	require.NoError(t, session.Open(context.Background()))
	t.Cleanup(func() { _ = session.Close(context.Background()) })

	return NewRouter(NewHandler(session), nil), session
}

func call(t *testing.T, router http.Handler, method, path string, actor *clinic.Actor, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set("X-Actor", actor.Name)
		req.Header.Set("X-Role", string(actor.Role))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func createInvoice(t *testing.T, router http.Handler, patient string, amount float64) InvoiceDTO {
	t.Helper()
	rec := call(t, router, http.MethodPost, "/api/invoices", &reception, CreateInvoiceRequest{
		Patient:      PatientDTO{ID: "pat-" + patient, Name: patient, Selected: true},
		Professional: "Dra. Elizabeth Smith",
		LineItems: []LineItemRequest{
			{Description: "Limpieza", Quantity: decimal.NewFromInt(1), UnitPrice: generic.NewMoney(amount)},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[CreateInvoiceResponse](t, rec).Invoice
}

// =============================================================================
// ACTOR AND STATUS MAPPING
// =============================================================================

func TestActorHeadersRequired(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := call(t, router, http.MethodGet, "/api/invoices", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(t, router, http.MethodGet, "/api/invoices", &clinic.Actor{Name: "x", Role: "janitor"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &generic.ValidationError{Field: "amount", Message: "required"}, http.StatusBadRequest},
		{"not found", fmt.Errorf("invoice x: %w", generic.ErrNotFound), http.StatusNotFound},
		{"forbidden", fmt.Errorf("reversal: %w", generic.ErrForbidden), http.StatusForbidden},
		{"stale", fmt.Errorf("save: %w", generic.ErrConcurrentModification), http.StatusConflict},
		{"not open", clinic.ErrNotOpen, http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := call(t, router, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "clinica-api", health["tenant"])

	rec = call(t, router, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// INVOICES AND PAYMENTS
// =============================================================================

func TestInvoicePaymentFlow(t *testing.T) {
	// GIVEN: An invoice of 1000
	router, _ := newTestRouter(t)
	inv := createInvoice(t, router, "Ana", 1000)
	assert.Equal(t, "F-0001", inv.Number)
	assert.Equal(t, billing.StatePending, inv.State)

	// WHEN: Reception collects 600 in cash
	rec := call(t, router, http.MethodPost, "/api/invoices/"+inv.ID+"/payments", &reception,
		PaymentRequest{Amount: generic.NewMoney(600), Method: billing.MethodCash})

	// THEN: The invoice is partial with 400 left and a receipt is returned
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody[PaymentResponse](t, rec)
	assert.Equal(t, billing.StatePartial, resp.Invoice.State)
	assert.Equal(t, "400.00", resp.Invoice.Balance.String())
	assert.Equal(t, "Susi", resp.Payment.ReceivedBy)
	assert.Contains(t, resp.Receipt, "RECIBO DE PAGO")

	// AND: Overpaying is rejected
	rec = call(t, router, http.MethodPost, "/api/invoices/"+inv.ID+"/payments", &reception,
		PaymentRequest{Amount: generic.NewMoney(500), Method: billing.MethodCash})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// AND: The patient still owes 400
	rec = call(t, router, http.MethodGet, "/api/patients/pat-Ana/balance", &reception, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "400.00", decodeBody[PatientBalanceDTO](t, rec).Owed.String())
}

func TestPayment_ProofOnlyForTransfers(t *testing.T) {
	router, _ := newTestRouter(t)
	inv := createInvoice(t, router, "Luis", 800)

	rec := call(t, router, http.MethodPost, "/api/invoices/"+inv.ID+"/payments", &reception,
		PaymentRequest{Amount: generic.NewMoney(800), Method: billing.MethodCash, ProofRef: "TRX-991"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, router, http.MethodPost, "/api/invoices/"+inv.ID+"/payments", &reception,
		PaymentRequest{Amount: generic.NewMoney(800), Method: billing.MethodTransfer, ProofRef: "TRX-991"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody[PaymentResponse](t, rec)
	assert.Equal(t, billing.StatePaid, resp.Invoice.State)
	assert.Equal(t, "TRX-991", resp.Payment.ProofRef)
}

func TestPayment_ProfessionalForbidden(t *testing.T) {
	router, _ := newTestRouter(t)
	inv := createInvoice(t, router, "Ana", 500)

	rec := call(t, router, http.MethodPost, "/api/invoices/"+inv.ID+"/payments", &dentist,
		PaymentRequest{Amount: generic.NewMoney(100), Method: billing.MethodCash})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPayBalance_OldestInvoiceFirst(t *testing.T) {
	router, _ := newTestRouter(t)
	first := createInvoice(t, router, "Ana", 300)
	createInvoice(t, router, "Ana", 700)

	rec := call(t, router, http.MethodPost, "/api/patients/balance-payments", &reception, BalancePaymentRequest{
		Patient:        PatientDTO{ID: "pat-Ana", Name: "Ana", Selected: true},
		PaymentRequest: PaymentRequest{Amount: generic.NewMoney(300), Method: billing.MethodCard},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody[PaymentResponse](t, rec)
	assert.Equal(t, first.ID, resp.Invoice.ID)
	assert.Equal(t, billing.StatePaid, resp.Invoice.State)
}

func TestReversal_AdminOnly(t *testing.T) {
	// GIVEN: A paid invoice
	router, _ := newTestRouter(t)
	inv := createInvoice(t, router, "Ana", 500)
	rec := call(t, router, http.MethodPost, "/api/invoices/"+inv.ID+"/payments", &reception,
		PaymentRequest{Amount: generic.NewMoney(500), Method: billing.MethodCash})
	require.Equal(t, http.StatusCreated, rec.Code)

	// WHEN: Reception tries to reverse it
	rec = call(t, router, http.MethodPost, "/api/invoices/"+inv.ID+"/reversals", &reception, ReversalRequest{Reason: "error"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// WHEN: The admin reverses it
	rec = call(t, router, http.MethodPost, "/api/invoices/"+inv.ID+"/reversals", &admin, ReversalRequest{Reason: "monto equivocado"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: The invoice is pending again and the reversal is listed
	rec = call(t, router, http.MethodGet, "/api/invoices/"+inv.ID, &reception, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[InvoiceDTO](t, rec)
	assert.Equal(t, billing.StatePending, got.State)
	assert.Empty(t, got.Payments)

	rec = call(t, router, http.MethodGet, "/api/invoices/"+inv.ID+"/reversals", &admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	reversals := decodeBody[[]billing.Reversal](t, rec)
	require.Len(t, reversals, 1)
	assert.Equal(t, "monto equivocado", reversals[0].Reason)
}

func TestGetInvoice_NotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := call(t, router, http.MethodGet, "/api/invoices/missing", &reception, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Failed to get invoice", decodeBody[ErrorResponse](t, rec).Error)
}

func TestListInvoices_FilterByState(t *testing.T) {
	router, _ := newTestRouter(t)
	paid := createInvoice(t, router, "Ana", 100)
	createInvoice(t, router, "Luis", 200)
	rec := call(t, router, http.MethodPost, "/api/invoices/"+paid.ID+"/payments", &reception,
		PaymentRequest{Amount: generic.NewMoney(100), Method: billing.MethodCash})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = call(t, router, http.MethodGet, "/api/invoices?state=pending", &reception, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]InvoiceDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "Luis", list[0].PatientName)
}

// =============================================================================
// AUDITED DELETES
// =============================================================================

func TestDeleteInvoice_Audited(t *testing.T) {
	// GIVEN: An invoice
	router, _ := newTestRouter(t)
	inv := createInvoice(t, router, "Ana", 250)

	// WHEN: Reception tries to delete it
	rec := call(t, router, http.MethodDelete, "/api/invoices/"+inv.ID, &reception, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// WHEN: The admin deletes it
	rec = call(t, router, http.MethodDelete, "/api/invoices/"+inv.ID, &admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: It is gone and the audit log has the deletion
	rec = call(t, router, http.MethodGet, "/api/invoices/"+inv.ID, &admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(t, router, http.MethodGet, "/api/audit?action=delete&kind=invoice", &admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]audit.Entry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, admin.Name, entries[0].Actor)
	assert.Contains(t, entries[0].Details, inv.Number)

	// AND: Only admins can read it
	rec = call(t, router, http.MethodGet, "/api/audit", &reception, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestExpenses_RegisterAndDelete(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := call(t, router, http.MethodPost, "/api/expenses", &reception, ExpenseRequest{
		Description: "Guantes", Amount: generic.NewMoney(350), Method: billing.MethodCash, Vendor: "Suplidora", Date: "2026-03-10",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeBody[map[string]any](t, rec)["id"].(string)

	rec = call(t, router, http.MethodPost, "/api/expenses", &reception, ExpenseRequest{
		Description: "Papel", Amount: generic.NewMoney(10), Method: billing.MethodCash, Date: "10/03/2026",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, router, http.MethodDelete, "/api/expenses/"+id, &admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(t, router, http.MethodGet, "/api/expenses", &reception, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

// =============================================================================
// STAFF
// =============================================================================

func TestLoginAndStaff(t *testing.T) {
	router, _ := newTestRouter(t)

	// GIVEN: The admin hires a professional with a password
	rec := call(t, router, http.MethodPost, "/api/staff", &admin, AddPersonRequest{
		Name: "Dr. Peña", Kind: "especialista", Password: "s3creta",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	hired := decodeBody[payroll.Person](t, rec)
	assert.Empty(t, hired.PasswordHash)

	// WHEN/THEN: Login succeeds with the right password only
	rec = call(t, router, http.MethodPost, "/api/login", nil, LoginRequest{Name: "Dr. Peña", Password: "s3creta"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, clinic.RoleProfessional, decodeBody[LoginResponse](t, rec).Role)

	rec = call(t, router, http.MethodPost, "/api/login", nil, LoginRequest{Name: "Dr. Peña", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// AND: Unknown kinds and non-admin hires are rejected
	rec = call(t, router, http.MethodPost, "/api/staff", &admin, AddPersonRequest{Name: "X", Kind: "janitor", Password: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = call(t, router, http.MethodPost, "/api/staff", &reception, AddPersonRequest{Name: "Y", Kind: "empleado", Password: "y"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// AND: The admin cannot be removed
	rec = call(t, router, http.MethodDelete, "/api/staff/1", &admin, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCommissionEndpoints(t *testing.T) {
	// GIVEN: A collected invoice for the regular professional
	router, _ := newTestRouter(t)
	inv := createInvoice(t, router, "Ana", 1000)
	rec := call(t, router, http.MethodPost, "/api/invoices/"+inv.ID+"/payments", &reception,
		PaymentRequest{Amount: generic.NewMoney(1000), Method: billing.MethodCash})
	require.Equal(t, http.StatusCreated, rec.Code)

	// WHEN: Reading the accrued commission
	rec = call(t, router, http.MethodGet, "/api/staff/1/commission", &admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	accrued := decodeBody[CommissionDTO](t, rec).Accrued
	assert.True(t, accrued.IsPositive())

	// THEN: Paying it needs an admin and resets the accrual
	rec = call(t, router, http.MethodPost, "/api/staff/1/commission/pay", &reception, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, router, http.MethodPost, "/api/staff/1/commission/pay", &admin, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	paid := decodeBody[CommissionPaidResponse](t, rec)
	assert.True(t, paid.Payout.Amount.Equal(accrued))
	assert.Contains(t, paid.Receipt, "RECIBO DE PAGO DE COMISIONES")
}

func TestStaffSalaries_AdminOnly(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := call(t, router, http.MethodGet, "/api/staff/salaries", &reception, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, router, http.MethodGet, "/api/staff/salaries", &admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	views := decodeBody[[]payroll.SalaryView](t, rec)
	assert.NotEmpty(t, views)
}

// =============================================================================
// CUADRE
// =============================================================================

func TestReconcileEndpoint(t *testing.T) {
	// GIVEN: 1000 collected in cash today
	router, _ := newTestRouter(t)
	inv := createInvoice(t, router, "Ana", 1000)
	rec := call(t, router, http.MethodPost, "/api/invoices/"+inv.ID+"/payments", &reception,
		PaymentRequest{Amount: generic.NewMoney(1000), Method: billing.MethodCash})
	require.Equal(t, http.StatusCreated, rec.Code)

	// WHEN: Reconciling today with 500 in the drawer
	opening := generic.NewMoney(500)
	rec = call(t, router, http.MethodPost, "/api/cuadre", &reception, ReconcileRequest{Date: "2026-03-10", OpeningCash: &opening})

	// THEN: Cash on hand is opening plus cash income
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[ReconciliationDTO](t, rec)
	assert.Equal(t, "2026-03-10", got.Day)
	assert.Equal(t, "1000.00", got.CashIncome.String())
	assert.Equal(t, "1500.00", got.CashOnHand.String())

	// AND: Negative opening cash and bad history windows are rejected
	negative := generic.NewMoney(-1)
	rec = call(t, router, http.MethodPost, "/api/cuadre", &reception, ReconcileRequest{OpeningCash: &negative})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = call(t, router, http.MethodGet, "/api/cuadre/history?days=zero", &reception, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, router, http.MethodGet, "/api/cuadre/history", &reception, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]ReconciliationDTO](t, rec))
}

func TestCuadreScheduler(t *testing.T) {
	// GIVEN: A cash payment today
	_, session := newTestRouter(t)
	_, err := session.CreateInvoice(reception, billing.CreateInvoiceInput{
		Patient:      billing.PatientRef{ID: "pat-Ana", Name: "Ana", Selected: true},
		Professional: "Dra. Elizabeth Smith",
		LineItems:    []billing.LineItem{{Description: "Consulta", Quantity: decimal.NewFromInt(1), UnitPrice: generic.NewMoney(200)}},
	})
	require.NoError(t, err)
	inv := session.Invoices()[0]
	_, err = session.ApplyPayment(reception, inv.ID, billing.PaymentInput{Amount: generic.NewMoney(200), Method: billing.MethodCash})
	require.NoError(t, err)

	// WHEN: The scheduler starts and runs once
	sched := NewCuadreScheduler(session, "23:55")
	require.NoError(t, sched.Start())
	assert.False(t, sched.NextRun().IsZero())
	sched.RunNow()
	sched.Stop()

	// THEN: Today's snapshot is stored and the scheduler is idle
	snap := session.Snapshot()
	rec, ok := snap.Cash.Snapshots[generic.DayKeyString(testNow, testZone)]
	require.True(t, ok)
	assert.Equal(t, "200.00", rec.CashIncome.String())
	assert.True(t, sched.NextRun().IsZero())
}

func TestCuadreScheduler_BadTime(t *testing.T) {
	_, session := newTestRouter(t)
	sched := NewCuadreScheduler(session, "25:99")
	assert.Error(t, sched.Start())
}
