/*
billing_test.go - Tests for invoice creation, payments and reversals

Tests for:
- Totals, numbering and validation on CreateInvoice
- Appointment linking and lab-order side effects
- Payment application, overpayment and state derivation
- LIFO reversal as the exact inverse of the last payment
*/
package billing

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/clinic-ledger/generic"
)

var (
	testZone = time.FixedZone("AST", -4*60*60)
	testNow  = time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
)

func money(v float64) generic.Money { return generic.NewMoney(v) }

func patient(name string) PatientRef { return PatientRef{ID: "pat-" + name, Name: name, Selected: true} }

func item(desc string, qty int64, price float64) LineItem {
	return LineItem{Description: desc, Quantity: decimal.NewFromInt(qty), UnitPrice: money(price)}
}

func createOne(t *testing.T, b *Book, total float64) *Invoice {
	t.Helper()
	out, err := b.CreateInvoice(CreateInvoiceInput{
		Patient:      patient("Ana"),
		Professional: "Dr. Peña",
		LineItems:    []LineItem{item("Limpieza", 1, total)},
	}, testNow, testZone)
	require.NoError(t, err)
	inv, err := b.Find(out.Invoice.ID)
	require.NoError(t, err)
	return inv
}

// =============================================================================
// STATE DERIVATION
// =============================================================================

func TestDeriveState(t *testing.T) {
	tests := []struct {
		name  string
		total float64
		paid  float64
		want  State
	}{
		{"nothing paid", 1000, 0, StatePending},
		{"some paid", 1000, 400, StatePartial},
		{"fully paid", 1000, 1000, StatePaid},
		{"paid within rounding", 1000, 1000.01, StatePaid},
		{"zero total owes nothing", 0, 0, StatePaid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveState(money(tt.total), money(tt.paid)))
		})
	}
}

// =============================================================================
// CREATE INVOICE
// =============================================================================

func TestCreateInvoice_TotalsWithDiscountAndLab(t *testing.T) {
	// GIVEN: two procedures, one lab line and a 10% discount
	b := &Book{}
	out, err := b.CreateInvoice(CreateInvoiceInput{
		Patient:      patient("Ana"),
		Professional: "Dr. Peña",
		LineItems:    []LineItem{item("Resina", 2, 1500), item("Limpieza", 1, 1000)},
		LabLines: []LabLine{{
			Description: "Corona", Laboratory: "LabDent", Price: money(4000), Cost: money(2500),
		}},
		DiscountPercent: decimal.NewFromInt(10),
	}, testNow, testZone)

	// THEN: subtotal = 3000 + 1000 + 4000, total = 90%
	require.NoError(t, err)
	inv := out.Invoice
	assert.True(t, inv.Subtotal.Equal(money(8000)), "subtotal %s", inv.Subtotal)
	assert.True(t, inv.Total.Equal(money(7200)), "total %s", inv.Total)
	assert.Equal(t, StatePending, inv.State)
	assert.Equal(t, "F-0001", inv.Number)
	assert.Empty(t, inv.Payments)

	// AND: one lab order in its first status, with margin
	require.Len(t, out.LabOrders, 1)
	order := out.LabOrders[0]
	assert.Equal(t, inv.ID, order.InvoiceID)
	assert.Equal(t, LabImpressionTaken, order.Status)
	assert.True(t, order.Margin.Equal(money(1500)))
	require.Len(t, order.Timeline, 1)
	assert.Equal(t, []string{order.ID}, inv.LabOrderRefs)
	assert.Len(t, b.LabOrders, 1)
}

func TestCreateInvoice_Validation(t *testing.T) {
	tests := []struct {
		name  string
		input CreateInvoiceInput
		field string
	}{
		{
			name:  "typed patient",
			input: CreateInvoiceInput{Patient: PatientRef{Name: "Ana"}, Professional: "Dr. Peña", LineItems: []LineItem{item("x", 1, 1)}},
			field: "patient",
		},
		{
			name:  "no lines",
			input: CreateInvoiceInput{Patient: patient("Ana"), Professional: "Dr. Peña"},
			field: "lineItems",
		},
		{
			name:  "zero quantity",
			input: CreateInvoiceInput{Patient: patient("Ana"), Professional: "Dr. Peña", LineItems: []LineItem{item("x", 0, 1)}},
			field: "lineItems[0]",
		},
		{
			name: "lab without laboratory",
			input: CreateInvoiceInput{Patient: patient("Ana"), Professional: "Dr. Peña",
				LabLines: []LabLine{{Description: "Corona", Price: money(10)}}},
			field: "labLines[0]",
		},
		{
			name: "discount over 100",
			input: CreateInvoiceInput{Patient: patient("Ana"), Professional: "Dr. Peña",
				LineItems: []LineItem{item("x", 1, 1)}, DiscountPercent: decimal.NewFromInt(101)},
			field: "discountPercent",
		},
		{
			name:  "no professional",
			input: CreateInvoiceInput{Patient: patient("Ana"), LineItems: []LineItem{item("x", 1, 1)}},
			field: "professional",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Book{}
			_, err := b.CreateInvoice(tt.input, testNow, testZone)

			var verr *generic.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
			assert.ErrorIs(t, err, generic.ErrValidation)
			assert.Empty(t, b.Invoices)
			assert.Zero(t, b.InvoiceSeq)
		})
	}
}

func TestCreateInvoice_NumbersStrictlyIncrease(t *testing.T) {
	b := &Book{}
	var numbers []int
	for i := 0; i < 5; i++ {
		inv := createOne(t, b, 100)
		numbers = append(numbers, ParseNumber(inv.Number))
	}
	for i := 1; i < len(numbers); i++ {
		assert.Greater(t, numbers[i], numbers[i-1])
	}
}

func TestCreateInvoice_NumberNotReusedAfterDelete(t *testing.T) {
	// GIVEN: F-0001..F-0003 and the newest is deleted
	b := &Book{}
	createOne(t, b, 100)
	createOne(t, b, 100)
	last := createOne(t, b, 100)
	_, err := b.DeleteInvoice(last.ID)
	require.NoError(t, err)

	// WHEN: another invoice is created
	next := createOne(t, b, 100)

	// THEN: the deleted number is not handed out again
	assert.Equal(t, "F-0004", next.Number)
}

func TestCreateInvoice_ScanCoversLegacyNumbers(t *testing.T) {
	// GIVEN: imported invoices with a malformed and a high number
	b := &Book{Invoices: []Invoice{
		{ID: "a", Number: "F-0041", Total: money(1), State: StatePending},
		{ID: "b", Number: "legacy", Total: money(1), State: StatePending},
	}}

	inv := createOne(t, b, 100)

	assert.Equal(t, "F-0042", inv.Number)
	assert.Equal(t, 42, b.InvoiceSeq)
}

func TestParseNumber(t *testing.T) {
	assert.Equal(t, 12, ParseNumber("F-0012"))
	assert.Equal(t, 12345, ParseNumber("F-12345"))
	assert.Equal(t, 0, ParseNumber("F-abc"))
	assert.Equal(t, 0, ParseNumber(""))
	assert.Equal(t, "F-0007", FormatNumber(7))
}

func TestCreateInvoice_LinksEarliestSameDayAppointment(t *testing.T) {
	// GIVEN: three appointments today for Ana with Dr. Peña, one cancelled,
	// plus one for tomorrow
	morning := time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)
	b := &Book{Appointments: []Appointment{
		{ID: "late", Date: morning, PatientID: "pat-Ana", PatientName: "Ana", Professional: "Dr. Peña",
			Status: AppointmentPending, CreatedAt: testNow.Add(-time.Hour)},
		{ID: "early", Date: morning, PatientID: "pat-Ana", PatientName: "Ana", Professional: "Dr. Peña",
			Status: AppointmentConfirmed, CreatedAt: testNow.Add(-48 * time.Hour), Hour: "09:00", Reason: "Dolor"},
		{ID: "cancelled", Date: morning, PatientID: "pat-Ana", PatientName: "Ana", Professional: "Dr. Peña",
			Status: AppointmentCancelled, CreatedAt: testNow.Add(-72 * time.Hour)},
		{ID: "tomorrow", Date: morning.Add(24 * time.Hour), PatientID: "pat-Ana", PatientName: "Ana", Professional: "Dr. Peña",
			Status: AppointmentPending, CreatedAt: testNow.Add(-96 * time.Hour)},
	}}

	// WHEN
	out, err := b.CreateInvoice(CreateInvoiceInput{
		Patient:      patient("Ana"),
		Professional: "Dr. Peña",
		LineItems:    []LineItem{item("Resina", 1, 1500), item("Limpieza", 1, 1000)},
	}, testNow, testZone)

	// THEN: the earliest-created qualifying appointment is completed and linked
	require.NoError(t, err)
	require.NotNil(t, out.Appointment)
	assert.Equal(t, "early", out.Appointment.ID)
	assert.Equal(t, "early", out.Invoice.LinkedAppointmentID)
	assert.Equal(t, "09:00", out.Invoice.AppointmentHour)
	assert.Equal(t, "Dolor", out.Invoice.AppointmentReason)

	early := b.Appointments[1]
	assert.Equal(t, AppointmentCompleted, early.Status)
	assert.Equal(t, "Resina, Limpieza", early.ProceduresPerformed)
	require.NotNil(t, early.CompletedAt)
	assert.Equal(t, out.Invoice.ID, early.InvoiceID)
	assert.Equal(t, AppointmentPending, b.Appointments[0].Status)
	assert.Equal(t, AppointmentCancelled, b.Appointments[2].Status)
}

func TestCreateInvoice_NoAppointmentForOtherProfessional(t *testing.T) {
	b := &Book{Appointments: []Appointment{
		{ID: "x", Date: testNow, PatientName: "Ana", Professional: "Dr. Soto", Status: AppointmentPending, CreatedAt: testNow},
	}}

	out, err := b.CreateInvoice(CreateInvoiceInput{
		Patient: patient("Ana"), Professional: "Dr. Peña", LineItems: []LineItem{item("x", 1, 10)},
	}, testNow, testZone)

	require.NoError(t, err)
	assert.Nil(t, out.Appointment)
	assert.Empty(t, out.Invoice.LinkedAppointmentID)
	assert.Equal(t, AppointmentPending, b.Appointments[0].Status)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestApplyPayment_ScenarioA(t *testing.T) {
	// GIVEN: an invoice of 1000
	b := &Book{}
	inv := createOne(t, b, 1000)

	// WHEN: 400 is paid
	_, err := ApplyPayment(inv, PaymentInput{Amount: money(400), Method: MethodCash}, testNow)
	require.NoError(t, err)

	// THEN: partial with 600 left
	assert.Equal(t, StatePartial, inv.State)
	assert.True(t, inv.Balance().Equal(money(600)))

	// WHEN: the remaining 600 is paid
	_, err = ApplyPayment(inv, PaymentInput{Amount: money(600), Method: MethodCard}, testNow)
	require.NoError(t, err)
	assert.Equal(t, StatePaid, inv.State)

	// WHEN: the last payment is reversed
	rev, err := b.ReverseLastPayment(inv.ID, "wrong card", "admin", testNow)
	require.NoError(t, err)

	// THEN: back to partial with one reversal of 600
	inv, _ = b.Find(inv.ID)
	assert.Equal(t, StatePartial, inv.State)
	assert.True(t, inv.Balance().Equal(money(600)))
	require.Len(t, b.Reversals, 1)
	assert.True(t, rev.AmountReversed.Equal(money(600)))
	assert.Equal(t, MethodCard, rev.Method)
	assert.Equal(t, "wrong card", rev.Reason)
	assert.Equal(t, "admin", rev.ReversedBy)
	assert.Equal(t, inv.Number, rev.InvoiceNumber)
}

func TestApplyPayment_ScenarioB_Overpayment(t *testing.T) {
	// GIVEN: an invoice of 500
	b := &Book{}
	inv := createOne(t, b, 500)

	// WHEN: 600 is attempted
	_, err := ApplyPayment(inv, PaymentInput{Amount: money(600), Method: MethodCash}, testNow)

	// THEN: rejected, ledger untouched
	var op *generic.OverpaymentError
	require.True(t, errors.As(err, &op))
	assert.True(t, op.Balance.Equal(money(500)))
	assert.ErrorIs(t, err, generic.ErrOverpayment)
	assert.Empty(t, inv.Payments)
	assert.Equal(t, StatePending, inv.State)
}

func TestApplyPayment_EpsilonTolerance(t *testing.T) {
	b := &Book{}
	inv := createOne(t, b, 100)

	_, err := ApplyPayment(inv, PaymentInput{Amount: money(100.01), Method: MethodCash}, testNow)
	require.NoError(t, err)
	assert.Equal(t, StatePaid, inv.State)

	_, err = ApplyPayment(inv, PaymentInput{Amount: money(0.02), Method: MethodCash}, testNow)
	assert.ErrorIs(t, err, generic.ErrOverpayment)
}

func TestApplyPayment_Rejections(t *testing.T) {
	b := &Book{}
	inv := createOne(t, b, 100)

	_, err := ApplyPayment(inv, PaymentInput{Amount: money(0), Method: MethodCash}, testNow)
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)

	_, err = ApplyPayment(inv, PaymentInput{Amount: money(-5), Method: MethodCash}, testNow)
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)

	_, err = ApplyPayment(inv, PaymentInput{Amount: money(5), Method: "cheque"}, testNow)
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = ApplyPayment(inv, PaymentInput{Amount: money(5), Method: MethodCash, ProofRef: "img://1"}, testNow)
	assert.ErrorIs(t, err, generic.ErrValidation)

	assert.Empty(t, inv.Payments)
}

func TestApplyPayment_TransferKeepsProof(t *testing.T) {
	b := &Book{}
	inv := createOne(t, b, 100)

	p, err := b.ApplyPayment(inv.ID, PaymentInput{Amount: money(100), Method: MethodTransfer, ProofRef: "img://1"}, testNow)

	require.NoError(t, err)
	assert.Equal(t, "img://1", p.ProofRef)
	assert.Equal(t, time.UTC, p.Timestamp.Location())
}

func TestApplyPayment_NeverExceedsTotal(t *testing.T) {
	// Property: Σ payments <= total + ε after any sequence of attempts
	b := &Book{}
	inv := createOne(t, b, 333.33)
	attempts := []float64{100, 250, 0.01, 233.33, 5, 0.005, 1}
	for _, a := range attempts {
		_, _ = ApplyPayment(inv, PaymentInput{Amount: money(a), Method: MethodCash}, testNow)
		assert.False(t, inv.Paid().GreaterThan(inv.Total.Add(generic.Epsilon)))
		assert.Equal(t, DeriveState(inv.Total, inv.Paid()), inv.State)
	}
}

// =============================================================================
// REVERSALS
// =============================================================================

func TestReverseLastPayment_ExactInverse(t *testing.T) {
	b := &Book{}
	inv := createOne(t, b, 1000)
	_, err := ApplyPayment(inv, PaymentInput{Amount: money(300), Method: MethodCash}, testNow)
	require.NoError(t, err)

	paidBefore, stateBefore := inv.Paid(), inv.State

	_, err = ApplyPayment(inv, PaymentInput{Amount: money(250), Method: MethodTransfer, ProofRef: "img"}, testNow)
	require.NoError(t, err)
	rev, err := b.ReverseLastPayment(inv.ID, "duplicate", "admin", testNow)
	require.NoError(t, err)

	inv, _ = b.Find(inv.ID)
	assert.True(t, inv.Paid().Equal(paidBefore))
	assert.Equal(t, stateBefore, inv.State)
	assert.True(t, rev.AmountReversed.Equal(money(250)))
	assert.Equal(t, "img", rev.OriginalPayment.ProofRef)
	assert.Len(t, b.ReversalsFor(inv.ID), 1)
}

func TestReverseLastPayment_Rejections(t *testing.T) {
	b := &Book{}
	inv := createOne(t, b, 1000)

	_, err := b.ReverseLastPayment(inv.ID, "oops", "admin", testNow)
	var np *generic.NoPaymentsError
	assert.True(t, errors.As(err, &np))

	_, err = ApplyPayment(inv, PaymentInput{Amount: money(10), Method: MethodCash}, testNow)
	require.NoError(t, err)

	_, err = b.ReverseLastPayment(inv.ID, "   ", "admin", testNow)
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = b.ReverseLastPayment("missing", "oops", "admin", testNow)
	assert.True(t, generic.IsNotFound(err))

	inv, _ = b.Find(inv.ID)
	assert.Len(t, inv.Payments, 1)
	assert.Empty(t, b.Reversals)
}

// =============================================================================
// RECEIVABLES
// =============================================================================

func TestPatientBalanceAndOldestOpen(t *testing.T) {
	b := &Book{}
	first := createOne(t, b, 1000)
	firstID := first.ID
	_, err := ApplyPayment(first, PaymentInput{Amount: money(200), Method: MethodCash}, testNow)
	require.NoError(t, err)

	_, err = b.CreateInvoice(CreateInvoiceInput{
		Patient: patient("Ana"), Professional: "Dr. Peña", LineItems: []LineItem{item("x", 1, 500)},
	}, testNow.Add(time.Hour), testZone)
	require.NoError(t, err)

	assert.True(t, b.PatientBalance(patient("Ana")).Equal(money(1300)))
	assert.True(t, b.PatientBalance(patient("Luis")).IsZero())
	assert.True(t, b.Receivables("Dr. Peña").Equal(money(1300)))
	assert.True(t, b.Receivables("").Equal(money(1300)))

	oldest, err := b.OldestOpenInvoice(patient("Ana"))
	require.NoError(t, err)
	assert.Equal(t, firstID, oldest.ID)

	_, err = b.OldestOpenInvoice(patient("Luis"))
	assert.True(t, generic.IsNotFound(err))

	day := generic.DayWindow(testNow, testZone)
	assert.True(t, b.CollectedIn(day).Equal(money(200)))
}
