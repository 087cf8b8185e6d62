package payroll

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/clinic-ledger/billing"
	"github.com/warp/clinic-ledger/generic"
)

var (
	lastPaid = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now      = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
)

func money(v float64) generic.Money { return generic.NewMoney(v) }

// paidInvoice builds an invoice whose payments sum to paid.
func paidInvoice(number, professional string, date time.Time, total, paid float64) billing.Invoice {
	inv := billing.Invoice{
		ID:           "inv-" + number,
		Number:       number,
		Date:         date,
		Professional: professional,
		Total:        money(total),
		Payments:     []billing.Payment{{ID: "p-" + number, Amount: money(paid), Method: billing.MethodCash, Timestamp: date}},
	}
	inv.State = billing.DeriveState(inv.Total, inv.Paid())
	return inv
}

func TestRateFor(t *testing.T) {
	rates := DefaultRates()
	assert.True(t, rates.RateFor(KindRegular).Equal(decimal.NewFromInt(60)))
	assert.True(t, rates.RateFor(KindSpecialist).Equal(decimal.NewFromInt(50)))
	assert.True(t, rates.RateFor(KindEmployee).IsZero())
	assert.True(t, rates.RateFor("unknown").IsZero())
}

func TestParseKind_Legacy(t *testing.T) {
	k, ok := ParseKind("profesional")
	assert.True(t, ok)
	assert.Equal(t, KindRegular, k)

	_, ok = ParseKind("intern")
	assert.False(t, ok)
}

func TestAccruedCommission_ScenarioC(t *testing.T) {
	// GIVEN: a specialist (50%) with two paid invoices after the last payout
	// and one before it, one partial and one for another professional
	r := &Roster{People: []Person{{ID: "s1", Name: "Dr. Soto", Kind: KindSpecialist, CommissionLastPaidAt: &lastPaid}}}
	invoices := []billing.Invoice{
		paidInvoice("F-0001", "Dr. Soto", lastPaid.Add(24*time.Hour), 1000, 1000),
		paidInvoice("F-0002", "Dr. Soto", lastPaid.Add(48*time.Hour), 2000, 2000),
		paidInvoice("F-0003", "Dr. Soto", lastPaid.Add(-time.Hour), 5000, 5000),
		paidInvoice("F-0004", "Dr. Soto", lastPaid.Add(72*time.Hour), 900, 300),
		paidInvoice("F-0005", "Dr. Peña", lastPaid.Add(24*time.Hour), 700, 700),
	}
	p, err := r.Find("s1")
	require.NoError(t, err)

	// WHEN / THEN: (1000 + 2000) * 50%
	accrued := AccruedCommission(*p, DefaultRates(), invoices, now)
	assert.True(t, accrued.Equal(money(1500)), "accrued %s", accrued)

	// WHEN: commission is paid
	payout, err := r.PayCommission("s1", DefaultRates(), invoices, now, "admin")
	require.NoError(t, err)

	// THEN: the payout carries the amount and nothing accrues afterwards
	assert.True(t, payout.Amount.Equal(money(1500)))
	assert.Equal(t, []string{"F-0001", "F-0002"}, payout.Invoices)
	p, _ = r.Find("s1")
	require.NotNil(t, p.CommissionLastPaidAt)
	assert.True(t, p.CommissionLastPaidAt.Equal(now))
	assert.True(t, AccruedCommission(*p, DefaultRates(), invoices, now).IsZero())
}

func TestAccruedCommission_UsesPaidAmountNotTotal(t *testing.T) {
	// A paid invoice whose payments exceed the total by rounding still
	// accrues on what was collected.
	p := Person{ID: "r1", Name: "Dr. Peña", Kind: KindRegular}
	invoices := []billing.Invoice{paidInvoice("F-0001", "Dr. Peña", lastPaid, 99.99, 100)}

	assert.True(t, AccruedCommission(p, DefaultRates(), invoices, now).Equal(money(60)))
}

func TestAccruedCommission_NeverPaidUsesEpoch(t *testing.T) {
	p := Person{ID: "r1", Name: "Dr. Peña", Kind: KindRegular}
	invoices := []billing.Invoice{
		paidInvoice("F-0001", "Dr. Peña", time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC), 100, 100),
		paidInvoice("F-0002", "Dr. Peña", now.Add(time.Hour), 100, 100),
	}

	// Invoices after now fall outside (.., now].
	assert.True(t, AccruedCommission(p, DefaultRates(), invoices, now).Equal(money(60)))
}

func TestPayCommission_EmployeeRejected(t *testing.T) {
	r := DefaultRoster()
	_, err := r.PayCommission("2", DefaultRates(), nil, now, "admin")
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestSummarize(t *testing.T) {
	loc := time.UTC
	book := &billing.Book{Invoices: []billing.Invoice{
		paidInvoice("F-0001", "Dr. Peña", now, 1000, 1000),
		paidInvoice("F-0002", "Dr. Peña", now, 500, 200),
	}}
	p := Person{ID: "r1", Name: "Dr. Peña", Kind: KindRegular}

	e := Summarize(p, DefaultRates(), book, now, loc)

	assert.True(t, e.CollectedToday.Equal(money(1200)))
	assert.True(t, e.CommissionToday.Equal(money(720)))
	assert.True(t, e.Accrued.Equal(money(600)))
	assert.True(t, e.Receivable.Equal(money(300)))
}

// =============================================================================
// ROSTER
// =============================================================================

func TestAddPerson(t *testing.T) {
	r := DefaultRoster()
	salary := money(20000)

	p, err := r.AddPerson(NewPerson{Name: "Marta", Kind: KindEmployee, Salary: &salary, Password: "s3cret"})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.NotEqual(t, "s3cret", p.PasswordHash)
	assert.True(t, VerifyPassword(p.PasswordHash, "s3cret"))
	assert.False(t, VerifyPassword(p.PasswordHash, "wrong"))

	_, err = r.AddPerson(NewPerson{Name: "marta", Kind: KindRegular, Password: "x"})
	assert.ErrorIs(t, err, generic.ErrValidation, "duplicate name")

	_, err = r.AddPerson(NewPerson{Name: "Pedro", Kind: KindEmployee, Password: "x"})
	assert.ErrorIs(t, err, generic.ErrValidation, "employee without salary")
}

func TestRemovePerson(t *testing.T) {
	r := DefaultRoster()
	_, err := r.RecordAdvance(AdvanceInput{PersonID: "2", Amount: money(1000)}, now)
	require.NoError(t, err)
	_, err = r.RecordAdvance(AdvanceInput{PersonID: "3", Amount: money(500)}, now)
	require.NoError(t, err)

	// Admins are protected
	_, _, err = r.RemovePerson("1")
	assert.ErrorIs(t, err, generic.ErrForbidden)

	removed, dropped, err := r.RemovePerson("2")
	require.NoError(t, err)
	assert.Equal(t, "Susi", removed.Name)
	assert.Len(t, dropped, 1)
	assert.Len(t, r.Advances, 1)
	assert.Equal(t, "3", r.Advances[0].PersonID)

	_, err = r.Find("2")
	assert.True(t, generic.IsNotFound(err))
}

func TestRecordAdvance_CappedBySalary(t *testing.T) {
	// GIVEN: an employee with 15000 salary and 10000 already advanced
	r := DefaultRoster()
	_, err := r.RecordAdvance(AdvanceInput{PersonID: "2", Amount: money(10000)}, now)
	require.NoError(t, err)

	// WHEN: asking for more than the 5000 left
	_, err = r.RecordAdvance(AdvanceInput{PersonID: "2", Amount: money(5000.01)}, now)

	// THEN: rejected
	var verr *generic.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "amount", verr.Field)

	// AND: exactly the remainder is accepted
	_, err = r.RecordAdvance(AdvanceInput{PersonID: "2", Amount: money(5000)}, now)
	require.NoError(t, err)
	assert.True(t, r.TotalAdvances("2").Equal(money(15000)))

	_, err = r.RecordAdvance(AdvanceInput{PersonID: "2", Amount: money(0)}, now)
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)
}

func TestPaySalary_NetOfAdvances(t *testing.T) {
	r := DefaultRoster()
	_, err := r.RecordAdvance(AdvanceInput{PersonID: "3", Amount: money(2500)}, now)
	require.NoError(t, err)

	payout, err := r.PaySalary("3", now, "admin")
	require.NoError(t, err)

	assert.True(t, payout.Gross.Equal(money(15000)))
	assert.True(t, payout.Advances.Equal(money(2500)))
	assert.True(t, payout.Net.Equal(money(12500)))
	assert.True(t, r.TotalAdvances("3").IsZero())

	_, err = r.PaySalary("1", now, "admin")
	assert.ErrorIs(t, err, generic.ErrValidation, "no salary")
}

func TestNormalize(t *testing.T) {
	r := Roster{People: []Person{{ID: "a", Kind: "professional"}, {ID: "b", Kind: KindSpecialist}, {ID: "c", Kind: ""}}}
	assert.True(t, r.Normalize())
	assert.Equal(t, KindRegular, r.People[0].Kind)
	assert.Equal(t, KindSpecialist, r.People[1].Kind)
	assert.Equal(t, KindRegular, r.People[2].Kind)
	assert.False(t, r.Normalize())
}
