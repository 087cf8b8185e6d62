package clinic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/clinic-ledger/audit"
	"github.com/warp/clinic-ledger/billing"
	"github.com/warp/clinic-ledger/cuadre"
	"github.com/warp/clinic-ledger/generic"
	"github.com/warp/clinic-ledger/metrics"
	"github.com/warp/clinic-ledger/payroll"
)

// ErrNotOpen is returned by every operation before Open succeeded.
var ErrNotOpen = errors.New("clinic: session not open")

// mutate runs fn under the session lock and schedules a save when fn
// succeeds. fn must validate before it touches the document.
func (s *Session) mutate(fn func(now time.Time) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return ErrNotOpen
	}
	if err := fn(s.clock.Now()); err != nil {
		return err
	}
	s.persistLocked()
	return nil
}

// read runs fn under the session lock without persisting.
func (s *Session) read(fn func(now time.Time) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return ErrNotOpen
	}
	return fn(s.clock.Now())
}

// =============================================================================
// AUDIT
// =============================================================================

// Record appends an audit entry and waits until it is persisted.
func (s *Session) Record(ctx context.Context, actor Actor, action audit.Action, kind, details string) (audit.Entry, error) {
	if err := actor.valid(); err != nil {
		return audit.Entry{}, err
	}
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return audit.Entry{}, ErrNotOpen
	}
	entry, err := s.doc.Audit.Append(actor.Name, action, kind, details, s.clock.Now())
	if err != nil {
		s.mu.Unlock()
		return audit.Entry{}, err
	}
	done := s.persistLocked()
	s.mu.Unlock()

	if err := waitSave(ctx, done); err != nil {
		return entry, err
	}
	return entry, nil
}

// recordThen persists an audit entry before running a destructive action.
// check runs first so a bogus request leaves no entry; it runs again with
// the mutation because the lock is released while the entry is saved. If
// the entry cannot be persisted the action is not taken.
func (s *Session) recordThen(ctx context.Context, actor Actor, action audit.Action, kind, details string, check func() error, apply func(now time.Time) error) error {
	if err := s.read(func(time.Time) error { return check() }); err != nil {
		return err
	}
	if _, err := s.Record(ctx, actor, action, kind, details); err != nil {
		return fmt.Errorf("audit entry not persisted, %s %s aborted: %w", action, kind, err)
	}
	return s.mutate(func(now time.Time) error {
		if err := check(); err != nil {
			return err
		}
		return apply(now)
	})
}

// AuditLog returns matching entries, newest first. Admin only.
func (s *Session) AuditLog(actor Actor, f audit.Filter) ([]audit.Entry, error) {
	if err := actor.requireAdmin("reading the audit log"); err != nil {
		return nil, err
	}
	var out []audit.Entry
	err := s.read(func(time.Time) error {
		out = s.doc.Audit.Query(f)
		return nil
	})
	return out, err
}

// =============================================================================
// INVOICES
// =============================================================================

// CreateInvoice issues a new invoice. Non-admin actors bill under their own
// name unless a professional is given.
func (s *Session) CreateInvoice(actor Actor, in billing.CreateInvoiceInput) (billing.Created, error) {
	if err := actor.valid(); err != nil {
		return billing.Created{}, err
	}
	if strings.TrimSpace(in.Professional) == "" && actor.Role == RoleProfessional {
		in.Professional = actor.Name
	}
	in.CreatedBy = actor.Name

	var out billing.Created
	err := s.mutate(func(now time.Time) error {
		created, err := s.doc.Billing.CreateInvoice(in, now, s.zone)
		if err != nil {
			return err
		}
		out = created
		out.Invoice = created.Invoice.Copy()
		return nil
	})
	if err != nil {
		return billing.Created{}, err
	}
	metrics.InvoicesCreated.Inc()
	s.log.Info().Str("invoice", out.Invoice.Number).Str("patient", out.Invoice.PatientName).
		Str("total", out.Invoice.Total.String()).Msg("invoice created")
	return out, nil
}

// DeleteInvoice removes an invoice after its audit entry is persisted.
func (s *Session) DeleteInvoice(ctx context.Context, actor Actor, invoiceID string) (billing.Invoice, error) {
	if err := actor.requireAdmin("deleting an invoice"); err != nil {
		return billing.Invoice{}, err
	}
	var details string
	check := func() error {
		inv, err := s.doc.Billing.Find(invoiceID)
		if err != nil {
			return err
		}
		if details == "" {
			details = fmt.Sprintf("invoice %s of %s, total %s, paid %s", inv.Number, inv.PatientName, inv.Total, inv.Paid())
		}
		return nil
	}
	if err := s.read(func(time.Time) error { return check() }); err != nil {
		return billing.Invoice{}, err
	}

	var removed billing.Invoice
	err := s.recordThen(ctx, actor, audit.ActionDelete, audit.KindInvoice, details, check, func(time.Time) error {
		inv, err := s.doc.Billing.DeleteInvoice(invoiceID)
		removed = inv
		return err
	})
	if err != nil {
		return billing.Invoice{}, err
	}
	s.log.Warn().Str("invoice", removed.Number).Str("actor", actor.Name).Msg("invoice deleted")
	return removed, nil
}

func (s *Session) Invoices() []billing.Invoice {
	var out []billing.Invoice
	_ = s.read(func(time.Time) error {
		out = make([]billing.Invoice, len(s.doc.Billing.Invoices))
		for i, inv := range s.doc.Billing.Invoices {
			out[i] = inv.Copy()
		}
		return nil
	})
	return out
}

func (s *Session) Invoice(id string) (billing.Invoice, error) {
	var out billing.Invoice
	err := s.read(func(time.Time) error {
		inv, err := s.doc.Billing.Find(id)
		if err != nil {
			return err
		}
		out = inv.Copy()
		return nil
	})
	return out, err
}

// PatientBalance is what the patient owes across all invoices.
func (s *Session) PatientBalance(p billing.PatientRef) (generic.Money, error) {
	var out generic.Money
	err := s.read(func(time.Time) error {
		out = s.doc.Billing.PatientBalance(p)
		return nil
	})
	return out, err
}

// UpsertAppointment stores an appointment handed over by the scheduler.
func (s *Session) UpsertAppointment(a billing.Appointment) (billing.Appointment, error) {
	var out billing.Appointment
	err := s.mutate(func(now time.Time) error {
		var err error
		out, err = s.doc.Billing.UpsertAppointment(a, now)
		return err
	})
	return out, err
}

// UpsertPatient adds or replaces a patient registry record.
func (s *Session) UpsertPatient(p Patient) (Patient, error) {
	if strings.TrimSpace(p.Name) == "" {
		return Patient{}, &generic.ValidationError{Field: "name", Message: "required"}
	}
	err := s.mutate(func(time.Time) error {
		if p.ID == "" {
			p.ID = generic.NewID("PAT")
		}
		for i := range s.doc.Patients {
			if s.doc.Patients[i].ID == p.ID {
				s.doc.Patients[i] = p
				return nil
			}
		}
		s.doc.Patients = append(s.doc.Patients, p)
		return nil
	})
	return p, err
}

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentResult struct {
	Invoice billing.Invoice `json:"invoice"`
	Payment billing.Payment `json:"payment"`
	Receipt string          `json:"receipt"`
}

// ApplyPayment collects a payment on an invoice.
func (s *Session) ApplyPayment(actor Actor, invoiceID string, in billing.PaymentInput) (PaymentResult, error) {
	return s.collect(actor, in, func(now time.Time) (*billing.Invoice, error) {
		return s.doc.Billing.Find(invoiceID)
	})
}

// PayBalance applies a payment to the patient's oldest open invoice.
func (s *Session) PayBalance(actor Actor, patient billing.PatientRef, in billing.PaymentInput) (PaymentResult, error) {
	return s.collect(actor, in, func(time.Time) (*billing.Invoice, error) {
		return s.doc.Billing.OldestOpenInvoice(patient)
	})
}

func (s *Session) collect(actor Actor, in billing.PaymentInput, target func(now time.Time) (*billing.Invoice, error)) (PaymentResult, error) {
	if err := actor.valid(); err != nil {
		return PaymentResult{}, err
	}
	if err := actor.requireCollector(); err != nil {
		metrics.PaymentsRejected.WithLabelValues("forbidden").Inc()
		return PaymentResult{}, err
	}
	in.ReceivedBy = actor.Name

	var out PaymentResult
	err := s.mutate(func(now time.Time) error {
		inv, err := target(now)
		if err != nil {
			return err
		}
		p, err := billing.ApplyPayment(inv, in, now)
		if err != nil {
			return err
		}
		out.Invoice = inv.Copy()
		out.Payment = p
		return nil
	})
	if err != nil {
		metrics.PaymentsRejected.WithLabelValues(rejectReason(err)).Inc()
		return PaymentResult{}, err
	}

	metrics.PaymentsApplied.WithLabelValues(string(out.Payment.Method)).Inc()
	out.Receipt = s.receipts.Payment(out.Invoice, out.Payment)
	if err := s.notifier.PaymentReceived(out.Invoice, out.Payment, out.Receipt); err != nil {
		s.log.Warn().Err(err).Str("invoice", out.Invoice.Number).Msg("payment receipt not delivered")
	}
	s.log.Info().Str("invoice", out.Invoice.Number).Str("amount", out.Payment.Amount.String()).
		Str("method", string(out.Payment.Method)).Str("state", string(out.Invoice.State)).Msg("payment applied")
	return out, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, generic.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, generic.ErrOverpayment):
		return "overpayment"
	case errors.Is(err, generic.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotOpen):
		return "not_open"
	default:
		return "validation"
	}
}

// ReverseLastPayment pops the most recent payment of an invoice. Admin only.
func (s *Session) ReverseLastPayment(actor Actor, invoiceID, reason string) (billing.Reversal, error) {
	if err := actor.requireAdmin("reversing a payment"); err != nil {
		return billing.Reversal{}, err
	}
	var out billing.Reversal
	err := s.mutate(func(now time.Time) error {
		r, err := s.doc.Billing.ReverseLastPayment(invoiceID, reason, actor.Name, now)
		out = r
		return err
	})
	if err != nil {
		return billing.Reversal{}, err
	}
	metrics.Reversals.Inc()
	s.log.Warn().Str("invoice", out.InvoiceNumber).Str("amount", out.AmountReversed.String()).
		Str("actor", actor.Name).Msg("payment reversed")
	return out, nil
}

func (s *Session) Reversals(invoiceID string) []billing.Reversal {
	var out []billing.Reversal
	_ = s.read(func(time.Time) error {
		if invoiceID == "" {
			out = append(out, s.doc.Billing.Reversals...)
			return nil
		}
		out = s.doc.Billing.ReversalsFor(invoiceID)
		return nil
	})
	return out
}

// =============================================================================
// STAFF, COMMISSIONS, SALARIES
// =============================================================================

// Staff lists the roster without password hashes.
func (s *Session) Staff() []payroll.Person {
	var out []payroll.Person
	_ = s.read(func(time.Time) error {
		out = make([]payroll.Person, len(s.doc.Payroll.People))
		for i, p := range s.doc.Payroll.People {
			p.PasswordHash = ""
			out[i] = p
		}
		return nil
	})
	return out
}

// AddPerson hires a staff member. Admin only.
func (s *Session) AddPerson(actor Actor, in payroll.NewPerson) (payroll.Person, error) {
	if err := actor.requireAdmin("adding staff"); err != nil {
		return payroll.Person{}, err
	}
	var out payroll.Person
	err := s.mutate(func(now time.Time) error {
		p, err := s.doc.Payroll.AddPerson(in)
		if err != nil {
			return err
		}
		out = p
		_, err = s.doc.Audit.Append(actor.Name, audit.ActionModify, audit.KindStaff,
			fmt.Sprintf("added %s (%s)", p.Name, p.Kind), now)
		return err
	})
	out.PasswordHash = ""
	return out, err
}

// RemovePerson deletes a staff member and their advances after the audit
// entry is persisted. Admin only; administrators cannot be removed.
func (s *Session) RemovePerson(ctx context.Context, actor Actor, personID string) (payroll.Person, error) {
	if err := actor.requireAdmin("removing staff"); err != nil {
		return payroll.Person{}, err
	}
	var details string
	check := func() error {
		p, err := s.doc.Payroll.Find(personID)
		if err != nil {
			return err
		}
		if p.IsAdmin {
			return fmt.Errorf("administrator %s cannot be removed: %w", p.Name, generic.ErrForbidden)
		}
		if details == "" {
			details = fmt.Sprintf("removed %s (%s)", p.Name, p.Kind)
		}
		return nil
	}
	if err := s.read(func(time.Time) error { return check() }); err != nil {
		return payroll.Person{}, err
	}

	var removed payroll.Person
	err := s.recordThen(ctx, actor, audit.ActionDelete, audit.KindStaff, details, check, func(time.Time) error {
		p, _, err := s.doc.Payroll.RemovePerson(personID)
		removed = p
		return err
	})
	removed.PasswordHash = ""
	return removed, err
}

// AccruedCommission is the unpaid commission of a professional as of now.
func (s *Session) AccruedCommission(personID string) (generic.Money, error) {
	var out generic.Money
	err := s.read(func(now time.Time) error {
		p, err := s.doc.Payroll.Find(personID)
		if err != nil {
			return err
		}
		out = payroll.AccruedCommission(*p, s.rates, s.doc.Billing.Invoices, now)
		return nil
	})
	return out, err
}

// Earnings is the dashboard summary of one professional.
func (s *Session) Earnings(personID string) (payroll.Earnings, error) {
	var out payroll.Earnings
	err := s.read(func(now time.Time) error {
		p, err := s.doc.Payroll.Find(personID)
		if err != nil {
			return err
		}
		out = payroll.Summarize(*p, s.rates, &s.doc.Billing, now, s.zone)
		return nil
	})
	return out, err
}

// PayCommission settles a professional's accrued commission. Admin only.
func (s *Session) PayCommission(actor Actor, personID string) (payroll.CommissionPayout, string, error) {
	if err := actor.requireAdmin("paying commissions"); err != nil {
		return payroll.CommissionPayout{}, "", err
	}
	var out payroll.CommissionPayout
	err := s.mutate(func(now time.Time) error {
		payout, err := s.doc.Payroll.PayCommission(personID, s.rates, s.doc.Billing.Invoices, now, actor.Name)
		if err != nil {
			return err
		}
		out = payout
		_, err = s.doc.Audit.Append(actor.Name, audit.ActionModify, audit.KindSalary,
			fmt.Sprintf("commission paid to %s: %s over %d invoices", payout.Name, payout.Amount, len(payout.Invoices)), now)
		return err
	})
	if err != nil {
		return payroll.CommissionPayout{}, "", err
	}
	receipt := s.receipts.Commission(out)
	if err := s.notifier.CommissionPaid(out, receipt); err != nil {
		s.log.Warn().Err(err).Str("person", out.Name).Msg("commission receipt not delivered")
	}
	s.log.Info().Str("person", out.Name).Str("amount", out.Amount.String()).Msg("commission paid")
	return out, receipt, nil
}

// RecordAdvance hands a salaried employee money ahead of payday. Admin only.
func (s *Session) RecordAdvance(actor Actor, in payroll.AdvanceInput) (payroll.Advance, error) {
	if err := actor.requireAdmin("recording an advance"); err != nil {
		return payroll.Advance{}, err
	}
	in.RecordedBy = actor.Name
	var out payroll.Advance
	err := s.mutate(func(now time.Time) error {
		a, err := s.doc.Payroll.RecordAdvance(in, now)
		if err != nil {
			return err
		}
		out = a
		_, err = s.doc.Audit.Append(actor.Name, audit.ActionModify, audit.KindAdvance,
			fmt.Sprintf("advance of %s to %s", a.Amount, a.PersonID), now)
		return err
	})
	return out, err
}

// PaySalary pays an employee net of advances. The access is audited and
// persisted before any salary figure is read.
func (s *Session) PaySalary(ctx context.Context, actor Actor, personID string) (payroll.SalaryPayout, string, error) {
	if err := actor.requireAdmin("paying salaries"); err != nil {
		return payroll.SalaryPayout{}, "", err
	}
	if _, err := s.Record(ctx, actor, audit.ActionAccess, audit.KindSalary, "salary payment for "+personID); err != nil {
		return payroll.SalaryPayout{}, "", fmt.Errorf("audit entry not persisted, salary not paid: %w", err)
	}
	var out payroll.SalaryPayout
	err := s.mutate(func(now time.Time) error {
		payout, err := s.doc.Payroll.PaySalary(personID, now, actor.Name)
		out = payout
		return err
	})
	if err != nil {
		return payroll.SalaryPayout{}, "", err
	}
	receipt := s.receipts.Salary(out)
	if err := s.notifier.SalaryPaid(out, receipt); err != nil {
		s.log.Warn().Err(err).Str("person", out.Name).Msg("salary receipt not delivered")
	}
	s.log.Info().Str("person", out.Name).Str("net", out.Net.String()).Msg("salary paid")
	return out, receipt, nil
}

// StaffSalaryView is the salary-class view of the roster. Admin only and
// audited before the figures are returned.
func (s *Session) StaffSalaryView(ctx context.Context, actor Actor) ([]payroll.SalaryView, error) {
	if err := actor.requireAdmin("viewing salaries"); err != nil {
		return nil, err
	}
	if _, err := s.Record(ctx, actor, audit.ActionAccess, audit.KindSalary, "viewed staff salaries"); err != nil {
		return nil, fmt.Errorf("audit entry not persisted, salaries withheld: %w", err)
	}
	var out []payroll.SalaryView
	err := s.read(func(time.Time) error {
		out = s.doc.Payroll.SalaryViews()
		return nil
	})
	return out, err
}

// Authenticate checks a staff password and returns the actor it maps to.
func (s *Session) Authenticate(name, password string) (Actor, error) {
	var out Actor
	err := s.read(func(time.Time) error {
		p, err := s.doc.Payroll.FindByName(name)
		if err != nil || p.PasswordHash == "" || !payroll.VerifyPassword(p.PasswordHash, password) {
			return fmt.Errorf("invalid credentials for %q: %w", name, generic.ErrForbidden)
		}
		out = Actor{Name: p.Name, Role: RoleProfessional}
		switch {
		case p.IsAdmin:
			out.Role = RoleAdmin
		case p.Kind == payroll.KindEmployee:
			out.Role = RoleReception
		}
		return nil
	})
	return out, err
}

// =============================================================================
// EXPENSES AND CUADRE
// =============================================================================

func (s *Session) RegisterExpense(actor Actor, in cuadre.ExpenseInput) (cuadre.Expense, error) {
	if err := actor.valid(); err != nil {
		return cuadre.Expense{}, err
	}
	in.RecordedBy = actor.Name
	var out cuadre.Expense
	err := s.mutate(func(now time.Time) error {
		e, err := s.doc.Cash.AddExpense(in, now)
		out = e
		return err
	})
	return out, err
}

// DeleteExpense removes an expense after its audit entry is persisted.
func (s *Session) DeleteExpense(ctx context.Context, actor Actor, expenseID string) (cuadre.Expense, error) {
	if err := actor.requireAdmin("deleting an expense"); err != nil {
		return cuadre.Expense{}, err
	}
	var details string
	check := func() error {
		for _, e := range s.doc.Cash.Expenses {
			if e.ID == expenseID {
				if details == "" {
					details = fmt.Sprintf("expense %q to %s, %s", e.Description, e.Vendor, e.Amount)
				}
				return nil
			}
		}
		return fmt.Errorf("expense %q: %w", expenseID, generic.ErrNotFound)
	}
	if err := s.read(func(time.Time) error { return check() }); err != nil {
		return cuadre.Expense{}, err
	}
	var removed cuadre.Expense
	err := s.recordThen(ctx, actor, audit.ActionDelete, audit.KindExpense, details, check, func(time.Time) error {
		e, err := s.doc.Cash.RemoveExpense(expenseID)
		removed = e
		return err
	})
	return removed, err
}

func (s *Session) Expenses() []cuadre.Expense {
	var out []cuadre.Expense
	_ = s.read(func(time.Time) error {
		out = append(out, s.doc.Cash.Expenses...)
		return nil
	})
	return out
}

// ReconcileDay computes the cuadre of the local day containing day. A nil
// openingCash keeps the value already stored for that day. The snapshot
// is only saved when its inputs changed.
func (s *Session) ReconcileDay(day time.Time, openingCash *generic.Money) (cuadre.DailyReconciliation, error) {
	if openingCash != nil && openingCash.IsNegative() {
		return cuadre.DailyReconciliation{}, &generic.InvalidAmountError{Amount: *openingCash}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return cuadre.DailyReconciliation{}, ErrNotOpen
	}
	opening := s.doc.Cash.Snapshots.OpeningCash(day, s.zone)
	if openingCash != nil {
		opening = *openingCash
	}
	rec, written := s.doc.Cash.Reconcile(day, opening, s.doc.Billing.AllPayments(), s.zone)
	if written {
		metrics.CuadreWrites.Inc()
		s.persistLocked()
		s.log.Info().Str("day", rec.Date.In(s.zone).Format(time.DateOnly)).
			Str("income", rec.TotalIncome.String()).Str("balance", rec.Balance.String()).Msg("cuadre saved")
	}
	return rec, nil
}

// CuadreHistory returns stored snapshots for the daysBack days before
// today, newest first.
func (s *Session) CuadreHistory(daysBack int) ([]cuadre.DailyReconciliation, error) {
	if daysBack <= 0 {
		daysBack = cuadre.DefaultHistoryDays
	}
	var out []cuadre.DailyReconciliation
	err := s.read(func(now time.Time) error {
		out = s.doc.Cash.Snapshots.History(now, daysBack, s.zone)
		return nil
	})
	return out, err
}
