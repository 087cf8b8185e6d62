package payroll

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/clinic-ledger/billing"
	"github.com/warp/clinic-ledger/generic"
)

// Window returns the accrual window (lastPaid ?? epoch, now] as its two
// bounds.
func Window(p Person, now time.Time) (after, upTo time.Time) {
	after = time.Unix(0, 0).UTC()
	if p.CommissionLastPaidAt != nil {
		after = *p.CommissionLastPaidAt
	}
	return after, now
}

// CommissionableInvoices lists the paid invoices of the person dated inside
// the accrual window.
func CommissionableInvoices(p Person, invoices []billing.Invoice, now time.Time) []billing.Invoice {
	after, upTo := Window(p, now)
	var out []billing.Invoice
	for _, inv := range invoices {
		if !strings.EqualFold(strings.TrimSpace(inv.Professional), strings.TrimSpace(p.Name)) {
			continue
		}
		if inv.State != billing.StatePaid {
			continue
		}
		if !inv.Date.After(after) || inv.Date.After(upTo) {
			continue
		}
		out = append(out, inv)
	}
	return out
}

// AccruedCommission sums paid amounts (not nominal totals) of the
// commissionable invoices, times the person's rate.
func AccruedCommission(p Person, rates RateTable, invoices []billing.Invoice, now time.Time) generic.Money {
	rate := rates.RateFor(p.Kind)
	if rate.IsZero() {
		return generic.Money{}
	}
	collected := generic.Money{}
	for _, inv := range CommissionableInvoices(p, invoices, now) {
		collected = collected.Add(inv.Paid())
	}
	return collected.Percent(rate)
}

// CommissionPayout is the receipt data of a commission payment.
type CommissionPayout struct {
	PersonID string          `json:"personId"`
	Name     string          `json:"name"`
	Kind     Kind            `json:"kind"`
	Rate     decimal.Decimal `json:"rate"`
	Amount   generic.Money   `json:"amount"`
	Invoices []string        `json:"invoices"`
	PaidAt   time.Time       `json:"paidAt"`
	PaidBy   string          `json:"paidBy,omitempty"`
}

// PayCommission settles the accrued amount and moves the window boundary
// to now. Already-accrued invoices are not revisited; an invoice dated
// before now that becomes paid later will not re-enter any window.
func (r *Roster) PayCommission(personID string, rates RateTable, invoices []billing.Invoice, now time.Time, paidBy string) (CommissionPayout, error) {
	p, err := r.Find(personID)
	if err != nil {
		return CommissionPayout{}, err
	}
	if !p.Earns() {
		return CommissionPayout{}, &generic.ValidationError{Field: "person", Message: p.Name + " does not earn commission"}
	}

	out := CommissionPayout{
		PersonID: p.ID,
		Name:     p.Name,
		Kind:     p.Kind,
		Rate:     rates.RateFor(p.Kind),
		Amount:   AccruedCommission(*p, rates, invoices, now),
		PaidAt:   now.UTC(),
		PaidBy:   paidBy,
	}
	for _, inv := range CommissionableInvoices(*p, invoices, now) {
		out.Invoices = append(out.Invoices, inv.Number)
	}

	paidAt := now.UTC()
	p.CommissionLastPaidAt = &paidAt
	return out, nil
}

// Earnings is a professional's dashboard figure set.
type Earnings struct {
	CollectedToday  generic.Money `json:"collectedToday"`
	CommissionToday generic.Money `json:"commissionToday"`
	Accrued         generic.Money `json:"accrued"`
	Receivable      generic.Money `json:"receivable"`
}

// Summarize computes today's collections and commission, the accrued
// balance and what patients still owe, for one professional.
func Summarize(p Person, rates RateTable, book *billing.Book, now time.Time, loc *time.Location) Earnings {
	today := generic.DayWindow(now, loc)
	collected := generic.Money{}
	for _, inv := range book.Invoices {
		if !strings.EqualFold(strings.TrimSpace(inv.Professional), strings.TrimSpace(p.Name)) {
			continue
		}
		for _, pay := range inv.Payments {
			if today.Contains(pay.Timestamp) {
				collected = collected.Add(pay.Amount)
			}
		}
	}
	return Earnings{
		CollectedToday:  collected,
		CommissionToday: collected.Percent(rates.RateFor(p.Kind)),
		Accrued:         AccruedCommission(p, rates, book.Invoices, now),
		Receivable:      book.Receivables(p.Name),
	}
}
