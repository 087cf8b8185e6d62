/*
Package cuadre implements the daily cash-drawer reconciliation.

PURPOSE:
  Aggregates one clinic-local day of payments and expenses by method,
  derives the cash that should be in the drawer and keeps one snapshot per
  day. Snapshots are only rewritten when an input actually changed, so
  recomputing on every refresh costs no writes.

FORMULAS:
  totalIncome = cashIncome + cardIncome + transferIncome
  balance     = totalIncome - expenses
  cashOnHand  = openingCash + cashIncome - cashExpenses

STORAGE KEY:
  The start-of-day instant in Unix milliseconds, as a decimal string.

SEE ALSO:
  - expense.go: Expense registration and removal
  - generic/time.go: DayWindow, DayKey
*/
package cuadre

import (
	"sort"
	"time"

	"github.com/warp/clinic-ledger/billing"
	"github.com/warp/clinic-ledger/generic"
)

// DefaultHistoryDays is how far back the history view looks by default.
const DefaultHistoryDays = 7

type DailyReconciliation struct {
	Date           time.Time     `json:"date"`
	OpeningCash    generic.Money `json:"openingCash"`
	CashIncome     generic.Money `json:"cashIncome"`
	CardIncome     generic.Money `json:"cardIncome"`
	TransferIncome generic.Money `json:"transferIncome"`
	TotalIncome    generic.Money `json:"totalIncome"`
	Expenses       generic.Money `json:"expenses"`
	CashExpenses   generic.Money `json:"cashExpenses"`
	Balance        generic.Money `json:"balance"`
	CashOnHand     generic.Money `json:"cashOnHand"`
}

// HasActivity is false for a day with no income and no expenses.
func (d DailyReconciliation) HasActivity() bool {
	return !d.TotalIncome.IsZero() || !d.Expenses.IsZero()
}

// sameInputs compares the fields that decide whether a snapshot is stale.
func (d DailyReconciliation) sameInputs(o DailyReconciliation) bool {
	return d.TotalIncome.Equal(o.TotalIncome) &&
		d.Expenses.Equal(o.Expenses) &&
		d.OpeningCash.Equal(o.OpeningCash)
}

// Compute buckets payments and expenses into the clinic-local day of `day`.
func Compute(day time.Time, openingCash generic.Money, payments []billing.Payment, expenses []Expense, loc *time.Location) DailyReconciliation {
	w := generic.DayWindow(day, loc)
	r := DailyReconciliation{Date: w.Start.UTC(), OpeningCash: openingCash}

	for _, p := range payments {
		if !w.Contains(p.Timestamp) {
			continue
		}
		switch p.Method {
		case billing.MethodCash:
			r.CashIncome = r.CashIncome.Add(p.Amount)
		case billing.MethodCard:
			r.CardIncome = r.CardIncome.Add(p.Amount)
		case billing.MethodTransfer:
			r.TransferIncome = r.TransferIncome.Add(p.Amount)
		}
	}
	for _, e := range expenses {
		if !w.Contains(e.Date) {
			continue
		}
		r.Expenses = r.Expenses.Add(e.Amount)
		if e.Method == billing.MethodCash {
			r.CashExpenses = r.CashExpenses.Add(e.Amount)
		}
	}

	r.TotalIncome = generic.Sum(r.CashIncome, r.CardIncome, r.TransferIncome)
	r.Balance = r.TotalIncome.Sub(r.Expenses)
	r.CashOnHand = openingCash.Add(r.CashIncome).Sub(r.CashExpenses)
	return r
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// Snapshots holds one reconciliation per day key.
type Snapshots map[string]DailyReconciliation

// Upsert stores rec under key unless an equivalent snapshot is already
// there. A day without any activity is not stored unless it already has
// a snapshot, which is then overwritten so reversals reach zero. Returns
// whether a write happened.
func (s Snapshots) Upsert(key string, rec DailyReconciliation) bool {
	prev, ok := s[key]
	if !ok && !rec.HasActivity() {
		return false
	}
	if ok && prev.sameInputs(rec) {
		return false
	}
	s[key] = rec
	return true
}

// OpeningCash returns the opening cash stored for the day, zero if none.
func (s Snapshots) OpeningCash(day time.Time, loc *time.Location) generic.Money {
	return s[generic.DayKeyString(day, loc)].OpeningCash
}

// History returns snapshots keyed inside [startOfToday - daysBack days,
// startOfToday), most recent first. Today is excluded since it is still
// open.
func (s Snapshots) History(now time.Time, daysBack int, loc *time.Location) []DailyReconciliation {
	end := generic.StartOfDay(now, loc)
	start := generic.AddDays(end, -daysBack, loc)
	from, to := start.UnixMilli(), end.UnixMilli()

	type keyed struct {
		ms  int64
		rec DailyReconciliation
	}
	var hits []keyed
	for k, rec := range s {
		t, err := generic.ParseDayKey(k, loc)
		if err != nil {
			continue
		}
		ms := t.UnixMilli()
		if ms >= from && ms < to {
			hits = append(hits, keyed{ms: ms, rec: rec})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].ms > hits[j].ms })

	out := make([]DailyReconciliation, len(hits))
	for i, h := range hits {
		out[i] = h.rec
	}
	return out
}
