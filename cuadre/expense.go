package cuadre

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/clinic-ledger/billing"
	"github.com/warp/clinic-ledger/generic"
)

type Expense struct {
	ID          string         `json:"id"`
	Date        time.Time      `json:"date"`
	Description string         `json:"description"`
	Amount      generic.Money  `json:"amount"`
	Method      billing.Method `json:"method"`
	Vendor      string         `json:"vendor"`
	RecordedBy  string         `json:"recordedBy"`
	ReceiptRef  string         `json:"receiptRef,omitempty"`
}

type ExpenseInput struct {
	Description string
	Amount      generic.Money
	Method      billing.Method
	Vendor      string
	RecordedBy  string
	ReceiptRef  string
	// Date defaults to now when zero.
	Date time.Time
}

// Book is the cash slice of the ledger state: expenses plus the daily
// snapshots.
type Book struct {
	Expenses  []Expense `json:"expenses"`
	Snapshots Snapshots `json:"cuadres"`
}

func (b *Book) ensure() {
	if b.Snapshots == nil {
		b.Snapshots = Snapshots{}
	}
}

func (b *Book) AddExpense(in ExpenseInput, now time.Time) (Expense, error) {
	switch {
	case strings.TrimSpace(in.Description) == "":
		return Expense{}, &generic.ValidationError{Field: "description", Message: "required"}
	case strings.TrimSpace(in.Vendor) == "":
		return Expense{}, &generic.ValidationError{Field: "vendor", Message: "required"}
	case !in.Method.Valid():
		return Expense{}, &generic.ValidationError{Field: "method", Message: "must be cash, card or transfer"}
	case !in.Amount.IsPositive():
		return Expense{}, &generic.InvalidAmountError{Amount: in.Amount}
	}
	date := in.Date
	if date.IsZero() {
		date = now
	}
	e := Expense{
		ID:          generic.NewID("EXP"),
		Date:        date.UTC(),
		Description: strings.TrimSpace(in.Description),
		Amount:      in.Amount,
		Method:      in.Method,
		Vendor:      strings.TrimSpace(in.Vendor),
		RecordedBy:  in.RecordedBy,
		ReceiptRef:  in.ReceiptRef,
	}
	b.Expenses = append(b.Expenses, e)
	return e, nil
}

func (b *Book) RemoveExpense(id string) (Expense, error) {
	for i := range b.Expenses {
		if b.Expenses[i].ID == id {
			e := b.Expenses[i]
			b.Expenses = append(b.Expenses[:i:i], b.Expenses[i+1:]...)
			return e, nil
		}
	}
	return Expense{}, fmt.Errorf("expense %q: %w", id, generic.ErrNotFound)
}

// Reconcile computes the day and stores the snapshot when it changed.
func (b *Book) Reconcile(day time.Time, openingCash generic.Money, payments []billing.Payment, loc *time.Location) (DailyReconciliation, bool) {
	b.ensure()
	rec := Compute(day, openingCash, payments, b.Expenses, loc)
	written := b.Snapshots.Upsert(generic.DayKeyString(day, loc), rec)
	return rec, written
}
