package billing

import (
	"strings"

	"github.com/warp/clinic-ledger/generic"
)

// PatientBalance is Σ(total - paid) over every invoice of the patient.
func (b *Book) PatientBalance(p PatientRef) generic.Money {
	owed := generic.Money{}
	for i := range b.Invoices {
		if b.Invoices[i].BelongsTo(p) {
			owed = owed.Add(b.Invoices[i].Balance())
		}
	}
	return owed
}

// OldestOpenInvoice returns the earliest pending or partial invoice of the
// patient. Balance payments ("abonos") are applied there.
func (b *Book) OldestOpenInvoice(p PatientRef) (*Invoice, error) {
	var oldest *Invoice
	for i := range b.Invoices {
		inv := &b.Invoices[i]
		if !inv.BelongsTo(p) || !inv.IsOpen() {
			continue
		}
		if oldest == nil || inv.Date.Before(oldest.Date) {
			oldest = inv
		}
	}
	if oldest == nil {
		return nil, notFound("open invoice for patient", p.Name)
	}
	return oldest, nil
}

// Receivables is the outstanding balance of open invoices attributed to a
// professional. An empty name sums the whole clinic.
func (b *Book) Receivables(professional string) generic.Money {
	owed := generic.Money{}
	for i := range b.Invoices {
		inv := &b.Invoices[i]
		if !inv.IsOpen() {
			continue
		}
		if professional != "" && !strings.EqualFold(inv.Professional, professional) {
			continue
		}
		owed = owed.Add(inv.Balance())
	}
	return owed
}

// AllPayments flattens every invoice's payment stack.
func (b *Book) AllPayments() []Payment {
	var out []Payment
	for i := range b.Invoices {
		out = append(out, b.Invoices[i].Payments...)
	}
	return out
}

// CollectedIn sums payments whose timestamp falls inside w.
func (b *Book) CollectedIn(w generic.Window) generic.Money {
	total := generic.Money{}
	for _, p := range b.AllPayments() {
		if w.Contains(p.Timestamp) {
			total = total.Add(p.Amount)
		}
	}
	return total
}
