package billing

import (
	"strings"
	"time"

	"github.com/warp/clinic-ledger/generic"
)

// ReverseLastPayment pops the most recent payment of an invoice and records
// one Reversal holding the removed payment verbatim. Only the last payment
// can be reversed; reversing an earlier one means reversing everything
// after it first.
func (b *Book) ReverseLastPayment(invoiceID, reason, actor string, now time.Time) (Reversal, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Reversal{}, &generic.ValidationError{Field: "reason", Message: "a reason is required to reverse a payment"}
	}
	inv, err := b.Find(invoiceID)
	if err != nil {
		return Reversal{}, err
	}
	n := len(inv.Payments)
	if n == 0 {
		return Reversal{}, &generic.NoPaymentsError{InvoiceID: invoiceID}
	}

	last := inv.Payments[n-1]
	inv.Payments = inv.Payments[:n-1:n-1]
	inv.rederive()

	rev := Reversal{
		ID:              generic.NewID("REV"),
		InvoiceID:       inv.ID,
		InvoiceNumber:   inv.Number,
		PatientName:     inv.PatientName,
		AmountReversed:  last.Amount,
		Method:          last.Method,
		Reason:          reason,
		ReversedBy:      actor,
		Timestamp:       now.UTC(),
		OriginalPayment: last,
	}
	b.Reversals = append(b.Reversals, rev)
	return rev, nil
}

// ReversalsFor lists the reversals of one invoice, oldest first.
func (b *Book) ReversalsFor(invoiceID string) []Reversal {
	var out []Reversal
	for _, r := range b.Reversals {
		if r.InvoiceID == invoiceID {
			out = append(out, r)
		}
	}
	return out
}
