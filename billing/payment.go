package billing

import (
	"strings"
	"time"

	"github.com/warp/clinic-ledger/generic"
)

type PaymentInput struct {
	Amount     generic.Money
	Method     Method
	ProofRef   string
	ReceivedBy string
}

// ApplyPayment appends a payment to the invoice and re-derives its state.
//
// Rejections happen before any mutation:
//   - amount <= 0                      -> InvalidAmountError
//   - unknown method / misplaced proof -> ValidationError
//   - amount > balance + Epsilon       -> OverpaymentError
func ApplyPayment(inv *Invoice, in PaymentInput, now time.Time) (Payment, error) {
	if !in.Amount.IsPositive() {
		return Payment{}, &generic.InvalidAmountError{Amount: in.Amount}
	}
	if !in.Method.Valid() {
		return Payment{}, &generic.ValidationError{Field: "method", Message: "must be cash, card or transfer"}
	}
	proof := strings.TrimSpace(in.ProofRef)
	if proof != "" && in.Method != MethodTransfer {
		return Payment{}, &generic.ValidationError{Field: "proofRef", Message: "proof of payment only applies to transfers"}
	}

	balance := inv.Balance()
	if in.Amount.GreaterThan(balance.Add(generic.Epsilon)) {
		return Payment{}, &generic.OverpaymentError{InvoiceID: inv.ID, Amount: in.Amount, Balance: balance}
	}

	p := Payment{
		ID:         generic.NewID("PAY"),
		Amount:     in.Amount,
		Method:     in.Method,
		Timestamp:  now.UTC(),
		ProofRef:   proof,
		ReceivedBy: in.ReceivedBy,
	}
	inv.Payments = append(inv.Payments, p)
	inv.rederive()
	return p, nil
}

// ApplyPayment is the book-level form that resolves the invoice by id.
func (b *Book) ApplyPayment(invoiceID string, in PaymentInput, now time.Time) (Payment, error) {
	inv, err := b.Find(invoiceID)
	if err != nil {
		return Payment{}, err
	}
	return ApplyPayment(inv, in, now)
}
