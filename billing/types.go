/*
Package billing implements the invoice ledger of the clinic.

PURPOSE:
  Invoices are created once, then mutated only by applying payments and by
  reversing the most recent payment. Every mutation goes through a Book,
  the explicit billing slice of the clinic's ledger state.

KEY CONCEPTS IN THIS FILE (types.go):
  - Invoice: patient bill with line items, lab lines and a payment stack
  - Payment: one applied amount, embedded in the invoice (LIFO stack)
  - State: pending | partial | paid, always derived by DeriveState
  - Reversal: immutable record of a popped payment
  - Appointment / LabOrder: collaborator records touched on creation

INVARIANTS:
  total = subtotal * (1 - discount/100)
  subtotal = Σ qty*unitPrice + Σ lab.price
  Σ payments <= total + Epsilon
  state == DeriveState(total, Σ payments)

SEE ALSO:
  - invoice.go: CreateInvoice, numbering and appointment linking
  - payment.go: ApplyPayment
  - reversal.go: ReverseLastPayment
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/clinic-ledger/generic"
)

// =============================================================================
// INVOICE STATE
// =============================================================================

type State string

const (
	StatePending State = "pending"
	StatePartial State = "partial"
	StatePaid    State = "paid"
)

// DeriveState is the only place the invoice state is computed.
func DeriveState(total, paid generic.Money) State {
	switch {
	case paid.GreaterThanOrEqual(total):
		return StatePaid
	case paid.IsPositive():
		return StatePartial
	default:
		return StatePending
	}
}

// =============================================================================
// PAYMENT
// =============================================================================

type Method string

const (
	MethodCash     Method = "cash"
	MethodCard     Method = "card"
	MethodTransfer Method = "transfer"
)

func (m Method) Valid() bool {
	switch m {
	case MethodCash, MethodCard, MethodTransfer:
		return true
	}
	return false
}

type Payment struct {
	ID         string        `json:"id"`
	Amount     generic.Money `json:"amount"`
	Method     Method        `json:"method"`
	Timestamp  time.Time     `json:"timestamp"`
	ProofRef   string        `json:"proofRef,omitempty"`
	ReceivedBy string        `json:"receivedBy,omitempty"`
}

// =============================================================================
// INVOICE
// =============================================================================

type LineItem struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   generic.Money   `json:"unitPrice"`
}

func (li LineItem) Amount() generic.Money { return li.UnitPrice.Mul(li.Quantity) }

// LabLine is a dental-lab work item billed on the invoice. Only its price
// feeds the total; Cost is kept for the lab order's margin.
type LabLine struct {
	Kind        string        `json:"kind,omitempty"`
	Teeth       string        `json:"teeth,omitempty"`
	Description string        `json:"description"`
	Laboratory  string        `json:"laboratory"`
	Price       generic.Money `json:"price"`
	Cost        generic.Money `json:"cost"`
}

type Invoice struct {
	ID                  string          `json:"id"`
	Number              string          `json:"number"`
	Date                time.Time       `json:"date"`
	PatientName         string          `json:"patientName"`
	PatientID           string          `json:"patientId,omitempty"`
	LineItems           []LineItem      `json:"lineItems"`
	LabLines            []LabLine       `json:"labLines,omitempty"`
	LabOrderRefs        []string        `json:"labOrderRefs,omitempty"`
	Subtotal            generic.Money   `json:"subtotal"`
	DiscountPercent     decimal.Decimal `json:"discountPercent"`
	Total               generic.Money   `json:"total"`
	Professional        string          `json:"professional"`
	State               State           `json:"state"`
	Payments            []Payment       `json:"payments"`
	Notes               string          `json:"notes,omitempty"`
	LinkedAppointmentID string          `json:"linkedAppointmentId,omitempty"`
	AppointmentHour     string          `json:"appointmentHour,omitempty"`
	AppointmentReason   string          `json:"appointmentReason,omitempty"`
	CreatedBy           string          `json:"createdBy,omitempty"`
}

func (inv *Invoice) Paid() generic.Money {
	paid := generic.Money{}
	for _, p := range inv.Payments {
		paid = paid.Add(p.Amount)
	}
	return paid
}

func (inv *Invoice) Balance() generic.Money { return inv.Total.Sub(inv.Paid()) }

func (inv *Invoice) IsOpen() bool { return inv.State != StatePaid }

// Copy returns an invoice that shares no slices with inv.
func (inv Invoice) Copy() Invoice {
	out := inv
	out.LineItems = append([]LineItem(nil), inv.LineItems...)
	out.LabLines = append([]LabLine(nil), inv.LabLines...)
	out.LabOrderRefs = append([]string(nil), inv.LabOrderRefs...)
	out.Payments = append([]Payment{}, inv.Payments...)
	return out
}

func (inv *Invoice) rederive() { inv.State = DeriveState(inv.Total, inv.Paid()) }

// BelongsTo matches by patient id when both sides carry one, by name otherwise.
func (inv *Invoice) BelongsTo(p PatientRef) bool {
	if inv.PatientID != "" && p.ID != "" {
		return inv.PatientID == p.ID
	}
	return sameName(inv.PatientName, p.Name)
}

// PatientRef identifies the billed patient. Selected must be set when the
// reference was picked from the patient registry rather than typed in.
type PatientRef struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Selected bool   `json:"selected"`
}

// =============================================================================
// REVERSAL
// =============================================================================

// Reversal is written once per reversal and never mutated.
type Reversal struct {
	ID              string        `json:"id"`
	InvoiceID       string        `json:"invoiceId"`
	InvoiceNumber   string        `json:"invoiceNumber"`
	PatientName     string        `json:"patientName"`
	AmountReversed  generic.Money `json:"amountReversed"`
	Method          Method        `json:"method"`
	Reason          string        `json:"reason"`
	ReversedBy      string        `json:"reversedBy"`
	Timestamp       time.Time     `json:"timestamp"`
	OriginalPayment Payment       `json:"originalPayment"`
}

// =============================================================================
// COLLABORATOR RECORDS
// =============================================================================

type AppointmentStatus string

const (
	AppointmentPending   AppointmentStatus = "pending"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentNoShow    AppointmentStatus = "no_show"
)

// Appointment is owned by the scheduling side of the clinic. Billing only
// reads it and marks a matched one as completed.
type Appointment struct {
	ID                  string            `json:"id"`
	Date                time.Time         `json:"date"`
	Hour                string            `json:"hour,omitempty"`
	PatientID           string            `json:"patientId,omitempty"`
	PatientName         string            `json:"patientName"`
	Professional        string            `json:"professional"`
	Reason              string            `json:"reason,omitempty"`
	Status              AppointmentStatus `json:"status"`
	CreatedAt           time.Time         `json:"createdAt"`
	CompletedAt         *time.Time        `json:"completedAt,omitempty"`
	ProceduresPerformed string            `json:"proceduresPerformed,omitempty"`
	InvoiceID           string            `json:"invoiceId,omitempty"`
}

type LabStatus string

const (
	LabImpressionTaken LabStatus = "impression_taken"
	LabSentToLab       LabStatus = "sent_to_lab"
	LabReceived        LabStatus = "received"
	LabDelivered       LabStatus = "delivered"
)

type LabEvent struct {
	Status LabStatus `json:"status"`
	At     time.Time `json:"at"`
	Note   string    `json:"note,omitempty"`
}

// LabOrder is created from a lab line. Its later lifecycle belongs to the
// lab-tracking collaborator.
type LabOrder struct {
	ID            string        `json:"id"`
	InvoiceID     string        `json:"invoiceId"`
	InvoiceNumber string        `json:"invoiceNumber"`
	PatientName   string        `json:"patientName"`
	Professional  string        `json:"professional"`
	Kind          string        `json:"kind,omitempty"`
	Teeth         string        `json:"teeth,omitempty"`
	Description   string        `json:"description"`
	Laboratory    string        `json:"laboratory"`
	Price         generic.Money `json:"price"`
	Cost          generic.Money `json:"cost"`
	Margin        generic.Money `json:"margin"`
	Status        LabStatus     `json:"status"`
	Timeline      []LabEvent    `json:"timeline"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// =============================================================================
// BOOK
// =============================================================================

// Book is the billing slice of the ledger state. The zero value is usable.
type Book struct {
	Invoices     []Invoice     `json:"invoices"`
	Reversals    []Reversal    `json:"reversals"`
	Appointments []Appointment `json:"appointments"`
	LabOrders    []LabOrder    `json:"labOrders"`

	// InvoiceSeq is the highest invoice number ever issued. Kept alongside
	// the scan so deleted invoices never free their number.
	InvoiceSeq int `json:"invoiceSeq"`
}

func (b *Book) indexOf(id string) int {
	for i := range b.Invoices {
		if b.Invoices[i].ID == id {
			return i
		}
	}
	return -1
}

// Find returns a pointer into the book; callers must not retain it across
// mutations.
func (b *Book) Find(id string) (*Invoice, error) {
	i := b.indexOf(id)
	if i < 0 {
		return nil, notFound("invoice", id)
	}
	return &b.Invoices[i], nil
}
