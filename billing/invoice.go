package billing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/clinic-ledger/generic"
)

// NumberPrefix precedes the zero-padded invoice sequence.
const NumberPrefix = "F"

var maxDiscount = decimal.NewFromInt(100)

type CreateInvoiceInput struct {
	Patient         PatientRef
	Professional    string
	LineItems       []LineItem
	LabLines        []LabLine
	DiscountPercent decimal.Decimal
	Notes           string
	CreatedBy       string
}

// Created reports everything CreateInvoice touched besides the invoice.
type Created struct {
	Invoice     Invoice
	Appointment *Appointment
	LabOrders   []LabOrder
}

// CreateInvoice validates the input, numbers the invoice, links a same-day
// appointment and opens one lab order per lab line. The book is only
// mutated once every check has passed.
func (b *Book) CreateInvoice(in CreateInvoiceInput, now time.Time, loc *time.Location) (Created, error) {
	if err := validateInvoiceInput(in); err != nil {
		return Created{}, err
	}

	subtotal := generic.Money{}
	items := make([]LineItem, len(in.LineItems))
	for i, li := range in.LineItems {
		li.Description = strings.TrimSpace(li.Description)
		if li.ID == "" {
			li.ID = generic.NewID("LI")
		}
		items[i] = li
		subtotal = subtotal.Add(li.Amount())
	}
	labs := make([]LabLine, len(in.LabLines))
	for i, l := range in.LabLines {
		labs[i] = l
		subtotal = subtotal.Add(l.Price)
	}

	seq := b.nextSequence()
	inv := Invoice{
		ID:              generic.NewID("INV"),
		Number:          FormatNumber(seq),
		Date:            now.UTC(),
		PatientName:     strings.TrimSpace(in.Patient.Name),
		PatientID:       in.Patient.ID,
		LineItems:       items,
		LabLines:        labs,
		Subtotal:        subtotal,
		DiscountPercent: in.DiscountPercent,
		Total:           subtotal.Discounted(in.DiscountPercent),
		Professional:    strings.TrimSpace(in.Professional),
		Payments:        []Payment{},
		Notes:           in.Notes,
		CreatedBy:       in.CreatedBy,
	}
	inv.rederive()

	out := Created{}
	if idx := b.matchAppointment(in.Patient, inv.Professional, now, loc); idx >= 0 {
		appt := &b.Appointments[idx]
		completed := now.UTC()
		appt.Status = AppointmentCompleted
		appt.CompletedAt = &completed
		appt.ProceduresPerformed = proceduresSummary(items)
		appt.InvoiceID = inv.ID

		inv.LinkedAppointmentID = appt.ID
		inv.AppointmentHour = appt.Hour
		inv.AppointmentReason = appt.Reason
		linked := *appt
		out.Appointment = &linked
	}

	for _, l := range labs {
		order := newLabOrder(inv, l, now)
		inv.LabOrderRefs = append(inv.LabOrderRefs, order.ID)
		b.LabOrders = append(b.LabOrders, order)
		out.LabOrders = append(out.LabOrders, order)
	}

	b.InvoiceSeq = seq
	b.Invoices = append(b.Invoices, inv)
	out.Invoice = inv
	return out, nil
}

func validateInvoiceInput(in CreateInvoiceInput) error {
	if !in.Patient.Selected || strings.TrimSpace(in.Patient.Name) == "" {
		return &generic.ValidationError{Field: "patient", Message: "patient must be selected from the registry"}
	}
	if strings.TrimSpace(in.Professional) == "" {
		return &generic.ValidationError{Field: "professional", Message: "required"}
	}
	if len(in.LineItems) == 0 && len(in.LabLines) == 0 {
		return &generic.ValidationError{Field: "lineItems", Message: "at least one line item or lab order is required"}
	}
	if in.DiscountPercent.IsNegative() || in.DiscountPercent.GreaterThan(maxDiscount) {
		return &generic.ValidationError{Field: "discountPercent", Message: "must be between 0 and 100"}
	}
	for i, li := range in.LineItems {
		field := fmt.Sprintf("lineItems[%d]", i)
		switch {
		case strings.TrimSpace(li.Description) == "":
			return &generic.ValidationError{Field: field, Message: "description is required"}
		case !li.Quantity.IsPositive():
			return &generic.ValidationError{Field: field, Message: "quantity must be greater than zero"}
		case li.UnitPrice.IsNegative():
			return &generic.ValidationError{Field: field, Message: "unit price cannot be negative"}
		}
	}
	for i, l := range in.LabLines {
		field := fmt.Sprintf("labLines[%d]", i)
		switch {
		case strings.TrimSpace(l.Description) == "":
			return &generic.ValidationError{Field: field, Message: "description is required"}
		case strings.TrimSpace(l.Laboratory) == "":
			return &generic.ValidationError{Field: field, Message: "laboratory is required"}
		case !l.Price.IsPositive():
			return &generic.ValidationError{Field: field, Message: "price must be greater than zero"}
		case l.Cost.IsNegative():
			return &generic.ValidationError{Field: field, Message: "cost cannot be negative"}
		}
	}
	return nil
}

// =============================================================================
// NUMBERING
// =============================================================================

// FormatNumber renders a sequence as "F-0001". Sequences past 9999 simply
// grow wider.
func FormatNumber(seq int) string {
	return fmt.Sprintf("%s-%04d", NumberPrefix, seq)
}

// ParseNumber extracts the numeric suffix; malformed numbers yield 0.
func ParseNumber(number string) int {
	i := strings.LastIndexByte(number, '-')
	n, err := strconv.Atoi(number[i+1:])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// nextSequence takes the larger of the persisted counter and the highest
// number present, so imported or legacy invoices are never collided with.
func (b *Book) nextSequence() int {
	highest := b.InvoiceSeq
	for i := range b.Invoices {
		if n := ParseNumber(b.Invoices[i].Number); n > highest {
			highest = n
		}
	}
	return highest + 1
}

// =============================================================================
// APPOINTMENT LINKING
// =============================================================================

// matchAppointment returns the index of the earliest-created appointment
// that is on the same clinic day, for the same patient and professional, not
// cancelled or missed and not already billed. -1 when none qualifies.
func (b *Book) matchAppointment(patient PatientRef, professional string, now time.Time, loc *time.Location) int {
	day := generic.DayWindow(now, loc)
	best := -1
	for i := range b.Appointments {
		a := &b.Appointments[i]
		if !day.Contains(a.Date) {
			continue
		}
		if a.Status == AppointmentCancelled || a.Status == AppointmentNoShow || a.InvoiceID != "" {
			continue
		}
		if !sameName(a.Professional, professional) {
			continue
		}
		if a.PatientID != "" && patient.ID != "" {
			if a.PatientID != patient.ID {
				continue
			}
		} else if !sameName(a.PatientName, patient.Name) {
			continue
		}
		if best < 0 || a.CreatedAt.Before(b.Appointments[best].CreatedAt) {
			best = i
		}
	}
	return best
}

func proceduresSummary(items []LineItem) string {
	names := make([]string, 0, len(items))
	for _, li := range items {
		names = append(names, li.Description)
	}
	return strings.Join(names, ", ")
}

func newLabOrder(inv Invoice, l LabLine, now time.Time) LabOrder {
	at := now.UTC()
	return LabOrder{
		ID:            generic.NewID("LAB"),
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		PatientName:   inv.PatientName,
		Professional:  inv.Professional,
		Kind:          l.Kind,
		Teeth:         l.Teeth,
		Description:   strings.TrimSpace(l.Description),
		Laboratory:    strings.TrimSpace(l.Laboratory),
		Price:         l.Price,
		Cost:          l.Cost,
		Margin:        l.Price.Sub(l.Cost),
		Status:        LabImpressionTaken,
		Timeline:      []LabEvent{{Status: LabImpressionTaken, At: at}},
		CreatedAt:     at,
	}
}

// =============================================================================
// DELETE
// =============================================================================

// DeleteInvoice physically removes an invoice. Authorization and the audit
// write that must precede it are the caller's job. Lab orders and
// reversals referencing the invoice are kept as history.
func (b *Book) DeleteInvoice(id string) (Invoice, error) {
	i := b.indexOf(id)
	if i < 0 {
		return Invoice{}, notFound("invoice", id)
	}
	removed := b.Invoices[i]
	b.Invoices = append(b.Invoices[:i:i], b.Invoices[i+1:]...)
	return removed, nil
}

func sameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, generic.ErrNotFound)
}
