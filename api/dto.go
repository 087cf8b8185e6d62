/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Ledger records
  (invoices, payments, expenses, snapshots) are returned as-is; requests
  get their own types so clients never set server-owned fields such as
  ids, numbers, state or the acting user.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done by the session, not in DTOs. DTOs are pure data
  carriers; handlers only convert formats (dates, methods).

SEE ALSO:
  - handlers.go: Uses these types
  - clinic/operations.go: Operations the requests map to
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/clinic-ledger/billing"
	"github.com/warp/clinic-ledger/clinic"
	"github.com/warp/clinic-ledger/cuadre"
	"github.com/warp/clinic-ledger/generic"
	"github.com/warp/clinic-ledger/payroll"
)

// =============================================================================
// INVOICES AND PAYMENTS
// =============================================================================

type PatientDTO struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Selected bool   `json:"selected"`
}

func (p PatientDTO) ref() billing.PatientRef {
	return billing.PatientRef{ID: p.ID, Name: p.Name, Selected: p.Selected}
}

type LineItemRequest struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   generic.Money   `json:"unitPrice"`
}

type CreateInvoiceRequest struct {
	Patient         PatientDTO        `json:"patient"`
	Professional    string            `json:"professional"`
	LineItems       []LineItemRequest `json:"lineItems"`
	LabLines        []billing.LabLine `json:"labLines"`
	DiscountPercent decimal.Decimal   `json:"discountPercent"`
	Notes           string            `json:"notes"`
}

func (req CreateInvoiceRequest) input() billing.CreateInvoiceInput {
	items := make([]billing.LineItem, len(req.LineItems))
	for i, li := range req.LineItems {
		items[i] = billing.LineItem{Description: li.Description, Quantity: li.Quantity, UnitPrice: li.UnitPrice}
	}
	return billing.CreateInvoiceInput{
		Patient:         req.Patient.ref(),
		Professional:    req.Professional,
		LineItems:       items,
		LabLines:        req.LabLines,
		DiscountPercent: req.DiscountPercent,
		Notes:           req.Notes,
	}
}

// InvoiceDTO adds the derived figures to an invoice.
type InvoiceDTO struct {
	billing.Invoice
	Paid             generic.Money `json:"paid"`
	Balance          generic.Money `json:"balance"`
	BalanceFormatted string        `json:"balanceFormatted"`
}

type CreateInvoiceResponse struct {
	Invoice     InvoiceDTO           `json:"invoice"`
	Appointment *billing.Appointment `json:"appointment,omitempty"`
	LabOrders   []billing.LabOrder   `json:"labOrders,omitempty"`
}

type PaymentRequest struct {
	Amount   generic.Money  `json:"amount"`
	Method   billing.Method `json:"method"`
	ProofRef string         `json:"proofRef,omitempty"`
}

func (req PaymentRequest) input() billing.PaymentInput {
	return billing.PaymentInput{Amount: req.Amount, Method: req.Method, ProofRef: req.ProofRef}
}

type BalancePaymentRequest struct {
	Patient PatientDTO `json:"patient"`
	PaymentRequest
}

type PaymentResponse struct {
	Invoice InvoiceDTO      `json:"invoice"`
	Payment billing.Payment `json:"payment"`
	Receipt string          `json:"receipt"`
}

type ReversalRequest struct {
	Reason string `json:"reason"`
}

type PatientBalanceDTO struct {
	Patient   PatientDTO    `json:"patient"`
	Owed      generic.Money `json:"owed"`
	Formatted string        `json:"formatted"`
}

// =============================================================================
// STAFF
// =============================================================================

type LoginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Name string      `json:"name"`
	Role clinic.Role `json:"role"`
}

type AddPersonRequest struct {
	Name               string         `json:"name"`
	Kind               string         `json:"kind"`
	IsAdmin            bool           `json:"isAdmin"`
	CanAccessReception bool           `json:"canAccessReception"`
	Salary             *generic.Money `json:"salary,omitempty"`
	Password           string         `json:"password"`
	License            string         `json:"license,omitempty"`
}

type AdvanceRequest struct {
	Amount generic.Money `json:"amount"`
	Notes  string        `json:"notes,omitempty"`
}

type CommissionDTO struct {
	PersonID string        `json:"personId"`
	Accrued  generic.Money `json:"accrued"`
}

type CommissionPaidResponse struct {
	Payout  payroll.CommissionPayout `json:"payout"`
	Receipt string                   `json:"receipt"`
}

type SalaryPaidResponse struct {
	Payout  payroll.SalaryPayout `json:"payout"`
	Receipt string               `json:"receipt"`
}

// =============================================================================
// CASH
// =============================================================================

type ExpenseRequest struct {
	Description string         `json:"description"`
	Amount      generic.Money  `json:"amount"`
	Method      billing.Method `json:"method"`
	Vendor      string         `json:"vendor"`
	ReceiptRef  string         `json:"receiptRef,omitempty"`
	// Date is YYYY-MM-DD in clinic time; empty means now.
	Date string `json:"date,omitempty"`
}

type ReconcileRequest struct {
	// Date is YYYY-MM-DD in clinic time; empty means today.
	Date        string         `json:"date,omitempty"`
	OpeningCash *generic.Money `json:"openingCash,omitempty"`
}

type ReconciliationDTO struct {
	cuadre.DailyReconciliation
	Day string `json:"day"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func parseDay(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(time.DateOnly, s, loc)
}
