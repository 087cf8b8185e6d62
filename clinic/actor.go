package clinic

import (
	"fmt"
	"strings"

	"github.com/warp/clinic-ledger/billing"
	"github.com/warp/clinic-ledger/generic"
	"github.com/warp/clinic-ledger/payroll"
)

type Role string

const (
	RoleAdmin        Role = "admin"
	RoleProfessional Role = "professional"
	RoleReception    Role = "reception"
)

func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleProfessional:
		return RoleProfessional, true
	case RoleReception:
		return RoleReception, true
	}
	return "", false
}

// Actor is the externally authenticated user behind a call.
type Actor struct {
	Name string
	Role Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

func (a Actor) requireAdmin(action string) error {
	if !a.IsAdmin() {
		return fmt.Errorf("%s requires an administrator (actor %q is %s): %w", action, a.Name, a.Role, generic.ErrForbidden)
	}
	return nil
}

func (a Actor) requireCollector() error {
	if a.Role == RoleProfessional {
		return fmt.Errorf("professionals cannot collect payments (actor %q): %w", a.Name, generic.ErrForbidden)
	}
	return nil
}

func (a Actor) valid() error {
	if strings.TrimSpace(a.Name) == "" {
		return &generic.ValidationError{Field: "actor", Message: "required"}
	}
	if _, ok := ParseRole(string(a.Role)); !ok {
		return &generic.ValidationError{Field: "role", Message: "must be admin, professional or reception"}
	}
	return nil
}

// =============================================================================
// NOTIFIER - Receipt delivery collaborator
// =============================================================================

// Notifier receives receipts after the ledger has been mutated. Delivery
// (printing, messaging) is external; errors are logged, never propagated.
type Notifier interface {
	PaymentReceived(inv billing.Invoice, p billing.Payment, receipt string) error
	CommissionPaid(p payroll.CommissionPayout, receipt string) error
	SalaryPaid(p payroll.SalaryPayout, receipt string) error
}

type nopNotifier struct{}

func (nopNotifier) PaymentReceived(billing.Invoice, billing.Payment, string) error { return nil }
func (nopNotifier) CommissionPaid(payroll.CommissionPayout, string) error          { return nil }
func (nopNotifier) SalaryPaid(payroll.SalaryPayout, string) error                  { return nil }
