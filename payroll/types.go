/*
Package payroll covers staff, commission accrual and salary payouts.

PURPOSE:
  Professionals earn a commission on what their paid invoices actually
  collected, over an accrual window that starts at their last payout.
  Employees draw a salary, optionally reduced by advances.

KEY CONCEPTS:
  - Kind: regular | specialist | employee, which determines the rate
  - RateTable: kind -> percent, overridable from configuration
  - Accrual window: (CommissionLastPaidAt ?? epoch, now]
  - Advance: money drawn against the next salary

SEE ALSO:
  - commission.go: AccruedCommission, PayCommission
  - roster.go: Staff management, advances and salaries
*/
package payroll

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/clinic-ledger/generic"
)

// =============================================================================
// KIND & RATES
// =============================================================================

type Kind string

const (
	KindRegular    Kind = "regular"
	KindSpecialist Kind = "specialist"
	KindEmployee   Kind = "employee"
)

// ParseKind also accepts the legacy "professional" label, which older
// documents used for regular professionals.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "regular", "professional", "profesional":
		return KindRegular, true
	case "specialist", "especialista":
		return KindSpecialist, true
	case "employee", "empleado":
		return KindEmployee, true
	}
	return "", false
}

// RateTable maps a kind to its commission percent.
type RateTable map[Kind]decimal.Decimal

func DefaultRates() RateTable {
	return RateTable{
		KindRegular:    decimal.NewFromInt(60),
		KindSpecialist: decimal.NewFromInt(50),
		KindEmployee:   decimal.Zero,
	}
}

// RateFor returns the commission percent, zero for unknown kinds.
func (r RateTable) RateFor(k Kind) decimal.Decimal {
	if rate, ok := r[k]; ok {
		return rate
	}
	return decimal.Zero
}

// =============================================================================
// PERSON
// =============================================================================

type Person struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	Kind                 Kind           `json:"kind"`
	IsAdmin              bool           `json:"isAdmin"`
	CanAccessReception   bool           `json:"canAccessReception,omitempty"`
	Salary               *generic.Money `json:"salary,omitempty"`
	CommissionLastPaidAt *time.Time     `json:"commissionLastPaidAt,omitempty"`
	PasswordHash         string         `json:"passwordHash,omitempty"`
	License              string         `json:"license,omitempty"`
}

func (p Person) Earns() bool { return p.Kind != KindEmployee }

// Advance is money handed out ahead of the next salary payment.
type Advance struct {
	ID         string        `json:"id"`
	PersonID   string        `json:"personId"`
	Amount     generic.Money `json:"amount"`
	Notes      string        `json:"notes,omitempty"`
	At         time.Time     `json:"at"`
	RecordedBy string        `json:"recordedBy,omitempty"`
}

// Roster is the payroll slice of the ledger state.
type Roster struct {
	People   []Person  `json:"people"`
	Advances []Advance `json:"advances"`
}

func (r *Roster) indexOf(id string) int {
	for i := range r.People {
		if r.People[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Roster) Find(id string) (*Person, error) {
	i := r.indexOf(id)
	if i < 0 {
		return nil, notFound(id)
	}
	return &r.People[i], nil
}

func (r *Roster) FindByName(name string) (*Person, error) {
	for i := range r.People {
		if strings.EqualFold(strings.TrimSpace(r.People[i].Name), strings.TrimSpace(name)) {
			return &r.People[i], nil
		}
	}
	return nil, notFound(name)
}

// Normalize rewrites legacy kinds in place and reports whether anything
// changed.
func (r *Roster) Normalize() bool {
	changed := false
	for i := range r.People {
		k, ok := ParseKind(string(r.People[i].Kind))
		if !ok {
			k = KindRegular
		}
		if k != r.People[i].Kind {
			r.People[i].Kind = k
			changed = true
		}
	}
	return changed
}
