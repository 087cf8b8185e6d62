package payroll

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/clinic-ledger/generic"
	"golang.org/x/crypto/bcrypt"
)

// bcryptCost keeps logins fast on small clinic machines.
const bcryptCost = 10

// HashPassword generates a bcrypt hash of the password
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword checks if the provided password matches the hash
func VerifyPassword(hashedPassword, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)) == nil
}

// DefaultRoster is the staff a brand-new clinic document starts with.
// Passwords are set later through AddPerson or SetPassword.
func DefaultRoster() Roster {
	salary := generic.MoneyFromInt(15000)
	return Roster{
		People: []Person{
			{ID: "1", Name: "Dra. Elizabeth Smith", Kind: KindRegular, IsAdmin: true, CanAccessReception: true},
			{ID: "2", Name: "Susi", Kind: KindEmployee, Salary: &salary, CanAccessReception: true},
			{ID: "3", Name: "Joelia", Kind: KindEmployee, Salary: &salary, CanAccessReception: true},
		},
		Advances: []Advance{},
	}
}

// =============================================================================
// STAFF
// =============================================================================

type NewPerson struct {
	Name               string
	Kind               Kind
	IsAdmin            bool
	CanAccessReception bool
	Salary             *generic.Money
	Password           string
	License            string
}

func (r *Roster) AddPerson(in NewPerson) (Person, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Person{}, &generic.ValidationError{Field: "name", Message: "required"}
	}
	kind, ok := ParseKind(string(in.Kind))
	if !ok {
		return Person{}, &generic.ValidationError{Field: "kind", Message: "must be regular, specialist or employee"}
	}
	if _, err := r.FindByName(name); err == nil {
		return Person{}, &generic.ValidationError{Field: "name", Message: name + " already exists"}
	}
	if kind == KindEmployee && (in.Salary == nil || !in.Salary.IsPositive()) {
		return Person{}, &generic.ValidationError{Field: "salary", Message: "employees need a positive salary"}
	}
	if in.Password == "" {
		return Person{}, &generic.ValidationError{Field: "password", Message: "required"}
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return Person{}, fmt.Errorf("hash password: %w", err)
	}

	p := Person{
		ID:                 generic.NewID("STAFF"),
		Name:               name,
		Kind:               kind,
		IsAdmin:            in.IsAdmin,
		CanAccessReception: in.CanAccessReception,
		Salary:             in.Salary,
		PasswordHash:       hash,
		License:            in.License,
	}
	r.People = append(r.People, p)
	return p, nil
}

func (r *Roster) SetPassword(personID, password string) error {
	p, err := r.Find(personID)
	if err != nil {
		return err
	}
	if password == "" {
		return &generic.ValidationError{Field: "password", Message: "required"}
	}
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	p.PasswordHash = hash
	return nil
}

// RemovePerson deletes a staff member together with their advances.
// Administrators cannot be removed.
func (r *Roster) RemovePerson(personID string) (Person, []Advance, error) {
	i := r.indexOf(personID)
	if i < 0 {
		return Person{}, nil, notFound(personID)
	}
	p := r.People[i]
	if p.IsAdmin {
		return Person{}, nil, fmt.Errorf("cannot remove administrator %s: %w", p.Name, generic.ErrForbidden)
	}
	r.People = append(r.People[:i:i], r.People[i+1:]...)
	dropped := r.dropAdvances(personID)
	return p, dropped, nil
}

// =============================================================================
// ADVANCES & SALARY
// =============================================================================

type AdvanceInput struct {
	PersonID   string
	Amount     generic.Money
	Notes      string
	RecordedBy string
}

func (r *Roster) TotalAdvances(personID string) generic.Money {
	total := generic.Money{}
	for _, a := range r.Advances {
		if a.PersonID == personID {
			total = total.Add(a.Amount)
		}
	}
	return total
}

func (r *Roster) AdvancesOf(personID string) []Advance {
	var out []Advance
	for _, a := range r.Advances {
		if a.PersonID == personID {
			out = append(out, a)
		}
	}
	return out
}

// RecordAdvance registers an advance. For salaried employees the advance
// cannot exceed what is left of the salary after earlier advances.
func (r *Roster) RecordAdvance(in AdvanceInput, now time.Time) (Advance, error) {
	p, err := r.Find(in.PersonID)
	if err != nil {
		return Advance{}, err
	}
	if !in.Amount.IsPositive() {
		return Advance{}, &generic.InvalidAmountError{Amount: in.Amount}
	}
	if p.Kind == KindEmployee && p.Salary != nil {
		available := p.Salary.Sub(r.TotalAdvances(p.ID))
		if in.Amount.GreaterThan(available) {
			return Advance{}, &generic.ValidationError{
				Field:   "amount",
				Message: fmt.Sprintf("advance %s exceeds available salary %s", in.Amount, available),
			}
		}
	}
	a := Advance{
		ID:         generic.NewID("ADV"),
		PersonID:   p.ID,
		Amount:     in.Amount,
		Notes:      in.Notes,
		At:         now.UTC(),
		RecordedBy: in.RecordedBy,
	}
	r.Advances = append(r.Advances, a)
	return a, nil
}

// SalaryPayout is the receipt data of a salary payment.
type SalaryPayout struct {
	PersonID string        `json:"personId"`
	Name     string        `json:"name"`
	Gross    generic.Money `json:"gross"`
	Advances generic.Money `json:"advances"`
	Net      generic.Money `json:"net"`
	PaidAt   time.Time     `json:"paidAt"`
	PaidBy   string        `json:"paidBy,omitempty"`
}

// PaySalary pays salary minus advances and clears the person's advances.
func (r *Roster) PaySalary(personID string, now time.Time, paidBy string) (SalaryPayout, error) {
	p, err := r.Find(personID)
	if err != nil {
		return SalaryPayout{}, err
	}
	if p.Salary == nil || !p.Salary.IsPositive() {
		return SalaryPayout{}, &generic.ValidationError{Field: "salary", Message: p.Name + " has no salary"}
	}
	advances := r.TotalAdvances(p.ID)
	out := SalaryPayout{
		PersonID: p.ID,
		Name:     p.Name,
		Gross:    *p.Salary,
		Advances: advances,
		Net:      p.Salary.Sub(advances),
		PaidAt:   now.UTC(),
		PaidBy:   paidBy,
	}
	r.dropAdvances(p.ID)
	return out, nil
}

// SalaryView is the salary-class data shown to administrators.
type SalaryView struct {
	PersonID string         `json:"personId"`
	Name     string         `json:"name"`
	Kind     Kind           `json:"kind"`
	Salary   *generic.Money `json:"salary,omitempty"`
	Advances generic.Money  `json:"advances"`
}

func (r *Roster) SalaryViews() []SalaryView {
	out := make([]SalaryView, 0, len(r.People))
	for _, p := range r.People {
		out = append(out, SalaryView{
			PersonID: p.ID,
			Name:     p.Name,
			Kind:     p.Kind,
			Salary:   p.Salary,
			Advances: r.TotalAdvances(p.ID),
		})
	}
	return out
}

func (r *Roster) dropAdvances(personID string) []Advance {
	kept := r.Advances[:0:0]
	var dropped []Advance
	for _, a := range r.Advances {
		if a.PersonID == personID {
			dropped = append(dropped, a)
			continue
		}
		kept = append(kept, a)
	}
	r.Advances = kept
	return dropped
}

func notFound(id string) error {
	return fmt.Errorf("staff %q: %w", id, generic.ErrNotFound)
}
