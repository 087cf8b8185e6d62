/*
Package audit keeps the append-only log of sensitive actions.

PURPOSE:
  Every destructive financial or administrative action, and every read of
  salary-class data, is preceded by an audit entry. Entries are never
  edited or deleted.

SEE ALSO:
  - clinic/session.go: Writes the entry and persists it before acting
*/
package audit

import (
	"strings"
	"time"

	"github.com/warp/clinic-ledger/generic"
)

type Action string

const (
	ActionDelete Action = "delete"
	ActionModify Action = "modify"
	ActionAccess Action = "access"
)

func (a Action) Valid() bool {
	switch a {
	case ActionDelete, ActionModify, ActionAccess:
		return true
	}
	return false
}

// Entity kinds used by the engine.
const (
	KindInvoice = "invoice"
	KindPayment = "payment"
	KindExpense = "expense"
	KindStaff   = "staff"
	KindSalary  = "salary"
	KindAdvance = "advance"
	KindCuadre  = "cuadre"
)

type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
	Action     Action    `json:"action"`
	EntityKind string    `json:"entityKind"`
	Details    string    `json:"details"`
}

// Trail is the audit slice of the ledger state.
type Trail struct {
	Entries []Entry `json:"entries"`
}

// Append validates and appends a new entry.
func (t *Trail) Append(actor string, action Action, kind, details string, now time.Time) (Entry, error) {
	if strings.TrimSpace(actor) == "" {
		return Entry{}, &generic.ValidationError{Field: "actor", Message: "required"}
	}
	if !action.Valid() {
		return Entry{}, &generic.ValidationError{Field: "action", Message: "must be delete, modify or access"}
	}
	if strings.TrimSpace(kind) == "" {
		return Entry{}, &generic.ValidationError{Field: "entityKind", Message: "required"}
	}
	e := Entry{
		ID:         generic.NewID("LOG"),
		Timestamp:  now.UTC(),
		Actor:      actor,
		Action:     action,
		EntityKind: kind,
		Details:    details,
	}
	t.Entries = append(t.Entries, e)
	return e, nil
}

// Filter narrows the log. Zero-valued fields match everything.
type Filter struct {
	Actor      string
	Action     Action
	EntityKind string
	Since      time.Time
}

// Query returns matching entries, newest first.
func (t *Trail) Query(f Filter) []Entry {
	var out []Entry
	for i := len(t.Entries) - 1; i >= 0; i-- {
		e := t.Entries[i]
		if f.Actor != "" && !strings.EqualFold(e.Actor, f.Actor) {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.EntityKind != "" && e.EntityKind != f.EntityKind {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, e)
	}
	return out
}
