/*
Package clinic owns the ledger state of one clinic and its persistence.

PURPOSE:
  A clinic is one document in a remote document store. The Session loads
  it (cache first, then remote), applies every mutation through the
  billing, payroll, cuadre and audit packages, and persists the whole
  document asynchronously while listening to a change feed for edits made
  by other sessions.

KEY CONCEPTS:
  - Document: the complete ledger state, versioned by Revision
  - DocumentStore: load/save/subscribe contract implemented under store/
  - Session: single logical actor; the only writer of its Document
  - Pending writes: saves in flight; change-feed echoes are ignored
    while any are outstanding

CONSISTENCY:
  Saves carry the revision they were based on. A store rejects a save
  whose revision is stale with ErrConcurrentModification; the session
  surfaces the error and reloads the remote document.

SEE ALSO:
  - session.go: Open, mutations, async persistence
  - store/memory, store/sqlite, store/firestore: DocumentStore backends
*/
package clinic

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/clinic-ledger/audit"
	"github.com/warp/clinic-ledger/billing"
	"github.com/warp/clinic-ledger/cuadre"
	"github.com/warp/clinic-ledger/payroll"
)

// Patient is the slice of the patient registry the ledger needs. Full
// patient records are owned elsewhere.
type Patient struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Phone  string   `json:"phone,omitempty"`
	Images []string `json:"images,omitempty"`
}

// Document is the persisted state of one clinic (tenant).
type Document struct {
	Revision    int64     `json:"revision"`
	Origin      string    `json:"origin,omitempty"`
	LastUpdated time.Time `json:"lastUpdated"`

	Billing  billing.Book   `json:"billing"`
	Payroll  payroll.Roster `json:"payroll"`
	Cash     cuadre.Book    `json:"cash"`
	Audit    audit.Trail    `json:"audit"`
	Patients []Patient      `json:"patients,omitempty"`

	// PatientsInSubcollection is set by stores that moved the patients to
	// a child collection. Patients is still populated after Load.
	PatientsInSubcollection bool `json:"patientsInSubcollection,omitempty"`
}

// NewDocument is the state of a clinic that has never been saved.
func NewDocument() Document {
	return Document{
		Payroll: payroll.DefaultRoster(),
		Cash:    cuadre.Book{Snapshots: cuadre.Snapshots{}},
	}
}

// Clone deep-copies the document.
func (d Document) Clone() Document {
	raw, err := json.Marshal(d)
	if err != nil {
		panic(fmt.Sprintf("clinic: document not serializable: %v", err))
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("clinic: document round-trip: %v", err))
	}
	return out
}

// Normalize repairs legacy data in place: old staff kinds and appointments
// without a status. Reports whether anything changed.
func (d *Document) Normalize() bool {
	changed := d.Payroll.Normalize()
	for i := range d.Billing.Appointments {
		if d.Billing.Appointments[i].Status == "" {
			d.Billing.Appointments[i].Status = billing.AppointmentPending
			changed = true
		}
	}
	if d.Cash.Snapshots == nil {
		d.Cash.Snapshots = cuadre.Snapshots{}
	}
	return changed
}

// WithoutImages returns a copy whose patients carry no image references,
// the form kept in the local cache.
func (d Document) WithoutImages() Document {
	out := d
	out.Patients = make([]Patient, len(d.Patients))
	for i, p := range d.Patients {
		p.Images = nil
		out.Patients[i] = p
	}
	return out
}

// =============================================================================
// DOCUMENT STORE CONTRACT
// =============================================================================

const (
	// SubcollectionThreshold is the patient count above which stores move
	// patients into a child collection.
	SubcollectionThreshold = 100

	// MaxBatchSize bounds the writes of one atomic child-collection batch.
	MaxBatchSize = 500
)

// Ack confirms a save and reports the new revision.
type Ack struct {
	Revision int64
}

// ChangeFunc receives remote documents. isLocalPendingWrite is true when
// the notification reflects a write made by the subscriber itself.
type ChangeFunc func(doc Document, isLocalPendingWrite bool)

// Unsubscribe stops a change feed. It is safe to call more than once.
type Unsubscribe func()

// DocumentStore is the persistence collaborator.
//
// Load returns an error wrapping generic.ErrNotFound for unknown tenants.
// Save must reject a document whose Revision differs from the stored one
// with generic.ErrConcurrentModification, and store it as Revision+1.
type DocumentStore interface {
	Load(ctx context.Context, tenant string) (Document, error)
	Save(ctx context.Context, tenant string, doc Document) (Ack, error)
	Subscribe(ctx context.Context, tenant, origin string, onChange ChangeFunc) (Unsubscribe, error)
}

// UsesSubcollection reports whether patients must go to a child collection.
func UsesSubcollection(patients []Patient) bool {
	return len(patients) > SubcollectionThreshold
}

// ChunkPatients splits patients into batches of at most size records.
func ChunkPatients(patients []Patient, size int) [][]Patient {
	if size <= 0 {
		size = MaxBatchSize
	}
	var out [][]Patient
	for start := 0; start < len(patients); start += size {
		end := start + size
		if end > len(patients) {
			end = len(patients)
		}
		out = append(out, patients[start:end])
	}
	return out
}
