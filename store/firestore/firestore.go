/*
Package firestore provides the hosted clinic.DocumentStore.

PURPOSE:
  Each clinic is the document clinicas/{tenant}. The ledger is kept as a
  JSON body next to the revision, origin and update time, which are plain
  fields so the change feed can filter on them without decoding.

PATIENTS:
  Above clinic.SubcollectionThreshold patients the registry moves to the
  child collection clinicas/{tenant}/pacientes, one document per patient,
  written with batches of at most clinic.MaxBatchSize operations.

CONCURRENCY:
  Save reads the stored revision and writes revision+1 inside a Firestore
  transaction. The patient batches are committed before that transaction;
  a rejected save can leave newer patient records behind, which the next
  successful save overwrites.

SEE ALSO:
  - clinic/document.go: DocumentStore contract
  - store/sqlite: local implementation with the same layout
*/
package firestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"github.com/warp/clinic-ledger/clinic"
	"github.com/warp/clinic-ledger/generic"
	"github.com/warp/clinic-ledger/logger"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	Collection         = "clinicas"
	PatientsCollection = "pacientes"
)

// record is the stored shape of a clinic document.
type record struct {
	Revision                int64     `firestore:"revision"`
	Origin                  string    `firestore:"origin"`
	LastUpdated             time.Time `firestore:"lastUpdated"`
	Body                    string    `firestore:"body"`
	PatientsInSubcollection bool      `firestore:"patientsInSubcollection"`
}

type patientRecord struct {
	ID     string   `firestore:"id"`
	Name   string   `firestore:"name"`
	Phone  string   `firestore:"phone,omitempty"`
	Images []string `firestore:"images,omitempty"`
}

type Store struct {
	client *firestore.Client
	log    zerolog.Logger
}

// New connects to the project's default database.
func New(ctx context.Context, projectID string, opts ...option.ClientOption) (*Store, error) {
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return NewWithClient(client), nil
}

func NewWithClient(client *firestore.Client) *Store {
	return &Store{client: client, log: logger.WithComponent("firestore")}
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) doc(tenant string) *firestore.DocumentRef {
	return s.client.Collection(Collection).Doc(tenant)
}

// =============================================================================
// DOCUMENT STORE (clinic.DocumentStore interface)
// =============================================================================

func (s *Store) Load(ctx context.Context, tenant string) (clinic.Document, error) {
	snap, err := s.doc(tenant).Get(ctx)
	if err != nil {
		return clinic.Document{}, mapError(tenant, err)
	}
	doc, err := decode(snap)
	if err != nil {
		return clinic.Document{}, err
	}
	if doc.PatientsInSubcollection {
		patients, err := s.loadPatients(ctx, tenant)
		if err != nil {
			return clinic.Document{}, err
		}
		doc.Patients = patients
	}
	return doc, nil
}

func (s *Store) loadPatients(ctx context.Context, tenant string) ([]clinic.Patient, error) {
	it := s.doc(tenant).Collection(PatientsCollection).Documents(ctx)
	defer it.Stop()

	var patients []clinic.Patient
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load patients: %w", err)
		}
		var p patientRecord
		if err := snap.DataTo(&p); err != nil {
			return nil, fmt.Errorf("failed to decode patient %s: %w", snap.Ref.ID, err)
		}
		patients = append(patients, clinic.Patient{ID: p.ID, Name: p.Name, Phone: p.Phone, Images: p.Images})
	}
	return patients, nil
}

func (s *Store) Save(ctx context.Context, tenant string, doc clinic.Document) (clinic.Ack, error) {
	sub := clinic.UsesSubcollection(doc.Patients)
	if sub {
		if err := s.writePatients(ctx, tenant, doc.Patients); err != nil {
			return clinic.Ack{}, err
		}
	}

	body := doc
	body.PatientsInSubcollection = sub
	if sub {
		body.Patients = nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return clinic.Ack{}, fmt.Errorf("failed to encode document: %w", err)
	}

	ref := s.doc(tenant)
	next := doc.Revision + 1
	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var current int64
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
			current = 0
		case err != nil:
			return err
		default:
			var rec record
			if err := snap.DataTo(&rec); err != nil {
				return err
			}
			current = rec.Revision
		}
		if current != doc.Revision {
			return fmt.Errorf("clinic %q at revision %d, save based on %d: %w",
				tenant, current, doc.Revision, generic.ErrConcurrentModification)
		}
		return tx.Set(ref, record{
			Revision:                next,
			Origin:                  doc.Origin,
			LastUpdated:             doc.LastUpdated.UTC(),
			Body:                    string(raw),
			PatientsInSubcollection: sub,
		})
	})
	if err != nil {
		if errors.Is(err, generic.ErrConcurrentModification) {
			return clinic.Ack{}, err
		}
		return clinic.Ack{}, mapError(tenant, err)
	}
	return clinic.Ack{Revision: next}, nil
}

// writePatients upserts every patient and deletes the ones no longer in
// the registry, in batches of clinic.MaxBatchSize writes.
func (s *Store) writePatients(ctx context.Context, tenant string, patients []clinic.Patient) error {
	col := s.doc(tenant).Collection(PatientsCollection)

	keep := make(map[string]bool, len(patients))
	for _, p := range patients {
		keep[p.ID] = true
	}
	var stale []*firestore.DocumentRef
	it := col.Select().Documents(ctx)
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			it.Stop()
			return fmt.Errorf("failed to list patients: %w", err)
		}
		if !keep[snap.Ref.ID] {
			stale = append(stale, snap.Ref)
		}
	}
	it.Stop()

	for _, chunk := range clinic.ChunkPatients(patients, clinic.MaxBatchSize) {
		batch := s.client.Batch()
		for _, p := range chunk {
			batch.Set(col.Doc(p.ID), patientRecord{ID: p.ID, Name: p.Name, Phone: p.Phone, Images: p.Images})
		}
		if _, err := batch.Commit(ctx); err != nil {
			return fmt.Errorf("failed to write patients: %w", err)
		}
	}
	for start := 0; start < len(stale); start += clinic.MaxBatchSize {
		end := min(start+clinic.MaxBatchSize, len(stale))
		batch := s.client.Batch()
		for _, ref := range stale[start:end] {
			batch.Delete(ref)
		}
		if _, err := batch.Commit(ctx); err != nil {
			return fmt.Errorf("failed to delete patients: %w", err)
		}
	}
	return nil
}

// Subscribe listens to realtime snapshots of the clinic document. The
// first snapshot, which reflects the state at subscription time, is not
// delivered.
func (s *Store) Subscribe(ctx context.Context, tenant, origin string, onChange clinic.ChangeFunc) (clinic.Unsubscribe, error) {
	feedCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	it := s.doc(tenant).Snapshots(feedCtx)
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		defer it.Stop()
		first := true
		for {
			snap, err := it.Next()
			if err != nil {
				if status.Code(err) != codes.Canceled && !errors.Is(err, iterator.Done) && feedCtx.Err() == nil {
					s.log.Error().Err(err).Str("tenant", tenant).Msg("change feed stopped")
				}
				return
			}
			if first {
				first = false
				continue
			}
			if !snap.Exists() {
				continue
			}
			doc, err := decode(snap)
			if err != nil {
				s.log.Warn().Err(err).Str("tenant", tenant).Msg("undecodable change-feed document")
				continue
			}
			if doc.PatientsInSubcollection {
				if doc.Patients, err = s.loadPatients(feedCtx, tenant); err != nil {
					s.log.Warn().Err(err).Str("tenant", tenant).Msg("change-feed patients load failed")
					continue
				}
			}
			onChange(doc, doc.Origin == origin)
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stopped:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-stopped
		})
	}, nil
}

func decode(snap *firestore.DocumentSnapshot) (clinic.Document, error) {
	var rec record
	if err := snap.DataTo(&rec); err != nil {
		return clinic.Document{}, fmt.Errorf("failed to read clinic document: %w", err)
	}
	return decodeRecord(rec)
}

// decodeRecord rebuilds the document from its JSON body. The envelope
// fields win over whatever the body carries.
func decodeRecord(rec record) (clinic.Document, error) {
	var doc clinic.Document
	if err := json.Unmarshal([]byte(rec.Body), &doc); err != nil {
		return clinic.Document{}, fmt.Errorf("failed to decode clinic document: %w", err)
	}
	doc.Revision = rec.Revision
	doc.Origin = rec.Origin
	doc.LastUpdated = rec.LastUpdated
	doc.PatientsInSubcollection = rec.PatientsInSubcollection
	return doc, nil
}

// mapError translates gRPC status codes into the ledger's sentinels.
func mapError(tenant string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("clinic %q: %w", tenant, generic.ErrNotFound)
	case codes.Aborted, codes.FailedPrecondition:
		return fmt.Errorf("clinic %q: %v: %w", tenant, err, generic.ErrConcurrentModification)
	}
	return fmt.Errorf("clinic %q: %w", tenant, err)
}
