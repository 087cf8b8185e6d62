/*
Package sqlite provides a SQLite-backed clinic.DocumentStore.

PURPOSE:
  Keeps one JSON document per clinic (tenant) with a revision column for
  optimistic concurrency. Large patient registries live in their own table,
  mirroring the child collection of the hosted document store.

KEY TABLES:
  clinic_documents: one row per tenant (revision, origin, body)
  clinic_patients:  patient records of tenants above the threshold

CONCURRENCY:
  Save checks the stored revision inside a transaction and writes
  revision+1. A save based on any other revision fails with
  generic.ErrConcurrentModification.

CHANGE FEED:
  SQLite has no push notifications. Subscribe polls the revision column
  and loads the document when it moved.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) so pollers do not block
  the writer.

USAGE:
  store, err := sqlite.New("./data/clinic.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - clinic/document.go: DocumentStore contract
  - store/memory: in-process implementation for tests
  - store/firestore: hosted implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/warp/clinic-ledger/clinic"
	"github.com/warp/clinic-ledger/generic"
	"github.com/warp/clinic-ledger/logger"
)

// DefaultPollInterval is how often Subscribe checks for new revisions.
const DefaultPollInterval = 2 * time.Second

// Store implements clinic.DocumentStore using SQLite.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	pollInterval time.Duration
	log          zerolog.Logger
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{
		db:           db,
		pollInterval: DefaultPollInterval,
		log:          logger.WithComponent("sqlite"),
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// SetPollInterval changes the change-feed polling period of later
// subscriptions.
func (s *Store) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS clinic_documents (
		tenant TEXT PRIMARY KEY,
		revision INTEGER NOT NULL,
		origin TEXT,
		body_json TEXT NOT NULL,
		patients_in_subcollection INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS clinic_patients (
		tenant TEXT NOT NULL REFERENCES clinic_documents(tenant) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		patient_json TEXT NOT NULL,
		PRIMARY KEY (tenant, id)
	);

	CREATE INDEX IF NOT EXISTS idx_clinic_patients_position
		ON clinic_patients(tenant, position);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// DOCUMENT STORE (clinic.DocumentStore interface)
// =============================================================================

// Load returns the tenant's document with its patients re-attached.
func (s *Store) Load(ctx context.Context, tenant string) (clinic.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		body, updatedAt string
		origin          sql.NullString
		revision        int64
		inSubcollection bool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT revision, origin, body_json, patients_in_subcollection, updated_at
		FROM clinic_documents WHERE tenant = ?`, tenant,
	).Scan(&revision, &origin, &body, &inSubcollection, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return clinic.Document{}, fmt.Errorf("clinic %q: %w", tenant, generic.ErrNotFound)
	}
	if err != nil {
		return clinic.Document{}, fmt.Errorf("failed to load document: %w", err)
	}

	var doc clinic.Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return clinic.Document{}, fmt.Errorf("failed to decode document: %w", err)
	}
	doc.Revision = revision
	doc.Origin = origin.String
	doc.LastUpdated, _ = time.Parse(time.RFC3339Nano, updatedAt)
	doc.PatientsInSubcollection = inSubcollection

	if inSubcollection {
		patients, err := s.loadPatients(ctx, tenant)
		if err != nil {
			return clinic.Document{}, err
		}
		doc.Patients = patients
	}
	return doc, nil
}

func (s *Store) loadPatients(ctx context.Context, tenant string) ([]clinic.Patient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT patient_json FROM clinic_patients WHERE tenant = ? ORDER BY position`, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to load patients: %w", err)
	}
	defer rows.Close()

	var patients []clinic.Patient
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var p clinic.Patient
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("failed to decode patient: %w", err)
		}
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

// Save writes doc as revision doc.Revision+1. Patients above the
// threshold go to clinic_patients in chunks of clinic.MaxBatchSize rows.
func (s *Store) Save(ctx context.Context, tenant string, doc clinic.Document) (clinic.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return clinic.Ack{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var current int64
	err = sqlTx.QueryRowContext(ctx, `SELECT revision FROM clinic_documents WHERE tenant = ?`, tenant).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	case err != nil:
		return clinic.Ack{}, fmt.Errorf("failed to read revision: %w", err)
	}
	if doc.Revision != current {
		return clinic.Ack{}, fmt.Errorf("clinic %q at revision %d, save based on %d: %w",
			tenant, current, doc.Revision, generic.ErrConcurrentModification)
	}

	sub := clinic.UsesSubcollection(doc.Patients)
	body := doc
	body.PatientsInSubcollection = sub
	if sub {
		body.Patients = nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return clinic.Ack{}, fmt.Errorf("failed to encode document: %w", err)
	}

	next := current + 1
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO clinic_documents (tenant, revision, origin, body_json, patients_in_subcollection, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant) DO UPDATE SET
			revision = excluded.revision,
			origin = excluded.origin,
			body_json = excluded.body_json,
			patients_in_subcollection = excluded.patients_in_subcollection,
			updated_at = excluded.updated_at`,
		tenant, next, nullString(doc.Origin), string(raw), sub,
		doc.LastUpdated.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return clinic.Ack{}, fmt.Errorf("failed to save document: %w", err)
	}

	if _, err := sqlTx.ExecContext(ctx, `DELETE FROM clinic_patients WHERE tenant = ?`, tenant); err != nil {
		return clinic.Ack{}, fmt.Errorf("failed to clear patients: %w", err)
	}
	if sub {
		if err := insertPatients(ctx, sqlTx, tenant, doc.Patients); err != nil {
			return clinic.Ack{}, err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return clinic.Ack{}, fmt.Errorf("failed to commit document: %w", err)
	}
	return clinic.Ack{Revision: next}, nil
}

func insertPatients(ctx context.Context, tx *sql.Tx, tenant string, patients []clinic.Patient) error {
	position := 0
	for _, chunk := range clinic.ChunkPatients(patients, clinic.MaxBatchSize) {
		var (
			sb   strings.Builder
			args = make([]any, 0, len(chunk)*5)
		)
		sb.WriteString(`INSERT INTO clinic_patients (tenant, position, id, name, patient_json) VALUES `)
		for i, p := range chunk {
			raw, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("failed to encode patient %s: %w", p.ID, err)
			}
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?, ?, ?)")
			args = append(args, tenant, position, p.ID, p.Name, string(raw))
			position++
		}
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("duplicate patient id in clinic %q: %w", tenant, generic.ErrValidation)
			}
			return fmt.Errorf("failed to write patients: %w", err)
		}
	}
	return nil
}

// Subscribe polls the tenant's revision and delivers every new document.
// The feed stops when ctx is done or the returned func is called.
func (s *Store) Subscribe(ctx context.Context, tenant, origin string, onChange clinic.ChangeFunc) (clinic.Unsubscribe, error) {
	last, err := s.revision(ctx, tenant)
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				rev, err := s.revision(pollCtx, tenant)
				if err != nil {
					s.log.Warn().Err(err).Str("tenant", tenant).Msg("revision poll failed")
					continue
				}
				if rev == last {
					continue
				}
				doc, err := s.Load(pollCtx, tenant)
				if err != nil {
					s.log.Warn().Err(err).Str("tenant", tenant).Msg("change-feed load failed")
					continue
				}
				last = doc.Revision
				onChange(doc, doc.Origin == origin)
			}
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

func (s *Store) revision(ctx context.Context, tenant string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rev int64
	err := s.db.QueryRowContext(ctx, `SELECT revision FROM clinic_documents WHERE tenant = ?`, tenant).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read revision: %w", err)
	}
	return rev, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Tenants lists the stored clinics.
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT tenant FROM clinic_documents ORDER BY tenant`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"clinic_patients", "clinic_documents"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
