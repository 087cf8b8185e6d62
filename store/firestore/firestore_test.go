package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/clinic-ledger/clinic"
	"github.com/warp/clinic-ledger/generic"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		notFound bool
		conflict bool
	}{
		{"not found", status.Error(codes.NotFound, "no document"), true, false},
		{"aborted transaction", status.Error(codes.Aborted, "too much contention"), false, true},
		{"failed precondition", status.Error(codes.FailedPrecondition, "stale read"), false, true},
		{"unavailable", status.Error(codes.Unavailable, "connection refused"), false, false},
		{"plain error", errors.New("boom"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapError("clinica-smith", tt.err)

			require.Error(t, err)
			assert.Contains(t, err.Error(), "clinica-smith")
			assert.Equal(t, tt.notFound, generic.IsNotFound(err))
			assert.Equal(t, tt.conflict, errors.Is(err, generic.ErrConcurrentModification))
		})
	}
}

func TestDecodeRecord(t *testing.T) {
	// GIVEN: A stored body whose own revision disagrees with the envelope
	updated := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rec := record{
		Revision:                7,
		Origin:                  "session-2",
		LastUpdated:             updated,
		Body:                    `{"revision":2,"origin":"old","patients":[{"id":"p1","name":"Ana","images":["xray.png"]}],"billing":{"invoiceSeq":12}}`,
		PatientsInSubcollection: true,
	}

	// WHEN
	doc, err := decodeRecord(rec)

	// THEN: The envelope wins and the body is kept
	require.NoError(t, err)
	assert.Equal(t, int64(7), doc.Revision)
	assert.Equal(t, "session-2", doc.Origin)
	assert.True(t, updated.Equal(doc.LastUpdated))
	assert.True(t, doc.PatientsInSubcollection)
	require.Len(t, doc.Patients, 1)
	assert.Equal(t, []string{"xray.png"}, doc.Patients[0].Images)
}

func TestDecodeRecord_CorruptBody(t *testing.T) {
	_, err := decodeRecord(record{Revision: 1, Body: "{not json"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}

// =============================================================================
// EMULATOR
// =============================================================================

// newEmulatorStore connects to the Firestore emulator, skipping the test
// when none is configured.
func newEmulatorStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	store, err := New(context.Background(), "clinic-ledger-test")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_SaveAndLoad(t *testing.T) {
	// GIVEN: A tenant that does not exist yet
	store := newEmulatorStore(t)
	ctx := context.Background()
	tenant := generic.NewID("clinica")

	_, err := store.Load(ctx, tenant)
	assert.True(t, generic.IsNotFound(err))

	// WHEN: A document is saved
	doc := clinic.NewDocument()
	doc.Origin = "session-1"
	doc.LastUpdated = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	doc.Patients = []clinic.Patient{{ID: "p1", Name: "Ana", Images: []string{"xray.png"}}}
	ack, err := store.Save(ctx, tenant, doc)
	require.NoError(t, err)

	// THEN: It loads back as revision 1
	assert.Equal(t, int64(1), ack.Revision)
	got, err := store.Load(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Revision)
	assert.Equal(t, "session-1", got.Origin)
	assert.False(t, got.PatientsInSubcollection)
	assert.Equal(t, doc.Patients, got.Patients)

	// WHEN: A second save is based on revision 0 again
	_, err = store.Save(ctx, tenant, doc)

	// THEN: It is rejected as a conflict
	assert.True(t, errors.Is(err, generic.ErrConcurrentModification))
}

func TestStore_LargeRegistryInSubcollection(t *testing.T) {
	// GIVEN: More patients than fit inline
	store := newEmulatorStore(t)
	ctx := context.Background()
	tenant := generic.NewID("clinica")
	doc := clinic.NewDocument()
	for i := 0; i <= clinic.SubcollectionThreshold; i++ {
		doc.Patients = append(doc.Patients, clinic.Patient{ID: fmt.Sprintf("p%03d", i), Name: "Paciente"})
	}

	// WHEN
	_, err := store.Save(ctx, tenant, doc)
	require.NoError(t, err)
	got, err := store.Load(ctx, tenant)

	// THEN: The registry lives in the child collection and loads back whole
	require.NoError(t, err)
	assert.True(t, got.PatientsInSubcollection)
	assert.Len(t, got.Patients, clinic.SubcollectionThreshold+1)
}
