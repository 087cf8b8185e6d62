// Package memory provides an in-process DocumentStore.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/warp/clinic-ledger/clinic"
	"github.com/warp/clinic-ledger/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	docs        map[string]clinic.Document
	subscribers map[string]map[int]subscriber
	nextSub     int

	// failNext, when set, makes the next Save return it. Used by tests.
	failNext error
}

type subscriber struct {
	origin   string
	onChange clinic.ChangeFunc
}

func New() *Memory {
	return &Memory{
		docs:        make(map[string]clinic.Document),
		subscribers: make(map[string]map[int]subscriber),
	}
}

func (m *Memory) Load(_ context.Context, tenant string) (clinic.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[tenant]
	if !ok {
		return clinic.Document{}, fmt.Errorf("clinic %q: %w", tenant, generic.ErrNotFound)
	}
	return doc.Clone(), nil
}

// Save stores doc as revision doc.Revision+1 when doc.Revision matches
// the stored revision. Subscribers are notified after the lock is
// released, in the calling goroutine.
func (m *Memory) Save(ctx context.Context, tenant string, doc clinic.Document) (clinic.Ack, error) {
	if err := ctx.Err(); err != nil {
		return clinic.Ack{}, err
	}
	m.mu.Lock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		m.mu.Unlock()
		return clinic.Ack{}, err
	}
	current := m.docs[tenant].Revision
	if doc.Revision != current {
		m.mu.Unlock()
		return clinic.Ack{}, fmt.Errorf("clinic %q at revision %d, save based on %d: %w",
			tenant, current, doc.Revision, generic.ErrConcurrentModification)
	}
	stored := doc.Clone()
	stored.Revision = current + 1
	m.docs[tenant] = stored

	subs := m.subscribersLocked(tenant)
	m.mu.Unlock()

	notify(subs, stored)
	return clinic.Ack{Revision: stored.Revision}, nil
}

func (m *Memory) subscribersLocked(tenant string) []subscriber {
	subs := make([]subscriber, 0, len(m.subscribers[tenant]))
	for _, s := range m.subscribers[tenant] {
		subs = append(subs, s)
	}
	return subs
}

func notify(subs []subscriber, doc clinic.Document) {
	for _, s := range subs {
		s.onChange(doc.Clone(), doc.Origin == s.origin)
	}
}

func (m *Memory) Subscribe(_ context.Context, tenant, origin string, onChange clinic.ChangeFunc) (clinic.Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribers[tenant] == nil {
		m.subscribers[tenant] = make(map[int]subscriber)
	}
	id := m.nextSub
	m.nextSub++
	m.subscribers[tenant][id] = subscriber{origin: origin, onChange: onChange}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subscribers[tenant], id)
		})
	}, nil
}

// Put overwrites the stored document without a revision check, keeping
// doc.Revision as is. Used to seed tests and demos.
func (m *Memory) Put(tenant string, doc clinic.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[tenant] = doc.Clone()
}

// Publish overwrites the stored document like Put and notifies
// subscribers as if it had been saved by doc.Origin.
func (m *Memory) Publish(tenant string, doc clinic.Document) {
	m.mu.Lock()
	m.docs[tenant] = doc.Clone()
	subs := m.subscribersLocked(tenant)
	m.mu.Unlock()
	notify(subs, doc)
}

// FailNextSave makes the next Save fail with err.
func (m *Memory) FailNextSave(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}
