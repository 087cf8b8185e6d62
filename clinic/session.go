package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/clinic-ledger/cache"
	"github.com/warp/clinic-ledger/generic"
	"github.com/warp/clinic-ledger/logger"
	"github.com/warp/clinic-ledger/metrics"
	"github.com/warp/clinic-ledger/payroll"
)

const (
	DefaultCacheMaxAge = 5 * time.Minute
	DefaultSaveTimeout = 15 * time.Second
	errorBuffer        = 32
)

// Options configures a Session. Store and Tenant are required.
type Options struct {
	Tenant      string
	Origin      string
	Store       DocumentStore
	Cache       cache.Cache
	CacheMaxAge time.Duration
	SaveTimeout time.Duration
	Clock       generic.Clock
	Zone        *time.Location
	Rates       payroll.RateTable
	Formatter   *generic.Formatter
	ClinicName  string
	Notifier    Notifier
	Logger      *zerolog.Logger
}

// Session owns the ledger state of one clinic for one client. All
// mutations are serialized by mu and validated before they touch the
// document; persistence happens in the background.
type Session struct {
	tenant      string
	origin      string
	store       DocumentStore
	cache       cache.Cache
	cacheMaxAge time.Duration
	saveTimeout time.Duration
	clock       generic.Clock
	zone        *time.Location
	rates       payroll.RateTable
	receipts    Receipts
	notifier    Notifier
	log         zerolog.Logger

	mu     sync.Mutex
	doc    Document
	loaded bool
	seq    uint64
	// stripped is set while doc came from the cache, which keeps no
	// patient images.
	stripped bool

	// revision is the last revision acknowledged by, or received from, the
	// store. Saves are based on it.
	revision atomic.Int64
	// pending counts saves that have not been acknowledged yet.
	pending atomic.Int32

	saveMu     sync.Mutex
	savedSeq   uint64
	discardSeq uint64

	inflight    sync.WaitGroup
	errs        chan error
	unsubscribe Unsubscribe
}

func NewSession(opts Options) (*Session, error) {
	if opts.Store == nil {
		return nil, errors.New("clinic: a document store is required")
	}
	if opts.Tenant == "" {
		return nil, &generic.ValidationError{Field: "tenant", Message: "required"}
	}
	s := &Session{
		tenant:      opts.Tenant,
		origin:      opts.Origin,
		store:       opts.Store,
		cache:       opts.Cache,
		cacheMaxAge: opts.CacheMaxAge,
		saveTimeout: opts.SaveTimeout,
		clock:       opts.Clock,
		zone:        opts.Zone,
		rates:       opts.Rates,
		notifier:    opts.Notifier,
		errs:        make(chan error, errorBuffer),
		doc:         NewDocument(),
	}
	if s.origin == "" {
		s.origin = generic.NewID("session")
	}
	if s.cache == nil {
		s.cache = cache.Nop{}
	}
	if s.cacheMaxAge <= 0 {
		s.cacheMaxAge = DefaultCacheMaxAge
	}
	if s.saveTimeout <= 0 {
		s.saveTimeout = DefaultSaveTimeout
	}
	if s.clock == nil {
		s.clock = generic.SystemClock{}
	}
	if s.zone == nil {
		s.zone = generic.LoadZone("")
	}
	if s.rates == nil {
		s.rates = payroll.DefaultRates()
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	format := opts.Formatter
	if format == nil {
		format = generic.DefaultFormatter()
	}
	s.receipts = Receipts{ClinicName: opts.ClinicName, Format: format, Zone: s.zone}
	if opts.Logger != nil {
		s.log = *opts.Logger
	} else {
		s.log = logger.WithComponent("session")
	}
	s.log = s.log.With().Str("tenant", s.tenant).Str("origin", s.origin).Logger()
	return s, nil
}

func (s *Session) Tenant() string                { return s.tenant }
func (s *Session) Origin() string                { return s.origin }
func (s *Session) Zone() *time.Location          { return s.zone }
func (s *Session) Formatter() *generic.Formatter { return s.receipts.Format }
func (s *Session) Now() time.Time                { return s.clock.Now() }

// Errors delivers persistence failures that happened in the background.
// The channel is buffered; when nobody drains it, older failures are only
// logged.
func (s *Session) Errors() <-chan error { return s.errs }

func (s *Session) cacheKey() string { return "clinicas/" + s.tenant }

// =============================================================================
// OPEN / CLOSE
// =============================================================================

// Open loads the clinic. A cache entry younger than the max age is applied
// immediately and the remote document is fetched in the background;
// otherwise the remote is loaded before Open returns, falling back to a
// stale cache entry when the store is unreachable. A tenant that does not
// exist yet is seeded with the default roster and saved. Finally the
// change feed is subscribed.
func (s *Session) Open(ctx context.Context) error {
	cached, savedAt, hasCache := s.readCache(ctx)
	fresh := hasCache && s.clock.Now().Sub(savedAt) <= s.cacheMaxAge

	if fresh {
		s.mu.Lock()
		s.applyLocked(cached)
		s.stripped = true
		s.mu.Unlock()
		s.log.Info().Int64("revision", cached.Revision).Msg("loaded from cache")

		bg := context.WithoutCancel(ctx)
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			if err := s.refresh(bg, nil); err != nil {
				s.log.Warn().Err(err).Msg("background load failed, keeping cached state")
			}
		}()
	} else {
		var fallback *Document
		if hasCache {
			fallback = &cached
		}
		if err := s.refresh(ctx, fallback); err != nil {
			return err
		}
	}

	unsub, err := s.store.Subscribe(ctx, s.tenant, s.origin, s.onRemoteChange)
	if err != nil {
		perr := generic.NewPersistenceError("subscribe", err)
		s.fail(perr)
		return perr
	}
	s.mu.Lock()
	s.unsubscribe = unsub
	s.mu.Unlock()
	return nil
}

// refresh loads the remote document and applies it when it is at least as
// new as what is held.
func (s *Session) refresh(ctx context.Context, fallback *Document) error {
	remote, err := s.store.Load(ctx, s.tenant)
	switch {
	case err == nil:
		s.mu.Lock()
		apply := !s.loaded || (remote.Revision >= s.revision.Load() && s.pending.Load() == 0)
		var migrated bool
		if apply {
			migrated = s.applyLocked(remote)
			s.log.Info().Int64("revision", remote.Revision).Msg("loaded from store")
		}
		var done <-chan error
		if migrated {
			done = s.persistLocked()
		}
		s.mu.Unlock()
		if apply {
			s.writeCache(ctx, remote)
		}
		if done != nil {
			return waitSave(ctx, done)
		}
		return nil

	case generic.IsNotFound(err):
		s.mu.Lock()
		if !s.loaded {
			s.applyLocked(NewDocument())
			s.log.Info().Msg("new clinic, seeding default roster")
		}
		done := s.persistLocked()
		s.mu.Unlock()
		return waitSave(ctx, done)

	default:
		perr := generic.NewPersistenceError("load", err)
		s.fail(perr)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.loaded {
			return nil
		}
		if fallback != nil {
			s.applyLocked(*fallback)
			s.stripped = true
			s.log.Warn().Err(err).Msg("store unreachable, using stale cache")
			return nil
		}
		return perr
	}
}

// applyLocked replaces the in-memory document. Reports whether legacy data
// had to be repaired.
func (s *Session) applyLocked(doc Document) bool {
	migrated := doc.Normalize()
	s.doc = doc
	s.loaded = true
	s.stripped = false
	s.revision.Store(doc.Revision)
	return migrated
}

// Flush waits for every background save and load to finish.
func (s *Session) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the change feed and waits for outstanding saves.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	return s.Flush(ctx)
}

// =============================================================================
// PERSISTENCE
// =============================================================================

type saveJob struct {
	seq      uint64
	doc      Document
	stripped bool
	done     chan error
}

// persistLocked snapshots the document and saves it in the background.
// The caller holds mu. The returned channel receives the outcome once.
func (s *Session) persistLocked() <-chan error {
	s.seq++
	job := saveJob{seq: s.seq, doc: s.doc.Clone(), stripped: s.stripped, done: make(chan error, 1)}
	s.pending.Add(1)
	s.inflight.Add(1)
	go s.save(job)
	return job.done
}

func (s *Session) save(job saveJob) {
	defer s.inflight.Done()
	defer s.pending.Add(-1)

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	// Snapshots are cumulative, so an older one is covered by any newer
	// snapshot already saved.
	if job.seq <= s.discardSeq {
		perr := generic.NewPersistenceError("save", generic.ErrConcurrentModification)
		s.fail(perr)
		job.done <- perr
		return
	}
	if job.seq <= s.savedSeq {
		job.done <- nil
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
	defer cancel()

	if job.stripped {
		if err := s.restoreImages(ctx, &job.doc); err != nil {
			perr := generic.NewPersistenceError("load", err)
			s.fail(perr)
			job.done <- perr
			return
		}
	}

	job.doc.Revision = s.revision.Load()
	job.doc.Origin = s.origin
	job.doc.LastUpdated = s.clock.Now().UTC()

	start := time.Now()
	ack, err := s.store.Save(ctx, s.tenant, job.doc)
	metrics.SaveDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		perr := generic.NewPersistenceError("save", err)
		s.fail(perr)
		if errors.Is(err, generic.ErrConcurrentModification) {
			s.mu.Lock()
			s.discardSeq = s.seq
			s.mu.Unlock()
			s.reloadAfterConflict(ctx)
		}
		job.done <- perr
		return
	}

	s.savedSeq = job.seq
	s.revision.Store(ack.Revision)
	s.mu.Lock()
	s.doc.Revision = ack.Revision
	s.doc.LastUpdated = job.doc.LastUpdated
	s.mu.Unlock()

	job.doc.Revision = ack.Revision
	s.writeCache(ctx, job.doc)
	s.log.Debug().Int64("revision", ack.Revision).Uint64("seq", job.seq).Msg("saved")
	job.done <- nil
}

// reloadAfterConflict replaces local state with the remote document after
// a stale save was rejected. Local changes since the last ack are lost and
// have already been reported through Errors.
func (s *Session) reloadAfterConflict(ctx context.Context) {
	remote, err := s.store.Load(ctx, s.tenant)
	if err != nil {
		s.fail(generic.NewPersistenceError("load", err))
		return
	}
	s.mu.Lock()
	s.applyLocked(remote)
	// Mutations made while the load was running were based on the
	// rejected state.
	s.discardSeq = s.seq
	s.mu.Unlock()
	s.writeCache(ctx, remote)
	s.log.Warn().Int64("revision", remote.Revision).Msg("stale save rejected, reloaded remote document")
}

// restoreImages copies patient images from the stored document into doc,
// which was built on a cache entry that does not carry them. Once done the
// in-memory document is repaired too.
func (s *Session) restoreImages(ctx context.Context, doc *Document) error {
	remote, err := s.store.Load(ctx, s.tenant)
	if generic.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	images := make(map[string][]string, len(remote.Patients))
	for _, p := range remote.Patients {
		if len(p.Images) > 0 {
			images[p.ID] = p.Images
		}
	}
	fillImages(doc, images)

	s.mu.Lock()
	if s.stripped {
		fillImages(&s.doc, images)
		s.stripped = false
	}
	s.mu.Unlock()
	return nil
}

func fillImages(doc *Document, images map[string][]string) {
	for i := range doc.Patients {
		p := &doc.Patients[i]
		if imgs, ok := images[p.ID]; ok && len(p.Images) == 0 {
			p.Images = append([]string(nil), imgs...)
		}
	}
}

func waitSave(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) fail(perr *generic.PersistenceError) {
	metrics.PersistenceFailures.WithLabelValues(perr.Op, perr.Code).Inc()
	s.log.Error().Err(perr.Err).Str("op", perr.Op).Str("code", perr.Code).Msg("persistence failed")
	select {
	case s.errs <- perr:
	default:
		s.log.Warn().Msg("error channel full, dropping persistence error")
	}
}

// onRemoteChange applies documents written by other sessions. While a
// local save is pending every notification is treated as a possible echo
// of it and dropped.
func (s *Session) onRemoteChange(doc Document, isLocalPendingWrite bool) {
	if isLocalPendingWrite || s.pending.Load() > 0 {
		metrics.EchoesIgnored.Inc()
		s.log.Debug().Int64("revision", doc.Revision).Msg("ignoring change-feed echo")
		return
	}
	s.mu.Lock()
	if doc.Revision <= s.revision.Load() {
		s.mu.Unlock()
		return
	}
	s.applyLocked(doc)
	s.mu.Unlock()

	metrics.RemoteUpdates.Inc()
	s.log.Info().Int64("revision", doc.Revision).Str("from", doc.Origin).Msg("applied remote update")
	s.writeCache(context.Background(), doc)
}

// =============================================================================
// CACHE
// =============================================================================

func (s *Session) readCache(ctx context.Context) (Document, time.Time, bool) {
	entry, err := s.cache.Get(ctx, s.cacheKey())
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.log.Warn().Err(err).Msg("cache read failed")
		}
		return Document{}, time.Time{}, false
	}
	var doc Document
	if err := json.Unmarshal(entry.Data, &doc); err != nil {
		s.log.Warn().Err(err).Msg("cache entry unreadable")
		return Document{}, time.Time{}, false
	}
	return doc, entry.SavedAt, true
}

func (s *Session) writeCache(ctx context.Context, doc Document) {
	raw, err := json.Marshal(doc.WithoutImages())
	if err != nil {
		s.log.Warn().Err(err).Msg("cache encode failed")
		return
	}
	if err := s.cache.Put(ctx, s.cacheKey(), cache.Entry{Data: raw, SavedAt: s.clock.Now()}); err != nil {
		s.log.Warn().Err(err).Msg("cache write failed")
	}
}

// Snapshot returns a deep copy of the current document.
func (s *Session) Snapshot() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone()
}

// Revision is the last revision acknowledged by the store.
func (s *Session) Revision() int64 { return s.revision.Load() }

// Pending reports whether saves are in flight.
func (s *Session) Pending() bool { return s.pending.Load() > 0 }

func (s *Session) String() string {
	return fmt.Sprintf("Session(%s@%s rev=%d)", s.tenant, s.origin, s.Revision())
}
