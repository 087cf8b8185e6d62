/*
scheduler.go - Automated end-of-day cuadre

PURPOSE:
  Reconciles the current clinic day once a day, so the history view has a
  snapshot even when reception forgets to run the cuadre before closing.

DESIGN:
  - gocron job in the clinic's time zone, daily at the configured HH:MM
  - Keeps the opening cash already stored for the day
  - Idle days produce no snapshot (see cuadre.Book.Reconcile)

USAGE:
  scheduler := NewCuadreScheduler(session, "23:55")
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (manual cuadre)
  - clinic/operations.go: ReconcileDay
*/
package api

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"github.com/warp/clinic-ledger/clinic"
	"github.com/warp/clinic-ledger/logger"
)

// CuadreScheduler runs the daily reconciliation.
type CuadreScheduler struct {
	Session *clinic.Session
	At      string
	Enabled bool

	scheduler *gocron.Scheduler
	job       *gocron.Job
	log       zerolog.Logger
	mu        sync.Mutex
}

func NewCuadreScheduler(session *clinic.Session, at string) *CuadreScheduler {
	return &CuadreScheduler{
		Session: session,
		At:      at,
		Enabled: true,
		log:     logger.WithComponent("scheduler"),
	}
}

// Start registers the daily job and starts the scheduler in the background.
func (cs *CuadreScheduler) Start() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.Enabled {
		cs.log.Info().Msg("disabled, not starting")
		return nil
	}
	if cs.scheduler != nil {
		return nil
	}

	s := gocron.NewScheduler(cs.Session.Zone())
	job, err := s.Every(1).Day().At(cs.At).Do(cs.RunNow)
	if err != nil {
		return fmt.Errorf("failed to schedule cuadre at %q: %w", cs.At, err)
	}
	s.StartAsync()
	cs.scheduler = s
	cs.job = job

	cs.log.Info().Str("at", cs.At).Str("zone", cs.Session.Zone().String()).Msg("started")
	return nil
}

func (cs *CuadreScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.scheduler != nil {
		cs.scheduler.Stop()
		cs.scheduler = nil
		cs.job = nil
		cs.log.Info().Msg("stopped")
	}
}

// RunNow reconciles today immediately.
func (cs *CuadreScheduler) RunNow() {
	rec, err := cs.Session.ReconcileDay(cs.Session.Now(), nil)
	if err != nil {
		cs.log.Error().Err(err).Msg("daily cuadre failed")
		return
	}
	cs.log.Info().
		Str("day", rec.Date.In(cs.Session.Zone()).Format(time.DateOnly)).
		Str("balance", rec.Balance.String()).
		Msg("daily cuadre")
}

// NextRun returns when the job fires next, or the zero time when stopped.
func (cs *CuadreScheduler) NextRun() time.Time {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.job == nil {
		return time.Time{}
	}
	return cs.job.NextRun()
}
