package generic

import (
	"strconv"
	"sync"
	"time"
)

// =============================================================================
// CLINIC ZONE
// =============================================================================

// DefaultZoneName is the clinic's home time zone.
const DefaultZoneName = "America/Santo_Domingo"

// LoadZone resolves a zone name, falling back to a fixed UTC-4 zone when the
// tz database is unavailable. An empty name loads DefaultZoneName.
func LoadZone(name string) *time.Location {
	if name == "" {
		name = DefaultZoneName
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("AST", -4*60*60)
	}
	return loc
}

// =============================================================================
// DAY BUCKETING - Stored instants are UTC, days are clinic-local
// =============================================================================

// StartOfDay returns local midnight of the day containing t.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
}

// NextDay returns local midnight of the following day. DST-safe.
func NextDay(t time.Time, loc *time.Location) time.Time {
	s := StartOfDay(t, loc)
	return time.Date(s.Year(), s.Month(), s.Day()+1, 0, 0, 0, 0, loc)
}

// AddDays moves a local midnight by n calendar days.
func AddDays(day time.Time, n int, loc *time.Location) time.Time {
	s := StartOfDay(day, loc)
	return time.Date(s.Year(), s.Month(), s.Day()+n, 0, 0, 0, 0, loc)
}

func SameDay(a, b time.Time, loc *time.Location) bool {
	return StartOfDay(a, loc).Equal(StartOfDay(b, loc))
}

// DayKey is the start-of-day instant in Unix milliseconds, the key under
// which daily snapshots are stored.
func DayKey(t time.Time, loc *time.Location) int64 {
	return StartOfDay(t, loc).UnixMilli()
}

// DayKeyString is DayKey in decimal, usable as a document map key.
func DayKeyString(t time.Time, loc *time.Location) string {
	return strconv.FormatInt(DayKey(t, loc), 10)
}

// ParseDayKey reverses DayKeyString.
func ParseDayKey(key string, loc *time.Location) (time.Time, error) {
	ms, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return time.Time{}, &ValidationError{Field: "day_key", Message: "not a millisecond timestamp: " + key}
	}
	return time.UnixMilli(ms).In(loc), nil
}

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// DayWindow returns the clinic-local calendar day containing t.
func DayWindow(t time.Time, loc *time.Location) Window {
	return Window{Start: StartOfDay(t, loc), End: NextDay(t, loc)}
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// =============================================================================
// CLOCK
// =============================================================================

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock is a settable clock for tests and replays.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{now: t}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
