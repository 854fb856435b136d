// Package cursor keeps the firehose resume position. Advances are recorded
// in memory immediately and written to a Backend at most once per delay.
package cursor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/blackmichael/atweet/internal/metrics"
)

// DefaultDelay is how long an advance may stay unpersisted.
const DefaultDelay = time.Second

type state int

const (
	stateIdle state = iota
	statePending
)

// Store debounces cursor writes. It is safe for concurrent use.
type Store struct {
	backend Backend
	clock   clockwork.Clock
	delay   time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	state    state
	timer    clockwork.Timer
	deadline time.Time
	gen      uint64
	latest   int64
	hasValue bool

	// writeMu serialises backend writes. The value to write is read while
	// holding it, so the last write always carries the newest cursor.
	writeMu   sync.Mutex
	saved     int64
	haveSaved bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the real clock driving the write timer.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithDelay sets how long an advance may stay unpersisted.
func WithDelay(d time.Duration) Option {
	return func(s *Store) { s.delay = d }
}

// WithMetrics counts persistence failures and exports the watermark.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore returns an idle Store writing to backend.
func NewStore(backend Backend, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		clock:   clockwork.NewRealClock(),
		delay:   DefaultDelay,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReadPersisted returns the stored cursor. Read failures are logged and
// reported as absent.
func (s *Store) ReadPersisted(ctx context.Context) (int64, bool) {
	cursor, ok, err := s.backend.Load(ctx)
	if err != nil {
		s.logger.Warn("failed to read persisted cursor", "error", err)
		return 0, false
	}
	return cursor, ok
}

// ScheduleAdvance records cursor as the latest position and arms the write
// timer if none is pending. While a write is pending only the value moves;
// the deadline does not.
func (s *Store) ScheduleAdvance(cursor int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = cursor
	s.hasValue = true
	s.metrics.CursorAdvanced(cursor)

	if s.state == statePending {
		return
	}

	s.gen++
	gen := s.gen
	s.state = statePending
	s.deadline = s.clock.Now().Add(s.delay)
	s.timer = s.clock.AfterFunc(s.delay, func() { s.fire(gen) })
}

// FlushImmediately cancels any pending write and persists the latest value
// before returning. It does nothing when no value was ever recorded.
func (s *Store) FlushImmediately(ctx context.Context) {
	s.mu.Lock()
	if s.state == statePending {
		s.timer.Stop()
		s.reset()
	}
	s.mu.Unlock()

	s.persist(ctx)
}

// Latest returns the most recently scheduled cursor.
func (s *Store) Latest() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.hasValue
}

func (s *Store) fire(gen uint64) {
	s.mu.Lock()
	if s.state != statePending || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.reset()
	s.mu.Unlock()

	s.persist(context.Background())
}

// reset returns to idle. Callers hold mu.
func (s *Store) reset() {
	s.state = stateIdle
	s.timer = nil
	s.deadline = time.Time{}
	s.gen++
}

// persist writes the latest value unless it is already stored.
func (s *Store) persist(ctx context.Context) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	cursor, ok := s.latest, s.hasValue
	s.mu.Unlock()
	if !ok || (s.haveSaved && s.saved == cursor) {
		return
	}

	if err := s.backend.Save(ctx, cursor); err != nil {
		s.metrics.CursorPersistFailed()
		s.logger.Warn("failed to persist cursor", "cursor", cursor, "error", err)
		return
	}
	s.saved, s.haveSaved = cursor, true
}
