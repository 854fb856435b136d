package firehose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blackmichael/atweet/internal/cursor"
	"github.com/blackmichael/atweet/internal/domain"
	"github.com/blackmichael/atweet/internal/metrics"
)

const (
	defaultReconnectDelay = 5 * time.Second
	statsInterval         = 30 * time.Second
)

// wantedCollections is the set of record collections requested from
// Jetstream.
var wantedCollections = []string{
	domain.TwitCollection,
	domain.RetwitCollection,
}

// Options configures a Subscriber.
type Options struct {
	URL     string
	Enabled bool

	// InitialCursor overrides the persisted cursor when set.
	InitialCursor *int64

	// ReconnectDelay defaults to 5s.
	ReconnectDelay time.Duration
}

// Subscriber connects to the Jetstream firehose and feeds accepted events
// into the FeedService. Events are handled one at a time on the read loop.
type Subscriber struct {
	opts    Options
	svc     *domain.FeedService
	cursors *cursor.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	dialer  *websocket.Dialer

	closeOnce sync.Once
	closing   chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	running chan struct{}
}

// NewSubscriber validates opts and returns a Subscriber. A URL that is not
// ws:// or wss:// is an error; callers are expected to run without
// ingestion in that case.
func NewSubscriber(
	opts Options,
	svc *domain.FeedService,
	cursors *cursor.Store,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*Subscriber, error) {
	if opts.Enabled {
		u, err := url.Parse(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("parse jetstream endpoint: %w", err)
		}
		if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return nil, fmt.Errorf("jetstream endpoint %q: must be a ws:// or wss:// URL", opts.URL)
		}
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}

	return &Subscriber{
		opts:    opts,
		svc:     svc,
		cursors: cursors,
		metrics: m,
		logger:  logger,
		dialer:  websocket.DefaultDialer,
		closing: make(chan struct{}),
	}, nil
}

// Start connects to the firehose and processes events until ctx is
// cancelled or Shutdown is called, reconnecting after transport errors. It
// returns immediately when ingestion is disabled.
func (s *Subscriber) Start(ctx context.Context) error {
	if !s.opts.Enabled {
		s.logger.Info("jetstream ingestion disabled")
		return nil
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.running = done
	s.mu.Unlock()
	defer close(done)

	start, ok := s.startCursor(ctx)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.isClosing() {
			return nil
		}

		err := s.subscribe(ctx, start, ok)
		if s.isClosing() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Error("firehose connection error, reconnecting", "error", err, "delay", s.opts.ReconnectDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closing:
			return nil
		case <-time.After(s.opts.ReconnectDelay):
		}

		if latest, has := s.cursors.Latest(); has {
			start, ok = latest, true
		}
	}
}

// Shutdown persists the cursor, closes the connection and waits for the
// read loop to exit or ctx to expire. An event that was mid-flight during the
// first flush is persisted by a second one once the loop has stopped.
func (s *Subscriber) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	s.cursors.FlushImmediately(ctx)

	s.mu.Lock()
	conn, running := s.conn, s.running
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	if running == nil {
		return nil
	}

	select {
	case <-running:
		s.cursors.FlushImmediately(ctx)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Subscriber) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// startCursor resolves the initial position: explicit override, then the
// persisted value, then live.
func (s *Subscriber) startCursor(ctx context.Context) (int64, bool) {
	if s.opts.InitialCursor != nil {
		return *s.opts.InitialCursor, true
	}
	return s.cursors.ReadPersisted(ctx)
}

func (s *Subscriber) buildURL(cursor int64, hasCursor bool) string {
	u, _ := url.Parse(s.opts.URL)
	q := u.Query()
	for _, c := range wantedCollections {
		q.Add("wantedCollections", c)
	}
	if hasCursor {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Subscriber) subscribe(ctx context.Context, cursor int64, hasCursor bool) error {
	wsURL := s.buildURL(cursor, hasCursor)
	s.logger.Info("connecting to firehose", "url", wsURL)

	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	// Unblock ReadMessage when ctx is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if hasCursor {
		s.logger.Info("connected to firehose", "cursor", cursor)
	} else {
		s.logger.Info("connected to firehose", "cursor", "latest")
	}

	var stats struct {
		events, stored, skipped, failed int64
	}
	lastStatsLog := time.Now()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("firehose closed the connection")
			}
			return fmt.Errorf("read message: %w", err)
		}
		if s.isClosing() {
			return nil
		}

		event, err := Decode(message)
		if err != nil {
			s.logger.Error("failed to parse event", "error", err)
			continue
		}

		stats.events++
		switch s.handle(ctx, event) {
		case outcomeStored:
			stats.stored++
		case outcomeSkipped:
			stats.skipped++
		case outcomeFailed:
			stats.failed++
		}

		if time.Since(lastStatsLog) >= statsInterval {
			s.logger.Info("firehose stats",
				"events_received", stats.events,
				"items_stored", stats.stored,
				"events_skipped", stats.skipped,
				"handler_failures", stats.failed,
				"handles_known", s.svc.Handles().Len(),
			)
			lastStatsLog = time.Now()
		}
	}
}

type outcome int

const (
	outcomeStored outcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeIdentity
)

// handle applies one event and then advances the cursor, whether or not the
// handler succeeded.
func (s *Subscriber) handle(ctx context.Context, event Event) outcome {
	s.metrics.EventDecoded(event.kind())
	defer func() {
		if c := event.Cursor(); c > 0 {
			s.cursors.ScheduleAdvance(c)
		}
	}()

	var (
		item *domain.FeedItem
		err  error
	)

	switch ev := event.(type) {
	case TwitCreated:
		item, err = s.svc.ProcessTwit(ctx, &ev.Twit)
	case RetwitCreated:
		item, err = s.svc.ProcessRetwit(ctx, &ev.Retwit)
	case IdentityChanged:
		s.svc.ProcessIdentity(ev.DID, ev.Handle)
		return outcomeIdentity
	case Skipped:
		s.metrics.EventDropped(ev.Reason)
		if ev.Warn {
			s.logger.Warn("skipping firehose event", "reason", ev.Reason, "did", ev.DID, "time_us", ev.TimeUS)
		}
		return outcomeSkipped
	}

	if err != nil {
		s.metrics.HandlerFailed()
		s.logger.Error("failed to persist firehose event", "error", err)
		return outcomeFailed
	}
	s.metrics.ItemStored(string(item.Type))
	return outcomeStored
}
