package firehose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/atweet/internal/cursor"
	"github.com/blackmichael/atweet/internal/domain"
	"github.com/blackmichael/atweet/internal/memory"
)

// fakeJetstream serves scripted frames, one script per connection. A
// connection whose script is exhausted stays open until the client leaves,
// unless hangUp is set for it.
type fakeJetstream struct {
	server  *httptest.Server
	scripts [][]string
	hangUp  map[int]bool

	mu      sync.Mutex
	queries []url.Values
}

func newFakeJetstream(t *testing.T, hangUp map[int]bool, scripts ...[]string) *fakeJetstream {
	t.Helper()

	f := &fakeJetstream{scripts: scripts, hangUp: hangUp}
	upgrader := websocket.Upgrader{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		f.mu.Lock()
		n := len(f.queries)
		f.queries = append(f.queries, r.URL.Query())
		f.mu.Unlock()

		if n < len(f.scripts) {
			for _, frame := range f.scripts[n] {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
					return
				}
			}
		}
		if f.hangUp[n] {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeJetstream) URL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeJetstream) Queries() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.queries...)
}

type harness struct {
	svc        *domain.FeedService
	store      *cursor.Store
	sub        *Subscriber
	cursorPath string
	errc       chan error
}

func startHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		svc:        domain.NewFeedService(memory.NewRepository(10), domain.NewHandleCache(), logger),
		cursorPath: filepath.Join(t.TempDir(), "jetstream-cursor"),
		errc:       make(chan error, 1),
	}
	return h.start(t, opts, logger)
}

func (h *harness) start(t *testing.T, opts Options, logger *slog.Logger) *harness {
	t.Helper()

	h.store = cursor.NewStore(cursor.NewFileBackend(h.cursorPath), logger)
	sub, err := NewSubscriber(opts, h.svc, h.store, nil, logger)
	require.NoError(t, err)
	h.sub = sub

	go func() { h.errc <- sub.Start(context.Background()) }()
	return h
}

func (h *harness) shutdown(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.sub.Shutdown(ctx))

	select {
	case err := <-h.errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func (h *harness) waitForCursor(t *testing.T, want int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, ok := h.store.Latest()
		return ok && got == want
	}, 5*time.Second, 10*time.Millisecond)
}

const (
	frameAliceTwit     = `{"did":"did:plc:alice","time_us":1000,"kind":"commit","commit":{"operation":"create","collection":"com.atweet.twit","rkey":"a1","cid":"cid-a1","record":{"text":"hello","createdAt":"2024-01-01T00:00:00.000Z","handle":"alice.test"}}}`
	frameBobRetwit     = `{"did":"did:plc:bob","time_us":2000,"kind":"commit","commit":{"operation":"create","collection":"com.atweet.retwit","rkey":"b1","cid":"cid-b1","record":{"createdAt":"2024-01-01T01:00:00.000Z","subject":{"uri":"at://did:plc:alice/com.atweet.twit/a1","cid":"cid-a1"}}}}`
	frameBobOrphan     = `{"did":"did:plc:bob","time_us":3000,"kind":"commit","commit":{"operation":"create","collection":"com.atweet.retwit","rkey":"b2","cid":"cid-b2","record":{"createdAt":"2024-01-01T02:00:00.000Z","subject":{"uri":"at://did:plc:carol/com.atweet.twit/c1","cid":"cid-c1"}}}}`
	frameBrokenRetwit  = `{"did":"did:plc:bob","time_us":4000,"kind":"commit","commit":{"operation":"create","collection":"com.atweet.retwit","rkey":"b3","record":{"subject":{"uri":"nope"}}}}`
	frameGarbage       = `{"did":`
	frameBobIdentity   = `{"did":"did:plc:bob","time_us":5000,"kind":"identity","identity":{"did":"did:plc:bob","handle":"bob.test"}}`
	frameBobSecondTwit = `{"did":"did:plc:bob","time_us":6000,"kind":"commit","commit":{"operation":"create","collection":"com.atweet.twit","rkey":"b4","cid":"cid-b4","record":{"createdAt":"2024-01-01T03:00:00.000Z"}}}`
)

func TestSubscriber_IngestsStream(t *testing.T) {
	js := newFakeJetstream(t, nil, []string{
		frameAliceTwit,
		frameBobRetwit,
		frameBobOrphan,
		frameBrokenRetwit,
		frameGarbage,
		frameBobIdentity,
		frameBobSecondTwit,
	})

	h := startHarness(t, Options{URL: js.URL(), Enabled: true})
	h.waitForCursor(t, 6000)
	h.shutdown(t)

	queries := js.Queries()
	require.Len(t, queries, 1)
	assert.ElementsMatch(t, []string{domain.TwitCollection, domain.RetwitCollection}, queries[0]["wantedCollections"])
	assert.Empty(t, queries[0].Get("cursor"))

	page, err := h.svc.GetFeed(context.Background(), 0, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 4)

	second := page.Items[0]
	assert.Equal(t, "did:plc:bob", second.AuthorDID)
	assert.Equal(t, "bob.test", second.AuthorHandle)
	assert.Equal(t, time.UnixMicro(6000).UTC(), second.IndexedAt)

	orphan := page.Items[1]
	assert.Equal(t, domain.ItemTypeRetwit, orphan.Type)
	assert.Equal(t, "did:plc:carol", orphan.AuthorDID)
	assert.Equal(t, "did:plc:carol", orphan.AuthorHandle)
	assert.Equal(t, "2024-01-01T02:00:00.000Z", orphan.SubjectRecordCreatedAt)

	retwit := page.Items[2]
	assert.Equal(t, domain.ItemTypeRetwit, retwit.Type)
	assert.Equal(t, "did:plc:alice", retwit.AuthorDID)
	assert.Equal(t, "alice.test", retwit.AuthorHandle)
	assert.Equal(t, "did:plc:bob", retwit.ResharedByDID)
	assert.Equal(t, "did:plc:bob", retwit.ResharedByHandle)
	assert.Equal(t, "2024-01-01T00:00:00.000Z", retwit.SubjectRecordCreatedAt)

	assert.Equal(t, "at://did:plc:alice/com.atweet.twit/a1", page.Items[3].URI)

	raw, err := os.ReadFile(h.cursorPath)
	require.NoError(t, err)
	assert.Equal(t, "6000\n", string(raw))
}

func TestSubscriber_StartCursorPrecedence(t *testing.T) {
	t.Run("persisted cursor is used when no override is set", func(t *testing.T) {
		js := newFakeJetstream(t, nil, []string{frameBobSecondTwit})
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		h := &harness{
			svc:        domain.NewFeedService(memory.NewRepository(10), domain.NewHandleCache(), logger),
			cursorPath: filepath.Join(t.TempDir(), "cursor"),
			errc:       make(chan error, 1),
		}
		require.NoError(t, os.WriteFile(h.cursorPath, []byte("500\n"), 0o644))

		h.start(t, Options{URL: js.URL(), Enabled: true}, logger)
		h.waitForCursor(t, 6000)
		h.shutdown(t)

		assert.Equal(t, "500", js.Queries()[0].Get("cursor"))
	})

	t.Run("override wins over persisted cursor", func(t *testing.T) {
		js := newFakeJetstream(t, nil, []string{frameBobSecondTwit})
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		h := &harness{
			svc:        domain.NewFeedService(memory.NewRepository(10), domain.NewHandleCache(), logger),
			cursorPath: filepath.Join(t.TempDir(), "cursor"),
			errc:       make(chan error, 1),
		}
		require.NoError(t, os.WriteFile(h.cursorPath, []byte("500\n"), 0o644))

		override := int64(42)
		h.start(t, Options{URL: js.URL(), Enabled: true, InitialCursor: &override}, logger)
		h.waitForCursor(t, 6000)
		h.shutdown(t)

		assert.Equal(t, "42", js.Queries()[0].Get("cursor"))
	})
}

func TestSubscriber_ReconnectResumesFromLatest(t *testing.T) {
	js := newFakeJetstream(t, map[int]bool{0: true},
		[]string{frameAliceTwit, frameBobRetwit},
		[]string{frameBobRetwit, frameBobSecondTwit},
	)

	h := startHarness(t, Options{URL: js.URL(), Enabled: true, ReconnectDelay: 10 * time.Millisecond})
	h.waitForCursor(t, 6000)
	h.shutdown(t)

	queries := js.Queries()
	require.Len(t, queries, 2)
	assert.Empty(t, queries[0].Get("cursor"))
	assert.Equal(t, "2000", queries[1].Get("cursor"))

	page, err := h.svc.GetFeed(context.Background(), 0, "")
	require.NoError(t, err)
	assert.Len(t, page.Items, 3, "replayed retwit must not be stored twice")
}

func TestNewSubscriber_ValidatesEndpoint(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := cursor.NewStore(cursor.NewFileBackend(filepath.Join(t.TempDir(), "c")), logger)

	for _, endpoint := range []string{"", "https://jetstream.example/subscribe", "ws://", "::not a url"} {
		_, err := NewSubscriber(Options{URL: endpoint, Enabled: true}, nil, store, nil, logger)
		assert.Error(t, err, endpoint)
	}

	sub, err := NewSubscriber(Options{URL: "https://ignored", Enabled: false}, nil, store, nil, logger)
	require.NoError(t, err)
	assert.NoError(t, sub.Start(context.Background()))
	assert.NoError(t, sub.Shutdown(context.Background()))
}

func TestSubscriber_StopsWhenContextIsCancelled(t *testing.T) {
	js := newFakeJetstream(t, nil, []string{frameAliceTwit})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := cursor.NewStore(cursor.NewFileBackend(filepath.Join(t.TempDir(), "c")), logger)
	svc := domain.NewFeedService(memory.NewRepository(10), domain.NewHandleCache(), logger)

	sub, err := NewSubscriber(Options{URL: js.URL(), Enabled: true}, svc, store, nil, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- sub.Start(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := store.Latest()
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

// failingRepo rejects writes for one URI and records the cursor watermark
// seen by every write.
type failingRepo struct {
	domain.TwitRepository
	failURI string
	latest  func() (int64, bool)

	mu     sync.Mutex
	seenAt map[string]int64
}

func (r *failingRepo) Add(ctx context.Context, item *domain.FeedItem) error {
	r.mu.Lock()
	if c, ok := r.latest(); ok {
		r.seenAt[item.URI] = c
	}
	r.mu.Unlock()

	if item.URI == r.failURI {
		return errors.New("disk full")
	}
	return r.TwitRepository.Add(ctx, item)
}

func (r *failingRepo) watermarkAt(uri string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.seenAt[uri]
	return c, ok
}

func TestSubscriber_WriteFailureAdvancesCursorAndContinues(t *testing.T) {
	js := newFakeJetstream(t, nil, []string{frameAliceTwit, frameBobSecondTwit})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cursorPath := filepath.Join(t.TempDir(), "jetstream-cursor")
	store := cursor.NewStore(cursor.NewFileBackend(cursorPath), logger)
	repo := &failingRepo{
		TwitRepository: memory.NewRepository(10),
		failURI:        "at://did:plc:alice/com.atweet.twit/a1",
		latest:         store.Latest,
		seenAt:         make(map[string]int64),
	}

	h := &harness{
		svc:        domain.NewFeedService(repo, domain.NewHandleCache(), logger),
		store:      store,
		cursorPath: cursorPath,
		errc:       make(chan error, 1),
	}
	sub, err := NewSubscriber(Options{URL: js.URL(), Enabled: true}, h.svc, store, nil, logger)
	require.NoError(t, err)
	h.sub = sub
	go func() { h.errc <- sub.Start(context.Background()) }()

	h.waitForCursor(t, 6000)
	h.shutdown(t)

	// The failed twit's time_us was recorded before the next event was
	// handled.
	watermark, ok := repo.watermarkAt("at://did:plc:bob/com.atweet.twit/b4")
	require.True(t, ok)
	assert.Equal(t, int64(1000), watermark)

	page, err := h.svc.GetFeed(context.Background(), 0, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "at://did:plc:bob/com.atweet.twit/b4", page.Items[0].URI)

	raw, err := os.ReadFile(h.cursorPath)
	require.NoError(t, err)
	assert.Equal(t, "6000\n", string(raw))
}

func TestSubscriber_ShutdownInterruptsReconnectWait(t *testing.T) {
	js := newFakeJetstream(t, map[int]bool{0: true}, []string{frameAliceTwit})

	h := startHarness(t, Options{URL: js.URL(), Enabled: true, ReconnectDelay: time.Hour})
	h.waitForCursor(t, 1000)
	require.Eventually(t, func() bool {
		h.sub.mu.Lock()
		defer h.sub.mu.Unlock()
		return h.sub.conn == nil
	}, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	h.shutdown(t)
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, js.Queries(), 1)
}

func TestSubscriber_ShutdownPersistsLastHandledEvent(t *testing.T) {
	frames := make([]string, 0, 2000)
	for i := 1; i <= cap(frames); i++ {
		frames = append(frames, fmt.Sprintf(
			`{"did":"did:plc:alice","time_us":%d,"kind":"commit","commit":{"operation":"create","collection":"com.atweet.twit","rkey":"r%d","cid":"c%d","record":{}}}`,
			i, i, i))
	}
	js := newFakeJetstream(t, nil, frames)

	h := startHarness(t, Options{URL: js.URL(), Enabled: true})
	require.Eventually(t, func() bool {
		_, ok := h.store.Latest()
		return ok
	}, 5*time.Second, time.Millisecond)
	h.shutdown(t)

	latest, ok := h.store.Latest()
	require.True(t, ok)
	raw, err := os.ReadFile(h.cursorPath)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d\n", latest), string(raw))
}
