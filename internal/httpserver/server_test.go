package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/atweet/internal/config"
	"github.com/blackmichael/atweet/internal/domain"
	"github.com/blackmichael/atweet/internal/memory"
	"github.com/blackmichael/atweet/internal/metrics"
)

func newTestServer(t *testing.T, repo domain.TwitRepository) http.Handler {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	svc := domain.NewFeedService(repo, domain.NewHandleCache(), logger)
	return NewServer(&config.Config{Port: 0}, svc, metrics.New(reg), reg, logger).Handler()
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func seed(t *testing.T, repo domain.TwitRepository, n int) {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range n {
		require.NoError(t, repo.Add(context.Background(), &domain.FeedItem{
			Type:            domain.ItemTypeTwit,
			AuthorDID:       "did:plc:alice",
			AuthorHandle:    "alice.test",
			CID:             "cid-" + string(rune('a'+i)),
			URI:             "at://did:plc:alice/com.atweet.twit/" + string(rune('a'+i)),
			IndexedAt:       base.Add(time.Duration(i) * time.Second),
			RecordCreatedAt: "2024-01-01T00:00:00.000Z",
		}))
	}
}

func TestGetFeed_WireShape(t *testing.T) {
	repo := memory.NewRepository(10)
	seed(t, repo, 1)
	require.NoError(t, repo.Add(context.Background(), &domain.FeedItem{
		Type:                   domain.ItemTypeRetwit,
		AuthorDID:              "did:plc:alice",
		AuthorHandle:           "alice.test",
		CID:                    "cid-r",
		URI:                    "at://did:plc:bob/com.atweet.retwit/r",
		IndexedAt:              time.Date(2024, 1, 1, 0, 1, 0, 500_000_000, time.UTC),
		RecordCreatedAt:        "2024-01-01T00:01:00.000Z",
		ResharedByDID:          "did:plc:bob",
		ResharedByHandle:       "bob.test",
		SubjectURI:             "at://did:plc:alice/com.atweet.twit/a",
		SubjectCID:             "cid-a",
		SubjectRecordCreatedAt: "2024-01-01T00:00:00.000Z",
	}))

	rec := get(t, newTestServer(t, repo), "/api/feed")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "private, max-age=2", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	assert.JSONEq(t, `{
		"cursor": null,
		"items": [
			{
				"type": "retwit",
				"uri": "at://did:plc:bob/com.atweet.retwit/r",
				"cid": "cid-r",
				"indexedAt": "2024-01-01T00:01:00.500Z",
				"record": {
					"createdAt": "2024-01-01T00:01:00.000Z",
					"subject": {"uri": "at://did:plc:alice/com.atweet.twit/a", "cid": "cid-a"},
					"subjectCreatedAt": "2024-01-01T00:00:00.000Z"
				},
				"author": {"did": "did:plc:alice", "handle": "alice.test"},
				"resharedBy": {"did": "did:plc:bob", "handle": "bob.test"}
			},
			{
				"type": "twit",
				"uri": "at://did:plc:alice/com.atweet.twit/a",
				"cid": "cid-a",
				"indexedAt": "2024-01-01T00:00:00.000Z",
				"record": {"createdAt": "2024-01-01T00:00:00.000Z"},
				"author": {"did": "did:plc:alice", "handle": "alice.test"}
			}
		]
	}`, rec.Body.String())
}

type page struct {
	Cursor *string           `json:"cursor"`
	Items  []json.RawMessage `json:"items"`
}

func decodePage(t *testing.T, rec *httptest.ResponseRecorder) page {
	t.Helper()
	var p page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestGetFeed_Pagination(t *testing.T) {
	repo := memory.NewRepository(10)
	seed(t, repo, 5)
	h := newTestServer(t, repo)

	first := decodePage(t, get(t, h, "/api/feed?limit=3"))
	assert.Len(t, first.Items, 3)
	require.NotNil(t, first.Cursor)

	second := decodePage(t, get(t, h, "/api/feed?limit=3&cursor="+*first.Cursor))
	assert.Len(t, second.Items, 2)
	assert.Nil(t, second.Cursor)
}

func TestGetFeed_PermissiveParameters(t *testing.T) {
	repo := memory.NewRepository(100)
	seed(t, repo, 60)
	h := newTestServer(t, repo)

	tests := []struct {
		query string
		want  int
	}{
		{"", domain.DefaultLimit},
		{"?limit=abc", domain.DefaultLimit},
		{"?limit=0", domain.DefaultLimit},
		{"?limit=-5", 1},
		{"?limit=500", domain.MaxLimit},
		{"?limit=2&cursor=garbage", 2},
	}
	for _, tt := range tests {
		rec := get(t, h, "/api/feed"+tt.query)
		require.Equal(t, http.StatusOK, rec.Code, tt.query)
		assert.Len(t, decodePage(t, rec).Items, tt.want, tt.query)
	}
}

type brokenRepo struct {
	domain.TwitRepository
}

func (brokenRepo) List(context.Context, domain.ListOptions) (*domain.ListResult, error) {
	return nil, errors.New("database is locked")
}

func TestGetFeed_RepositoryFailure(t *testing.T) {
	rec := get(t, newTestServer(t, brokenRepo{}), "/api/feed")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Body.String(), "InternalError")
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestServer(t, memory.NewRepository(10))

	rec := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	get(t, h, "/api/feed")
	get(t, h, "/nope")

	rec = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `atweet_http_requests_total{route="GET /api/feed",status="200"} 1`), body)
	assert.True(t, strings.Contains(body, `atweet_http_requests_total{route="unmatched",status="404"} 1`), body)
}
