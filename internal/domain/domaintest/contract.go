// Package domaintest holds behaviour checks shared by every
// domain.TwitRepository implementation.
package domaintest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/atweet/internal/domain"
)

// Factory opens a fresh, empty repository that retains at most maxBuffer
// items.
type Factory func(t *testing.T, maxBuffer int) domain.TwitRepository

// NewTwit returns a twit item with deterministic fields derived from n.
func NewTwit(n int) *domain.FeedItem {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(n) * time.Hour)
	return &domain.FeedItem{
		Type:            domain.ItemTypeTwit,
		AuthorDID:       "did:plc:test",
		AuthorHandle:    "test.handle",
		CID:             fmt.Sprintf("cid-%d", n),
		URI:             fmt.Sprintf("at://did:plc:test/%s/%d", domain.TwitCollection, n),
		IndexedAt:       ts,
		RecordCreatedAt: domain.FormatTimestamp(ts.Add(time.Second)),
	}
}

// RunRepositoryContract exercises the behaviour every backend must share.
func RunRepositoryContract(t *testing.T, newRepo Factory) {
	t.Run("IdempotentAdd", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t, 10)

		item := NewTwit(1)
		require.NoError(t, repo.Add(ctx, item))

		dup := *item
		dup.CID = "duplicate-cid"
		require.NoError(t, repo.Add(ctx, &dup))

		page, err := repo.List(ctx, domain.ListOptions{})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, item.CID, page.Items[0].CID)
	})

	t.Run("NewestFirstRegardlessOfTimestamps", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t, 10)

		older := NewTwit(5)
		newer := NewTwit(1)
		require.NoError(t, repo.Add(ctx, older))
		require.NoError(t, repo.Add(ctx, newer))

		page, err := repo.List(ctx, domain.ListOptions{})
		require.NoError(t, err)
		require.Len(t, page.Items, 2)
		assert.Equal(t, newer.URI, page.Items[0].URI)
		assert.Equal(t, older.URI, page.Items[1].URI)
		assert.Empty(t, page.NextCursor)
	})

	t.Run("CapacityBound", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t, 5)

		for i := 0; i < 12; i++ {
			require.NoError(t, repo.Add(ctx, NewTwit(i)))
		}

		all := collectAll(t, repo, 2)
		require.Len(t, all, 5)
		for i, item := range all {
			assert.Equal(t, fmt.Sprintf("cid-%d", 11-i), item.CID)
		}

		evicted, err := repo.GetByURI(ctx, NewTwit(0).URI)
		require.NoError(t, err)
		assert.Nil(t, evicted)

		// An evicted URI is accepted again as a new item.
		require.NoError(t, repo.Add(ctx, NewTwit(0)))
		page, err := repo.List(ctx, domain.ListOptions{Limit: 1})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, "cid-0", page.Items[0].CID)
	})

	t.Run("PaginationExhaustion", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t, 50)

		for i := 0; i < 23; i++ {
			require.NoError(t, repo.Add(ctx, NewTwit(i)))
		}

		for _, limit := range []int{1, 2, 5, 7, 23, 50} {
			all := collectAll(t, repo, limit)
			require.Len(t, all, 23, "limit %d", limit)

			seen := make(map[string]bool, len(all))
			for i, item := range all {
				assert.Equal(t, fmt.Sprintf("cid-%d", 22-i), item.CID, "limit %d", limit)
				assert.False(t, seen[item.URI], "duplicate %s", item.URI)
				seen[item.URI] = true
			}
		}
	})

	t.Run("LimitIsClamped", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t, 100)

		for i := 0; i < 60; i++ {
			require.NoError(t, repo.Add(ctx, NewTwit(i)))
		}

		page, err := repo.List(ctx, domain.ListOptions{Limit: 1000})
		require.NoError(t, err)
		assert.Len(t, page.Items, domain.MaxLimit)

		page, err = repo.List(ctx, domain.ListOptions{})
		require.NoError(t, err)
		assert.Len(t, page.Items, domain.DefaultLimit)

		page, err = repo.List(ctx, domain.ListOptions{Limit: -3})
		require.NoError(t, err)
		assert.Len(t, page.Items, 1)
	})

	t.Run("MalformedCursorReturnsFirstPage", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t, 10)

		require.NoError(t, repo.Add(ctx, NewTwit(0)))
		require.NoError(t, repo.Add(ctx, NewTwit(1)))

		page, err := repo.List(ctx, domain.ListOptions{Cursor: "not-a-number"})
		require.NoError(t, err)
		require.Len(t, page.Items, 2)
		assert.Equal(t, "cid-1", page.Items[0].CID)
	})

	t.Run("GetByURI", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t, 10)

		item := NewTwit(7)
		require.NoError(t, repo.Add(ctx, item))

		got, err := repo.GetByURI(ctx, item.URI)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, item.URI, got.URI)
		assert.Equal(t, item.CID, got.CID)
		assert.Equal(t, item.RecordCreatedAt, got.RecordCreatedAt)
		assert.True(t, item.IndexedAt.Equal(got.IndexedAt))

		missing, err := repo.GetByURI(ctx, "at://did:plc:nobody/com.atweet.twit/none")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("StoresRetwitMetadata", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t, 10)

		retwit := &domain.FeedItem{
			Type:                   domain.ItemTypeRetwit,
			URI:                    "at://did:plc:reshare/com.atweet.retwit/1",
			CID:                    "retwit-cid",
			AuthorDID:              "did:plc:original",
			AuthorHandle:           "original.handle",
			RecordCreatedAt:        "2024-01-01T00:00:00.000Z",
			IndexedAt:              time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC),
			ResharedByDID:          "did:plc:reshare",
			ResharedByHandle:       "reshare.handle",
			SubjectURI:             "at://did:plc:original/com.atweet.twit/abc",
			SubjectCID:             "subject-cid",
			SubjectRecordCreatedAt: "2023-12-31T23:59:59.000Z",
		}
		require.NoError(t, repo.Add(ctx, retwit))

		page, err := repo.List(ctx, domain.ListOptions{})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)

		got := page.Items[0]
		assert.Equal(t, domain.ItemTypeRetwit, got.Type)
		assert.Equal(t, "original.handle", got.AuthorHandle)
		assert.Equal(t, "reshare.handle", got.ResharedByHandle)
		assert.Equal(t, "did:plc:reshare", got.ResharedByDID)
		assert.Equal(t, "subject-cid", got.SubjectCID)
		assert.Equal(t, retwit.SubjectURI, got.SubjectURI)
		assert.Equal(t, "2023-12-31T23:59:59.000Z", got.SubjectRecordCreatedAt)
	})

	t.Run("Clear", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t, 10)

		require.NoError(t, repo.Add(ctx, NewTwit(0)))
		require.NoError(t, repo.Clear(ctx))

		page, err := repo.List(ctx, domain.ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, page.Items)
		assert.Empty(t, page.NextCursor)

		got, err := repo.GetByURI(ctx, NewTwit(0).URI)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

// collectAll follows NextCursor until the repository signals the end and
// returns every item seen, in order.
func collectAll(t *testing.T, repo domain.TwitRepository, limit int) []domain.FeedItem {
	t.Helper()

	var (
		all    []domain.FeedItem
		cursor string
	)
	for pages := 0; ; pages++ {
		require.Less(t, pages, 1000, "pagination did not terminate")

		page, err := repo.List(context.Background(), domain.ListOptions{Cursor: cursor, Limit: limit})
		require.NoError(t, err)
		all = append(all, page.Items...)
		if page.NextCursor == "" {
			return all
		}
		cursor = page.NextCursor
	}
}
