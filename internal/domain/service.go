package domain

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// FeedService is the core domain service. It turns accepted firehose
// commits into timeline items, keeps the handle cache warm and serves
// timeline pages.
type FeedService struct {
	repo    TwitRepository
	handles *HandleCache
	logger  *slog.Logger
}

// NewFeedService creates a FeedService backed by repo and handles.
func NewFeedService(repo TwitRepository, handles *HandleCache, logger *slog.Logger) *FeedService {
	return &FeedService{
		repo:    repo,
		handles: handles,
		logger:  logger,
	}
}

// Repository returns the timeline repository the service writes to.
func (s *FeedService) Repository() TwitRepository {
	return s.repo
}

// Handles returns the shared handle cache.
func (s *FeedService) Handles() *HandleCache {
	return s.handles
}

// ProcessTwit stores an original post. The returned error is the repository
// write failure, if any.
func (s *FeedService) ProcessTwit(ctx context.Context, in *IncomingTwit) (*FeedItem, error) {
	s.handles.Remember(in.DID, in.HandleHint)

	uri := RecordURI(in.DID, in.Collection, in.RKey)
	item := &FeedItem{
		Type:            ItemTypeTwit,
		AuthorDID:       in.DID,
		AuthorHandle:    s.handles.Resolve(in.DID),
		CID:             cidOrURI(in.CID, uri),
		URI:             uri,
		IndexedAt:       microsToTime(in.TimeUS),
		RecordCreatedAt: createdAtOrEventTime(in.CreatedAt, in.TimeUS),
	}

	if err := s.repo.Add(ctx, item); err != nil {
		return item, fmt.Errorf("add twit %s: %w", uri, err)
	}
	return item, nil
}

// ProcessRetwit stores a reshare. The subject is resolved against the
// repository; when it has not been seen, a placeholder derived from the
// subject URI is used and never revisited.
func (s *FeedService) ProcessRetwit(ctx context.Context, in *IncomingRetwit) (*FeedItem, error) {
	s.handles.Remember(in.DID, in.HandleHint)

	createdAt := createdAtOrEventTime(in.CreatedAt, in.TimeUS)
	subject := s.resolveSubject(ctx, in.SubjectURI, createdAt)

	uri := RecordURI(in.DID, in.Collection, in.RKey)
	item := &FeedItem{
		Type:                   ItemTypeRetwit,
		AuthorDID:              subject.AuthorDID,
		AuthorHandle:           subject.AuthorHandle,
		CID:                    cidOrURI(in.CID, uri),
		URI:                    uri,
		IndexedAt:              microsToTime(in.TimeUS),
		RecordCreatedAt:        createdAt,
		ResharedByDID:          in.DID,
		ResharedByHandle:       s.handles.Resolve(in.DID),
		SubjectURI:             in.SubjectURI,
		SubjectCID:             in.SubjectCID,
		SubjectRecordCreatedAt: subject.RecordCreatedAt,
	}

	if err := s.repo.Add(ctx, item); err != nil {
		return item, fmt.Errorf("add retwit %s: %w", uri, err)
	}
	return item, nil
}

// ProcessIdentity records a handle announced by an identity event.
func (s *FeedService) ProcessIdentity(did, handle string) {
	s.handles.Remember(did, handle)
}

// GetFeed returns a page of the timeline. Limit and cursor are normalised by
// the repository rules, so raw request values can be passed through.
func (s *FeedService) GetFeed(ctx context.Context, limit int, cursor string) (*ListResult, error) {
	page, err := s.repo.List(ctx, ListOptions{
		Cursor: cursor,
		Limit:  NormalizeLimit(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("list twits: %w", err)
	}
	return page, nil
}

// resolveSubject returns the stored subject or a placeholder attributed to
// the DID embedded in uri.
func (s *FeedService) resolveSubject(ctx context.Context, uri, fallbackCreatedAt string) FeedItem {
	stored, err := s.repo.GetByURI(ctx, uri)
	if err != nil {
		s.logger.Warn("failed to look up retwit subject", "subject_uri", uri, "error", err)
	}
	if stored != nil {
		return *stored
	}

	did, ok := DIDFromURI(uri)
	if !ok {
		did = uri
	}
	return FeedItem{
		Type:            ItemTypeTwit,
		AuthorDID:       did,
		AuthorHandle:    did,
		URI:             uri,
		RecordCreatedAt: fallbackCreatedAt,
	}
}

func cidOrURI(cid, uri string) string {
	if cid == "" {
		return uri
	}
	return cid
}

func createdAtOrEventTime(createdAt string, timeUS int64) string {
	if createdAt != "" {
		return createdAt
	}
	return FormatTimestamp(microsToTime(timeUS))
}

func microsToTime(us int64) time.Time {
	return time.UnixMilli(us / 1000).UTC()
}

// FormatTimestamp renders t the way timestamps are exchanged on the wire:
// RFC 3339 in UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
