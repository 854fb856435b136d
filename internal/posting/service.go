// Package posting publishes twits and retwits to the author's PDS and
// mirrors them into the local timeline so they are visible before the
// firehose echoes them back.
package posting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/blackmichael/atweet/internal/bluesky"
	"github.com/blackmichael/atweet/internal/domain"
)

// DefaultCooldown is the minimum spacing between writes by one account.
const DefaultCooldown = 5 * time.Second

var (
	ErrCooldown        = errors.New("posting cooldown active")
	ErrSubjectNotFound = errors.New("retwit subject not found")
	ErrEmptyText       = errors.New("twit text is empty")
)

// CooldownError reports how long the account must wait. It matches
// ErrCooldown with errors.Is.
type CooldownError struct {
	Remaining time.Duration
}

// Error reports the remaining wait rounded to milliseconds.
func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: retry in %s", ErrCooldown, e.Remaining.Round(time.Millisecond))
}

// Is matches ErrCooldown.
func (e *CooldownError) Is(target error) bool {
	return target == ErrCooldown
}

// Publisher writes records to an authenticated repository.
// *bluesky.Client satisfies it.
type Publisher interface {
	DID() string
	Handle() string
	CreateRecord(ctx context.Context, collection string, record any) (uri, cid string, err error)
}

// Service is the authenticated write path.
type Service struct {
	repo     domain.TwitRepository
	posts    domain.PostLogRepository
	handles  *domain.HandleCache
	clock    clockwork.Clock
	cooldown time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewService creates a Service. A zero cooldown uses DefaultCooldown. When
// posts is non-nil, each publish is recorded there and an account's first
// write in this process honours the cooldown left from earlier processes.
func NewService(
	repo domain.TwitRepository,
	posts domain.PostLogRepository,
	handles *domain.HandleCache,
	clk clockwork.Clock,
	cooldown time.Duration,
	logger *slog.Logger,
) *Service {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Service{
		repo:     repo,
		posts:    posts,
		handles:  handles,
		clock:    clk,
		cooldown: cooldown,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// PostTwit publishes a twit as pub and adds it to the local timeline.
func (s *Service) PostTwit(ctx context.Context, pub Publisher, text string) (*domain.FeedItem, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	now := s.clock.Now()
	reservation, err := s.reserve(ctx, pub.DID(), now)
	if err != nil {
		return nil, err
	}

	createdAt := domain.FormatTimestamp(now)
	uri, cid, err := pub.CreateRecord(ctx, domain.TwitCollection, bluesky.TwitRecord{
		Type:      domain.TwitCollection,
		Text:      text,
		CreatedAt: createdAt,
		Handle:    pub.Handle(),
	})
	if err != nil {
		reservation.CancelAt(now)
		return nil, fmt.Errorf("publish twit: %w", err)
	}
	s.recordPost(ctx, pub.DID(), now)

	s.handles.Remember(pub.DID(), pub.Handle())
	item := &domain.FeedItem{
		Type:            domain.ItemTypeTwit,
		AuthorDID:       pub.DID(),
		AuthorHandle:    s.handles.Resolve(pub.DID()),
		CID:             cid,
		URI:             uri,
		IndexedAt:       now.UTC(),
		RecordCreatedAt: createdAt,
	}
	s.mirror(ctx, item)
	return item, nil
}

// Retwit reshares a twit already present in the local timeline. When
// subjectCID disagrees with the stored copy, the stored CID is used.
func (s *Service) Retwit(ctx context.Context, pub Publisher, subjectURI, subjectCID string) (*domain.FeedItem, error) {
	subject, err := s.repo.GetByURI(ctx, subjectURI)
	if err != nil {
		return nil, fmt.Errorf("look up retwit subject: %w", err)
	}
	if subject == nil {
		return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, subjectURI)
	}
	if subjectCID != "" && subjectCID != subject.CID {
		s.logger.Warn("retwit subject cid mismatch, using stored cid",
			"subject_uri", subjectURI,
			"requested_cid", subjectCID,
			"stored_cid", subject.CID,
		)
	}

	now := s.clock.Now()
	reservation, err := s.reserve(ctx, pub.DID(), now)
	if err != nil {
		return nil, err
	}

	createdAt := domain.FormatTimestamp(now)
	uri, cid, err := pub.CreateRecord(ctx, domain.RetwitCollection, bluesky.RetwitRecord{
		Type:      domain.RetwitCollection,
		Subject:   bluesky.StrongRef{URI: subject.URI, CID: subject.CID},
		CreatedAt: createdAt,
		Handle:    pub.Handle(),
	})
	if err != nil {
		reservation.CancelAt(now)
		return nil, fmt.Errorf("publish retwit: %w", err)
	}
	s.recordPost(ctx, pub.DID(), now)

	s.handles.Remember(pub.DID(), pub.Handle())
	item := &domain.FeedItem{
		Type:                   domain.ItemTypeRetwit,
		AuthorDID:              subject.AuthorDID,
		AuthorHandle:           subject.AuthorHandle,
		CID:                    cid,
		URI:                    uri,
		IndexedAt:              now.UTC(),
		RecordCreatedAt:        createdAt,
		ResharedByDID:          pub.DID(),
		ResharedByHandle:       s.handles.Resolve(pub.DID()),
		SubjectURI:             subject.URI,
		SubjectCID:             subject.CID,
		SubjectRecordCreatedAt: subject.RecordCreatedAt,
	}
	s.mirror(ctx, item)
	return item, nil
}

// reserve takes the account's single write token or reports the remaining
// cooldown.
func (s *Service) reserve(ctx context.Context, did string, now time.Time) (*rate.Reservation, error) {
	r := s.limiter(ctx, did).ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return nil, &CooldownError{Remaining: delay}
	}
	return r, nil
}

// limiter returns the account's limiter, seeding a new one with the last
// recorded publish so its token is spent at that time.
func (s *Service) limiter(ctx context.Context, did string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lim, ok := s.limiters[did]; ok {
		return lim
	}

	lim := rate.NewLimiter(rate.Every(s.cooldown), 1)
	if s.posts != nil {
		last, ok, err := s.posts.LastPost(ctx, did)
		switch {
		case err != nil:
			s.logger.Warn("failed to read post log", "did", did, "error", err)
		case ok:
			lim.ReserveN(last, 1)
		}
	}
	s.limiters[did] = lim
	return lim
}

func (s *Service) recordPost(ctx context.Context, did string, at time.Time) {
	if s.posts == nil {
		return
	}
	if err := s.posts.RecordPost(ctx, did, at); err != nil {
		s.logger.Warn("failed to record post", "did", did, "error", err)
	}
}

// mirror adds item locally. The record is already published, so a failure
// here only delays visibility until the firehose delivers it.
func (s *Service) mirror(ctx context.Context, item *domain.FeedItem) {
	if err := s.repo.Add(ctx, item); err != nil {
		s.logger.Warn("failed to mirror published record", "uri", item.URI, "error", err)
	}
}
