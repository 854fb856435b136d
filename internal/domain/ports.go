package domain

import (
	"context"
	"time"
)

// TwitRepository is the bounded, deduplicated timeline buffer. All
// implementations order items by insertion sequence, newest first.
type TwitRepository interface {
	// Add inserts the item unless an item with the same URI already exists,
	// in which case it does nothing. The oldest items beyond capacity are
	// evicted after the insert.
	Add(ctx context.Context, item *FeedItem) error

	// List returns a page of items, newest first. A non-empty NextCursor
	// means more items may follow; an empty one means the caller is done.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// GetByURI returns the item with the given URI, or nil if it is not in
	// the buffer.
	GetByURI(ctx context.Context, uri string) (*FeedItem, error)

	// Clear removes every item.
	Clear(ctx context.Context) error
}

// CursorRepository defines persistence operations for firehose cursors.
type CursorRepository interface {
	// GetCursor retrieves the last-processed firehose cursor for the given
	// service name. Returns 0 if no cursor has been saved.
	GetCursor(ctx context.Context, service string) (int64, error)

	// UpdateCursor persists the firehose cursor so we can resume on restart.
	UpdateCursor(ctx context.Context, service string, cursor int64) error
}

// PostLogRepository remembers when each account last published, so write
// cooldowns outlive the process that enforced them.
type PostLogRepository interface {
	// LastPost returns the time of the account's most recent publish. ok is
	// false when the account never published.
	LastPost(ctx context.Context, did string) (at time.Time, ok bool, err error)

	// RecordPost stores at as the account's most recent publish.
	RecordPost(ctx context.Context, did string, at time.Time) error
}
