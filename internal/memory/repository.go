// Package memory implements domain.TwitRepository as a fixed-size ring
// buffer held in process memory.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/blackmichael/atweet/internal/domain"
)

// Repository is an in-process timeline buffer. Ids are assigned
// consecutively from 1, so the slot of an id is (id-1) mod capacity and the
// retained window is always the contiguous range [oldestID, newestID].
type Repository struct {
	mu     sync.RWMutex
	slots  []domain.FeedItem
	byURI  map[string]int64
	nextID int64
	size   int
	now    func() time.Time
}

// NewRepository creates a buffer holding at most maxBuffer items. A
// non-positive maxBuffer uses domain.DefaultMaxBuffer.
func NewRepository(maxBuffer int) *Repository {
	if maxBuffer <= 0 {
		maxBuffer = domain.DefaultMaxBuffer
	}
	return &Repository{
		slots:  make([]domain.FeedItem, maxBuffer),
		byURI:  make(map[string]int64, maxBuffer),
		nextID: 1,
		now:    time.Now,
	}
}

// Add inserts item unless its URI is already buffered, evicting the oldest
// item when the buffer is full.
func (r *Repository) Add(_ context.Context, item *domain.FeedItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byURI[item.URI]; ok {
		return nil
	}

	stored := *item
	if stored.IndexedAt.IsZero() {
		stored.IndexedAt = r.now().UTC()
	}

	id := r.nextID
	slot := r.slot(id)
	if r.size == len(r.slots) {
		delete(r.byURI, r.slots[slot].URI)
	} else {
		r.size++
	}

	r.slots[slot] = stored
	r.byURI[stored.URI] = id
	r.nextID++
	return nil
}

// List returns up to opts.Limit items, newest first. A cursor that points
// outside the retained window yields an empty page.
func (r *Repository) List(_ context.Context, opts domain.ListOptions) (*domain.ListResult, error) {
	limit := domain.NormalizeLimit(opts.Limit)

	r.mu.RLock()
	defer r.mu.RUnlock()

	newest, oldest := r.nextID-1, r.nextID-int64(r.size)

	start := newest
	if cursorID, ok := domain.ParseCursor(opts.Cursor); ok {
		if cursorID < oldest || cursorID > newest {
			return &domain.ListResult{Items: []domain.FeedItem{}}, nil
		}
		start = cursorID - 1
	}

	items := make([]domain.FeedItem, 0, limit)
	id := start
	for ; id >= oldest && len(items) < limit; id-- {
		items = append(items, r.slots[r.slot(id)])
	}

	result := &domain.ListResult{Items: items}
	lastID := id + 1
	if len(items) == limit && lastID > oldest {
		result.NextCursor = domain.CursorFromID(lastID)
	}
	return result, nil
}

// GetByURI returns a copy of the buffered item with the given URI.
func (r *Repository) GetByURI(_ context.Context, uri string) (*domain.FeedItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byURI[uri]
	if !ok {
		return nil, nil
	}
	item := r.slots[r.slot(id)]
	return &item, nil
}

// Clear empties the buffer and restarts ids at 1.
func (r *Repository) Clear(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.slots)
	r.byURI = make(map[string]int64, len(r.slots))
	r.nextID = 1
	r.size = 0
	return nil
}

// Len returns the number of buffered items.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

func (r *Repository) slot(id int64) int {
	return int((id - 1) % int64(len(r.slots)))
}
