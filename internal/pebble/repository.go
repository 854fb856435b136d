// Package pebble implements domain.TwitRepository on a Pebble key-value
// store.
//
// Layout:
//
//	item/<be64 id>  -> JSON record
//	uri/<uri>       -> be64 id
//	meta/next-id    -> be64 id
//	post/<did>      -> be64 unix nanos of the last publish
//
// Ids increase monotonically and the retained items always form the
// contiguous range [oldest, next-1], so eviction walks forward from oldest.
package pebble

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/blackmichael/atweet/internal/domain"
)

var (
	itemPrefix = []byte("item/")
	uriPrefix  = []byte("uri/")
	postPrefix = []byte("post/")
	nextIDKey  = []byte("meta/next-id")
)

// Repository is a durable timeline buffer backed by Pebble.
type Repository struct {
	db        *pebble.DB
	maxBuffer int
	now       func() time.Time

	// mu serialises writers; readers go straight to Pebble iterators,
	// which observe a consistent point-in-time view.
	mu     sync.Mutex
	nextID uint64
	oldest uint64
	count  int
}

// NewRepository opens (or creates) the Pebble database in dir.
func NewRepository(dir string, maxBuffer int) (*Repository, error) {
	if maxBuffer <= 0 {
		maxBuffer = domain.DefaultMaxBuffer
	}

	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}

	r := &Repository{db: db, maxBuffer: maxBuffer, now: time.Now}
	if err := r.load(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// load restores the id sequence and the retained window from disk.
func (r *Repository) load() error {
	r.nextID = 1
	v, closer, err := r.db.Get(nextIDKey)
	switch {
	case err == nil:
		r.nextID = binary.BigEndian.Uint64(v)
		closer.Close()
	case !errors.Is(err, pebble.ErrNotFound):
		return fmt.Errorf("read next id: %w", err)
	}

	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: itemPrefix,
		UpperBound: prefixEnd(itemPrefix),
	})
	if err != nil {
		return fmt.Errorf("open item iterator: %w", err)
	}
	defer iter.Close()

	r.oldest = r.nextID
	r.count = 0
	for valid := iter.First(); valid; valid = iter.Next() {
		if r.count == 0 {
			r.oldest = idFromItemKey(iter.Key())
		}
		r.count++
	}
	return iter.Error()
}

// Close closes the underlying database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Add inserts item unless its URI is already stored, evicting the oldest
// items beyond capacity in the same batch.
func (r *Repository) Add(_ context.Context, item *domain.FeedItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	uriKey := append(append([]byte{}, uriPrefix...), item.URI...)
	if _, closer, err := r.db.Get(uriKey); err == nil {
		closer.Close()
		return nil
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("lookup uri: %w", err)
	}

	rec := toRecord(item)
	if rec.IndexedAt.IsZero() {
		rec.IndexedAt = r.now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal twit: %w", err)
	}

	id := r.nextID
	batch := r.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(itemKey(id), data, nil); err != nil {
		return fmt.Errorf("stage twit: %w", err)
	}
	if err := batch.Set(uriKey, encodeID(id), nil); err != nil {
		return fmt.Errorf("stage uri index: %w", err)
	}
	if err := batch.Set(nextIDKey, encodeID(id+1), nil); err != nil {
		return fmt.Errorf("stage next id: %w", err)
	}

	oldest, count := r.oldest, r.count+1
	if r.count == 0 {
		oldest = id
	}
	for count > r.maxBuffer {
		evicted, err := r.get(itemKey(oldest))
		if err != nil {
			return fmt.Errorf("read evicted twit %d: %w", oldest, err)
		}
		if evicted != nil {
			if err := batch.Delete(append(append([]byte{}, uriPrefix...), evicted.URI...), nil); err != nil {
				return fmt.Errorf("stage uri eviction: %w", err)
			}
		}
		if err := batch.Delete(itemKey(oldest), nil); err != nil {
			return fmt.Errorf("stage twit eviction: %w", err)
		}
		oldest++
		count--
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit twit: %w", err)
	}

	r.nextID = id + 1
	r.oldest = oldest
	r.count = count
	return nil
}

// List returns items newest first, strictly older than the cursor id when
// one is given.
func (r *Repository) List(_ context.Context, opts domain.ListOptions) (*domain.ListResult, error) {
	limit := domain.NormalizeLimit(opts.Limit)

	upper := prefixEnd(itemPrefix)
	if cursorID, ok := domain.ParseCursor(opts.Cursor); ok {
		if cursorID <= 0 {
			return &domain.ListResult{Items: []domain.FeedItem{}}, nil
		}
		upper = itemKey(uint64(cursorID))
	}

	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: itemPrefix,
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("open item iterator: %w", err)
	}
	defer iter.Close()

	items := make([]domain.FeedItem, 0, limit)
	var lastID uint64
	for valid := iter.Last(); valid && len(items) < limit; valid = iter.Prev() {
		var rec record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode twit %x: %w", iter.Key(), err)
		}
		items = append(items, rec.toItem())
		lastID = idFromItemKey(iter.Key())
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate twits: %w", err)
	}

	result := &domain.ListResult{Items: items}
	if len(items) == limit {
		result.NextCursor = domain.CursorFromID(int64(lastID))
	}
	return result, nil
}

// GetByURI returns the stored item with the given URI, or nil.
func (r *Repository) GetByURI(_ context.Context, uri string) (*domain.FeedItem, error) {
	v, closer, err := r.db.Get(append(append([]byte{}, uriPrefix...), uri...))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup uri: %w", err)
	}
	id := binary.BigEndian.Uint64(v)
	closer.Close()

	rec, err := r.get(itemKey(id))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	item := rec.toItem()
	return &item, nil
}

// Clear deletes every item and index entry. The id sequence is kept so
// cursors issued before the clear never match new items.
func (r *Repository) Clear(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := r.db.NewBatch()
	defer batch.Close()

	if err := batch.DeleteRange(itemPrefix, prefixEnd(itemPrefix), nil); err != nil {
		return fmt.Errorf("stage item clear: %w", err)
	}
	if err := batch.DeleteRange(uriPrefix, prefixEnd(uriPrefix), nil); err != nil {
		return fmt.Errorf("stage uri clear: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit clear: %w", err)
	}

	r.oldest = r.nextID
	r.count = 0
	return nil
}

// LastPost returns when did last published.
func (r *Repository) LastPost(_ context.Context, did string) (time.Time, bool, error) {
	v, closer, err := r.db.Get(postKey(did))
	if errors.Is(err, pebble.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get post log for %s: %w", did, err)
	}
	defer closer.Close()

	if len(v) != 8 {
		return time.Time{}, false, fmt.Errorf("post log for %s: malformed value", did)
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(v))).UTC(), true, nil
}

// RecordPost stores at as the last publish time of did.
func (r *Repository) RecordPost(_ context.Context, did string, at time.Time) error {
	if err := r.db.Set(postKey(did), encodeID(uint64(at.UnixNano())), pebble.Sync); err != nil {
		return fmt.Errorf("record post for %s: %w", did, err)
	}
	return nil
}

func (r *Repository) get(key []byte) (*record, error) {
	v, closer, err := r.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %x: %w", key, err)
	}
	defer closer.Close()

	var rec record
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("decode twit %x: %w", key, err)
	}
	return &rec, nil
}

func itemKey(id uint64) []byte {
	key := make([]byte, len(itemPrefix)+8)
	copy(key, itemPrefix)
	binary.BigEndian.PutUint64(key[len(itemPrefix):], id)
	return key
}

func idFromItemKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(itemPrefix):])
}

func postKey(did string) []byte {
	return append(append([]byte{}, postPrefix...), did...)
}

func encodeID(id uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, id)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	end[len(end)-1]++
	return end
}
