package domain

import "strconv"

const (
	DefaultLimit     = 20
	MaxLimit         = 50
	DefaultMaxBuffer = 500
)

// ListOptions selects a page of the timeline. Cursor is the opaque value
// returned as NextCursor by a previous call.
type ListOptions struct {
	Cursor string
	Limit  int
}

// ListResult is one page of the timeline.
type ListResult struct {
	Items      []FeedItem
	NextCursor string
}

// NormalizeLimit applies the default to a zero limit and clamps the result
// to [1, MaxLimit].
func NormalizeLimit(limit int) int {
	if limit == 0 {
		limit = DefaultLimit
	}
	return min(max(limit, 1), MaxLimit)
}

// ParseCursor decodes a page cursor into the internal sequence id. Empty or
// malformed cursors report false and are treated as "first page".
func ParseCursor(cursor string) (int64, bool) {
	if cursor == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// CursorFromID encodes a sequence id as a page cursor. Non-positive ids have
// no cursor.
func CursorFromID(id int64) string {
	if id <= 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
