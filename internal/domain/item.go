package domain

import "time"

// ItemType distinguishes original posts from reshares.
type ItemType string

const (
	ItemTypeTwit   ItemType = "twit"
	ItemTypeRetwit ItemType = "retwit"
)

// FeedItem is a single entry in the local timeline buffer.
type FeedItem struct {
	Type ItemType

	// AuthorDID and AuthorHandle identify the original author. For a retwit
	// this is the author of the subject, not the resharer.
	AuthorDID    string
	AuthorHandle string

	// CID is the content identifier of the record.
	CID string

	// URI is the AT-URI of the record and the unique key of the buffer.
	URI string

	// IndexedAt is when the event was observed by the firehose.
	IndexedAt time.Time

	// RecordCreatedAt is the author-supplied createdAt of the record. It is
	// never used for ordering.
	RecordCreatedAt string

	// Retwit only.
	ResharedByDID          string
	ResharedByHandle       string
	SubjectURI             string
	SubjectCID             string
	SubjectRecordCreatedAt string
}

// IsRetwit reports whether the item is a reshare.
func (i *FeedItem) IsRetwit() bool {
	return i.Type == ItemTypeRetwit
}

// IncomingTwit is a create commit for a twit record as seen on the firehose.
type IncomingTwit struct {
	DID        string
	Collection string
	RKey       string
	CID        string
	TimeUS     int64

	// CreatedAt is the record's createdAt, empty when absent.
	CreatedAt string

	// HandleHint is the optional handle embedded in the record.
	HandleHint string
}

// IncomingRetwit is a create commit for a retwit record. SubjectURI and
// SubjectCID have already been validated by the decoder.
type IncomingRetwit struct {
	DID        string
	Collection string
	RKey       string
	CID        string
	TimeUS     int64
	CreatedAt  string
	HandleHint string

	SubjectURI string
	SubjectCID string
}
