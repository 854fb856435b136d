package pebble

import (
	"time"

	"github.com/blackmichael/atweet/internal/domain"
)

// record is the on-disk JSON encoding of a domain.FeedItem. New optional
// fields must be omitempty so older values keep decoding.
type record struct {
	Type                   string    `json:"type,omitempty"`
	AuthorDID              string    `json:"authorDid"`
	AuthorHandle           string    `json:"authorHandle"`
	CID                    string    `json:"cid"`
	URI                    string    `json:"uri"`
	IndexedAt              time.Time `json:"indexedAt"`
	RecordCreatedAt        string    `json:"recordCreatedAt"`
	ResharedByDID          string    `json:"resharedByDid,omitempty"`
	ResharedByHandle       string    `json:"resharedByHandle,omitempty"`
	SubjectURI             string    `json:"subjectUri,omitempty"`
	SubjectCID             string    `json:"subjectCid,omitempty"`
	SubjectRecordCreatedAt string    `json:"subjectRecordCreatedAt,omitempty"`
}

func toRecord(item *domain.FeedItem) record {
	return record{
		Type:                   string(item.Type),
		AuthorDID:              item.AuthorDID,
		AuthorHandle:           item.AuthorHandle,
		CID:                    item.CID,
		URI:                    item.URI,
		IndexedAt:              item.IndexedAt.UTC(),
		RecordCreatedAt:        item.RecordCreatedAt,
		ResharedByDID:          item.ResharedByDID,
		ResharedByHandle:       item.ResharedByHandle,
		SubjectURI:             item.SubjectURI,
		SubjectCID:             item.SubjectCID,
		SubjectRecordCreatedAt: item.SubjectRecordCreatedAt,
	}
}

func (r record) toItem() domain.FeedItem {
	typ := domain.ItemTypeTwit
	if r.Type == string(domain.ItemTypeRetwit) {
		typ = domain.ItemTypeRetwit
	}
	return domain.FeedItem{
		Type:                   typ,
		AuthorDID:              r.AuthorDID,
		AuthorHandle:           r.AuthorHandle,
		CID:                    r.CID,
		URI:                    r.URI,
		IndexedAt:              r.IndexedAt,
		RecordCreatedAt:        r.RecordCreatedAt,
		ResharedByDID:          r.ResharedByDID,
		ResharedByHandle:       r.ResharedByHandle,
		SubjectURI:             r.SubjectURI,
		SubjectCID:             r.SubjectCID,
		SubjectRecordCreatedAt: r.SubjectRecordCreatedAt,
	}
}
