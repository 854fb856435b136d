package httpserver

import "github.com/blackmichael/atweet/internal/domain"

// FeedResponse is the GET /api/feed body.
type FeedResponse struct {
	// Cursor is null on the last page.
	Cursor *string    `json:"cursor"`
	Items  []feedItem `json:"items"`
}

type feedItem struct {
	Type       string     `json:"type"`
	URI        string     `json:"uri"`
	CID        string     `json:"cid"`
	IndexedAt  string     `json:"indexedAt"`
	Record     feedRecord `json:"record"`
	Author     identity   `json:"author"`
	ResharedBy *identity  `json:"resharedBy,omitempty"`
}

type feedRecord struct {
	CreatedAt        string     `json:"createdAt"`
	Subject          *strongRef `json:"subject,omitempty"`
	SubjectCreatedAt string     `json:"subjectCreatedAt,omitempty"`
}

type identity struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
}

type strongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// NewFeedResponse maps a timeline page to its wire shape.
func NewFeedResponse(page *domain.ListResult) FeedResponse {
	resp := FeedResponse{Items: make([]feedItem, 0, len(page.Items))}
	if page.NextCursor != "" {
		c := page.NextCursor
		resp.Cursor = &c
	}
	for i := range page.Items {
		resp.Items = append(resp.Items, toFeedItem(&page.Items[i]))
	}
	return resp
}

func toFeedItem(item *domain.FeedItem) feedItem {
	out := feedItem{
		Type:      string(item.Type),
		URI:       item.URI,
		CID:       item.CID,
		IndexedAt: domain.FormatTimestamp(item.IndexedAt),
		Record:    feedRecord{CreatedAt: item.RecordCreatedAt},
		Author:    identity{DID: item.AuthorDID, Handle: item.AuthorHandle},
	}
	if item.IsRetwit() {
		out.ResharedBy = &identity{DID: item.ResharedByDID, Handle: item.ResharedByHandle}
		out.Record.Subject = &strongRef{URI: item.SubjectURI, CID: item.SubjectCID}
		out.Record.SubjectCreatedAt = item.SubjectRecordCreatedAt
	}
	return out
}
