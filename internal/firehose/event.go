package firehose

import (
	"encoding/json"
	"fmt"

	"github.com/blackmichael/atweet/internal/domain"
)

// Event is one decoded Jetstream frame. It is exactly one of TwitCreated,
// RetwitCreated, IdentityChanged or Skipped.
type Event interface {
	// Cursor is the frame's time_us.
	Cursor() int64
	kind() string
}

// TwitCreated is the creation of a com.atweet.twit record.
type TwitCreated struct {
	Twit domain.IncomingTwit
}

// RetwitCreated is the creation of a com.atweet.retwit record with a valid
// subject.
type RetwitCreated struct {
	Retwit domain.IncomingRetwit
}

// IdentityChanged announces the current handle of a DID.
type IdentityChanged struct {
	DID    string
	Handle string
	TimeUS int64
}

// Skipped is a well-formed frame that produces no timeline change. Warn
// marks frames that were expected to be usable but failed validation.
type Skipped struct {
	Reason string
	Warn   bool
	DID    string
	TimeUS int64
}

// Cursor returns the event time_us, the resume position after this event.
func (e TwitCreated) Cursor() int64     { return e.Twit.TimeUS }
func (e RetwitCreated) Cursor() int64   { return e.Retwit.TimeUS }
func (e IdentityChanged) Cursor() int64 { return e.TimeUS }
func (e Skipped) Cursor() int64         { return e.TimeUS }

func (TwitCreated) kind() string     { return "twit" }
func (RetwitCreated) kind() string   { return "retwit" }
func (IdentityChanged) kind() string { return "identity" }
func (Skipped) kind() string         { return "skipped" }

// Skip reasons.
const (
	reasonUnsupportedKind    = "unsupported_kind"
	reasonNonCreate          = "non_create"
	reasonUnwantedCollection = "unwanted_collection"
	reasonMissingCommit      = "missing_commit"
	reasonMalformedRecord    = "malformed_record"
	reasonInvalidSubject     = "invalid_subject"
)

// jetstreamEvent is the envelope of every Jetstream frame.
type jetstreamEvent struct {
	DID      string             `json:"did"`
	TimeUS   int64              `json:"time_us"`
	Kind     string             `json:"kind"`
	Commit   *jetstreamCommit   `json:"commit,omitempty"`
	Identity *jetstreamIdentity `json:"identity,omitempty"`
}

type jetstreamCommit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid"`
}

type jetstreamIdentity struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
}

// twitRecord covers the fields read from both com.atweet.twit and
// com.atweet.retwit records. Optional hints are untyped so a hint of the
// wrong type is ignored rather than rejecting the record.
type twitRecord struct {
	CreatedAt any             `json:"createdAt"`
	Handle    any             `json:"handle"`
	Subject   json.RawMessage `json:"subject,omitempty"`
}

func stringField(v any) string {
	s, _ := v.(string)
	return s
}

type strongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// Decode parses a raw frame. Only frames that are not valid JSON envelopes
// return an error; every other shape maps to an Event.
func Decode(data []byte) (Event, error) {
	var raw jetstreamEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}

	switch raw.Kind {
	case "identity":
		ev := IdentityChanged{DID: raw.DID, TimeUS: raw.TimeUS}
		if raw.Identity != nil {
			if raw.Identity.DID != "" {
				ev.DID = raw.Identity.DID
			}
			ev.Handle = raw.Identity.Handle
		}
		return ev, nil
	case "commit":
		return decodeCommit(&raw), nil
	default:
		return skip(&raw, reasonUnsupportedKind, false), nil
	}
}

func decodeCommit(raw *jetstreamEvent) Event {
	c := raw.Commit
	if c == nil {
		return skip(raw, reasonMissingCommit, true)
	}
	if c.Operation != "create" {
		return skip(raw, reasonNonCreate, false)
	}
	if c.Collection != domain.TwitCollection && c.Collection != domain.RetwitCollection {
		return skip(raw, reasonUnwantedCollection, false)
	}

	var record twitRecord
	if len(c.Record) > 0 {
		if err := json.Unmarshal(c.Record, &record); err != nil {
			return skip(raw, reasonMalformedRecord, true)
		}
	}

	if c.Collection == domain.TwitCollection {
		return TwitCreated{Twit: domain.IncomingTwit{
			DID:        raw.DID,
			Collection: c.Collection,
			RKey:       c.RKey,
			CID:        c.CID,
			TimeUS:     raw.TimeUS,
			CreatedAt:  stringField(record.CreatedAt),
			HandleHint: stringField(record.Handle),
		}}
	}

	subject, ok := parseSubject(record.Subject)
	if !ok {
		return skip(raw, reasonInvalidSubject, true)
	}
	return RetwitCreated{Retwit: domain.IncomingRetwit{
		DID:        raw.DID,
		Collection: c.Collection,
		RKey:       c.RKey,
		CID:        c.CID,
		TimeUS:     raw.TimeUS,
		CreatedAt:  stringField(record.CreatedAt),
		HandleHint: stringField(record.Handle),
		SubjectURI: subject.URI,
		SubjectCID: subject.CID,
	}}
}

// parseSubject requires a strong ref whose uri is an AT-URI with a DID
// authority and whose cid is present.
func parseSubject(data json.RawMessage) (strongRef, bool) {
	var ref strongRef
	if len(data) == 0 {
		return ref, false
	}
	if err := json.Unmarshal(data, &ref); err != nil {
		return ref, false
	}
	if _, ok := domain.DIDFromURI(ref.URI); !ok || ref.CID == "" {
		return ref, false
	}
	return ref, true
}

func skip(raw *jetstreamEvent, reason string, warn bool) Skipped {
	return Skipped{Reason: reason, Warn: warn, DID: raw.DID, TimeUS: raw.TimeUS}
}
