package domain

import (
	"fmt"
	"strings"
)

const (
	TwitCollection   = "com.atweet.twit"
	RetwitCollection = "com.atweet.retwit"

	// InvalidHandle is the placeholder handle the network reports for
	// accounts whose handle is not (yet) verified.
	InvalidHandle = "handle.invalid"
)

// RecordURI builds the AT-URI of a record.
func RecordURI(did, collection, rkey string) string {
	return fmt.Sprintf("at://%s/%s/%s", did, collection, rkey)
}

// DIDFromURI extracts the repository DID from an AT-URI of the form
// at://<did>/<collection>/<rkey>. It reports false if the URI does not have
// that shape or the authority is not a DID.
func DIDFromURI(uri string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return "", false
	}
	if !strings.HasPrefix(parts[0], "did:") || len(parts[0]) <= len("did:") {
		return "", false
	}
	return parts[0], true
}
