package bluesky

// TwitRecord is the com.atweet.twit record body. Handle is an optional hint
// that lets readers show the author's handle before an identity event
// arrives.
type TwitRecord struct {
	Type      string `json:"$type"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
	Handle    string `json:"handle,omitempty"`
}

// RetwitRecord is the com.atweet.retwit record body.
type RetwitRecord struct {
	Type      string    `json:"$type"`
	Subject   StrongRef `json:"subject"`
	CreatedAt string    `json:"createdAt"`
	Handle    string    `json:"handle,omitempty"`
}

// StrongRef is a reference to a specific version of a record.
type StrongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}
