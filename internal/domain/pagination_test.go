package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeLimit(t *testing.T) {
	for in, want := range map[int]int{
		0:    DefaultLimit,
		-1:   1,
		1:    1,
		20:   20,
		50:   50,
		51:   MaxLimit,
		1000: MaxLimit,
	} {
		assert.Equal(t, want, NormalizeLimit(in), "limit %d", in)
	}
}

func TestParseCursor(t *testing.T) {
	id, ok := ParseCursor("42")
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"", "abc", "4.2", "9999999999999999999999"} {
		_, ok := ParseCursor(bad)
		assert.False(t, ok, bad)
	}
}

func TestCursorFromID(t *testing.T) {
	assert.Equal(t, "7", CursorFromID(7))
	assert.Empty(t, CursorFromID(0))
	assert.Empty(t, CursorFromID(-1))
}

func TestDIDFromURI(t *testing.T) {
	tests := []struct {
		uri  string
		want string
		ok   bool
	}{
		{"at://did:plc:abc/com.atweet.twit/3k1", "did:plc:abc", true},
		{"at://did:web:example.com/com.atweet.twit/3k1", "did:web:example.com", true},
		{"at://alice.test/com.atweet.twit/3k1", "", false},
		{"at://did:plc:abc/com.atweet.twit", "", false},
		{"at://did:/com.atweet.twit/3k1", "", false},
		{"https://did:plc:abc/com.atweet.twit/3k1", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := DIDFromURI(tt.uri)
		assert.Equal(t, tt.ok, ok, tt.uri)
		assert.Equal(t, tt.want, got, tt.uri)
	}
}

func TestHandleCache(t *testing.T) {
	c := NewHandleCache()
	assert.Equal(t, "did:plc:x", c.Resolve("did:plc:x"))

	c.Remember("did:plc:x", "first.test")
	c.Remember("did:plc:x", "")
	c.Remember("did:plc:x", InvalidHandle)
	assert.Equal(t, "first.test", c.Resolve("did:plc:x"))

	c.Remember("did:plc:x", "second.test")
	assert.Equal(t, "second.test", c.Resolve("did:plc:x"))
	assert.Equal(t, 1, c.Len())
}
