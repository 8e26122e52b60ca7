package ids

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStringRoundTrip(t *testing.T) {
	id := NewID([]byte("payload"))
	parsed, err := FromString(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.Len(t, id.Short(), 8)
}

func TestFromStringRejectsShortInput(t *testing.T) {
	_, err := FromString("abcd")
	assert.Error(t, err)
	_, err = FromString("zz")
	assert.Error(t, err)
}

func TestIDJSONUsesHex(t *testing.T) {
	id := NewID([]byte("x"))
	b, err := json.Marshal(struct{ Hash ID }{id})
	require.NoError(t, err)
	assert.Contains(t, string(b), id.String())

	var out struct{ Hash ID }
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, id, out.Hash)
}

func TestSelfPeer(t *testing.T) {
	assert.True(t, Self.IsSelf())
	assert.False(t, PeerID("127.0.0.1:3000").IsSelf())
	assert.True(t, Empty.IsEmpty())
}
