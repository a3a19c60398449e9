package commitments

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeys() map[Identifier]PublicKey {
	return map[Identifier]PublicKey{
		{Kind: KindStartTime}:                     {[]byte("start-chunk-0"), []byte("start-chunk-1")},
		{Kind: KindSuperblockHash}:                {[]byte("superblock-chunk")},
		{Kind: KindIntermediateValue, Name: "v1"}: {[]byte("v1-chunk")},
		{Kind: KindIntermediateValue, Name: "v0"}: {[]byte("v0-chunk")},
	}
}

func TestNewKeySetOrdering(t *testing.T) {
	ks, err := NewKeySet(testKeys())
	require.NoError(t, err)
	require.Equal(t, 4, ks.Len())

	entries := ks.Entries()
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID.String())
	}
	assert.Equal(t, []string{
		"intermediate/v0",
		"intermediate/v1",
		"start-time",
		"superblock-hash",
	}, ids)
}

func TestNewKeySetEmpty(t *testing.T) {
	_, err := NewKeySet(nil)
	assert.ErrorIs(t, err, ErrEmptyKeySet)
}

func TestNewKeySetInvalidIdentifier(t *testing.T) {
	_, err := NewKeySet(map[Identifier]PublicKey{
		{Kind: KindIntermediateValue}: {[]byte("x")},
	})
	assert.Error(t, err)

	_, err = NewKeySet(map[Identifier]PublicKey{
		{Kind: KindStartTime, Name: "bogus"}: {[]byte("x")},
	})
	assert.Error(t, err)

	_, err = NewKeySet(map[Identifier]PublicKey{
		{Kind: "something-else"}: {[]byte("x")},
	})
	assert.Error(t, err)
}

func TestContentHashStable(t *testing.T) {
	a, err := NewKeySet(testKeys())
	require.NoError(t, err)
	b, err := NewKeySet(testKeys())
	require.NoError(t, err)

	// map iteration order must not leak into the derived hash
	assert.Equal(t, a.ContentHash(), b.ContentHash())
	assert.Len(t, a.ContentHash(), 40) // hex encoded hash160

	keys := testKeys()
	keys[Identifier{Kind: KindIntermediateValue, Name: "v0"}] = PublicKey{[]byte("different")}
	c, err := NewKeySet(keys)
	require.NoError(t, err)
	assert.NotEqual(t, a.ContentHash(), c.ContentHash())
}

func TestFlatten(t *testing.T) {
	pk := PublicKey{[]byte("ab"), []byte("cd"), []byte("e")}
	assert.Equal(t, []byte("abcde"), pk.Flatten())
}

func TestKeySetJSONRoundTrip(t *testing.T) {
	ks, err := NewKeySet(testKeys())
	require.NoError(t, err)

	data, err := json.Marshal(ks)
	require.NoError(t, err)

	var decoded KeySet
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ks.Entries(), decoded.Entries())
	assert.Equal(t, ks.ContentHash(), decoded.ContentHash())
}

func TestKeySetJSONRejectsUnknownVersion(t *testing.T) {
	var ks KeySet
	err := json.Unmarshal([]byte(`{"version":2,"entries":[{"id":{"kind":"start-time"},"key":["YQ=="]}]}`), &ks)
	assert.Error(t, err)
}

func TestKeyLookup(t *testing.T) {
	ks, err := NewKeySet(testKeys())
	require.NoError(t, err)

	key, ok := ks.Key(Identifier{Kind: KindIntermediateValue, Name: "v1"})
	require.True(t, ok)
	assert.Equal(t, PublicKey{[]byte("v1-chunk")}, key)

	_, ok = ks.Key(Identifier{Kind: KindIntermediateValue, Name: "missing"})
	assert.False(t, ok)
}
