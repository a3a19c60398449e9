package segments

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHonestAssertionHasNoDisproof(t *testing.T) {
	c, err := NewCompiler(testVerifyingKey(t))
	require.NoError(t, err)
	ks := testKeySet(t)

	commit1, commit2, err := c.AssertionWitnesses(ks)
	require.NoError(t, err)
	assert.Len(t, commit1, SplitIndex(ks.Len()))
	assert.Len(t, commit2, ks.Len()-SplitIndex(ks.Len()))

	disproof, found, err := c.FindDisproof(commit1, commit2, ks)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, disproof)
}

func TestTamperedSegmentIsDisproved(t *testing.T) {
	c, err := NewCompiler(testVerifyingKey(t))
	require.NoError(t, err)
	ks := testKeySet(t)

	for tampered := 0; tampered < ks.Len(); tampered++ {
		commit1, commit2, err := c.AssertionWitnesses(ks)
		require.NoError(t, err)

		all := append(append([]wire.TxWitness{}, commit1...), commit2...)
		all[tampered][0][0] ^= 0xff

		disproof, found, err := c.FindDisproof(commit1, commit2, ks)
		require.NoError(t, err)
		require.True(t, found, "tampered segment %d", tampered)
		assert.Equal(t, tampered, disproof.LeafIndex)
		require.Len(t, disproof.Witness, 2)
		assert.Equal(t, all[tampered][0], disproof.Witness[0])
		assert.Equal(t, keyDigest(ks.Entries()[tampered].Key), disproof.Witness[1])
	}
}

func TestFirstDivergenceWins(t *testing.T) {
	c, err := NewCompiler(testVerifyingKey(t))
	require.NoError(t, err)
	ks := testKeySet(t)

	commit1, commit2, err := c.AssertionWitnesses(ks)
	require.NoError(t, err)

	// tamper with two segments, the earlier one must be reported
	commit1[1][0][5] ^= 0x01
	commit2[0][0][5] ^= 0x01

	disproof, found, err := c.FindDisproof(commit1, commit2, ks)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, disproof.LeafIndex)
}

func TestMalformedWitnessesAreAnError(t *testing.T) {
	c, err := NewCompiler(testVerifyingKey(t))
	require.NoError(t, err)
	ks := testKeySet(t)

	commit1, commit2, err := c.AssertionWitnesses(ks)
	require.NoError(t, err)

	// wrong count
	_, _, err = c.FindDisproof(commit1[:len(commit1)-1], commit2, ks)
	assert.Error(t, err)

	// wrong claimed value length
	commit1[0] = wire.TxWitness{[]byte("short"), commit1[0][1]}
	_, _, err = c.FindDisproof(commit1, commit2, ks)
	assert.Error(t, err)
}

func TestStripScriptAndControlBlock(t *testing.T) {
	w := wire.TxWitness{[]byte("claimed"), []byte("digest"), []byte("script"), []byte("ctrl")}
	assert.Equal(t, wire.TxWitness{[]byte("claimed"), []byte("digest")}, StripScriptAndControlBlock(w))

	short := wire.TxWitness{[]byte("only")}
	assert.Equal(t, short, StripScriptAndControlBlock(short))
}

func TestSplitIndex(t *testing.T) {
	assert.Equal(t, 1, SplitIndex(1))
	assert.Equal(t, 1, SplitIndex(2))
	assert.Equal(t, 2, SplitIndex(3))
	assert.Equal(t, 500, SplitIndex(1000))
}
