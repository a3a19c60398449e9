package segments

import (
	"sync"
	"testing"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opbridge/opbridge/commitments"
)

// productCircuit is a minimal circuit used only to derive a real verifying
// key for tests.
type productCircuit struct {
	A frontend.Variable
	B frontend.Variable
	C frontend.Variable `gnark:",public"`
}

func (c *productCircuit) Define(api frontend.API) error {
	api.AssertIsEqual(api.Mul(c.A, c.B), c.C)
	return nil
}

var (
	vkOnce sync.Once
	vkVal  groth16.VerifyingKey
	vkErr  error
)

func testVerifyingKey(t *testing.T) groth16.VerifyingKey {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping gnark setup in short mode")
	}
	vkOnce.Do(func() {
		cs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &productCircuit{})
		if err != nil {
			vkErr = err
			return
		}
		_, vkVal, vkErr = groth16.Setup(cs)
	})
	require.NoError(t, vkErr)
	return vkVal
}

func testKeySet(t *testing.T) *commitments.KeySet {
	t.Helper()
	ks, err := commitments.NewKeySet(map[commitments.Identifier]commitments.PublicKey{
		{Kind: commitments.KindStartTime}:                     {[]byte("start-key")},
		{Kind: commitments.KindSuperblockHash}:                {[]byte("superblock-key")},
		{Kind: commitments.KindIntermediateValue, Name: "v0"}: {[]byte("v0-key-a"), []byte("v0-key-b")},
	})
	require.NoError(t, err)
	return ks
}

func TestCompileDeterministic(t *testing.T) {
	c, err := NewCompiler(testVerifyingKey(t))
	require.NoError(t, err)
	ks := testKeySet(t)

	first, err := c.Compile(ks)
	require.NoError(t, err)
	second, err := c.Compile(ks)
	require.NoError(t, err)

	require.Len(t, first, ks.Len())
	assert.Equal(t, first, second)
	// every leaf embeds a distinct honest value lock
	assert.NotEqual(t, first[0], first[1])
	assert.NotEqual(t, first[1], first[2])
}

func TestCompileOrderMatchesKeySet(t *testing.T) {
	c, err := NewCompiler(testVerifyingKey(t))
	require.NoError(t, err)
	ks := testKeySet(t)

	scripts, err := c.Compile(ks)
	require.NoError(t, err)
	trace := c.trace(ks)
	for i, entry := range ks.Entries() {
		expected, err := disproveLeafScript(keyDigest(entry.Key), trace[i])
		require.NoError(t, err)
		assert.Equal(t, expected, scripts[i], "leaf %d", i)
	}
}

func TestNewCompilerNilKey(t *testing.T) {
	_, err := NewCompiler(nil)
	assert.Error(t, err)
}
