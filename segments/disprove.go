package segments

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/opbridge/opbridge/commitments"
)

// Disproof locates the first leaf at which a claimed execution diverges from
// honest execution, together with the unlocking witness that reconstructs
// the mismatch inside that leaf's script.
type Disproof struct {
	LeafIndex int
	Witness   wire.TxWitness
}

// FindDisproof replays the verification trace against the unlocking data
// revealed by the two commitment transactions. It returns the disproof for
// the first divergent segment, or found == false when every segment agrees
// (the assertion was honest, which is not an error). A malformed witness set is a
// real error, distinct from both outcomes.
//
// The replay is a local prediction of what the on-chain script execution
// will conclude: the returned witness independently demonstrates the
// mismatch when executed against the leaf script.
func (c *Compiler) FindDisproof(commit1, commit2 []wire.TxWitness, ks *commitments.KeySet) (*Disproof, bool, error) {
	entries := ks.Entries()
	if err := validateCommitWitnesses(commit1, commit2, len(entries)); err != nil {
		return nil, false, err
	}
	all := make([]wire.TxWitness, 0, len(entries))
	all = append(all, commit1...)
	all = append(all, commit2...)

	trace := c.trace(ks)
	for i, w := range all {
		if len(w) == 0 {
			return nil, false, fmt.Errorf("segment %d revealed an empty witness", i)
		}
		claimed := w[0]
		if len(claimed) != claimedValueLen {
			return nil, false, fmt.Errorf("segment %d claimed value is %d bytes, expected %d", i, len(claimed), claimedValueLen)
		}
		if !bytes.Equal(claimed, trace[i][:]) {
			unlock := wire.TxWitness{claimed, keyDigest(entries[i].Key)}
			c.logger.Info().Int("leaf_index", i).Str("id", entries[i].ID.String()).Msg("found divergent segment")
			return &Disproof{LeafIndex: i, Witness: unlock}, true, nil
		}
	}
	return nil, false, nil
}
