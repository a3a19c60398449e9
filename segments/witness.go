package segments

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/opbridge/opbridge/commitments"
)

// StripScriptAndControlBlock drops the trailing tapscript and control block
// from a script-path witness, leaving only the unlocking data the leaf
// consumed. Witnesses with fewer than two elements are returned unchanged.
func StripScriptAndControlBlock(w wire.TxWitness) wire.TxWitness {
	if len(w) < 2 {
		return w
	}
	return w[:len(w)-2]
}

// CommitmentWitnesses extracts the per-segment unlocking data revealed by a
// commitment transaction, one entry per input, in input order.
func CommitmentWitnesses(tx *wire.MsgTx) []wire.TxWitness {
	out := make([]wire.TxWitness, 0, len(tx.TxIn))
	for _, in := range tx.TxIn {
		out = append(out, StripScriptAndControlBlock(in.Witness))
	}
	return out
}

// SplitIndex returns the number of segments carried by the first commitment
// transaction; the second carries the rest.
func SplitIndex(n int) int {
	return (n + 1) / 2
}

// AssertionWitnesses produces the honest unlocking data for both commitment
// transactions: the locally recomputed intermediate value and the commitment
// key digest for every segment, split across the two commits in segment
// order.
func (c *Compiler) AssertionWitnesses(ks *commitments.KeySet) (commit1, commit2 []wire.TxWitness, err error) {
	trace := c.trace(ks)
	entries := ks.Entries()
	all := make([]wire.TxWitness, 0, len(entries))
	for i, entry := range entries {
		value := make([]byte, claimedValueLen)
		copy(value, trace[i][:])
		all = append(all, wire.TxWitness{value, keyDigest(entry.Key)})
	}
	split := SplitIndex(len(all))
	return all[:split], all[split:], nil
}

// validateCommitWitnesses checks that the two witness sets cover exactly the
// key set's segments in compile order.
func validateCommitWitnesses(commit1, commit2 []wire.TxWitness, n int) error {
	split := SplitIndex(n)
	if len(commit1) != split {
		return fmt.Errorf("first commit carries %d witnesses, expected %d", len(commit1), split)
	}
	if len(commit2) != n-split {
		return fmt.Errorf("second commit carries %d witnesses, expected %d", len(commit2), n-split)
	}
	return nil
}
