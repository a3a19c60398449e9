package connectors

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/opbridge/opbridge/commitments"
)

// CommitmentGated is a taproot connector whose single leaf binds the spend
// to a one-time commitment key. Spending reveals the preimage material for
// the committed identifier, which is what makes the later disprove path
// possible.
type CommitmentGated struct {
	params      *chaincfg.Params
	operatorKey *btcec.PublicKey
	key         commitments.PublicKey
}

func NewCommitmentGated(params *chaincfg.Params, operatorKey *btcec.PublicKey, key commitments.PublicKey) *CommitmentGated {
	return &CommitmentGated{params: params, operatorKey: operatorKey, key: key}
}

func (c *CommitmentGated) Kind() Kind {
	return KindCommitmentGated
}

func (c *CommitmentGated) leafScript() ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_HASH160).
		AddData(btcutil.Hash160(c.key.Flatten())).
		AddOp(txscript.OP_EQUALVERIFY).
		AddData(schnorr.SerializePubKey(c.operatorKey)).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

func (c *CommitmentGated) LeafScript(index int) ([]byte, error) {
	if index != 0 {
		return nil, fmt.Errorf("commitment-gated connector has a single leaf, got index %d", index)
	}
	return c.leafScript()
}

func (c *CommitmentGated) SpendInfo() (*SpendInfo, error) {
	script, err := c.leafScript()
	if err != nil {
		return nil, err
	}
	return BuildSpendInfo([][]byte{script}, c.operatorKey), nil
}

func (c *CommitmentGated) TaprootAddress() (*btcutil.AddressTaproot, error) {
	info, err := c.SpendInfo()
	if err != nil {
		return nil, err
	}
	return btcutil.NewAddressTaproot(schnorr.SerializePubKey(info.OutputKey), c.params)
}
