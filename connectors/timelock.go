package connectors

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// NumBlocksPerNetwork returns the relative timelock, in blocks, enforced by
// timelocked connectors on the given network. Test networks use a short
// window so integration runs settle quickly; mainnet uses the full dispute
// window.
func NumBlocksPerNetwork(params *chaincfg.Params, mainnetBlocks uint16) uint16 {
	switch params.Net {
	case chaincfg.RegressionNetParams.Net, chaincfg.TestNet3Params.Net, chaincfg.SigNetParams.Net:
		return 2
	default:
		return mainnetBlocks
	}
}

// Timelocked is a taproot connector whose single leaf lets the operator
// sweep the output only after a relative block delay. The delay is the
// dispute window: any challenger may spend a competing path before it
// elapses.
type Timelocked struct {
	params      *chaincfg.Params
	operatorKey *btcec.PublicKey
	numBlocks   uint16
}

func NewTimelocked(params *chaincfg.Params, operatorKey *btcec.PublicKey, mainnetBlocks uint16) *Timelocked {
	return &Timelocked{
		params:      params,
		operatorKey: operatorKey,
		numBlocks:   NumBlocksPerNetwork(params, mainnetBlocks),
	}
}

func (c *Timelocked) Kind() Kind {
	return KindTimelocked
}

// NumBlocks returns the resolved relative timelock for this connector.
func (c *Timelocked) NumBlocks() uint16 {
	return c.numBlocks
}

func (c *Timelocked) leafScript() ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddInt64(int64(c.numBlocks)).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		AddOp(txscript.OP_DROP).
		AddData(schnorr.SerializePubKey(c.operatorKey)).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

func (c *Timelocked) LeafScript(index int) ([]byte, error) {
	if index != 0 {
		return nil, fmt.Errorf("timelocked connector has a single leaf, got index %d", index)
	}
	return c.leafScript()
}

func (c *Timelocked) SpendInfo() (*SpendInfo, error) {
	script, err := c.leafScript()
	if err != nil {
		return nil, err
	}
	return BuildSpendInfo([][]byte{script}, c.operatorKey), nil
}

func (c *Timelocked) TaprootAddress() (*btcutil.AddressTaproot, error) {
	info, err := c.SpendInfo()
	if err != nil {
		return nil, err
	}
	return btcutil.NewAddressTaproot(schnorr.SerializePubKey(info.OutputKey), c.params)
}
