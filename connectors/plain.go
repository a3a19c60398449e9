package connectors

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

// PlainKey is the simplest connector: a key-path-only taproot output with no
// script tree. It carries the operator's funds between graph transactions
// that need no on-chain conditions.
type PlainKey struct {
	params      *chaincfg.Params
	operatorKey *btcec.PublicKey
}

func NewPlainKey(params *chaincfg.Params, operatorKey *btcec.PublicKey) *PlainKey {
	return &PlainKey{params: params, operatorKey: operatorKey}
}

func (c *PlainKey) Kind() Kind {
	return KindPlainKey
}

func (c *PlainKey) TaprootAddress() (*btcutil.AddressTaproot, error) {
	outputKey := txscript.ComputeTaprootKeyNoScript(c.operatorKey)
	return btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), c.params)
}

func (c *PlainKey) LeafScript(index int) ([]byte, error) {
	return nil, errors.New("plain-key connector has no leaf scripts")
}

func (c *PlainKey) SpendInfo() (*SpendInfo, error) {
	return &SpendInfo{
		OutputKey:  txscript.ComputeTaprootKeyNoScript(c.operatorKey),
		MerkleRoot: chainhash.Hash{},
		LeafCount:  0,
	}, nil
}
