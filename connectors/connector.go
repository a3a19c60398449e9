// Package connectors implements the taproot outputs ("connectors") that link
// the transactions of a bridge graph, including the assert/disprove
// connector whose script tree commits to every verification leaf.
package connectors

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Kind tags a connector variant. Dispatch is by explicit tag, never by type
// switching on the concrete struct.
type Kind string

const (
	KindPlainKey        = Kind("plain-key")
	KindTimelocked      = Kind("timelocked")
	KindCommitmentGated = Kind("commitment-gated")
	KindAssertDisprove  = Kind("assert-disprove")
)

// TaprootConnector is the capability every connector kind provides: a
// taproot address to pay into, and the leaf scripts plus spend metadata
// needed to spend out of it.
type TaprootConnector interface {
	Kind() Kind
	TaprootAddress() (*btcutil.AddressTaproot, error)
	LeafScript(index int) ([]byte, error)
	SpendInfo() (*SpendInfo, error)
}

// SpendInfo is the expensive-to-recompute metadata of a finalized taproot
// commitment: a deterministic, cacheable function of the leaf scripts and
// the internal key.
type SpendInfo struct {
	OutputKey  *btcec.PublicKey
	MerkleRoot chainhash.Hash
	LeafCount  int
}

// buildTree assembles the script tree over the given leaves. Every leaf gets
// equal weight: no leaf is a priori more likely to be the disputed one, so
// the tree minimizes the worst-case control-block size (equal-weight Huffman
// degenerates to minimal-depth pairwise merging).
func buildTree(leafScripts [][]byte) *txscript.IndexedTapScriptTree {
	if len(leafScripts) == 0 {
		panic("connectors: cannot build a taproot tree with no leaf scripts")
	}
	leaves := make([]txscript.TapLeaf, 0, len(leafScripts))
	for _, script := range leafScripts {
		leaves = append(leaves, txscript.NewBaseTapLeaf(script))
	}
	return txscript.AssembleTaprootScriptTree(leaves...)
}

// BuildSpendInfo finalizes the script tree against the operator's internal
// key. The output supports both the cooperative key path and a script path
// through any single leaf. An empty leaf set is a programming invariant
// violation and panics.
func BuildSpendInfo(leafScripts [][]byte, operatorKey *btcec.PublicKey) *SpendInfo {
	tree := buildTree(leafScripts)
	root := tree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(operatorKey, root[:])
	return &SpendInfo{
		OutputKey:  outputKey,
		MerkleRoot: root,
		LeafCount:  len(leafScripts),
	}
}

// controlBlockBytes serializes the control block proving inclusion of leaf
// index in the tree committed to by the operator key.
func controlBlockBytes(tree *txscript.IndexedTapScriptTree, operatorKey *btcec.PublicKey, index int) ([]byte, error) {
	root := tree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(operatorKey, root[:])
	proof := tree.LeafMerkleProofs[index]
	ctrl := txscript.ControlBlock{
		InternalKey:     operatorKey,
		OutputKeyYIsOdd: outputKey.SerializeCompressed()[0] == secp256k1.PubKeyFormatCompressedOdd,
		LeafVersion:     txscript.BaseLeafVersion,
		InclusionProof:  proof.InclusionProof,
	}
	return ctrl.ToBytes()
}
