package bridge

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/syndtr/goleveldb/leveldb"
)

// PresignedAssembler serves the pre-signed transactions of each graph from
// leveldb. The whole transaction graph is signed before the deposit is made;
// at runtime the machine only selects and, for the disprove path, finalizes
// a witness.
//
// Keys: "tx-{graphID}-assert-{phase}", "tx-{graphID}-take",
// "tx-{graphID}-disprove", each holding a serialized transaction.
type PresignedAssembler struct {
	db *leveldb.DB
}

func NewPresignedAssembler(db *leveldb.DB) *PresignedAssembler {
	return &PresignedAssembler{db: db}
}

func (a *PresignedAssembler) txKey(graphID, kind string) []byte {
	return []byte(fmt.Sprintf("tx-%s-%s", graphID, kind))
}

func (a *PresignedAssembler) loadTx(graphID, kind string) (*wire.MsgTx, error) {
	data, err := a.db.Get(a.txKey(graphID, kind), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, fmt.Errorf("no presigned %s transaction for graph %s", kind, graphID)
		}
		return nil, fmt.Errorf("failed to load %s transaction for graph %s: %w", kind, graphID, err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to deserialize %s transaction for graph %s: %w", kind, graphID, err)
	}
	return &tx, nil
}

// StoreTx persists a pre-signed transaction under the graph's key space.
func (a *PresignedAssembler) StoreTx(graphID, kind string, tx *wire.MsgTx) error {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return fmt.Errorf("failed to serialize %s transaction for graph %s: %w", kind, graphID, err)
	}
	if err := a.db.Put(a.txKey(graphID, kind), buf.Bytes(), nil); err != nil {
		return fmt.Errorf("failed to store %s transaction for graph %s: %w", kind, graphID, err)
	}
	return nil
}

func (a *PresignedAssembler) AssertTx(graphID string, phase AssertPhase) (*wire.MsgTx, error) {
	return a.loadTx(graphID, fmt.Sprintf("assert-%s", phase))
}

func (a *PresignedAssembler) TakeTx(graphID string) (*wire.MsgTx, error) {
	return a.loadTx(graphID, "take")
}

// DisproveTx loads the pre-signed disprove skeleton and finalizes input 0
// with the script-path witness: the unlocking data, then the leaf script,
// then its control block.
func (a *PresignedAssembler) DisproveTx(graphID string, unlock wire.TxWitness, leafScript, controlBlock []byte) (*wire.MsgTx, error) {
	tx, err := a.loadTx(graphID, "disprove")
	if err != nil {
		return nil, err
	}
	if len(tx.TxIn) == 0 {
		return nil, fmt.Errorf("disprove transaction for graph %s has no inputs", graphID)
	}
	witness := make(wire.TxWitness, 0, len(unlock)+2)
	witness = append(witness, unlock...)
	witness = append(witness, leafScript, controlBlock)
	tx.TxIn[0].Witness = witness
	return tx, nil
}
