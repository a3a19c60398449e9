package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opbridge/opbridge/bitcoin"
	"github.com/opbridge/opbridge/cache"
	"github.com/opbridge/opbridge/commitments"
	"github.com/opbridge/opbridge/connectors"
	"github.com/opbridge/opbridge/segments"
)

type fakeChain struct {
	confs        map[string]int64
	witnesses    map[string][]wire.TxWitness
	broadcastErr error
	broadcasts   []*wire.MsgTx
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		confs:     make(map[string]int64),
		witnesses: make(map[string][]wire.TxWitness),
	}
}

func (c *fakeChain) Confirmations(_ context.Context, txid string) (int64, error) {
	return c.confs[txid], nil
}

func (c *fakeChain) Broadcast(_ context.Context, tx *wire.MsgTx) (string, error) {
	if c.broadcastErr != nil {
		return "", c.broadcastErr
	}
	c.broadcasts = append(c.broadcasts, tx)
	return fmt.Sprintf("broadcast-%d", len(c.broadcasts)), nil
}

func (c *fakeChain) TxWitnesses(_ context.Context, txid string) ([]wire.TxWitness, error) {
	w, ok := c.witnesses[txid]
	if !ok {
		return nil, fmt.Errorf("unknown tx %s", txid)
	}
	return w, nil
}

type fakeObserver struct {
	spenders map[string]string
}

func (o *fakeObserver) OutpointSpender(txid string, vout uint32) (string, bool, error) {
	s, ok := o.spenders[fmt.Sprintf("%s-%d", txid, vout)]
	return s, ok, nil
}

type fakeAssembler struct {
	missing   map[string]bool
	disproofs []wire.TxWitness
}

func (a *fakeAssembler) tx() *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	return tx
}

func (a *fakeAssembler) AssertTx(graphID string, phase AssertPhase) (*wire.MsgTx, error) {
	if a.missing[string(phase)] {
		return nil, fmt.Errorf("no presigned tx for %s", phase)
	}
	return a.tx(), nil
}

func (a *fakeAssembler) TakeTx(graphID string) (*wire.MsgTx, error) {
	if a.missing["take"] {
		return nil, fmt.Errorf("no presigned take tx")
	}
	return a.tx(), nil
}

func (a *fakeAssembler) DisproveTx(graphID string, unlock wire.TxWitness, leafScript, controlBlock []byte) (*wire.MsgTx, error) {
	a.disproofs = append(a.disproofs, unlock)
	tx := a.tx()
	witness := append(append(wire.TxWitness{}, unlock...), leafScript, controlBlock)
	tx.TxIn[0].Witness = witness
	return tx, nil
}

type cubicCircuit struct {
	X frontend.Variable
	Y frontend.Variable `gnark:",public"`
}

func (c *cubicCircuit) Define(api frontend.API) error {
	api.AssertIsEqual(api.Mul(c.X, c.X, c.X), c.Y)
	return nil
}

var (
	vkOnce sync.Once
	vkVal  groth16.VerifyingKey
	vkErr  error
)

func testCompiler(t *testing.T) *segments.Compiler {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping gnark setup in short mode")
	}
	vkOnce.Do(func() {
		cs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &cubicCircuit{})
		if err != nil {
			vkErr = err
			return
		}
		_, vkVal, vkErr = groth16.Setup(cs)
	})
	require.NoError(t, vkErr)
	c, err := segments.NewCompiler(vkVal)
	require.NoError(t, err)
	return c
}

type machineFixture struct {
	machine   *Machine
	store     *GraphStore
	chain     *fakeChain
	observer  *fakeObserver
	assembler *fakeAssembler
	compiler  *segments.Compiler
}

func newMachineFixture(t *testing.T, cfg MachineConfig) *machineFixture {
	t.Helper()
	db, err := bitcoin.NewLevelDB("", false)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	compiler := testCompiler(t)
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	caches, err := connectors.NewSharedCaches(cache.NewDiskStore(t.TempDir(), 16), nil)
	require.NoError(t, err)

	f := &machineFixture{
		store:     NewGraphStore(db),
		chain:     newFakeChain(),
		observer:  &fakeObserver{spenders: make(map[string]string)},
		assembler: &fakeAssembler{missing: make(map[string]bool)},
		compiler:  compiler,
	}
	connectorFor := func(ks *commitments.KeySet) (*connectors.AssertDisprove, error) {
		return connectors.NewAssertDisprove(&chaincfg.RegressionNetParams, priv.PubKey(), ks, compiler, caches)
	}
	ready := func(g *Graph) (bool, error) { return true, nil }
	f.machine = NewMachine(cfg, f.store, f.chain, f.observer, f.assembler, ready, connectorFor, nil)
	return f
}

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	return &Graph{
		ID:                "graph-1",
		State:             StateCreated,
		Commitments:       testGraphKeySet(t),
		DepositTxid:       "deposit-txid",
		ConnectorOutpoint: Outpoint{Txid: "connector-txid", Vout: 0},
	}
}

func TestStepDepositConfirmation(t *testing.T) {
	f := newMachineFixture(t, MachineConfig{Confirmations: 2})
	g := newTestGraph(t)
	ctx := context.Background()

	f.machine.step(ctx, g)
	assert.Equal(t, StateCreated, g.State)

	f.chain.confs["deposit-txid"] = 1
	f.machine.step(ctx, g)
	assert.Equal(t, StateCreated, g.State)

	f.chain.confs["deposit-txid"] = 2
	f.machine.step(ctx, g)
	assert.Equal(t, StateDepositConfirmed, g.State)
}

func TestStepAssertsPhasesInOrder(t *testing.T) {
	f := newMachineFixture(t, MachineConfig{Confirmations: 1})
	g := newTestGraph(t)
	g.State = StateDepositConfirmed
	ctx := context.Background()

	f.machine.step(ctx, g)
	require.Equal(t, StateAssertionMade, g.State)
	assert.Equal(t, PhaseFirstCommit, g.Phase)
	firstTxid := g.AssertTxids[PhaseFirstCommit]
	require.NotEmpty(t, firstTxid)

	// unconfirmed first commit blocks the second
	f.machine.step(ctx, g)
	assert.Equal(t, PhaseFirstCommit, g.Phase)

	f.chain.confs[firstTxid] = 1
	f.machine.step(ctx, g)
	assert.Equal(t, PhaseSecondCommit, g.Phase)

	f.chain.confs[g.AssertTxids[PhaseSecondCommit]] = 1
	f.machine.step(ctx, g)
	assert.Equal(t, PhaseFinal, g.Phase)
	assert.False(t, g.FinalAssertedAt.IsZero())
	assert.Len(t, f.chain.broadcasts, 3)
}

func TestStepBroadcastFailureLeavesStateUnchanged(t *testing.T) {
	f := newMachineFixture(t, MachineConfig{Confirmations: 1})
	g := newTestGraph(t)
	g.State = StateDepositConfirmed
	ctx := context.Background()

	f.chain.broadcastErr = fmt.Errorf("mempool rejected")
	f.machine.step(ctx, g)
	assert.Equal(t, StateDepositConfirmed, g.State)
	assert.Empty(t, g.AssertTxids)

	// the next poll retries and succeeds
	f.chain.broadcastErr = nil
	f.machine.step(ctx, g)
	assert.Equal(t, StateAssertionMade, g.State)
}

func TestStepSettlesAfterDisputeWindow(t *testing.T) {
	f := newMachineFixture(t, MachineConfig{Confirmations: 1, DisputeWindow: time.Hour})
	g := newTestGraph(t)
	g.State = StateAssertionMade
	g.Phase = PhaseFinal
	g.AssertTxids = map[AssertPhase]string{
		PhaseFirstCommit:  "c1",
		PhaseSecondCommit: "c2",
		PhaseFinal:        "final-txid",
	}
	g.FinalAssertedAt = time.Now().Add(-time.Minute)
	f.chain.confs["final-txid"] = 1
	ctx := context.Background()

	// window still open
	f.machine.step(ctx, g)
	assert.Equal(t, StateAssertionMade, g.State)

	g.FinalAssertedAt = time.Now().Add(-2 * time.Hour)
	f.machine.step(ctx, g)
	assert.Equal(t, StateCompleted, g.State)
	assert.NotEmpty(t, g.SettleTxid)
}

func TestStepDetectsDispute(t *testing.T) {
	f := newMachineFixture(t, MachineConfig{Confirmations: 1, DisputeWindow: time.Hour})
	g := newTestGraph(t)
	g.State = StateAssertionMade
	g.Phase = PhaseFinal
	g.AssertTxids = map[AssertPhase]string{PhaseFinal: "final-txid"}
	g.FinalAssertedAt = time.Now()
	ctx := context.Background()

	f.observer.spenders["connector-txid-0"] = "challenger-txid"
	f.machine.step(ctx, g)
	assert.Equal(t, StateAssertionDisputed, g.State)
	assert.Contains(t, g.Reason, "challenger-txid")
}

func TestStepRecoversOwnTakeAfterRestart(t *testing.T) {
	f := newMachineFixture(t, MachineConfig{Confirmations: 1, DisputeWindow: time.Hour})
	g := newTestGraph(t)
	g.State = StateAssertionMade
	g.Phase = PhaseFinal
	g.AssertTxids = map[AssertPhase]string{PhaseFinal: "final-txid"}
	g.FinalAssertedAt = time.Now().Add(-2 * time.Hour)
	f.chain.confs["final-txid"] = 1
	ctx := context.Background()

	// the take broadcast succeeded but the flush never landed: the
	// reloaded graph carries no settle txid while the spend index
	// already names the take as the connector spender
	takeTx, err := f.assembler.TakeTx(g.ID)
	require.NoError(t, err)
	f.observer.spenders["connector-txid-0"] = takeTx.TxHash().String()

	f.machine.step(ctx, g)
	assert.Equal(t, StateCompleted, g.State)
	assert.Equal(t, takeTx.TxHash().String(), g.SettleTxid)
	assert.Empty(t, g.Reason)
}

func TestVerifyAssertionHonest(t *testing.T) {
	f := newMachineFixture(t, MachineConfig{Confirmations: 1})
	g := newTestGraph(t)
	g.State = StateAssertionMade
	g.Phase = PhaseFinal
	g.AssertTxids = map[AssertPhase]string{
		PhaseFirstCommit:  "c1",
		PhaseSecondCommit: "c2",
		PhaseFinal:        "final-txid",
	}
	require.NoError(t, f.store.Put(g))

	commit1, commit2, err := f.compiler.AssertionWitnesses(g.Commitments)
	require.NoError(t, err)
	f.chain.witnesses["c1"] = withScriptAndControl(commit1)
	f.chain.witnesses["c2"] = withScriptAndControl(commit2)

	require.NoError(t, f.machine.verifyAssertion(context.Background(), g.ID))
	assert.Empty(t, f.assembler.disproofs)
	assert.Empty(t, f.chain.broadcasts)
}

func TestVerifyAssertionDisprovesTamperedCommit(t *testing.T) {
	f := newMachineFixture(t, MachineConfig{Confirmations: 1})
	g := newTestGraph(t)
	g.State = StateAssertionMade
	g.Phase = PhaseFinal
	g.AssertTxids = map[AssertPhase]string{
		PhaseFirstCommit:  "c1",
		PhaseSecondCommit: "c2",
		PhaseFinal:        "final-txid",
	}
	require.NoError(t, f.store.Put(g))

	commit1, commit2, err := f.compiler.AssertionWitnesses(g.Commitments)
	require.NoError(t, err)
	// operator lies about the second segment's intermediate value
	commit2[0][0][0] ^= 0xff
	f.chain.witnesses["c1"] = withScriptAndControl(commit1)
	f.chain.witnesses["c2"] = withScriptAndControl(commit2)

	require.NoError(t, f.machine.verifyAssertion(context.Background(), g.ID))
	require.Len(t, f.assembler.disproofs, 1)
	require.Len(t, f.chain.broadcasts, 1)

	// the broadcast disprove carries unlock data, leaf script and control block
	witness := f.chain.broadcasts[0].TxIn[0].Witness
	assert.Len(t, witness, 4)
}

func withScriptAndControl(in []wire.TxWitness) []wire.TxWitness {
	out := make([]wire.TxWitness, 0, len(in))
	for _, w := range in {
		full := append(append(wire.TxWitness{}, w...), []byte("leaf-script"), []byte("control-block"))
		out = append(out, full)
	}
	return out
}
