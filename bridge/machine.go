package bridge

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opbridge/opbridge/bridge/metrics"
	"github.com/opbridge/opbridge/commitments"
	"github.com/opbridge/opbridge/connectors"
	"github.com/opbridge/opbridge/segments"
)

// Chain is the bitcoin-side collaborator of the machine: confirmation
// queries, witness retrieval and raw broadcast. Calls are fallible and the
// machine retries them on the next poll iteration.
type Chain interface {
	Confirmations(ctx context.Context, txid string) (int64, error)
	Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error)
	TxWitnesses(ctx context.Context, txid string) ([]wire.TxWitness, error)
}

// SpendObserver answers whether an outpoint has been spent and by which
// transaction. Backed by the block scanner's spend index.
type SpendObserver interface {
	OutpointSpender(txid string, vout uint32) (string, bool, error)
}

// TxAssembler produces the pre-signed transactions of a graph. The machine
// never constructs or signs transactions itself.
type TxAssembler interface {
	AssertTx(graphID string, phase AssertPhase) (*wire.MsgTx, error)
	TakeTx(graphID string) (*wire.MsgTx, error)
	DisproveTx(graphID string, unlock wire.TxWitness, leafScript, controlBlock []byte) (*wire.MsgTx, error)
}

// ReadinessFunc reports whether a graph is ready for its next assertion.
// The decision is external to the machine (operator policy, proof
// availability).
type ReadinessFunc func(g *Graph) (bool, error)

// ConnectorFunc returns the assert/disprove connector for a graph's
// commitment key set.
type ConnectorFunc func(ks *commitments.KeySet) (*connectors.AssertDisprove, error)

// AssertionEvent is queued for the verification loop once a graph's final
// assertion is on the wire.
type AssertionEvent struct {
	GraphID string
}

// MachineConfig carries the tunables of the poll loop.
type MachineConfig struct {
	PollInterval   time.Duration
	DisputeWindow  time.Duration
	Confirmations  int64
	EventQueueSize int
}

// Machine drives every graph through its lifecycle. It is polled, not
// event-pushed: each iteration reloads persisted state, steps each graph
// against observed chain state, and flushes only the graphs that changed.
// Each external action is idempotent from the chain's perspective, so a
// crash between poll and flush is safe to retry.
type Machine struct {
	cfg       MachineConfig
	store     *GraphStore
	chain     Chain
	observer  SpendObserver
	assembler TxAssembler
	ready     ReadinessFunc
	connector ConnectorFunc
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	// events is single-producer (poll loop) single-consumer (verify loop).
	// The producer blocks rather than drops: a dropped event is a forfeited
	// dispute opportunity.
	events chan AssertionEvent
	// enqueued dedupes event production per graph within one process
	// lifetime. After a restart the event is re-sent and verification runs
	// again, which is harmless because disprove broadcast is idempotent.
	enqueued map[string]bool
}

func NewMachine(
	cfg MachineConfig,
	store *GraphStore,
	chain Chain,
	observer SpendObserver,
	assembler TxAssembler,
	ready ReadinessFunc,
	connector ConnectorFunc,
	m *metrics.Metrics,
) *Machine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = 32
	}
	if cfg.Confirmations <= 0 {
		cfg.Confirmations = 1
	}
	return &Machine{
		cfg:       cfg,
		store:     store,
		chain:     chain,
		observer:  observer,
		assembler: assembler,
		ready:     ready,
		connector: connector,
		metrics:   m,
		logger:    log.With().Str("module", "bridge_machine").Logger(),
		events:    make(chan AssertionEvent, cfg.EventQueueSize),
		enqueued:  make(map[string]bool),
	}
}

// Run is the poll loop. It returns when ctx is cancelled.
func (m *Machine) Run(ctx context.Context) {
	m.logger.Info().Dur("poll_interval", m.cfg.PollInterval).Msg("machine poll loop started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("machine poll loop stopped")
			return
		case <-time.After(m.cfg.PollInterval):
		}
		graphs, err := m.store.List()
		if err != nil {
			m.logger.Error().Err(err).Msg("failed to list graphs")
			continue
		}
		for _, g := range graphs {
			working := g.Clone()
			m.step(ctx, working)
			if !reflect.DeepEqual(g, working) {
				if err := m.store.Put(working); err != nil {
					m.logger.Error().Err(err).Str("graph_id", g.ID).Msg("failed to flush graph")
				}
			}
		}
	}
}

// step advances one graph by at most one transition. Broadcast failures are
// logged and leave the graph unchanged so the next iteration retries.
func (m *Machine) step(ctx context.Context, g *Graph) {
	switch g.State {
	case StateCreated:
		m.stepCreated(ctx, g)
	case StateDepositConfirmed:
		m.assert(ctx, g, PhaseFirstCommit)
	case StateAssertionMade:
		m.stepAsserted(ctx, g)
	case StateAssertionDisputed, StateCompleted, StateFailed:
		// terminal
	default:
		g.Reason = fmt.Sprintf("unknown state %q", g.State)
		g.State = StateFailed
	}
}

func (m *Machine) stepCreated(ctx context.Context, g *Graph) {
	if g.DepositTxid == "" {
		return
	}
	confs, err := m.chain.Confirmations(ctx, g.DepositTxid)
	if err != nil {
		m.logger.Error().Err(err).Str("graph_id", g.ID).Msg("failed to query deposit confirmations")
		return
	}
	if confs < m.cfg.Confirmations {
		return
	}
	g.State = StateDepositConfirmed
	m.logger.Info().Str("graph_id", g.ID).Str("deposit_txid", g.DepositTxid).Msg("deposit confirmed")
}

// assert broadcasts the commitment transaction for the given phase. The
// readiness check gates the first phase only; later phases are gated on the
// predecessor's confirmation instead.
func (m *Machine) assert(ctx context.Context, g *Graph, phase AssertPhase) {
	if phase == PhaseFirstCommit {
		ok, err := m.ready(g)
		if err != nil {
			m.logger.Error().Err(err).Str("graph_id", g.ID).Msg("readiness check failed")
			return
		}
		if !ok {
			return
		}
	}
	tx, err := m.assembler.AssertTx(g.ID, phase)
	if err != nil {
		g.State = StateFailed
		g.Reason = fmt.Sprintf("no assertion transaction for phase %s: %v", phase, err)
		m.logger.Error().Err(err).Str("graph_id", g.ID).Str("phase", string(phase)).Msg("missing assertion transaction")
		return
	}
	txid, err := m.chain.Broadcast(ctx, tx)
	if err != nil {
		m.metrics.IncrCounter(metrics.MetricNameBroadcastFailures)
		m.logger.Error().Err(err).Str("graph_id", g.ID).Str("phase", string(phase)).Msg("assertion broadcast failed, will retry")
		return
	}
	if g.AssertTxids == nil {
		g.AssertTxids = make(map[AssertPhase]string)
	}
	g.AssertTxids[phase] = txid
	g.State = StateAssertionMade
	g.Phase = phase
	m.metrics.IncrCounter(metrics.MetricNameAssertionsBroadcast)
	m.logger.Info().Str("graph_id", g.ID).Str("phase", string(phase)).Str("txid", txid).Msg("assertion broadcast")

	if phase == PhaseFinal {
		g.FinalAssertedAt = time.Now().UTC()
		m.enqueueVerification(ctx, g.ID)
	}
}

func (m *Machine) stepAsserted(ctx context.Context, g *Graph) {
	// a challenger spending the connector outpoint is the on-chain fact
	// that marks a dispute, regardless of phase
	spender, spent, err := m.observer.OutpointSpender(g.ConnectorOutpoint.Txid, g.ConnectorOutpoint.Vout)
	if err != nil {
		m.logger.Error().Err(err).Str("graph_id", g.ID).Msg("failed to check connector outpoint")
		return
	}
	if spent && spender != g.SettleTxid {
		// a crash between take broadcast and flush reloads the graph with
		// an empty settle txid while the spend index already names the
		// take, so match the spender against the presigned take first
		if takeTxid, err := m.takeTxid(g.ID); err == nil && spender == takeTxid {
			g.SettleTxid = takeTxid
			g.State = StateCompleted
			m.logger.Info().Str("graph_id", g.ID).Str("txid", takeTxid).Msg("recovered take spend, graph completed")
			return
		}
		g.State = StateAssertionDisputed
		g.Reason = fmt.Sprintf("connector outpoint spent by %s", spender)
		m.metrics.IncrCounter(metrics.MetricNameDisputesDetected)
		m.logger.Warn().Str("graph_id", g.ID).Str("spender", spender).Msg("assertion disputed")
		return
	}

	txid, ok := g.AssertTxids[g.Phase]
	if !ok {
		g.State = StateFailed
		g.Reason = fmt.Sprintf("assertion-made with no txid for phase %s", g.Phase)
		return
	}
	confs, err := m.chain.Confirmations(ctx, txid)
	if err != nil {
		m.logger.Error().Err(err).Str("graph_id", g.ID).Str("txid", txid).Msg("failed to query assertion confirmations")
		return
	}
	if confs < m.cfg.Confirmations {
		return
	}

	if next, ok := g.Phase.next(); ok {
		m.assert(ctx, g, next)
		return
	}

	// a restart loses the in-memory queue, re-enqueue confirmed finals
	m.enqueueVerification(ctx, g.ID)

	// final phase confirmed, wait out the dispute window then settle
	if time.Since(g.FinalAssertedAt) < m.cfg.DisputeWindow {
		return
	}
	m.settle(ctx, g)
}

// takeTxid returns the txid of the graph's presigned take transaction.
func (m *Machine) takeTxid(graphID string) (string, error) {
	tx, err := m.assembler.TakeTx(graphID)
	if err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}

// settle broadcasts the take transaction after an undisputed window.
func (m *Machine) settle(ctx context.Context, g *Graph) {
	tx, err := m.assembler.TakeTx(g.ID)
	if err != nil {
		g.State = StateFailed
		g.Reason = fmt.Sprintf("no take transaction: %v", err)
		m.logger.Error().Err(err).Str("graph_id", g.ID).Msg("missing take transaction")
		return
	}
	txid, err := m.chain.Broadcast(ctx, tx)
	if err != nil {
		m.metrics.IncrCounter(metrics.MetricNameBroadcastFailures)
		m.logger.Error().Err(err).Str("graph_id", g.ID).Msg("take broadcast failed, will retry")
		return
	}
	g.SettleTxid = txid
	g.State = StateCompleted
	m.metrics.IncrCounter(metrics.MetricNameTakesBroadcast)
	m.logger.Info().Str("graph_id", g.ID).Str("txid", txid).Msg("take broadcast, graph completed")
}

// enqueueVerification hands the graph to the verification loop, blocking if
// the queue is full rather than dropping.
func (m *Machine) enqueueVerification(ctx context.Context, graphID string) {
	if m.enqueued[graphID] {
		return
	}
	select {
	case m.events <- AssertionEvent{GraphID: graphID}:
		m.enqueued[graphID] = true
	case <-ctx.Done():
	}
}

// VerifyLoop consumes assertion events and checks each asserted execution
// against its honest trace. An invalid assertion triggers a disprove
// broadcast; a valid one needs no action because the poll loop settles the
// graph once the dispute window elapses undisturbed.
func (m *Machine) VerifyLoop(ctx context.Context) {
	m.logger.Info().Msg("verification loop started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("verification loop stopped")
			return
		case ev := <-m.events:
			if err := m.verifyAssertion(ctx, ev.GraphID); err != nil {
				m.logger.Error().Err(err).Str("graph_id", ev.GraphID).Msg("assertion verification failed")
			}
		}
	}
}

func (m *Machine) verifyAssertion(ctx context.Context, graphID string) error {
	g, err := m.store.Get(graphID)
	if err != nil {
		return err
	}
	firstTxid, ok1 := g.AssertTxids[PhaseFirstCommit]
	secondTxid, ok2 := g.AssertTxids[PhaseSecondCommit]
	if !ok1 || !ok2 {
		return fmt.Errorf("graph %s is missing commitment txids", graphID)
	}
	commit1, err := m.commitWitnesses(ctx, firstTxid)
	if err != nil {
		return err
	}
	commit2, err := m.commitWitnesses(ctx, secondTxid)
	if err != nil {
		return err
	}

	connector, err := m.connector(g.Commitments)
	if err != nil {
		return fmt.Errorf("failed to build connector for graph %s: %w", graphID, err)
	}
	disproof, found, err := connector.FindDisproof(commit1, commit2)
	if err != nil {
		return fmt.Errorf("dispute resolution failed for graph %s: %w", graphID, err)
	}
	if !found {
		m.logger.Info().Str("graph_id", graphID).Msg("assertion verified honest, no action")
		return nil
	}

	script, ctrl, err := connector.LeafScriptAndControlBlock(disproof.LeafIndex)
	if err != nil {
		return fmt.Errorf("failed to materialize disprove leaf %d: %w", disproof.LeafIndex, err)
	}
	tx, err := m.assembler.DisproveTx(graphID, disproof.Witness, script, ctrl)
	if err != nil {
		return fmt.Errorf("failed to assemble disprove transaction: %w", err)
	}
	txid, err := m.chain.Broadcast(ctx, tx)
	if err != nil {
		m.metrics.IncrCounter(metrics.MetricNameBroadcastFailures)
		return fmt.Errorf("disprove broadcast failed: %w", err)
	}
	m.metrics.IncrCounter(metrics.MetricNameDisprovesBroadcast)
	m.logger.Warn().
		Str("graph_id", graphID).
		Int("leaf_index", disproof.LeafIndex).
		Str("txid", txid).
		Msg("invalid assertion disproved")
	return nil
}

// commitWitnesses fetches a commitment transaction's witness stacks and
// strips the script and control block from each, leaving the unlocking data
// the resolver replays.
func (m *Machine) commitWitnesses(ctx context.Context, txid string) ([]wire.TxWitness, error) {
	witnesses, err := m.chain.TxWitnesses(ctx, txid)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch witnesses of %s: %w", txid, err)
	}
	out := make([]wire.TxWitness, 0, len(witnesses))
	for _, w := range witnesses {
		out = append(out, segments.StripScriptAndControlBlock(w))
	}
	return out, nil
}
