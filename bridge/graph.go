package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/opbridge/opbridge/commitments"
)

// AssertPhase names one step of the staged assertion. Phases are asserted
// strictly in order within a graph.
type AssertPhase string

const (
	PhaseFirstCommit  = AssertPhase("first-commit")
	PhaseSecondCommit = AssertPhase("second-commit")
	PhaseFinal        = AssertPhase("final")
)

// next returns the phase after p, or ok == false for the final phase.
func (p AssertPhase) next() (AssertPhase, bool) {
	switch p {
	case PhaseFirstCommit:
		return PhaseSecondCommit, true
	case PhaseSecondCommit:
		return PhaseFinal, true
	default:
		return "", false
	}
}

// GraphState is the lifecycle state of one bridge instance.
type GraphState string

const (
	StateCreated           = GraphState("created")
	StateDepositConfirmed  = GraphState("deposit-confirmed")
	StateAssertionMade     = GraphState("assertion-made")
	StateAssertionDisputed = GraphState("assertion-disputed")
	StateCompleted         = GraphState("completed")
	StateFailed            = GraphState("failed")
)

// Outpoint names one transaction output.
type Outpoint struct {
	Txid string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// Graph is the persisted record of one peg-out bridge instance: its
// lifecycle state, the assertion phase it has reached, and the txids of the
// transactions broadcast on its behalf. All mutation happens inside the
// machine's poll loop; everything else sees clones.
type Graph struct {
	ID    string     `json:"id"`
	State GraphState `json:"state"`
	// Phase is meaningful only while State is assertion-made.
	Phase             AssertPhase            `json:"phase,omitempty"`
	Commitments       *commitments.KeySet    `json:"commitments"`
	DepositTxid       string                 `json:"deposit_txid"`
	ConnectorOutpoint Outpoint               `json:"connector_outpoint"`
	AssertTxids       map[AssertPhase]string `json:"assert_txids,omitempty"`
	FinalAssertedAt   time.Time              `json:"final_asserted_at,omitempty"`
	SettleTxid        string                 `json:"settle_txid,omitempty"`
	Reason            string                 `json:"reason,omitempty"`
}

// Clone returns a deep copy. The poll loop diffs a clone against its working
// copy to decide whether a flush is needed.
func (g *Graph) Clone() *Graph {
	out := *g
	if g.AssertTxids != nil {
		out.AssertTxids = make(map[AssertPhase]string, len(g.AssertTxids))
		for k, v := range g.AssertTxids {
			out.AssertTxids[k] = v
		}
	}
	return &out
}

const graphKeyPrefix = "graph-"

// GraphStore persists graphs in leveldb as JSON under "graph-{id}".
type GraphStore struct {
	db *leveldb.DB
}

func NewGraphStore(db *leveldb.DB) *GraphStore {
	return &GraphStore{db: db}
}

func graphKey(id string) []byte {
	return []byte(graphKeyPrefix + id)
}

func (s *GraphStore) Put(g *Graph) error {
	if g.ID == "" {
		return errors.New("graph id is empty")
	}
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal graph %s: %w", g.ID, err)
	}
	if err := s.db.Put(graphKey(g.ID), data, nil); err != nil {
		return fmt.Errorf("failed to persist graph %s: %w", g.ID, err)
	}
	return nil
}

func (s *GraphStore) Get(id string) (*Graph, error) {
	data, err := s.db.Get(graphKey(id), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, fmt.Errorf("graph %s not found", id)
		}
		return nil, fmt.Errorf("failed to load graph %s: %w", id, err)
	}
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph %s: %w", id, err)
	}
	return &g, nil
}

// List returns every persisted graph. Entries that fail to decode are
// logged and skipped rather than aborting the listing.
func (s *GraphStore) List() ([]*Graph, error) {
	var graphs []*Graph
	it := s.db.NewIterator(util.BytesPrefix([]byte(graphKeyPrefix)), nil)
	defer it.Release()
	for it.Next() {
		var g Graph
		if err := json.Unmarshal(it.Value(), &g); err != nil {
			log.Error().Err(err).Str("key", string(it.Key())).Msg("skipping undecodable graph record")
			continue
		}
		graphs = append(graphs, &g)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate graphs: %w", err)
	}
	return graphs, nil
}
