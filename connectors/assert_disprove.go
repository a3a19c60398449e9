package connectors

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opbridge/opbridge/bridge/metrics"
	"github.com/opbridge/opbridge/cache"
	"github.com/opbridge/opbridge/commitments"
	"github.com/opbridge/opbridge/segments"
)

// Disk cache filename prefixes, one per artifact kind.
const (
	LeafScriptsPrefix = "leaf-scripts-"
	LockScriptPrefix  = "lock-script-"
)

// memoryCacheSize bounds each in-process tier.
const memoryCacheSize = 200

// LockScriptEntry is one materialized leaf: its script and the control block
// proving its inclusion in the connector's taproot commitment.
type LockScriptEntry struct {
	Script       []byte `json:"script"`
	ControlBlock []byte `json:"control_block"`
}

type leafScriptsPayload struct {
	Scripts [][]byte `json:"scripts"`
}

// SharedCaches holds the process-wide cache tiers shared by every connector
// instance. Many connectors may carry identical commitment key sets
// (deterministic verifier setup), so entries are shared by content hash
// rather than duplicated per instance. The composition root constructs one
// SharedCaches and injects it everywhere; tests build isolated instances.
type SharedCaches struct {
	SpendInfo   *cache.Memory[SpendInfo]
	LockScripts *cache.Memory[LockScriptEntry]
	Disk        *cache.DiskStore
	Metrics     *metrics.Metrics
}

// NewSharedCaches creates the two bounded in-process tiers on top of the
// given disk store.
func NewSharedCaches(disk *cache.DiskStore, m *metrics.Metrics) (*SharedCaches, error) {
	spendInfo, err := cache.NewMemory[SpendInfo](memoryCacheSize)
	if err != nil {
		return nil, err
	}
	lockScripts, err := cache.NewMemory[LockScriptEntry](memoryCacheSize)
	if err != nil {
		return nil, err
	}
	return &SharedCaches{
		SpendInfo:   spendInfo,
		LockScripts: lockScripts,
		Disk:        disk,
		Metrics:     m,
	}, nil
}

// AssertDisprove is the assert/disprove connector: a taproot output whose
// script tree commits to every verification leaf of one bridge instance.
// The connector owns only the network, the operator key and the commitment
// key set; leaf scripts and spend info are looked up from the shared caches
// by derived content hash.
type AssertDisprove struct {
	params      *chaincfg.Params
	operatorKey *btcec.PublicKey
	keySet      *commitments.KeySet
	compiler    *segments.Compiler
	caches      *SharedCaches
	logger      zerolog.Logger
}

// NewAssertDisprove creates the connector for one bridge instance.
func NewAssertDisprove(
	params *chaincfg.Params,
	operatorKey *btcec.PublicKey,
	keySet *commitments.KeySet,
	compiler *segments.Compiler,
	caches *SharedCaches,
) (*AssertDisprove, error) {
	if params == nil || operatorKey == nil || keySet == nil || compiler == nil || caches == nil {
		return nil, errors.New("assert/disprove connector requires params, operator key, key set, compiler and caches")
	}
	return &AssertDisprove{
		params:      params,
		operatorKey: operatorKey,
		keySet:      keySet,
		compiler:    compiler,
		caches:      caches,
		logger:      log.With().Str("module", "connector_assert_disprove").Logger(),
	}, nil
}

func (c *AssertDisprove) Kind() Kind {
	return KindAssertDisprove
}

// ContentHash returns the cache key derived from the commitment key set.
func (c *AssertDisprove) ContentHash() string {
	return c.keySet.ContentHash()
}

// KeySet returns the commitment key set this connector was created with.
func (c *AssertDisprove) KeySet() *commitments.KeySet {
	return c.keySet
}

// LeafScripts returns the compiled leaf script set for this connector's
// commitment key set, reading the disk tier first and compiling on miss.
// Compilation failures are surfaced; cache write failures are logged and
// swallowed because the compiler is deterministic and idempotent.
func (c *AssertDisprove) LeafScripts() ([][]byte, error) {
	hash := c.ContentHash()
	var payload leafScriptsPayload
	if err := c.caches.Disk.Read(LeafScriptsPrefix, hash, &payload); err == nil && len(payload.Scripts) > 0 {
		c.caches.Metrics.IncrCounter(metrics.MetricNameCacheHits)
		return payload.Scripts, nil
	}
	c.caches.Metrics.IncrCounter(metrics.MetricNameCacheMisses)

	compileStart := time.Now()
	scripts, err := c.compiler.Compile(c.keySet)
	if err != nil {
		return nil, fmt.Errorf("failed to compile leaf scripts for %s: %w", hash, err)
	}
	c.caches.Metrics.IncrCounter(metrics.MetricNameLeafCompilations)
	c.logger.Info().
		Str("content_hash", hash).
		Int("leaves", len(scripts)).
		Dur("compile_duration", time.Since(compileStart)).
		Msg("compiled leaf script set")

	writeStart := time.Now()
	if err := c.caches.Disk.Write(LeafScriptsPrefix, hash, leafScriptsPayload{Scripts: scripts}); err != nil {
		c.logger.Error().Err(err).Str("content_hash", hash).Msg("failed to persist leaf script set")
	} else {
		c.logger.Info().
			Str("content_hash", hash).
			Dur("write_duration", time.Since(writeStart)).
			Msg("persisted leaf script set")
	}
	return scripts, nil
}

// LeafScript returns the script of one leaf. The index is the segment index
// fixed at compile time.
func (c *AssertDisprove) LeafScript(index int) ([]byte, error) {
	scripts, err := c.LeafScripts()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(scripts) {
		return nil, fmt.Errorf("leaf index %d out of range [0, %d)", index, len(scripts))
	}
	return scripts[index], nil
}

// SpendInfo returns the finalized tree metadata, rebuilding the full tree
// and backfilling the in-process tier on miss. Repeated calls return
// identical results regardless of which tier served them.
func (c *AssertDisprove) SpendInfo() (*SpendInfo, error) {
	hash := c.ContentHash()
	if cached, ok := c.caches.SpendInfo.Get(hash); ok {
		c.caches.Metrics.IncrCounter(metrics.MetricNameCacheHits)
		out := cached
		return &out, nil
	}
	c.caches.Metrics.IncrCounter(metrics.MetricNameCacheMisses)
	scripts, err := c.LeafScripts()
	if err != nil {
		return nil, err
	}
	info := BuildSpendInfo(scripts, c.operatorKey)
	c.caches.SpendInfo.Put(hash, *info)
	return info, nil
}

// LeafScriptAndControlBlock materializes one leaf's script and control
// block. Only the leaf actually requested is materialized and cached: in
// practice exactly one leaf per dispute is ever spent, so eagerly encoding
// all of them would be wasted work and cache space.
func (c *AssertDisprove) LeafScriptAndControlBlock(index int) ([]byte, []byte, error) {
	hash := c.ContentHash()
	key := fmt.Sprintf("%s-%d", hash, index)

	if entry, ok := c.caches.LockScripts.Get(key); ok {
		c.caches.Metrics.IncrCounter(metrics.MetricNameCacheHits)
		return entry.Script, entry.ControlBlock, nil
	}
	var entry LockScriptEntry
	if err := c.caches.Disk.Read(LockScriptPrefix, key, &entry); err == nil && len(entry.Script) > 0 {
		c.caches.Metrics.IncrCounter(metrics.MetricNameCacheHits)
		c.caches.LockScripts.Put(key, entry)
		return entry.Script, entry.ControlBlock, nil
	}
	c.caches.Metrics.IncrCounter(metrics.MetricNameCacheMisses)

	scripts, err := c.LeafScripts()
	if err != nil {
		return nil, nil, err
	}
	if index < 0 || index >= len(scripts) {
		return nil, nil, fmt.Errorf("leaf index %d out of range [0, %d)", index, len(scripts))
	}
	tree := buildTree(scripts)
	ctrl, err := controlBlockBytes(tree, c.operatorKey, index)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to serialize control block for leaf %d: %w", index, err)
	}
	entry = LockScriptEntry{Script: scripts[index], ControlBlock: ctrl}
	c.caches.LockScripts.Put(key, entry)
	if err := c.caches.Disk.Write(LockScriptPrefix, key, entry); err != nil {
		c.logger.Error().Err(err).Str("content_hash", hash).Int("leaf_index", index).Msg("failed to persist lock script entry")
	}
	return entry.Script, entry.ControlBlock, nil
}

// TaprootAddress returns the connector's pay-to-taproot address on the
// configured network.
func (c *AssertDisprove) TaprootAddress() (*btcutil.AddressTaproot, error) {
	info, err := c.SpendInfo()
	if err != nil {
		return nil, err
	}
	return btcutil.NewAddressTaproot(schnorr.SerializePubKey(info.OutputKey), c.params)
}

// FindDisproof resolves the dispute for this connector from the unlocking
// data revealed by the two commitment transactions.
func (c *AssertDisprove) FindDisproof(commit1, commit2 []wire.TxWitness) (*segments.Disproof, bool, error) {
	return c.compiler.FindDisproof(commit1, commit2, c.keySet)
}
