package bitcoin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/opbridge/opbridge/bridge/metrics"
)

// Watcher scans the chain block by block and records which transaction
// spent each outpoint. The bridge machine uses the resulting spend index to
// detect disputes: a connector outpoint spent by anything other than the
// operator's own settlement transaction is a challenge.
type Watcher struct {
	client  *Client
	db      *leveldb.DB
	metrics *metrics.Metrics
	logger  zerolog.Logger
	wg      *sync.WaitGroup
	stop    chan struct{}
}

func NewWatcher(client *Client, db *leveldb.DB, m *metrics.Metrics) *Watcher {
	return &Watcher{
		client:  client,
		db:      db,
		metrics: m,
		logger:  log.With().Str("module", "bitcoin_watcher").Logger(),
		wg:      &sync.WaitGroup{},
		stop:    make(chan struct{}),
	}
}

func (w *Watcher) Start() error {
	height, err := w.client.GetScanHeight()
	if err != nil {
		return err
	}
	w.logger.Info().Int64("scan_block_height", height).Msg("watcher starting from block")
	w.wg.Add(1)
	go w.scanBlocks(height)
	return nil
}

func (w *Watcher) Stop() {
	close(w.stop)
	w.wg.Wait()
	w.logger.Info().Msg("watcher stopped")
}

func spendKey(txid string, vout uint32) []byte {
	return []byte(fmt.Sprintf("spend-%s-%d", txid, vout))
}

// OutpointSpender returns the txid of the transaction that spent the given
// outpoint, or found == false when the outpoint is still unspent as far as
// the scan has progressed.
func (w *Watcher) OutpointSpender(txid string, vout uint32) (string, bool, error) {
	value, err := w.db.Get(spendKey(txid, vout), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to look up spender of %s:%d: %w", txid, vout, err)
	}
	return string(value), true, nil
}

func (w *Watcher) scanBlocks(startHeight int64) {
	defer w.wg.Done()
	currentHeight := startHeight
	if currentHeight == 0 {
		currentHeight = 1 // Bitcoin block height starts from 1
	}
	defer func() {
		// save the current height to db on exit
		if err := w.client.SetScanHeight(currentHeight); err != nil {
			w.logger.Error().Err(err).Msg("failed to save scan block height on shutdown")
		} else {
			w.logger.Info().Int64("block_height", currentHeight).Msg("saved scan block height on shutdown")
		}
	}()
	ctx := context.Background()
	for {
		select {
		case <-w.stop:
			w.logger.Info().Msg("stopping block scan")
			return
		default:
			hash, err := w.client.GetBlockHash(ctx, currentHeight)
			if err != nil {
				if w.client.ShouldBackoff(err) {
					// tip not there yet
					time.Sleep(time.Second)
					continue
				}
				w.logger.Error().Err(err).Msg("failed to get block hash")
				continue
			}
			block, err := w.client.GetBlockVerboseTxs(ctx, hash)
			if err != nil {
				if w.client.ShouldBackoff(err) {
					time.Sleep(time.Second)
					continue
				}
				w.logger.Error().Err(err).Msg("failed to get block")
				continue
			}
			w.logger.Debug().
				Int("txs", len(block.Tx)).
				Int64("block_height", block.Height).
				Str("block_hash", block.Hash).
				Msg("scanning block")
			if err := w.indexBlock(block); err != nil {
				w.logger.Error().Err(err).Int64("block_height", block.Height).Msg("failed to index block")
				continue
			}
			w.metrics.IncrCounter(metrics.MetricNameScannedBlocks)
			currentHeight++
			if err := w.client.SetScanHeight(currentHeight); err != nil {
				w.logger.Error().Err(err).Msg("failed to save scan block height")
			}
		}
	}
}

// indexBlock records, for every non-coinbase input in the block, which
// transaction consumed which outpoint.
func (w *Watcher) indexBlock(block *btcjson.GetBlockVerboseTxResult) error {
	batch := new(leveldb.Batch)
	for _, tx := range block.Tx {
		for _, in := range tx.Vin {
			if in.IsCoinBase() {
				continue
			}
			batch.Put(spendKey(in.Txid, in.Vout), []byte(tx.Txid))
		}
	}
	if err := w.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to write spend index for block %s: %w", block.Hash, err)
	}
	return nil
}
