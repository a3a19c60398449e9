// Package bridge wires the peg-out components together: the graph store,
// the dispute state machine, the bitcoin watcher and the http surface.
package bridge

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/opbridge/opbridge/bitcoin"
	"github.com/opbridge/opbridge/bridge/config"
	"github.com/opbridge/opbridge/bridge/metrics"
	"github.com/opbridge/opbridge/cache"
	"github.com/opbridge/opbridge/commitments"
	"github.com/opbridge/opbridge/connectors"
	"github.com/opbridge/opbridge/segments"
)

// Service wires up all the components of the bridge daemon.
type Service struct {
	cfg       *config.Config
	logger    zerolog.Logger
	db        *leveldb.DB
	btcClient *bitcoin.Client
	watcher   *bitcoin.Watcher
	store     *GraphStore
	assembler *PresignedAssembler
	machine   *Machine
	caches    *connectors.SharedCaches
	cancel    context.CancelFunc
	wg        *sync.WaitGroup

	// http server
	hs *http.Server

	// metrics
	metrics *metrics.Metrics
}

func NewService(cfg *config.Config) (*Service, error) {
	params, err := networkParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	operatorKey, err := parseOperatorKey(cfg.OperatorPubKey)
	if err != nil {
		return nil, err
	}
	vk, err := loadVerifyingKey(cfg.VerifyingKeyPath)
	if err != nil {
		return nil, err
	}

	db, err := bitcoin.NewLevelDB(cfg.Bitcoin.LocalDBPath, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create level db: %w", err)
	}
	btcClient, err := bitcoin.NewClient(cfg.Bitcoin, db)
	if err != nil {
		return nil, fmt.Errorf("failed to create btc client: %w", err)
	}

	m := metrics.NewMetrics()
	watcher := bitcoin.NewWatcher(btcClient, db, m)

	diskStore := cache.NewDiskStore(cfg.CacheDir, cfg.MaxCacheFiles)
	caches, err := connectors.NewSharedCaches(diskStore, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared caches: %w", err)
	}

	compiler, err := segments.NewCompiler(vk)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment compiler: %w", err)
	}
	connectorFor := func(ks *commitments.KeySet) (*connectors.AssertDisprove, error) {
		return connectors.NewAssertDisprove(params, operatorKey, ks, compiler, caches)
	}

	store := NewGraphStore(db)
	assembler := NewPresignedAssembler(db)

	// a graph is ready to assert once its presigned first commitment
	// transaction has been provisioned
	ready := func(g *Graph) (bool, error) {
		if _, err := assembler.AssertTx(g.ID, PhaseFirstCommit); err != nil {
			return false, nil
		}
		return true, nil
	}

	machine := NewMachine(
		MachineConfig{
			PollInterval:   time.Duration(cfg.PollIntervalMs) * time.Millisecond,
			DisputeWindow:  time.Duration(cfg.DisputeWindowSeconds) * time.Second,
			Confirmations:  cfg.Confirmations,
			EventQueueSize: cfg.EventQueueSize,
		},
		store,
		&chainAdapter{client: btcClient},
		watcher,
		assembler,
		ready,
		connectorFor,
		m,
	)

	hs := &http.Server{
		Addr:    cfg.HTTPListenAddress,
		Handler: nil,
	}

	return &Service{
		cfg:       cfg,
		logger:    log.With().Str("module", "bridge_service").Logger(),
		db:        db,
		btcClient: btcClient,
		watcher:   watcher,
		store:     store,
		assembler: assembler,
		machine:   machine,
		caches:    caches,
		wg:        &sync.WaitGroup{},
		hs:        hs,
		metrics:   m,
	}, nil
}

// Start starts the watcher, the machine loops and the http server.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.watcher.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.machine.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.machine.VerifyLoop(ctx)
	}()

	// register routes and metrics
	mux := s.registerRoutes()
	metrics.RegisterHandlers(mux)
	s.hs.Handler = mux
	go func() {
		if err := s.hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("failed to start http server")
		}
	}()
	s.logger.Info().Str("network", s.cfg.Network).Msg("bridge service started")
	return nil
}

// Stop shuts everything down in reverse start order and aggregates the
// failures.
func (s *Service) Stop() error {
	var result *multierror.Error

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.hs.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to shutdown http server: %w", err))
	} else {
		s.logger.Info().Msg("http server shutdown")
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.watcher.Stop()

	if err := s.btcClient.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close btc client: %w", err))
	}
	if err := s.db.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close leveldb: %w", err))
	} else {
		s.logger.Info().Msg("leveldb closed")
	}
	s.logger.Info().Msg("bridge service stopped")
	return result.ErrorOrNil()
}

// chainAdapter narrows the bitcoin client to the machine's Chain interface.
type chainAdapter struct {
	client *bitcoin.Client
}

func (a *chainAdapter) Confirmations(ctx context.Context, txid string) (int64, error) {
	return a.client.GetConfirmations(ctx, txid)
}

func (a *chainAdapter) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	return a.client.SendRawTransaction(ctx, tx)
}

func (a *chainAdapter) TxWitnesses(ctx context.Context, txid string) ([]wire.TxWitness, error) {
	return a.client.TxWitnesses(ctx, txid)
}

func networkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

func parseOperatorKey(hexKey string) (*btcec.PublicKey, error) {
	if hexKey == "" {
		return nil, fmt.Errorf("operator public key is not configured")
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("operator public key is not valid hex: %w", err)
	}
	key, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse operator public key: %w", err)
	}
	return key, nil
}

func loadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	if path == "" {
		return nil, fmt.Errorf("verifying key path is not configured")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open verifying key: %w", err)
	}
	defer f.Close()
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("failed to read verifying key: %w", err)
	}
	return vk, nil
}
