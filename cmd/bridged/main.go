package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"
	flag "github.com/spf13/pflag"

	"github.com/opbridge/opbridge/bridge"
	"github.com/opbridge/opbridge/bridge/config"
)

func run(ctx context.Context) error {
	httpListenAddress := flag.String("http-listen-address", "", "Listen address of the http server")
	network := flag.String("network", "", "Bitcoin network (mainnet, testnet, signet, regtest)")
	cacheDir := flag.String("cache-dir", "", "Root directory of the script cache")
	pollIntervalMs := flag.String("poll-interval-ms", "", "Poll interval of the state machine in milliseconds")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", *logLevel, err)
	}
	zerolog.SetGlobalLevel(level)

	cfg, err := config.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	// flags override the config file
	if *httpListenAddress != "" {
		cfg.HTTPListenAddress = *httpListenAddress
	}
	if *network != "" {
		cfg.Network = *network
	}
	if *cacheDir != "" {
		cfg.CacheDir = *cacheDir
	}
	if *pollIntervalMs != "" {
		cfg.PollIntervalMs = cast.ToInt64(*pollIntervalMs)
	}

	// handle signals
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := bridge.NewService(cfg)
	if err != nil {
		return fmt.Errorf("failed to create bridge service: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bridge service: %w", err)
	}

	<-ctx.Done()
	log.Info().Msg("received shutdown signal")
	return svc.Stop()
}

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Printf("error %s\n", err.Error())
		os.Exit(1)
	}
}
