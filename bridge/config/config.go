package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/opbridge/opbridge/bitcoin"
)

type Config struct {
	HTTPListenAddress    string         `mapstructure:"http_listen_address" json:"http_listen_address"`
	Network              string         `mapstructure:"network" json:"network"`
	CacheDir             string         `mapstructure:"cache_dir" json:"cache_dir"`
	MaxCacheFiles        int            `mapstructure:"max_cache_files" json:"max_cache_files"`
	PollIntervalMs       int64          `mapstructure:"poll_interval_ms" json:"poll_interval_ms"`
	DisputeWindowSeconds int64          `mapstructure:"dispute_window_seconds" json:"dispute_window_seconds"`
	EventQueueSize       int            `mapstructure:"event_queue_size" json:"event_queue_size"`
	Confirmations        int64          `mapstructure:"confirmations" json:"confirmations"`
	OperatorPubKey       string         `mapstructure:"operator_pub_key" json:"operator_pub_key"`
	VerifyingKeyPath     string         `mapstructure:"verifying_key_path" json:"verifying_key_path"`
	Bitcoin              bitcoin.Config `mapstructure:"bitcoin" json:"bitcoin"`
}

func DefaultConfig() *Config {
	return &Config{
		HTTPListenAddress:    "0.0.0.0:30080",
		Network:              "regtest",
		CacheDir:             ".opbridge/cache",
		MaxCacheFiles:        96,
		PollIntervalMs:       250,
		DisputeWindowSeconds: 3600,
		EventQueueSize:       32,
		Confirmations:        1,
		Bitcoin: bitcoin.Config{
			Host:        "127.0.0.1",
			Port:        18443,
			LocalDBPath: ".opbridge/db",
		},
	}
}

func GetConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("json")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return cfg, nil
}
