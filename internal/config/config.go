package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	Listen ListenConfig `json:"listen" yaml:"listen"`
	Store  StoreConfig  `json:"store" yaml:"store"`
	Broker BrokerConfig `json:"broker" yaml:"broker"`
	Status StatusConfig `json:"status" yaml:"status"`
	Log    LogConfig    `json:"log" yaml:"log"`
}

// ListenConfig describes the socket workers connect to. The broker assumes a
// trusted local channel; unix is the intended network.
type ListenConfig struct {
	Network string `json:"network" yaml:"network"` // unix|tcp
	Addr    string `json:"addr" yaml:"addr"`
}

// StoreConfig selects and parameterizes the job store backend.
type StoreConfig struct {
	Driver      string `json:"driver" yaml:"driver"` // pebble|postgres
	DataDir     string `json:"dataDir" yaml:"dataDir"`
	DatabaseURL string `json:"databaseUrl" yaml:"databaseUrl"`
}

// BrokerConfig carries the dispatch loop tunables. Durations are milliseconds.
type BrokerConfig struct {
	BaseDelayMs          int    `json:"baseDelayMs" yaml:"baseDelayMs"`
	DelayStaggerMs       int    `json:"delayStaggerMs" yaml:"delayStaggerMs"`
	FetchBatchSize       int    `json:"fetchBatchSize" yaml:"fetchBatchSize"`
	SendTimeoutMs        int    `json:"sendTimeoutMs" yaml:"sendTimeoutMs"`
	HandshakeTimeoutMs   int    `json:"handshakeTimeoutMs" yaml:"handshakeTimeoutMs"`
	PendingIdleTimeoutMs int    `json:"pendingIdleTimeoutMs" yaml:"pendingIdleTimeoutMs"`
	SweepIntervalMs      int    `json:"sweepIntervalMs" yaml:"sweepIntervalMs"`
	ParentPID            int    `json:"parentPid" yaml:"parentPid"`
	JobFilter            string `json:"jobFilter" yaml:"jobFilter"`
}

// StatusConfig configures the optional HTTP status endpoint. Empty disables it.
type StatusConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// LogConfig configures process-wide logging.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Listen: ListenConfig{
			Network: "unix",
			Addr:    "/tmp/instjobs-broker.sock",
		},
		Store: StoreConfig{
			Driver: "pebble",
		},
		Broker: BrokerConfig{
			BaseDelayMs:          1000,
			DelayStaggerMs:       2000,
			FetchBatchSize:       2,
			SendTimeoutMs:        10_000,
			HandshakeTimeoutMs:   5_000,
			PendingIdleTimeoutMs: 15 * 60 * 1000,
			SweepIntervalMs:      15 * 60 * 1000,
		},
		Status: StatusConfig{Addr: "127.0.0.1:8080"},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path
// is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse json config: %w", err)
		}
	}
	return cfg, nil
}
