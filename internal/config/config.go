// Package config loads and persists stratcached's on-disk configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the stratcached daemon.
type Config struct {
	// Fetcher configures the chain-reading collaborator.
	Fetcher FetcherConfig `yaml:"fetcher"`

	// Sync configures the background hydration/poll loops.
	Sync SyncConfig `yaml:"sync"`

	// API configures the JSON-RPC/websocket query server.
	API APIConfig `yaml:"api"`

	// Storage configures where the cache snapshot is persisted.
	Storage StorageConfig `yaml:"storage"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`
}

// FetcherConfig points at the chain and contract stratcached reads from.
type FetcherConfig struct {
	// RPCURL is the EVM JSON-RPC endpoint.
	RPCURL string `yaml:"rpc_url"`

	// ContractAddress is the deployed strategy-manager contract.
	ContractAddress string `yaml:"contract_address"`
}

// Address parses ContractAddress, returning the zero address if unset.
func (f FetcherConfig) Address() common.Address {
	return common.HexToAddress(f.ContractAddress)
}

// SyncConfig tunes the Sync control loop.
type SyncConfig struct {
	// PollInterval is how often the event-poll loop wakes.
	PollInterval time.Duration `yaml:"poll_interval"`

	// BlockChunkSize bounds how many blocks are requested per fetch call.
	BlockChunkSize uint64 `yaml:"block_chunk_size"`

	// PairBatchSize bounds how many pairs are hydrated per fetch call.
	PairBatchSize int `yaml:"pair_batch_size"`
}

// APIConfig configures the query server.
type APIConfig struct {
	// ListenAddr is the host:port the JSON-RPC/websocket server binds to.
	ListenAddr string `yaml:"listen_addr"`
}

// StorageConfig holds on-disk persistence settings.
type StorageConfig struct {
	// DataDir is the directory all data files live under.
	DataDir string `yaml:"data_dir"`

	// SnapshotInterval is how often the cache is serialized to disk.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// SnapshotPath returns the full path to the cache snapshot file.
func (s StorageConfig) SnapshotPath() string {
	return filepath.Join(expandPath(s.DataDir), "cache_snapshot.json")
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stdout).
	File string `yaml:"file"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Fetcher: FetcherConfig{
			RPCURL:          "http://localhost:8545",
			ContractAddress: "0x0000000000000000000000000000000000000000",
		},
		Sync: SyncConfig{
			PollInterval:   time.Second,
			BlockChunkSize: 1000,
			PairBatchSize:  100,
		},
		API: APIConfig{
			ListenAddr: "127.0.0.1:8090",
		},
		Storage: StorageConfig{
			DataDir:          "~/.stratcached",
			SnapshotInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file under dataDir. If the
// file doesn't exist, it creates one populated with defaults.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("config: create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("config: create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal config: %w", err)
	}

	header := []byte("# stratcached configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
