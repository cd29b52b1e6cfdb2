// Package main provides the stratcached daemon: an in-memory cache of
// on-chain strategy/pair state, kept current by a background Sync loop and
// exposed over JSON-RPC and websocket.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/stratcache/stratcached/internal/api"
	"github.com/stratcache/stratcached/internal/cache"
	"github.com/stratcache/stratcached/internal/config"
	"github.com/stratcache/stratcached/internal/ethfetcher"
	"github.com/stratcache/stratcached/internal/notify"
	syncpkg "github.com/stratcache/stratcached/internal/sync"
	"github.com/stratcache/stratcached/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.stratcached", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		rpcURL      = flag.String("rpc-url", "", "EVM JSON-RPC endpoint, overrides config")
		contract    = flag.String("contract", "", "Strategy manager contract address, overrides config")
		apiAddr     = flag.String("api", "", "JSON-RPC/websocket listen address, overrides config")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("stratcached %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadConfig(filepath.Dir(*configFile))
	} else {
		cfg, err = config.LoadConfig(*dataDir)
	}
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	if *rpcURL != "" {
		cfg.Fetcher.RPCURL = *rpcURL
	}
	if *contract != "" {
		cfg.Fetcher.ContractAddress = *contract
	}
	if *apiAddr != "" {
		cfg.API.ListenAddr = *apiAddr
	}
	cfg.Logging.Level = *logLevel

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "path", config.ConfigPath(*dataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := notify.New()

	var c *cache.Cache
	if snap, err := os.ReadFile(cfg.Storage.SnapshotPath()); err == nil {
		c = cache.FromSerialized(string(snap), bus, log)
		log.Info("cache restored from snapshot", "path", cfg.Storage.SnapshotPath())
	} else {
		c = cache.New(bus, log)
	}

	fetcher, err := ethfetcher.New(ctx, ethfetcher.Config{
		RPCURL:          cfg.Fetcher.RPCURL,
		ContractAddress: cfg.Fetcher.Address(),
	}, log)
	if err != nil {
		log.Fatal("failed to create fetcher", "error", err)
	}
	defer fetcher.Close()

	s := syncpkg.New(fetcher, c, log,
		syncpkg.WithPollInterval(cfg.Sync.PollInterval),
		syncpkg.WithBlockChunkSize(cfg.Sync.BlockChunkSize),
		syncpkg.WithPairBatchSize(cfg.Sync.PairBatchSize),
	)
	c.SetCacheMissHandler(s.SyncPair)

	if err := s.Start(ctx); err != nil {
		log.Fatal("failed to start sync", "error", err)
	}
	log.Info("sync started")

	apiServer := api.NewServer(c, bus, log)
	if err := apiServer.Start(cfg.API.ListenAddr); err != nil {
		log.Fatal("failed to start api server", "error", err)
	}

	printBanner(log, cfg)

	stopSnapshots := startSnapshotLoop(ctx, c, cfg.Storage.SnapshotPath(), cfg.Storage.SnapshotInterval, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	cancel()
	s.Stop()
	stopSnapshots()

	if err := saveSnapshot(c, cfg.Storage.SnapshotPath()); err != nil {
		log.Error("failed to save final snapshot", "error", err)
	}
	if err := apiServer.Stop(); err != nil {
		log.Error("error stopping api server", "error", err)
	}

	log.Info("goodbye!")
}

// startSnapshotLoop periodically persists the cache to disk until ctx is
// cancelled. It returns a function that blocks until the loop has exited;
// that function does not itself stop the loop.
func startSnapshotLoop(ctx context.Context, c *cache.Cache, path string, interval time.Duration, log *logging.Logger) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(done)
				return
			case <-ticker.C:
				if err := saveSnapshot(c, path); err != nil {
					log.Error("failed to save snapshot", "error", err)
				}
			}
		}
	}()
	return func() { <-done }
}

func saveSnapshot(c *cache.Cache, path string) error {
	snap, err := c.Serialize()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(snap), 0600)
}

func printBanner(log *logging.Logger, cfg *config.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  stratcached")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Fetcher RPC: %s", cfg.Fetcher.RPCURL)
	log.Infof("  Contract:    %s", cfg.Fetcher.ContractAddress)
	log.Infof("  API:  http://%s", cfg.API.ListenAddr)
	log.Infof("  WS:   ws://%s/ws", cfg.API.ListenAddr)
	log.Infof("  Data dir: %s", cfg.Storage.DataDir)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
