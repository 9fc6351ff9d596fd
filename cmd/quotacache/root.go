package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/birrpay/quotacache"
	"github.com/birrpay/quotacache/internal/config"
	"github.com/birrpay/quotacache/internal/stats"
)

var (
	// Global flags.
	configPath string
	storeType  string
	dataDir    string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "quotacache",
	Short: "Quota-aware caching and write batching for a document store",
	Long: `Quotacache keeps a bot backend inside its daily document store quota.
Reads are served from a TTL cache, writes are batched per collection,
and a health monitor recovers the layer when it degrades.

Examples:
  # Serve metrics, health and quota endpoints over a disk store
  quotacache serve --store disk --data-dir ./data

  # Read a document through the cache
  quotacache get users 12345 --data-dir ./data --store disk

  # Queue and flush a write
  quotacache put users 12345 '{"lang":"am"}' --merge

  # Replay synthetic bot traffic against an in-memory store
  quotacache simulate --users 500 --rps 200 --duration 30s`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&storeType, "store", "", "store backend: memory, disk, gcs, s3, dynamodb (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "data directory of the disk store (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if storeType != "" {
		cfg.Store.Type = storeType
	}
	if dataDir != "" {
		cfg.Store.Dir = dataDir
		if storeType == "" && cfg.Store.Type == config.StoreMemory {
			cfg.Store.Type = config.StoreDisk
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	return cfg.Build()
}

// openClient opens the configured store and builds a client over it.
func openClient(ctx context.Context, cfg *config.Config, logger *zap.Logger, collector stats.Collector, extra ...quotacache.Option) (*quotacache.Client, error) {
	st, err := config.OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Type, err)
	}

	opts := []quotacache.Option{
		quotacache.WithConfig(cfg),
		quotacache.WithStore(st),
		quotacache.WithLogger(logger),
	}
	if collector != nil {
		opts = append(opts, quotacache.WithStats(collector))
	}
	client, err := quotacache.New(append(opts, extra...)...)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating client: %w", err)
	}
	return client, nil
}
