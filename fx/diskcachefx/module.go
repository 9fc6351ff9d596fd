// Package diskcachefx provides an fx module for a quotacache client over a
// disk-backed store.
package diskcachefx

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/birrpay/quotacache"
	"github.com/birrpay/quotacache/internal/config"
	"github.com/birrpay/quotacache/internal/stats"
	"github.com/birrpay/quotacache/internal/stats/logger"
	"github.com/birrpay/quotacache/internal/store/diskstore"
)

// Config holds configuration for the disk-backed client.
type Config struct {
	// DataDir is the directory documents are stored under.
	DataDir string

	// Codec compresses stored documents: "zstd", "gzip" or "none".
	// Default is zstd.
	Codec string

	// CacheCapacity is the number of documents cached in memory.
	// Default is 10000.
	CacheCapacity int

	// ReadLimit and WriteLimit are the daily quota.
	// Defaults are 50000 and 20000.
	ReadLimit  int64
	WriteLimit int64
}

// Module provides a disk-backed quotacache client.
// Requires a *zap.Logger and a Config to be provided.
var Module = fx.Module("diskcache",
	fx.Provide(
		newStatsCollector,
		newClient,
	),
)

func newStatsCollector(log *zap.Logger) stats.Collector {
	return logger.New(log.Named("quotacache.stats"))
}

// Params holds dependencies for creating the client.
type Params struct {
	fx.In

	Config    Config
	Logger    *zap.Logger
	Collector stats.Collector
	Lifecycle fx.Lifecycle
}

// Result holds the provided client.
type Result struct {
	fx.Out

	Client *quotacache.Client
}

func newClient(p Params) (Result, error) {
	c, err := config.CodecByName(p.Config.Codec)
	if err != nil {
		return Result{}, err
	}
	baseStore, err := diskstore.New(p.Config.DataDir, c)
	if err != nil {
		return Result{}, err
	}

	opts := []quotacache.Option{
		quotacache.WithStore(baseStore),
		quotacache.WithStats(p.Collector),
		quotacache.WithLogger(p.Logger.Named("quotacache")),
	}
	if p.Config.CacheCapacity > 0 {
		opts = append(opts, quotacache.WithCacheCapacity(p.Config.CacheCapacity))
	}
	if p.Config.ReadLimit > 0 && p.Config.WriteLimit > 0 {
		opts = append(opts, quotacache.WithQuotaLimits(p.Config.ReadLimit, p.Config.WriteLimit))
	}

	client, err := quotacache.New(opts...)
	if err != nil {
		baseStore.Close()
		return Result{}, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: client.Initialize,
		OnStop:  client.Shutdown,
	})

	return Result{Client: client}, nil
}
