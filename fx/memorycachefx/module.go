// Package memorycachefx provides an fx module for a quotacache client over
// an in-memory store. Useful for testing and local simulation.
package memorycachefx

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/birrpay/quotacache"
	"github.com/birrpay/quotacache/internal/config"
	"github.com/birrpay/quotacache/internal/stats"
	"github.com/birrpay/quotacache/internal/stats/logger"
	"github.com/birrpay/quotacache/internal/store/memstore"
)

// Module provides an in-memory quotacache client.
// Requires a *zap.Logger to be provided. A *config.Config is used if
// present.
var Module = fx.Module("memorycache",
	fx.Provide(
		newStatsCollector,
		newMemStore,
		newClient,
	),
)

func newStatsCollector(log *zap.Logger) stats.Collector {
	return logger.New(log.Named("quotacache.stats"))
}

func newMemStore() *memstore.Store {
	return memstore.New()
}

// Params holds dependencies for creating the client.
type Params struct {
	fx.In

	Config    *config.Config `optional:"true"`
	Logger    *zap.Logger
	Collector stats.Collector
	Store     *memstore.Store
	Lifecycle fx.Lifecycle
}

// Result holds the provided client. The store comes from newMemStore and
// can be populated directly for test setup.
type Result struct {
	fx.Out

	Client *quotacache.Client
}

func newClient(p Params) (Result, error) {
	opts := []quotacache.Option{
		quotacache.WithStore(p.Store),
		quotacache.WithStats(p.Collector),
		quotacache.WithLogger(p.Logger.Named("quotacache")),
	}
	if p.Config != nil {
		opts = append(opts, quotacache.WithConfig(p.Config))
	}

	client, err := quotacache.New(opts...)
	if err != nil {
		return Result{}, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: client.Initialize,
		OnStop:  client.Shutdown,
	})

	return Result{Client: client}, nil
}
