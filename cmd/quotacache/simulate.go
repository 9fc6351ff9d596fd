package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/birrpay/quotacache"
	"github.com/birrpay/quotacache/internal/stats"
	"github.com/birrpay/quotacache/internal/store"
	"github.com/birrpay/quotacache/internal/store/memstore"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay synthetic bot traffic against an in-memory store",
	Long: `Simulate bot handlers reading and updating user documents, paced to
a fixed request rate, and print the resulting quota and health snapshots.

Examples:
  quotacache simulate --users 500 --rps 200 --duration 30s
  quotacache simulate --read-limit 2000 --write-limit 500 --duration 1m -v`,
	RunE: runSimulate,
}

type simParams struct {
	Users      int
	RPS        float64
	Workers    int
	Duration   time.Duration
	WriteRatio float64
	Seed       uint64
}

type simResult struct {
	Requests int64
	Reads    int64
	Writes   int64
	Errors   int64
}

var (
	sim         simParams
	simReadCap  int64
	simWriteCap int64
)

func init() {
	f := simulateCmd.Flags()
	f.IntVar(&sim.Users, "users", 200, "number of distinct users")
	f.Float64Var(&sim.RPS, "rps", 100, "requests per second")
	f.IntVar(&sim.Workers, "workers", 8, "concurrent handlers")
	f.DurationVar(&sim.Duration, "duration", 10*time.Second, "how long to run")
	f.Float64Var(&sim.WriteRatio, "write-ratio", 0.2, "fraction of requests that write")
	f.Uint64Var(&sim.Seed, "seed", 1, "random seed")
	f.Int64Var(&simReadCap, "read-limit", 5000, "daily read quota")
	f.Int64Var(&simWriteCap, "write-limit", 2000, "daily write quota")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	mem := memstore.New()
	seedUsers(mem, sim.Users)

	metrics := stats.NewMemory()
	client, err := quotacache.New(
		quotacache.WithConfig(cfg),
		quotacache.WithStore(mem),
		quotacache.WithQuotaLimits(simReadCap, simWriteCap),
		quotacache.WithStats(metrics),
		quotacache.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	if err := client.Initialize(ctx); err != nil {
		return err
	}

	res, simErr := simulate(ctx, client, sim)
	if err := client.Shutdown(context.Background()); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	if simErr != nil {
		return simErr
	}

	fmt.Printf("Requests: %d (reads %d, writes %d, errors %d)\n", res.Requests, res.Reads, res.Writes, res.Errors)
	fmt.Printf("Store:    %d reads, %d batch flushes\n",
		metrics.Counter(stats.MetricStoreReads), metrics.Counter(stats.MetricBatchFlushes))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"quota":  client.QuotaStatus(),
		"health": client.CheckHealth(context.Background()),
	})
}

func seedUsers(mem *memstore.Store, n int) {
	for i := 0; i < n; i++ {
		id := strconv.Itoa(100000 + i)
		mem.Put("users", id, store.Document{"chat_id": id, "lang": "am", "plan": "basic"})
	}
}

// simulate issues requests at p.RPS until p.Duration elapses or ctx is done.
// User popularity is skewed so a small set of users is hot.
func simulate(ctx context.Context, client *quotacache.Client, p simParams) (simResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Duration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(p.RPS), max(1, p.Workers))
	var requests, reads, writes, errs atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < max(1, p.Workers); w++ {
		rng := rand.New(rand.NewPCG(p.Seed, uint64(w)))
		g.Go(func() error {
			for {
				if err := limiter.Wait(ctx); err != nil {
					return nil
				}
				requests.Add(1)

				// Square the draw so low ids are requested far more often.
				u := rng.Float64()
				id := strconv.Itoa(100000 + int(u*u*float64(p.Users)))

				if rng.Float64() < p.WriteRatio {
					writes.Add(1)
					err := client.QueueWrite(ctx, "users", id, store.Document{"last_seen": time.Now().Unix()}, store.WriteUpdate)
					if err != nil && ctx.Err() == nil {
						errs.Add(1)
					}
					continue
				}
				reads.Add(1)
				_, err := client.CachedGet(ctx, "users", id)
				if err != nil && !errors.Is(err, store.ErrNotFound) && ctx.Err() == nil {
					errs.Add(1)
				}
			}
		})
	}
	err := g.Wait()

	return simResult{
		Requests: requests.Load(),
		Reads:    reads.Load(),
		Writes:   writes.Load(),
		Errors:   errs.Load(),
	}, err
}
