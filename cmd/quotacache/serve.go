package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/birrpay/quotacache"
	"github.com/birrpay/quotacache/internal/batcher"
	"github.com/birrpay/quotacache/internal/health"
	promstats "github.com/birrpay/quotacache/internal/stats/prometheus"
	"github.com/birrpay/quotacache/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the caching layer with HTTP endpoints",
	Long: `Run the caching layer until interrupted.

Endpoints:
  GET    /metrics                          Prometheus metrics
  GET    /healthz                          health snapshot (503 when unhealthy)
  GET    /quota                            quota usage and mode
  GET    /v1/documents/{collection}/{id}   cached read
  PUT    /v1/documents/{collection}/{id}   queue a set
  PATCH  /v1/documents/{collection}/{id}   queue an update
  DELETE /v1/documents/{collection}/{id}   queue a delete
  POST   /v1/flush                         flush all pending writes`,
	RunE: runServe,
}

var listenAddr string

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client, err := openClient(ctx, cfg, logger, promstats.New(registry),
		quotacache.WithFailureHandler(logFailures(logger)),
	)
	if err != nil {
		return err
	}
	if err := client.Initialize(ctx); err != nil {
		return err
	}

	addr := cfg.Server.Addr
	if listenAddr != "" {
		addr = listenAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(client, registry, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving", zap.String("addr", addr), zap.String("store", cfg.Store.Type))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
	defer cancel()
	return errors.Join(
		srv.Shutdown(shutdownCtx),
		client.Shutdown(shutdownCtx),
	)
}

func logFailures(logger *zap.Logger) func(batcher.Key, []batcher.FailedItem) {
	return func(key batcher.Key, items []batcher.FailedItem) {
		for _, it := range items {
			logger.Error("write dropped after retry",
				zap.Stringer("key", key),
				zap.String("doc_id", it.Item.DocID),
				zap.Error(it.Err),
			)
		}
	}
}

// newRouter routes the HTTP surface of a running client.
func newRouter(client *quotacache.Client, gatherer prometheus.Gatherer, logger *zap.Logger) chi.Router {
	h := &handler{client: client, logger: logger}

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)

	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	router.Get("/healthz", h.health)
	router.Get("/quota", h.quota)

	router.Route("/v1", func(r chi.Router) {
		r.Route("/documents/{collection}/{id}", func(r chi.Router) {
			r.Get("/", h.getDocument)
			r.Put("/", h.queue(store.WriteSet))
			r.Patch("/", h.queue(store.WriteUpdate))
			r.Delete("/", h.queue(store.WriteDelete))
		})
		r.Post("/flush", h.flush)
	})

	return router
}

type handler struct {
	client *quotacache.Client
	logger *zap.Logger
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	snap := h.client.HealthStatus()
	code := http.StatusOK
	if snap.State == health.StateUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, snap)
}

func (h *handler) quota(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.client.QuotaStatus())
}

func (h *handler) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.client.CachedGet(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, quotacache.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		h.logger.Warn("read failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusOK, doc)
	}
}

func (h *handler) queue(op store.WriteType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload store.Document
		if op != store.WriteDelete {
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("decoding document: %w", err))
				return
			}
		}
		err := h.client.QueueWrite(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id"), payload, op)
		switch {
		case errors.Is(err, quotacache.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, err)
		case err != nil:
			writeError(w, http.StatusBadRequest, err)
		default:
			w.WriteHeader(http.StatusAccepted)
		}
	}
}

func (h *handler) flush(w http.ResponseWriter, r *http.Request) {
	results, err := h.client.Flush(r.Context())
	committed := 0
	for _, res := range results {
		if res != nil {
			committed += res.Committed
		}
	}
	body := map[string]any{"batches": len(results), "committed": committed}
	if err != nil {
		body["error"] = err.Error()
		writeJSON(w, http.StatusMultiStatus, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
