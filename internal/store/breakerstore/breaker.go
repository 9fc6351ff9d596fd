// Package breakerstore guards a document store with a circuit breaker.
package breakerstore

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/birrpay/quotacache/internal/store"
)

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// Config holds circuit breaker settings.
type Config struct {
	Name string
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval after which closed-state counts are reset.
	Interval time.Duration
	// Timeout before an open breaker moves to half-open.
	Timeout time.Duration
	// FailureThreshold is the failure ratio that trips the breaker.
	FailureThreshold float64
	// MinRequests before the failure ratio is evaluated.
	MinRequests uint32
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      10,
	}
}

// Store wraps another Store with a circuit breaker.
// Not-found reads and context cancellations do not count as failures.
type Store struct {
	underlying store.Store
	cb         *gobreaker.CircuitBreaker
}

// New wraps underlying with a breaker built from cfg.
func New(underlying store.Store, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, store.ErrNotFound) ||
				errors.Is(err, context.Canceled)
		},
	})
	return &Store{underlying: underlying, cb: cb}
}

// State returns the breaker state name ("closed", "half-open", "open").
func (s *Store) State() string {
	return s.cb.State().String()
}

// GetDocument reads through the breaker.
func (s *Store) GetDocument(ctx context.Context, collection, id string) (store.Document, error) {
	v, err := s.cb.Execute(func() (interface{}, error) {
		return s.underlying.GetDocument(ctx, collection, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(store.Document), nil
}

// SetDocument writes through the breaker.
func (s *Store) SetDocument(ctx context.Context, collection, id string, doc store.Document, opts store.SetOptions) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.underlying.SetDocument(ctx, collection, id, doc, opts)
	})
	return err
}

// BulkWrite sends the batch through the breaker. Per-item failures do not trip it.
func (s *Store) BulkWrite(ctx context.Context, collection string, op store.WriteType, items []store.WriteItem) ([]error, error) {
	v, err := s.cb.Execute(func() (interface{}, error) {
		return s.underlying.BulkWrite(ctx, collection, op, items)
	})
	if err != nil {
		return nil, err
	}
	errs, _ := v.([]error)
	return errs, nil
}

// Close closes the underlying store.
func (s *Store) Close() error {
	return s.underlying.Close()
}
