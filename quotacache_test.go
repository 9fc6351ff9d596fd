package quotacache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/go-cmp/cmp"

	"github.com/birrpay/quotacache/internal/config"
	"github.com/birrpay/quotacache/internal/health"
	"github.com/birrpay/quotacache/internal/quota"
	"github.com/birrpay/quotacache/internal/store"
	"github.com/birrpay/quotacache/internal/store/breakerstore"
	"github.com/birrpay/quotacache/internal/store/memstore"
)

func newClient(t *testing.T, opts ...Option) (*Client, *memstore.Store, *clock.Mock) {
	t.Helper()
	mem := memstore.New()
	mock := clock.NewMock()
	client, err := New(append([]Option{WithStore(mem), WithClock(mock)}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, mem, mock
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New()
	if !errors.Is(err, ErrNoStore) {
		t.Errorf("New() error = %v, want ErrNoStore", err)
	}
}

func TestNew_WithStore(t *testing.T) {
	mem := memstore.New()
	client, err := New(WithStore(mem))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	if client.Store() != mem {
		t.Error("Store() returned unexpected store")
	}
}

func TestNew_InvalidOptions(t *testing.T) {
	mem := memstore.New()
	if _, err := New(WithStore(mem), WithCacheCapacity(0)); err == nil {
		t.Error("New(WithCacheCapacity(0)) error = nil, want error")
	}
	if _, err := New(WithStore(mem), WithQuotaThresholds(90, 70, 5)); err == nil {
		t.Error("New(inverted thresholds) error = nil, want error")
	}
}

func TestNew_WithCircuitBreaker(t *testing.T) {
	client, _, _ := newClient(t, WithCircuitBreaker(breakerstore.DefaultConfig("test")))
	if _, ok := client.Store().(*breakerstore.Store); !ok {
		t.Errorf("Store() = %T, want *breakerstore.Store", client.Store())
	}
}

func TestNew_WithConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Batch.MaxSize = 42
	cfg.Quota.Reads = 10
	cfg.Store.Breaker.Enabled = true

	client, _, _ := newClient(t, WithConfig(cfg))

	if got := client.batcher.Config().MaxBatchSize; got != 42 {
		t.Errorf("MaxBatchSize = %d, want 42", got)
	}
	if got := client.QuotaStatus().Reads.Limit; got != 10 {
		t.Errorf("read limit = %d, want 10", got)
	}
	if _, ok := client.Store().(*breakerstore.Store); !ok {
		t.Errorf("Store() = %T, want breaker from config", client.Store())
	}
}

func TestWithDataDir(t *testing.T) {
	opt, err := WithDataDir(t.TempDir())
	if err != nil {
		t.Fatalf("WithDataDir() error = %v", err)
	}
	client, err := New(opt)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()
	ctx := context.Background()

	if err := client.QueueWrite(ctx, "users", "u1", store.Document{"lang": "am"}, store.WriteSet); err != nil {
		t.Fatalf("QueueWrite() error = %v", err)
	}
	if _, err := client.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	doc, err := client.Store().GetDocument(ctx, "users", "u1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if doc["lang"] != "am" {
		t.Errorf("GetDocument() = %v, want lang=am on disk", doc)
	}
}

func TestClient_CachedGet(t *testing.T) {
	client, mem, _ := newClient(t)
	mem.Put("users", "u1", store.Document{"name": "Abebe"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		doc, err := client.CachedGet(ctx, "users", "u1")
		if err != nil {
			t.Fatalf("CachedGet() error = %v", err)
		}
		if doc["name"] != "Abebe" {
			t.Errorf("CachedGet() = %v", doc)
		}
	}

	if got := client.QuotaStatus().Reads.Used; got != 1 {
		t.Errorf("quota reads = %d, want 1", got)
	}
	if s := client.HealthStatus().Cache; s.Hits != 2 || s.Misses != 1 {
		t.Errorf("cache stats = %+v, want 2 hits, 1 miss", s)
	}
}

func TestClient_CachedGet_NotFound(t *testing.T) {
	client, _, _ := newClient(t)
	_, err := client.CachedGet(context.Background(), "users", "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("CachedGet() error = %v, want ErrNotFound", err)
	}
}

func TestClient_QueueWrite_ReadYourWrites(t *testing.T) {
	client, mem, _ := newClient(t)
	ctx := context.Background()

	if err := client.QueueWrite(ctx, "users", "u1", store.Document{"name": "Sara"}, store.WriteSet); err != nil {
		t.Fatalf("QueueWrite(set) error = %v", err)
	}
	if err := client.QueueWrite(ctx, "users", "u1", store.Document{"lang": "en"}, store.WriteUpdate); err != nil {
		t.Fatalf("QueueWrite(update) error = %v", err)
	}

	doc, err := client.CachedGet(ctx, "users", "u1")
	if err != nil {
		t.Fatalf("CachedGet() error = %v", err)
	}
	if diff := cmp.Diff(store.Document{"name": "Sara", "lang": "en"}, doc); diff != "" {
		t.Errorf("CachedGet() mismatch (-want +got):\n%s", diff)
	}
	if got := client.QuotaStatus().Reads.Used; got != 0 {
		t.Errorf("quota reads = %d, want 0", got)
	}
	if mem.Len("users") != 0 {
		t.Error("writes reached the store before a flush")
	}

	if err := client.QueueWrite(ctx, "users", "u1", nil, store.WriteDelete); err != nil {
		t.Fatalf("QueueWrite(delete) error = %v", err)
	}
	if _, err := client.CachedGet(ctx, "users", "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("CachedGet() after delete error = %v, want ErrNotFound", err)
	}
}

func TestClient_QueueWrite_CopiesPayload(t *testing.T) {
	client, mem, _ := newClient(t)
	ctx := context.Background()

	payload := store.Document{"balance": 100}
	if err := client.QueueWrite(ctx, "wallets", "w1", payload, store.WriteSet); err != nil {
		t.Fatalf("QueueWrite() error = %v", err)
	}
	payload["balance"] = 0

	if _, err := client.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	doc, _ := mem.GetDocument(ctx, "wallets", "w1")
	if doc["balance"] != 100 {
		t.Errorf("stored balance = %v, want 100", doc["balance"])
	}
}

func TestClient_QueueWrite_InvalidType(t *testing.T) {
	client, _, _ := newClient(t)
	err := client.QueueWrite(context.Background(), "users", "u1", nil, store.WriteType("upsert"))
	if !errors.Is(err, store.ErrUnknownWriteType) {
		t.Errorf("QueueWrite() error = %v, want ErrUnknownWriteType", err)
	}
}

func TestClient_QueueWrite_CanceledContext(t *testing.T) {
	client, _, _ := newClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.QueueWrite(ctx, "users", "u1", nil, store.WriteDelete); !errors.Is(err, context.Canceled) {
		t.Errorf("QueueWrite() error = %v, want context.Canceled", err)
	}
}

func TestClient_QuotaModeExtendsTTL(t *testing.T) {
	client, mem, mock := newClient(t,
		WithQuotaLimits(10, 100),
		WithCacheTTL(time.Minute),
	)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		mem.Put("users", id, store.Document{"id": id})
		if _, err := client.CachedGet(ctx, "users", id); err != nil {
			t.Fatalf("CachedGet(%s) error = %v", id, err)
		}
	}

	q := client.QuotaStatus()
	if q.Mode != quota.ModeConservative {
		t.Fatalf("Mode = %v, want CONSERVATIVE at %v%%", q.Mode, q.Reads.Percent)
	}

	mem.Put("users", "late", store.Document{"v": 1})
	if _, err := client.CachedGet(ctx, "users", "late"); err != nil {
		t.Fatalf("CachedGet() error = %v", err)
	}
	mock.Add(90 * time.Second)
	if _, err := client.CachedGet(ctx, "users", "late"); err != nil {
		t.Fatalf("CachedGet() error = %v", err)
	}
	if got := client.QuotaStatus().Reads.Used; got != 8 {
		t.Errorf("quota reads = %d, want 8 with doubled TTL", got)
	}
}

func TestClient_Initialize(t *testing.T) {
	client, _, _ := newClient(t)
	ctx := context.Background()

	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := client.Initialize(ctx); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("Initialize() again error = %v, want ErrAlreadyInitialized", err)
	}

	var names []string
	for _, s := range client.TaskStats() {
		names = append(names, s.Name)
	}
	if diff := cmp.Diff([]string{"cache-sweep", "health-check"}, names); diff != "" {
		t.Errorf("TaskStats() names mismatch (-want +got):\n%s", diff)
	}
}

func TestClient_CheckHealthRunsRecoveries(t *testing.T) {
	cfg := health.DefaultConfig()
	cfg.DegradedBelow = 101
	cfg.RecoverBelow = 101
	client, mem, _ := newClient(t, WithHealthConfig(cfg))
	ctx := context.Background()

	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	var custom bool
	client.RegisterRecovery("custom", func(context.Context) error {
		custom = true
		return nil
	})
	if err := client.QueueWrite(ctx, "users", "u1", store.Document{"v": 1}, store.WriteSet); err != nil {
		t.Fatalf("QueueWrite() error = %v", err)
	}

	snap := client.CheckHealth(ctx)
	if snap.State != health.StateUnhealthy {
		t.Fatalf("State = %v, want unhealthy", snap.State)
	}
	want := []string{"sweep-cache", "trim-cache", "flush-writes", "reset-pool", "free-memory", "custom"}
	if diff := cmp.Diff(want, snap.Recovered); diff != "" {
		t.Errorf("Recovered mismatch (-want +got):\n%s", diff)
	}
	if !custom {
		t.Error("custom recovery did not run")
	}
	if mem.Len("users") != 1 {
		t.Error("flush-writes recovery did not commit the queued write")
	}
	if got := client.HealthStats().Checks; got != 1 {
		t.Errorf("HealthStats().Checks = %d, want 1", got)
	}
}

func TestClient_Shutdown(t *testing.T) {
	client, mem, _ := newClient(t)
	ctx := context.Background()

	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := client.QueueWrite(ctx, "users", "u1", store.Document{"v": 1}, store.WriteSet); err != nil {
		t.Fatalf("QueueWrite() error = %v", err)
	}

	if err := client.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if mem.Len("users") != 1 {
		t.Error("Shutdown() did not flush the pending write")
	}

	// Second shutdown should be a no-op.
	if err := client.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}

	if _, err := client.CachedGet(ctx, "users", "u1"); !errors.Is(err, ErrClosed) {
		t.Errorf("CachedGet() after shutdown error = %v, want ErrClosed", err)
	}
	if err := client.QueueWrite(ctx, "users", "u1", nil, store.WriteDelete); !errors.Is(err, ErrClosed) {
		t.Errorf("QueueWrite() after shutdown error = %v, want ErrClosed", err)
	}
	if _, err := client.Flush(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Flush() after shutdown error = %v, want ErrClosed", err)
	}
	if err := client.Initialize(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Initialize() after shutdown error = %v, want ErrClosed", err)
	}
}

func BenchmarkClient_CachedGet(b *testing.B) {
	mem := memstore.New()
	for i := 0; i < 1000; i++ {
		mem.Put("users", fmt.Sprint(i), store.Document{"n": i})
	}
	client, err := New(WithStore(mem))
	if err != nil {
		b.Fatalf("New() error = %v", err)
	}
	defer client.Close()
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if _, err := client.CachedGet(ctx, "users", fmt.Sprint(i%1000)); err != nil {
				b.Error(err)
				return
			}
			i++
		}
	})
}
