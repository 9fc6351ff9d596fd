package breakerstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/birrpay/quotacache/internal/store"
	"github.com/birrpay/quotacache/internal/store/memstore"
)

// flakyStore fails every call while down is set.
type flakyStore struct {
	*memstore.Store
	down bool
}

var errUnavailable = errors.New("backend unavailable")

func (f *flakyStore) GetDocument(ctx context.Context, collection, id string) (store.Document, error) {
	if f.down {
		return nil, errUnavailable
	}
	return f.Store.GetDocument(ctx, collection, id)
}

func testConfig() Config {
	return Config{
		Name:             "test",
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: 0.5,
		MinRequests:      3,
	}
}

func TestStore_TripsOnFailures(t *testing.T) {
	under := &flakyStore{Store: memstore.New(), down: true}
	s := New(under, testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.GetDocument(ctx, "users", "1"); !errors.Is(err, errUnavailable) {
			t.Fatalf("GetDocument() error = %v, want errUnavailable", err)
		}
	}

	if got := s.State(); got != "open" {
		t.Errorf("State() = %q, want open", got)
	}
	if _, err := s.GetDocument(ctx, "users", "1"); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("GetDocument() error = %v, want ErrOpenState", err)
	}
}

func TestStore_NotFoundIsNotFailure(t *testing.T) {
	s := New(memstore.New(), testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.GetDocument(ctx, "users", "missing"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("GetDocument() error = %v, want ErrNotFound", err)
		}
	}
	if got := s.State(); got != "closed" {
		t.Errorf("State() = %q, want closed", got)
	}
}

func TestStore_PassThrough(t *testing.T) {
	mem := memstore.New()
	s := New(mem, DefaultConfig("docs"), nil)
	ctx := context.Background()

	if err := s.SetDocument(ctx, "users", "1", store.Document{"name": "Sara"}, store.SetOptions{}); err != nil {
		t.Fatalf("SetDocument() error = %v", err)
	}
	errs, err := s.BulkWrite(ctx, "users", store.WriteDelete, []store.WriteItem{{DocID: "1", Type: store.WriteDelete}})
	if err != nil {
		t.Fatalf("BulkWrite() error = %v", err)
	}
	if len(errs) != 1 || errs[0] != nil {
		t.Errorf("BulkWrite() errs = %v, want [nil]", errs)
	}
	if mem.Len("users") != 0 {
		t.Error("document should be deleted")
	}
}
