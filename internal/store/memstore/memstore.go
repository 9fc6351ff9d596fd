// Package memstore provides an in-memory document store for testing and simulation.
package memstore

import (
	"context"
	"sync"

	"github.com/birrpay/quotacache/internal/store"
)

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// Store is an in-memory document store.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]store.Document
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		collections: make(map[string]map[string]store.Document),
	}
}

// Put sets a document directly (for test setup).
// The document is copied to prevent caller mutations from affecting the store.
func (s *Store) Put(collection, id string, doc store.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(collection, id, doc.Clone())
}

// Len returns the number of documents in a collection.
func (s *Store) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

// GetDocument reads a document from memory.
func (s *Store) GetDocument(ctx context.Context, collection, id string) (store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return doc.Clone(), nil
}

// SetDocument writes a document to memory.
func (s *Store) SetDocument(ctx context.Context, collection, id string, doc store.Document, opts store.SetOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.Merge {
		if existing, ok := s.collections[collection][id]; ok {
			s.put(collection, id, existing.Merge(doc))
			return nil
		}
	}
	s.put(collection, id, doc.Clone())
	return nil
}

// DeleteDocument removes a document. Deleting an absent document is not an error.
func (s *Store) DeleteDocument(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections[collection], id)
	return nil
}

// BulkWrite applies all items in order.
func (s *Store) BulkWrite(ctx context.Context, collection string, op store.WriteType, items []store.WriteItem) ([]error, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	errs := make([]error, len(items))
	for i, item := range items {
		errs[i] = store.ApplyItem(ctx, s, collection, item)
	}
	return errs, nil
}

// Close is a no-op for the memory store.
func (s *Store) Close() error {
	return nil
}

func (s *Store) put(collection, id string, doc store.Document) {
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]store.Document)
		s.collections[collection] = docs
	}
	if doc == nil {
		doc = store.Document{}
	}
	docs[id] = doc
}
