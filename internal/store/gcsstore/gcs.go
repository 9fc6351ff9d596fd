// Package gcsstore implements a Google Cloud Storage document store.
package gcsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"

	"github.com/birrpay/quotacache/internal/codec"
	"github.com/birrpay/quotacache/internal/store"
)

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// DefaultConcurrency is the number of objects written in parallel by BulkWrite.
const DefaultConcurrency = 8

// Store is a Google Cloud Storage backend storing one object per document.
type Store struct {
	client      *storage.Client
	bucket      *storage.BucketHandle
	prefix      string
	codec       codec.Codec
	concurrency int
}

// New creates a new GCS store.
// The bucket must already exist.
// The codec handles compression/decompression.
func New(ctx context.Context, bucketName string, c codec.Codec, opts ...Option) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	s := &Store{
		client:      client,
		bucket:      client.Bucket(bucketName),
		codec:       c,
		concurrency: DefaultConcurrency,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets a key prefix for all operations.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = strings.TrimSuffix(prefix, "/")
		if s.prefix != "" {
			s.prefix += "/"
		}
	}
}

// WithConcurrency sets how many objects BulkWrite writes in parallel.
func WithConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// GetDocument reads and decodes a document object.
func (s *Store) GetDocument(ctx context.Context, collection, id string) (store.Document, error) {
	// Check for cancellation before starting.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	reader, err := s.bucket.Object(s.docKey(collection, id)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("creating reader: %w", err)
	}
	defer reader.Close()

	data, err := codec.Decode(s.codec, reader)
	if err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}

	var doc store.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return doc, nil
}

// SetDocument writes a document object. Merges read the current object first;
// concurrent merges of the same document from different processes may race.
func (s *Store) SetDocument(ctx context.Context, collection, id string, doc store.Document, opts store.SetOptions) error {
	if opts.Merge {
		existing, err := s.GetDocument(ctx, collection, id)
		switch {
		case err == nil:
			doc = existing.Merge(doc)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	encoded, err := codec.Encode(s.codec, data)
	if err != nil {
		return err
	}

	w := s.bucket.Object(s.docKey(collection, id)).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(encoded); err != nil {
		w.Close()
		return fmt.Errorf("writing object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing object writer: %w", err)
	}
	return nil
}

// DeleteDocument removes a document object. Missing objects are ignored.
func (s *Store) DeleteDocument(ctx context.Context, collection, id string) error {
	err := s.bucket.Object(s.docKey(collection, id)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("deleting object: %w", err)
	}
	return nil
}

// BulkWrite writes each item as its own object, up to the configured concurrency.
func (s *Store) BulkWrite(ctx context.Context, collection string, op store.WriteType, items []store.WriteItem) ([]error, error) {
	errs := make([]error, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, item := range items {
		g.Go(func() error {
			errs[i] = store.ApplyItem(gctx, s, collection, item)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return errs, nil
}

// Close releases resources.
func (s *Store) Close() error {
	return s.client.Close()
}

// docKey returns the full object key for a document.
func (s *Store) docKey(collection, id string) string {
	return s.prefix + url.PathEscape(collection) + "/" + s.docName(id)
}

// docName returns the object name for a document ID.
func (s *Store) docName(id string) string {
	name := url.PathEscape(id) + ".json"
	if ext := s.codec.Extension(); ext != "" {
		name += "." + ext
	}
	return name
}
