// Package diskstore implements a disk-based document store.
package diskstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/birrpay/quotacache/internal/codec"
	"github.com/birrpay/quotacache/internal/store"
)

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// Store keeps one encoded JSON file per document under
// root/<collection>/<id>.json[.ext].
type Store struct {
	root  string
	codec codec.Codec

	// mu serializes read-modify-write cycles for merges and deletes.
	mu sync.Mutex
}

// New creates a new disk store rooted at the given directory.
// The directory must exist. The codec handles compression/decompression.
func New(root string, codec codec.Codec) (*Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	return &Store{
		root:  root,
		codec: codec,
	}, nil
}

// GetDocument reads and decodes a document.
func (s *Store) GetDocument(ctx context.Context, collection, id string) (store.Document, error) {
	// Check for cancellation before starting I/O.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return s.read(collection, id)
}

// SetDocument encodes and writes a document, merging into the existing one if requested.
func (s *Store) SetDocument(ctx context.Context, collection, id string, doc store.Document, opts store.SetOptions) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.Merge {
		existing, err := s.read(collection, id)
		switch {
		case err == nil:
			doc = existing.Merge(doc)
		case err != store.ErrNotFound:
			return err
		}
	}
	return s.write(collection, id, doc)
}

// DeleteDocument removes a document file. Missing documents are ignored.
func (s *Store) DeleteDocument(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.docPath(collection, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing document: %w", err)
	}
	return nil
}

// BulkWrite applies items one file at a time, in order.
func (s *Store) BulkWrite(ctx context.Context, collection string, op store.WriteType, items []store.WriteItem) ([]error, error) {
	if err := os.MkdirAll(s.collectionDir(collection), 0755); err != nil {
		return nil, fmt.Errorf("creating collection directory: %w", err)
	}

	errs := make([]error, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		errs[i] = store.ApplyItem(ctx, s, collection, item)
	}
	return errs, nil
}

// Close releases any resources held by the store.
func (s *Store) Close() error {
	return nil
}

func (s *Store) read(collection, id string) (store.Document, error) {
	compressed, err := os.ReadFile(s.docPath(collection, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("reading document: %w", err)
	}

	data, err := codec.Decode(s.codec, bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}

	var doc store.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return doc, nil
}

func (s *Store) write(collection, id string, doc store.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}

	encoded, err := codec.Encode(s.codec, data)
	if err != nil {
		return err
	}

	dir := s.collectionDir(collection)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating collection directory: %w", err)
	}

	// Write to a temp file and rename so readers never see a partial document.
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.docPath(collection, id)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("renaming document: %w", err)
	}
	return nil
}

func (s *Store) collectionDir(collection string) string {
	return filepath.Join(s.root, url.PathEscape(collection))
}

// docPath returns the filesystem path for a document.
func (s *Store) docPath(collection, id string) string {
	return filepath.Join(s.collectionDir(collection), s.docName(id))
}

// docName returns the filename for a document ID.
func (s *Store) docName(id string) string {
	name := url.PathEscape(id) + ".json"
	if ext := s.codec.Extension(); ext != "" {
		name += "." + ext
	}
	return name
}
