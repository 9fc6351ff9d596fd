// Package store defines the document store interface the cache layer is built on.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a document does not exist in the store.
var ErrNotFound = errors.New("store: document not found")

// ErrUnknownWriteType is returned for write items with an unsupported type.
var ErrUnknownWriteType = errors.New("store: unknown write type")

// Document is a JSON-compatible structured document.
type Document map[string]any

// Clone returns a shallow copy of the document.
// Nested maps and slices are shared with the original.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge returns a copy of d with the fields of patch applied on top.
func (d Document) Merge(patch Document) Document {
	out := d.Clone()
	if out == nil {
		out = make(Document, len(patch))
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// WriteType is the kind of write applied to a document.
type WriteType string

// Supported write types.
const (
	// WriteSet replaces the whole document.
	WriteSet WriteType = "set"
	// WriteUpdate merges the payload into the existing document,
	// creating it when absent.
	WriteUpdate WriteType = "update"
	// WriteDelete removes the document. The payload is ignored.
	WriteDelete WriteType = "delete"
)

// Valid reports whether t is a supported write type.
func (t WriteType) Valid() bool {
	switch t {
	case WriteSet, WriteUpdate, WriteDelete:
		return true
	}
	return false
}

// WriteItem is a single pending document write.
type WriteItem struct {
	DocID   string
	Payload Document
	Type    WriteType
}

// SetOptions controls SetDocument.
type SetOptions struct {
	// Merge applies the document on top of the existing one instead of replacing it.
	Merge bool
}

// Store defines the interface for document storage backends.
// Implementations handle key formats and storage details internally.
type Store interface {
	// GetDocument reads a document. Returns ErrNotFound if absent.
	GetDocument(ctx context.Context, collection, id string) (Document, error)

	// SetDocument writes a document, optionally merging into the existing one.
	SetDocument(ctx context.Context, collection, id string, doc Document, opts SetOptions) error

	// BulkWrite applies items of a single write type to one collection.
	// The returned slice has one entry per item, nil on success. A non-nil
	// error means the call as a whole failed and no item is known to be committed.
	BulkWrite(ctx context.Context, collection string, op WriteType, items []WriteItem) ([]error, error)

	// Close releases any resources held by the store.
	Close() error
}

// ItemWriter is implemented by backends that can write and delete single documents.
type ItemWriter interface {
	SetDocument(ctx context.Context, collection, id string, doc Document, opts SetOptions) error
	DeleteDocument(ctx context.Context, collection, id string) error
}

// ApplyItem applies a single write item to w.
// Backends without a native bulk API use it to implement BulkWrite.
func ApplyItem(ctx context.Context, w ItemWriter, collection string, item WriteItem) error {
	switch item.Type {
	case WriteSet:
		return w.SetDocument(ctx, collection, item.DocID, item.Payload, SetOptions{})
	case WriteUpdate:
		return w.SetDocument(ctx, collection, item.DocID, item.Payload, SetOptions{Merge: true})
	case WriteDelete:
		return w.DeleteDocument(ctx, collection, item.DocID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownWriteType, item.Type)
	}
}

// Key returns the composite cache key for a document.
func Key(collection, id string) string {
	return collection + "/" + id
}
