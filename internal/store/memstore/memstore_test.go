package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/birrpay/quotacache/internal/store"
)

func TestStore_GetNotFound(t *testing.T) {
	s := New()
	_, err := s.GetDocument(context.Background(), "users", "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetDocument() error = %v, want ErrNotFound", err)
	}
}

func TestStore_SetMerge(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.SetDocument(ctx, "users", "u1", store.Document{"name": "Abebe", "lang": "am"}, store.SetOptions{}); err != nil {
		t.Fatalf("SetDocument() error = %v", err)
	}
	if err := s.SetDocument(ctx, "users", "u1", store.Document{"lang": "en"}, store.SetOptions{Merge: true}); err != nil {
		t.Fatalf("SetDocument(merge) error = %v", err)
	}

	doc, err := s.GetDocument(ctx, "users", "u1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if doc["name"] != "Abebe" || doc["lang"] != "en" {
		t.Errorf("GetDocument() = %v, want merged document", doc)
	}
}

func TestStore_CopiesOnRead(t *testing.T) {
	s := New()
	s.Put("users", "u1", store.Document{"name": "Abebe"})

	doc, _ := s.GetDocument(context.Background(), "users", "u1")
	doc["name"] = "mutated"

	again, _ := s.GetDocument(context.Background(), "users", "u1")
	if again["name"] != "Abebe" {
		t.Errorf("stored document mutated through returned copy: %v", again)
	}
}

func TestStore_BulkWrite(t *testing.T) {
	s := New()
	s.Put("subs", "gone", store.Document{"plan": "netflix"})
	ctx := context.Background()

	items := []store.WriteItem{
		{DocID: "a", Payload: store.Document{"plan": "spotify"}, Type: store.WriteSet},
		{DocID: "gone", Type: store.WriteDelete},
		{DocID: "b", Type: store.WriteType("bogus")},
	}
	errs, err := s.BulkWrite(ctx, "subs", store.WriteSet, items)
	if err != nil {
		t.Fatalf("BulkWrite() error = %v", err)
	}
	if len(errs) != len(items) {
		t.Fatalf("BulkWrite() returned %d results, want %d", len(errs), len(items))
	}
	if errs[0] != nil || errs[1] != nil {
		t.Errorf("BulkWrite() errs = %v, want first two nil", errs)
	}
	if !errors.Is(errs[2], store.ErrUnknownWriteType) {
		t.Errorf("BulkWrite() errs[2] = %v, want ErrUnknownWriteType", errs[2])
	}
	if got := s.Len("subs"); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}
