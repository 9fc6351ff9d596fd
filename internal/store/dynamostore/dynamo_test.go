package dynamostore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/birrpay/quotacache/internal/store"
)

// fakeDynamo records calls and keeps items keyed by collection/id.
type fakeDynamo struct {
	mu          sync.Mutex
	items       map[string]map[string]types.AttributeValue
	batchSizes  []int
	updates     int
	unprocessed map[string]bool // doc ids to report as unprocessed
	batchErr    error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func keyOf(key map[string]types.AttributeValue) string {
	pk := key[PartitionKey].(*types.AttributeValueMemberS).Value
	sk := key[SortKey].(*types.AttributeValueMemberS).Value
	return pk + "/" + sk
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[keyOf(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[keyOf(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	k := keyOf(in.Key)
	item, ok := f.items[k]
	if !ok {
		item = make(map[string]types.AttributeValue)
		for kk, v := range in.Key {
			item[kk] = v
		}
		f.items[k] = item
	}
	// Apply "SET #0 = :0, #1 = :1" style expressions by pairing names and values.
	for placeholder, name := range in.ExpressionAttributeNames {
		valueKey := ":" + placeholder[1:]
		if v, ok := in.ExpressionAttributeValues[valueKey]; ok {
			item[name] = v
		}
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, keyOf(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := &dynamodb.BatchWriteItemOutput{UnprocessedItems: map[string][]types.WriteRequest{}}
	for table, reqs := range in.RequestItems {
		f.batchSizes = append(f.batchSizes, len(reqs))
		for _, r := range reqs {
			var key map[string]types.AttributeValue
			if r.PutRequest != nil {
				key = r.PutRequest.Item
			} else {
				key = r.DeleteRequest.Key
			}
			id := key[SortKey].(*types.AttributeValueMemberS).Value
			if f.unprocessed[id] {
				out.UnprocessedItems[table] = append(out.UnprocessedItems[table], r)
				continue
			}
			if r.PutRequest != nil {
				f.items[keyOf(key)] = r.PutRequest.Item
			} else {
				delete(f.items, keyOf(key))
			}
		}
	}
	return out, nil
}

func TestStore_SetGet(t *testing.T) {
	fake := newFakeDynamo()
	s := NewWithClient(fake, "birrpay")
	ctx := context.Background()

	if _, err := s.GetDocument(ctx, "users", "1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetDocument() error = %v, want ErrNotFound", err)
	}

	if err := s.SetDocument(ctx, "users", "1", store.Document{"name": "Sara", "balance": 150.0}, store.SetOptions{}); err != nil {
		t.Fatalf("SetDocument() error = %v", err)
	}

	doc, err := s.GetDocument(ctx, "users", "1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if doc["name"] != "Sara" || doc["balance"] != 150.0 {
		t.Errorf("GetDocument() = %v", doc)
	}
	if _, ok := doc[PartitionKey]; ok {
		t.Error("GetDocument() should strip key attributes")
	}
}

func TestStore_SetMergeUsesUpdateItem(t *testing.T) {
	fake := newFakeDynamo()
	s := NewWithClient(fake, "birrpay")
	ctx := context.Background()

	if err := s.SetDocument(ctx, "users", "1", store.Document{"name": "Sara"}, store.SetOptions{}); err != nil {
		t.Fatalf("SetDocument() error = %v", err)
	}
	if err := s.SetDocument(ctx, "users", "1", store.Document{"plan": "premium"}, store.SetOptions{Merge: true}); err != nil {
		t.Fatalf("SetDocument(merge) error = %v", err)
	}
	if fake.updates != 1 {
		t.Errorf("UpdateItem calls = %d, want 1", fake.updates)
	}

	var got map[string]any
	if err := attributevalue.UnmarshalMap(fake.items["users/1"], &got); err != nil {
		t.Fatalf("UnmarshalMap() error = %v", err)
	}
	if got["name"] != "Sara" || got["plan"] != "premium" {
		t.Errorf("stored item = %v, want merged", got)
	}
}

func TestStore_BulkWriteChunks(t *testing.T) {
	fake := newFakeDynamo()
	s := NewWithClient(fake, "birrpay")

	items := make([]store.WriteItem, 0, 60)
	for i := 0; i < 60; i++ {
		items = append(items, store.WriteItem{
			DocID:   string(rune('A'+i%26)) + string(rune('a'+i/26)),
			Payload: store.Document{"n": float64(i)},
			Type:    store.WriteSet,
		})
	}

	errs, err := s.BulkWrite(context.Background(), "users", store.WriteSet, items)
	if err != nil {
		t.Fatalf("BulkWrite() error = %v", err)
	}
	for i, e := range errs {
		if e != nil {
			t.Errorf("errs[%d] = %v", i, e)
		}
	}

	want := []int{25, 25, 10}
	if len(fake.batchSizes) != len(want) {
		t.Fatalf("batch calls = %v, want %v", fake.batchSizes, want)
	}
	for i := range want {
		if fake.batchSizes[i] != want[i] {
			t.Errorf("batch %d size = %d, want %d", i, fake.batchSizes[i], want[i])
		}
	}
}

func TestStore_BulkWriteSplitsDuplicateKeys(t *testing.T) {
	fake := newFakeDynamo()
	s := NewWithClient(fake, "birrpay")

	items := []store.WriteItem{
		{DocID: "a", Payload: store.Document{"v": 1.0}, Type: store.WriteSet},
		{DocID: "a", Payload: store.Document{"v": 2.0}, Type: store.WriteSet},
	}
	if _, err := s.BulkWrite(context.Background(), "users", store.WriteSet, items); err != nil {
		t.Fatalf("BulkWrite() error = %v", err)
	}
	if len(fake.batchSizes) != 2 {
		t.Errorf("batch calls = %v, want two single-item calls", fake.batchSizes)
	}

	doc, err := s.GetDocument(context.Background(), "users", "a")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if doc["v"] != 2.0 {
		t.Errorf("GetDocument() = %v, want last write to win", doc)
	}
}

func TestStore_BulkWriteUnprocessed(t *testing.T) {
	fake := newFakeDynamo()
	fake.unprocessed = map[string]bool{"b": true}
	s := NewWithClient(fake, "birrpay")

	items := []store.WriteItem{
		{DocID: "a", Payload: store.Document{"v": 1.0}, Type: store.WriteSet},
		{DocID: "b", Payload: store.Document{"v": 2.0}, Type: store.WriteSet},
		{DocID: "c", Type: store.WriteDelete},
	}
	errs, err := s.BulkWrite(context.Background(), "users", store.WriteSet, items)
	if err != nil {
		t.Fatalf("BulkWrite() error = %v", err)
	}
	if errs[0] != nil || errs[2] != nil {
		t.Errorf("errs = %v, want only b to fail", errs)
	}
	if !errors.Is(errs[1], ErrUnprocessed) {
		t.Errorf("errs[1] = %v, want ErrUnprocessed", errs[1])
	}
}

func TestStore_BulkWriteCallFailure(t *testing.T) {
	fake := newFakeDynamo()
	fake.batchErr = errors.New("ProvisionedThroughputExceeded")
	s := NewWithClient(fake, "birrpay")

	items := []store.WriteItem{
		{DocID: "a", Payload: store.Document{"v": 1.0}, Type: store.WriteSet},
		{DocID: "b", Payload: store.Document{"v": 2.0}, Type: store.WriteUpdate},
	}
	errs, err := s.BulkWrite(context.Background(), "users", store.WriteSet, items)
	if err != nil {
		t.Fatalf("BulkWrite() error = %v", err)
	}
	if errs[0] == nil {
		t.Error("errs[0] = nil, want batch failure")
	}
	if errs[1] != nil {
		t.Errorf("errs[1] = %v, want update to succeed via UpdateItem", errs[1])
	}
}
