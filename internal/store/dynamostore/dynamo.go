// Package dynamostore implements a DynamoDB document store.
//
// All collections share one table. Each document is one item whose partition
// key is the collection name and whose sort key is the document id; the
// document fields are stored as top-level attributes.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/birrpay/quotacache/internal/store"
)

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

const (
	// PartitionKey is the attribute holding the collection name.
	PartitionKey = "_collection"
	// SortKey is the attribute holding the document id.
	SortKey = "_id"

	// MaxBatchItems is the DynamoDB BatchWriteItem limit.
	MaxBatchItems = 25
)

// ErrUnprocessed marks items DynamoDB returned as unprocessed.
var ErrUnprocessed = errors.New("dynamostore: item unprocessed")

// API is the subset of the DynamoDB client used by the store.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Compile-time check that the SDK client satisfies API.
var _ API = (*dynamodb.Client)(nil)

// Store is a DynamoDB-backed document store.
type Store struct {
	client         API
	table          string
	consistentRead bool
}

// Option configures a Store.
type Option func(*Store)

// WithConsistentRead enables strongly consistent reads.
func WithConsistentRead() Option {
	return func(s *Store) { s.consistentRead = true }
}

// New creates a store using the default AWS configuration chain.
func New(ctx context.Context, table string, opts ...Option) (*Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewWithClient(dynamodb.NewFromConfig(cfg), table, opts...), nil
}

// NewWithClient creates a store around an existing client.
func NewWithClient(client API, table string, opts ...Option) *Store {
	s := &Store{client: client, table: table}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetDocument reads a single item.
func (s *Store) GetDocument(ctx context.Context, collection, id string) (store.Document, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(collection, id),
		ConsistentRead: aws.Bool(s.consistentRead),
	})
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, store.ErrNotFound
	}

	var fields map[string]any
	if err := attributevalue.UnmarshalMap(out.Item, &fields); err != nil {
		return nil, fmt.Errorf("unmarshaling item: %w", err)
	}
	delete(fields, PartitionKey)
	delete(fields, SortKey)
	return store.Document(fields), nil
}

// SetDocument puts the item, or updates the given attributes when merging.
func (s *Store) SetDocument(ctx context.Context, collection, id string, doc store.Document, opts store.SetOptions) error {
	if opts.Merge {
		return s.update(ctx, collection, id, doc)
	}

	item, err := marshalItem(collection, id, doc)
	if err != nil {
		return err
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("putting item: %w", err)
	}
	return nil
}

// DeleteDocument removes an item. Missing items are not an error.
func (s *Store) DeleteDocument(ctx context.Context, collection, id string) error {
	if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(collection, id),
	}); err != nil {
		return fmt.Errorf("deleting item: %w", err)
	}
	return nil
}

// BulkWrite sends set and delete items through BatchWriteItem in chunks of
// MaxBatchItems. Update items have no batch equivalent and are applied with
// UpdateItem in their queue position. Unprocessed items are reported with
// ErrUnprocessed so the caller can retry them.
func (s *Store) BulkWrite(ctx context.Context, collection string, op store.WriteType, items []store.WriteItem) ([]error, error) {
	errs := make([]error, len(items))

	var (
		chunk    []int
		chunkIDs = make(map[string]bool)
	)
	flush := func() {
		if len(chunk) == 0 {
			return
		}
		s.writeChunk(ctx, collection, items, chunk, errs)
		chunk = chunk[:0]
		clear(chunkIDs)
	}

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch item.Type {
		case store.WriteSet, store.WriteDelete:
			// BatchWriteItem rejects duplicate keys within one request.
			if chunkIDs[item.DocID] || len(chunk) == MaxBatchItems {
				flush()
			}
			chunk = append(chunk, i)
			chunkIDs[item.DocID] = true
		case store.WriteUpdate:
			flush()
			errs[i] = s.update(ctx, collection, item.DocID, item.Payload)
		default:
			errs[i] = fmt.Errorf("%w: %q", store.ErrUnknownWriteType, item.Type)
		}
	}
	flush()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return errs, nil
}

// Close releases resources.
func (s *Store) Close() error {
	return nil
}

// writeChunk issues one BatchWriteItem for the items at the given indices.
func (s *Store) writeChunk(ctx context.Context, collection string, items []store.WriteItem, idx []int, errs []error) {
	requests := make([]types.WriteRequest, 0, len(idx))
	sent := make([]int, 0, len(idx))
	for _, i := range idx {
		item := items[i]
		if item.Type == store.WriteDelete {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: itemKey(collection, item.DocID)},
			})
			sent = append(sent, i)
			continue
		}
		av, err := marshalItem(collection, item.DocID, item.Payload)
		if err != nil {
			errs[i] = err
			continue
		}
		requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: av}})
		sent = append(sent, i)
	}
	if len(requests) == 0 {
		return
	}

	out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{s.table: requests},
	})
	if err != nil {
		for _, i := range sent {
			errs[i] = fmt.Errorf("batch write: %w", err)
		}
		return
	}

	unprocessed := unprocessedIDs(out.UnprocessedItems[s.table])
	for _, i := range sent {
		if unprocessed[items[i].DocID] {
			errs[i] = ErrUnprocessed
		}
	}
}

// update applies doc's fields on top of the stored item, creating it if absent.
func (s *Store) update(ctx context.Context, collection, id string, doc store.Document) error {
	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(collection, id),
	}

	if len(doc) > 0 {
		fields := make([]string, 0, len(doc))
		for k := range doc {
			fields = append(fields, k)
		}
		sort.Strings(fields)

		upd := expression.Set(expression.Name(fields[0]), expression.Value(doc[fields[0]]))
		for _, f := range fields[1:] {
			upd = upd.Set(expression.Name(f), expression.Value(doc[f]))
		}
		expr, err := expression.NewBuilder().WithUpdate(upd).Build()
		if err != nil {
			return fmt.Errorf("building update expression: %w", err)
		}
		input.UpdateExpression = expr.Update()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		return fmt.Errorf("updating item: %w", err)
	}
	return nil
}

func itemKey(collection, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		PartitionKey: &types.AttributeValueMemberS{Value: collection},
		SortKey:      &types.AttributeValueMemberS{Value: id},
	}
}

func marshalItem(collection, id string, doc store.Document) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(map[string]any(doc))
	if err != nil {
		return nil, fmt.Errorf("marshaling document: %w", err)
	}
	if item == nil {
		item = make(map[string]types.AttributeValue, 2)
	}
	for k, v := range itemKey(collection, id) {
		item[k] = v
	}
	return item, nil
}

func unprocessedIDs(requests []types.WriteRequest) map[string]bool {
	ids := make(map[string]bool, len(requests))
	for _, r := range requests {
		var key map[string]types.AttributeValue
		switch {
		case r.PutRequest != nil:
			key = r.PutRequest.Item
		case r.DeleteRequest != nil:
			key = r.DeleteRequest.Key
		}
		if sk, ok := key[SortKey].(*types.AttributeValueMemberS); ok {
			ids[sk.Value] = true
		}
	}
	return ids
}
