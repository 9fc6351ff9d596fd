package config

import (
	"context"
	"fmt"

	"github.com/birrpay/quotacache/internal/codec"
	"github.com/birrpay/quotacache/internal/codec/gzipcodec"
	"github.com/birrpay/quotacache/internal/codec/noopcodec"
	"github.com/birrpay/quotacache/internal/codec/zstdcodec"
	"github.com/birrpay/quotacache/internal/store"
	"github.com/birrpay/quotacache/internal/store/diskstore"
	"github.com/birrpay/quotacache/internal/store/dynamostore"
	"github.com/birrpay/quotacache/internal/store/gcsstore"
	"github.com/birrpay/quotacache/internal/store/memstore"
	"github.com/birrpay/quotacache/internal/store/s3store"
)

// CodecByName returns the codec named "zstd", "gzip" or "none".
// An empty name selects zstd.
func CodecByName(name string) (codec.Codec, error) {
	switch name {
	case "", "zstd":
		return zstdcodec.New(), nil
	case "gzip":
		return gzipcodec.New(), nil
	case "none":
		return noopcodec.New(), nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// OpenStore opens the configured backend.
func OpenStore(ctx context.Context, sc StoreConfig) (store.Store, error) {
	c, err := CodecByName(sc.Codec)
	if err != nil {
		return nil, err
	}

	switch sc.Type {
	case StoreMemory, "":
		return memstore.New(), nil
	case StoreDisk:
		s, err := diskstore.New(sc.Dir, c)
		if err != nil {
			return nil, err
		}
		return s, nil
	case StoreGCS:
		var opts []gcsstore.Option
		if sc.Prefix != "" {
			opts = append(opts, gcsstore.WithPrefix(sc.Prefix))
		}
		s, err := gcsstore.New(ctx, sc.Bucket, c, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case StoreS3:
		var opts []s3store.Option
		if sc.Prefix != "" {
			opts = append(opts, s3store.WithPrefix(sc.Prefix))
		}
		if sc.Region != "" {
			opts = append(opts, s3store.WithRegion(sc.Region))
		}
		if sc.Endpoint != "" {
			opts = append(opts, s3store.WithEndpoint(sc.Endpoint))
		}
		s, err := s3store.New(ctx, sc.Bucket, c, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case StoreDynamoDB:
		var opts []dynamostore.Option
		if sc.ConsistentRead {
			opts = append(opts, dynamostore.WithConsistentRead())
		}
		s, err := dynamostore.New(ctx, sc.Table, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store type %q", sc.Type)
	}
}
