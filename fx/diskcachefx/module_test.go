package diskcachefx

import (
	"context"
	"testing"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/birrpay/quotacache"
	"github.com/birrpay/quotacache/internal/store"
)

func TestModule_Persists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	var client *quotacache.Client
	app := fxtest.New(t,
		fx.Supply(zap.NewNop(), Config{DataDir: dir, Codec: "gzip"}),
		Module,
		fx.Populate(&client),
	)
	app.RequireStart()
	if err := client.QueueWrite(ctx, "users", "u1", store.Document{"lang": "am"}, store.WriteSet); err != nil {
		t.Fatalf("QueueWrite() error = %v", err)
	}
	app.RequireStop()

	// A fresh app over the same directory reads the flushed document.
	app = fxtest.New(t,
		fx.Supply(zap.NewNop(), Config{DataDir: dir, Codec: "gzip"}),
		Module,
		fx.Populate(&client),
	)
	app.RequireStart()
	defer app.RequireStop()

	doc, err := client.CachedGet(ctx, "users", "u1")
	if err != nil {
		t.Fatalf("CachedGet() error = %v", err)
	}
	if doc["lang"] != "am" {
		t.Errorf("CachedGet() = %v, want lang=am", doc)
	}
}

func TestModule_UnknownCodec(t *testing.T) {
	app := fx.New(
		fx.NopLogger,
		fx.Supply(zap.NewNop(), Config{DataDir: t.TempDir(), Codec: "lz4"}),
		Module,
		fx.Invoke(func(*quotacache.Client) {}),
	)
	if app.Err() == nil {
		t.Error("fx.New() error = nil, want unknown codec error")
	}
}
