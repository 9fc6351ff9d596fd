package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/birrpay/quotacache"
	promstats "github.com/birrpay/quotacache/internal/stats/prometheus"
	"github.com/birrpay/quotacache/internal/store"
	"github.com/birrpay/quotacache/internal/store/memstore"
)

func newTestServer(t *testing.T) (*httptest.Server, *memstore.Store) {
	t.Helper()
	mem := memstore.New()
	registry := prometheus.NewRegistry()
	client, err := quotacache.New(
		quotacache.WithStore(mem),
		quotacache.WithClock(clock.NewMock()),
		quotacache.WithStats(promstats.New(registry)),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })

	srv := httptest.NewServer(newRouter(client, registry, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv, mem
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRouter_Documents(t *testing.T) {
	srv, mem := newTestServer(t)
	mem.Put("users", "1", store.Document{"lang": "am"})
	url := srv.URL + "/v1/documents/users/1"

	resp := do(t, http.MethodGet, url, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", resp.StatusCode)
	}
	var doc store.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if doc["lang"] != "am" {
		t.Errorf("GET body = %v, want lang=am", doc)
	}

	if resp := do(t, http.MethodPatch, url, `{"plan":"premium"}`); resp.StatusCode != http.StatusAccepted {
		t.Errorf("PATCH status = %d, want 202", resp.StatusCode)
	}
	if resp := do(t, http.MethodPut, url, `not json`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("PUT bad body status = %d, want 400", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, srv.URL+"/v1/flush", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("POST flush status = %d, want 200", resp.StatusCode)
	}

	stored, err := mem.GetDocument(context.Background(), "users", "1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if stored["lang"] != "am" || stored["plan"] != "premium" {
		t.Errorf("stored = %v, want merged document", stored)
	}

	if resp := do(t, http.MethodGet, srv.URL+"/v1/documents/users/404", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET missing status = %d, want 404", resp.StatusCode)
	}
}

func TestRouter_QuotaAndHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/quota", "")
	var q struct {
		Mode  string
		Reads struct{ Limit int64 }
	}
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		t.Fatalf("decoding quota: %v", err)
	}
	if q.Mode != "NORMAL" || q.Reads.Limit != 50000 {
		t.Errorf("/quota = %+v, want NORMAL with 50000 reads", q)
	}

	resp = do(t, http.MethodGet, srv.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", resp.StatusCode)
	}
	var h struct{ State string }
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if h.State != "healthy" {
		t.Errorf("/healthz state = %q, want healthy", h.State)
	}
}

func TestRouter_Metrics(t *testing.T) {
	srv, mem := newTestServer(t)
	mem.Put("users", "1", store.Document{"lang": "am"})
	do(t, http.MethodGet, srv.URL+"/v1/documents/users/1", "")

	resp := do(t, http.MethodGet, srv.URL+"/metrics", "")
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading metrics: %v", err)
	}
	if !strings.Contains(string(body), "quotacache_store_reads_total 1") {
		t.Errorf("/metrics missing store read counter:\n%s", body)
	}
}

func TestParseWrite(t *testing.T) {
	tests := []struct {
		name    string
		rest    []string
		merge   bool
		del     bool
		want    store.WriteType
		wantErr bool
	}{
		{name: "set", rest: []string{`{"a":1}`}, want: store.WriteSet},
		{name: "merge", rest: []string{`{"a":1}`}, merge: true, want: store.WriteUpdate},
		{name: "delete", del: true, want: store.WriteDelete},
		{name: "delete with body", rest: []string{`{}`}, del: true, wantErr: true},
		{name: "missing body", wantErr: true},
		{name: "bad json", rest: []string{`{`}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, _, err := parseWrite(tt.rest, tt.merge, tt.del)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseWrite() error = %v, wantErr %v", err, tt.wantErr)
			}
			if op != tt.want {
				t.Errorf("parseWrite() op = %q, want %q", op, tt.want)
			}
		})
	}
}

func TestSimulate(t *testing.T) {
	mem := memstore.New()
	seedUsers(mem, 20)
	client, err := quotacache.New(quotacache.WithStore(mem), quotacache.WithFlushInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	res, err := simulate(context.Background(), client, simParams{
		Users:      20,
		RPS:        500,
		Workers:    4,
		Duration:   100 * time.Millisecond,
		WriteRatio: 0.5,
		Seed:       7,
	})
	if err != nil {
		t.Fatalf("simulate() error = %v", err)
	}
	if res.Requests == 0 || res.Reads+res.Writes != res.Requests {
		t.Errorf("simulate() = %+v, want reads+writes = requests > 0", res)
	}
	if res.Errors != 0 {
		t.Errorf("simulate() errors = %d, want 0", res.Errors)
	}
	if q := client.QuotaStatus(); q.Reads.Used > res.Reads {
		t.Errorf("store reads %d exceed handler reads %d", q.Reads.Used, res.Reads)
	}
}
