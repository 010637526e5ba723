package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-crawler/internal/cache"
	"github.com/JakeFAU/market-crawler/internal/cache/cachetest"
	memorycache "github.com/JakeFAU/market-crawler/internal/cache/memory"
	"github.com/JakeFAU/market-crawler/internal/collector"
	"github.com/JakeFAU/market-crawler/internal/config"
	"github.com/JakeFAU/market-crawler/internal/crawler"
	"github.com/JakeFAU/market-crawler/internal/export"
	"github.com/JakeFAU/market-crawler/internal/fetcher/cached"
	"github.com/JakeFAU/market-crawler/internal/registry"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_FetchPage(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.fetcher.result = cached.Result{
		URL:  "https://shop.example/a",
		HTML: "<html>ok</html>",
		Attempts: []cached.Attempt{
			{Number: 1, Outcome: cached.OutcomeRetryable, Reason: "status_429", StatusCode: 429, Delay: 2 * time.Second},
			{Number: 2, Outcome: cached.OutcomeSuccess, StatusCode: 200},
		},
	}
	env.fetcher.ok = true

	rec := env.do(http.MethodPost, "/v1/fetch", `{"url":"https://shop.example/a"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp fetchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "<html>ok</html>", resp.HTML)
	require.Len(t, resp.Attempts, 2)
	assert.Equal(t, "status_429", resp.Attempts[0].Reason)
	assert.Equal(t, int64(2000), resp.Attempts[0].DelayMS)
	assert.True(t, env.fetcher.lastUseCache, "use_cache defaults to true")
}

func TestServer_FetchPage_Failure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.fetcher.result = cached.Result{
		Attempts: []cached.Attempt{{Number: 1, Outcome: cached.OutcomeTerminal, Reason: "network", Err: errors.New("dial refused")}},
	}

	rec := env.do(http.MethodPost, "/v1/fetch", `{"url":"https://shop.example/a","use_cache":false}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "dial refused")
	assert.False(t, env.fetcher.lastUseCache)
}

func TestServer_FetchPage_BadRequests(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	for _, body := range []string{"{invalid", `{"url":"  "}`, `{"url":"x","extra":1}`} {
		rec := env.do(http.MethodPost, "/v1/fetch", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestServer_Collect(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.collector.batch = &collector.Batch{
		RunID:   "run-1",
		Records: []crawler.Record{{"title": "Widget"}},
	}

	rec := env.do(http.MethodPost, "/v1/collect", `{"urls":["https://shop.example/a"],"sample_size":5,"export":"json"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp collectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Artifact)
	assert.Equal(t, "memory://samples/run-1.json", resp.Artifact.URI)
	assert.Equal(t, "run-1", resp.Batch.RunID)
	assert.Equal(t, 5, env.collector.lastSize)
	assert.Equal(t, export.FormatJSON, env.exporter.lastFormat)
}

func TestServer_Collect_Errors(t *testing.T) {
	t.Parallel()

	t.Run("no urls", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		env.collector.err = collector.ErrNoURLs
		rec := env.do(http.MethodPost, "/v1/collect", `{"urls":[],"sample_size":5}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown format", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		rec := env.do(http.MethodPost, "/v1/collect", `{"urls":["https://a"],"sample_size":5,"export":"xml"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Zero(t, env.collector.calls, "collection must not start on a bad request")
	})

	t.Run("partial on cancel skips export", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		env.collector.batch = &collector.Batch{RunID: "run-2"}
		env.collector.err = context.Canceled
		rec := env.do(http.MethodPost, "/v1/collect", `{"urls":["https://a"],"sample_size":5,"export":"csv"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"partial":true`)
		assert.Zero(t, env.exporter.calls)
	})

	t.Run("collector not configured", func(t *testing.T) {
		t.Parallel()
		server := NewServer(Deps{Logger: zap.NewNop()})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/collect", bytes.NewBufferString(`{"urls":["https://a"]}`))
		server.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestServer_EvictCache(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.cache.Put(ctx, "https://shop.example/old", "<html/>"))
	env.clock.Advance(3 * time.Hour)
	require.NoError(t, env.cache.Put(ctx, "https://shop.example/new", "<html/>"))

	rec := env.do(http.MethodPost, "/v1/cache/evict", `{"older_than_seconds":3600}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":1,"older_than_seconds":3600}`, rec.Body.String())
	assert.Equal(t, 1, env.cache.Len())

	rec = env.do(http.MethodPost, "/v1/cache/evict", `{"older_than_seconds":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_CrawlerLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/v1/crawlers", `{"name":"shop_a","code":"function scrape(k) { return {n: k.n * 2}; }","platform":"retail"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, "/v1/crawlers", `{"name":"shop_a","code":"function scrape() {}"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodGet, "/v1/crawlers?platform=retail&enabled_only=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = env.do(http.MethodGet, "/v1/crawlers/shop_a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":1`)

	rec = env.do(http.MethodGet, "/v1/crawlers/shop_a/code", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "function scrape")

	rec = env.do(http.MethodPost, "/v1/crawlers/shop_a/execute", `{"kwargs":{"n":21}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"n":42`)

	rec = env.do(http.MethodPatch, "/v1/crawlers/shop_a", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPost, "/v1/crawlers/shop_a/execute", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodDelete, "/v1/crawlers/shop_a", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/v1/crawlers/shop_a", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CrawlerFailures(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/v1/crawlers", `{"name":"bad name","code":"function scrape() {}"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/v1/crawlers", `{"name":"broken","code":"function scrape( {"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(registry.CodeSyntaxError))

	rec = env.do(http.MethodPost, "/v1/crawlers", `{"name":"noentry","code":"var x = 1;"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = env.do(http.MethodPost, "/v1/crawlers/noentry/execute", `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), string(registry.CodeMissingEntryPoint))

	rec = env.do(http.MethodDelete, "/v1/crawlers/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodGet, "/v1/crawlers?enabled_only=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := map[registry.ErrorCode]int{
		registry.CodeNotFound:        http.StatusNotFound,
		registry.CodeAlreadyExists:   http.StatusConflict,
		registry.CodeNotEnabled:      http.StatusConflict,
		registry.CodeInvalidName:     http.StatusBadRequest,
		registry.CodePathTraversal:   http.StatusBadRequest,
		registry.CodeExecutionFailed: http.StatusUnprocessableEntity,
		registry.CodeLoadFailed:      http.StatusUnprocessableEntity,
		registry.CodeStorage:         http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, statusFor(registry.Result{Code: code}), code)
	}
	assert.Equal(t, http.StatusOK, statusFor(registry.Result{Success: true}))
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	server := NewServer(Deps{Config: cfg, Logger: zap.NewNop()})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz?api_key=secret", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type testEnv struct {
	server    *Server
	fetcher   *fakeFetcher
	collector *fakeCollector
	exporter  *fakeExporter
	cache     *memorycache.Store
	clock     *cachetest.Clock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := testConfig(t)
	reg, err := registry.New(registry.Config{Root: cfg.Registry.Root, ExecTimeout: time.Second}, registry.Deps{})
	require.NoError(t, err)

	clock := cachetest.NewClock()
	env := &testEnv{
		fetcher:   &fakeFetcher{},
		collector: &fakeCollector{},
		exporter:  &fakeExporter{},
		cache:     memorycache.New(cache.Options{TTL: cfg.TTL(), Clock: clock}),
		clock:     clock,
	}
	env.server = NewServer(Deps{
		Config:    cfg,
		Fetcher:   env.fetcher,
		Collector: env.collector,
		Cache:     env.cache,
		Registry:  reg,
		Exporter:  env.exporter,
		Logger:    zap.NewNop(),
	})
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Server:   config.ServerConfig{Port: 8080, RequestTimeoutSeconds: 30},
		Cache:    config.CacheConfig{Backend: "memory", TTLHours: 24},
		Registry: config.RegistryConfig{Root: t.TempDir(), ExecTimeoutSeconds: 1},
		Logging:  config.LoggingConfig{Development: true},
	}
}

type fakeFetcher struct {
	mu           sync.Mutex
	result       cached.Result
	ok           bool
	lastUseCache bool
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string, useCache bool) (cached.Result, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUseCache = useCache
	return f.result, f.ok
}

type fakeCollector struct {
	mu       sync.Mutex
	batch    *collector.Batch
	err      error
	calls    int
	lastSize int
}

func (f *fakeCollector) Collect(_ context.Context, _ []string, sampleSize int, _ bool) (*collector.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastSize = sampleSize
	return f.batch, f.err
}

type fakeExporter struct {
	mu         sync.Mutex
	calls      int
	lastFormat export.Format
}

func (f *fakeExporter) Export(_ context.Context, batch *collector.Batch, format export.Format) (export.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastFormat = format
	return export.Artifact{
		URI:    fmt.Sprintf("memory://samples/%s.%s", batch.RunID, format),
		Format: format,
		Count:  len(batch.Records),
	}, nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
