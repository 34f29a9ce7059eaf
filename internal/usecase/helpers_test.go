package usecase

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/require"

	"cacheproxy/internal/domain"
	"cacheproxy/internal/interface/repository/cache"
	"cacheproxy/internal/interface/repository/metrics"
	"cacheproxy/internal/interface/repository/rules"
)

const testManifest = `
version: v1
origin: http://app.test
static_prefix: /static/
api_prefix: /api/
api_cacheable:
  - ^/api/products(/.*)?$
precache:
  - /static/app.js
  - /static/app.css
`

type nopLogger struct{}

func (nopLogger) Debug(string, map[string]interface{})        {}
func (nopLogger) Info(string, map[string]interface{})         {}
func (nopLogger) Warn(string, map[string]interface{})         {}
func (nopLogger) Error(string, error, map[string]interface{}) {}

// staticRules は固定のルールを返す
type staticRules struct {
	rules *domain.RouteRules
}

func (s staticRules) Rules() *domain.RouteRules { return s.rules }
func (s staticRules) Reload() error             { return nil }

func testConfig(t *testing.T) *rules.Config {
	t.Helper()
	cfg, err := rules.Parse([]byte(testManifest))
	require.NoError(t, err)
	return cfg
}

// fakeFetcher はURLごとに固定のボディを返す上流
type fakeFetcher struct {
	mu      sync.Mutex
	bodies  map[string]string
	status  map[string]int
	calls   map[string]int
	offline bool
	delay   time.Duration
	failFor map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		bodies:  make(map[string]string),
		status:  make(map[string]int),
		calls:   make(map[string]int),
		failFor: make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	raw := req.URL.String()

	f.mu.Lock()
	f.calls[raw]++
	offline := f.offline
	delay := f.delay
	failing := f.failFor[raw] > 0
	if failing {
		f.failFor[raw]--
	}
	body, known := f.bodies[raw]
	status, hasStatus := f.status[raw]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, domain.NewNetworkError(raw, ctx.Err())
		}
	}
	if offline || failing {
		return nil, domain.NewNetworkError(raw, stderrors.New("connection refused"))
	}

	if !hasStatus {
		status = http.StatusOK
		if !known {
			status = http.StatusNotFound
		}
	}
	return &domain.Response{
		RequestID:  req.ID,
		StatusCode: status,
		Headers:    map[string][]string{"Content-Type": {"text/plain"}},
		Body:       []byte(body),
		Cacheable:  true,
		CreatedAt:  time.Now(),
	}, nil
}

func (f *fakeFetcher) set(raw, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[raw] = body
}

func (f *fakeFetcher) setStatus(raw string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[raw] = status
}

func (f *fakeFetcher) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeFetcher) setDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// failNext は次のn回の取得を失敗させる
func (f *fakeFetcher) failNext(raw string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFor[raw] = n
}

func (f *fakeFetcher) callCount(raw string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[raw]
}

func newRegistry(t *testing.T) *cache.Registry {
	t.Helper()
	reg, err := cache.New(memfs.New())
	require.NoError(t, err)
	return reg
}

func newMetrics() *metrics.Repository {
	return metrics.New("")
}

func getRequest(t *testing.T, raw string) *domain.Request {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return &domain.Request{
		ID:        "req-" + u.Path,
		Method:    http.MethodGet,
		URL:       u,
		Headers:   map[string][]string{},
		CreatedAt: time.Now(),
	}
}

// seed はパーティションにエントリを直接書き込む
func seed(t *testing.T, part domain.CacheManager, raw, body string) {
	t.Helper()
	req := getRequest(t, raw)
	require.NoError(t, part.Set(context.Background(), &domain.CacheEntry{
		Key:      domain.NewCacheKey(http.MethodGet, req.URL),
		Status:   http.StatusOK,
		Headers:  map[string][]string{"Content-Type": {"text/plain"}},
		Body:     []byte(body),
		StoredAt: time.Now(),
	}))
}

// failingPartition は書き込みに失敗するパーティション
type failingPartition struct {
	domain.CacheManager
}

func (failingPartition) Set(context.Context, *domain.CacheEntry) error {
	return stderrors.New("disk full")
}
