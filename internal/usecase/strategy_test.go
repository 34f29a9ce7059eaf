package usecase

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cacheproxy/internal/domain"
	"cacheproxy/internal/interface/repository/cache"
)

// recordingScheduler はスケジュールされたジョブを記録するだけ
type recordingScheduler struct {
	mu   sync.Mutex
	jobs []RevalidationJob
}

func (s *recordingScheduler) Schedule(job RevalidationJob) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return true
}

func (s *recordingScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func TestStrategy_CacheFirstFetchesOnce(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	fetcher.set("http://app.test/static/app.js", "console.log(1)")
	engine := NewStrategyEngine(fetcher, nil, newMetrics(), nopLogger{})

	part, err := newRegistry(t).Open(ctx, "static-v1")
	require.NoError(t, err)

	resp, outcome, err := engine.Execute(ctx, domain.StrategyCacheFirst, part, "static-v1", getRequest(t, "http://app.test/static/app.js"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNetwork, outcome)
	assert.Equal(t, "console.log(1)", string(resp.Body))

	// 書き込みはレスポンスを返す前に終わっている
	n, err := part.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fetcher.set("http://app.test/static/app.js", "console.log(2)")
	resp, outcome, err = engine.Execute(ctx, domain.StrategyCacheFirst, part, "static-v1", getRequest(t, "http://app.test/static/app.js"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCache, outcome)
	assert.True(t, resp.IsFromCache)
	assert.Equal(t, "console.log(1)", string(resp.Body))
	assert.Equal(t, 1, fetcher.callCount("http://app.test/static/app.js"))
}

func TestStrategy_CacheFirstCollapsesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	fetcher.set("http://app.test/static/big.js", "payload")
	fetcher.setDelay(100 * time.Millisecond)
	engine := NewStrategyEngine(fetcher, nil, newMetrics(), nopLogger{})

	part, err := newRegistry(t).Open(ctx, "static-v1")
	require.NoError(t, err)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			resp, _, err := engine.Execute(ctx, domain.StrategyCacheFirst, part, "static-v1", getRequest(t, "http://app.test/static/big.js"))
			assert.NoError(t, err)
			assert.Equal(t, "payload", string(resp.Body))
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, fetcher.callCount("http://app.test/static/big.js"))
}

func TestStrategy_CacheFirstOfflineMiss(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	fetcher.setOffline(true)
	engine := NewStrategyEngine(fetcher, nil, newMetrics(), nopLogger{})

	part, err := newRegistry(t).Open(ctx, "static-v1")
	require.NoError(t, err)

	_, _, err = engine.Execute(ctx, domain.StrategyCacheFirst, part, "static-v1", getRequest(t, "http://app.test/static/missing.js"))
	require.Error(t, err)
	assert.True(t, domain.IsNetworkError(err))
}

func TestStrategy_NonOKIsReturnedButNotStored(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	fetcher.set("http://app.test/static/gone.js", "gone")
	fetcher.setStatus("http://app.test/static/gone.js", http.StatusGone)
	engine := NewStrategyEngine(fetcher, nil, newMetrics(), nopLogger{})

	part, err := newRegistry(t).Open(ctx, "static-v1")
	require.NoError(t, err)

	resp, outcome, err := engine.Execute(ctx, domain.StrategyCacheFirst, part, "static-v1", getRequest(t, "http://app.test/static/gone.js"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNetwork, outcome)
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	n, err := part.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStrategy_RevalidateHitDoesNotWaitForNetwork(t *testing.T) {
	ctx := context.Background()
	const raw = "http://app.test/api/products"

	fetcher := newFakeFetcher()
	fetcher.set(raw, "fresh")
	fetcher.setDelay(500 * time.Millisecond)

	m := newMetrics()
	reval := NewRevalidator(fetcher, m, nopLogger{}, RevalidatorConfig{Workers: 1, QueueSize: 4, Timeout: 2 * time.Second})
	t.Cleanup(func() { _ = reval.Close() })
	engine := NewStrategyEngine(fetcher, reval, m, nopLogger{})

	part, err := newRegistry(t).Open(ctx, "api-v1")
	require.NoError(t, err)
	seed(t, part, raw, "cached")

	started := time.Now()
	resp, outcome, err := engine.Execute(ctx, domain.StrategyNetworkFirstRevalidate, part, "api-v1", getRequest(t, raw))
	elapsed := time.Since(started)

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCache, outcome)
	assert.Equal(t, "cached", string(resp.Body))
	assert.Less(t, elapsed, 250*time.Millisecond)

	// 裏で更新される
	key := domain.NewCacheKey(http.MethodGet, getRequest(t, raw).URL)
	assert.Eventually(t, func() bool {
		e, ok, err := part.Get(ctx, key)
		return err == nil && ok && string(e.Body) == "fresh"
	}, 3*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		return m.GetSnapshot().Revalidations == 1
	}, time.Second, 10*time.Millisecond)
}

func TestStrategy_RevalidateMissOfflineIsSynthetic(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	fetcher.setOffline(true)
	engine := NewStrategyEngine(fetcher, &recordingScheduler{}, newMetrics(), nopLogger{})

	part, err := newRegistry(t).Open(ctx, "api-v1")
	require.NoError(t, err)

	resp, outcome, err := engine.Execute(ctx, domain.StrategyNetworkFirstRevalidate, part, "api-v1", getRequest(t, "http://app.test/api/products"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSyntheticError, outcome)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, []string{"application/json"}, resp.Headers["Content-Type"])
	assert.JSONEq(t, `{"error":"network unavailable","cached":false}`, string(resp.Body))
}

func TestStrategy_RevalidateHitOffline(t *testing.T) {
	ctx := context.Background()
	const raw = "http://app.test/api/products/7"
	fetcher := newFakeFetcher()
	fetcher.setOffline(true)
	sched := &recordingScheduler{}
	engine := NewStrategyEngine(fetcher, sched, newMetrics(), nopLogger{})

	part, err := newRegistry(t).Open(ctx, "api-v1")
	require.NoError(t, err)
	seed(t, part, raw, "prior")

	resp, outcome, err := engine.Execute(ctx, domain.StrategyNetworkFirstRevalidate, part, "api-v1", getRequest(t, raw))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCache, outcome)
	assert.Equal(t, "prior", string(resp.Body))
	assert.Equal(t, 1, sched.count())
	assert.Zero(t, fetcher.callCount(raw))
}

func TestStrategy_RevalidateMissOnlineStores(t *testing.T) {
	ctx := context.Background()
	const raw = "http://app.test/api/products"
	fetcher := newFakeFetcher()
	fetcher.set(raw, "[]")
	sched := &recordingScheduler{}
	engine := NewStrategyEngine(fetcher, sched, newMetrics(), nopLogger{})

	part, err := newRegistry(t).Open(ctx, "api-v1")
	require.NoError(t, err)

	_, outcome, err := engine.Execute(ctx, domain.StrategyNetworkFirstRevalidate, part, "api-v1", getRequest(t, raw))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNetwork, outcome)
	assert.Zero(t, sched.count())

	n, err := part.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStrategy_NetworkFirstFallback(t *testing.T) {
	ctx := context.Background()
	const raw = "http://app.test/about"
	fetcher := newFakeFetcher()
	fetcher.set(raw, "v1")
	engine := NewStrategyEngine(fetcher, nil, newMetrics(), nopLogger{})

	part, err := newRegistry(t).Open(ctx, "dynamic-v1")
	require.NoError(t, err)

	resp, outcome, err := engine.Execute(ctx, domain.StrategyNetworkFirstFallback, part, "dynamic-v1", getRequest(t, raw))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNetwork, outcome)
	assert.Equal(t, "v1", string(resp.Body))

	fetcher.set(raw, "v2")
	resp, outcome, err = engine.Execute(ctx, domain.StrategyNetworkFirstFallback, part, "dynamic-v1", getRequest(t, raw))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNetwork, outcome)
	assert.Equal(t, "v2", string(resp.Body))

	fetcher.setOffline(true)
	resp, outcome, err = engine.Execute(ctx, domain.StrategyNetworkFirstFallback, part, "dynamic-v1", getRequest(t, raw))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeStaleFallback, outcome)
	assert.Equal(t, "v2", string(resp.Body))
	assert.True(t, resp.IsFromCache)
}

func TestStrategy_NetworkFirstFallbackOfflineMiss(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	fetcher.setOffline(true)
	engine := NewStrategyEngine(fetcher, nil, newMetrics(), nopLogger{})

	part, err := newRegistry(t).Open(ctx, "dynamic-v1")
	require.NoError(t, err)

	resp, _, err := engine.Execute(ctx, domain.StrategyNetworkFirstFallback, part, "dynamic-v1", getRequest(t, "http://app.test/never-seen"))
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, domain.IsNetworkError(err))
}

func TestStrategy_WriteFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	const raw = "http://app.test/about"
	fetcher := newFakeFetcher()
	fetcher.set(raw, "page")
	m := newMetrics()
	engine := NewStrategyEngine(fetcher, nil, m, nopLogger{})

	part, err := newRegistry(t).Open(ctx, "dynamic-v1")
	require.NoError(t, err)

	resp, outcome, err := engine.Execute(ctx, domain.StrategyNetworkFirstFallback, failingPartition{part}, "dynamic-v1", getRequest(t, raw))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNetwork, outcome)
	assert.Equal(t, "page", string(resp.Body))
	assert.Equal(t, int64(1), m.GetSnapshot().CacheWriteFailures)
}

func TestStrategy_WithoutPartitionUsesNetwork(t *testing.T) {
	ctx := context.Background()
	const raw = "http://app.test/static/app.js"
	fetcher := newFakeFetcher()
	fetcher.set(raw, "js")
	engine := NewStrategyEngine(fetcher, nil, newMetrics(), nopLogger{})

	resp, outcome, err := engine.Execute(ctx, domain.StrategyCacheFirst, nil, "static-v1", getRequest(t, raw))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNetwork, outcome)
	assert.Equal(t, "js", string(resp.Body))
}

func TestStrategy_Bypass(t *testing.T) {
	const raw = "http://app.test/api/cart"
	fetcher := newFakeFetcher()
	fetcher.set(raw, "cart")
	engine := NewStrategyEngine(fetcher, nil, newMetrics(), nopLogger{})

	resp, outcome, err := engine.Execute(context.Background(), domain.StrategyBypass, nil, "", getRequest(t, raw))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeBypass, outcome)
	assert.Equal(t, "cart", string(resp.Body))
}

// expiringPartition は期限付きのパーティションに期限切れのエントリを置く
func expiringPartition(t *testing.T, id, raw, body string) domain.CacheManager {
	t.Helper()
	reg, err := cache.New(memfs.New(), cache.WithPolicy(id, domain.PartitionPolicy{MaxAge: 5 * time.Minute}))
	require.NoError(t, err)
	part, err := reg.Open(context.Background(), id)
	require.NoError(t, err)

	req := getRequest(t, raw)
	require.NoError(t, part.Set(context.Background(), &domain.CacheEntry{
		Key:      domain.NewCacheKey(http.MethodGet, req.URL),
		Status:   http.StatusOK,
		Headers:  map[string][]string{"Content-Type": {"application/json"}},
		Body:     []byte(body),
		StoredAt: time.Now().Add(-10 * time.Minute),
	}))
	return part
}

func TestStrategy_RevalidateExpiredOfflineServesPrior(t *testing.T) {
	ctx := context.Background()
	const raw = "http://app.test/api/products"
	fetcher := newFakeFetcher()
	fetcher.setOffline(true)
	sched := &recordingScheduler{}
	engine := NewStrategyEngine(fetcher, sched, newMetrics(), nopLogger{})

	part := expiringPartition(t, "api-v1", raw, `[{"id":1}]`)

	resp, outcome, err := engine.Execute(ctx, domain.StrategyNetworkFirstRevalidate, part, "api-v1", getRequest(t, raw))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeStaleFallback, outcome)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `[{"id":1}]`, string(resp.Body))
	// 期限切れはヒットではないのでネットワークを先に試す
	assert.Equal(t, 1, fetcher.callCount(raw))
	assert.Zero(t, sched.count())
}

func TestStrategy_RevalidateExpiredOnlineRefreshes(t *testing.T) {
	ctx := context.Background()
	const raw = "http://app.test/api/products"
	fetcher := newFakeFetcher()
	fetcher.set(raw, `[{"id":2}]`)
	engine := NewStrategyEngine(fetcher, &recordingScheduler{}, newMetrics(), nopLogger{})

	part := expiringPartition(t, "api-v1", raw, `[{"id":1}]`)
	n, err := part.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	resp, outcome, err := engine.Execute(ctx, domain.StrategyNetworkFirstRevalidate, part, "api-v1", getRequest(t, raw))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNetwork, outcome)
	assert.Equal(t, `[{"id":2}]`, string(resp.Body))

	n, err = part.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStrategy_NetworkFirstFallbackServesExpired(t *testing.T) {
	ctx := context.Background()
	const raw = "http://app.test/about"
	fetcher := newFakeFetcher()
	fetcher.setOffline(true)
	engine := NewStrategyEngine(fetcher, nil, newMetrics(), nopLogger{})

	part := expiringPartition(t, "dynamic-v1", raw, "about")

	resp, outcome, err := engine.Execute(ctx, domain.StrategyNetworkFirstFallback, part, "dynamic-v1", getRequest(t, raw))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeStaleFallback, outcome)
	assert.Equal(t, "about", string(resp.Body))
}

func TestStrategy_CacheFirstSharedFetchOutlivesCanceledCaller(t *testing.T) {
	const raw = "http://app.test/static/big.js"
	fetcher := newFakeFetcher()
	fetcher.set(raw, "payload")
	fetcher.setDelay(200 * time.Millisecond)
	engine := NewStrategyEngine(fetcher, nil, newMetrics(), nopLogger{})

	part, err := newRegistry(t).Open(context.Background(), "static-v1")
	require.NoError(t, err)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := engine.Execute(firstCtx, domain.StrategyCacheFirst, part, "static-v1", getRequest(t, raw))
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return fetcher.callCount(raw) == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		resp *domain.Response
		err  error
	}
	second := make(chan result, 1)
	go func() {
		resp, _, err := engine.Execute(context.Background(), domain.StrategyCacheFirst, part, "static-v1", getRequest(t, raw))
		second <- result{resp, err}
	}()

	// 二つ目の呼び出しが同じフェッチに合流してから最初の呼び出し元が離脱する
	time.Sleep(20 * time.Millisecond)
	cancelFirst()

	err = <-firstErr
	require.Error(t, err)
	assert.True(t, domain.IsNetworkError(err))

	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, "payload", string(got.resp.Body))
	assert.Equal(t, 1, fetcher.callCount(raw))

	n, err := part.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
