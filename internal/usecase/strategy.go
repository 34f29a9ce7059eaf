package usecase

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"cacheproxy/internal/domain"
)

// Scheduler はバックグラウンド再検証を受け付けるインターフェース
type Scheduler interface {
	Schedule(job RevalidationJob) bool
}

// cacheWriter はレスポンスをパーティションに書き込む
// 書き込みの失敗はログとメトリクスに記録するだけで呼び出し元には返さない
type cacheWriter struct {
	metrics domain.MetricsCollector
	logger  domain.Logger
	now     func() time.Time
}

// store は成功したレスポンスを書き込む. 書き込んだ場合はtrueを返す
func (w *cacheWriter) store(
	ctx context.Context, part domain.CacheManager, partitionID string,
	key domain.CacheKey, resp *domain.Response,
) bool {
	if part == nil || !resp.OK() || !resp.Cacheable {
		return false
	}

	if err := part.Set(ctx, resp.ToEntry(key, w.now())); err != nil {
		w.metrics.RecordCacheWriteFailure()
		w.logger.Warn("Cache write failed", map[string]interface{}{
			"partition": partitionID,
			"key":       string(key),
			"error":     domain.NewCacheWriteError(partitionID, key, err).Error(),
		})
		return false
	}
	return true
}

// lookup はパーティションを参照する. 読み込みエラーはミスとして扱う
func (w *cacheWriter) lookup(
	ctx context.Context, part domain.CacheManager, partitionID string, key domain.CacheKey,
) (*domain.CacheEntry, bool) {
	return w.read(ctx, part, partitionID, key, false)
}

// lookupStale はネットワーク失敗時の代替として期限切れのエントリも返す
// 要求元のコンテキストが切れていても読めるようにする
func (w *cacheWriter) lookupStale(
	ctx context.Context, part domain.CacheManager, partitionID string, key domain.CacheKey,
) (*domain.CacheEntry, bool) {
	return w.read(context.WithoutCancel(ctx), part, partitionID, key, true)
}

func (w *cacheWriter) read(
	ctx context.Context, part domain.CacheManager, partitionID string, key domain.CacheKey, stale bool,
) (*domain.CacheEntry, bool) {
	if part == nil {
		return nil, false
	}

	get := part.Get
	if stale {
		get = part.GetStale
	}
	entry, ok, err := get(ctx, key)
	if err != nil {
		w.logger.Warn("Cache read failed, treating as miss", map[string]interface{}{
			"partition": partitionID,
			"key":       string(key),
			"error":     err.Error(),
		})
		return nil, false
	}
	return entry, ok
}

// StrategyEngine はキャッシュ戦略を実行する
type StrategyEngine struct {
	fetcher     domain.Fetcher
	revalidator Scheduler
	writer      *cacheWriter
	logger      domain.Logger
	misses      singleflight.Group
}

// NewStrategyEngine は新しいStrategyEngineインスタンスを作成
func NewStrategyEngine(
	fetcher domain.Fetcher,
	revalidator Scheduler,
	metrics domain.MetricsCollector,
	logger domain.Logger,
) *StrategyEngine {
	return &StrategyEngine{
		fetcher:     fetcher,
		revalidator: revalidator,
		writer:      &cacheWriter{metrics: metrics, logger: logger, now: time.Now},
		logger:      logger,
	}
}

// Execute は戦略に従ってレスポンスを返す
// partがnilの場合はキャッシュを経由せずネットワークのみを使う
func (e *StrategyEngine) Execute(
	ctx context.Context,
	strategy domain.StrategyKind,
	part domain.CacheManager,
	partitionID string,
	req *domain.Request,
) (*domain.Response, domain.Outcome, error) {
	switch strategy {
	case domain.StrategyCacheFirst:
		return e.cacheFirst(ctx, part, partitionID, req)
	case domain.StrategyNetworkFirstRevalidate:
		return e.networkFirstRevalidate(ctx, part, partitionID, req)
	case domain.StrategyNetworkFirstFallback:
		return e.networkFirstFallback(ctx, part, partitionID, req)
	default:
		resp, err := e.fetcher.Fetch(ctx, req)
		if err != nil {
			return nil, domain.OutcomeBypass, err
		}
		return resp, domain.OutcomeBypass, nil
	}
}

// cacheFirst はキャッシュを優先する. 同じキーの同時ミスは一度のフェッチにまとめる
func (e *StrategyEngine) cacheFirst(
	ctx context.Context, part domain.CacheManager, partitionID string, req *domain.Request,
) (*domain.Response, domain.Outcome, error) {
	key := domain.NewCacheKey(req.Method, req.URL)
	if entry, ok := e.writer.lookup(ctx, part, partitionID, key); ok {
		return domain.ResponseFromEntry(req.ID, entry), domain.OutcomeCache, nil
	}

	// 共有フェッチは最初の呼び出し元のキャンセルに巻き込まれないよう切り離す.
	// 上限はフェッチャーのリクエストタイムアウト
	detached := context.WithoutCancel(ctx)
	ch := e.misses.DoChan(partitionID+" "+string(key), func() (interface{}, error) {
		resp, err := e.fetcher.Fetch(detached, req)
		if err != nil {
			return nil, err
		}
		e.writer.store(detached, part, partitionID, key, resp)
		return resp, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, domain.OutcomeNetwork, domain.NewNetworkError(req.URL.String(), ctx.Err())
	}
	if res.Err != nil {
		return nil, domain.OutcomeNetwork, res.Err
	}

	resp := res.Val.(*domain.Response)
	if res.Shared {
		c := *resp
		c.RequestID = req.ID
		resp = &c
	}
	return resp, domain.OutcomeNetwork, nil
}

// networkFirstRevalidate はヒット時に即座に返し, 裏で更新する
func (e *StrategyEngine) networkFirstRevalidate(
	ctx context.Context, part domain.CacheManager, partitionID string, req *domain.Request,
) (*domain.Response, domain.Outcome, error) {
	key := domain.NewCacheKey(req.Method, req.URL)
	if entry, ok := e.writer.lookup(ctx, part, partitionID, key); ok {
		if e.revalidator != nil {
			e.revalidator.Schedule(RevalidationJob{
				PartitionID: partitionID,
				Partition:   part,
				Request:     req.Clone(),
			})
		}
		return domain.ResponseFromEntry(req.ID, entry), domain.OutcomeCache, nil
	}

	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		// 期限切れでも以前のエントリがあればそれを返す
		if entry, ok := e.writer.lookupStale(ctx, part, partitionID, key); ok {
			e.logger.Info("Network failed, serving expired cached response", map[string]interface{}{
				"partition": partitionID,
				"url":       req.URL.String(),
			})
			return domain.ResponseFromEntry(req.ID, entry), domain.OutcomeStaleFallback, nil
		}
		e.logger.Warn("Network unavailable, returning synthetic response", map[string]interface{}{
			"partition": partitionID,
			"url":       req.URL.String(),
			"error":     err.Error(),
		})
		return domain.SyntheticUnavailable(req.ID), domain.OutcomeSyntheticError, nil
	}
	e.writer.store(ctx, part, partitionID, key, resp)
	return resp, domain.OutcomeNetwork, nil
}

// networkFirstFallback はネットワークを優先し, 失敗時にキャッシュを返す
func (e *StrategyEngine) networkFirstFallback(
	ctx context.Context, part domain.CacheManager, partitionID string, req *domain.Request,
) (*domain.Response, domain.Outcome, error) {
	key := domain.NewCacheKey(req.Method, req.URL)

	resp, err := e.fetcher.Fetch(ctx, req)
	if err == nil {
		e.writer.store(ctx, part, partitionID, key, resp)
		return resp, domain.OutcomeNetwork, nil
	}

	if entry, ok := e.writer.lookupStale(ctx, part, partitionID, key); ok {
		e.logger.Info("Network failed, serving cached response", map[string]interface{}{
			"partition": partitionID,
			"url":       req.URL.String(),
		})
		return domain.ResponseFromEntry(req.ID, entry), domain.OutcomeStaleFallback, nil
	}
	return nil, domain.OutcomeNetwork, err
}
