package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/singleflight"

	"cacheproxy/internal/domain"
)

// RevalidationJob はバックグラウンドで更新するエントリを表す
type RevalidationJob struct {
	PartitionID string
	Partition   domain.CacheManager
	Request     *domain.Request
}

// RevalidatorConfig は再検証ワーカーの設定
type RevalidatorConfig struct {
	Workers         int
	QueueSize       int
	MaxRetries      uint64
	Timeout         time.Duration
	InitialInterval time.Duration
}

// Revalidator は固定数のワーカーで再検証を実行する
// キューが一杯の場合はジョブを捨てる
type Revalidator struct {
	fetcher  domain.Fetcher
	writer   *cacheWriter
	metrics  domain.MetricsCollector
	logger   domain.Logger
	config   RevalidatorConfig
	queue    chan RevalidationJob
	inflight singleflight.Group

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

var _ Scheduler = (*Revalidator)(nil)

// NewRevalidator は新しいRevalidatorを作成しワーカーを起動する
func NewRevalidator(
	fetcher domain.Fetcher,
	metrics domain.MetricsCollector,
	logger domain.Logger,
	config RevalidatorConfig,
) *Revalidator {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.InitialInterval <= 0 {
		config.InitialInterval = 200 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Revalidator{
		fetcher: fetcher,
		writer:  &cacheWriter{metrics: metrics, logger: logger, now: time.Now},
		metrics: metrics,
		logger:  logger,
		config:  config,
		queue:   make(chan RevalidationJob, config.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	r.wg.Add(config.Workers)
	for i := 0; i < config.Workers; i++ {
		go r.worker()
	}
	return r
}

// Schedule はジョブをキューに入れる. 受け付けなかった場合はfalseを返す
func (r *Revalidator) Schedule(job RevalidationJob) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false
	}

	select {
	case r.queue <- job:
		return true
	default:
		r.metrics.RecordRevalidationDropped()
		r.logger.Warn("Revalidation queue full, dropping refresh", map[string]interface{}{
			"partition": job.PartitionID,
			"url":       job.Request.URL.String(),
		})
		return false
	}
}

// Close は新規ジョブの受付を止め, 実行中のジョブを中断してワーカーの終了を待つ
func (r *Revalidator) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *Revalidator) worker() {
	defer r.wg.Done()
	for job := range r.queue {
		if r.ctx.Err() != nil {
			continue
		}
		key := domain.NewCacheKey(job.Request.Method, job.Request.URL)
		_, _, _ = r.inflight.Do(job.PartitionID+" "+string(key), func() (interface{}, error) {
			r.refresh(job, key)
			return nil, nil
		})
	}
}

// refresh は上流から取得し直してエントリを置き換える
func (r *Revalidator) refresh(job RevalidationJob, key domain.CacheKey) {
	ctx, cancel := context.WithTimeout(r.ctx, r.config.Timeout)
	defer cancel()

	var resp *domain.Response
	operation := func() error {
		res, err := r.fetcher.Fetch(ctx, job.Request)
		if err != nil {
			if errors.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if !res.OK() {
			return backoff.Permanent(fmt.Errorf("unexpected status %d", res.StatusCode))
		}
		resp = res
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.config.InitialInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, r.config.MaxRetries), ctx)

	if err := backoff.Retry(operation, b); err != nil {
		r.metrics.RecordRevalidation(false)
		r.logger.Warn("Revalidation failed", map[string]interface{}{
			"partition": job.PartitionID,
			"key":       string(key),
			"error":     err.Error(),
		})
		return
	}

	ok := r.writer.store(ctx, job.Partition, job.PartitionID, key, resp)
	r.metrics.RecordRevalidation(ok)
	r.logger.Debug("Revalidated entry", map[string]interface{}{
		"partition": job.PartitionID,
		"key":       string(key),
		"stored":    ok,
	})
}
