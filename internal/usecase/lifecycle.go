package usecase

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"

	"cacheproxy/internal/domain"
)

const defaultInstallConcurrency = 8

// LifecycleConfig はライフサイクルの設定
type LifecycleConfig struct {
	Generation string
	Precache   []*url.URL
	// Concurrency はプリキャッシュ取得の同時実行数
	Concurrency int
}

// LifecycleController はキャッシュ世代のインストールと有効化を管理する
type LifecycleController struct {
	registry domain.CacheRegistry
	fetcher  domain.Fetcher
	logger   domain.Logger
	config   LifecycleConfig

	mu          sync.Mutex
	state       domain.LifecycleState
	skipWaiting bool
	ready       chan struct{}
}

// NewLifecycleController は新しいLifecycleControllerインスタンスを作成
func NewLifecycleController(
	registry domain.CacheRegistry,
	fetcher domain.Fetcher,
	logger domain.Logger,
	config LifecycleConfig,
) *LifecycleController {
	if config.Concurrency <= 0 {
		config.Concurrency = defaultInstallConcurrency
	}
	return &LifecycleController{
		registry: registry,
		fetcher:  fetcher,
		logger:   logger,
		config:   config,
		state:    domain.StateNew,
		ready:    make(chan struct{}),
	}
}

// State は現在の状態を返す
func (lc *LifecycleController) State() domain.LifecycleState {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.state
}

// Whitelist は有効化後に残すパーティションIDを返す
func (lc *LifecycleController) Whitelist() []string {
	names := domain.PartitionNames()
	ids := make([]string, 0, len(names))
	for _, name := range names {
		ids = append(ids, domain.PartitionID(name, lc.config.Generation))
	}
	return ids
}

// Install はプリキャッシュ対象を全て取得し, 成功した場合のみstaticパーティションに書き込む
func (lc *LifecycleController) Install(ctx context.Context) error {
	if err := lc.transition("install", domain.StateNew, domain.StateInstalling); err != nil {
		return err
	}

	staticID := domain.PartitionID(domain.PartitionStatic, lc.config.Generation)
	lc.logger.Info("Installing cache generation", map[string]interface{}{
		"generation": lc.config.Generation,
		"assets":     len(lc.config.Precache),
	})

	if err := lc.precache(ctx, staticID); err != nil {
		lc.setState(domain.StateRedundant)
		lc.logger.Error("Install failed", err, map[string]interface{}{
			"generation": lc.config.Generation,
		})
		return err
	}

	lc.mu.Lock()
	lc.state = domain.StateWaiting
	skip := lc.skipWaiting
	lc.mu.Unlock()

	lc.logger.Info("Install complete", map[string]interface{}{
		"partition": staticID,
	})

	if skip {
		return lc.Activate(ctx)
	}
	return nil
}

// precache は全アセットを並行に取得してから書き込む
func (lc *LifecycleController) precache(ctx context.Context, staticID string) error {
	responses := make([]*domain.Response, len(lc.config.Precache))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lc.config.Concurrency)
	for i, u := range lc.config.Precache {
		g.Go(func() error {
			req := &domain.Request{
				ID:        fmt.Sprintf("install-%d", i),
				Method:    http.MethodGet,
				URL:       u,
				Headers:   map[string][]string{},
				CreatedAt: time.Now(),
			}
			resp, err := lc.fetcher.Fetch(gctx, req)
			if err != nil {
				return err
			}
			if !resp.OK() {
				return errors.Newf(errors.CodeExecutionFailed, "precache %s returned status %d", u, resp.StatusCode)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, errors.CodeExecutionFailed, "install failed")
	}

	part, err := lc.registry.Open(ctx, staticID)
	if err != nil {
		return errors.Wrap(err, errors.CodeExecutionFailed, "failed to open static partition")
	}

	now := time.Now()
	for i, resp := range responses {
		key := domain.NewCacheKey(http.MethodGet, lc.config.Precache[i])
		if err := part.Set(ctx, resp.ToEntry(key, now)); err != nil {
			// 途中まで書き込んだ世代は使えないため破棄する
			if _, rerr := lc.registry.Remove(ctx, staticID); rerr != nil {
				lc.logger.Warn("Failed to discard partial install", map[string]interface{}{
					"partition": staticID,
					"error":     rerr.Error(),
				})
			}
			return errors.Wrap(domain.NewCacheWriteError(staticID, key, err), errors.CodeExecutionFailed, "install failed")
		}
	}
	return nil
}

// SkipWaiting は待機を省略して即座に有効化する
// インストール中の場合はインストール完了後に有効化する
func (lc *LifecycleController) SkipWaiting(ctx context.Context) error {
	lc.mu.Lock()
	state := lc.state
	switch state {
	case domain.StateNew, domain.StateInstalling:
		lc.skipWaiting = true
		lc.mu.Unlock()
		return nil
	case domain.StateWaiting:
		lc.mu.Unlock()
		return lc.Activate(ctx)
	case domain.StateActivating, domain.StateActive:
		lc.mu.Unlock()
		return nil
	default:
		lc.mu.Unlock()
		return domain.NewTransitionError("skip waiting", state)
	}
}

// Activate はホワイトリスト外のパーティションを削除し, トラフィックの受付を開始する
func (lc *LifecycleController) Activate(ctx context.Context) error {
	if err := lc.transition("activate", domain.StateWaiting, domain.StateActivating); err != nil {
		return err
	}

	keep := make(map[string]bool)
	for _, id := range lc.Whitelist() {
		keep[id] = true
	}

	names, err := lc.registry.Names(ctx)
	if err != nil {
		lc.logger.Error("Failed to list partitions", err, nil)
	}
	for _, id := range names {
		if keep[id] {
			continue
		}
		if _, err := lc.registry.Remove(ctx, id); err != nil {
			lc.logger.Warn("Failed to remove stale partition", map[string]interface{}{
				"partition": id,
				"error":     err.Error(),
			})
			continue
		}
		lc.logger.Info("Removed stale partition", map[string]interface{}{
			"partition": id,
		})
	}

	for _, id := range lc.Whitelist() {
		if _, err := lc.registry.Open(ctx, id); err != nil {
			lc.logger.Warn("Failed to open partition", map[string]interface{}{
				"partition": id,
				"error":     err.Error(),
			})
		}
	}

	lc.mu.Lock()
	lc.state = domain.StateActive
	close(lc.ready)
	lc.mu.Unlock()

	lc.logger.Info("Cache generation active", map[string]interface{}{
		"generation": lc.config.Generation,
	})
	return nil
}

// Wait は有効化されるまでブロックする
func (lc *LifecycleController) Wait(ctx context.Context) error {
	select {
	case <-lc.ready:
		return nil
	case <-ctx.Done():
		return domain.NewNotReadyError(ctx.Err())
	}
}

// Ready は有効化済みか確認
func (lc *LifecycleController) Ready() bool {
	select {
	case <-lc.ready:
		return true
	default:
		return false
	}
}

func (lc *LifecycleController) transition(op string, from, to domain.LifecycleState) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.state != from {
		return domain.NewTransitionError(op, lc.state)
	}
	lc.state = to
	return nil
}

func (lc *LifecycleController) setState(state domain.LifecycleState) {
	lc.mu.Lock()
	lc.state = state
	lc.mu.Unlock()
}
