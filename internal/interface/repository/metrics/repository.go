package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"cacheproxy/internal/domain"
)

// Repository はメトリクスのリポジトリ実装
type Repository struct {
	mu                   sync.Mutex
	metricsFile          string
	startTime            time.Time
	requests             atomic.Int64
	bypassed             atomic.Int64
	cacheHits            atomic.Int64
	cacheMisses          atomic.Int64
	staleFallbacks       atomic.Int64
	syntheticErrors      atomic.Int64
	revalidations        atomic.Int64
	revalidationFailures atomic.Int64
	revalidationsDropped atomic.Int64
	writeFailures        atomic.Int64
	errors               atomic.Int64
}

// インターフェースの実装を検証
var _ domain.MetricsCollector = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New(metricsFile string) *Repository {
	return &Repository{
		metricsFile: metricsFile,
		startTime:   time.Now(),
	}
}

// SaveMetrics はメトリクスをファイルに保存
func (r *Repository) SaveMetrics(snapshot *domain.MetricsSnapshot) error {
	if r.metricsFile == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	tempFile := r.metricsFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempFile, r.metricsFile)
}

// 以下、MetricsCollector インターフェースの実装
func (r *Repository) RecordRequest() {
	r.requests.Add(1)
}

func (r *Repository) RecordOutcome(outcome domain.Outcome) {
	switch outcome {
	case domain.OutcomeCache:
		r.cacheHits.Add(1)
	case domain.OutcomeNetwork:
		r.cacheMisses.Add(1)
	case domain.OutcomeStaleFallback:
		r.staleFallbacks.Add(1)
	case domain.OutcomeSyntheticError:
		r.syntheticErrors.Add(1)
	case domain.OutcomeBypass:
		r.bypassed.Add(1)
	}
}

func (r *Repository) RecordRevalidation(ok bool) {
	if ok {
		r.revalidations.Add(1)
		return
	}
	r.revalidationFailures.Add(1)
}

func (r *Repository) RecordRevalidationDropped() {
	r.revalidationsDropped.Add(1)
}

func (r *Repository) RecordCacheWriteFailure() {
	r.writeFailures.Add(1)
}

func (r *Repository) RecordError() {
	r.errors.Add(1)
}

func (r *Repository) GetSnapshot() *domain.MetricsSnapshot {
	return &domain.MetricsSnapshot{
		Timestamp:            time.Now(),
		StartTime:            r.startTime,
		TotalRequests:        r.requests.Load(),
		Bypassed:             r.bypassed.Load(),
		CacheHits:            r.cacheHits.Load(),
		CacheMisses:          r.cacheMisses.Load(),
		StaleFallbacks:       r.staleFallbacks.Load(),
		SyntheticErrors:      r.syntheticErrors.Load(),
		Revalidations:        r.revalidations.Load(),
		RevalidationFailures: r.revalidationFailures.Load(),
		RevalidationsDropped: r.revalidationsDropped.Load(),
		CacheWriteFailures:   r.writeFailures.Load(),
		Errors:               r.errors.Load(),
		Uptime:               time.Since(r.startTime).Round(time.Second).String(),
	}
}
