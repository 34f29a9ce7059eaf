package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MetricsCollector はメトリクス収集のインターフェース
type MetricsCollector interface {
	RecordRequest()
	RecordOutcome(outcome Outcome)
	RecordRevalidation(ok bool)
	RecordRevalidationDropped()
	RecordCacheWriteFailure()
	RecordError()
	GetSnapshot() *MetricsSnapshot
}

// MetricsSnapshot はメトリクスのスナップショットを表す
type MetricsSnapshot struct {
	Timestamp            time.Time `json:"timestamp"`
	StartTime            time.Time `json:"start_time"`
	TotalRequests        int64     `json:"total_requests"`
	Bypassed             int64     `json:"bypassed"`
	CacheHits            int64     `json:"cache_hits"`
	CacheMisses          int64     `json:"cache_misses"`
	StaleFallbacks       int64     `json:"stale_fallbacks"`
	SyntheticErrors      int64     `json:"synthetic_errors"`
	Revalidations        int64     `json:"revalidations"`
	RevalidationFailures int64     `json:"revalidation_failures"`
	RevalidationsDropped int64     `json:"revalidations_dropped"`
	CacheWriteFailures   int64     `json:"cache_write_failures"`
	Errors               int64     `json:"errors"`
	Uptime               string    `json:"uptime"`
}

// ToJSON はスナップショットをJSON形式に変換.
func (ms *MetricsSnapshot) ToJSON() ([]byte, error) {
	return json.MarshalIndent(ms, "", "  ")
}

// メトリクスのフォーマット用メソッド
func (ms *MetricsSnapshot) ToPrometheusFormat() string {
	return formatMetricsToPrometheus(ms)
}

type promMetric struct {
	name  string
	help  string
	kind  string
	value int64
}

// formatMetricsToPrometheus はメトリクスをPrometheus形式にフォーマット
func formatMetricsToPrometheus(ms *MetricsSnapshot) string {
	list := []promMetric{
		{"cacheproxy_requests_total", "Total number of intercepted requests", "counter", ms.TotalRequests},
		{"cacheproxy_bypassed_total", "Requests routed straight to the network", "counter", ms.Bypassed},
		{"cacheproxy_cache_hits_total", "Responses served from a partition", "counter", ms.CacheHits},
		{"cacheproxy_cache_misses_total", "Responses served from the network", "counter", ms.CacheMisses},
		{"cacheproxy_stale_fallbacks_total", "Cached responses served after a network failure", "counter", ms.StaleFallbacks},
		{"cacheproxy_synthetic_errors_total", "Synthetic 503 responses", "counter", ms.SyntheticErrors},
		{"cacheproxy_revalidations_total", "Successful background revalidations", "counter", ms.Revalidations},
		{"cacheproxy_revalidation_failures_total", "Background revalidations that gave up", "counter", ms.RevalidationFailures},
		{"cacheproxy_revalidations_dropped_total", "Background revalidations dropped on a full queue", "counter", ms.RevalidationsDropped},
		{"cacheproxy_cache_write_failures_total", "Failed partition writes", "counter", ms.CacheWriteFailures},
		{"cacheproxy_errors_total", "Errors returned to clients", "counter", ms.Errors},
	}

	metrics := make([]string, 0, len(list))
	for _, m := range list {
		metrics = append(metrics, fmt.Sprintf("# HELP %s %s\n# TYPE %s %s\n%s %d",
			m.name, m.help, m.name, m.kind, m.name, m.value))
	}

	return strings.Join(metrics, "\n\n") + "\n"
}
