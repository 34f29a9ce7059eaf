package cache

import (
	"time"

	"cacheproxy/internal/domain"
)

// Entry はキャッシュエントリのメタデータを表す
// パーティションディレクトリに <hash>.meta として保存される.
type Entry struct {
	Key        domain.CacheKey     `json:"key"`
	Status     int                 `json:"status"`
	Headers    map[string][]string `json:"headers,omitempty"`
	File       string              `json:"file"`
	Size       int64               `json:"size"`
	StoredAt   time.Time           `json:"stored_at"`
	Compressed bool                `json:"compressed"`
}

// IsExpired はエントリが期限切れかどうかを確認
// maxAgeが0の場合は期限切れにならない.
func (e *Entry) IsExpired(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return now.Sub(e.StoredAt) > maxAge
}
