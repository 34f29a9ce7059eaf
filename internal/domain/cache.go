package domain

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// PartitionName は論理的なパーティション名を表す.
type PartitionName string

const (
	PartitionStatic  PartitionName = "static"
	PartitionAPI     PartitionName = "api"
	PartitionDynamic PartitionName = "dynamic"
)

// PartitionNames は全ての論理パーティション名を返す.
func PartitionNames() []PartitionName {
	return []PartitionName{PartitionStatic, PartitionAPI, PartitionDynamic}
}

// PartitionID は世代タグを含むストレージ識別子を返す (例: static-v1).
func PartitionID(name PartitionName, generation string) string {
	return string(name) + "-" + generation
}

// CacheKey はキャッシュのキーを表す.
type CacheKey string

// NewCacheKey はメソッドと正規化したURLからキーを生成する.
// スキームとホストは小文字化し, フラグメントは捨て, クエリは残す.
func NewCacheKey(method string, u *url.URL) CacheKey {
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	n.Fragment = ""
	n.RawFragment = ""
	n.User = nil
	if n.Path == "" {
		n.Path = "/"
	}
	return CacheKey(strings.ToUpper(method) + " " + n.String())
}

// IsCacheable はキーがキャッシュ可能なメソッドのものか確認.
func (k CacheKey) IsCacheable() bool {
	return strings.HasPrefix(string(k), http.MethodGet+" ")
}

// CacheEntry はキャッシュのエントリを表す.
type CacheEntry struct {
	Key      CacheKey
	Status   int
	Headers  map[string][]string
	Body     []byte
	StoredAt time.Time
}

// PartitionPolicy はパーティションごとの任意の制限.
// ゼロ値は無制限を意味する.
type PartitionPolicy struct {
	MaxAge     time.Duration
	MaxEntries int
	MaxBytes   int64
}

// Partition はパーティションの定義を表す.
type Partition struct {
	Name       PartitionName
	Generation string
	Strategy   StrategyKind
	Policy     PartitionPolicy
}

// ID はストレージ識別子を返す.
func (p Partition) ID() string {
	return PartitionID(p.Name, p.Generation)
}

// CacheManager は単一パーティションの操作インターフェース.
// Getは期限切れのエントリをミスとして扱い, GetStaleはオフライン時の代替として期限切れも返す.
// Lenは期限内のエントリのみを数える.
type CacheManager interface {
	Get(ctx context.Context, key CacheKey) (*CacheEntry, bool, error)
	GetStale(ctx context.Context, key CacheKey) (*CacheEntry, bool, error)
	Set(ctx context.Context, entry *CacheEntry) error
	Delete(ctx context.Context, key CacheKey) error
	Len(ctx context.Context) (int, error)
}

// CacheRegistry はパーティションの集合を管理するインターフェース.
type CacheRegistry interface {
	// Open はパーティションを開く. 存在しなければ作成する.
	Open(ctx context.Context, id string) (CacheManager, error)
	// Lookup は既存のパーティションのみを返す.
	Lookup(ctx context.Context, id string) (CacheManager, bool, error)
	Names(ctx context.Context) ([]string, error)
	Remove(ctx context.Context, id string) (bool, error)
}
