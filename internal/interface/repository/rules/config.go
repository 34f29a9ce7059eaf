package rules

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cacheproxy/internal/domain"
)

// PartitionConfig はパーティションごとの制限設定
type PartitionConfig struct {
	MaxAge     time.Duration `yaml:"max_age,omitempty"`
	MaxEntries int           `yaml:"max_entries,omitempty"`
	MaxBytes   int64         `yaml:"max_bytes,omitempty"`
}

// RevalidationConfig はバックグラウンド再検証の設定
type RevalidationConfig struct {
	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queue_size"`
	MaxRetries uint64        `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Config はキャッシュマニフェストの構造を定義
type Config struct {
	Version      string                     `yaml:"version"`
	Origin       string                     `yaml:"origin,omitempty"`
	StaticPrefix string                     `yaml:"static_prefix"`
	APIPrefix    string                     `yaml:"api_prefix"`
	APICacheable []string                   `yaml:"api_cacheable"`
	Precache     []string                   `yaml:"precache"`
	SkipWaiting  bool                       `yaml:"skip_waiting"`
	Partitions   map[string]PartitionConfig `yaml:"partitions,omitempty"`
	Revalidation RevalidationConfig         `yaml:"revalidation"`
}

// DefaultConfig はデフォルトのマニフェストを返す
func DefaultConfig() *Config {
	return &Config{
		Version:      "v1",
		StaticPrefix: "/static/",
		APIPrefix:    "/api/",
		APICacheable: []string{},
		Precache:     []string{},
		SkipWaiting:  true,
		Partitions:   map[string]PartitionConfig{},
		Revalidation: RevalidationConfig{
			Workers:    4,
			QueueSize:  64,
			MaxRetries: 2,
			Timeout:    10 * time.Second,
		},
	}
}

// Load はマニフェストをYAMLファイルから読み込む
// ファイルが存在しない場合は, デフォルト設定を作成する
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return createDefaultConfig(path)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return Parse(data)
}

// Parse はYAMLデータからマニフェストを作成し検証する
func Parse(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, domain.NewConfigError("failed to parse config: %v", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func createDefaultConfig(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := yaml.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write default config: %w", err)
	}

	return config, nil
}

// Validate は設定値を検証する
func (c *Config) Validate() error {
	if c.Version == "" || strings.ContainsAny(c.Version, `/\ `) {
		return domain.NewConfigError("invalid version %q", c.Version)
	}
	if !strings.HasPrefix(c.StaticPrefix, "/") {
		return domain.NewConfigError("static_prefix must start with /: %q", c.StaticPrefix)
	}
	if !strings.HasPrefix(c.APIPrefix, "/") {
		return domain.NewConfigError("api_prefix must start with /: %q", c.APIPrefix)
	}
	if c.Origin != "" {
		u, err := url.Parse(c.Origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return domain.NewConfigError("origin must be an absolute URL: %q", c.Origin)
		}
	}
	for _, p := range c.APICacheable {
		if _, err := regexp.Compile(p); err != nil {
			return domain.NewConfigError("invalid api_cacheable pattern %q: %v", p, err)
		}
	}
	for name, pc := range c.Partitions {
		if !isPartitionName(name) {
			return domain.NewConfigError("unknown partition %q", name)
		}
		// staticは完全一致で無効化するため, 時間ベースの期限は持たない
		if name == string(domain.PartitionStatic) && pc.MaxAge > 0 {
			return domain.NewConfigError("max_age is not allowed for the static partition")
		}
		if pc.MaxAge < 0 || pc.MaxEntries < 0 || pc.MaxBytes < 0 {
			return domain.NewConfigError("negative limit for partition %q", name)
		}
	}
	if c.Revalidation.Workers < 0 || c.Revalidation.QueueSize < 0 {
		return domain.NewConfigError("revalidation workers and queue_size must not be negative")
	}
	return nil
}

// Generation は現在の世代タグを返す
func (c *Config) Generation() string {
	return c.Version
}

// PartitionSet は現在の世代のパーティション定義を返す
func (c *Config) PartitionSet() []domain.Partition {
	strategies := map[domain.PartitionName]domain.StrategyKind{
		domain.PartitionStatic:  domain.StrategyCacheFirst,
		domain.PartitionAPI:     domain.StrategyNetworkFirstRevalidate,
		domain.PartitionDynamic: domain.StrategyNetworkFirstFallback,
	}

	parts := make([]domain.Partition, 0, len(strategies))
	for _, name := range domain.PartitionNames() {
		pc := c.Partitions[string(name)]
		parts = append(parts, domain.Partition{
			Name:       name,
			Generation: c.Version,
			Strategy:   strategies[name],
			Policy: domain.PartitionPolicy{
				MaxAge:     pc.MaxAge,
				MaxEntries: pc.MaxEntries,
				MaxBytes:   pc.MaxBytes,
			},
		})
	}
	return parts
}

// PrecacheURLs はプリキャッシュ対象をoriginに対して解決する
func (c *Config) PrecacheURLs() ([]*url.URL, error) {
	var base *url.URL
	if c.Origin != "" {
		var err error
		if base, err = url.Parse(c.Origin); err != nil {
			return nil, domain.NewConfigError("invalid origin %q: %v", c.Origin, err)
		}
	}

	urls := make([]*url.URL, 0, len(c.Precache))
	for _, raw := range c.Precache {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, domain.NewConfigError("invalid precache entry %q: %v", raw, err)
		}
		if !u.IsAbs() {
			if base == nil {
				return nil, domain.NewConfigError("relative precache entry %q requires origin", raw)
			}
			u = base.ResolveReference(u)
		}
		urls = append(urls, u)
	}
	return urls, nil
}

// RouteRules は分類ルールを作成する
func (c *Config) RouteRules() *domain.RouteRules {
	matchers := make([]domain.PathMatcher, 0, len(c.APICacheable))
	for _, p := range c.APICacheable {
		// Validate済み
		matchers = append(matchers, regexpMatcher{re: regexp.MustCompile(p)})
	}
	return &domain.RouteRules{
		StaticPrefix: c.StaticPrefix,
		APIPrefix:    c.APIPrefix,
		APICacheable: matchers,
	}
}

func isPartitionName(name string) bool {
	for _, n := range domain.PartitionNames() {
		if string(n) == name {
			return true
		}
	}
	return false
}

// regexpMatcher は正規表現によるパスマッチ
type regexpMatcher struct {
	re *regexp.Regexp
}

func (m regexpMatcher) Match(path string) bool {
	return m.re.MatchString(path)
}

func (m regexpMatcher) String() string {
	return m.re.String()
}
