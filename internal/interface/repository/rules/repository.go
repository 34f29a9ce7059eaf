package rules

import (
	"context"
	"os"
	"sync"
	"time"

	"cacheproxy/internal/domain"
)

// DefaultReloadInterval は設定ファイル監視のデフォルト間隔
const DefaultReloadInterval = time.Minute

// Repository は分類ルールのリポジトリ実装
// 設定ファイルを監視し, ルールのみを再読み込みする
type Repository struct {
	mu         sync.RWMutex
	configFile string
	config     *Config
	rules      *domain.RouteRules
	modTime    time.Time
	logger     domain.Logger
}

var _ domain.RuleProvider = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New(configFile string, logger domain.Logger) (*Repository, error) {
	// 読み込み前に更新時刻を取るので, 読み込み中の変更も次回の監視で拾える
	var modTime time.Time
	if stat, err := os.Stat(configFile); err == nil {
		modTime = stat.ModTime()
	}

	config, err := Load(configFile)
	if err != nil {
		return nil, err
	}

	logger.Info("Loaded cache manifest", map[string]interface{}{
		"path":          configFile,
		"version":       config.Version,
		"api_cacheable": len(config.APICacheable),
		"precache":      len(config.Precache),
	})

	return &Repository{
		configFile: configFile,
		config:     config,
		rules:      config.RouteRules(),
		modTime:    modTime,
		logger:     logger,
	}, nil
}

// Config は起動時に読み込んだ設定を返す
func (r *Repository) Config() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// Rules は現在の分類ルールを返す
func (r *Repository) Rules() *domain.RouteRules {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rules
}

// Reload は設定を再読み込み
// 世代とプリキャッシュの変更は再起動まで反映しない
func (r *Repository) Reload() error {
	config, err := Load(r.configFile)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if config.Version != r.config.Version {
		r.logger.Warn("Version change requires a restart", map[string]interface{}{
			"current": r.config.Version,
			"new":     config.Version,
		})
	}

	r.rules = config.RouteRules()
	r.logger.Info("Route rules reloaded", map[string]interface{}{
		"static_prefix": config.StaticPrefix,
		"api_prefix":    config.APIPrefix,
		"api_cacheable": len(config.APICacheable),
	})
	return nil
}

// Watch は設定ファイルの変更を監視
// 起点はNewで読み込んだ時点の更新時刻. ctxが終了するまでブロックする
func (r *Repository) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReloadInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.mu.RLock()
	lastModTime := r.modTime
	r.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stat, err := os.Stat(r.configFile)
		if err != nil {
			r.logger.Error("Error checking config file", err, map[string]interface{}{
				"path": r.configFile,
			})
			continue
		}

		if stat.ModTime().After(lastModTime) {
			if err := r.Reload(); err != nil {
				r.logger.Error("Error reloading config", err, map[string]interface{}{
					"path": r.configFile,
				})
				continue
			}
			lastModTime = stat.ModTime()
			r.mu.Lock()
			r.modTime = lastModTime
			r.mu.Unlock()
		}
	}
}
