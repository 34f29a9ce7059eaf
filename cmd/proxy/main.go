package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"

	"cacheproxy/internal/interface/connection"
	"cacheproxy/internal/interface/handler"
	"cacheproxy/internal/interface/repository/cache"
	"cacheproxy/internal/interface/repository/logger"
	"cacheproxy/internal/interface/repository/metrics"
	"cacheproxy/internal/interface/repository/rules"
	"cacheproxy/internal/usecase"
)

const (
	defaultPort        = 10080
	defaultControlPort = 10081
	defaultConfigFile  = "./configs/cache.yaml"
	defaultLogDir      = "./logs"
	defaultMaxBodySize = 10 * 1024 * 1024
)

type config struct {
	port                int
	controlPort         int
	configFile          string
	logDir              string
	logLevel            string
	cacheDir            string
	metricsSaveInterval time.Duration
	upstreamTimeout     time.Duration
	maxBodySize         int64
	reloadInterval      time.Duration
}

func main() {
	// コンフィグの解析
	cfg := parseConfig()

	if err := prepareDirectories(cfg); err != nil {
		fmt.Printf("Failed to prepare directories: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.logLevel)
	if err != nil {
		fmt.Printf("Invalid log level: %v\n", err)
		os.Exit(1)
	}

	// ロガーの初期化
	loggerRepo, err := logger.New(cfg.logDir, "proxy.log", level, logger.DefaultRotationConfig())
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer loggerRepo.Close()

	// マニフェストの読み込み
	rulesRepo, err := rules.New(cfg.configFile, loggerRepo)
	if err != nil {
		loggerRepo.Error("Failed to load cache manifest", err, map[string]interface{}{
			"path": cfg.configFile,
		})
		os.Exit(1)
	}
	manifest := rulesRepo.Config()

	precache, err := manifest.PrecacheURLs()
	if err != nil {
		loggerRepo.Error("Invalid precache list", err, nil)
		os.Exit(1)
	}

	var origin *url.URL
	if manifest.Origin != "" {
		// Validate済み
		origin, _ = url.Parse(manifest.Origin)
	}

	// パーティションの初期化
	var fs billy.Filesystem = memfs.New()
	if cfg.cacheDir != "" {
		fs = osfs.New(cfg.cacheDir)
	}
	opts := make([]cache.Option, 0, len(manifest.PartitionSet()))
	for _, p := range manifest.PartitionSet() {
		opts = append(opts, cache.WithPolicy(p.ID(), p.Policy))
	}
	registry, err := cache.New(fs, opts...)
	if err != nil {
		loggerRepo.Error("Failed to initialize cache", err, map[string]interface{}{
			"cache_dir": cfg.cacheDir,
		})
		os.Exit(1)
	}

	// 上流への接続
	connManager := connection.NewManager(100, 90*time.Second,
		connection.WithRequestTimeout(cfg.upstreamTimeout),
		connection.WithMaxBodySize(cfg.maxBodySize),
	)

	metricsCollector := metrics.New(filepath.Join(cfg.logDir, "metrics.json"))

	revalidator := usecase.NewRevalidator(connManager, metricsCollector, loggerRepo, usecase.RevalidatorConfig{
		Workers:    manifest.Revalidation.Workers,
		QueueSize:  manifest.Revalidation.QueueSize,
		MaxRetries: manifest.Revalidation.MaxRetries,
		Timeout:    manifest.Revalidation.Timeout,
	})

	lifecycle := usecase.NewLifecycleController(registry, connManager, loggerRepo, usecase.LifecycleConfig{
		Generation: manifest.Generation(),
		Precache:   precache,
	})

	engine := usecase.NewStrategyEngine(connManager, revalidator, metricsCollector, loggerRepo)

	// プロキシのユースケース作成
	proxyUseCase := usecase.NewProxyUseCase(
		usecase.NewClassifier(rulesRepo),
		registry,
		engine,
		lifecycle,
		manifest.Generation(),
		metricsCollector,
		loggerRepo,
	)

	dispatcher := usecase.NewDispatcher(lifecycle, proxyUseCase, usecase.NewStatsUseCase(registry), loggerRepo)

	// メトリクスのユースケース作成
	metricsUseCase := usecase.NewMetricsUseCase(metricsCollector, loggerRepo, usecase.MetricsConfig{
		SaveInterval: cfg.metricsSaveInterval,
	})
	if err := metricsUseCase.Start(); err != nil {
		loggerRepo.Error("Failed to start metrics", err, nil)
	}

	// ハンドラーの作成
	proxyHandler := handler.NewProxyHandler(dispatcher, proxyUseCase, origin, loggerRepo)
	controlHandler := handler.NewControlHandler(metricsUseCase, dispatcher, loggerRepo)

	proxyServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.port),
		Handler:           proxyHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	controlServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.controlPort),
		Handler:           controlHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// シャットダウンハンドラの設定
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	go rulesRepo.Watch(ctx, cfg.reloadInterval)

	// サーバーの起動
	go func() {
		loggerRepo.Info("Starting proxy server", map[string]interface{}{"port": cfg.port})
		if err := proxyServer.ListenAndServe(); err != http.ErrServerClosed {
			loggerRepo.Error("Proxy server error", err, nil)
			cancel()
		}
	}()

	go func() {
		loggerRepo.Info("Starting control server", map[string]interface{}{"port": cfg.controlPort})
		if err := controlServer.ListenAndServe(); err != http.ErrServerClosed {
			loggerRepo.Error("Control server error", err, nil)
			cancel()
		}
	}()

	// インストールと有効化. キャッシュ対象のリクエストは有効化まで待たされる
	// skip_waitingがfalseの場合は POST /skip-waiting で有効化する
	go func() {
		if manifest.SkipWaiting {
			if err := lifecycle.SkipWaiting(ctx); err != nil {
				loggerRepo.Error("Failed to request skip waiting", err, nil)
			}
		}
		if _, err := dispatcher.Dispatch(ctx, usecase.Event{Kind: usecase.EventInstall}); err != nil {
			loggerRepo.Error("Install failed, cacheable traffic stays gated", err, nil)
		}
	}()

	// シグナル待機
	select {
	case <-signalChan:
		loggerRepo.Info("Shutdown signal received", nil)
	case <-ctx.Done():
		loggerRepo.Info("Shutdown initiated", nil)
	}
	cancel()

	// グレースフルシャットダウン
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		loggerRepo.Error("Error shutting down proxy server", err, nil)
	}
	if err := controlServer.Shutdown(shutdownCtx); err != nil {
		loggerRepo.Error("Error shutting down control server", err, nil)
	}
	if err := revalidator.Close(); err != nil {
		loggerRepo.Error("Error stopping revalidator", err, nil)
	}
	if err := metricsUseCase.Stop(); err != nil {
		loggerRepo.Error("Error saving metrics", err, nil)
	}
	if err := connManager.CloseAll(); err != nil {
		loggerRepo.Error("Error closing upstream connections", err, nil)
	}

	loggerRepo.Info("Shutdown complete", nil)
}

func parseConfig() *config {
	cfg := &config{}

	flag.IntVar(&cfg.port, "port", defaultPort, "Proxy server port")
	flag.IntVar(&cfg.controlPort, "control-port", defaultControlPort, "Control and metrics server port")
	flag.StringVar(&cfg.configFile, "config", defaultConfigFile, "Cache manifest file")
	flag.StringVar(&cfg.logDir, "log-dir", defaultLogDir, "Log directory")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.cacheDir, "cache-dir", "", "Partition storage directory (empty keeps partitions in memory)")
	flag.DurationVar(&cfg.metricsSaveInterval, "metrics-save-interval", time.Minute, "Metrics save interval")
	flag.DurationVar(&cfg.upstreamTimeout, "upstream-timeout", 30*time.Second, "Timeout for a single upstream request")
	flag.Int64Var(&cfg.maxBodySize, "max-body-size", defaultMaxBodySize, "Largest response body that is cached")
	flag.DurationVar(&cfg.reloadInterval, "reload-interval", rules.DefaultReloadInterval, "Manifest reload check interval")

	flag.Parse()

	return cfg
}

func prepareDirectories(cfg *config) error {
	dirs := []string{
		filepath.Dir(cfg.configFile),
		cfg.logDir,
	}
	if cfg.cacheDir != "" {
		dirs = append(dirs, cfg.cacheDir)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %v", dir, err)
		}
	}

	return nil
}
