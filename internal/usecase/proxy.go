package usecase

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"cacheproxy/internal/domain"
)

// Gate はキャッシュへのトラフィックを有効化まで止める
type Gate interface {
	Wait(ctx context.Context) error
}

// ProxyUseCase はプロキシの主要なユースケースを実装
type ProxyUseCase struct {
	classifier *Classifier
	registry   domain.CacheRegistry
	engine     *StrategyEngine
	gate       Gate
	generation string
	metrics    domain.MetricsCollector
	logger     domain.Logger
}

// NewProxyUseCase は新しいProxyUseCaseインスタンスを作成
func NewProxyUseCase(
	classifier *Classifier,
	registry domain.CacheRegistry,
	engine *StrategyEngine,
	gate Gate,
	generation string,
	metrics domain.MetricsCollector,
	logger domain.Logger,
) *ProxyUseCase {
	return &ProxyUseCase{
		classifier: classifier,
		registry:   registry,
		engine:     engine,
		gate:       gate,
		generation: generation,
		metrics:    metrics,
		logger:     logger,
	}
}

// Handle はリクエストを分類し, 対応する戦略でレスポンスを返す
func (uc *ProxyUseCase) Handle(ctx context.Context, req *domain.Request) (
	*domain.Response, domain.Outcome, error,
) {
	uc.metrics.RecordRequest()

	route := uc.classifier.Classify(req.Method, req.URL)
	if route.IsBypass() {
		resp, outcome, err := uc.engine.Execute(ctx, domain.StrategyBypass, nil, "", req)
		uc.record(outcome, err)
		return resp, outcome, err
	}

	if err := uc.gate.Wait(ctx); err != nil {
		uc.metrics.RecordError()
		return nil, "", err
	}

	partitionID := domain.PartitionID(route.Partition, uc.generation)
	part, err := uc.registry.Open(ctx, partitionID)
	if err != nil {
		// キャッシュが使えなくてもネットワークからは返す
		uc.logger.Warn("Failed to open partition, using network only", map[string]interface{}{
			"partition": partitionID,
			"error":     err.Error(),
		})
		part = nil
	}

	resp, outcome, err := uc.engine.Execute(ctx, route.Strategy, part, partitionID, req)
	uc.record(outcome, err)

	uc.logger.Debug("Request handled", map[string]interface{}{
		"request_id": req.ID,
		"method":     req.Method,
		"url":        req.URL.String(),
		"partition":  partitionID,
		"strategy":   string(route.Strategy),
		"outcome":    string(outcome),
	})
	return resp, outcome, err
}

func (uc *ProxyUseCase) record(outcome domain.Outcome, err error) {
	if err != nil {
		uc.metrics.RecordError()
		return
	}
	uc.metrics.RecordOutcome(outcome)
}

// HandleTunnel はCONNECTのトンネリングを処理する. 常にキャッシュを経由しない
func (uc *ProxyUseCase) HandleTunnel(
	ctx context.Context, clientConn net.Conn, host string, clientIP string,
) error {
	uc.metrics.RecordRequest()

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	serverConn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		uc.metrics.RecordError()
		return domain.NewNetworkError(host, fmt.Errorf("failed to connect to server: %w", err))
	}
	defer serverConn.Close()
	uc.metrics.RecordOutcome(domain.OutcomeBypass)

	var wg sync.WaitGroup
	wg.Add(2)

	errc := make(chan error, 2)

	// クライアント → サーバー
	go func() {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		if _, err := io.CopyBuffer(serverConn, clientConn, buf); err != nil && !isConnectionClosed(err) {
			uc.logger.Error("クライアント→サーバー転送失敗", err, map[string]interface{}{
				"client_ip": clientIP,
				"host":      host,
			})
			errc <- err
		}
		if tc, ok := serverConn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()

	// サーバー → クライアント
	go func() {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		if _, err := io.CopyBuffer(clientConn, serverConn, buf); err != nil && !isConnectionClosed(err) {
			uc.logger.Error("サーバー→クライアント転送失敗", err, map[string]interface{}{
				"client_ip": clientIP,
				"host":      host,
			})
			errc <- err
		}
		if tc, ok := clientConn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		return err
	case <-done:
		return nil
	}
}

// isConnectionClosed は接続が正常に閉じられたかを判断
func isConnectionClosed(err error) bool {
	return stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrClosedPipe) || stderrors.Is(err, net.ErrClosed)
}
