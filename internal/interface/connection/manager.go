package connection

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"cacheproxy/internal/domain"
)

const (
	defaultMaxBodySize    = 10 * 1024 * 1024
	defaultRequestTimeout = 30 * time.Second
)

// hopHeaders は転送しないホップバイホップヘッダ
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Manager は上流への接続プールとリクエスト送信を管理する
type Manager struct {
	client         *http.Client
	transport      *http.Transport
	maxBodySize    int64
	requestTimeout time.Duration
}

var _ domain.Fetcher = (*Manager)(nil)

// Option はManagerを設定する
type Option func(*Manager)

// WithMaxBodySize はキャッシュ可能なボディの最大サイズを設定
func WithMaxBodySize(n int64) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxBodySize = n
		}
	}
}

// WithRequestTimeout はリクエストごとのタイムアウトを設定
func WithRequestTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.requestTimeout = d
		}
	}
}

// WithTransport はテスト用に任意のRoundTripperを使う
func WithTransport(rt http.RoundTripper) Option {
	return func(m *Manager) {
		m.client.Transport = rt
	}
}

// NewManager は新しいManagerインスタンスを作成
func NewManager(maxIdle int, idleTimeout time.Duration, opts ...Option) *Manager {
	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       idleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}

	m := &Manager{
		transport:      transport,
		maxBodySize:    defaultMaxBodySize,
		requestTimeout: defaultRequestTimeout,
	}
	m.client = &http.Client{
		Transport: transport,
		// リダイレクトはそのままクライアントに返す
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Fetch は上流にリクエストを送りレスポンスを読み込む
// 通信の失敗とタイムアウトはネットワークエラーとして返す
func (m *Manager) Fetch(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header = cleanHeaders(req.Headers)

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, domain.NewNetworkError(req.URL.String(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, m.maxBodySize+1))
	if err != nil {
		return nil, domain.NewNetworkError(req.URL.String(), err)
	}

	cacheable := true
	if int64(len(data)) > m.maxBodySize {
		// 残りを読み切ってそのまま返す. キャッシュはしない
		rest, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, domain.NewNetworkError(req.URL.String(), err)
		}
		data = append(data, rest...)
		cacheable = false
	}

	return &domain.Response{
		RequestID:  req.ID,
		StatusCode: resp.StatusCode,
		Headers:    cleanHeaders(resp.Header),
		Body:       data,
		Cacheable:  cacheable,
		CreatedAt:  time.Now(),
	}, nil
}

// CloseAll は全てのアイドル接続を閉じる
func (m *Manager) CloseAll() error {
	m.transport.CloseIdleConnections()
	return nil
}

// cleanHeaders はホップバイホップヘッダを除いたコピーを返す
func cleanHeaders(h map[string][]string) http.Header {
	out := http.Header(h).Clone()
	if out == nil {
		out = make(http.Header)
	}
	for _, name := range hopHeaders {
		out.Del(name)
	}
	// ボディは読み込み済みのため長さは書き込み時に決まる
	out.Del("Content-Length")
	return out
}
