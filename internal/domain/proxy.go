package domain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// Request はプロキシリクエストを表す.
type Request struct {
	ID        string
	ClientIP  string
	Method    string
	URL       *url.URL
	Headers   map[string][]string
	Body      []byte
	CreatedAt time.Time
}

// Clone はバックグラウンド処理用にリクエストを複製する.
func (r *Request) Clone() *Request {
	c := *r
	u := *r.URL
	c.URL = &u
	c.Headers = http.Header(r.Headers).Clone()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Response はプロキシレスポンスを表す.
type Response struct {
	RequestID   string
	StatusCode  int
	Headers     map[string][]string
	Body        []byte
	IsFromCache bool
	// Cacheable がfalseの場合, 成功してもキャッシュに書き込まない (サイズ超過など).
	Cacheable bool
	CreatedAt time.Time
}

// OK はステータスが2xxか確認.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ToEntry はレスポンスをキャッシュエントリに変換.
func (r *Response) ToEntry(key CacheKey, now time.Time) *CacheEntry {
	return &CacheEntry{
		Key:      key,
		Status:   r.StatusCode,
		Headers:  http.Header(r.Headers).Clone(),
		Body:     append([]byte(nil), r.Body...),
		StoredAt: now,
	}
}

// ResponseFromEntry はキャッシュエントリからレスポンスを作成.
func ResponseFromEntry(requestID string, e *CacheEntry) *Response {
	return &Response{
		RequestID:   requestID,
		StatusCode:  e.Status,
		Headers:     http.Header(e.Headers).Clone(),
		Body:        e.Body,
		IsFromCache: true,
		CreatedAt:   time.Now(),
	}
}

// UnavailableBody は合成エラーレスポンスのボディ.
type UnavailableBody struct {
	Error  string `json:"error"`
	Cached bool   `json:"cached"`
}

// SyntheticUnavailable はネットワーク不通時の合成503レスポンスを作成.
func SyntheticUnavailable(requestID string) *Response {
	return jsonErrorResponse(requestID, http.StatusServiceUnavailable, "network unavailable")
}

// ErrorResponse は任意のステータスのJSONエラーレスポンスを作成.
func ErrorResponse(requestID string, status int, msg string) *Response {
	return jsonErrorResponse(requestID, status, msg)
}

func jsonErrorResponse(requestID string, status int, msg string) *Response {
	body, _ := json.Marshal(UnavailableBody{Error: msg, Cached: false})
	return &Response{
		RequestID:  requestID,
		StatusCode: status,
		Headers:    map[string][]string{"Content-Type": {"application/json"}},
		Body:       body,
		CreatedAt:  time.Now(),
	}
}

// Fetcher はネットワークからレスポンスを取得するインターフェース.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}
