package handler

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"cacheproxy/internal/domain"
	"cacheproxy/internal/usecase"
)

const (
	defaultMaxRequestBody = 10 * 1024 * 1024
	cacheHeader           = "X-Cache"
)

// ProxyHandler はインターセプトしたリクエストを処理する
type ProxyHandler struct {
	dispatcher     *usecase.Dispatcher
	proxyUseCase   *usecase.ProxyUseCase
	origin         *url.URL
	maxRequestBody int64
	logger         domain.Logger
	seq            atomic.Uint64
}

// NewProxyHandler は新しいProxyHandlerインスタンスを作成
// originがnilの場合は絶対形式のリクエストのみを受け付ける
func NewProxyHandler(
	dispatcher *usecase.Dispatcher,
	proxyUseCase *usecase.ProxyUseCase,
	origin *url.URL,
	logger domain.Logger,
) *ProxyHandler {
	return &ProxyHandler{
		dispatcher:     dispatcher,
		proxyUseCase:   proxyUseCase,
		origin:         origin,
		maxRequestBody: defaultMaxRequestBody,
		logger:         logger,
	}
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		h.handleConnect(w, r)
		return
	}

	req, status, err := h.buildRequest(r)
	if err != nil {
		h.logger.Warn("Rejected request", map[string]interface{}{
			"method": r.Method,
			"url":    r.URL.String(),
			"error":  err.Error(),
		})
		writeResponse(w, domain.ErrorResponse("", status, err.Error()), "")
		return
	}

	res, err := h.dispatcher.Dispatch(r.Context(), usecase.Event{
		Kind:    usecase.EventFetch,
		Request: req,
	})
	if err != nil {
		h.writeError(w, req, err)
		return
	}

	writeResponse(w, res.Response, res.Outcome.CacheHeader())
}

// buildRequest はHTTPリクエストをドメインのリクエストに変換する
func (h *ProxyHandler) buildRequest(r *http.Request) (*domain.Request, int, error) {
	target, err := h.resolve(r)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, h.maxRequestBody+1))
		if err != nil {
			return nil, http.StatusBadRequest, fmt.Errorf("failed to read request body: %w", err)
		}
		if int64(len(body)) > h.maxRequestBody {
			return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("request body too large")
		}
	}

	return &domain.Request{
		ID:        h.nextID(),
		ClientIP:  clientIP(r),
		Method:    r.Method,
		URL:       target,
		Headers:   r.Header.Clone(),
		Body:      body,
		CreatedAt: time.Now(),
	}, 0, nil
}

// resolve は絶対形式ならそのまま, そうでなければoriginに対して解決する
func (h *ProxyHandler) resolve(r *http.Request) (*url.URL, error) {
	if r.URL.IsAbs() {
		u := *r.URL
		return &u, nil
	}
	if h.origin == nil {
		return nil, fmt.Errorf("absolute URL required: no origin configured")
	}
	return h.origin.ResolveReference(&url.URL{
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}), nil
}

func (h *ProxyHandler) writeError(w http.ResponseWriter, req *domain.Request, err error) {
	fields := map[string]interface{}{
		"request_id": req.ID,
		"method":     req.Method,
		"url":        req.URL.String(),
	}

	switch {
	case domain.IsNotReady(err):
		h.logger.Warn("Cache not active", fields)
		writeResponse(w, domain.ErrorResponse(req.ID, http.StatusServiceUnavailable, "cache not active"), "")
	case domain.IsNetworkError(err):
		h.logger.Warn("Network unavailable", fields)
		writeResponse(w, domain.ErrorResponse(req.ID, http.StatusBadGateway, "network unavailable"), "")
	default:
		h.logger.Error("Request failed", err, fields)
		writeResponse(w, domain.ErrorResponse(req.ID, http.StatusInternalServerError, "internal error"), "")
	}
}

func (h *ProxyHandler) nextID() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(h.seq.Add(1), 36)
}

func (h *ProxyHandler) handleConnect(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		h.logger.Error("Hijacking not supported", nil, nil)
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		h.logger.Error("Hijacking failed", err, nil)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer clientConn.Close()

	// 200 Connection Established を先に返す
	response := []byte("HTTP/1.1 200 Connection Established\r\n\r\n")
	if _, err := clientConn.Write(response); err != nil {
		h.logger.Error("Failed to write connection established response", err, nil)
		return
	}

	if err := h.proxyUseCase.HandleTunnel(r.Context(), clientConn, r.Host, ip); err != nil {
		h.logger.Error("Tunnel handling failed", err, map[string]interface{}{
			"host":      r.Host,
			"client_ip": ip,
		})
	}
}

// writeResponse はドメインのレスポンスを書き出す
func writeResponse(w http.ResponseWriter, resp *domain.Response, cache string) {
	header := w.Header()
	for k, vs := range resp.Headers {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	if cache != "" {
		header.Set(cacheHeader, cache)
	}
	header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
