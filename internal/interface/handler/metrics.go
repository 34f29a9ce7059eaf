package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"cacheproxy/internal/domain"
	"cacheproxy/internal/usecase"
)

const defaultControlTimeout = 5 * time.Second

// ControlHandler はメトリクスと制御用のHTTPリクエストを処理
type ControlHandler struct {
	metricsUseCase *usecase.MetricsUseCase
	dispatcher     *usecase.Dispatcher
	logger         domain.Logger
	timeout        time.Duration
}

// NewControlHandler は新しいControlHandlerインスタンスを作成
func NewControlHandler(
	metricsUseCase *usecase.MetricsUseCase,
	dispatcher *usecase.Dispatcher,
	logger domain.Logger,
) *ControlHandler {
	return &ControlHandler{
		metricsUseCase: metricsUseCase,
		dispatcher:     dispatcher,
		logger:         logger,
		timeout:        defaultControlTimeout,
	}
}

// Routes は制御サーバーのルーティングを返す
func (h *ControlHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", h.HandleMetrics)
	mux.HandleFunc("GET /metrics.json", h.HandleMetricsJSON)
	mux.HandleFunc("GET /stats", h.HandleStats)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("POST /skip-waiting", h.HandleSkipWaiting)
	return mux
}

// HandleMetrics はPrometheus形式のメトリクスを提供
func (h *ControlHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.metricsUseCase.GetPrometheusMetrics(r.Context())
	if err != nil {
		h.logger.Error("Failed to get metrics", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(metrics))
}

// HandleMetricsJSON はJSON形式のメトリクスを提供
func (h *ControlHandler) HandleMetricsJSON(w http.ResponseWriter, _ *http.Request) {
	data, err := h.metricsUseCase.GetMetricsSnapshot().ToJSON()
	if err != nil {
		h.logger.Error("Failed to encode metrics", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// HandleStats は制御メッセージ経由でパーティションごとのエントリ数を返す
func (h *ControlHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, domain.ControlStats)
}

// HandleSkipWaiting は待機中の世代を即座に有効化する
func (h *ControlHandler) HandleSkipWaiting(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, domain.ControlSkipWaiting)
}

// HandleHealth はヘルスチェックエンドポイントを提供
func (h *ControlHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	reply, err := h.send(r.Context(), domain.ControlStatus)
	if err != nil {
		h.logger.Error("Failed to get status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "up",
		"state":  reply.State,
		"ready":  reply.State == domain.StateActive,
	})
}

func (h *ControlHandler) respond(w http.ResponseWriter, r *http.Request, kind domain.ControlKind) {
	reply, err := h.send(r.Context(), kind)
	if err != nil {
		h.logger.Error("Control message failed", err, map[string]interface{}{
			"kind": string(kind),
		})
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if reply.Error != "" {
		status = http.StatusConflict
	}
	writeJSON(w, status, reply)
}

// send は制御メッセージを送り応答を待つ
func (h *ControlHandler) send(ctx context.Context, kind domain.ControlKind) (domain.ControlReply, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	reply := make(chan domain.ControlReply, 1)
	if _, err := h.dispatcher.Dispatch(ctx, usecase.Event{
		Kind:    usecase.EventMessage,
		Message: &domain.ControlMessage{Kind: kind, Reply: reply},
	}); err != nil {
		return domain.ControlReply{}, err
	}

	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return domain.ControlReply{}, ctx.Err()
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
