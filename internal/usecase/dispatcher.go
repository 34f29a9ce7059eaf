package usecase

import (
	"context"
	"fmt"

	"cacheproxy/internal/domain"
)

// EventKind はホストから届くイベントの種類
type EventKind string

const (
	EventInstall  EventKind = "install"
	EventActivate EventKind = "activate"
	EventFetch    EventKind = "fetch"
	EventMessage  EventKind = "message"
)

// Event はディスパッチするイベント
type Event struct {
	Kind    EventKind
	Request *domain.Request
	Message *domain.ControlMessage
}

// EventResult はfetchイベントの結果
type EventResult struct {
	Response *domain.Response
	Outcome  domain.Outcome
}

type eventHandler func(ctx context.Context, ev Event) (*EventResult, error)

// Dispatcher はイベントの種類ごとのハンドラ表
type Dispatcher struct {
	handlers  map[EventKind]eventHandler
	lifecycle *LifecycleController
	proxy     *ProxyUseCase
	stats     *StatsUseCase
	logger    domain.Logger
}

// NewDispatcher は新しいDispatcherインスタンスを作成
func NewDispatcher(
	lifecycle *LifecycleController,
	proxy *ProxyUseCase,
	stats *StatsUseCase,
	logger domain.Logger,
) *Dispatcher {
	d := &Dispatcher{
		lifecycle: lifecycle,
		proxy:     proxy,
		stats:     stats,
		logger:    logger,
	}
	d.handlers = map[EventKind]eventHandler{
		EventInstall:  d.onInstall,
		EventActivate: d.onActivate,
		EventFetch:    d.onFetch,
		EventMessage:  d.onMessage,
	}
	return d
}

// Dispatch はイベントを対応するハンドラに渡す
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (*EventResult, error) {
	h, ok := d.handlers[ev.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return h(ctx, ev)
}

func (d *Dispatcher) onInstall(ctx context.Context, _ Event) (*EventResult, error) {
	return nil, d.lifecycle.Install(ctx)
}

func (d *Dispatcher) onActivate(ctx context.Context, _ Event) (*EventResult, error) {
	return nil, d.lifecycle.Activate(ctx)
}

func (d *Dispatcher) onFetch(ctx context.Context, ev Event) (*EventResult, error) {
	if ev.Request == nil {
		return nil, fmt.Errorf("fetch event without request")
	}
	resp, outcome, err := d.proxy.Handle(ctx, ev.Request)
	if err != nil {
		return nil, err
	}
	return &EventResult{Response: resp, Outcome: outcome}, nil
}

// onMessage は制御メッセージを非同期に処理し, 応答チャネルに一度だけ返す
func (d *Dispatcher) onMessage(ctx context.Context, ev Event) (*EventResult, error) {
	msg := ev.Message
	if msg == nil || msg.Reply == nil {
		return nil, fmt.Errorf("message event without reply channel")
	}

	go func() {
		reply := d.handleMessage(ctx, msg.Kind)
		select {
		case msg.Reply <- reply:
		case <-ctx.Done():
			d.logger.Warn("Control reply abandoned", map[string]interface{}{
				"kind": string(msg.Kind),
			})
		}
	}()
	return nil, nil
}

func (d *Dispatcher) handleMessage(ctx context.Context, kind domain.ControlKind) domain.ControlReply {
	reply := domain.ControlReply{Kind: kind}
	switch kind {
	case domain.ControlStats:
		counts, err := d.stats.PartitionCounts(ctx)
		if err != nil {
			reply.Error = err.Error()
			break
		}
		reply.Partitions = counts
	case domain.ControlSkipWaiting:
		if err := d.lifecycle.SkipWaiting(ctx); err != nil {
			reply.Error = err.Error()
		}
		reply.State = d.lifecycle.State()
	case domain.ControlStatus:
		reply.State = d.lifecycle.State()
	default:
		reply.Error = fmt.Sprintf("unknown message kind %q", kind)
	}
	return reply
}
