package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/nao1215/andon/internal/fanout"
	"github.com/nao1215/andon/internal/notification"
	"github.com/nao1215/andon/pkg/event"
	"github.com/nao1215/andon/pkg/logx"
)

// DefaultQueueSize は配信キューの既定の長さ。
const DefaultQueueSize = 256

// announceTask は新規通知の配信1件分。
type announceTask struct {
	record *notification.Record
}

// Publisher は外部から通知を受け付ける。永続化は呼び出し元の処理内で行い、
// 配信は単一のディスパッチャgoroutineがキュー順に行う。
type Publisher struct {
	store notification.Store
	bc    *fanout.Broadcaster
	log   logx.Logger

	queue chan announceTask

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPublisher はPublisherを生成する。queueSizeが0以下なら DefaultQueueSize を使う。
func NewPublisher(store notification.Store, bc *fanout.Broadcaster, queueSize int, log logx.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Publisher{
		store:  store,
		bc:     bc,
		log:    log.With(logx.String("component", "publisher")),
		queue:  make(chan announceTask, queueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start はディスパッチャを起動する。2回目以降の呼び出しは何もしない。
// Start前に発行された通知はキューに溜まり、起動後に配信される。
func (p *Publisher) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	go p.dispatch(ctx)
}

// Stop は新規の受け付けを止め、キューに残った配信を済ませてからディスパッチャを終了する。
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	started := p.started
	close(p.stopCh)
	p.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("配信キューの停止待ちがタイムアウト: %w", ctx.Err())
	}
}

// Publish は通知を作成し、新規通知の配信をキューに積む。
// 戻った時点で通知は永続化されている。配信できなかった場合もエラーにはしない。
func (p *Publisher) Publish(ctx context.Context, payload notification.Payload) (*notification.Record, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: ペイロードがありません", notification.ErrInvalidPayload)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	rec, err := p.store.Create(ctx, payload)
	if err != nil {
		return nil, err
	}
	publishTotal.WithLabelValues(string(rec.Category)).Inc()
	p.enqueue(announceTask{record: rec})
	return rec, nil
}

func (p *Publisher) enqueue(t announceTask) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fields := []logx.Field{
		logx.String("category", string(t.record.Category)),
		logx.Int64("notification_id", t.record.ID),
	}
	if p.stopped {
		announceDroppedTotal.WithLabelValues(string(t.record.Category)).Inc()
		p.log.Warn("停止後のため新規通知を配信しません", fields...)
		return
	}
	select {
	case p.queue <- t:
	default:
		announceDroppedTotal.WithLabelValues(string(t.record.Category)).Inc()
		p.log.Warn("配信キューが一杯のため新規通知を配信しません", fields...)
	}
}

func (p *Publisher) dispatch(ctx context.Context) {
	defer close(p.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			p.drain()
			return
		case t := <-p.queue:
			p.announce(t)
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case t := <-p.queue:
			p.announce(t)
		default:
			return
		}
	}
}

func (p *Publisher) announce(t announceTask) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("新規通知の配信中にパニック",
				logx.Int64("notification_id", t.record.ID),
				logx.Any("panic", r),
			)
		}
	}()

	rec := t.record
	env, err := event.NewNotification(string(rec.Category), rec.ID, rec)
	if err != nil {
		p.log.Error("新規通知メッセージの生成に失敗", logx.Int64("notification_id", rec.ID), logx.Err(err))
		return
	}
	report := p.bc.Announce(rec.Category, env)
	p.log.Debug("新規通知を配信しました",
		logx.String("category", string(rec.Category)),
		logx.Int64("notification_id", rec.ID),
		logx.Int("targets", report.Targets),
		logx.Int("delivered", report.Delivered),
	)
}
