package engine

import (
	"context"
	"strings"
	"time"

	"github.com/nao1215/andon/internal/fanout"
	"github.com/nao1215/andon/internal/notification"
	"github.com/nao1215/andon/pkg/event"
	"github.com/nao1215/andon/pkg/logx"
)

// Result は確認要求の結果。Record は通知が存在する場合に設定される。
type Result struct {
	Outcome Outcome
	Record  *notification.Record
}

// Acknowledger は確認要求を処理する。websocketのコマンドとREST APIの両方から使う。
type Acknowledger struct {
	store notification.Store
	bc    *fanout.Broadcaster
	log   logx.Logger
	now   func() time.Time
}

// NewAcknowledger はAcknowledgerを生成する。
func NewAcknowledger(store notification.Store, bc *fanout.Broadcaster, log logx.Logger) *Acknowledger {
	return &Acknowledger{
		store: store,
		bc:    bc,
		log:   log.With(logx.String("component", "acknowledger")),
		now:   time.Now,
	}
}

// Acknowledge は通知を確認済みにする。状態が変わった場合だけカテゴリの全購読者に
// notification_acknowledged を配信する。返すエラーはストアの障害のみ。
func (a *Acknowledger) Acknowledge(ctx context.Context, c notification.Category, id int64, actor string) (Result, error) {
	actor = strings.TrimSpace(actor)
	if !c.Valid() || id <= 0 || actor == "" {
		ackTotal.WithLabelValues(categoryLabel(c), string(OutcomeInvalid)).Inc()
		return Result{Outcome: OutcomeInvalid}, nil
	}

	at := a.now().UTC()
	res, rec, err := a.store.Acknowledge(ctx, c, id, actor, at)
	if err != nil {
		return Result{}, err
	}

	var out Result
	switch res {
	case notification.AckOK:
		out = Result{Outcome: OutcomeSuccess, Record: rec}
		a.announce(c, rec)
	case notification.AckAlready:
		out = Result{Outcome: OutcomeAlreadyAcknowledged, Record: rec}
	default:
		out = Result{Outcome: OutcomeNotFound}
	}
	ackTotal.WithLabelValues(categoryLabel(c), string(out.Outcome)).Inc()
	return out, nil
}

// announce は確定した確認を配信する。要求元が切断していても他の購読者には届ける。
func (a *Acknowledger) announce(c notification.Category, rec *notification.Record) {
	env, err := event.NewAcknowledged(string(c), rec.ID, *rec.AcknowledgedBy, *rec.AcknowledgedAt, rec)
	if err != nil {
		a.log.Error("確認メッセージの生成に失敗", logx.Int64("notification_id", rec.ID), logx.Err(err))
		return
	}
	report := a.bc.Announce(c, env)
	a.log.Info("通知を確認しました",
		logx.String("category", string(c)),
		logx.Int64("notification_id", rec.ID),
		logx.String("actor", *rec.AcknowledgedBy),
		logx.Int("delivered", report.Delivered),
		logx.Int("failed", report.Failed),
	)
}

// BulkResult は一括確認の結果。
type BulkResult struct {
	Outcome Outcome
	// Acknowledged は今回の要求で確認済みになった通知のID。
	Acknowledged []int64
	// Skipped は処理中に他の要求で確認済みになっていた件数。
	Skipped int
}

// AcknowledgeAll はカテゴリの未確認通知をすべて確認済みにする。
// 1件ずつ Acknowledge を通すので、状態が変わった通知ごとに notification_acknowledged を配信する。
func (a *Acknowledger) AcknowledgeAll(ctx context.Context, c notification.Category, actor string) (BulkResult, error) {
	actor = strings.TrimSpace(actor)
	if !c.Valid() || actor == "" {
		ackTotal.WithLabelValues(categoryLabel(c), string(OutcomeInvalid)).Inc()
		return BulkResult{Outcome: OutcomeInvalid}, nil
	}

	records, err := a.store.Backlog(ctx, c)
	if err != nil {
		return BulkResult{}, err
	}
	out := BulkResult{Outcome: OutcomeSuccess, Acknowledged: []int64{}}
	for _, rec := range records {
		res, err := a.Acknowledge(ctx, c, rec.ID, actor)
		if err != nil {
			return out, err
		}
		if res.Outcome == OutcomeSuccess {
			out.Acknowledged = append(out.Acknowledged, rec.ID)
		} else {
			out.Skipped++
		}
	}
	return out, nil
}
