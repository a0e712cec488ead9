package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/nao1215/andon/internal/fanout"
	"github.com/nao1215/andon/internal/notification"
	"github.com/nao1215/andon/pkg/event"
	"github.com/nao1215/andon/pkg/logx"
)

// SessionConn は購読セッションが使う接続。
type SessionConn interface {
	fanout.Conn
	// Activate は最初のフレームを書き込み、以降キューに積まれたフレームの送信を始める。
	Activate(first []byte) error
	// Read は次の受信フレームを返す。接続が閉じるとエラーを返す。
	Read() ([]byte, error)
}

// SessionOptions はセッションの設定。
type SessionOptions struct {
	// CommandRate は1秒あたりに処理する受信コマンド数。0以下なら制限しない。
	CommandRate float64
	// CommandBurst は受信コマンドのバースト数。
	CommandBurst int
}

// SessionHandler は購読接続を1本ずつ処理する。
type SessionHandler struct {
	store    notification.Store
	registry *fanout.Registry
	ack      *Acknowledger
	opts     SessionOptions
	log      logx.Logger
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(store notification.Store, registry *fanout.Registry, ack *Acknowledger, opts SessionOptions, log logx.Logger) *SessionHandler {
	if opts.CommandBurst <= 0 {
		opts.CommandBurst = 1
	}
	return &SessionHandler{
		store:    store,
		registry: registry,
		ack:      ack,
		opts:     opts,
		log:      log.With(logx.String("component", "session")),
	}
}

// Serve は接続が閉じるかctxがキャンセルされるまでセッションを処理する。
// 接続は先に登録し、その後に読んだ未確認通知をスナップショットとして送るので、
// 登録後に作成された通知は必ず新規通知として届く。
// 未知のカテゴリは拒否せず、空のスナップショットを送る。配信対象にはならない。
// defaultActor はコマンドに user_id がない場合の確認者（認証済みユーザー）。
func (h *SessionHandler) Serve(ctx context.Context, c notification.Category, conn SessionConn, defaultActor string) error {
	log := h.log.With(logx.String("category", string(c)), logx.String("conn_id", conn.ID()))

	if c.Valid() {
		h.registry.Register(c, conn)
	}
	defer func() {
		if c.Valid() {
			h.registry.Unregister(c, conn)
		}
		_ = conn.Close()
		log.Info("購読を終了しました")
	}()
	sessionsTotal.WithLabelValues(categoryLabel(c)).Inc()

	first, err := h.snapshot(ctx, c)
	if err != nil {
		return err
	}
	if err := conn.Activate(first); err != nil {
		return fmt.Errorf("スナップショットの送信に失敗: %w", err)
	}
	log.Info("購読を開始しました")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var limiter *rate.Limiter
	if h.opts.CommandRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.opts.CommandRate), h.opts.CommandBurst)
	}

	for {
		data, err := conn.Read()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Debug("受信を終了します", logx.Err(err))
			return nil
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := h.handleCommand(ctx, c, conn, data, defaultActor, log); err != nil {
			return err
		}
	}
}

// snapshot は未確認通知すべてを含むスナップショットフレームを作る。未確認がなくても空の一覧を送る。
func (h *SessionHandler) snapshot(ctx context.Context, c notification.Category) ([]byte, error) {
	records, err := h.store.Backlog(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("未確認通知の取得に失敗: %w", err)
	}
	env, err := event.NewSnapshot(string(c), records, len(records))
	if err != nil {
		return nil, err
	}
	return env.Marshal()
}

// handleCommand は受信コマンドを処理して送信元にだけ結果を返す。
// 送信元への返信に失敗した場合だけエラーを返し、セッションを終える。
func (h *SessionHandler) handleCommand(ctx context.Context, c notification.Category, conn SessionConn, data []byte, defaultActor string, log logx.Logger) error {
	var reply event.Result

	cmd, err := event.DecodeCommand(data)
	switch {
	case errors.Is(err, event.ErrInvalidCommand):
		log.Debug("不正なコマンドを受信しました", logx.Err(err))
		ackTotal.WithLabelValues(categoryLabel(c), string(OutcomeInvalid)).Inc()
		reply = event.NewResult(event.StatusInvalid, 0, "コマンドの形式が不正です")
	case err != nil:
		return err
	default:
		actor := cmd.UserID
		if actor == "" {
			actor = defaultActor
		}
		res, err := h.ack.Acknowledge(ctx, c, cmd.NotificationID, actor)
		if err != nil {
			log.Error("確認処理に失敗", logx.Int64("notification_id", cmd.NotificationID), logx.Err(err))
			reply = event.NewResult(event.StatusError, cmd.NotificationID, "確認処理に失敗しました")
		} else {
			reply = event.NewResult(res.Outcome.Status(), cmd.NotificationID, res.Outcome.Message())
		}
	}

	frame, err := reply.Marshal()
	if err != nil {
		return err
	}
	if err := conn.Send(frame); err != nil {
		return fmt.Errorf("結果の送信に失敗: %w", err)
	}
	return nil
}
