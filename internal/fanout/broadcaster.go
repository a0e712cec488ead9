package fanout

import (
	"github.com/nao1215/andon/internal/notification"
	"github.com/nao1215/andon/pkg/event"
	"github.com/nao1215/andon/pkg/logx"
)

// Report は一回の配信結果。
type Report struct {
	// Targets は配信時点で登録されていた接続数。
	Targets int
	// Delivered は送信キューに積めた接続数。
	Delivered int
	// Failed は送信に失敗して切断した接続数。
	Failed int
}

// Broadcaster はカテゴリの全接続にメッセージを配信する。
type Broadcaster struct {
	registry *Registry
	log      logx.Logger
}

// NewBroadcaster はBroadcasterを生成する。
func NewBroadcaster(registry *Registry, log logx.Logger) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		log:      log.With(logx.String("component", "broadcaster")),
	}
}

// Announce はメッセージを一度だけシリアライズし、カテゴリの全接続に送る。
// 送信に失敗した接続は登録解除して閉じ、残りの接続への配信は続ける。
// 送信はブロックしないので、呼び出し元の事情で配信を打ち切ることはない。エラーは返さない。
func (b *Broadcaster) Announce(c notification.Category, env *event.Envelope) Report {
	frame, err := env.Marshal()
	if err != nil {
		b.log.Error("配信メッセージのシリアライズに失敗", logx.String("category", string(c)), logx.Err(err))
		return Report{}
	}

	members := b.registry.Members(c)
	report := Report{Targets: len(members)}
	for _, conn := range members {
		if err := conn.Send(frame); err != nil {
			report.Failed++
			b.prune(c, conn, err)
			continue
		}
		report.Delivered++
	}

	deliveredTotal.WithLabelValues(string(c)).Add(float64(report.Delivered))
	if report.Failed > 0 {
		failedTotal.WithLabelValues(string(c)).Add(float64(report.Failed))
	}
	return report
}

func (b *Broadcaster) prune(c notification.Category, conn Conn, cause error) {
	b.registry.Unregister(c, conn)
	_ = conn.Close()
	b.log.Warn("送信に失敗した接続を切断しました",
		logx.String("category", string(c)),
		logx.String("conn_id", conn.ID()),
		logx.Err(cause),
	)
}
