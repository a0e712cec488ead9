package calibration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nao1215/andon/internal/notification"
	"github.com/nao1215/andon/pkg/logx"
)

// DefaultSchedule は既定の確認間隔。
const DefaultSchedule = "@every 30s"

// Publisher は通知を発行する。engine.Publisher が満たす。
type Publisher interface {
	Publish(ctx context.Context, p notification.Payload) (*notification.Record, error)
}

// Deduper は重複排除キーの存在を確認する。notification.Store が満たす。
type Deduper interface {
	ExistsDedup(ctx context.Context, c notification.Category, key string) (bool, error)
}

// Options はScannerの設定。
type Options struct {
	// Schedule はcron式または @every 形式の記述子。空なら DefaultSchedule。
	Schedule string
	// Timezone は期限日の判定とスケジュールに使うタイムゾーン。空ならローカル。
	Timezone string
}

// Summary は1回の確認結果。
type Summary struct {
	Found   int
	Created int
	Skipped int
	Failed  int
}

// Scanner は校正期限を定期的に確認する。
type Scanner struct {
	source Source
	dedup  Deduper
	pub    Publisher
	log    logx.Logger
	loc    *time.Location
	now    func() time.Time

	schedule cron.Schedule
	expr     string

	mu   sync.Mutex
	cron *cron.Cron
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewScanner はScannerを生成する。スケジュールやタイムゾーンが不正ならエラーを返す。
func NewScanner(opts Options, source Source, dedup Deduper, pub Publisher, log logx.Logger) (*Scanner, error) {
	expr := strings.TrimSpace(opts.Schedule)
	if expr == "" {
		expr = DefaultSchedule
	}
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("スケジュール %q が不正です: %w", expr, err)
	}
	loc := time.Local
	if tz := strings.TrimSpace(opts.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("タイムゾーン %q が不正です: %w", tz, err)
		}
	}
	return &Scanner{
		source:   source,
		dedup:    dedup,
		pub:      pub,
		log:      log.With(logx.String("component", "calibration")),
		loc:      loc,
		now:      time.Now,
		schedule: schedule,
		expr:     expr,
	}, nil
}

// Start は定期確認を開始する。前回の確認が終わっていない回はスキップする。
func (s *Scanner) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}

	logger := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(logger),
	)
	// Schedule は WithChain を適用しないため、ジョブ側で包む
	job := cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)).Then(cron.FuncJob(func() {
		if _, err := s.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("校正期限の確認に失敗", logx.Err(err))
		}
	}))
	c.Schedule(s.schedule, job)
	c.Start()
	s.cron = c
	s.log.Info("校正期限の定期確認を開始しました",
		logx.String("schedule", s.expr),
		logx.String("tz", s.loc.String()),
	)
}

// Stop は定期確認を止め、実行中の確認の終了を待つ。
func (s *Scanner) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("校正期限確認の停止待ちがタイムアウト: %w", ctx.Err())
	}
}

// ScanOnce は期限の到来した対象を1回確認し、未通知の（対象, 期限日）について通知を発行する。
// 個々の発行の失敗は記録して続行し、読み取りの失敗だけをエラーとして返す。
func (s *Scanner) ScanOnce(ctx context.Context) (Summary, error) {
	today := s.now().In(s.loc).Format(notification.DateLayout)
	due, err := s.source.Overdue(ctx, today)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{Found: len(due)}
	for _, p := range due {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		fields := []logx.Field{
			logx.String("category", string(p.Category())),
			logx.Int64("source_id", p.SourceID()),
			logx.String("dedup_key", p.DedupKey()),
		}

		exists, err := s.dedup.ExistsDedup(ctx, p.Category(), p.DedupKey())
		if err != nil {
			sum.Failed++
			s.log.Warn("重複確認に失敗", append(fields, logx.Err(err))...)
			continue
		}
		if exists {
			sum.Skipped++
			continue
		}

		rec, err := s.pub.Publish(ctx, p)
		switch {
		case errors.Is(err, notification.ErrDuplicate):
			// 重複確認と作成の間に別の確認が作成した
			sum.Skipped++
		case err != nil:
			sum.Failed++
			s.log.Warn("校正期限通知の発行に失敗", append(fields, logx.Err(err))...)
		default:
			sum.Created++
			s.log.Info("校正期限通知を発行しました", append(fields, logx.Int64("notification_id", rec.ID))...)
		}
	}
	return sum, nil
}

// cronLogger はcronのログをlogxに流す。
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	fields := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields = append(fields, logx.Any(key, kv[i+1]))
	}
	return fields
}
