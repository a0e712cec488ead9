package notification

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nao1215/andon/pkg/logx"
	"github.com/nao1215/andon/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store は通知の永続化層。実装は並行に呼び出されても安全でなければならない。
type Store interface {
	// Create はペイロードから通知を作成する。戻った時点で永続化されている。
	// 重複排除キーが既に存在する場合は ErrDuplicate を返す。
	Create(ctx context.Context, p Payload) (*Record, error)
	// Get は通知を1件取得する。存在しない場合は ErrNotFound を返す。
	Get(ctx context.Context, c Category, id int64) (*Record, error)
	// ListUnacknowledged は条件に合う通知を作成日時の新しい順に返す。
	// 未知のカテゴリは空の結果になる。
	ListUnacknowledged(ctx context.Context, c Category, f Filter) ([]Record, error)
	// Backlog は未確認の通知をすべて作成日時の新しい順に返す。件数の上限はない。
	// 未知のカテゴリは空の結果になる。
	Backlog(ctx context.Context, c Category) ([]Record, error)
	// Acknowledge は未確認の通知を確認済みにする。同時に呼び出しても AckOK になるのは1回だけ。
	Acknowledge(ctx context.Context, c Category, id int64, actor string, at time.Time) (AckResult, *Record, error)
	// ExistsDedup は重複排除キーを持つ通知が存在するかを返す。
	ExistsDedup(ctx context.Context, c Category, key string) (bool, error)
	// CountUnacknowledged は未確認の通知件数を返す。
	CountUnacknowledged(ctx context.Context, c Category) (int, error)
}

// Options はSQLiteStoreの接続設定。
type Options struct {
	// Path はデータベースファイルのパス。":memory:" でインメモリになる。
	Path string
	// BusyTimeout はロック待ちの上限。
	BusyTimeout time.Duration
}

// timeLayout は日時カラムの保存形式。固定長なので文字列比較で時刻順になる。
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const recordColumns = `id, category, source_id, title, message, payload, created_at,
	is_acknowledged, acknowledged_by, acknowledged_at`

// SQLiteStore はSQLiteによる Store の実装。
type SQLiteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore はデータベースを開き、未適用のマイグレーションを適用する。
func NewSQLiteStore(ctx context.Context, opts Options, log logx.Logger) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("データベースのオープンに失敗: %w", err)
	}
	// SQLiteの書き込みは単一なので接続も1本に絞る。インメモリDBの共有にも必要。
	db.SetMaxOpenConns(1)

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s の実行に失敗: %w", p, err)
		}
	}

	log = log.With(logx.String("component", "store"))
	if _, err := migration.Run(ctx, db.DB, migrationsFS, "migrations", log); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, log: log}, nil
}

// DB は同じデータベースを読む他のコンポーネント向けに接続を返す。
func (s *SQLiteStore) DB() *sqlx.DB { return s.db }

// Close はデータベース接続を閉じる。
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Create(ctx context.Context, p Payload) (*Record, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: ペイロードがありません", ErrInvalidPayload)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("ペイロードのシリアライズに失敗: %w", err)
	}

	title, message := p.Summary()
	status, part := p.searchFields()
	var dedup sql.NullString
	if key := p.DedupKey(); key != "" {
		dedup = sql.NullString{String: key, Valid: true}
	}
	createdAt := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (
			category, source_id, title, message, payload,
			search_text, dedup_key, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		string(p.Category()), p.SourceID(), title, message, string(raw),
		searchText(status, part), dedup, createdAt.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("通知の作成に失敗: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("作成件数の取得に失敗: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrDuplicate, p.Category(), dedup.String)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("通知IDの取得に失敗: %w", err)
	}

	// 保存形式の精度に揃える
	createdAt, _ = time.Parse(timeLayout, createdAt.Format(timeLayout))
	return &Record{
		ID:        id,
		Category:  p.Category(),
		SourceID:  p.SourceID(),
		Title:     title,
		Message:   message,
		Payload:   raw,
		CreatedAt: createdAt,
	}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, c Category, id int64) (*Record, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+recordColumns+" FROM notifications WHERE id = ? AND category = ?",
		id, string(c),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, c, id)
	}
	if err != nil {
		return nil, fmt.Errorf("通知 %d の取得に失敗: %w", id, err)
	}
	return row.toRecord()
}

func (s *SQLiteStore) ListUnacknowledged(ctx context.Context, c Category, f Filter) ([]Record, error) {
	return s.list(ctx, c, f, f.limit())
}

func (s *SQLiteStore) Backlog(ctx context.Context, c Category) ([]Record, error) {
	return s.list(ctx, c, Filter{}, 0)
}

// list は条件に合う通知を新しい順に返す。limitが0なら件数を制限しない。
func (s *SQLiteStore) list(ctx context.Context, c Category, f Filter, limit int) ([]Record, error) {
	records := []Record{}
	if !c.Valid() {
		return records, nil
	}

	acked := false
	if f.Acknowledged != nil {
		acked = *f.Acknowledged
	}
	conditions := []string{"category = ?", "is_acknowledged = ?"}
	args := []any{string(c), acked}

	if f.Since != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	if f.Until != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, f.Until.UTC().Format(timeLayout))
	}
	if f.SourceID != nil {
		conditions = append(conditions, "source_id = ?")
		args = append(args, *f.SourceID)
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		conditions = append(conditions, `search_text LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(strings.ToLower(q))+"%")
	}

	query := "SELECT " + recordColumns + " FROM notifications WHERE " +
		strings.Join(conditions, " AND ") +
		" ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

func (s *SQLiteStore) Acknowledge(ctx context.Context, c Category, id int64, actor string, at time.Time) (AckResult, *Record, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET is_acknowledged = 1, acknowledged_by = ?, acknowledged_at = ?
		WHERE id = ? AND category = ? AND is_acknowledged = 0`,
		actor, at.UTC().Format(timeLayout), id, string(c),
	)
	if err != nil {
		return 0, nil, fmt.Errorf("通知 %d の確認に失敗: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}

	// 更新は確定済みなので、呼び出し元が離れても結果の読み込みは続ける
	rec, err := s.Get(context.WithoutCancel(ctx), c, id)
	if errors.Is(err, ErrNotFound) {
		return AckNotFound, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	if n == 1 {
		s.log.Debug("通知を確認済みにしました",
			logx.String("category", string(c)),
			logx.Int64("notification_id", id),
			logx.String("actor", actor),
		)
		return AckOK, rec, nil
	}
	return AckAlready, rec, nil
}

func (s *SQLiteStore) ExistsDedup(ctx context.Context, c Category, key string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS (SELECT 1 FROM notifications WHERE category = ? AND dedup_key = ?)",
		string(c), key,
	)
	if err != nil {
		return false, fmt.Errorf("重複排除キーの確認に失敗: %w", err)
	}
	return exists, nil
}

func (s *SQLiteStore) CountUnacknowledged(ctx context.Context, c Category) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM notifications WHERE category = ? AND is_acknowledged = 0",
		string(c),
	)
	if err != nil {
		return 0, fmt.Errorf("未確認件数の取得に失敗: %w", err)
	}
	return n, nil
}

// recordRow はnotificationsテーブルの1行。
type recordRow struct {
	ID             int64          `db:"id"`
	Category       string         `db:"category"`
	SourceID       int64          `db:"source_id"`
	Title          string         `db:"title"`
	Message        string         `db:"message"`
	Payload        string         `db:"payload"`
	CreatedAt      string         `db:"created_at"`
	IsAcknowledged bool           `db:"is_acknowledged"`
	AcknowledgedBy sql.NullString `db:"acknowledged_by"`
	AcknowledgedAt sql.NullString `db:"acknowledged_at"`
}

func (r recordRow) toRecord() (*Record, error) {
	createdAt, err := time.Parse(timeLayout, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("created_at の解析に失敗 (id=%d): %w", r.ID, err)
	}
	rec := &Record{
		ID:             r.ID,
		Category:       Category(r.Category),
		SourceID:       r.SourceID,
		Title:          r.Title,
		Message:        r.Message,
		Payload:        json.RawMessage(r.Payload),
		CreatedAt:      createdAt,
		IsAcknowledged: r.IsAcknowledged,
	}
	if r.IsAcknowledged {
		by := r.AcknowledgedBy.String
		at, err := time.Parse(timeLayout, r.AcknowledgedAt.String)
		if err != nil {
			return nil, fmt.Errorf("acknowledged_at の解析に失敗 (id=%d): %w", r.ID, err)
		}
		rec.AcknowledgedBy = &by
		rec.AcknowledgedAt = &at
	}
	return rec, nil
}

func searchText(status, part string) string {
	return strings.ToLower(status + "\n" + part)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
