package notification

import (
	"encoding/json"
	"time"
)

// Record は永続化された通知。Acknowledge以外で変更されることはない。
type Record struct {
	ID             int64           `json:"id"`
	Category       Category        `json:"category"`
	SourceID       int64           `json:"source_id"`
	Title          string          `json:"title"`
	Message        string          `json:"message"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	IsAcknowledged bool            `json:"is_acknowledged"`
	// AcknowledgedBy と AcknowledgedAt は確認済みの場合のみ設定される。
	AcknowledgedBy *string    `json:"acknowledged_by"`
	AcknowledgedAt *time.Time `json:"acknowledged_at"`
}

const (
	// DefaultLimit は一覧取得の既定件数。
	DefaultLimit = 100
	// MaxLimit は一覧取得の最大件数。
	MaxLimit = 1000
)

// Filter は一覧取得の絞り込み条件。ゼロ値は未確認の通知を新しい順に DefaultLimit 件返す。
type Filter struct {
	// Since 以降（含む）に作成された通知に絞り込む。
	Since *time.Time
	// Until 以前（含む）に作成された通知に絞り込む。
	Until *time.Time
	// SourceID は発生元エンティティIDでの絞り込み。
	SourceID *int64
	// Search はステータス名と品番に対する大文字小文字を区別しない部分一致。
	Search string
	// Acknowledged はnilの場合、未確認のみを対象とする。
	Acknowledged *bool
	// Limit は 1..MaxLimit に丸められる。0は DefaultLimit。
	Limit int
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultLimit
	case f.Limit > MaxLimit:
		return MaxLimit
	default:
		return f.Limit
	}
}

// AckResult は確認処理の結果。
type AckResult int

const (
	// AckOK は今回の呼び出しで確認済みに遷移したことを表す。
	AckOK AckResult = iota + 1
	// AckAlready は既に確認済みだったことを表す。
	AckAlready
	// AckNotFound は通知が存在しないことを表す。
	AckNotFound
)

func (r AckResult) String() string {
	switch r {
	case AckOK:
		return "ok"
	case AckAlready:
		return "already_acknowledged"
	case AckNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}
