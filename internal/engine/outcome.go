package engine

import "github.com/nao1215/andon/pkg/event"

// Outcome は確認要求の処理結果。
type Outcome string

const (
	// OutcomeSuccess は今回の要求で確認済みになったことを表す。
	OutcomeSuccess Outcome = "success"
	// OutcomeAlreadyAcknowledged は既に確認済みだったことを表す。
	OutcomeAlreadyAcknowledged Outcome = "already_acknowledged"
	// OutcomeNotFound は通知が存在しないことを表す。
	OutcomeNotFound Outcome = "not_found"
	// OutcomeInvalid は要求が不正であることを表す。
	OutcomeInvalid Outcome = "invalid"
)

// Status は結果メッセージのステータスに変換する。
func (o Outcome) Status() event.Status {
	switch o {
	case OutcomeSuccess:
		return event.StatusSuccess
	case OutcomeAlreadyAcknowledged:
		return event.StatusAlreadyAcknowledged
	case OutcomeNotFound:
		return event.StatusNotFound
	default:
		return event.StatusInvalid
	}
}

// Message は結果の説明文を返す。
func (o Outcome) Message() string {
	switch o {
	case OutcomeSuccess:
		return "通知を確認しました"
	case OutcomeAlreadyAcknowledged:
		return "通知は既に確認済みです"
	case OutcomeNotFound:
		return "通知が見つかりません"
	default:
		return "リクエストが不正です"
	}
}
