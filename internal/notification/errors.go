package notification

import "errors"

var (
	// ErrNotFound は通知が存在しないことを表す。
	ErrNotFound = errors.New("通知が見つかりません")
	// ErrDuplicate は同じ重複排除キーの通知が既に存在することを表す。
	ErrDuplicate = errors.New("同じ重複排除キーの通知が既に存在します")
	// ErrInvalidPayload はペイロードの必須項目が欠けていることを表す。
	ErrInvalidPayload = errors.New("ペイロードが不正です")
	// ErrUnknownCategory は未知のカテゴリが指定されたことを表す。
	ErrUnknownCategory = errors.New("未知のカテゴリです")
)
