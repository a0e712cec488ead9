package event

import (
	"encoding/json"
	"time"
)

// Type は配信メッセージの種類を表す。
type Type string

const (
	// TypeInitialNotifications は接続直後に送る未確認通知のスナップショットを表す。
	TypeInitialNotifications Type = "initial_notifications"
	// TypeNewNotification は新しい通知が作成されたことを表す。
	TypeNewNotification Type = "new_notification"
	// TypeNotificationAcknowledged は通知が確認されたことを表す。
	TypeNotificationAcknowledged Type = "notification_acknowledged"
	// TypeAcknowledgeResult は確認コマンドの処理結果を表す。
	TypeAcknowledgeResult Type = "acknowledge_result"
)

// CommandType はクライアントから受信するコマンドの種類を表す。
type CommandType string

const (
	// CommandAcknowledge は通知の確認コマンド。
	CommandAcknowledge CommandType = "acknowledge"
	// CommandMarkRead は旧クライアント向けの既読コマンド。acknowledgeと同じ扱いになる。
	CommandMarkRead CommandType = "mark_read"
)

// Status は確認処理の結果を表す。
type Status string

const (
	// StatusSuccess は確認に成功したことを表す。
	StatusSuccess Status = "success"
	// StatusAlreadyAcknowledged は既に確認済みだったことを表す。エラーではない。
	StatusAlreadyAcknowledged Status = "already_acknowledged"
	// StatusNotFound は通知が存在しないことを表す。
	StatusNotFound Status = "not_found"
	// StatusInvalid はリクエストが不正であることを表す。
	StatusInvalid Status = "invalid"
	// StatusError はサーバー側の障害で処理できなかったことを表す。
	StatusError Status = "error"
)

// Envelope はカテゴリの購読者へ配信するメッセージ。
// 種類に応じて Notifications または Notification のどちらかが設定される。
type Envelope struct {
	// MessageID はメッセージの一意識別子（UUID）。少なくとも1回配信のため重複排除に使える。
	MessageID string `json:"message_id"`
	// Type はメッセージの種類。
	Type Type `json:"type"`
	// Category は通知カテゴリ名。
	Category string `json:"category"`
	// TotalNotifications はスナップショットに含まれる通知件数。
	TotalNotifications *int `json:"total_notifications,omitempty"`
	// Notifications はスナップショットの通知一覧（作成日時の新しい順）。
	Notifications json.RawMessage `json:"notifications,omitempty"`
	// NotificationID は対象の通知ID。
	NotificationID int64 `json:"notification_id,omitempty"`
	// Notification は対象の通知レコード。
	Notification json.RawMessage `json:"notification,omitempty"`
	// AcknowledgedBy は確認したユーザーのID。
	AcknowledgedBy string `json:"acknowledged_by,omitempty"`
	// AcknowledgedAt は確認日時。
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	// SentAt はメッセージの送信日時。
	SentAt time.Time `json:"sent_at"`
}

// Result は確認コマンドの処理結果。コマンドを送った接続にのみ返す。
type Result struct {
	// Type は常に acknowledge_result。
	Type Type `json:"type"`
	// Status は処理結果。
	Status Status `json:"status"`
	// NotificationID は対象の通知ID。
	NotificationID int64 `json:"notification_id,omitempty"`
	// Message は人が読むための説明。
	Message string `json:"message"`
}

// Command はクライアントから受信するコマンド。
type Command struct {
	// Type はコマンドの種類。
	Type CommandType `json:"type"`
	// NotificationID は対象の通知ID。
	NotificationID int64 `json:"notification_id"`
	// UserID は操作したユーザーのID。
	UserID string `json:"user_id"`
}
