package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidCommand は受信したコマンドの形式が不正であることを表す。
var ErrInvalidCommand = errors.New("コマンドの形式が不正です")

// NewSnapshot は未確認通知のスナップショットメッセージを生成する。
// notificationsには通知レコードのスライスを渡す。nilは空配列として扱う。
func NewSnapshot(category string, notifications any, total int) (*Envelope, error) {
	raw, err := json.Marshal(notifications)
	if err != nil {
		return nil, fmt.Errorf("スナップショットのシリアライズに失敗: %w", err)
	}
	if bytes.Equal(raw, []byte("null")) {
		raw = json.RawMessage("[]")
	}
	env := newEnvelope(TypeInitialNotifications, category)
	env.TotalNotifications = &total
	env.Notifications = raw
	return env, nil
}

// NewNotification は新規通知メッセージを生成する。
func NewNotification(category string, id int64, notification any) (*Envelope, error) {
	raw, err := json.Marshal(notification)
	if err != nil {
		return nil, fmt.Errorf("通知レコードのシリアライズに失敗: %w", err)
	}
	env := newEnvelope(TypeNewNotification, category)
	env.NotificationID = id
	env.Notification = raw
	return env, nil
}

// NewAcknowledged は通知確認メッセージを生成する。
// notificationには確認後の通知レコードを渡す。
func NewAcknowledged(category string, id int64, by string, at time.Time, notification any) (*Envelope, error) {
	raw, err := json.Marshal(notification)
	if err != nil {
		return nil, fmt.Errorf("通知レコードのシリアライズに失敗: %w", err)
	}
	at = at.UTC()
	env := newEnvelope(TypeNotificationAcknowledged, category)
	env.NotificationID = id
	env.AcknowledgedBy = by
	env.AcknowledgedAt = &at
	env.Notification = raw
	return env, nil
}

func newEnvelope(t Type, category string) *Envelope {
	return &Envelope{
		MessageID: uuid.New().String(),
		Type:      t,
		Category:  category,
		SentAt:    time.Now().UTC(),
	}
}

// Marshal はメッセージをJSONにシリアライズする。
func (e *Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("メッセージのシリアライズに失敗: %w", err)
	}
	return b, nil
}

// NewResult は確認コマンドの結果メッセージを生成する。
func NewResult(status Status, id int64, message string) Result {
	return Result{
		Type:           TypeAcknowledgeResult,
		Status:         status,
		NotificationID: id,
		Message:        message,
	}
}

// Marshal は結果メッセージをJSONにシリアライズする。
func (r Result) Marshal() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("結果メッセージのシリアライズに失敗: %w", err)
	}
	return b, nil
}

// rawCommand は受信コマンドのデコード用構造。
// 旧クライアントのフィールド名（notification_id/user_id）と短縮名（id/actor）の両方を受け付ける。
type rawCommand struct {
	Type           CommandType `json:"type"`
	NotificationID *int64      `json:"notification_id"`
	ID             *int64      `json:"id"`
	UserID         string      `json:"user_id"`
	Actor          string      `json:"actor"`
}

// DecodeCommand は受信したJSONをコマンドにデコードする。
// 未知の種類やJSONでない入力は ErrInvalidCommand を返す。
// IDやユーザーIDの欠落はここでは検証せず、確認処理側で invalid として扱う。
func DecodeCommand(data []byte) (*Command, error) {
	var raw rawCommand
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	switch raw.Type {
	case CommandAcknowledge, CommandMarkRead:
	default:
		return nil, fmt.Errorf("%w: 未知の種類 %q", ErrInvalidCommand, raw.Type)
	}

	cmd := &Command{Type: CommandAcknowledge, UserID: raw.UserID}
	switch {
	case raw.NotificationID != nil:
		cmd.NotificationID = *raw.NotificationID
	case raw.ID != nil:
		cmd.NotificationID = *raw.ID
	}
	if cmd.UserID == "" {
		cmd.UserID = raw.Actor
	}
	return cmd, nil
}

// DecodeNotification はメッセージのNotificationフィールドを指定された型にデシリアライズする。
func DecodeNotification[T any](e *Envelope) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Notification, &data); err != nil {
		return nil, fmt.Errorf("通知レコードのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}

// DecodeNotifications はスナップショットの通知一覧を指定された型のスライスにデシリアライズする。
func DecodeNotifications[T any](e *Envelope) ([]T, error) {
	var data []T
	if len(e.Notifications) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(e.Notifications, &data); err != nil {
		return nil, fmt.Errorf("通知一覧のデシリアライズに失敗: %w", err)
	}
	return data, nil
}
