// Package event はWebSocketで配信する通知エンベロープと、
// クライアントから受信するコマンドのワイヤ形式を定義する。
//
// 配信メッセージはすべて Envelope 構造体としてJSONにシリアライズされる。
// 日時はUTCのRFC3339（ナノ秒精度）で表現する。
//
// 配信メッセージの種類:
//   - initial_notifications: 接続直後に送る未確認通知のスナップショット
//   - new_notification: 新しい通知の作成
//   - notification_acknowledged: 通知の確認（既読化）
//   - acknowledge_result: 確認コマンドの結果（送信元の接続にのみ返す）
package event
