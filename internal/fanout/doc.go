// Package fanout はカテゴリごとの接続管理と通知の一斉配信を提供する。
//
// Registry はカテゴリ単位で開いている接続を保持し、Broadcaster はその時点の
// 接続一覧に対してメッセージを配信する。送信に失敗した接続はその場で
// 登録解除して閉じるため、一つの接続の障害が他の接続への配信を妨げることはない。
//
// WSConn はgorilla/websocketの接続を包み、送信キューと書き込み用goroutineを持つ。
// 最初のフレーム（未確認通知のスナップショット）を書き込んでから
// キューの送信を始めるため、スナップショットより先に配信が届くことはない。
package fanout
