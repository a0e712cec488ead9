// Package engine は通知の発行・確認・購読セッションを扱う。
//
//   - Publisher は通知を永続化してから配信キューに積む。配信は単一の
//     ディスパッチャgoroutineが行うため、カテゴリ内の作成順が保たれる。
//   - Acknowledger は確認要求を処理し、状態が変わった場合だけ全購読者に配信する。
//   - SessionHandler は1本の購読接続のライフサイクルを管理する。
//
// 配信は少なくとも1回であり、接続直後はスナップショットと新規通知の両方に
// 同じ通知が含まれることがある。クライアントは通知IDで重複を除く。
package engine
