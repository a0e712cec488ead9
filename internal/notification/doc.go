// Package notification は通知レコードとその永続化層を提供する。
//
// 通知はカテゴリごとに作成され、作成後は不変となる。唯一の状態変更は
// 確認（acknowledge）であり、未確認から確認済みへ一度だけ遷移する。
// 確認済みの通知が未確認に戻ることはない。
//
// 永続化にはSQLiteを使用する。確認処理は条件付きUPDATE一文で行うため、
// 同じ通知に対する同時の確認要求のうち成功するのは常に一つだけとなる。
// 校正期限の通知は（対象ID, 期限日）の組で一意に保たれる。
package notification
