// Package calibration は校正期限を定期的に確認し、期限が到来した設備と計測器の
// 通知を発行する。
//
// 通知は（対象ID, 期限日）の組ごとに1件だけ作成する。期限日が更新されれば
// 新しい組として再び通知され、確認済みかどうかは重複判定に影響しない。
package calibration
