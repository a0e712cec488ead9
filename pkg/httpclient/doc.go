// Package httpclient は通知サービスのREST APIを呼び出すHTTPクライアントを提供する。
//
// 運用CLIや他のサービスが通知の発行・確認・一覧取得を行う際に使用する。
// 認証トークンの付与とエラーレスポンスの解釈を統一する。
package httpclient
