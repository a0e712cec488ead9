// Package server は通知サービスのHTTPサーバーを提供する。
//
// websocketによる購読（/ws）と、一覧取得・確認・発行のREST API（/api/v1）、
// ヘルスチェックとPrometheusメトリクスを公開する。
// JWTシークレットが設定されている場合、/api/v1 と /ws は認証が必要になる。
package server
