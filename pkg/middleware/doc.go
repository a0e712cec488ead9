// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWT認証トークンの検証、アクセスログ、パニックリカバリ、
// CORSとwebsocketのオリジン検証を含む。
package middleware
