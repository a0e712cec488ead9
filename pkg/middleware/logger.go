package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nao1215/andon/pkg/logx"
)

// headerRequestID はリクエストIDを伝播するHTTPヘッダー。
const headerRequestID = "X-Request-ID"

// RequestLogger はアクセスログを出力するGinミドルウェアを返す。
// リクエストIDがなければ採番してレスポンスヘッダーに返す。
func RequestLogger(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(headerRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header(headerRequestID, requestID)

		c.Next()

		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("request_id", requestID),
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", status),
			logx.Duration("latency", time.Since(start)),
			logx.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, logx.String("errors", c.Errors.String()))
		}
		switch {
		case status >= 500:
			log.Error("リクエストを処理しました", fields...)
		case status >= 400:
			log.Warn("リクエストを処理しました", fields...)
		default:
			log.Debug("リクエストを処理しました", fields...)
		}
	}
}
