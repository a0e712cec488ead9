package server

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/andon/internal/fanout"
	"github.com/nao1215/andon/internal/notification"
	"github.com/nao1215/andon/pkg/logx"
	"github.com/nao1215/andon/pkg/middleware"
)

// handleSubscribe はwebsocketの購読を処理する。fixedが空ならパスのカテゴリを使う。
func (s *Server) handleSubscribe(fixed notification.Category) gin.HandlerFunc {
	return func(c *gin.Context) {
		category := fixed
		if category == "" {
			category = notification.Category(c.Param("category"))
		}
		// 未知のカテゴリも拒否しない。セッションが空のスナップショットを送る
		ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrader がエラーレスポンスを書き込み済み
			s.log.Warn("websocketへのアップグレードに失敗", logx.String("category", string(category)), logx.Err(err))
			return
		}

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()
		stop := context.AfterFunc(s.ctx, cancel)
		defer stop()

		conn := fanout.NewWSConn(ws, s.opts.WS, s.log)
		if err := s.deps.Sessions.Serve(ctx, category, conn, middleware.GetUserID(c)); err != nil && ctx.Err() == nil {
			s.log.Warn("購読セッションがエラーで終了しました",
				logx.String("category", string(category)),
				logx.String("conn_id", conn.ID()),
				logx.Err(err),
			)
		}
	}
}
