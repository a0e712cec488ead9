package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nao1215/andon/internal/engine"
	"github.com/nao1215/andon/internal/fanout"
	"github.com/nao1215/andon/internal/notification"
	"github.com/nao1215/andon/pkg/logx"
	"github.com/nao1215/andon/pkg/middleware"
)

// Deps はサーバーが使うコンポーネント。
type Deps struct {
	Store        notification.Store
	Registry     *fanout.Registry
	Publisher    *engine.Publisher
	Acknowledger *engine.Acknowledger
	Sessions     *engine.SessionHandler
}

// Options はサーバーの設定。
type Options struct {
	// AllowedOrigins はCORSとwebsocketで許可するオリジン。
	AllowedOrigins []string
	// JWTSecret が空でなければ認証を要求する。
	JWTSecret string
	// WS はwebsocket接続の送信設定。
	WS fanout.WSOptions
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// ctx はサーバーの寿命。キャンセルされると開いている購読セッションを閉じる。
	ctx      context.Context
	router   *gin.Engine
	deps     Deps
	opts     Options
	upgrader websocket.Upgrader
	log      logx.Logger
}

// NewServer は新しいサーバーを生成してルーティングを設定する。
func NewServer(ctx context.Context, deps Deps, opts Options, log logx.Logger) *Server {
	log = log.With(logx.String("component", "server"))

	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.CORS(opts.AllowedOrigins))

	s := &Server{
		ctx:    ctx,
		router: router,
		deps:   deps,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     middleware.OriginAllowed(opts.AllowedOrigins),
		},
		log: log,
	}
	s.setupRoutes()
	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "andon"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var auth []gin.HandlerFunc
	if s.opts.JWTSecret != "" {
		auth = append(auth, middleware.JWTAuth(s.opts.JWTSecret))
	}

	ws := s.router.Group("/ws", auth...)
	{
		ws.GET("/notifications/:category", s.handleSubscribe(""))
		// 従来のクライアント向け
		ws.GET("/machine-notifications", s.handleSubscribe(notification.CategoryMachineStatus))
		ws.GET("/material-notifications", s.handleSubscribe(notification.CategoryRawMaterialStatus))
	}

	api := s.router.Group("/api/v1", auth...)
	{
		notifications := api.Group("/notifications")
		{
			// カテゴリごとの接続数と未確認件数
			notifications.GET("/status", s.handleStatus())
			// 一覧取得
			notifications.GET("/:category/unacknowledged", s.handleList())
			// 詳細取得
			notifications.GET("/:category/:id", s.handleGet())
			// 確認
			notifications.POST("/:category/:id/acknowledge", s.handleAcknowledge())
			// 確認（従来のボディ形式）
			notifications.POST("/:category/acknowledge", s.handleAcknowledgeBody())
			// 一括確認
			notifications.POST("/:category/acknowledge-all", s.handleAcknowledgeAll())
		}
		// 他のサービスからの発行
		api.POST("/internal/notifications/:category", s.handlePublish())
	}
}
