// 通知サービスのエントリポイント。
// 設備・材料・校正・チェックリストの通知を保存し、カテゴリごとの購読者へwebsocketで配信する。
// 購読者からの確認（acknowledge）を受け付け、同じカテゴリの全購読者へ反映する。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/nao1215/andon/internal/calibration"
	"github.com/nao1215/andon/internal/config"
	"github.com/nao1215/andon/internal/engine"
	"github.com/nao1215/andon/internal/fanout"
	"github.com/nao1215/andon/internal/notification"
	"github.com/nao1215/andon/internal/server"
	"github.com/nao1215/andon/pkg/logx"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "notification",
		Short:         "通知サービスを起動する",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "andon.yaml", "設定ファイルのパス")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "通知サービスの起動に失敗: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logx.New(logx.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	gin.SetMode(gin.ReleaseMode)

	store, err := notification.NewSQLiteStore(ctx, notification.Options{
		Path:        cfg.Database.Path,
		BusyTimeout: cfg.Database.BusyTimeout,
	}, log)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := fanout.NewRegistry()
	bc := fanout.NewBroadcaster(registry, log)
	ack := engine.NewAcknowledger(store, bc, log)

	// 受付キューの配信はサーバー停止後に流し切るため、シグナルとは別の寿命にする
	pubCtx, cancelPub := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelPub()
	pub := engine.NewPublisher(store, bc, cfg.Fanout.PublishQueue, log)
	pub.Start(pubCtx)

	sessions := engine.NewSessionHandler(store, registry, ack, engine.SessionOptions{
		CommandRate:  cfg.Fanout.CommandRate,
		CommandBurst: cfg.Fanout.CommandBurst,
	}, log)

	var scanner *calibration.Scanner
	if cfg.Calibration.Enabled {
		scanner, err = calibration.NewScanner(calibration.Options{
			Schedule: cfg.Calibration.Schedule,
			Timezone: cfg.Calibration.Timezone,
		}, calibration.NewSQLSource(store.DB()), store, pub, log)
		if err != nil {
			return err
		}
		scanner.Start(ctx)
	}

	srv := server.NewServer(ctx, server.Deps{
		Store:        store,
		Registry:     registry,
		Publisher:    pub,
		Acknowledger: ack,
		Sessions:     sessions,
	}, server.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		JWTSecret:      cfg.Server.JWTSecret,
		WS: fanout.WSOptions{
			SendBuffer:   cfg.Fanout.SendBuffer,
			WriteTimeout: cfg.Fanout.WriteTimeout,
			PingInterval: cfg.Fanout.PingInterval,
		},
	}, log)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: srv.Handler(),
	}

	go func() {
		if err := config.Watch(ctx, configPath, log, func(next *config.Config) {
			config.ApplyLogLevel(next, log)
		}); err != nil {
			log.Warn("設定ファイルの監視を開始できません", logx.Err(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("通知サービスを起動します", logx.String("addr", httpServer.Addr))
		errCh <- httpServer.ListenAndServe()
	}()
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("systemdへの起動通知に失敗", logx.Err(err))
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPサーバーが停止しました: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("通知サービスを停止します")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTPサーバーの停止がタイムアウトしました", logx.Err(err))
	}
	if scanner != nil {
		if err := scanner.Stop(shutdownCtx); err != nil {
			log.Warn("校正スキャナの停止がタイムアウトしました", logx.Err(err))
		}
	}
	if err := pub.Stop(shutdownCtx); err != nil {
		log.Warn("未配信の通知が残っています", logx.Err(err))
	}
	return nil
}
