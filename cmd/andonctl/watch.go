package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nao1215/andon/internal/notification"
	"github.com/nao1215/andon/pkg/event"
)

// WatchEvent は watch コマンドが受信した1件の出来事。
type WatchEvent struct {
	Type           event.Type            `json:"type" yaml:"type"`
	Category       string                `json:"category" yaml:"category"`
	SentAt         time.Time             `json:"sent_at" yaml:"sent_at"`
	Total          *int                  `json:"total_notifications,omitempty" yaml:"total_notifications,omitempty"`
	Notifications  []notification.Record `json:"notifications,omitempty" yaml:"notifications,omitempty"`
	Notification   *notification.Record  `json:"notification,omitempty" yaml:"notification,omitempty"`
	AcknowledgedBy string                `json:"acknowledged_by,omitempty" yaml:"acknowledged_by,omitempty"`
}

func watchCmd(a *app) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "watch <category>",
		Short: "カテゴリを購読して届いた通知を表示する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.watch(cmd.Context(), args[0], count)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "指定件数を受信したら終了する（0は無制限）")
	return cmd
}

// wsURL はサーバーのURLから購読用のwebsocket URLを作る。
func (a *app) wsURL(category string) (string, error) {
	u, err := url.Parse(a.server)
	if err != nil {
		return "", fmt.Errorf("サーバーURLが不正です: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("未対応のスキームです: %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/notifications/" + url.PathEscape(category)
	if a.token != "" {
		u.RawQuery = url.Values{"token": {a.token}}.Encode()
	}
	return u.String(), nil
}

func (a *app) watch(ctx context.Context, category string, count int) error {
	target, err := a.wsURL(category)
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{HandshakeTimeout: a.timeout}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("購読の開始に失敗: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for received := 0; count <= 0 || received < count; received++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("受信に失敗: %w", err)
		}
		ev, err := decodeWatchEvent(data)
		if err != nil {
			return err
		}
		if err := a.printWatchEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

// decodeWatchEvent は受信したメッセージを種類ごとにデコードする。
func decodeWatchEvent(data []byte) (WatchEvent, error) {
	var env event.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return WatchEvent{}, fmt.Errorf("受信メッセージのデシリアライズに失敗: %w", err)
	}
	ev := WatchEvent{Type: env.Type, Category: env.Category, SentAt: env.SentAt, AcknowledgedBy: env.AcknowledgedBy}

	switch env.Type {
	case event.TypeInitialNotifications:
		records, err := event.DecodeNotifications[notification.Record](&env)
		if err != nil {
			return WatchEvent{}, err
		}
		ev.Total = env.TotalNotifications
		ev.Notifications = records
	case event.TypeNewNotification, event.TypeNotificationAcknowledged:
		rec, err := event.DecodeNotification[notification.Record](&env)
		if err != nil {
			return WatchEvent{}, err
		}
		ev.Notification = rec
	}
	return ev, nil
}

func (a *app) printWatchEvent(ev WatchEvent) error {
	if a.output == "json" || a.output == "yaml" {
		return outputResult(a.out, ev, a.output)
	}

	at := ev.SentAt.Local().Format("15:04:05")
	switch {
	case ev.Type == event.TypeInitialNotifications:
		total := len(ev.Notifications)
		if ev.Total != nil {
			total = *ev.Total
		}
		fmt.Fprintf(a.out, "%s %s 未確認 %d件\n", at, ev.Category, total)
		for _, rec := range ev.Notifications {
			fmt.Fprintf(a.out, "  #%d %s\n", rec.ID, rec.Title)
		}
	case ev.Type == event.TypeNewNotification && ev.Notification != nil:
		fmt.Fprintf(a.out, "%s 新規 #%d %s\n", at, ev.Notification.ID, ev.Notification.Title)
	case ev.Type == event.TypeNotificationAcknowledged && ev.Notification != nil:
		fmt.Fprintf(a.out, "%s 確認 #%d %s (%s)\n", at, ev.Notification.ID, ev.Notification.Title, ev.AcknowledgedBy)
	default:
		fmt.Fprintf(a.out, "%s %s\n", at, ev.Type)
	}
	return nil
}
