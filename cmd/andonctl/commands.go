package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/andon/internal/notification"
	"github.com/nao1215/andon/pkg/middleware"
)

// ListResult は list コマンドの結果。
type ListResult struct {
	Category           string                `json:"category" yaml:"category"`
	TotalNotifications int                   `json:"total_notifications" yaml:"total_notifications"`
	Notifications      []notification.Record `json:"notifications" yaml:"notifications"`
}

// AckResult は ack コマンドの結果。
type AckResult struct {
	Status         string               `json:"status" yaml:"status"`
	Message        string               `json:"message" yaml:"message"`
	NotificationID int64                `json:"notification_id" yaml:"notification_id"`
	Notification   *notification.Record `json:"notification,omitempty" yaml:"notification,omitempty"`
}

// AckAllResult は ack --all の結果。
type AckAllResult struct {
	Status          string  `json:"status" yaml:"status"`
	Message         string  `json:"message" yaml:"message"`
	Acknowledged    int     `json:"acknowledged" yaml:"acknowledged"`
	Skipped         int     `json:"skipped" yaml:"skipped"`
	NotificationIDs []int64 `json:"notification_ids" yaml:"notification_ids"`
}

// CategoryStatus はカテゴリごとの状態。
type CategoryStatus struct {
	Category       string `json:"category" yaml:"category"`
	Connections    int    `json:"connections" yaml:"connections"`
	Unacknowledged int    `json:"unacknowledged" yaml:"unacknowledged"`
}

// StatusResult は status コマンドの結果。
type StatusResult struct {
	Categories []CategoryStatus `json:"categories" yaml:"categories"`
}

// TokenResult は token コマンドの結果。
type TokenResult struct {
	Token     string    `json:"token" yaml:"token"`
	ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "カテゴリごとの接続数と未確認件数を表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var result StatusResult
			if err := a.client().GetJSON(cmd.Context(), "/api/v1/notifications/status", &result); err != nil {
				return err
			}
			return outputResult(a.out, result, a.output)
		},
	}
}

func listCmd(a *app) *cobra.Command {
	var (
		since, until, search string
		sourceID             int64
		limit                int
		acknowledged         bool
	)
	cmd := &cobra.Command{
		Use:   "list <category>",
		Short: "通知の一覧を表示する（既定は未確認のみ）",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if since != "" {
				q.Set("since", since)
			}
			if until != "" {
				q.Set("until", until)
			}
			if search != "" {
				q.Set("search", search)
			}
			if cmd.Flags().Changed("source-id") {
				q.Set("source_id", strconv.FormatInt(sourceID, 10))
			}
			if cmd.Flags().Changed("limit") {
				q.Set("limit", strconv.Itoa(limit))
			}
			if cmd.Flags().Changed("acknowledged") {
				q.Set("acknowledged", strconv.FormatBool(acknowledged))
			}

			path := "/api/v1/notifications/" + url.PathEscape(args[0]) + "/unacknowledged"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var result ListResult
			if err := a.client().GetJSON(cmd.Context(), path, &result); err != nil {
				return err
			}
			return outputResult(a.out, result, a.output)
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "この日時以降（RFC 3339）")
	cmd.Flags().StringVar(&until, "until", "", "この日時以前（RFC 3339）")
	cmd.Flags().StringVar(&search, "search", "", "ステータス名・品番の部分一致")
	cmd.Flags().Int64Var(&sourceID, "source-id", 0, "発生元のID")
	cmd.Flags().IntVar(&limit, "limit", notification.DefaultLimit, "最大件数")
	cmd.Flags().BoolVar(&acknowledged, "acknowledged", false, "確認済みの通知を表示する")
	return cmd
}

func getCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <category> <id>",
		Short: "通知を1件表示する",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			var rec notification.Record
			path := "/api/v1/notifications/" + url.PathEscape(args[0]) + "/" + strconv.FormatInt(id, 10)
			if err := a.client().GetJSON(cmd.Context(), path, &rec); err != nil {
				return err
			}
			return outputResult(a.out, rec, a.output)
		},
	}
}

func publishCmd(a *app) *cobra.Command {
	var data, file string
	cmd := &cobra.Command{
		Use:   "publish <category>",
		Short: "通知を発行する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readPayload(cmd.InOrStdin(), data, file)
			if err != nil {
				return err
			}
			var rec notification.Record
			path := "/api/v1/internal/notifications/" + url.PathEscape(args[0])
			if err := a.client().PostJSON(cmd.Context(), path, body, &rec); err != nil {
				return err
			}
			return outputResult(a.out, rec, a.output)
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "通知内容のJSON")
	cmd.Flags().StringVarP(&file, "file", "f", "", "通知内容のJSONファイル（- で標準入力）")
	return cmd
}

// readPayload は発行する通知内容を読み込む。JSONとして正しいことだけを確認する。
func readPayload(stdin io.Reader, data, file string) (json.RawMessage, error) {
	var raw []byte
	switch {
	case data != "" && file != "":
		return nil, errors.New("--data と --file は同時に指定できません")
	case data != "":
		raw = []byte(data)
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("標準入力の読み込みに失敗: %w", err)
		}
		raw = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("ファイルの読み込みに失敗: %w", err)
		}
		raw = b
	default:
		return nil, errors.New("--data または --file を指定してください")
	}
	if !json.Valid(raw) {
		return nil, errors.New("通知内容がJSONとして不正です")
	}
	return json.RawMessage(raw), nil
}

func ackCmd(a *app) *cobra.Command {
	var (
		user string
		all  bool
	)
	cmd := &cobra.Command{
		Use:   "ack <category> [id]",
		Short: "通知を確認済みにする（--all でカテゴリの未確認をすべて）",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.ExactArgs(1)(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{}
			if user != "" {
				body["user_id"] = user
			}
			base := "/api/v1/notifications/" + url.PathEscape(args[0])

			if all {
				var result AckAllResult
				if err := a.client().PostJSON(cmd.Context(), base+"/acknowledge-all", body, &result); err != nil {
					return err
				}
				return outputResult(a.out, result, a.output)
			}

			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			var result AckResult
			if err := a.client().PostJSON(cmd.Context(), base+"/"+strconv.FormatInt(id, 10)+"/acknowledge", body, &result); err != nil {
				return err
			}
			return outputResult(a.out, result, a.output)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "確認者のユーザーID（省略時はトークンの利用者）")
	cmd.Flags().BoolVar(&all, "all", false, "カテゴリの未確認通知をすべて確認する")
	return cmd
}

func tokenCmd(a *app) *cobra.Command {
	var secret, user, name string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "開発用のJWTトークンを発行する",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if secret == "" || user == "" {
				return errors.New("--secret と --user は必須です")
			}
			token, err := middleware.GenerateJWT(secret, user, name, ttl)
			if err != nil {
				return err
			}
			return outputResult(a.out, TokenResult{Token: token, ExpiresAt: time.Now().Add(ttl).UTC()}, a.output)
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "署名に使う秘密鍵")
	cmd.Flags().StringVarP(&user, "user", "u", "", "ユーザーID")
	cmd.Flags().StringVar(&name, "name", "", "表示名")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "有効期間")
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("通知IDが不正です: %q", s)
	}
	return id, nil
}
