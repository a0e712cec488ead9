// andonctl は通知サービスを操作するCLI。
//
// 使い方:
//
//	andonctl status
//	andonctl list machine_status --search OFF
//	andonctl publish machine_status -d '{"machine_id":1,"machine_make":"OKUMA","status_name":"OFF"}'
//	andonctl ack machine_status 42 --user sup-1
//	andonctl ack machine_status --all --user sup-1
//	andonctl watch machine_status
//	andonctl token --secret $JWT_SECRET --user sup-1
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/andon/pkg/httpclient"
)

var version = "dev"

// app はサブコマンド間で共有するフラグと出力先。
type app struct {
	server  string
	token   string
	output  string
	timeout time.Duration
	out     io.Writer
}

func (a *app) client() *httpclient.Client {
	opts := []httpclient.Option{httpclient.WithTimeout(a.timeout)}
	if a.token != "" {
		opts = append(opts, httpclient.WithToken(a.token))
	}
	return httpclient.New(a.server, opts...)
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	rootCmd := &cobra.Command{
		Use:           "andonctl",
		Short:         "通知サービスを操作する",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&a.server, "server", "s", envOr("ANDON_SERVER", "http://localhost:8086"), "通知サービスのURL")
	rootCmd.PersistentFlags().StringVar(&a.token, "token", os.Getenv("ANDON_TOKEN"), "JWTトークン")
	rootCmd.PersistentFlags().StringVarP(&a.output, "output", "o", "table", "出力形式: table, json, yaml")
	rootCmd.PersistentFlags().DurationVar(&a.timeout, "timeout", httpclient.DefaultTimeout, "リクエストのタイムアウト")

	rootCmd.AddCommand(statusCmd(a))
	rootCmd.AddCommand(listCmd(a))
	rootCmd.AddCommand(getCmd(a))
	rootCmd.AddCommand(publishCmd(a))
	rootCmd.AddCommand(ackCmd(a))
	rootCmd.AddCommand(watchCmd(a))
	rootCmd.AddCommand(tokenCmd(a))
	return rootCmd
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
