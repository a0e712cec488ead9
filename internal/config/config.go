// Package config はサービスの設定を読み込む。
//
// 設定はYAMLファイル、ANDON_ で始まる環境変数、既定値の順に優先される。
// 従来の PORT / JWT_SECRET / DATABASE_PATH も引き続き受け付ける。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nao1215/andon/pkg/logx"
)

// Config はサービス全体の設定。
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Fanout      FanoutConfig      `mapstructure:"fanout" yaml:"fanout"`
	Calibration CalibrationConfig `mapstructure:"calibration" yaml:"calibration"`
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	Port string `mapstructure:"port" yaml:"port"`
	// AllowedOrigins はCORSとwebsocketのアップグレードを許可するオリジン。空なら制限しない。
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	// JWTSecret が空でなければ /api/v1 と /ws でJWT認証を要求する。
	JWTSecret       string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DatabaseConfig はSQLiteの設定。
type DatabaseConfig struct {
	Path        string        `mapstructure:"path" yaml:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`
}

// LogConfig はログ出力の設定。
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// FanoutConfig は配信と購読セッションの設定。
type FanoutConfig struct {
	SendBuffer   int           `mapstructure:"send_buffer" yaml:"send_buffer"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	PublishQueue int           `mapstructure:"publish_queue" yaml:"publish_queue"`
	CommandRate  float64       `mapstructure:"command_rate" yaml:"command_rate"`
	CommandBurst int           `mapstructure:"command_burst" yaml:"command_burst"`
}

// CalibrationConfig は校正期限の定期確認の設定。
type CalibrationConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Schedule string `mapstructure:"schedule" yaml:"schedule"`
	Timezone string `mapstructure:"timezone" yaml:"timezone"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8086")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("database.path", "andon.db")
	v.SetDefault("database.busy_timeout", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("fanout.send_buffer", 64)
	v.SetDefault("fanout.write_timeout", 10*time.Second)
	v.SetDefault("fanout.ping_interval", 30*time.Second)
	v.SetDefault("fanout.publish_queue", 256)
	v.SetDefault("fanout.command_rate", 10.0)
	v.SetDefault("fanout.command_burst", 20)
	v.SetDefault("calibration.enabled", true)
	v.SetDefault("calibration.schedule", "@every 30s")
	v.SetDefault("calibration.timezone", "")
}

// legacyEnv は従来の環境変数名。ANDON_ で始まる名前が優先される。
var legacyEnv = map[string]string{
	"server.port":       "PORT",
	"server.jwt_secret": "JWT_SECRET",
	"database.path":     "DATABASE_PATH",
}

// Load は設定を読み込む。pathが空またはファイルが存在しない場合は既定値と環境変数だけを使う。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ANDON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := "ANDON_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("環境変数 %s のバインドに失敗: %w", legacy, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定の解析に失敗: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Port) == "" {
		errs = append(errs, errors.New("server.port が空です"))
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path が空です"))
	}
	if _, err := logx.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Fanout.SendBuffer <= 0 {
		errs = append(errs, errors.New("fanout.send_buffer は1以上を指定してください"))
	}
	if c.Fanout.PublishQueue <= 0 {
		errs = append(errs, errors.New("fanout.publish_queue は1以上を指定してください"))
	}
	if c.Fanout.CommandRate < 0 {
		errs = append(errs, errors.New("fanout.command_rate は0以上を指定してください"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("設定が不正です: %w", errors.Join(errs...))
	}
	return nil
}
