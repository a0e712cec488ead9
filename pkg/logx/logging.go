package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config はロガーの出力設定。
type Config struct {
	// Level は出力する最小ログレベル（trace/debug/info/warn/error）。
	Level string
	// Format は出力形式。"json" 以外はコンソール形式として扱う。
	Format string
	// Output は出力先。nilの場合は標準出力を使用する。
	Output io.Writer
}

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field はzerologのイベントにフィールドを追加する関数。
// 同じキーを複数回指定した場合は後から指定した値が優先される。
type Field func(e *zerolog.Event)

func String(k, v string) Field         { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field        { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field    { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Bool(k string, v bool) Field      { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Logger は軽量な構造化ロガー。ゼロ値は何も出力しない。
type Logger struct {
	base    zerolog.Logger
	hasBase bool
	fields  []Field
}

// New は設定に従ってロガーを生成し、プロセス全体のログレベルを設定する。
func New(cfg Config) (Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return Logger{}, err
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.ErrorFieldName = "err"
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !strings.EqualFold(cfg.Format, "json") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat}
	}

	// 個々のロガーは常にtraceで生成し、絞り込みはグローバルレベルに任せる。
	zl := zerolog.New(out).Level(zerolog.TraceLevel).With().Timestamp().Logger()
	return Logger{base: zl, hasBase: true}, nil
}

// Nop は何も出力しないロガーを返す。
func Nop() Logger {
	return Logger{base: zerolog.Nop(), hasBase: true}
}

// ParseLevel はレベル文字列をzerologのレベルに変換する。空文字列はinfoとして扱う。
func ParseLevel(s string) (zerolog.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	if s == "warning" {
		s = "warn"
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("ログレベル %q が不正です: %w", s, err)
	}
	return level, nil
}

// SetLevel はプロセス全体のログレベルを変更する。設定ファイルの再読み込み時に呼び出す。
func SetLevel(s string) error {
	level, err := ParseLevel(s)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

// With は固定フィールドを追加した派生ロガーを返す。
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields...) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields...) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields...) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields...) }

// Enabled は指定レベルのログが出力されるかを返す。
func (l Logger) Enabled(level zerolog.Level) bool {
	return l.hasBase && level >= zerolog.GlobalLevel()
}

func (l Logger) log(level zerolog.Level, msg string, fields ...Field) {
	if !l.hasBase {
		return
	}
	e := l.base.WithLevel(level)
	if e == nil {
		return
	}
	if caller := shortCaller(3); caller != "" {
		e.Str(zerolog.CallerFieldName, caller)
	}
	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}

// shortCaller は呼び出し元を file:line 形式で返す。
func shortCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}
