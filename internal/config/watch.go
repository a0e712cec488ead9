package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nao1215/andon/pkg/logx"
)

// watchDebounce はエディタの連続書き込みをまとめる待ち時間。
const watchDebounce = 200 * time.Millisecond

// Watch は設定ファイルの変更を監視し、読み込み直した設定でonChangeを呼ぶ。
// 読み込みに失敗した場合は警告を出して以前の設定を維持する。ctxが終わるまで戻らない。
// ファイルの置き換えにも追従するため、ファイルではなくディレクトリを監視する。
func Watch(ctx context.Context, path string, log logx.Logger, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("設定ファイル監視の初期化に失敗: %w", err)
	}
	defer func() { _ = w.Close() }()

	dir, file := filepath.Split(filepath.Clean(path))
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("ディレクトリ %s の監視に失敗: %w", dir, err)
	}
	log = log.With(logx.String("component", "config"), logx.String("path", path))
	log.Debug("設定ファイルの監視を開始しました")

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			log.Warn("設定の再読み込みに失敗したため以前の設定を使います", logx.Err(err))
			return
		}
		log.Info("設定を再読み込みしました")
		onChange(cfg)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, reload)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("設定ファイル監視でエラー", logx.Err(err))
		}
	}
}

// ApplyLogLevel は再読み込みした設定のログレベルを反映する。
func ApplyLogLevel(cfg *Config, log logx.Logger) {
	if err := logx.SetLevel(cfg.Log.Level); err != nil {
		log.Warn("ログレベルを変更できません", logx.Err(err))
		return
	}
	log.Info("ログレベルを変更しました", logx.String("level", cfg.Log.Level))
}
