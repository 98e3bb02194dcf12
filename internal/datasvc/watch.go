package datasvc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"shopdesk/internal/storage"
)

const switchTimeout = 30 * time.Second

// ApplyConfig switches to the backend named by raw when it differs from the
// current one. Empty input is ignored.
func (f *Factory) ApplyConfig(ctx context.Context, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	t, err := storage.ParseType(raw)
	if err != nil {
		return err
	}
	if t == f.Current() {
		return nil
	}
	return f.SwitchTo(ctx, t)
}

// WatchConfig follows the storage-type override file at path and switches
// backends whenever its content changes. The parent directory is watched so
// editors that replace the file are handled too.
func (f *Factory) WatchConfig(path string) error {
	f.watchMu.Lock()
	defer f.watchMu.Unlock()
	if f.watcher != nil {
		return errors.New("datasvc: config already watched")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	f.watcher = w
	f.watchDone = make(chan struct{})

	target := filepath.Clean(path)
	go f.watchLoop(w, target, f.watchDone)
	f.logger.Info("watching storage type override", "path", target)
	return nil
}

func (f *Factory) watchLoop(w *fsnotify.Watcher, target string, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			data, err := os.ReadFile(target)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					f.logger.Warn("read storage type override", "error", err)
				}
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), switchTimeout)
			if err := f.ApplyConfig(ctx, string(data)); err != nil {
				f.logger.Error("storage switchover failed", "error", err)
			}
			cancel()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			f.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (f *Factory) stopWatch() {
	f.watchMu.Lock()
	w, done := f.watcher, f.watchDone
	f.watcher, f.watchDone = nil, nil
	f.watchMu.Unlock()
	if w == nil {
		return
	}
	_ = w.Close()
	<-done
}
