package server

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"go-polyglot/bridge"
	"go-polyglot/extract"
	"go-polyglot/internal/logging"
)

const reloadDebounce = 100 * time.Millisecond

// Reload loads and compiles the manifest at path and swaps it in. On any
// error the current table stays in place.
func (e *Engine) Reload(path string, catalog bridge.Catalog, opts ...extract.Option) error {
	m, err := LoadManifest(path)
	if err != nil {
		return err
	}
	table, err := Compile(m, catalog, opts...)
	if err != nil {
		return err
	}
	return e.Swap(table)
}

// WatchManifest reloads the route table whenever the manifest file
// changes, until ctx ends. The parent directory is watched so editors that
// replace the file by rename are picked up.
func (e *Engine) WatchManifest(ctx context.Context, path string, catalog bridge.Catalog, opts ...extract.Option) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		log := logging.Logger().With(zap.String("manifest", abs))
		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				debounce = time.After(reloadDebounce)
			case <-debounce:
				debounce = nil
				if err := e.Reload(abs, catalog, opts...); err != nil {
					log.Error("route table reload failed, keeping previous table", zap.Error(err))
					continue
				}
				log.Info("route table reloaded", zap.Int("routes", e.Table().Len()))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("manifest watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
