package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go-polyglot/bridge"
	"go-polyglot/internal/logging"
)

// Pool is a fixed set of workers. Each worker is a separate guest runtime
// instance and gets its own bridge loop.
type Pool struct {
	workers []*Worker
}

// Stats summarizes the pool for health reporting.
type Stats struct {
	Workers     int    `json:"workers"`
	DeadWorkers int    `json:"dead_workers"`
	Requests    uint64 `json:"requests"`
	Restarts    uint64 `json:"restarts"`
}

// NewPool starts cfg.Count workers concurrently.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Count <= 0 {
		return nil, fmt.Errorf("worker: invalid worker count %d", cfg.Count)
	}
	workers := make([]*Worker, cfg.Count)

	var g errgroup.Group
	for i := range workers {
		g.Go(func() error {
			w, err := NewWorker(i, cfg)
			if err != nil {
				return fmt.Errorf("start worker %d: %w", i, err)
			}
			workers[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, w := range workers {
			if w != nil {
				_ = w.Close()
			}
		}
		return nil, err
	}
	return &Pool{workers: workers}, nil
}

// Workers returns the pooled workers.
func (p *Pool) Workers() []*Worker {
	return p.workers
}

// Loops wraps every worker in a serialized bridge loop.
func (p *Pool) Loops(capacity int) []*bridge.Loop {
	loops := make([]*bridge.Loop, len(p.workers))
	for i, w := range p.workers {
		loops[i] = bridge.NewLoop(fmt.Sprintf("worker-%d", w.id), w, capacity)
	}
	return loops
}

func (p *Pool) Stats() Stats {
	stats := Stats{}
	if p == nil {
		return stats
	}

	stats.Workers = len(p.workers)
	for _, w := range p.workers {
		if w.isDead() {
			stats.DeadWorkers++
		}
		stats.Requests += w.totalCount.Load()
		stats.Restarts += w.restarts.Load()
	}
	return stats
}

// ForceRecycle marks every worker dead so each respawns on its next call.
func (p *Pool) ForceRecycle() {
	for _, w := range p.workers {
		w.markDead()
	}
}

// Close kills every worker process.
func (p *Pool) Close() error {
	for _, w := range p.workers {
		_ = w.Close()
	}
	return nil
}

// reloadDebounce coalesces bursts of editor writes into one recycle.
const reloadDebounce = 100 * time.Millisecond

// EnableHotReload recycles all workers when a file under dirs changes. Only
// files with one of exts are considered; no exts means any file. Watching
// stops when ctx ends.
func (p *Pool) EnableHotReload(ctx context.Context, dirs []string, exts ...string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := addRecursive(watcher, dir); err != nil {
			watcher.Close()
			return err
		}
	}

	go func() {
		defer watcher.Close()
		log := logging.Logger()
		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						_ = addRecursive(watcher, ev.Name)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !matchesExt(ev.Name, exts) {
					continue
				}
				log.Debug("worker source changed", zap.String("file", ev.Name))
				debounce = time.After(reloadDebounce)
			case <-debounce:
				debounce = nil
				p.ForceRecycle()
				log.Info("hot reload: recycled workers", zap.Int("workers", len(p.workers)))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("hot reload watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func addRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

func matchesExt(name string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := filepath.Ext(name)
	for _, e := range exts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}
