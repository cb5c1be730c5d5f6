package yamlstore

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"taskdialog/internal/domain"
)

const defaultDebounce = 300 * time.Millisecond

// Replacer swaps a store's whole configuration, e.g. memstore.ConfigStore.
type Replacer interface {
	Replace(intents []domain.Intent, calls []domain.FunctionCall, prompts []domain.PromptTemplate)
}

type Watcher struct {
	path     string
	dst      Replacer
	onReload func(Catalog)
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher reloads path into dst after it changes. onReload runs after each
// successful swap; a file that fails to load leaves dst untouched.
func NewWatcher(path string, dst Replacer, onReload func(Catalog), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if onReload == nil {
		onReload = func(Catalog) {}
	}
	return &Watcher{path: filepath.Clean(path), dst: dst, onReload: onReload, debounce: defaultDebounce, logger: logger}
}

// Run blocks until ctx is done. The parent directory is watched so that
// editors replacing the file by rename are seen too.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.logger.Info("watching intent catalog", "path", w.path)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("intent catalog watch error", "path", w.path, "error", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	c, err := Load(w.path)
	if err != nil {
		w.logger.Error("intent catalog reload failed, keeping previous", "path", w.path, "error", err)
		return
	}
	c.Swap(w.dst)
	w.logger.Info("intent catalog reloaded", "path", w.path, "intents", len(c.Intents), "function_calls", len(c.FunctionCalls))
	w.onReload(c)
}

// Swap replaces everything in dst with the catalog's entries.
func (c Catalog) Swap(dst Replacer) {
	dst.Replace(c.Intents, c.FunctionCalls, c.Prompts)
}
