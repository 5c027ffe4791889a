// Package watcher redeploys canisters when the workspace module they were
// deployed from changes on disk.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/lightic/internal/models"
	"github.com/starford/lightic/internal/principal"
	"github.com/starford/lightic/internal/storage"
)

// DefaultDebounce coalesces the bursts of writes a build produces.
const DefaultDebounce = 200 * time.Millisecond

// Redeployer upgrades the canisters deployed from a workspace path.
type Redeployer interface {
	Redeploy(ctx context.Context, path string) ([]principal.Principal, error)
}

// Callback is called after a watcher-driven redeploy with the canisters
// that were upgraded.
type Callback func(path string, upgraded []principal.Principal)

// Watch starts an fsnotify watcher on the workspace root and redeploys
// changed modules until ctx is cancelled. New directories created at
// runtime are added to the watch list.
func Watch(ctx context.Context, r Redeployer, root string, debounce time.Duration, logger *slog.Logger, cb Callback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, root); err != nil {
		return err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	logger.Info("watcher: started", slog.String("root", root))

	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerCh <-chan time.Time

	schedule := func(rel string) {
		pending[rel] = struct{}{}
		if timer == nil {
			timer = time.NewTimer(debounce)
			timerCh = timer.C
		} else {
			timer.Reset(debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-timerCh:
			for rel := range pending {
				redeploy(ctx, r, rel, logger, cb)
			}
			clear(pending)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					}
					continue
				}
			}
			// Removing a module leaves its canisters running the old code.
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if kind, ok := storage.KindOf(ev.Name); !ok || kind != models.FileWasm {
				continue
			}
			rel, relErr := filepath.Rel(root, ev.Name)
			if relErr != nil {
				continue
			}
			schedule(filepath.ToSlash(rel))

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

func redeploy(ctx context.Context, r Redeployer, rel string, logger *slog.Logger, cb Callback) {
	upgraded, err := r.Redeploy(ctx, rel)
	if err != nil {
		logger.Warn("watcher: redeploy failed", slog.String("path", rel), slog.String("error", err.Error()))
	}
	if len(upgraded) == 0 {
		return
	}
	logger.Debug("watcher: redeployed", slog.String("path", rel), slog.Int("canisters", len(upgraded)))
	if cb != nil {
		cb(rel, upgraded)
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
