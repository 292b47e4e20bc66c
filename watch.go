package sapling

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/jward/sapling/internal/runtime"
)

// Watch mirrors changes made on disk below dirs until ctx ends: written
// files are re-parsed unless the editor holds a live buffer for them, new
// files in packages are added and removed files are unloaded. Watch blocks.
func (e *Engine) Watch(ctx context.Context, dirs ...string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("sapling: watch: %w", err)
	}
	defer w.Close()

	var roots []string
	for _, d := range dirs {
		abs, err := filepath.Abs(d)
		if err != nil {
			return fmt.Errorf("sapling: watch %s: %w", d, err)
		}
		roots = append(roots, abs)
		if err := watchPackages(w, abs); err != nil {
			return fmt.Errorf("sapling: watch %s: %w", d, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			e.handleFSEvent(w, roots, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn("watch error", slog.Any("error", err))
		}
	}
}

// watchPackages watches dir and every package directory below it.
func watchPackages(w *fsnotify.Watcher, dir string) error {
	if err := w.Add(dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}
		sub := filepath.Join(dir, de.Name())
		if _, err := os.Stat(filepath.Join(sub, packageMarker)); err == nil {
			if err := watchPackages(w, sub); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) handleFSEvent(w *fsnotify.Watcher, roots []string, ev fsnotify.Event) {
	name := filepath.Clean(ev.Name)
	ent, known := e.entries.Resolve(FileIdentity(name))

	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		if known {
			if err := e.UnloadFile(ent.handle); err != nil {
				e.logger.Warn("unload failed", slog.String("path", name), slog.Any("error", err))
			}
		}
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		if known {
			if ent.IsSource() && !ent.hasBuffer() {
				e.parse.enqueue(ent)
			}
			return
		}
		info, err := os.Stat(name)
		if err != nil {
			return
		}
		if info.IsDir() {
			// The package marker may arrive after the directory.
			if err := w.Add(name); err != nil {
				e.logger.Warn("watch directory failed", slog.String("dir", name), slog.Any("error", err))
			}
			return
		}
		if !runtime.IsSource(name) {
			return
		}
		root := rootOf(roots, name)
		if root == "" || !inPackageDir(root, filepath.Dir(name)) {
			return
		}
		if _, err := e.AddFile(name, root); err != nil {
			e.logger.Warn("add file failed", slog.String("path", name), slog.Any("error", err))
		}
	}
}

// rootOf returns the longest root containing p.
func rootOf(roots []string, p string) string {
	best := ""
	for _, r := range roots {
		if (p == r || strings.HasPrefix(p, r+string(filepath.Separator))) && len(r) > len(best) {
			best = r
		}
	}
	return best
}

// inPackageDir reports whether dir is root or reached from root through
// package directories only.
func inPackageDir(root, dir string) bool {
	for dir != root {
		if _, err := os.Stat(filepath.Join(dir, packageMarker)); err != nil {
			return false
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return false
		}
		dir = parent
	}
	return true
}
