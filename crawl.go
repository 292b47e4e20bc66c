package sapling

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/jward/sapling/internal/runtime"
)

// packageMarker marks a directory as an importable package.
const packageMarker = "__init__.py"

// crawlDirectory registers root as a search root and discovers its sources.
func (eng *Engine) crawlDirectory(ctx context.Context, root string) error {
	eng.addRoot(root)
	return eng.crawlDir(ctx, root, root)
}

// crawlDir registers the direct source files of dir, then descends into the
// subdirectories that are packages. An unreadable directory is logged and
// skipped without affecting its siblings.
func (eng *Engine) crawlDir(ctx context.Context, root, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		eng.logger.Warn("crawl directory failed", slog.String("dir", dir), slog.Any("error", err))
		return nil
	}

	var subdirs []string
	for _, de := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := filepath.Join(dir, de.Name())
		if eng.excluded(root, p) {
			continue
		}
		if de.IsDir() {
			subdirs = append(subdirs, p)
			continue
		}
		if !de.Type().IsRegular() || !runtime.IsSource(p) {
			continue
		}
		module, isPackage := moduleName(root, p)
		eng.addDiscovered(FileIdentity(p), module, isPackage, nil)
	}

	for _, sub := range subdirs {
		if _, err := os.Stat(filepath.Join(sub, packageMarker)); err != nil {
			continue
		}
		if err := eng.crawlDir(ctx, root, sub); err != nil {
			return err
		}
	}
	return nil
}

// excluded reports whether p matches an exclude pattern, tried against the
// root-relative slash path and the base name.
func (eng *Engine) excluded(root, p string) bool {
	if len(eng.excludes) == 0 {
		return false
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		rel = p
	}
	rel = filepath.ToSlash(rel)
	base := path.Base(rel)
	for _, pattern := range eng.excludes {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// moduleName derives the dotted module name of a file below root.
func moduleName(root, p string) (string, bool) {
	rel, err := filepath.Rel(root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(p)
	}
	name, isPackage := moduleNameSlash(filepath.ToSlash(rel))
	if name == "" {
		// The root itself is a package.
		name = filepath.Base(root)
	}
	return name, isPackage
}

// moduleNameSlash derives a dotted module name from a slash-separated path
// relative to its search root. "pkg/__init__.py" names the package "pkg".
func moduleNameSlash(rel string) (string, bool) {
	rel = strings.TrimSuffix(rel, path.Ext(rel))
	parts := strings.Split(rel, "/")
	isPackage := false
	if parts[len(parts)-1] == "__init__" {
		parts = parts[:len(parts)-1]
		isPackage = true
	}
	return strings.Join(parts, "."), isPackage
}

// searchRoot returns the directory a file's module name is relative to.
// Without an explicit root it climbs out of enclosing packages.
func (eng *Engine) searchRoot(p, discoveredFrom string) string {
	if discoveredFrom != "" {
		if abs, err := filepath.Abs(discoveredFrom); err == nil {
			return abs
		}
		return discoveredFrom
	}
	dir := filepath.Dir(p)
	if eng.Settings().ImplicitProject {
		return dir
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, packageMarker)); err != nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

// addDiscovered registers a source file found by a crawler or AddFile. A
// new entry is parsed. An existing entry found under a different module
// name gains that name as an alias. Fresh archive bytes replace the old
// ones and trigger a re-parse.
func (eng *Engine) addDiscovered(id Identity, module string, isPackage bool, data []byte) *Entry {
	e, created := eng.entries.CreateOrGet(id, func(h Handle) *Entry {
		ne := newEntry(id, h)
		ne.module = module
		ne.isPackage = isPackage
		ne.archiveData = data
		return ne
	})
	if created {
		eng.parse.enqueue(e)
		return e
	}

	switch cur := e.Module(); {
	case cur == "" && module != "":
		e.setModule(module, isPackage)
		if e.Parse() == nil {
			eng.parse.enqueue(e)
		} else {
			eng.queue.Enqueue(&fileUnit{eng: eng, entry: e, reason: reasonRename}, PriorityNormal)
		}
	case module != "" && cur != module:
		if e.addAlias(module) {
			eng.aliasAdded(e, module)
		}
	}
	if data != nil {
		e.setArchiveData(data)
		eng.parse.enqueue(e)
	}
	return e
}
