package sapling

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"strings"

	"github.com/jward/sapling/internal/runtime"
)

// crawlArchive registers the archive as a search root and discovers the
// sources it holds. The archive is opened once and its members are read
// strictly one after another; the handle is closed when the members run out
// or ctx ends.
func (eng *Engine) crawlArchive(ctx context.Context, archive string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		eng.logger.Warn("open archive failed", slog.String("archive", archive), slog.Any("error", err))
		return nil
	}
	defer zr.Close()
	eng.addRoot(archive)

	for _, f := range eng.archiveSources(zr.File) {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := readZipFile(f)
		if err != nil {
			eng.logger.Warn("read archive member failed",
				slog.String("archive", archive), slog.String("member", f.Name), slog.Any("error", err))
			continue
		}
		module, isPackage := moduleNameSlash(f.Name)
		eng.addDiscovered(MemberIdentity(archive, f.Name), module, isPackage, data)
	}
	return nil
}

// archiveSources selects the source members to register: top-level sources
// always, nested ones only when every directory above them is a package.
func (eng *Engine) archiveSources(files []*zip.File) []*zip.File {
	packages := make(map[string]bool)
	for _, f := range files {
		if path.Base(f.Name) == packageMarker {
			packages[path.Dir(f.Name)] = true
		}
	}

	var out []*zip.File
	for _, f := range files {
		if f.FileInfo().IsDir() || !runtime.IsSource(f.Name) {
			continue
		}
		if !inPackage(path.Dir(f.Name), packages) {
			continue
		}
		if eng.excluded("", f.Name) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func inPackage(dir string, packages map[string]bool) bool {
	for dir != "." && dir != "/" {
		if !packages[dir] {
			return false
		}
		dir = path.Dir(dir)
	}
	return true
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// readArchiveMember re-reads one member for a later re-parse.
func readArchiveMember(archive, member string) ([]byte, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	data, err := fs.ReadFile(&zr.Reader, strings.TrimPrefix(member, "/"))
	if err != nil {
		return nil, fmt.Errorf("member %s: %w", member, err)
	}
	return data, nil
}
