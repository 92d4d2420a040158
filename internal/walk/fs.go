// Package walk finds report files produced outside of honeyscan, so a whole
// directory of scanner outputs can be ingested in one cycle.
package walk

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Entry is a report file found by the walk
type Entry interface {
	Path() string
	Open() (io.ReadCloser, error)
	Stat() (fs.FileInfo, error)
}

// Reports recursively walks dir and returns regular files with one of the
// extensions, all files when exts is empty. The root is closed once the
// iteration ends. Entry.Path is dir joined with the relative path.
func Reports(ctx context.Context, dir string, exts ...string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		root, err := os.OpenRoot(dir)
		if err != nil {
			yield(nil, fmt.Errorf("opening report directory: %w", err))
			return
		}
		defer func() {
			if err := root.Close(); err != nil {
				slog.WarnContext(ctx, "can't close report directory", "dir", dir, "error", err)
			}
		}()
		for entry, err := range FS(ctx, root.FS(), dir, Extensions(exts...)) {
			if !yield(entry, err) {
				return
			}
		}
	}
}

// Extensions matches paths by a case insensitive extension
func Extensions(exts ...string) func(path string) bool {
	return func(path string) bool {
		if len(exts) == 0 {
			return true
		}
		ext := strings.ToLower(filepath.Ext(path))
		return slices.ContainsFunc(exts, func(e string) bool {
			return strings.EqualFold(e, ext)
		})
	}
}

// FS recursively walks root and returns a handle for every regular file
// accepted by match, or an error if file information retrieval fails.
// Each Entry's Path() is prefixed with name. Symlinks are not followed.
func FS(ctx context.Context, root fs.FS, name string, match func(path string) bool) iter.Seq2[Entry, error] {
	if root == nil {
		slog.WarnContext(ctx, "root is nil: not iterating")
		return nil
	}

	return func(yield func(Entry, error) bool) {
		fn := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			var entry = fsEntry{
				root:    root,
				abspath: filepath.Join(name, path),
				path:    path,
			}
			if err != nil {
				if !yield(entry, err) {
					return fs.SkipAll
				}
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() || !match(path) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				entry.infoErr = err
			} else if !info.Mode().IsRegular() {
				return nil
			}
			entry.info = info
			if !yield(entry, err) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root, ".", fn)
	}
}

// fsEntry implements Entry for a filesystem
// it uses root.Open to open the file
type fsEntry struct {
	root    fs.FS
	abspath string
	path    string
	info    fs.FileInfo
	infoErr error
}

func (e fsEntry) Path() string {
	return e.abspath
}

func (e fsEntry) Open() (io.ReadCloser, error) {
	if e.infoErr != nil {
		return nil, e.infoErr
	}
	return e.root.Open(e.path)
}

func (e fsEntry) Stat() (fs.FileInfo, error) {
	return e.info, e.infoErr
}
