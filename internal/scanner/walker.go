package scanner

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Common errors.
var (
	ErrPathNotFound = errors.New("scan path does not exist")
	ErrPermission   = errors.New("scan path is not readable")
)

// walker produces a lazy, cancellable sequence of scannable file paths under
// a root. Each call to walk starts a fresh traversal.
type walker struct {
	root       string
	extensions map[string]bool
	skipDirs   map[string]bool
}

func newWalker(root string, extensions, skipDirs []string) *walker {
	w := &walker{
		root:       root,
		extensions: make(map[string]bool, len(extensions)),
		skipDirs:   make(map[string]bool, len(skipDirs)),
	}
	for _, ext := range extensions {
		w.extensions[strings.ToLower(ext)] = true
	}
	for _, d := range skipDirs {
		w.skipDirs[d] = true
	}
	return w
}

// checkRoot classifies root errors before a walk starts. Only a missing or
// unreadable root is fatal to the scan.
func (w *walker) checkRoot() error {
	info, err := os.Stat(w.root)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrPathNotFound
		}
		if os.IsPermission(err) {
			return ErrPermission
		}
		return err
	}
	if info.IsDir() {
		if _, err := os.ReadDir(w.root); err != nil {
			if os.IsPermission(err) {
				return ErrPermission
			}
			return err
		}
	}
	return nil
}

// entry is one walked file.
type entry struct {
	rel string // path relative to the walk root
	abs string
}

// walk streams matching files on the returned channel until the tree is
// exhausted or ctx is cancelled. Unreadable subtrees are reported on skips
// and do not abort the walk.
func (w *walker) walk(ctx context.Context, skips chan<- Skipped) <-chan entry {
	out := make(chan entry)

	go func() {
		defer close(out)

		_ = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return filepath.SkipAll
			}
			rel, relErr := filepath.Rel(w.root, path)
			if relErr != nil {
				rel = path
			}
			if err != nil {
				select {
				case skips <- Skipped{Path: rel, Reason: err.Error()}:
				case <-ctx.Done():
					return filepath.SkipAll
				}
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if w.skipDirs[d.Name()] && path != w.root {
					return filepath.SkipDir
				}
				return nil
			}
			if !w.matches(d.Name()) {
				return nil
			}
			select {
			case out <- entry{rel: rel, abs: path}:
			case <-ctx.Done():
				return filepath.SkipAll
			}
			return nil
		})
	}()

	return out
}

// matches applies the extension allowlist. Dotfiles like ".env" match by
// full name as well as by extension.
func (w *walker) matches(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if w.extensions[ext] {
		return true
	}
	return w.extensions[strings.ToLower(name)]
}
