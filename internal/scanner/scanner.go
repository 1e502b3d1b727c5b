// Package scanner inventories the files of a workspace so plans can be checked
// against the code that actually exists.
package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"

	"workorder/internal/domain"
)

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git":         true,
	".workorder":   true,
	"node_modules": true,
	"vendor":       true,
}

// FSInventory walks a directory tree once and answers existence queries for
// repository-relative paths. It satisfies plan.Inventory.
type FSInventory struct {
	fs   afero.Fs
	root string

	once  sync.Once
	files map[string]struct{}
	dirs  map[string]struct{}
	err   error
}

func NewInventory(fs afero.Fs, root string) *FSInventory {
	return &FSInventory{fs: fs, root: root}
}

// NewFSInventory scans the real filesystem.
func NewFSInventory(root string) *FSInventory {
	return NewInventory(afero.NewOsFs(), root)
}

func (i *FSInventory) load() {
	i.files = map[string]struct{}{}
	i.dirs = map[string]struct{}{}
	exists, err := afero.DirExists(i.fs, i.root)
	if err != nil {
		i.err = fmt.Errorf("check workspace: %w", err)
		return
	}
	if !exists {
		return
	}
	i.err = afero.Walk(i.fs, i.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(i.root, p)
		if err != nil {
			return err
		}
		rel = domain.NormalizePath(filepath.ToSlash(rel))
		if info.IsDir() {
			if rel != "." && skipDirs[info.Name()] {
				return filepath.SkipDir
			}
			i.dirs[rel] = struct{}{}
			return nil
		}
		i.files[rel] = struct{}{}
		return nil
	})
}

// Exists reports whether p names a file or directory in the inventory. Scan
// errors make every path count as existing so they never produce warnings.
func (i *FSInventory) Exists(p string) bool {
	i.once.Do(i.load)
	if i.err != nil {
		return true
	}
	p = domain.NormalizePath(p)
	if _, ok := i.files[p]; ok {
		return true
	}
	_, ok := i.dirs[p]
	return ok
}

// Files lists every inventoried file in sorted order.
func (i *FSInventory) Files() ([]string, error) {
	i.once.Do(i.load)
	if i.err != nil {
		return nil, i.err
	}
	out := make([]string, 0, len(i.files))
	for f := range i.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}
