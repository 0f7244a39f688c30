package inventory

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// TempPrefix marks partial downloads; such files never enter an inventory
const TempPrefix = ".cloudinv-tmp-"

// LocalOptions controls the local directory walk
type LocalOptions struct {
	// Exclude holds doublestar patterns matched against the slash-separated
	// path relative to the walk root, and against the base name.
	Exclude []string
	// SkipHidden drops files and directories whose name starts with "."
	SkipHidden bool
}

// FlattenLocal walks root and returns one entry per directory (root
// included) and regular file, keyed by full path. A root that is a symlink
// is followed, but keys stay under root as given. Modification times are
// truncated to whole seconds.
func FlattenLocal(root string, opts LocalOptions) (Mapping, error) {
	root = filepath.Clean(root)
	walkRoot, err := resolveRoot(root)
	if err != nil {
		return Mapping{}, err
	}
	entries := make(map[string]Entry)

	err = filepath.WalkDir(walkRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		key := p
		if walkRoot != root {
			rel, relErr := filepath.Rel(walkRoot, p)
			if relErr != nil {
				return relErr
			}
			key = filepath.Join(root, rel)
		}

		if p != walkRoot {
			name := d.Name()
			if strings.HasPrefix(name, TempPrefix) || (opts.SkipHidden && strings.HasPrefix(name, ".")) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			rel, relErr := filepath.Rel(walkRoot, p)
			if relErr != nil {
				return relErr
			}
			if matchesAny(opts.Exclude, filepath.ToSlash(rel), name) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		if d.IsDir() {
			entries[key] = Entry{
				IsFolder: true,
				Modified: truncate(info.ModTime()),
			}
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			target, statErr := os.Stat(p)
			if statErr != nil || !target.Mode().IsRegular() {
				return nil
			}
			info = target
		} else if !info.Mode().IsRegular() {
			return nil
		}

		entries[key] = Entry{
			Size:     info.Size(),
			Modified: truncate(info.ModTime()),
		}
		return nil
	})
	if err != nil {
		return Mapping{}, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	return Mapping{entries: entries}, nil
}

// resolveRoot returns the directory to walk for root. WalkDir does not
// follow a symlinked root, so it is resolved here.
func resolveRoot(root string) (string, error) {
	info, err := os.Lstat(root)
	if err != nil || info.Mode()&fs.ModeSymlink == 0 {
		// A missing root is reported by the walk itself.
		return root, nil
	}
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	return resolved, nil
}

func truncate(t time.Time) time.Time {
	return t.Truncate(time.Second)
}

func matchesAny(patterns []string, rel, name string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
