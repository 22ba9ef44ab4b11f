package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
)

// WalkFiles calls fn for every regular file under root. Directories deeper
// than maxDepth below root are not read; root itself is depth zero.
// Symbolic links are not followed. Unreadable directories are reported
// through onError and skipped.
func WalkFiles(ctx context.Context, root string, maxDepth int, fn func(path string) error, onError func(path string, err error)) error {
	info, err := os.Stat(root)
	if err != nil {
		return &IOError{Path: root, Op: "stat", Err: err}
	}
	if !info.IsDir() {
		return fn(root)
	}

	type item struct {
		path  string
		depth int
	}
	stack := []item{{path: root}}
	for len(stack) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(current.path)
		if err != nil {
			if onError != nil {
				onError(current.path, err)
			}
			continue
		}
		var dirs []string
		for _, entry := range entries {
			path := filepath.Join(current.path, entry.Name())
			switch {
			case entry.IsDir():
				if current.depth < maxDepth {
					dirs = append(dirs, path)
				}
			case entry.Type().IsRegular():
				if err := fn(path); err != nil {
					if err == fs.SkipAll {
						return nil
					}
					return err
				}
			}
		}
		for i := len(dirs) - 1; i >= 0; i-- {
			stack = append(stack, item{path: dirs[i], depth: current.depth + 1})
		}
	}
	return nil
}
