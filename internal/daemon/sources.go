package daemon

import (
	"os"
	"path/filepath"
	"sort"
)

// ListConfigDirectories returns the directories under watchPaths that
// directly contain at least one file matching a watch pattern. One level
// of subdirectory nesting is also scanned. Unreadable directories are
// skipped.
func ListConfigDirectories(watchPaths, patterns []string) []string {
	seen := make(map[string]bool)
	dirs := make([]string, 0)

	add := func(dir string) {
		if !seen[dir] && dirHasMatch(dir, patterns) {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}

	for _, root := range watchPaths {
		add(root)
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				add(filepath.Join(root, entry.Name()))
			}
		}
	}

	sort.Strings(dirs)
	return dirs
}

func dirHasMatch(dir string, patterns []string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if matchesAny(entry.Name(), patterns) {
			return true
		}
	}
	return false
}

func matchesAny(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, err := filepath.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}
