package userhome

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Layout describes the directories handed to the service user.
type Layout struct {
	Home         string
	SharedPrefix string
	CacheDirs    []string
}

// CachePath returns the absolute path of a cache directory relative to home.
// Absolute entries and entries escaping home are rejected.
func (l Layout) CachePath(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", errors.New("cache dir is empty")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("cache dir %q must be relative to home", rel)
	}
	clean := filepath.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("cache dir %q escapes home", rel)
	}
	return filepath.Join(l.Home, clean), nil
}

// Targets returns the existing directories to hand over, in order: home,
// shared prefix, then cache dirs. Symlinks are resolved, and a directory
// already contained in an earlier target is dropped so no tree is walked
// twice.
func (l Layout) Targets() []string {
	candidates := make([]string, 0, 2+len(l.CacheDirs))
	if strings.TrimSpace(l.Home) != "" {
		candidates = append(candidates, l.Home)
	}
	if strings.TrimSpace(l.SharedPrefix) != "" {
		candidates = append(candidates, l.SharedPrefix)
	}
	for _, rel := range l.CacheDirs {
		path, err := l.CachePath(rel)
		if err != nil {
			continue
		}
		candidates = append(candidates, path)
	}

	var out []string
	for _, path := range candidates {
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			continue
		}
		info, err := os.Stat(resolved)
		if err != nil || !info.IsDir() {
			continue
		}
		if containedIn(resolved, out) {
			continue
		}
		out = append(out, resolved)
	}
	return out
}

// EnsureHome creates the home directory when missing and hands it to uid/gid.
// It reports whether the directory was created.
func EnsureHome(home string, uid, gid int) (bool, error) {
	if strings.TrimSpace(home) == "" {
		return false, errors.New("home directory is required")
	}
	info, err := os.Stat(home)
	if err == nil {
		if !info.IsDir() {
			return false, fmt.Errorf("home is not a directory: %s", home)
		}
		return false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return false, err
	}
	if err := os.Chown(home, uid, gid); err != nil {
		return true, err
	}
	return true, nil
}

func containedIn(path string, roots []string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}
