package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidIdentifier is returned for identifiers that cannot name a directory under the root.
var ErrInvalidIdentifier = errors.New("workspace: invalid identifier")

// Manager owns per-folder working directories under a common root.
type Manager struct {
	root   string
	logger *slog.Logger
}

// RemoveStats summarises a Remove call.
type RemoveStats struct {
	Files   int
	Dirs    int
	Errors  int
	Elapsed time.Duration
}

// New ensures the workspace root exists and is accessible.
func New(root string, logger *slog.Logger) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{root: abs, logger: logger}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Path maps a folder identifier to its workspace directory without touching the disk.
func (m *Manager) Path(identifier string) (string, error) {
	id := strings.TrimSpace(identifier)
	if id == "" || id == "." || id == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}
	if filepath.IsAbs(id) || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}
	dir := filepath.Join(m.root, id)
	if !m.within(dir) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}
	return dir, nil
}

// Prepare removes leftovers from an earlier run and creates an empty workspace.
func (m *Manager) Prepare(identifier string) (string, error) {
	dir, err := m.Path(identifier)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Remove deletes a workspace tree children-first. Entries that vanish underneath
// it or cannot be deleted are counted and skipped; Remove never fails.
func (m *Manager) Remove(path string) RemoveStats {
	start := time.Now()
	stats := RemoveStats{}
	if strings.TrimSpace(path) == "" {
		return stats
	}
	if !m.within(path) {
		m.logger.Error("refusing to remove path outside workspace root", "path", path, "root", m.root)
		stats.Errors++
		return stats
	}

	var dirs []string
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if !errors.Is(walkErr, fs.ErrNotExist) {
				stats.Errors++
			}
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, p)
			return nil
		}
		if removeIfExists(p) {
			stats.Files++
		} else {
			stats.Errors++
		}
		return nil
	})
	if err != nil {
		m.logger.Error("workspace walk failed", "path", path, "error", err)
	}
	// WalkDir visits parents before children, so reverse order empties each
	// directory before it is removed.
	for i := len(dirs) - 1; i >= 0; i-- {
		if removeIfExists(dirs[i]) {
			stats.Dirs++
		} else {
			stats.Errors++
		}
	}

	stats.Elapsed = time.Since(start)
	m.logger.Info("workspace removed", "path", path, "files", stats.Files, "dirs", stats.Dirs, "errors", stats.Errors, "elapsed", stats.Elapsed)
	return stats
}

func (m *Manager) within(path string) bool {
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

func removeIfExists(path string) bool {
	err := os.Remove(path)
	return err == nil || errors.Is(err, fs.ErrNotExist)
}
