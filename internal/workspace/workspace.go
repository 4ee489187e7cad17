// Package workspace manages the codexec workspace directory structure.
// The workspace root is the filesystem boundary of every execution: the
// generated tool catalog and any data files code may touch live under it.
//
//	<root>/servers     catalog entry point (symlink to the current generation)
//	<root>/.catalog/   catalog generations, swapped atomically
//	<root>/data/       files generated code may read and write
//
// Default workspace: ~/.codexec/workspace (configurable via config or CODEXEC_WORKSPACE env var).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".codexec/workspace"

// Directory names under the root.
const (
	ServersDirName     = "servers"
	GenerationsDirName = ".catalog"
	DataDirName        = "data"
)

// Workspace manages the codexec runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// with appropriate permissions if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	// Symlinks in the root path would move the policy boundary.
	target, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", resolved, err)
	}
	w.Root = target
	return w, nil
}

// Default creates a Workspace at ~/.codexec/workspace.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// --- Top-level paths ---

// ServersPath returns <root>/servers/. It is owned by the catalog builder
// and is not created here.
func (w *Workspace) ServersPath() string {
	return filepath.Join(w.Root, ServersDirName)
}

// GenerationsDir returns <root>/.catalog/. Holds catalog generations.
func (w *Workspace) GenerationsDir() string {
	return w.dir(GenerationsDirName)
}

// DataDir returns <root>/data/. Scratch space for generated code.
func (w *Workspace) DataDir() string {
	return w.dir(DataDirName)
}

// Rel returns path relative to the root, as generated code would name it.
func (w *Workspace) Rel(path string) (string, error) {
	rel, err := filepath.Rel(w.Root, path)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the workspace", path)
	}
	return filepath.ToSlash(rel), nil
}

// --- Cleanup ---

// CleanData removes all contents of the data directory.
func (w *Workspace) CleanData() error {
	dir := filepath.Join(w.Root, DataDirName)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading data dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("removing data entry %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// EnsureAll creates all standard workspace directories.
func (w *Workspace) EnsureAll() error {
	for _, name := range []string{GenerationsDirName, DataDirName} {
		if err := w.ensureDir(filepath.Join(w.Root, name), 0750); err != nil {
			return err
		}
	}
	return nil
}

// --- Internal helpers ---

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
