package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// AccessMode is the kind of file access being checked.
type AccessMode int

const (
	ModeRead AccessMode = iota
	ModeWrite
)

func (m AccessMode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read"
}

// FileSystemViolation is a refused file access.
type FileSystemViolation struct {
	Path     string     `json:"path"`
	Resolved string     `json:"resolved,omitempty"`
	Mode     AccessMode `json:"mode"`
	Reason   string     `json:"reason"`
}

func (v *FileSystemViolation) Error() string {
	return fmt.Sprintf("filesystem policy violation: %s access to %q denied: %s", v.Mode, v.Path, v.Reason)
}

func (v *FileSystemViolation) Unwrap() error  { return ErrFileSystemDenied }
func (v *FileSystemViolation) Policy() string { return "filesystem" }
func (v *FileSystemViolation) Target() string { return v.Path }

// FileSystemPolicy confines file access to a workspace root.
//
// Relative paths are taken relative to the root. A path is allowed only if,
// after cleaning and after resolving every symlink in its existing prefix,
// it is still inside the root. Writes are refused in read-only mode and,
// always, inside the subtrees registered with WithReadOnly.
type FileSystemPolicy struct {
	lifecycle
	base        string // absolute root as configured
	root        string // base with symlinks resolved
	allowWrites bool
	readOnly    []string // absolute, both lexical and resolved forms
}

// NewFileSystemPolicy creates a policy rooted at root, which must exist and
// be a directory.
func NewFileSystemPolicy(root string, allowWrites bool, opts ...Option) (*FileSystemPolicy, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if root == "" {
		return nil, errors.New("filesystem policy root is required")
	}
	base, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(base)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", resolved)
	}
	p := &FileSystemPolicy{base: base, root: resolved, allowWrites: allowWrites}
	for _, d := range o.readOnly {
		dir := filepath.Join(resolved, filepath.Clean(string(filepath.Separator)+d))
		if dir == resolved {
			p.allowWrites = false
			continue
		}
		p.readOnly = append(p.readOnly, dir)
		if real, err := resolveExisting(dir); err == nil && real != dir {
			p.readOnly = append(p.readOnly, real)
		}
	}
	p.logger = o.logger
	p.onDeny = o.onDeny
	return p, nil
}

// Root returns the resolved workspace root.
func (p *FileSystemPolicy) Root() string { return p.root }

// AllowWrites reports whether write access can be granted.
func (p *FileSystemPolicy) AllowWrites() bool { return p.allowWrites }

// ValidateAccess checks path for the given mode without touching the file.
// On success it returns the resolved absolute path inside the root.
func (p *FileSystemPolicy) ValidateAccess(path string, mode AccessMode) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", &FileSystemViolation{Path: path, Mode: mode, Reason: "empty path"}
	}
	if strings.ContainsRune(path, 0) {
		return "", &FileSystemViolation{Path: path, Mode: mode, Reason: "path contains a NUL byte"}
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(p.base, candidate)
	}
	candidate = filepath.Clean(candidate)

	// Map the lexical path onto the resolved root.
	var rel string
	switch {
	case within(candidate, p.root):
		rel, _ = filepath.Rel(p.root, candidate)
	case within(candidate, p.base):
		rel, _ = filepath.Rel(p.base, candidate)
	default:
		return "", &FileSystemViolation{Path: path, Resolved: candidate, Mode: mode, Reason: "path is outside the workspace root"}
	}

	resolved, err := resolveExisting(filepath.Join(p.root, rel))
	if err != nil {
		return "", &FileSystemViolation{Path: path, Mode: mode, Reason: "cannot resolve path: " + err.Error()}
	}
	if !within(resolved, p.root) {
		return "", &FileSystemViolation{Path: path, Resolved: resolved, Mode: mode, Reason: "path escapes the workspace root through a symlink"}
	}
	if mode == ModeWrite {
		if !p.allowWrites {
			return "", &FileSystemViolation{Path: path, Resolved: resolved, Mode: mode, Reason: "workspace is read-only"}
		}
		lexical := filepath.Join(p.root, rel)
		for _, dir := range p.readOnly {
			if within(lexical, dir) || within(resolved, dir) {
				return "", &FileSystemViolation{Path: path, Resolved: resolved, Mode: mode, Reason: "path is in a read-only part of the workspace"}
			}
		}
	}
	return resolved, nil
}

// OpenFile is the guarded open primitive. The access mode is derived from flag.
func (p *FileSystemPolicy) OpenFile(path string, flag int, perm fs.FileMode) (*os.File, error) {
	mode := ModeRead
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0 {
		mode = ModeWrite
	}
	target, err := p.guard(path, mode)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(target, flag, perm)
}

// ReadDir lists a directory inside the root.
func (p *FileSystemPolicy) ReadDir(path string) ([]fs.DirEntry, error) {
	target, err := p.guard(path, ModeRead)
	if err != nil {
		return nil, err
	}
	return os.ReadDir(target)
}

// Stat describes a file inside the root.
func (p *FileSystemPolicy) Stat(path string) (fs.FileInfo, error) {
	target, err := p.guard(path, ModeRead)
	if err != nil {
		return nil, err
	}
	return os.Stat(target)
}

// MkdirAll creates a directory tree inside the root.
func (p *FileSystemPolicy) MkdirAll(path string, perm fs.FileMode) error {
	target, err := p.guard(path, ModeWrite)
	if err != nil {
		return err
	}
	return os.MkdirAll(target, perm)
}

// guard validates path and re-joins it under the root with securejoin, so a
// symlink swapped in after validation still cannot lead outside.
func (p *FileSystemPolicy) guard(path string, mode AccessMode) (string, error) {
	if err := p.ensureActive(); err != nil {
		return "", err
	}
	resolved, err := p.ValidateAccess(path, mode)
	if err != nil {
		var v *FileSystemViolation
		if errors.As(err, &v) {
			return "", p.deny(v)
		}
		return "", err
	}
	rel, err := filepath.Rel(p.root, resolved)
	if err != nil {
		return "", p.deny(&FileSystemViolation{Path: path, Resolved: resolved, Mode: mode, Reason: err.Error()})
	}
	target, err := securejoin.SecureJoin(p.root, rel)
	if err != nil {
		return "", p.deny(&FileSystemViolation{Path: path, Resolved: resolved, Mode: mode, Reason: err.Error()})
	}
	return target, nil
}

// resolveExisting evaluates symlinks in the longest existing prefix of path
// and re-appends the components that do not exist yet.
func resolveExisting(path string) (string, error) {
	var missing []string
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}

// within reports whether path equals dir or lies below it. Both must be clean.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel))
}
