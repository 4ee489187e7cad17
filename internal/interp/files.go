package interp

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"strings"

	"github.com/jkaninda/codexec/internal/policy"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

var errNoFileSystem = errors.New("filesystem access is not available")

var fsModule = &starlarkstruct.Module{
	Name: "fs",
	Members: starlark.StringDict{
		"read":     starlark.NewBuiltin("fs.read", fsRead),
		"write":    starlark.NewBuiltin("fs.write", fsWrite),
		"append":   starlark.NewBuiltin("fs.append", fsWrite),
		"listdir":  starlark.NewBuiltin("fs.listdir", fsListDir),
		"exists":   starlark.NewBuiltin("fs.exists", fsExists),
		"makedirs": starlark.NewBuiltin("fs.makedirs", fsMakeDirs),
	},
}

func fileSystem(thread *starlark.Thread) (*policy.FileSystemPolicy, error) {
	r := runFrom(thread)
	if r == nil || r.cfg.FileSystem == nil {
		return nil, errNoFileSystem
	}
	return r.cfg.FileSystem, nil
}

func openFlags(mode string) (int, error) {
	m := strings.NewReplacer("b", "", "t", "").Replace(mode)
	switch m {
	case "r":
		return os.O_RDONLY, nil
	case "w":
		return os.O_WRONLY | os.O_CREATE | os.O_TRUNC, nil
	case "a":
		return os.O_WRONLY | os.O_CREATE | os.O_APPEND, nil
	case "x":
		return os.O_WRONLY | os.O_CREATE | os.O_EXCL, nil
	case "r+":
		return os.O_RDWR, nil
	case "w+":
		return os.O_RDWR | os.O_CREATE | os.O_TRUNC, nil
	case "a+":
		return os.O_RDWR | os.O_CREATE | os.O_APPEND, nil
	}
	return 0, fmt.Errorf("invalid mode %q", mode)
}

// openFile implements open(path, mode="r").
func openFile(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	mode := "r"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "mode?", &mode); err != nil {
		return nil, err
	}
	flag, err := openFlags(mode)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	fsys, err := fileSystem(thread)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	f, err := fsys.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	fv := &file{name: path, mode: mode, f: f}
	r := runFrom(thread)
	r.mu.Lock()
	r.files = append(r.files, fv)
	r.mu.Unlock()
	return fv, nil
}

func readAll(r io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxReadBytes+1))
	if err != nil {
		return "", err
	}
	if len(b) > maxReadBytes {
		return "", fmt.Errorf("file is larger than %d bytes", maxReadBytes)
	}
	return string(b), nil
}

func fsRead(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &path); err != nil {
		return nil, err
	}
	fsys, err := fileSystem(thread)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", b.Name(), path, err)
	}
	defer f.Close()
	s, err := readAll(f)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", b.Name(), path, err)
	}
	return starlark.String(s), nil
}

// fsWrite serves both fs.write and fs.append.
func fsWrite(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path, data string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &path, &data); err != nil {
		return nil, err
	}
	fsys, err := fileSystem(thread)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if b.Name() == "fs.append" {
		flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := fsys.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", b.Name(), path, err)
	}
	n, err := f.WriteString(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", b.Name(), path, err)
	}
	return starlark.MakeInt(n), nil
}

func fsListDir(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	path := "."
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &path); err != nil {
		return nil, err
	}
	fsys, err := fileSystem(thread)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	entries, err := fsys.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", b.Name(), path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return FromGo(names)
}

func fsExists(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &path); err != nil {
		return nil, err
	}
	fsys, err := fileSystem(thread)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	_, err = fsys.Stat(path)
	switch {
	case err == nil:
		return starlark.True, nil
	case errors.Is(err, fs.ErrNotExist):
		return starlark.False, nil
	}
	return nil, fmt.Errorf("%s %s: %w", b.Name(), path, err)
}

func fsMakeDirs(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &path); err != nil {
		return nil, err
	}
	fsys, err := fileSystem(thread)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if err := fsys.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("%s %s: %w", b.Name(), path, err)
	}
	return starlark.None, nil
}

// file is the value returned by open().
type file struct {
	name   string
	mode   string
	f      *os.File
	closed bool
}

var (
	_ starlark.HasAttrs = (*file)(nil)

	fileMethods = map[string]*starlark.Builtin{
		"read":      starlark.NewBuiltin("read", fileRead),
		"readlines": starlark.NewBuiltin("readlines", fileReadLines),
		"write":     starlark.NewBuiltin("write", fileWrite),
		"close":     starlark.NewBuiltin("close", fileClose),
	}
)

func (f *file) String() string        { return fmt.Sprintf("<file %q mode %q>", f.name, f.mode) }
func (f *file) Type() string          { return "file" }
func (f *file) Freeze()               {}
func (f *file) Truth() starlark.Bool  { return !starlark.Bool(f.closed) }
func (f *file) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: file") }

func (f *file) Attr(name string) (starlark.Value, error) {
	switch name {
	case "name":
		return starlark.String(f.name), nil
	case "mode":
		return starlark.String(f.mode), nil
	case "closed":
		return starlark.Bool(f.closed), nil
	}
	if m, ok := fileMethods[name]; ok {
		return m.BindReceiver(f), nil
	}
	return nil, nil
}

func (f *file) AttrNames() []string {
	return []string{"close", "closed", "mode", "name", "read", "readlines", "write"}
}

func (f *file) close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return f.f.Close()
}

func receiverFile(b *starlark.Builtin) (*file, error) {
	f := b.Receiver().(*file)
	if f.closed {
		return nil, fmt.Errorf("%s: I/O operation on closed file", b.Name())
	}
	return f, nil
}

func fileRead(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	f, err := receiverFile(b)
	if err != nil {
		return nil, err
	}
	s, err := readAll(f.f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.name, err)
	}
	return starlark.String(s), nil
}

func fileReadLines(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	f, err := receiverFile(b)
	if err != nil {
		return nil, err
	}
	s, err := readAll(f.f)
	if err != nil {
		return nil, fmt.Errorf("readlines %s: %w", f.name, err)
	}
	lines := strings.SplitAfter(s, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return FromGo(lines)
}

func fileWrite(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
		return nil, err
	}
	f, err := receiverFile(b)
	if err != nil {
		return nil, err
	}
	n, err := f.f.WriteString(data)
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", f.name, err)
	}
	return starlark.MakeInt(n), nil
}

func fileClose(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	if err := b.Receiver().(*file).close(); err != nil {
		return nil, err
	}
	return starlark.None, nil
}
