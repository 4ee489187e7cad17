package interp

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"go.starlark.net/starlark"
)

// ModulePrefix is the only load() namespace executing code can import from.
const ModulePrefix = "servers/"

var errLoadCycle = errors.New("cycle in load graph")

// loader resolves load() statements against the tool catalog. Module source
// is read through the run's FileSystemPolicy, so a catalog module can never
// come from outside the workspace root. Each module is executed at most once
// per run.
type loader struct {
	r *run

	mu    sync.Mutex
	cache map[string]*moduleEntry
}

type moduleEntry struct {
	globals starlark.StringDict
	err     error
	ready   bool
}

func newLoader(r *run) *loader {
	return &loader{r: r, cache: make(map[string]*moduleEntry)}
}

func validModule(module string) error {
	if !strings.HasPrefix(module, ModulePrefix) || !strings.HasSuffix(module, ".star") {
		return fmt.Errorf("module %q is not part of the tool catalog", module)
	}
	if path.Clean(module) != module || strings.Contains(module, "..") || strings.Contains(module, `\`) {
		return fmt.Errorf("invalid module path %q", module)
	}
	return nil
}

func (l *loader) load(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	if err := validModule(module); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if e, ok := l.cache[module]; ok {
		l.mu.Unlock()
		if !e.ready {
			return nil, errLoadCycle
		}
		return e.globals, e.err
	}
	e := &moduleEntry{}
	l.cache[module] = e
	l.mu.Unlock()

	globals, err := l.exec(thread, module)

	l.mu.Lock()
	e.globals, e.err, e.ready = globals, err, true
	l.mu.Unlock()
	return globals, err
}

func (l *loader) exec(parent *starlark.Thread, module string) (starlark.StringDict, error) {
	fsys := l.r.cfg.FileSystem
	if fsys == nil {
		return nil, errNoFileSystem
	}
	f, err := fsys.OpenFile(module, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	src, err := readAll(f)
	_ = f.Close()
	if err != nil {
		return nil, err
	}

	child := &starlark.Thread{
		Name:       "load " + module,
		Print:      parent.Print,
		Load:       parent.Load,
		OnMaxSteps: parent.OnMaxSteps,
	}
	child.SetLocal(runKey, l.r)
	child.SetMaxExecutionSteps(l.r.cfg.MaxSteps)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-l.r.ctx.Done():
			child.Cancel(l.r.ctx.Err().Error())
		case <-done:
		}
	}()

	globals, err := starlark.ExecFileOptions(FileOptions(), child, module, src, l.r.predeclared())
	if err != nil {
		return nil, err
	}
	globals.Freeze()
	return globals, nil
}
