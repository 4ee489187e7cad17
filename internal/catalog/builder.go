package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/codexec/internal/interp"
	"github.com/jkaninda/codexec/internal/tools"
	"github.com/jkaninda/codexec/internal/workspace"
)

const (
	// DefaultDiscoveryTimeout bounds discovery of a single provider.
	DefaultDiscoveryTimeout = 30 * time.Second

	generationPrefix = "gen-"
	legacyPrefix     = "legacy-"
	nextLinkName     = "servers.next"
)

// Builder discovers tools and writes them out as a catalog generation.
// Builds are serialized; readers always see either the previous or the new
// catalog, never a partially written one.
type Builder struct {
	ws               *workspace.Workspace
	logger           *slog.Logger
	discoveryTimeout time.Duration
	now              func() time.Time

	mu sync.Mutex
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithDiscoveryTimeout bounds how long a single provider may take to list its tools.
func WithDiscoveryTimeout(d time.Duration) BuilderOption {
	return func(b *Builder) {
		if d > 0 {
			b.discoveryTimeout = d
		}
	}
}

// WithClock overrides the build timestamp source.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// NewBuilder creates a catalog builder for the workspace.
func NewBuilder(ws *workspace.Workspace, logger *slog.Logger, opts ...BuilderOption) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Builder{
		ws:               ws,
		logger:           logger,
		discoveryTimeout: DefaultDiscoveryTimeout,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type discovery struct {
	provider tools.Provider
	tools    []tools.Tool
	err      error
}

// Build discovers every provider and replaces the catalog. Providers that
// fail are left out with a warning. When there are no providers, or every
// provider fails, the existing catalog is kept and ErrDiscoveryFailed is
// returned.
func (b *Builder) Build(ctx context.Context, providers ...tools.Provider) (*Summary, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: no tool providers configured", ErrDiscoveryFailed)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	results := b.discover(ctx, providers)

	var errs []error
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.provider.Name(), r.err))
		}
	}
	if len(errs) == len(providers) {
		return nil, fmt.Errorf("%w: %w", ErrDiscoveryFailed, errors.Join(errs...))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	generatedAt := b.now().UTC()
	servers, warnings := b.index(results)

	genDir, err := b.write(generatedAt, servers)
	if err != nil {
		return nil, err
	}
	generation := filepath.Base(genDir)

	previous, err := b.swap(generation)
	if err != nil {
		_ = os.RemoveAll(genDir)
		return nil, err
	}
	b.prune(generation, previous)

	sum := &Summary{
		GeneratedAt: generatedAt,
		Generation:  generation,
		Warnings:    warnings,
	}
	for _, s := range servers {
		sum.Servers = append(sum.Servers, s.summary())
		sum.Tools += len(s.Tools)
	}

	b.logger.Info("tool catalog built",
		slog.String("generation", generation),
		slog.Int("servers", len(sum.Servers)),
		slog.Int("tools", sum.Tools),
		slog.Int("warnings", len(warnings)),
		slog.Duration("duration", time.Since(start)),
	)
	return sum, nil
}

func (b *Builder) discover(ctx context.Context, providers []tools.Provider) []discovery {
	results := make([]discovery, len(providers))
	var g errgroup.Group
	for i, p := range providers {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, b.discoveryTimeout)
			defer cancel()
			list, err := p.DiscoverTools(dctx)
			if err == nil && dctx.Err() != nil {
				err = dctx.Err()
			}
			results[i] = discovery{provider: p, tools: list, err: err}
			if err != nil {
				b.logger.Warn("tool discovery failed",
					slog.String("provider", p.Name()),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// index turns discovery results into server indexes, sorted by server name.
func (b *Builder) index(results []discovery) ([]*ServerIndex, []Warning) {
	var warnings []Warning
	warn := func(server, tool, format string, args ...any) {
		w := Warning{Server: server, Tool: tool, Message: fmt.Sprintf(format, args...)}
		warnings = append(warnings, w)
		b.logger.Warn("tool catalog entry skipped",
			slog.String("server", server),
			slog.String("tool", tool),
			slog.String("reason", w.Message),
		)
	}

	byName := map[string]*ServerIndex{}
	for _, r := range results {
		provider := r.provider.Name()
		if r.err != nil {
			warn(provider, "", "discovery failed: %v", r.err)
			continue
		}
		server, ok := safeIdentifier(provider)
		if !ok {
			warn(provider, "", "provider name has no usable identifier")
			continue
		}
		if other, dup := byName[server]; dup {
			warn(provider, "", "server name %q already used by provider %q", server, other.Provider)
			continue
		}
		idx := &ServerIndex{
			Server:   server,
			Provider: provider,
			Module:   interp.ModulePrefix + server + ModuleExt,
			schemas:  map[string]map[string]any{},
		}

		list := slices.Clone(r.tools)
		slices.SortStableFunc(list, func(a, b tools.Tool) int { return strings.Compare(a.Name, b.Name) })
		used := map[string]string{}
		for _, t := range list {
			name, ok := safeIdentifier(t.Name)
			if !ok {
				warn(server, t.Name, "tool name has no usable identifier")
				continue
			}
			if other, dup := used[name]; dup {
				warn(server, t.Name, "tool name %q already used by %q", name, other)
				continue
			}
			params, err := parameters(t.InputSchema)
			if err != nil {
				warn(server, t.Name, "unusable input schema: %v", err)
				continue
			}
			used[name] = t.Name
			idx.schemas[name] = t.InputSchema
			idx.Tools = append(idx.Tools, ToolEntry{
				Name:        name,
				Tool:        t.Name,
				Description: strings.TrimSpace(t.Description),
				Module:      interp.ModulePrefix + server + "/" + name + ModuleExt,
				Parameters:  params,
			})
		}
		byName[server] = idx
	}

	servers := make([]*ServerIndex, 0, len(byName))
	for _, idx := range byName {
		servers = append(servers, idx)
	}
	slices.SortFunc(servers, func(a, b *ServerIndex) int { return strings.Compare(a.Server, b.Server) })
	return servers, warnings
}

// write renders a full generation into a fresh directory under .catalog.
func (b *Builder) write(generatedAt time.Time, servers []*ServerIndex) (string, error) {
	genRoot := b.ws.GenerationsDir()
	genDir, err := os.MkdirTemp(genRoot, fmt.Sprintf("%s%020d-", generationPrefix, generatedAt.UnixNano()))
	if err != nil {
		return "", fmt.Errorf("creating catalog generation: %w", err)
	}
	if err := os.Chmod(genDir, 0o750); err != nil {
		_ = os.RemoveAll(genDir)
		return "", fmt.Errorf("creating catalog generation: %w", err)
	}

	root := RootIndex{GeneratedAt: generatedAt, Generation: filepath.Base(genDir), Servers: []ServerSummary{}}
	for _, idx := range servers {
		if err := writeServer(genDir, idx); err != nil {
			_ = os.RemoveAll(genDir)
			return "", fmt.Errorf("writing server %s: %w", idx.Server, err)
		}
		root.Servers = append(root.Servers, idx.summary())
	}
	if err := writeJSON(filepath.Join(genDir, IndexFile), root); err != nil {
		_ = os.RemoveAll(genDir)
		return "", err
	}
	return genDir, nil
}

func writeServer(genDir string, idx *ServerIndex) error {
	dir := filepath.Join(genDir, idx.Server)
	if err := os.MkdirAll(filepath.Join(dir, SchemasDir), 0o750); err != nil {
		return err
	}
	if idx.Tools == nil {
		idx.Tools = []ToolEntry{}
	}
	for _, e := range idx.Tools {
		if err := writeFile(filepath.Join(dir, e.Name+ModuleExt), renderToolModule(idx.Server, e)); err != nil {
			return err
		}
		schema := idx.schemas[e.Name]
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		if err := writeJSON(filepath.Join(dir, SchemasDir, e.Name+".json"), schema); err != nil {
			return err
		}
	}
	if err := writeFile(filepath.Join(genDir, idx.Server+ModuleExt), renderServerModule(idx)); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, ReadmeFile), renderReadme(idx)); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, IndexFile), idx)
}

// swap points <root>/servers at the new generation and returns the
// generation it replaced, if any.
func (b *Builder) swap(generation string) (string, error) {
	link := b.ws.ServersPath()
	genRoot := b.ws.GenerationsDir()

	var previous string
	fi, err := os.Lstat(link)
	switch {
	case err == nil && fi.Mode()&os.ModeSymlink != 0:
		if target, err := os.Readlink(link); err == nil {
			previous = filepath.Base(target)
		}
	case err == nil:
		// A plain directory from an older layout is moved out of the way.
		legacy := filepath.Join(genRoot, fmt.Sprintf("%s%d", legacyPrefix, b.now().UnixNano()))
		if err := os.Rename(link, legacy); err != nil {
			return "", fmt.Errorf("moving legacy catalog aside: %w", err)
		}
		b.logger.Info("legacy catalog moved", slog.String("path", legacy))
	case !os.IsNotExist(err):
		return "", fmt.Errorf("inspecting catalog link: %w", err)
	}

	next := filepath.Join(genRoot, nextLinkName)
	_ = os.Remove(next)
	target := filepath.ToSlash(filepath.Join(workspace.GenerationsDirName, generation))
	if err := os.Symlink(target, next); err != nil {
		return "", fmt.Errorf("creating catalog link: %w", err)
	}
	if err := os.Rename(next, link); err != nil {
		_ = os.Remove(next)
		return "", fmt.Errorf("switching catalog: %w", err)
	}
	return previous, nil
}

// prune removes generations other than the current and previous ones.
// Readers that opened the previous generation keep working until the next build.
func (b *Builder) prune(current, previous string) {
	genRoot := b.ws.GenerationsDir()
	entries, err := os.ReadDir(genRoot)
	if err != nil {
		b.logger.Warn("listing catalog generations", slog.String("error", err.Error()))
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || name == current || name == previous {
			continue
		}
		if !strings.HasPrefix(name, generationPrefix) && !strings.HasPrefix(name, legacyPrefix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(genRoot, name)); err != nil {
			b.logger.Warn("removing catalog generation",
				slog.String("generation", name),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (idx *ServerIndex) summary() ServerSummary {
	return ServerSummary{Name: idx.Server, Provider: idx.Provider, Module: idx.Module, Tools: len(idx.Tools)}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	return writeFile(path, append(data, '\n'))
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
