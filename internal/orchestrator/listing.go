package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jkaninda/codexec/internal/catalog"
	"github.com/jkaninda/codexec/internal/executor"
)

// Where a tool listing came from.
const (
	SourceGenerated = "generated"
	SourceIndex     = "index"
)

// ToolListing is the answer to "which tools are available".
type ToolListing struct {
	Tools  []catalog.ToolSummary `json:"tools"`
	Source string                `json:"source"`
	// Reason explains why the index fallback was used.
	Reason string `json:"reason,omitempty"`
}

// ListTools enumerates tools with generated code and falls back to the
// catalog index when generation or execution fails, or the program does not
// produce a list. Only a missing catalog is an error.
func (l *Loop) ListTools(ctx context.Context) (*ToolListing, error) {
	cat := l.currentCatalog()
	if cat == nil {
		return nil, catalog.ErrNotBuilt
	}

	if l.generator != nil {
		tools, err := l.generatedListing(ctx, cat.Tools())
		if err == nil {
			return &ToolListing{Tools: tools, Source: SourceGenerated}, nil
		}
		l.logger.InfoContext(ctx, "tool listing fell back to the catalog index",
			slog.String("reason", err.Error()),
		)
		return &ToolListing{Tools: cat.Tools(), Source: SourceIndex, Reason: err.Error()}, nil
	}
	return &ToolListing{Tools: cat.Tools(), Source: SourceIndex, Reason: "no code generator configured"}, nil
}

func (l *Loop) currentCatalog() *catalog.Catalog {
	if l.catalog == nil {
		return nil
	}
	return l.catalog.Catalog()
}

func (l *Loop) generatedListing(ctx context.Context, known []catalog.ToolSummary) ([]catalog.ToolSummary, error) {
	code, err := l.generator.Generate(ctx, GenerateRequest{
		Task:         listToolsTask,
		Instructions: instructions(known, nil),
		Tools:        known,
		Attempt:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	res, err := l.executor.Execute(ctx, executor.Request{Code: code, Timeout: l.timeout})
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("listing code failed: %s", res.Kind())
	}
	if !res.HasValue {
		return nil, fmt.Errorf("listing code did not assign a result")
	}
	return toolsFromValue(res.Value, known)
}

// toolsFromValue accepts a list of {"server", "name", ...} dicts or of
// "server.tool" strings. Entries are completed from the catalog when it
// knows the tool.
func toolsFromValue(v any, known []catalog.ToolSummary) ([]catalog.ToolSummary, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("listing result is %T, not a list", v)
	}

	byKey := make(map[string]catalog.ToolSummary, len(known))
	for _, t := range known {
		byKey[t.Server+"."+t.Name] = t
	}

	out := make([]catalog.ToolSummary, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		var t catalog.ToolSummary
		switch item := item.(type) {
		case string:
			server, name, ok := strings.Cut(item, ".")
			if !ok {
				return nil, fmt.Errorf("listing entry %q is not server.tool", item)
			}
			t = catalog.ToolSummary{Server: server, Name: name}
		case map[string]any:
			t.Server, _ = item["server"].(string)
			t.Name, _ = item["name"].(string)
			t.Description, _ = item["description"].(string)
		default:
			return nil, fmt.Errorf("listing entry is %T", item)
		}
		if t.Server == "" || t.Name == "" {
			return nil, fmt.Errorf("listing entry without server or name")
		}

		key := t.Server + "." + t.Name
		if seen[key] {
			continue
		}
		seen[key] = true
		if k, ok := byKey[key]; ok {
			if t.Description == "" {
				t.Description = k.Description
			}
			t.Module = k.Module
			t.Signature = k.Signature
		}
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Server != out[j].Server {
			return out[i].Server < out[j].Server
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
