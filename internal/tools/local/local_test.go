package local

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/codexec/internal/tools"
)

type transcript struct {
	VideoID string   `json:"video_id"`
	Lines   []string `json:"lines"`
	Words   int      `json:"words"`
}

func newProvider() *Provider {
	return New("demo",
		Definition{
			Name:        "get_transcript",
			Description: "Fetch a video transcript",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"video_id": map[string]any{"type": "string"}},
				"required":   []any{"video_id"},
			},
			Func: func(_ context.Context, args map[string]any) (any, error) {
				id, _ := args["video_id"].(string)
				if id == "" {
					return nil, errors.New("video_id is required")
				}
				return transcript{VideoID: id, Lines: []string{"hello", "world"}, Words: 2}, nil
			},
		},
		Definition{
			Name: "echo",
			Func: func(_ context.Context, args map[string]any) (any, error) { return args["text"], nil },
		},
	)
}

func TestProvider_DiscoverTools(t *testing.T) {
	p := newProvider()
	assert.Equal(t, "demo", p.Name())
	assert.Empty(t, p.Endpoints())

	found, err := p.DiscoverTools(t.Context())
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "echo", found[0].Name)
	assert.Equal(t, map[string]any{"type": "object"}, found[0].InputSchema)
	assert.Equal(t, "get_transcript", found[1].Name)
	assert.Equal(t, "demo", found[1].Provider)
}

func TestProvider_CallTool(t *testing.T) {
	p := newProvider()

	res, err := p.CallTool(t.Context(), "get_transcript", map[string]any{"video_id": "abc"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, map[string]any{
		"video_id": "abc",
		"lines":    []any{"hello", "world"},
		"words":    int64(2),
	}, res.Value)

	res, err = p.CallTool(t.Context(), "get_transcript", map[string]any{})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "video_id is required", res.Text)

	res, err = p.CallTool(t.Context(), "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Value)
	assert.Equal(t, "hi", res.Text)

	_, err = p.CallTool(t.Context(), "nope", nil)
	assert.ErrorIs(t, err, tools.ErrUnknownTool)
}

func TestProvider_DuplicatePanics(t *testing.T) {
	p := newProvider()
	assert.Panics(t, func() { p.Add(Definition{Name: "echo"}) })
}
