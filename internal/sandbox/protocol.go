package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Host and worker exchange newline-delimited JSON frames:
//
//	host   -> worker: job
//	worker -> host:   tool_call    (zero or more, each answered by tool_result)
//	host   -> worker: tool_result
//	worker -> host:   outcome      (exactly one, last)
const (
	frameJob        = "job"
	frameToolCall   = "tool_call"
	frameToolResult = "tool_result"
	frameOutcome    = "outcome"
)

type frame struct {
	Type    string           `json:"type"`
	Job     *Job             `json:"job,omitempty"`
	Call    *toolCallFrame   `json:"call,omitempty"`
	Result  *toolResultFrame `json:"result,omitempty"`
	Outcome *Outcome         `json:"outcome,omitempty"`
}

type toolCallFrame struct {
	ID     int64          `json:"id"`
	Server string         `json:"server"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
}

type toolResultFrame struct {
	ID    int64  `json:"id"`
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

type frameWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newFrameWriter(w io.Writer) *frameWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &frameWriter{enc: enc}
}

func (w *frameWriter) write(f frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(f)
}

type frameReader struct {
	dec *json.Decoder
}

func newFrameReader(r io.Reader) *frameReader {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return &frameReader{dec: dec}
}

func (r *frameReader) read() (frame, error) {
	var f frame
	if err := r.dec.Decode(&f); err != nil {
		return frame{}, err
	}
	switch f.Type {
	case frameJob, frameToolCall, frameToolResult, frameOutcome:
	default:
		return frame{}, fmt.Errorf("unknown frame type %q", f.Type)
	}
	if f.Call != nil {
		f.Call.Args, _ = normalize(f.Call.Args).(map[string]any)
	}
	if f.Result != nil {
		f.Result.Value = normalize(f.Result.Value)
	}
	if f.Outcome != nil {
		f.Outcome.Value = normalize(f.Outcome.Value)
	}
	return f, nil
}

// normalize replaces json.Number with int64 or float64 so values decoded from
// a frame look the same as values produced in process.
func normalize(v any) any {
	switch v := v.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case []any:
		for i, e := range v {
			v[i] = normalize(e)
		}
		return v
	case map[string]any:
		for k, e := range v {
			v[k] = normalize(e)
		}
		return v
	}
	return v
}
