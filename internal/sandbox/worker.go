package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"runtime/metrics"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const memoryWatchInterval = 25 * time.Millisecond

// RunWorker is the body of the sandbox-worker process. It reads one job from
// in, applies the job's resource limits to the current process, runs the code
// and writes the outcome to out. Tool calls are forwarded to the host over
// the same streams.
func RunWorker(ctx context.Context, in io.Reader, out io.Writer, logger *slog.Logger) error {
	reader := newFrameReader(in)
	writer := newFrameWriter(out)

	first, err := reader.read()
	if err != nil {
		return fmt.Errorf("reading job: %w", err)
	}
	if first.Type != frameJob || first.Job == nil {
		return fmt.Errorf("expected a job frame, got %q", first.Type)
	}
	job := first.Job
	logger = logger.With(slog.String("execution_id", job.ID))

	if err := applyLimits(job.Limits); err != nil {
		logger.Warn("could not apply resource limits", slog.String("error", err.Error()))
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := watchResources(ctx, cancel, memoryLimit(job.Limits))
	defer stop()

	caller := newRemoteCaller(reader, writer)
	go caller.pump()

	outcome, err := execute(ctx, job, caller, logger)
	if err != nil {
		outcome = &Outcome{Failure: &Failure{Kind: KindExecution, Message: err.Error()}}
	}
	return writer.write(frame{Type: frameOutcome, Outcome: outcome})
}

func memoryLimit(l ResourceLimits) int64 {
	if l.MaxMemoryBytes > 0 {
		return l.MaxMemoryBytes
	}
	return defaultMemoryBytes
}

func cpuLimit(l ResourceLimits) int {
	if l.MaxCPUSeconds > 0 {
		return l.MaxCPUSeconds
	}
	return defaultCPUSeconds
}

// watchResources cancels ctx when the heap outgrows limit or the kernel
// reports that the soft CPU limit was reached.
func watchResources(ctx context.Context, cancel context.CancelCauseFunc, limit int64) (stop func()) {
	debug.SetMemoryLimit(limit)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGXCPU)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(memoryWatchInterval)
		defer ticker.Stop()
		sample := []metrics.Sample{{Name: "/memory/classes/heap/objects:bytes"}}
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-sigs:
				cancel(ErrCPULimit)
				return
			case <-ticker.C:
				metrics.Read(sample)
				if sample[0].Value.Kind() == metrics.KindUint64 && int64(sample[0].Value.Uint64()) > limit {
					cancel(ErrMemoryLimit)
					return
				}
			}
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

// remoteCaller forwards tool calls to the host.
type remoteCaller struct {
	reader *frameReader
	writer *frameWriter
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *toolResultFrame
	readErr error
}

func newRemoteCaller(r *frameReader, w *frameWriter) *remoteCaller {
	return &remoteCaller{reader: r, writer: w, pending: make(map[int64]chan *toolResultFrame)}
}

// pump delivers tool results to waiting calls until the host closes stdin.
func (c *remoteCaller) pump() {
	for {
		f, err := c.reader.read()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}
		if f.Type != frameToolResult || f.Result == nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[f.Result.ID]
		delete(c.pending, f.Result.ID)
		c.mu.Unlock()
		if ok {
			ch <- f.Result
		}
	}
}

func (c *remoteCaller) CallTool(ctx context.Context, server, tool string, args map[string]any) (any, error) {
	id := c.nextID.Add(1)
	ch := make(chan *toolResultFrame, 1)

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return nil, fmt.Errorf("host connection lost: %w", err)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	err := c.writer.write(frame{Type: frameToolCall, Call: &toolCallFrame{ID: id, Server: server, Tool: tool, Args: args}})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("sending tool call: %w", err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case res, ok := <-ch:
		if !ok {
			return nil, errors.New("host connection lost")
		}
		if res.Error != "" {
			return nil, errors.New(res.Error)
		}
		return res.Value, nil
	}
}
