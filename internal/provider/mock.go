package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

func init() {
	Register("mock", func(cfg Config) (Provider, error) {
		return NewMock(), nil
	})
}

// ScriptFunc produces the output for one mock turn. Implementations may
// block; they must return promptly once ctx is cancelled.
type ScriptFunc func(ctx context.Context, threadID, input string) (string, error)

// MockCall records one SendMessage invocation.
type MockCall struct {
	ThreadID string
	Input    string
}

// MockThread records one created provider thread.
type MockThread struct {
	ID           string
	WorkDir      string
	InitialInput string
}

// Mock is a scripted in-memory provider for tests. Responses are served
// from a FIFO script; when the script is exhausted SendMessage returns
// an empty output.
type Mock struct {
	mu      sync.Mutex
	script  []ScriptFunc
	calls   []MockCall
	threads []MockThread
}

// NewMock creates an empty scripted provider.
func NewMock() *Mock {
	return &Mock{}
}

// Respond appends fixed outputs to the script, one per turn.
func (m *Mock) Respond(outputs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, out := range outputs {
		out := out
		m.script = append(m.script, func(context.Context, string, string) (string, error) {
			return out, nil
		})
	}
}

// RespondFunc appends a scripted turn.
func (m *Mock) RespondFunc(f ScriptFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, f)
}

// Calls returns every SendMessage invocation so far.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Threads returns every created thread.
func (m *Mock) Threads() []MockThread {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockThread, len(m.threads))
	copy(out, m.threads)
	return out
}

// CreateThread registers a new mock thread.
func (m *Mock) CreateThread(ctx context.Context, opts CreateThreadOptions) (ThreadRef, error) {
	if err := ctx.Err(); err != nil {
		return ThreadRef{}, err
	}
	id := "mock-" + uuid.NewString()[:8]
	m.mu.Lock()
	m.threads = append(m.threads, MockThread{ID: id, WorkDir: opts.WorkingDirectory, InitialInput: opts.InitialInput})
	m.mu.Unlock()
	return ThreadRef{ID: id}, nil
}

// ResumeThread attaches to a previously created thread id.
func (m *Mock) ResumeThread(ctx context.Context, id string) (ThreadRef, error) {
	if err := ctx.Err(); err != nil {
		return ThreadRef{}, err
	}
	if id == "" {
		return ThreadRef{}, fmt.Errorf("empty thread id")
	}
	return ThreadRef{ID: id}, nil
}

// SendMessage records the call and serves the next scripted response.
func (m *Mock) SendMessage(ctx context.Context, opts SendOptions) (Reply, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{ThreadID: opts.ThreadID, Input: opts.Input})
	var next ScriptFunc
	if len(m.script) > 0 {
		next = m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	if opts.OnProgress != nil {
		opts.OnProgress("mock turn")
	}
	if next == nil {
		return Reply{OutputText: ""}, nil
	}
	out, err := next(ctx, opts.ThreadID, opts.Input)
	if err != nil {
		return Reply{}, err
	}
	return Reply{OutputText: out}, nil
}

// Cancel is a no-op; cancellation flows through the context.
func (m *Mock) Cancel(threadID string) {}
