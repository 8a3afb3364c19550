// Package provider abstracts the LLM backends that drive agent turns.
// The runtime only ever sees the four-operation interface: create a
// provider-side thread, resume one, send one synchronous turn, cancel.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// ThreadRef identifies a provider-side thread.
type ThreadRef struct {
	ID string
}

// CreateThreadOptions seeds a new provider thread. InitialInput carries
// the composed system prompt; the provider must feed it before any turn.
type CreateThreadOptions struct {
	WorkingDirectory string
	InitialInput     string
}

// SendOptions describes one synchronous turn.
type SendOptions struct {
	ThreadID string
	Input    string

	// OnProgress receives best-effort telemetry notes during the turn.
	OnProgress func(note string)
}

// Reply is the provider's response to a turn. OutputText is the sole
// response surface the runtime interprets; Raw is opaque.
type Reply struct {
	OutputText string
	Raw        json.RawMessage
}

// Provider is the capability set consumed by the agent runtime. All
// blocking operations honor context cancellation; an aborted SendMessage
// must return ctx.Err() (possibly wrapped).
type Provider interface {
	CreateThread(ctx context.Context, opts CreateThreadOptions) (ThreadRef, error)
	ResumeThread(ctx context.Context, id string) (ThreadRef, error)
	SendMessage(ctx context.Context, opts SendOptions) (Reply, error)

	// Cancel is an optional explicit cancel hook for an in-flight turn on
	// the given thread; implementations may no-op.
	Cancel(threadID string)
}

// Config carries provider construction options.
type Config struct {
	Model                 string
	WorkingDirectory      string
	BaseDir               string
	Env                   map[string]string
	ReasoningEffort       string
	AdditionalDirectories []string
	ConfigPath            string
}

// ErrUnknownProvider is returned when an unregistered provider is
// requested.
var ErrUnknownProvider = fmt.Errorf("unknown provider")

var registry = make(map[string]func(Config) (Provider, error))

// Register adds a provider factory. Called from init functions of the
// implementation files.
func Register(name string, factory func(Config) (Provider, error)) {
	registry[name] = factory
}

// New constructs a registered provider.
func New(name string, cfg Config) (Provider, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return factory(cfg)
}

// Registered returns the sorted names of all registered providers.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
