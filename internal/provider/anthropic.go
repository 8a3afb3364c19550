package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/kmoriya/shogun/internal/log"
)

func init() {
	Register("anthropic", NewAnthropic)
}

const anthropicMaxTokens = 4096

// anthropicThread is the persisted transcript of one provider thread.
// The Anthropic Messages API is stateless, so the thread state lives
// here: the system prompt plus the alternating turns.
type anthropicThread struct {
	ID     string           `json:"id"`
	System string           `json:"system"`
	Turns  []anthropicTurn  `json:"turns"`
}

type anthropicTurn struct {
	Role string `json:"role"` // "user" or "assistant"
	Text string `json:"text"`
}

// Anthropic drives turns directly against the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	model  string
	dir    string

	mu      sync.Mutex
	threads map[string]*anthropicThread
	cancels map[string]context.CancelFunc
}

// NewAnthropic creates the API-backed provider. The API key comes from
// the provider env override or the process environment.
func NewAnthropic(cfg Config) (Provider, error) {
	apiKey := cfg.Env["ANTHROPIC_API_KEY"]
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("anthropic provider requires a model")
	}

	opts := []aoption.RequestOption{
		aoption.WithAPIKey(apiKey),
		aoption.WithMaxRetries(2),
	}
	if base := cfg.Env["ANTHROPIC_BASE_URL"]; base != "" {
		opts = append(opts, aoption.WithBaseURL(base))
	}

	return &Anthropic{
		client:  anthropic.NewClient(opts...),
		model:   cfg.Model,
		dir:     filepath.Join(cfg.BaseDir, "tmp", "provider_threads"),
		threads: make(map[string]*anthropicThread),
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

// CreateThread allocates a thread id and stores the system prompt.
func (a *Anthropic) CreateThread(ctx context.Context, opts CreateThreadOptions) (ThreadRef, error) {
	if err := ctx.Err(); err != nil {
		return ThreadRef{}, err
	}
	th := &anthropicThread{
		ID:     "anthropic-" + uuid.NewString(),
		System: opts.InitialInput,
	}
	a.mu.Lock()
	a.threads[th.ID] = th
	a.mu.Unlock()
	if err := a.persist(th); err != nil {
		return ThreadRef{}, err
	}
	return ThreadRef{ID: th.ID}, nil
}

// ResumeThread loads a persisted transcript.
func (a *Anthropic) ResumeThread(ctx context.Context, id string) (ThreadRef, error) {
	if err := ctx.Err(); err != nil {
		return ThreadRef{}, err
	}
	if _, err := a.load(id); err != nil {
		return ThreadRef{}, err
	}
	return ThreadRef{ID: id}, nil
}

// SendMessage appends the input to the transcript, runs one Messages API
// call over the whole conversation, and records the reply.
func (a *Anthropic) SendMessage(ctx context.Context, opts SendOptions) (Reply, error) {
	th, err := a.load(opts.ThreadID)
	if err != nil {
		return Reply{}, err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.mu.Lock()
	a.cancels[opts.ThreadID] = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.cancels, opts.ThreadID)
		a.mu.Unlock()
	}()

	a.mu.Lock()
	th.Turns = append(th.Turns, anthropicTurn{Role: "user", Text: opts.Input})
	messages := make([]anthropic.MessageParam, 0, len(th.Turns))
	for _, turn := range th.Turns {
		if turn.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Text)))
		} else {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Text)))
		}
	}
	system := th.System
	a.mu.Unlock()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: anthropicMaxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	if opts.OnProgress != nil {
		opts.OnProgress("anthropic request")
	}
	start := time.Now()
	resp, err := a.client.Messages.New(turnCtx, params)
	if err != nil {
		if turnCtx.Err() != nil {
			return Reply{}, turnCtx.Err()
		}
		return Reply{}, fmt.Errorf("anthropic request failed: %w", err)
	}

	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	output := strings.Join(parts, "\n")

	log.Debug(log.CatProvider, "anthropic response",
		"model", a.model,
		"inputTokens", resp.Usage.InputTokens,
		"outputTokens", resp.Usage.OutputTokens,
		"latencyMs", time.Since(start).Milliseconds())

	a.mu.Lock()
	th.Turns = append(th.Turns, anthropicTurn{Role: "assistant", Text: output})
	a.mu.Unlock()
	if err := a.persist(th); err != nil {
		log.ErrorErr(log.CatProvider, "persisting anthropic transcript", err, "threadId", th.ID)
	}

	raw, _ := json.Marshal(resp)
	return Reply{OutputText: output, Raw: raw}, nil
}

// Cancel aborts the in-flight turn on a thread, if any.
func (a *Anthropic) Cancel(threadID string) {
	a.mu.Lock()
	cancel := a.cancels[threadID]
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *Anthropic) load(id string) (*anthropicThread, error) {
	a.mu.Lock()
	if th, ok := a.threads[id]; ok {
		a.mu.Unlock()
		return th, nil
	}
	a.mu.Unlock()

	data, err := os.ReadFile(a.pathFor(id)) //nolint:gosec // G304: id generated by this provider
	if err != nil {
		return nil, fmt.Errorf("loading anthropic thread %s: %w", id, err)
	}
	var th anthropicThread
	if err := json.Unmarshal(data, &th); err != nil {
		return nil, fmt.Errorf("decoding anthropic thread %s: %w", id, err)
	}

	a.mu.Lock()
	a.threads[id] = &th
	a.mu.Unlock()
	return &th, nil
}

func (a *Anthropic) persist(th *anthropicThread) error {
	a.mu.Lock()
	data, err := json.MarshalIndent(th, "", "  ")
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encoding anthropic thread: %w", err)
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("creating provider thread directory: %w", err)
	}
	path := a.pathFor(th.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing anthropic thread: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing anthropic thread: %w", err)
	}
	return nil
}

func (a *Anthropic) pathFor(id string) string {
	return filepath.Join(a.dir, id+".json")
}
