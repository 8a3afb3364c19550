package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/kmoriya/shogun/internal/log"
)

func init() {
	Register("claude-cli", func(cfg Config) (Provider, error) {
		return NewClaudeCLI(cfg), nil
	})
}

// ClaudeCLI drives headless `claude` sessions. Each provider thread is a
// CLI session id; turns run `claude --print --resume <id>` and parse the
// single JSON result object.
type ClaudeCLI struct {
	cfg Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewClaudeCLI creates the CLI-backed provider.
func NewClaudeCLI(cfg Config) *ClaudeCLI {
	return &ClaudeCLI{cfg: cfg, cancels: make(map[string]context.CancelFunc)}
}

// cliResult is the object printed by `claude --print --output-format json`.
type cliResult struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
}

// CreateThread starts a fresh session seeded with the system prompt and
// returns the CLI session id.
func (c *ClaudeCLI) CreateThread(ctx context.Context, opts CreateThreadOptions) (ThreadRef, error) {
	workDir := opts.WorkingDirectory
	if workDir == "" {
		workDir = c.cfg.WorkingDirectory
	}
	res, err := c.run(ctx, "", workDir, opts.InitialInput, nil)
	if err != nil {
		return ThreadRef{}, err
	}
	if res.SessionID == "" {
		return ThreadRef{}, fmt.Errorf("claude produced no session id")
	}
	return ThreadRef{ID: res.SessionID}, nil
}

// ResumeThread attaches to an existing session id. The CLI resolves the
// session lazily on the next turn, so this only validates the id.
func (c *ClaudeCLI) ResumeThread(ctx context.Context, id string) (ThreadRef, error) {
	if id == "" {
		return ThreadRef{}, fmt.Errorf("empty session id")
	}
	return ThreadRef{ID: id}, nil
}

// SendMessage runs one turn against an existing session.
func (c *ClaudeCLI) SendMessage(ctx context.Context, opts SendOptions) (Reply, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.track(opts.ThreadID, cancel)
	defer c.untrack(opts.ThreadID)

	if opts.OnProgress != nil {
		opts.OnProgress("claude turn started")
	}
	res, err := c.run(turnCtx, opts.ThreadID, c.cfg.WorkingDirectory, opts.Input, opts.OnProgress)
	if err != nil {
		return Reply{}, err
	}
	raw, _ := json.Marshal(res)
	return Reply{OutputText: res.Result, Raw: raw}, nil
}

// Cancel aborts the in-flight turn on a thread, if any.
func (c *ClaudeCLI) Cancel(threadID string) {
	c.mu.Lock()
	cancel := c.cancels[threadID]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *ClaudeCLI) track(threadID string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancels[threadID] = cancel
	c.mu.Unlock()
}

func (c *ClaudeCLI) untrack(threadID string) {
	c.mu.Lock()
	delete(c.cancels, threadID)
	c.mu.Unlock()
}

func (c *ClaudeCLI) run(ctx context.Context, sessionID, workDir, input string, onProgress func(string)) (cliResult, error) {
	args := c.buildArgs(sessionID, input)
	log.Debug(log.CatProvider, "spawning claude", "args", strings.Join(args, " "), "workDir", workDir)

	// #nosec G204 -- args are built from configuration, not user input
	cmd := exec.CommandContext(ctx, "claude", args...)
	cmd.Dir = workDir
	cmd.Env = c.environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return cliResult{}, ctx.Err()
		}
		return cliResult{}, fmt.Errorf("claude turn failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	if onProgress != nil {
		onProgress("claude turn finished")
	}

	var res cliResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return cliResult{}, fmt.Errorf("decoding claude output: %w", err)
	}
	if res.IsError {
		return cliResult{}, fmt.Errorf("claude error result: %s", res.Result)
	}
	return res, nil
}

func (c *ClaudeCLI) buildArgs(sessionID, input string) []string {
	args := []string{
		"--print",
		"--output-format", "json",
	}
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}
	if c.cfg.Model != "" {
		args = append(args, "--model", c.cfg.Model)
	}
	args = append(args, "--dangerously-skip-permissions")
	for _, dir := range c.cfg.AdditionalDirectories {
		args = append(args, "--add-dir", dir)
	}
	if c.cfg.ConfigPath != "" {
		args = append(args, "--settings", c.cfg.ConfigPath)
	}
	// The -- separator keeps the prompt from being eaten by flags.
	args = append(args, "--", input)
	return args
}

func (c *ClaudeCLI) environ() []string {
	env := os.Environ()
	for k, v := range c.cfg.Env {
		env = append(env, k+"="+v)
	}
	return env
}
