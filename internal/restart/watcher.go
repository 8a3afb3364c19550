// Package restart implements the externally-triggered restart queue: the
// same claim/process/archive file pattern as the mailbox, over
// tmp/restart/{requests,processing,history}, with its own ledger. The
// handler initiates orderly shutdown; the launcher respawns on exit code
// 75.
package restart

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kmoriya/shogun/internal/ledger"
	"github.com/kmoriya/shogun/internal/log"
	"github.com/kmoriya/shogun/internal/mailbox"
)

// ExitCode is the process exit status a supervising launcher interprets
// as "respawn".
const ExitCode = 75

// Directory names under the restart root.
const (
	requestsDir   = "requests"
	processingDir = "processing"
	historyDir    = "history"
	ledgerFile    = "restart_ledger.json"
)

// Request is one restart demand. All fields are optional in the file;
// missing ones fall back to the filename stem and mtime.
type Request struct {
	ID          string `json:"id,omitempty"`
	Reason      string `json:"reason,omitempty"`
	RequestedAt string `json:"requestedAt,omitempty"`
}

// Handler receives each restart request exactly once in effect. It must
// initiate shutdown and return; terminating inside the handler would
// lose the archive step.
type Handler func(Request)

// WatcherConfig configures the restart watcher.
type WatcherConfig struct {
	// Dir is the restart root (tmp/restart).
	Dir string

	Handler Handler

	// Poll selects polling instead of native filesystem events.
	Poll         bool
	PollInterval time.Duration
}

// Watcher observes restart request files.
type Watcher struct {
	cfg WatcherConfig
	led *ledger.Ledger
	fsw *fsnotify.Watcher

	mu       sync.Mutex
	inflight map[string]struct{}

	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewWatcher creates a restart watcher with its own ledger.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Dir == "" || cfg.Handler == nil {
		return nil, fmt.Errorf("restart dir and handler are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	led, err := ledger.Open(filepath.Join(cfg.Dir, ledgerFile))
	if err != nil {
		return nil, err
	}
	return &Watcher{
		cfg:      cfg,
		led:      led,
		inflight: make(map[string]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start creates the tier directories, replays leftovers, and begins
// observation.
func (w *Watcher) Start() error {
	for _, tier := range []string{requestsDir, processingDir, historyDir} {
		if err := os.MkdirAll(filepath.Join(w.cfg.Dir, tier), 0o755); err != nil {
			return fmt.Errorf("creating restart tier %s: %w", tier, err)
		}
	}

	if w.cfg.Poll {
		w.wg.Add(1)
		go w.pollLoop()
	} else {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("creating fsnotify watcher: %w", err)
		}
		w.fsw = fsw
		for _, tier := range []string{requestsDir, processingDir} {
			if err := fsw.Add(filepath.Join(w.cfg.Dir, tier)); err != nil {
				_ = fsw.Close()
				return fmt.Errorf("watching restart tier %s: %w", tier, err)
			}
		}
		w.wg.Add(1)
		go w.eventLoop()
	}

	w.scan()
	return nil
}

// Stop terminates observation.
func (w *Watcher) Stop() {
	w.stopped.Do(func() {
		close(w.done)
		if w.fsw != nil {
			_ = w.fsw.Close()
		}
	})
	w.wg.Wait()
}

func (w *Watcher) pollLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.scan()
		}
	}
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.spawn(event.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if err != nil {
				log.ErrorErr(log.CatRestart, "restart watcher error", err)
			}
		}
	}
}

func (w *Watcher) scan() {
	for _, tier := range []string{requestsDir, processingDir} {
		entries, err := os.ReadDir(filepath.Join(w.cfg.Dir, tier))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				w.spawn(filepath.Join(w.cfg.Dir, tier, e.Name()))
			}
		}
	}
}

func (w *Watcher) spawn(abs string) {
	name := filepath.Base(abs)
	if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
		return
	}
	tier := filepath.Base(filepath.Dir(abs))
	if tier != requestsDir && tier != processingDir {
		return
	}

	key := filepath.ToSlash(filepath.Join(requestsDir, name))

	w.mu.Lock()
	if _, busy := w.inflight[key]; busy {
		w.mu.Unlock()
		return
	}
	w.inflight[key] = struct{}{}
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.inflight, key)
			w.mu.Unlock()
		}()

		if tier == requestsDir {
			claimed := filepath.Join(w.cfg.Dir, processingDir, name)
			if err := os.Rename(abs, claimed); err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					log.ErrorErr(log.CatRestart, "claiming restart request", err, "path", abs)
				}
				return
			}
			w.process(claimed, name, key)
			return
		}
		w.process(abs, name, key)
	}()
}

func (w *Watcher) process(abs, name, key string) {
	info, err := os.Stat(abs)
	if err != nil {
		return
	}
	data, err := os.ReadFile(abs) //nolint:gosec // G304: path confined to the restart tree
	if err != nil {
		return
	}

	req := Request{}
	if len(data) > 0 {
		if jsonErr := json.Unmarshal(data, &req); jsonErr != nil {
			log.Warn(log.CatRestart, "restart request body is not JSON, using filename",
				"path", abs, "error", jsonErr.Error())
		}
	}
	if req.ID == "" {
		req.ID = strings.TrimSuffix(name, ".json")
	}
	if req.RequestedAt == "" {
		req.RequestedAt = mailbox.FormatTimestamp(info.ModTime())
	}

	if w.led.Rank(key) < ledger.StatusJobDone.Rank() {
		log.Info(log.CatRestart, "restart requested", "id", req.ID, "reason", req.Reason)
		w.cfg.Handler(req)
		if err := w.led.Mark(key, ledger.StatusJobDone); err != nil {
			log.ErrorErr(log.CatRestart, "marking restart job_done", err, "id", req.ID)
			return
		}
	}

	archive := filepath.Join(w.cfg.Dir, historyDir, name)
	if err := os.Rename(abs, archive); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.ErrorErr(log.CatRestart, "archiving restart request", err, "path", abs)
		return
	}
	if err := w.led.Mark(key, ledger.StatusDone); err != nil {
		log.ErrorErr(log.CatRestart, "marking restart done", err, "id", req.ID)
	}
}
