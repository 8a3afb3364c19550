package mailbox

import (
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
)

// HistoryAppender records a delivered message in the per-thread history.
type HistoryAppender interface {
	Append(Message) error
}

// Handler receives each delivered message exactly once in effect. A
// returned error leaves the file in the processing tier for retry on the
// next startup, or on the next scan in polling mode.
type Handler func(Message) error

// WatcherConfig configures the mailbox watcher.
type WatcherConfig struct {
	// Base is the mailbox root directory.
	Base string

	// Ledger gates every side-effecting step.
	Ledger *ledger.Ledger

	// History receives each message before the handler runs.
	History HistoryAppender

	// Handler is the application delivery callback.
	Handler Handler

	// LastActiveThread supplies the fallback thread for stems that carry
	// no thread id.
	LastActiveThread func() (string, bool)

	// OnMessage, when set, observes each parsed message just before it
	// is handed to the handler.
	OnMessage func(Message)

	// Poll selects polling instead of native filesystem events.
	Poll bool

	// PollInterval is the scan period in polling mode.
	PollInterval time.Duration

	// StabilityWindow and StabilityPoll gate events until the writer has
	// finished: the file's size and mtime must hold still for the whole
	// window, checked every poll.
	StabilityWindow time.Duration
	StabilityPoll   time.Duration
}

// Watcher observes the pending and processing tiers, claims pending
// files with an atomic rename, and drives each claimed file through
// history append, application handling and archival under ledger
// protection.
type Watcher struct {
	cfg  WatcherConfig
	dirs Dirs

	fsw *fsnotify.Watcher

	mu       sync.Mutex
	inflight map[string]struct{}

	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher; Start begins observation.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Base == "" {
		return nil, fmt.Errorf("mailbox base directory is required")
	}
	if cfg.Ledger == nil || cfg.History == nil || cfg.Handler == nil {
		return nil, fmt.Errorf("ledger, history and handler are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.StabilityWindow <= 0 {
		cfg.StabilityWindow = 200 * time.Millisecond
	}
	if cfg.StabilityPoll <= 0 {
		cfg.StabilityPoll = 50 * time.Millisecond
	}
	return &Watcher{
		cfg:      cfg,
		dirs:     Dirs{Base: cfg.Base},
		inflight: make(map[string]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start creates the watched roots, replays every existing file in both
// tiers (crash recovery), and begins observing new files.
func (w *Watcher) Start() error {
	for _, dir := range []string{
		filepath.Join(w.cfg.Base, PendingDirName),
		filepath.Join(w.cfg.Base, ProcessingDirName),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating mailbox tier %s: %w", dir, err)
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
		for _, tier := range []string{PendingDirName, ProcessingDirName} {
			if err := w.addTree(filepath.Join(w.cfg.Base, tier)); err != nil {
				_ = fsw.Close()
				return err
			}
		}
		w.wg.Add(1)
		go w.eventLoop()
	}

	// Recovery: files already sitting in either tier are replayed; the
	// ledger makes the replay idempotent.
	w.scanTier(PendingDirName)
	w.scanTier(ProcessingDirName)
	return nil
}

// Stop terminates observation and waits for in-flight files to settle.
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
			w.scanTier(PendingDirName)
			w.scanTier(ProcessingDirName)
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
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if err != nil {
				log.ErrorErr(log.CatMailbox, "mailbox watcher error", err)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return // raced with a claim or archive rename
	}
	if info.IsDir() {
		// Writers create to/from directories on demand; watch the new
		// subtree and pick up any files that landed before the watch.
		if err := w.addTree(event.Name); err != nil {
			log.ErrorErr(log.CatMailbox, "watching new mailbox directory", err, "dir", event.Name)
		}
		w.scanDir(event.Name)
		return
	}
	w.spawn(event.Name)
}

// addTree registers fsnotify watches for dir and every directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if addErr := w.fsw.Add(path); addErr != nil {
				return fmt.Errorf("watching %s: %w", path, addErr)
			}
		}
		return nil
	})
}

func (w *Watcher) scanTier(tier string) {
	w.scanDir(filepath.Join(w.cfg.Base, tier))
}

func (w *Watcher) scanDir(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // transient races during claim moves are expected
		}
		if !d.IsDir() {
			w.spawn(path)
		}
		return nil
	})
}

// spawn processes one path in its own goroutine, deduplicated so each
// path has at most one task in flight process-wide.
func (w *Watcher) spawn(abs string) {
	ref, ok := w.dirs.ParsePath(abs)
	if !ok {
		if !isScratchPath(abs) {
			log.Warn(log.CatMailbox, "ignoring file outside mailbox grammar", "path", abs)
		}
		return
	}

	w.mu.Lock()
	if _, busy := w.inflight[ref.IdempotencyKey()]; busy {
		w.mu.Unlock()
		return
	}
	w.inflight[ref.IdempotencyKey()] = struct{}{}
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.inflight, ref.IdempotencyKey())
			w.mu.Unlock()
		}()

		if !w.awaitWriteFinish(abs) {
			return
		}

		switch ref.Tier {
		case TierPending:
			w.claimAndProcess(ref)
		case TierProcessing:
			w.process(ref)
		}
	}()
}

// isScratchPath filters writer temp files and editor droppings so they
// do not spam the log.
func isScratchPath(abs string) bool {
	base := filepath.Base(abs)
	return strings.HasPrefix(base, ".") || strings.Contains(base, ".tmp")
}

// awaitWriteFinish blocks until the file's size and mtime have been
// stable for the configured window. Returns false when the file vanishes
// (claimed by another actor) or the watcher stops.
func (w *Watcher) awaitWriteFinish(abs string) bool {
	var (
		lastSize  int64 = -1
		lastMtime time.Time
		stableFor time.Duration
	)
	for {
		info, err := os.Stat(abs)
		if err != nil {
			return false
		}
		if info.Size() == lastSize && info.ModTime().Equal(lastMtime) {
			stableFor += w.cfg.StabilityPoll
			if stableFor >= w.cfg.StabilityWindow {
				return true
			}
		} else {
			stableFor = 0
			lastSize = info.Size()
			lastMtime = info.ModTime()
		}

		select {
		case <-w.done:
			return false
		case <-time.After(w.cfg.StabilityPoll):
		}
	}
}

// claimAndProcess renames a pending file into the processing tier and
// processes it. Claiming has no other side effect, so a crash between
// the rename and processing only delays delivery.
func (w *Watcher) claimAndProcess(ref Ref) {
	src := w.dirs.Path(ref)
	claimed := ref.InTier(TierProcessing)
	dst := w.dirs.Path(claimed)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		log.ErrorErr(log.CatMailbox, "creating processing directory", err, "path", dst)
		return
	}
	if err := os.Rename(src, dst); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.ErrorErr(log.CatMailbox, "claiming mailbox file", err, "path", src)
		}
		return // another actor claimed it first
	}
	w.process(claimed)
}

// process drives one claimed file through the ledger-gated pipeline.
func (w *Watcher) process(ref Ref) {
	abs := w.dirs.Path(ref)

	info, err := os.Stat(abs)
	if err != nil {
		return // already archived by a concurrent pass
	}
	body, err := os.ReadFile(abs) //nolint:gosec // G304: path validated by the mailbox grammar
	if err != nil {
		return
	}

	threadID, title := ParseStem(ref.Stem)
	if threadID == "" {
		if w.cfg.LastActiveThread != nil {
			threadID, _ = w.cfg.LastActiveThread()
		}
		if threadID == "" {
			log.Warn(log.CatMailbox, "message has no thread and none is active", "messageId", ref.Stem)
			return
		}
	}

	msg := Message{
		ID:        ref.Stem,
		ThreadID:  threadID,
		From:      ref.From,
		To:        ref.To,
		Title:     title,
		Body:      string(body),
		CreatedAt: FormatTimestamp(info.ModTime()),
	}
	key := ref.IdempotencyKey()

	if w.cfg.Ledger.Rank(key) < ledger.StatusHistory.Rank() {
		if err := w.cfg.History.Append(msg); err != nil {
			log.ErrorErr(log.CatMailbox, "appending message history", err, "messageId", msg.ID, "threadId", msg.ThreadID)
			return
		}
		if err := w.cfg.Ledger.Mark(key, ledger.StatusHistory); err != nil {
			log.ErrorErr(log.CatMailbox, "marking ledger history", err, "messageId", msg.ID)
			return
		}
	}

	if w.cfg.Ledger.Rank(key) < ledger.StatusJobDone.Rank() {
		if w.cfg.OnMessage != nil {
			w.cfg.OnMessage(msg)
		}
		if err := w.cfg.Handler(msg); err != nil {
			// Leave the file in processing; the next startup (or the next
			// poll scan) replays it and the ledger skips the history append.
			log.ErrorErr(log.CatMailbox, "message handler failed", err, "messageId", msg.ID, "threadId", msg.ThreadID)
			return
		}
		if err := w.cfg.Ledger.Mark(key, ledger.StatusJobDone); err != nil {
			log.ErrorErr(log.CatMailbox, "marking ledger job_done", err, "messageId", msg.ID)
			return
		}
	}

	archive := w.dirs.ArchivePath(msg.ThreadID, ref)
	if err := os.MkdirAll(filepath.Dir(archive), 0o755); err != nil {
		log.ErrorErr(log.CatMailbox, "creating archive directory", err, "path", archive)
		return
	}
	if err := os.Rename(abs, archive); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.ErrorErr(log.CatMailbox, "archiving mailbox file", err, "path", abs)
		return
	}
	if err := w.cfg.Ledger.Mark(key, ledger.StatusDone); err != nil {
		log.ErrorErr(log.CatMailbox, "marking ledger done", err, "messageId", msg.ID)
	}
}
