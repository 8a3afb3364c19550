// Package history keeps the per-thread append-only JSONL log of every
// delivered message and the list API the boundary exposes.
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kmoriya/shogun/internal/log"
	"github.com/kmoriya/shogun/internal/mailbox"
)

const (
	messagesFile = "messages.jsonl"

	listCacheTTL     = 5 * time.Second
	listCacheCleanup = time.Minute
)

// Store appends and lists per-thread message history. Appends are
// serialized by a single mutex; the watcher's ledger guarantees each
// message id is appended at most once.
type Store struct {
	dir   string
	mu    sync.Mutex
	lists *gocache.Cache
}

// NewStore creates a store rooted at the history directory
// ({base}/history).
func NewStore(dir string) *Store {
	return &Store{
		dir:   dir,
		lists: gocache.New(listCacheTTL, listCacheCleanup),
	}
}

// MessagesPath returns the JSONL path for one thread.
func (s *Store) MessagesPath(threadID string) string {
	return filepath.Join(s.dir, threadID, messagesFile)
}

// Append writes one message to the thread's JSONL log.
func (s *Store) Append(m mailbox.Message) error {
	if m.ThreadID == "" {
		return fmt.Errorf("message %s has no thread id", m.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.MessagesPath(m.ThreadID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating history directory: %w", err)
	}

	line, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding history entry: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: path derived from thread id
	if err != nil {
		return fmt.Errorf("opening history log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending history entry: %w", err)
	}

	s.lists.Delete(m.ThreadID)
	log.Debug(log.CatHistory, "history appended", "threadId", m.ThreadID, "messageId", m.ID)
	return nil
}

// List returns the thread's messages in append order. Entries sharing a
// message id are deduplicated on read, keeping the first occurrence, so
// an externally corrupted log cannot surface duplicates. Results are
// cached briefly; Append invalidates the cache.
func (s *Store) List(threadID string) ([]mailbox.Message, error) {
	if cached, ok := s.lists.Get(threadID); ok {
		return cached.([]mailbox.Message), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.MessagesPath(threadID)) //nolint:gosec // G304: path derived from thread id
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening history log: %w", err)
	}
	defer f.Close()

	var (
		out  []mailbox.Message
		seen = make(map[string]struct{})
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m mailbox.Message
		if err := json.Unmarshal(line, &m); err != nil {
			log.Warn(log.CatHistory, "skipping malformed history line", "threadId", threadID, "error", err.Error())
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading history log: %w", err)
	}

	s.lists.Set(threadID, out, gocache.DefaultExpiration)
	return out, nil
}

// Find returns one message by id within a thread.
func (s *Store) Find(threadID, messageID string) (mailbox.Message, bool, error) {
	msgs, err := s.List(threadID)
	if err != nil {
		return mailbox.Message{}, false, err
	}
	for _, m := range msgs {
		if m.ID == messageID {
			return m, true, nil
		}
	}
	return mailbox.Message{}, false, nil
}
