// Package state persists king-level threads and the provider session
// bindings of each agent. The whole store is one JSON document written
// atomically; the previous version is kept as .bak.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kmoriya/shogun/internal/mailbox"
)

// ErrThreadNotFound is returned for operations against unknown threads.
var ErrThreadNotFound = errors.New("thread not found")

// Session binds one (thread, agent) pair to a provider-side thread.
type Session struct {
	Provider         string `json:"provider"`
	ProviderThreadID string `json:"providerThreadId"`
	Initialized      bool   `json:"initialized"`
}

// Thread is a king-level conversation.
type Thread struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	CreatedAt string             `json:"createdAt"`
	UpdatedAt string             `json:"updatedAt"`
	Sessions  map[string]Session `json:"sessions"`
}

type document struct {
	Threads            map[string]*Thread `json:"threads"`
	LastActiveThreadID string             `json:"lastActiveThreadId,omitempty"`
}

// Store is the single-writer state store backed by state.json.
type Store struct {
	path string
	mu   sync.Mutex
	doc  document
}

// Open loads the store at path, falling back to the .bak snapshot when
// the current file is unreadable.
func Open(path string) (*Store, error) {
	s := &Store{path: path, doc: document{Threads: make(map[string]*Thread)}}

	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from config
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err == nil && json.Unmarshal(data, &s.doc) == nil {
		s.ensureMaps()
		return s, nil
	}

	backup, bakErr := os.ReadFile(path + ".bak") //nolint:gosec // G304: derived from config path
	if bakErr != nil {
		return nil, fmt.Errorf("loading state %s: corrupt and no usable backup", path)
	}
	if jsonErr := json.Unmarshal(backup, &s.doc); jsonErr != nil {
		return nil, fmt.Errorf("loading state %s: %w", path, jsonErr)
	}
	s.ensureMaps()
	return s, nil
}

func (s *Store) ensureMaps() {
	if s.doc.Threads == nil {
		s.doc.Threads = make(map[string]*Thread)
	}
	for _, th := range s.doc.Threads {
		if th.Sessions == nil {
			th.Sessions = make(map[string]Session)
		}
	}
}

// CreateThread creates a new thread, selects it as last-active, and
// persists the store.
func (s *Store) CreateThread(title string) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := mailbox.FormatTimestamp(time.Now())
	th := &Thread{
		ID:        id,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Sessions:  make(map[string]Session),
	}
	s.doc.Threads[id] = th
	s.doc.LastActiveThreadID = id
	if err := s.save(); err != nil {
		return Thread{}, err
	}
	return cloneThread(th), nil
}

// DeleteThread removes a thread. Deleting the last-active thread clears
// the selection.
func (s *Store) DeleteThread(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Threads[id]; !ok {
		return ErrThreadNotFound
	}
	delete(s.doc.Threads, id)
	if s.doc.LastActiveThreadID == id {
		s.doc.LastActiveThreadID = ""
	}
	return s.save()
}

// SelectThread marks a thread as last-active.
func (s *Store) SelectThread(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Threads[id]; !ok {
		return ErrThreadNotFound
	}
	s.doc.LastActiveThreadID = id
	return s.save()
}

// Thread returns a copy of one thread.
func (s *Store) Thread(id string) (Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.doc.Threads[id]
	if !ok {
		return Thread{}, false
	}
	return cloneThread(th), true
}

// Threads returns copies of every thread, most recently updated first.
func (s *Store) Threads() []Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Thread, 0, len(s.doc.Threads))
	for _, th := range s.doc.Threads {
		out = append(out, cloneThread(th))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return strings.Compare(out[i].ID, out[j].ID) < 0
	})
	return out
}

// LastActiveThread returns the id of the last-selected thread.
func (s *Store) LastActiveThread() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc.LastActiveThreadID == "" {
		return "", false
	}
	return s.doc.LastActiveThreadID, true
}

// TouchThread refreshes a thread's updatedAt. Called whenever a message
// in the thread is delivered; selection is left to SelectThread.
func (s *Store) TouchThread(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.doc.Threads[id]
	if !ok {
		return ErrThreadNotFound
	}
	th.UpdatedAt = mailbox.FormatTimestamp(time.Now())
	return s.save()
}

// SessionFor returns the provider session bound to (thread, agent).
func (s *Store) SessionFor(threadID, agentID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.doc.Threads[threadID]
	if !ok {
		return Session{}, false
	}
	sess, ok := th.Sessions[agentID]
	return sess, ok
}

// SetSession binds a provider session to (thread, agent) and persists.
func (s *Store) SetSession(threadID, agentID string, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.doc.Threads[threadID]
	if !ok {
		return ErrThreadNotFound
	}
	th.Sessions[agentID] = sess
	return s.save()
}

// save writes the document via temp file + rename, keeping the previous
// version as .bak. Callers must hold s.mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec // G306: workspace-local state
		return fmt.Errorf("writing state temp file: %w", err)
	}
	if _, statErr := os.Stat(s.path); statErr == nil {
		_ = os.Rename(s.path, s.path+".bak")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing state: %w", err)
	}
	return nil
}

func cloneThread(th *Thread) Thread {
	out := *th
	out.Sessions = make(map[string]Session, len(th.Sessions))
	for k, v := range th.Sessions {
		out.Sessions[k] = v
	}
	return out
}
