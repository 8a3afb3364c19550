// Package runtime executes LLM turns for a single agent: a FIFO inbound
// queue, one turn in flight at a time, tool dispatch over the model's
// output, durable waitForMessage suspension, and cancellation.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kmoriya/shogun/internal/agent"
	"github.com/kmoriya/shogun/internal/history"
	"github.com/kmoriya/shogun/internal/log"
	"github.com/kmoriya/shogun/internal/mailbox"
	"github.com/kmoriya/shogun/internal/provider"
	"github.com/kmoriya/shogun/internal/state"
	"github.com/kmoriya/shogun/internal/waits"
)

const (
	initialMaxLoops      = 3
	waitBudgetPerTurn    = 10
	defaultWaitTimeoutMs = 60000
	activityLogCap       = 40
	bodyFileMaxBytes     = 10 * 1024
)

// Stop reasons for turn cancellation.
const (
	ReasonStop      = "stop"
	ReasonInterrupt = "interrupt"
)

// Status of a runtime.
type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
)

// Capabilities is the narrow window back into the fleet, passed in at
// construction so runtimes never hold the whole manager.
type Capabilities struct {
	// AshigaruStatus returns the live idle and busy ashigaru id lists.
	AshigaruStatus func() (idle, busy []string)

	// Interrupt triggers another runtime's cancellation.
	Interrupt func(to agent.ID, reason string)
}

// Config assembles a runtime's collaborators.
type Config struct {
	AgentID          agent.ID
	BaseDir          string
	HistoryDir       string
	WorkingDirectory string
	AshigaruIDs      []agent.ID
	AshigaruProfiles map[string]string

	ProviderName string
	Provider     provider.Provider

	State  *state.Store
	Waits  *waits.Store
	Writer *mailbox.Writer

	Caps Capabilities

	// OnStatusChange is invoked after any observable status change.
	OnStatusChange func()

	// Tracer wraps turns in spans; nil means no tracing.
	Tracer trace.Tracer
}

// ActivityEntry is one line of the bounded activity log.
type ActivityEntry struct {
	Time string `json:"time"`
	Note string `json:"note"`
}

// Snapshot is the externally visible state of a runtime.
type Snapshot struct {
	ID             string          `json:"id"`
	Role           string          `json:"role"`
	Status         Status          `json:"status"`
	QueueSize      int             `json:"queueSize"`
	ActiveThreadID string          `json:"activeThreadId,omitempty"`
	UpdatedAt      string          `json:"updatedAt"`
	Activity       string          `json:"activity,omitempty"`
	ActivityLog    []ActivityEntry `json:"activityLog,omitempty"`
}

// msgWaiter is the in-process rendezvous for one suspended turn. The
// durable wait record carries correctness; this only skips a restart.
type msgWaiter struct {
	threadID string
	ch       chan *mailbox.Message
	once     sync.Once
}

func newMsgWaiter(threadID string) *msgWaiter {
	return &msgWaiter{threadID: threadID, ch: make(chan *mailbox.Message, 1)}
}

func (w *msgWaiter) resolve(m *mailbox.Message) {
	w.once.Do(func() { w.ch <- m })
}

// Runtime drives one agent.
type Runtime struct {
	cfg     Config
	allowed map[agent.ID]bool
	tracer  trace.Tracer

	mu             sync.Mutex
	queue          []mailbox.Message
	busy           bool
	stopReason     string
	cancelTurn     context.CancelFunc
	activeThreadID string
	waiter         *msgWaiter
	completions    map[string]chan error
	activity       []ActivityEntry
	updatedAt      time.Time

	// inflightIDs holds the ids of the batch currently in a turn;
	// resumedIDs holds every id replayed by ResumePendingWaits. Together
	// they deduplicate the two recovery paths (watcher replay and
	// resume-on-boot), which may both deliver the same message id.
	inflightIDs map[string]struct{}
	resumedIDs  map[string]struct{}
}

// New constructs a runtime. The provider, stores and writer must be set.
func New(cfg Config) (*Runtime, error) {
	if cfg.Provider == nil || cfg.State == nil || cfg.Waits == nil || cfg.Writer == nil {
		return nil, fmt.Errorf("provider, state, waits and writer are required")
	}
	if !cfg.AgentID.IsValid() || cfg.AgentID == agent.King {
		return nil, fmt.Errorf("cannot build a runtime for %q", cfg.AgentID)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}

	allowed := make(map[agent.ID]bool)
	for _, id := range agent.AllowedRecipients(cfg.AgentID, cfg.AshigaruIDs) {
		allowed[id] = true
	}

	return &Runtime{
		cfg:         cfg,
		allowed:     allowed,
		tracer:      tracer,
		completions: make(map[string]chan error),
		inflightIDs: make(map[string]struct{}),
		resumedIDs:  make(map[string]struct{}),
		updatedAt:   time.Now(),
	}, nil
}

// ID returns the agent identity.
func (r *Runtime) ID() agent.ID {
	return r.cfg.AgentID
}

// Enqueue hands an inbound message to the runtime. The returned channel
// yields the turn outcome for this message: nil once the turn that
// consumed it completed, an error when it failed or was dropped.
func (r *Runtime) Enqueue(m mailbox.Message) <-chan error {
	return r.enqueue(m, false)
}

// enqueue implements Enqueue. viaResume marks the one delivery
// ResumePendingWaits itself performs, which must bypass the resumed-id
// dedup it just armed.
func (r *Runtime) enqueue(m mailbox.Message, viaResume bool) <-chan error {
	done := make(chan error, 1)
	agentID := string(r.cfg.AgentID)

	// Watcher recovery and resume-on-boot may both deliver the same
	// message id after a crash. A message this runtime already holds
	// (queued, mid-turn, or replayed from a wait record) is acknowledged
	// without running a second turn.
	r.mu.Lock()
	_, inflight := r.inflightIDs[m.ID]
	_, queued := r.completions[m.ID]
	_, replayed := r.resumedIDs[m.ID]
	r.mu.Unlock()
	if viaResume {
		replayed = false
	}
	if inflight || queued || replayed {
		log.Debug(log.CatRuntime, "ignoring duplicate delivery",
			"agentId", agentID, "threadId", m.ThreadID, "messageId", m.ID)
		done <- nil
		return done
	}

	rec, recOK, recErr := r.cfg.Waits.Get(m.ThreadID, agentID)

	// A suspended turn takes priority over the queue. The durable record
	// is updated first so a crash between here and the waiter resolution
	// cannot lose the message.
	if recErr == nil && recOK && rec.Status == waits.StatusPending && rec.Message.MessageID != m.ID {
		if _, transitioned, markErr := r.cfg.Waits.MarkReceived(m.ThreadID, agentID, m); markErr == nil && transitioned {
			r.mu.Lock()
			w := r.waiter
			r.mu.Unlock()
			if w != nil && w.threadID == m.ThreadID {
				w.resolve(&m)
			}
			// Either the live waiter consumed it, or the record will be
			// replayed on the next boot.
			done <- nil
			return done
		} else if markErr != nil {
			log.ErrorErr(log.CatRuntime, "marking wait received", markErr, "agentId", r.cfg.AgentID, "threadId", m.ThreadID)
		}
	}

	r.mu.Lock()
	if w := r.waiter; w != nil && w.threadID == m.ThreadID {
		if recErr == nil && recOK && rec.Message.MessageID == m.ID {
			// Redelivery of the suspended turn's own trigger, not a
			// reply; resolving the wait with it would feed the agent its
			// own instruction back.
			r.mu.Unlock()
			done <- nil
			return done
		}
		r.mu.Unlock()
		w.resolve(&m)
		done <- nil
		return done
	}

	r.queue = append(r.queue, m)
	r.completions[m.ID] = done
	r.touchLocked("queued " + m.Title)
	r.mu.Unlock()

	r.notifyStatus()
	go r.processQueue()
	return done
}

// processQueue starts the next turn when the runtime is free.
func (r *Runtime) processQueue() {
	r.mu.Lock()
	if r.busy || r.stopReason != "" || len(r.queue) == 0 {
		r.mu.Unlock()
		return
	}

	// Pop the head, then coalesce every queued message of the same
	// thread into one batch.
	head := r.queue[0]
	batch := []mailbox.Message{head}
	rest := make([]mailbox.Message, 0, len(r.queue)-1)
	for _, m := range r.queue[1:] {
		if m.ThreadID == head.ThreadID {
			batch = append(batch, m)
		} else {
			rest = append(rest, m)
		}
	}
	r.queue = rest

	r.busy = true
	r.activeThreadID = head.ThreadID
	for _, m := range batch {
		r.inflightIDs[m.ID] = struct{}{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancelTurn = cancel
	r.touchLocked("turn started: " + head.Title)
	r.mu.Unlock()

	r.notifyStatus()

	go func() {
		err := r.runTurn(ctx, batch)
		cancel()

		r.mu.Lock()
		reason := r.stopReason
		r.busy = false
		r.activeThreadID = ""
		r.cancelTurn = nil
		r.stopReason = ""
		for _, m := range batch {
			delete(r.inflightIDs, m.ID)
		}
		switch {
		case err != nil:
			r.touchLocked("turn failed: " + err.Error())
		case reason != "":
			r.touchLocked("turn cancelled: " + reason)
		default:
			r.touchLocked("turn completed")
		}
		r.mu.Unlock()

		r.completeBatch(batch, err)
		r.notifyStatus()
		if err != nil {
			log.ErrorErr(log.CatRuntime, "turn failed", err,
				"agentId", r.cfg.AgentID, "threadId", head.ThreadID, "messageId", head.ID)
		}
		r.processQueue()
	}()
}

// completeBatch resolves the completion waiters of a finished batch.
func (r *Runtime) completeBatch(batch []mailbox.Message, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range batch {
		if done, ok := r.completions[m.ID]; ok {
			done <- err
			delete(r.completions, m.ID)
		}
	}
}

// Stop cancels the current turn and drains the queue. Queued messages
// are rejected so their mailbox files stay unacknowledged.
func (r *Runtime) Stop() {
	r.cancel(ReasonStop)
}

// Interrupt cancels the current turn with the interrupt reason. The
// queue is cleared but future enqueues are accepted.
func (r *Runtime) Interrupt(reason string) {
	if reason == "" {
		reason = ReasonInterrupt
	}
	r.cancel(reason)
}

func (r *Runtime) cancel(reason string) {
	r.mu.Lock()
	drained := r.queue
	r.queue = nil
	var rejected []chan error
	for _, m := range drained {
		if done, ok := r.completions[m.ID]; ok {
			rejected = append(rejected, done)
			delete(r.completions, m.ID)
		}
	}
	w := r.waiter
	cancelTurn := r.cancelTurn
	if r.busy {
		r.stopReason = reason
	}
	r.touchLocked("cancelled: " + reason)
	r.mu.Unlock()

	for _, done := range rejected {
		done <- fmt.Errorf("agent stopped")
	}
	if w != nil {
		w.resolve(nil)
	}
	if cancelTurn != nil {
		cancelTurn()
	}
	if r.cfg.Provider != nil {
		r.cfg.Provider.Cancel(r.providerThreadIDForActive())
	}
	r.notifyStatus()
}

func (r *Runtime) providerThreadIDForActive() string {
	r.mu.Lock()
	threadID := r.activeThreadID
	r.mu.Unlock()
	if threadID == "" {
		return ""
	}
	if sess, ok := r.cfg.State.SessionFor(threadID, string(r.cfg.AgentID)); ok {
		return sess.ProviderThreadID
	}
	return ""
}

// ResumePendingWaits replays durable wait records after a restart: the
// originating message is looked up in history and re-enqueued, and the
// turn picks the record back up as a synthetic tool result.
func (r *Runtime) ResumePendingWaits(hist *history.Store) {
	recs, err := r.cfg.Waits.ListForAgent(string(r.cfg.AgentID))
	if err != nil {
		log.ErrorErr(log.CatRuntime, "listing wait records", err, "agentId", r.cfg.AgentID)
		return
	}
	for _, rec := range recs {
		m, ok, findErr := hist.Find(rec.ThreadID, rec.Message.MessageID)
		if findErr != nil || !ok {
			log.Warn(log.CatRuntime, "wait record without history entry, clearing",
				"agentId", r.cfg.AgentID, "threadId", rec.ThreadID, "messageId", rec.Message.MessageID)
			_ = r.cfg.Waits.Clear(rec.ThreadID, rec.AgentID)
			continue
		}
		log.Info(log.CatRuntime, "resuming suspended turn",
			"agentId", r.cfg.AgentID, "threadId", rec.ThreadID, "messageId", m.ID, "status", string(rec.Status))

		// Remember the replayed id for the life of the process: the
		// watcher's own recovery will deliver the same file again once
		// its handler unblocks, and that copy must be acknowledged, not
		// re-run.
		r.mu.Lock()
		r.resumedIDs[m.ID] = struct{}{}
		r.mu.Unlock()
		r.enqueue(m, true)
	}
}

// Snapshot derives the externally visible state.
func (r *Runtime) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := StatusIdle
	if r.busy {
		status = StatusBusy
	}
	snap := Snapshot{
		ID:             string(r.cfg.AgentID),
		Role:           r.cfg.AgentID.Role().String(),
		Status:         status,
		QueueSize:      len(r.queue),
		ActiveThreadID: r.activeThreadID,
		UpdatedAt:      mailbox.FormatTimestamp(r.updatedAt),
	}
	if n := len(r.activity); n > 0 {
		snap.Activity = r.activity[n-1].Note
		snap.ActivityLog = make([]ActivityEntry, n)
		copy(snap.ActivityLog, r.activity)
	}
	return snap
}

// touchLocked appends an activity entry. Callers must hold r.mu.
func (r *Runtime) touchLocked(note string) {
	r.updatedAt = time.Now()
	r.activity = append(r.activity, ActivityEntry{
		Time: mailbox.FormatTimestamp(r.updatedAt),
		Note: note,
	})
	if len(r.activity) > activityLogCap {
		r.activity = r.activity[len(r.activity)-activityLogCap:]
	}
}

func (r *Runtime) notifyStatus() {
	if r.cfg.OnStatusChange != nil {
		r.cfg.OnStatusChange()
	}
}
