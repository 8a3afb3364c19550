// Package app wires the coordinator together and exposes the boundary
// the transport layer consumes: thread CRUD, king-message injection,
// fleet snapshots, stop, config fetch, and the event broker.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/kmoriya/shogun/internal/agent"
	"github.com/kmoriya/shogun/internal/config"
	"github.com/kmoriya/shogun/internal/history"
	"github.com/kmoriya/shogun/internal/ledger"
	"github.com/kmoriya/shogun/internal/log"
	"github.com/kmoriya/shogun/internal/mailbox"
	"github.com/kmoriya/shogun/internal/manager"
	"github.com/kmoriya/shogun/internal/provider"
	"github.com/kmoriya/shogun/internal/pubsub"
	"github.com/kmoriya/shogun/internal/restart"
	"github.com/kmoriya/shogun/internal/runtime"
	"github.com/kmoriya/shogun/internal/state"
	"github.com/kmoriya/shogun/internal/tracing"
	"github.com/kmoriya/shogun/internal/waits"
)

// App is the assembled coordinator.
type App struct {
	cfg config.Config

	st     *state.Store
	hist   *history.Store
	ws     *waits.Store
	led    *ledger.Ledger
	writer *mailbox.Writer

	mgr      *manager.Manager
	watcher  *mailbox.Watcher
	restarts *restart.Watcher
	traces   *tracing.Provider

	broker    *pubsub.Broker[Event]
	restartCh chan restart.Request
	logClose  func()
}

// New builds the whole coordinator from a resolved configuration.
func New(cfg config.Config) (*App, error) {
	logClose, err := log.Init(cfg.LogPath())
	if err != nil {
		return nil, fmt.Errorf("initializing log: %w", err)
	}

	traces, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		logClose()
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	st, err := state.Open(cfg.StatePath())
	if err != nil {
		logClose()
		return nil, err
	}
	led, err := ledger.Open(mailbox.Dirs{Base: cfg.BaseDir}.LedgerPath())
	if err != nil {
		logClose()
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		st:        st,
		hist:      history.NewStore(cfg.HistoryDir),
		ws:        waits.NewStore(cfg.WaitsDir()),
		led:       led,
		writer:    mailbox.NewWriter(cfg.BaseDir),
		traces:    traces,
		broker:    pubsub.NewBroker[Event](),
		restartCh: make(chan restart.Request, 1),
		logClose:  logClose,
	}

	a.mgr, err = manager.New(manager.Config{
		BaseDir:          cfg.BaseDir,
		HistoryDir:       cfg.HistoryDir,
		WorkingDirectory: cfg.WorkspaceRoot,
		AshigaruCount:    cfg.AshigaruCount,
		AshigaruProfiles: cfg.AshigaruProfiles,
		ProviderName:     cfg.Provider,
		Providers:        a.providerFactory,
		State:            st,
		Waits:            a.ws,
		Writer:           a.writer,
		OnStatusChange:   a.broadcastAgentStatus,
		Tracer:           traces.Tracer(),
	})
	if err != nil {
		logClose()
		return nil, err
	}

	a.watcher, err = mailbox.NewWatcher(mailbox.WatcherConfig{
		Base:             cfg.BaseDir,
		Ledger:           led,
		History:          a.hist,
		Handler:          a.handleInbound,
		LastActiveThread: st.LastActiveThread,
		OnMessage:        a.emitMessage,
		Poll:             cfg.Poll,
	})
	if err != nil {
		logClose()
		return nil, err
	}

	a.restarts, err = restart.NewWatcher(restart.WatcherConfig{
		Dir:     cfg.RestartDir(),
		Handler: a.handleRestart,
		Poll:    cfg.Poll,
	})
	if err != nil {
		logClose()
		return nil, err
	}

	return a, nil
}

// providerFactory builds one provider per role with the role's model.
func (a *App) providerFactory(role agent.Role) (provider.Provider, error) {
	return provider.New(a.cfg.Provider, provider.Config{
		Model:                 a.cfg.Models.ForRole(role.String()),
		WorkingDirectory:      a.cfg.WorkspaceRoot,
		BaseDir:               a.cfg.BaseDir,
		Env:                   a.cfg.ProviderSpecific.Env,
		ReasoningEffort:       a.cfg.ProviderSpecific.ReasoningEffort,
		AdditionalDirectories: a.cfg.ProviderSpecific.AdditionalDirectories,
		ConfigPath:            a.cfg.ProviderSpecific.Config,
	})
}

// Start begins watching the mailbox and restart queues and replays
// suspended turns.
func (a *App) Start() error {
	if err := a.watcher.Start(); err != nil {
		return err
	}
	if err := a.restarts.Start(); err != nil {
		a.watcher.Stop()
		return err
	}
	a.mgr.ResumePendingWaits(a.hist)
	log.Info(log.CatApp, "coordinator started",
		"baseDir", a.cfg.BaseDir, "provider", a.cfg.Provider, "ashigaruCount", a.cfg.AshigaruCount)
	return nil
}

// Run blocks until the context ends or a restart is requested, then
// shuts down in order. The returned exit code is 0 for a normal stop and
// 75 when the launcher should respawn.
func (a *App) Run(ctx context.Context) int {
	select {
	case <-ctx.Done():
		log.Info(log.CatApp, "shutting down", "cause", "signal")
		a.Shutdown()
		return 0
	case req := <-a.restartCh:
		log.Info(log.CatApp, "shutting down for restart", "id", req.ID, "reason", req.Reason)
		a.Shutdown()
		return restart.ExitCode
	}
}

// Shutdown stops the fleet, the watchers and the transports.
func (a *App) Shutdown() {
	a.StopAll()
	a.watcher.Stop()
	a.restarts.Stop()
	a.broker.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.traces.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatApp, "flushing traces", err)
	}
	a.logClose()
}

// handleInbound is the mailbox watcher's application handler: refresh
// the thread, then route to the fleet. King-addressed messages are only
// surfaced externally.
func (a *App) handleInbound(m mailbox.Message) error {
	if err := a.st.TouchThread(m.ThreadID); err != nil {
		log.Warn(log.CatApp, "message references unknown thread",
			"threadId", m.ThreadID, "messageId", m.ID)
	} else {
		a.emitThreads()
	}

	if m.To == string(agent.King) {
		return nil
	}
	return a.mgr.Deliver(m)
}

// handleRestart queues the restart request for Run.
func (a *App) handleRestart(req restart.Request) {
	select {
	case a.restartCh <- req:
	default:
		// A restart is already queued.
	}
}

// Subscribe attaches an event listener; the subscription ends with ctx.
func (a *App) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return a.broker.Subscribe(ctx)
}

// Threads lists every thread, most recently updated first.
func (a *App) Threads() []state.Thread {
	return a.st.Threads()
}

// CreateThread creates and selects a new thread.
func (a *App) CreateThread(title string) (state.Thread, error) {
	th, err := a.st.CreateThread(title)
	if err != nil {
		return state.Thread{}, err
	}
	a.emitThreads()
	return th, nil
}

// SelectThread updates the last-active thread.
func (a *App) SelectThread(id string) error {
	if err := a.st.SelectThread(id); err != nil {
		return err
	}
	a.emitThreads()
	return nil
}

// DeleteThread removes a thread.
func (a *App) DeleteThread(id string) error {
	if err := a.st.DeleteThread(id); err != nil {
		return err
	}
	a.emitThreads()
	return nil
}

// Messages lists a thread's delivered messages.
func (a *App) Messages(threadID string) ([]mailbox.Message, error) {
	return a.hist.List(threadID)
}

// SubmitKingMessage injects a king instruction into a thread. The file
// lands in the shogun's mailbox and flows through the normal pipeline.
func (a *App) SubmitKingMessage(threadID, title, body string) (mailbox.Message, error) {
	if _, ok := a.st.Thread(threadID); !ok {
		return mailbox.Message{}, state.ErrThreadNotFound
	}
	if title == "" {
		title = "message"
	}
	msg, _, err := a.writer.Write(mailbox.Outbound{
		ThreadID: threadID,
		From:     string(agent.King),
		To:       string(agent.Shogun),
		Title:    title,
		Body:     body,
	})
	return msg, err
}

// Snapshot returns the fleet state.
func (a *App) Snapshot() []runtime.Snapshot {
	return a.mgr.Snapshots()
}

// StopAll stops every runtime, bracketed by stop events.
func (a *App) StopAll() {
	a.broker.Publish(pubsub.UpdatedEvent, Event{Type: EventStop, Status: StopRequested})
	a.mgr.StopAll()
	a.broker.Publish(pubsub.UpdatedEvent, Event{Type: EventStop, Status: StopCompleted})
}

// UIConfig returns the resolved configuration for the UI.
func (a *App) UIConfig() config.Config {
	return a.cfg
}

func (a *App) emitThreads() {
	a.broker.Publish(pubsub.UpdatedEvent, Event{Type: EventThreads, Threads: a.st.Threads()})
}

func (a *App) emitMessage(m mailbox.Message) {
	a.broker.Publish(pubsub.CreatedEvent, Event{Type: EventMessage, Message: &m})
}

func (a *App) broadcastAgentStatus() {
	a.broker.Publish(pubsub.UpdatedEvent, Event{Type: EventAgentStatus, Agents: a.mgr.Snapshots()})
}
