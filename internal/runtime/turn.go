package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kmoriya/shogun/internal/agent"
	"github.com/kmoriya/shogun/internal/log"
	"github.com/kmoriya/shogun/internal/mailbox"
	"github.com/kmoriya/shogun/internal/prompt"
	"github.com/kmoriya/shogun/internal/provider"
	"github.com/kmoriya/shogun/internal/state"
	"github.com/kmoriya/shogun/internal/toolcall"
	"github.com/kmoriya/shogun/internal/tracing"
	"github.com/kmoriya/shogun/internal/waits"
)

// toolResult pairs a tool name with its JSON-serializable payload.
type toolResult struct {
	Name   string `json:"name"`
	Result any    `json:"result"`
}

// turnState tracks the loop budget of one turn.
type turnState struct {
	maxLoops       int
	remainingWaits int
}

// runTurn executes one full turn for a batch of same-thread messages.
func (r *Runtime) runTurn(ctx context.Context, batch []mailbox.Message) error {
	head := batch[0]

	ctx, span := r.tracer.Start(ctx, tracing.SpanTurn, trace.WithAttributes(
		attribute.String(tracing.AttrAgentID, string(r.cfg.AgentID)),
		attribute.String(tracing.AttrThreadID, head.ThreadID),
		attribute.String(tracing.AttrMessageID, head.ID),
		attribute.Int(tracing.AttrBatchSize, len(batch)),
	))
	defer span.End()

	providerThreadID, err := r.ensureSession(ctx, head.ThreadID)
	if err != nil {
		if r.cancelledByUs(err) {
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "session setup failed")
		return err
	}

	err = r.runWithTools(ctx, providerThreadID, batch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		return err
	}

	// The turn finished cleanly; any wait record for it is consumed.
	if clearErr := r.cfg.Waits.Clear(head.ThreadID, string(r.cfg.AgentID)); clearErr != nil {
		log.ErrorErr(log.CatWait, "clearing wait record", clearErr, "agentId", r.cfg.AgentID, "threadId", head.ThreadID)
	}
	return nil
}

// ensureSession returns the provider thread for (thread, agent), creating
// and seeding it on first use.
func (r *Runtime) ensureSession(ctx context.Context, threadID string) (string, error) {
	agentID := string(r.cfg.AgentID)
	sess, ok := r.cfg.State.SessionFor(threadID, agentID)
	if ok && sess.Initialized {
		return sess.ProviderThreadID, nil
	}

	systemPrompt := prompt.Compose(prompt.Input{
		AgentID:          r.cfg.AgentID,
		BaseDir:          r.cfg.BaseDir,
		HistoryDir:       r.cfg.HistoryDir,
		AshigaruIDs:      r.cfg.AshigaruIDs,
		AshigaruProfiles: r.cfg.AshigaruProfiles,
	}) + prompt.AckRequest

	if ok && sess.ProviderThreadID != "" {
		// The thread exists provider-side but was never seeded.
		if _, err := r.sendMessage(ctx, sess.ProviderThreadID, systemPrompt, nil); err != nil {
			return "", err
		}
		sess.Initialized = true
		if err := r.cfg.State.SetSession(threadID, agentID, sess); err != nil {
			return "", err
		}
		return sess.ProviderThreadID, nil
	}

	ref, err := r.cfg.Provider.CreateThread(ctx, provider.CreateThreadOptions{
		WorkingDirectory: r.cfg.WorkingDirectory,
		InitialInput:     systemPrompt,
	})
	if err != nil {
		return "", fmt.Errorf("creating provider thread: %w", err)
	}
	newSess := state.Session{
		Provider:         r.cfg.ProviderName,
		ProviderThreadID: ref.ID,
		Initialized:      true,
	}
	if err := r.cfg.State.SetSession(threadID, agentID, newSess); err != nil {
		return "", err
	}
	log.Info(log.CatRuntime, "provider session created",
		"agentId", agentID, "threadId", threadID, "providerThreadId", ref.ID)
	return ref.ID, nil
}

// runWithTools is the provider loop: send input, parse tool lines,
// execute, feed results back, until the model stops calling tools or the
// loop budget runs out.
func (r *Runtime) runWithTools(ctx context.Context, providerThreadID string, batch []mailbox.Message) error {
	head := batch[0]
	input := composeInput(batch)
	st := &turnState{maxLoops: initialMaxLoops, remainingWaits: waitBudgetPerTurn}

	// A durable wait record matching the head message means this turn is
	// being resumed: replay its outcome as a synthetic tool result so the
	// provider continues where it left off.
	if rec, ok, err := r.cfg.Waits.Get(head.ThreadID, string(r.cfg.AgentID)); err == nil && ok &&
		rec.Message.MessageID == head.ID {
		payload, waitErr := r.resumeWaitOutcome(ctx, head, rec)
		if waitErr != nil {
			if r.cancelledByUs(waitErr) {
				return nil
			}
			return waitErr
		}
		// The provider thread already holds the original instruction, so
		// the resumed turn replays only the wait outcome.
		input = strings.TrimSpace(prefixToolResult(string(toolcall.WaitForMessage), payload))
		st.maxLoops++
	}

	for loop := 0; loop < st.maxLoops; loop++ {
		output, err := r.sendMessage(ctx, providerThreadID, input, nil)
		if err != nil {
			if r.cancelledByUs(err) {
				return nil
			}
			return err
		}

		calls := toolcall.Parse(output)
		if len(calls) == 0 {
			if !toolcall.HasToolMarker(output) && strings.TrimSpace(output) != "" {
				r.autoReply(head, output)
			}
			return nil
		}

		results, err := r.executeTools(ctx, providerThreadID, head, calls, st)
		if err != nil {
			if r.cancelledByUs(err) {
				return nil
			}
			return err
		}

		if len(results) == 1 {
			input = prefixToolResult(results[0].Name, results[0].Result)
		} else {
			input = prefixBatchResult(results)
		}
	}
	return nil
}

// executeTools runs parsed calls in order. Once a waitForMessage has
// been processed, later tool lines in the same output are ignored.
func (r *Runtime) executeTools(ctx context.Context, providerThreadID string, head mailbox.Message, calls []toolcall.Call, st *turnState) ([]toolResult, error) {
	var (
		results       []toolResult
		waitProcessed bool
	)
	for _, call := range calls {
		if waitProcessed {
			log.Info(log.CatRuntime, "ignoring tool line after waitForMessage",
				"agentId", r.cfg.AgentID, "tool", string(call.Name))
			continue
		}
		if call.Err != nil {
			results = append(results, toolResult{
				Name:   string(call.Name),
				Result: map[string]any{"status": "error", "error": call.Err.Error()},
			})
			continue
		}

		switch call.Name {
		case toolcall.GetAshigaruStatus:
			results = append(results, toolResult{Name: string(call.Name), Result: r.ashigaruStatus()})

		case toolcall.WaitForMessage:
			payload, err := r.performWait(ctx, providerThreadID, head, call.TimeoutMs, st)
			if err != nil {
				return nil, err
			}
			results = append(results, toolResult{Name: string(call.Name), Result: payload})
			waitProcessed = true

		case toolcall.InterruptAgent:
			results = append(results, toolResult{Name: string(call.Name), Result: r.interruptAgents(head, call)})

		case toolcall.SendMessage:
			results = append(results, toolResult{Name: string(call.Name), Result: r.sendMessages(head, call)})
		}
	}
	return results, nil
}

// ashigaruStatus answers TOOL:getAshigaruStatus; only the karou commands
// ashigaru, every other role is denied.
func (r *Runtime) ashigaruStatus() any {
	if r.cfg.AgentID.Role() != agent.RoleKarou {
		return map[string]any{"status": "denied", "error": "getAshigaruStatus is karou-only"}
	}
	if r.cfg.Caps.AshigaruStatus == nil {
		return map[string]any{"idle": []string{}, "busy": []string{}}
	}
	idle, busy := r.cfg.Caps.AshigaruStatus()
	if idle == nil {
		idle = []string{}
	}
	if busy == nil {
		busy = []string{}
	}
	return map[string]any{"idle": idle, "busy": busy}
}

// interruptAgents answers TOOL:interruptAgent. Only the direct
// subordinate may be interrupted; with a body an interrupt message is
// delivered first so the target sees the new orders.
func (r *Runtime) interruptAgents(head mailbox.Message, call toolcall.Call) any {
	var interrupted, denied []string
	for _, target := range call.To {
		to, err := agent.Parse(target)
		if err != nil || !agent.CanInterrupt(r.cfg.AgentID, to) {
			denied = append(denied, target)
			continue
		}

		reason := ReasonStop
		if call.Body != "" {
			reason = ReasonInterrupt
			if _, _, writeErr := r.cfg.Writer.Write(mailbox.Outbound{
				ThreadID: head.ThreadID,
				From:     string(r.cfg.AgentID),
				To:       string(to),
				Title:    orDefault(call.Title, "interrupt"),
				Body:     call.Body,
			}); writeErr != nil {
				log.ErrorErr(log.CatRuntime, "writing interrupt message", writeErr,
					"agentId", r.cfg.AgentID, "to", target)
			}
		}
		if r.cfg.Caps.Interrupt != nil {
			r.cfg.Caps.Interrupt(to, reason)
		}
		interrupted = append(interrupted, target)
	}

	payload := map[string]any{"status": "ok"}
	if len(interrupted) > 0 {
		payload["interrupted"] = interrupted
	}
	if len(denied) > 0 {
		payload["denied"] = denied
		if len(interrupted) == 0 {
			payload["status"] = "denied"
		}
	}
	return payload
}

// sendMessages answers TOOL:sendMessage: recipients are filtered against
// the role's allowed set, the body may come from a bounded scratch file,
// and one mailbox file is written per allowed recipient.
func (r *Runtime) sendMessages(head mailbox.Message, call toolcall.Call) any {
	body := call.Body
	if call.BodyFile != "" {
		resolved, err := r.readBodyFile(call.BodyFile)
		if err != nil {
			return map[string]any{"status": "error", "error": err.Error()}
		}
		body = resolved
	}

	var sent, denied []string
	for _, target := range call.To {
		to, err := agent.Parse(target)
		if err != nil || !r.allowed[to] {
			denied = append(denied, target)
			continue
		}
		if _, _, writeErr := r.cfg.Writer.Write(mailbox.Outbound{
			ThreadID: head.ThreadID,
			From:     string(r.cfg.AgentID),
			To:       string(to),
			Title:    orDefault(call.Title, "message"),
			Body:     body,
		}); writeErr != nil {
			log.ErrorErr(log.CatRuntime, "writing outbound message", writeErr,
				"agentId", r.cfg.AgentID, "to", target)
			denied = append(denied, target)
			continue
		}
		sent = append(sent, target)
	}

	if len(sent) == 0 {
		payload := map[string]any{"status": "denied"}
		if len(denied) > 0 {
			payload["to"] = denied
		}
		return payload
	}
	payload := map[string]any{"status": "sent", "to": sent}
	if len(denied) > 0 {
		payload["denied"] = denied
	}
	return payload
}

// readBodyFile loads a sendMessage body from the agent's scratch
// directory. The path must stay inside tmp/{agentId} and the file is
// capped at 10 KiB.
func (r *Runtime) readBodyFile(name string) (string, error) {
	root := filepath.Join(r.cfg.BaseDir, "tmp", string(r.cfg.AgentID))
	path := filepath.Join(root, name)
	if rel, err := filepath.Rel(root, path); err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("bodyFile %q escapes the agent scratch directory", name)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("bodyFile %q: %w", name, err)
	}
	if info.Size() > bodyFileMaxBytes {
		return "", fmt.Errorf("bodyFile %q exceeds %d bytes", name, bodyFileMaxBytes)
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: containment checked above
	if err != nil {
		return "", fmt.Errorf("bodyFile %q: %w", name, err)
	}
	return string(data), nil
}

// autoReply forwards tool-less output to the role's default superior.
func (r *Runtime) autoReply(head mailbox.Message, output string) {
	superior, ok := agent.DefaultSuperior(r.cfg.AgentID)
	if !ok || !r.allowed[superior] {
		return
	}
	if _, _, err := r.cfg.Writer.Write(mailbox.Outbound{
		ThreadID: head.ThreadID,
		From:     string(r.cfg.AgentID),
		To:       string(superior),
		Title:    "auto_reply: " + head.Title,
		Body:     strings.TrimSpace(output),
	}); err != nil {
		log.ErrorErr(log.CatRuntime, "writing auto reply", err,
			"agentId", r.cfg.AgentID, "threadId", head.ThreadID)
	}
}

// performWait implements the suspension protocol for one
// TOOL:waitForMessage call.
func (r *Runtime) performWait(ctx context.Context, providerThreadID string, head mailbox.Message, timeoutMs int, st *turnState) (any, error) {
	if r.cfg.AgentID.Role() != agent.RoleShogun && r.cfg.AgentID.Role() != agent.RoleKarou {
		return map[string]any{"status": "denied", "error": "waitForMessage is shogun/karou-only"}, nil
	}

	st.remainingWaits--
	if st.remainingWaits <= 0 {
		// Budget exhausted: no suspension, but the model still gets one
		// more loop to wrap up.
		st.maxLoops++
		return map[string]any{
			"status":         "timeout",
			"timeoutMs":      normalizeTimeout(timeoutMs),
			"limitReached":   true,
			"remainingWaits": 0,
		}, nil
	}

	timeoutMs = normalizeTimeout(timeoutMs)
	agentID := string(r.cfg.AgentID)

	rec := waits.Record{
		Status:           waits.StatusPending,
		ThreadID:         head.ThreadID,
		AgentID:          agentID,
		ProviderThreadID: providerThreadID,
		TimeoutMs:        timeoutMs,
		Message: waits.MessageMeta{
			MessageID: head.ID,
			From:      head.From,
			To:        head.To,
			Title:     head.Title,
			CreatedAt: head.CreatedAt,
		},
	}
	if err := r.cfg.Waits.Put(rec); err != nil {
		return nil, fmt.Errorf("persisting wait record: %w", err)
	}

	msg, err := r.awaitMessage(ctx, head.ThreadID, timeoutMs)
	if err != nil {
		return nil, err
	}

	st.maxLoops++
	if msg == nil {
		return map[string]any{
			"status":         "timeout",
			"timeoutMs":      timeoutMs,
			"remainingWaits": st.remainingWaits,
		}, nil
	}
	return map[string]any{
		"status":         "message",
		"message":        msg,
		"remainingWaits": st.remainingWaits,
	}, nil
}

// awaitMessage suspends until a message for the thread arrives, the
// timeout fires, or the turn is cancelled. A nil message means timeout.
func (r *Runtime) awaitMessage(ctx context.Context, threadID string, timeoutMs int) (*mailbox.Message, error) {
	agentID := string(r.cfg.AgentID)

	// A message may already be queued for this thread; consume it
	// directly instead of suspending.
	r.mu.Lock()
	for i, queued := range r.queue {
		if queued.ThreadID == threadID {
			m := queued
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			done := r.completions[m.ID]
			delete(r.completions, m.ID)
			r.mu.Unlock()

			if done != nil {
				done <- nil
			}
			if _, _, err := r.cfg.Waits.MarkReceived(threadID, agentID, m); err != nil {
				log.ErrorErr(log.CatWait, "marking wait received", err, "agentId", agentID, "threadId", threadID)
			}
			r.notifyStatus()
			return &m, nil
		}
	}

	w := newMsgWaiter(threadID)
	r.waiter = w
	r.touchLocked("waiting for message")
	r.mu.Unlock()
	r.notifyStatus()

	stopHeartbeat := r.startHeartbeat("waiting for message")
	defer stopHeartbeat()

	// An enqueue may have marked the record received between the persist
	// and the waiter install; replay it so the rendezvous cannot be lost.
	if rec, ok, err := r.cfg.Waits.Get(threadID, agentID); err == nil && ok &&
		rec.Status == waits.StatusReceived && rec.ReceivedMessage != nil {
		w.resolve(rec.ReceivedMessage)
	}

	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()
	defer func() {
		r.mu.Lock()
		if r.waiter == w {
			r.waiter = nil
		}
		r.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			// The persisted transition decides the race against an
			// arriving message.
			if _, timedOut, err := r.cfg.Waits.MarkTimeout(threadID, agentID); err != nil {
				return nil, err
			} else if timedOut {
				w.resolve(nil)
				return nil, nil
			}
			// A message won the race; it is about to resolve the waiter.
			select {
			case m := <-w.ch:
				return m, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case m := <-w.ch:
			return m, nil
		}
	}
}

// resumeWaitOutcome converts a wait record found at turn start into the
// synthetic tool result payload. A still-pending record re-enters the
// wait; received and timeout records replay their outcome.
func (r *Runtime) resumeWaitOutcome(ctx context.Context, head mailbox.Message, rec waits.Record) (any, error) {
	switch rec.Status {
	case waits.StatusReceived:
		return map[string]any{"status": "message", "message": rec.ReceivedMessage}, nil
	case waits.StatusTimeout:
		return map[string]any{"status": "timeout", "timeoutMs": rec.TimeoutMs}, nil
	default:
		msg, err := r.awaitMessage(ctx, head.ThreadID, normalizeTimeout(rec.TimeoutMs))
		if err != nil {
			return nil, err
		}
		if msg == nil {
			return map[string]any{"status": "timeout", "timeoutMs": normalizeTimeout(rec.TimeoutMs)}, nil
		}
		return map[string]any{"status": "message", "message": msg}, nil
	}
}

// sendMessage wraps the provider call with tracing and a heartbeat.
func (r *Runtime) sendMessage(ctx context.Context, providerThreadID, input string, onProgress func(string)) (string, error) {
	ctx, span := r.tracer.Start(ctx, tracing.SpanProviderCall, trace.WithAttributes(
		attribute.String(tracing.AttrAgentID, string(r.cfg.AgentID)),
		attribute.String(tracing.AttrProvider, r.cfg.ProviderName),
	))
	defer span.End()

	stopHeartbeat := r.startHeartbeat("provider call in flight")
	defer stopHeartbeat()

	reply, err := r.cfg.Provider.SendMessage(ctx, provider.SendOptions{
		ThreadID:   providerThreadID,
		Input:      input,
		OnProgress: onProgress,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider call failed")
		return "", err
	}
	return reply.OutputText, nil
}

// startHeartbeat periodically refreshes the activity log while a slow
// operation is in flight. The returned function tears the timer down on
// every exit path.
func (r *Runtime) startHeartbeat(note string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		started := time.Now()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				r.mu.Lock()
				r.touchLocked(fmt.Sprintf("%s (%ds)", note, int(time.Since(started).Seconds())))
				r.mu.Unlock()
				r.notifyStatus()
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// cancelledByUs reports whether an error is the context cancellation
// caused by an explicit stop or interrupt.
func (r *Runtime) cancelledByUs(err error) bool {
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopReason != ""
}

func composeInput(batch []mailbox.Message) string {
	if len(batch) == 1 {
		return messageBlock(batch[0])
	}
	var b strings.Builder
	fmt.Fprintf(&b, "BATCH_START count=%d\n", len(batch))
	for i, m := range batch {
		fmt.Fprintf(&b, "--- MESSAGE %d/%d START ---\n", i+1, len(batch))
		b.WriteString(messageBlock(m))
		fmt.Fprintf(&b, "\n--- MESSAGE %d/%d END ---\n", i+1, len(batch))
	}
	b.WriteString("BATCH_END")
	return b.String()
}

func messageBlock(m mailbox.Message) string {
	return fmt.Sprintf("FROM: %s\nDATE: %s\nTITLE: %s\n\n%s", m.From, m.CreatedAt, m.Title, m.Body)
}

func prefixToolResult(name string, payload any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{"status":"error","error":"unserializable result"}`)
	}
	return fmt.Sprintf("TOOL_RESULT %s: %s\n\n", name, data)
}

func prefixBatchResult(results []toolResult) string {
	data, err := json.Marshal(results)
	if err != nil {
		data = []byte(`[]`)
	}
	return fmt.Sprintf("TOOL_RESULT batch: %s\n\n", data)
}

func normalizeTimeout(timeoutMs int) int {
	if timeoutMs <= 0 {
		return defaultWaitTimeoutMs
	}
	return timeoutMs
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
