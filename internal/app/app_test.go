package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmoriya/shogun/internal/config"
	"github.com/kmoriya/shogun/internal/history"
	"github.com/kmoriya/shogun/internal/ledger"
	"github.com/kmoriya/shogun/internal/mailbox"
	"github.com/kmoriya/shogun/internal/provider"
	"github.com/kmoriya/shogun/internal/runtime"
	"github.com/kmoriya/shogun/internal/state"
	"github.com/kmoriya/shogun/internal/waits"
)

// The scripted provider hands each role its own mock, selected by the
// role-specific model name the factory receives.
var scriptedMocks map[string]*provider.Mock

func init() {
	provider.Register("scripted", func(cfg provider.Config) (provider.Provider, error) {
		mock, ok := scriptedMocks[cfg.Model]
		if !ok {
			mock = provider.NewMock()
			scriptedMocks[cfg.Model] = mock
		}
		return mock, nil
	})
}

type harness struct {
	app      *App
	ws       string
	shogun   *provider.Mock
	karou    *provider.Mock
	ashigaru *provider.Mock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ws := t.TempDir()

	scriptedMocks = map[string]*provider.Mock{}
	h := &harness{ws: ws}

	cfg := config.Defaults()
	cfg.Provider = "scripted"
	cfg.AshigaruCount = 2
	cfg.Poll = true
	cfg.Models = config.Models{
		Default:  "m-default",
		Shogun:   "m-shogun",
		Karou:    "m-karou",
		Ashigaru: "m-ashigaru",
	}
	require.NoError(t, cfg.Resolve(ws))

	a, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	t.Cleanup(a.Shutdown)

	h.app = a
	h.shogun = scriptedMocks["m-shogun"]
	h.karou = scriptedMocks["m-karou"]
	h.ashigaru = scriptedMocks["m-ashigaru"]
	require.NotNil(t, h.shogun)
	require.NotNil(t, h.karou)
	require.NotNil(t, h.ashigaru)
	return h
}

func awaitCalls(t *testing.T, mock *provider.Mock, n int) []provider.MockCall {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if calls := mock.Calls(); len(calls) >= n {
			return calls
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("mock never reached %d calls (got %d)", n, len(mock.Calls()))
	return nil
}

func TestApp_KingFanOut(t *testing.T) {
	h := newHarness(t)

	h.shogun.Respond(`TOOL:sendMessage to=karou title="sub" body="A"`, "")
	h.karou.Respond("")

	th, err := h.app.CreateThread("expedition")
	require.NoError(t, err)

	msg, err := h.app.SubmitKingMessage(th.ID, "task", "調査して")
	require.NoError(t, err)
	assert.Equal(t, th.ID, msg.ThreadID)

	// The king's file exists in the shogun's pending mailbox until
	// claimed.
	pendingDir := filepath.Join(h.ws, ".shogun", "message_to", "shogun", "from", "king")
	entries, err := os.ReadDir(pendingDir)
	if err == nil && len(entries) > 0 {
		assert.Contains(t, entries[0].Name(), "task")
	}

	// The shogun receives the instruction and fans out to the karou.
	shogunCalls := awaitCalls(t, h.shogun, 1)
	assert.Contains(t, shogunCalls[0].Input, "調査して")
	assert.Contains(t, shogunCalls[0].Input, "FROM: king")

	karouCalls := awaitCalls(t, h.karou, 1)
	assert.Contains(t, karouCalls[0].Input, "FROM: shogun")
	assert.Contains(t, karouCalls[0].Input, "A")

	// Both messages landed in history.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msgs, listErr := h.app.Messages(th.ID)
		require.NoError(t, listErr)
		if len(msgs) >= 2 {
			assert.Equal(t, "king", msgs[0].From)
			assert.Equal(t, "shogun", msgs[1].From)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("history never recorded both messages")
}

func TestApp_EventsFlow(t *testing.T) {
	h := newHarness(t)
	h.shogun.Respond("")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := h.app.Subscribe(ctx)

	th, err := h.app.CreateThread("observed")
	require.NoError(t, err)
	_, err = h.app.SubmitKingMessage(th.ID, "hello", "body")
	require.NoError(t, err)

	var sawThreads, sawMessage, sawAgentStatus bool
	timeout := time.After(10 * time.Second)
	for !(sawThreads && sawMessage && sawAgentStatus) {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event stream closed early")
			switch ev.Payload.Type {
			case EventThreads:
				sawThreads = true
			case EventMessage:
				sawMessage = true
				require.NotNil(t, ev.Payload.Message)
				assert.Equal(t, "shogun", ev.Payload.Message.To)
			case EventAgentStatus:
				sawAgentStatus = true
				assert.NotEmpty(t, ev.Payload.Agents)
			}
		case <-timeout:
			t.Fatalf("missing events: threads=%v message=%v agent_status=%v",
				sawThreads, sawMessage, sawAgentStatus)
		}
	}
}

func TestApp_KingAddressedMessagesAreNotRouted(t *testing.T) {
	h := newHarness(t)

	th, err := h.app.CreateThread("report thread")
	require.NoError(t, err)

	// A report to the king flows into history but reaches no runtime.
	dir := filepath.Join(h.ws, ".shogun", "message_to", "king", "from", "shogun")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, th.ID+"__2026-08-05T10-00-00-000Z-abc123__report.md"),
		[]byte("mission accomplished"), 0o644))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msgs, listErr := h.app.Messages(th.ID)
		require.NoError(t, listErr)
		if len(msgs) == 1 {
			assert.Equal(t, "king", msgs[0].To)
			assert.Empty(t, h.shogun.Calls())
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("king message never reached history")
}

func TestApp_ThreadCRUD(t *testing.T) {
	h := newHarness(t)

	th, err := h.app.CreateThread("to be deleted")
	require.NoError(t, err)
	require.Len(t, h.app.Threads(), 1)

	second, err := h.app.CreateThread("kept")
	require.NoError(t, err)
	require.NoError(t, h.app.SelectThread(th.ID))
	require.NoError(t, h.app.DeleteThread(th.ID))

	threads := h.app.Threads()
	require.Len(t, threads, 1)
	assert.Equal(t, second.ID, threads[0].ID)

	_, err = h.app.SubmitKingMessage(th.ID, "x", "y")
	require.Error(t, err, "deleted threads reject new messages")
}

func TestApp_SnapshotAndUIConfig(t *testing.T) {
	h := newHarness(t)

	snaps := h.app.Snapshot()
	require.Len(t, snaps, 4) // shogun, karou, 2 ashigaru
	assert.Equal(t, "shogun", snaps[0].ID)
	for _, snap := range snaps {
		assert.Equal(t, runtime.StatusIdle, snap.Status)
	}

	cfg := h.app.UIConfig()
	assert.Equal(t, 2, cfg.AshigaruCount)
	assert.Equal(t, "scripted", cfg.Provider)
}

func TestApp_RestartAcrossWait(t *testing.T) {
	ws := t.TempDir()
	base := filepath.Join(ws, ".shogun")

	// Pre-seed the tree a crash mid-suspension leaves behind: the
	// trigger still claimed in message_processing (history written,
	// job_done never reached because the handler was blocked on the
	// suspended turn) and a pending wait record for the karou.
	st, err := state.Open(filepath.Join(base, "state.json"))
	require.NoError(t, err)
	th, err := st.CreateThread("ops")
	require.NoError(t, err)

	stem := mailbox.NewStem(th.ID, "mission", time.Now())
	original := mailbox.Message{
		ID: stem, ThreadID: th.ID, From: "shogun", To: "karou",
		Title: "mission", Body: "delegate and wait",
		CreatedAt: mailbox.FormatTimestamp(time.Now()),
	}

	procDir := filepath.Join(base, "message_processing", "karou", "from", "shogun")
	require.NoError(t, os.MkdirAll(procDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(procDir, stem+".md"), []byte(original.Body), 0o644))

	led, err := ledger.Open(filepath.Join(base, "message_ledger.json"))
	require.NoError(t, err)
	require.NoError(t, led.Mark("message_to/karou/from/shogun/"+stem+".md", ledger.StatusHistory))

	require.NoError(t, history.NewStore(filepath.Join(base, "history")).Append(original))
	require.NoError(t, waits.NewStore(filepath.Join(base, "waits", "pending")).Put(waits.Record{
		Status: waits.StatusPending, ThreadID: th.ID, AgentID: "karou", TimeoutMs: 60000,
		Message: waits.MessageMeta{
			MessageID: stem, From: "shogun", To: "karou",
			Title: "mission", CreatedAt: original.CreatedAt,
		},
	}))

	// "Restart": bring the coordinator up over the seeded tree.
	scriptedMocks = map[string]*provider.Mock{}
	cfg := config.Defaults()
	cfg.Provider = "scripted"
	cfg.AshigaruCount = 2
	cfg.Poll = true
	cfg.Models = config.Models{
		Default:  "m-default",
		Shogun:   "m-shogun",
		Karou:    "m-karou",
		Ashigaru: "m-ashigaru",
	}
	require.NoError(t, cfg.Resolve(ws))

	a, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	t.Cleanup(a.Shutdown)

	karou := scriptedMocks["m-karou"]
	require.NotNil(t, karou)
	karou.Respond("")

	// Give the watcher's recovery time to replay the claimed trigger.
	// The suspended turn must not see it as a reply, so the provider
	// stays untouched and the replayed file is acknowledged + archived.
	archive := filepath.Join(base, "history", th.ID, "message_to", "karou", "from", "shogun", stem+".md")
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, statErr := os.Stat(archive); statErr == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, err = os.Stat(archive)
	require.NoError(t, err, "replayed trigger was never acknowledged and archived")
	assert.Empty(t, karou.Calls(), "the wait must not resolve with the agent's own instruction")

	// The real reply is the one and only message the wait reports.
	_, _, err = mailbox.NewWriter(base).Write(mailbox.Outbound{
		ThreadID: th.ID, From: "ashigaru1", To: "karou", Title: "reply", Body: "done",
	})
	require.NoError(t, err)

	calls := awaitCalls(t, karou, 1)
	assert.True(t, strings.HasPrefix(calls[0].Input, "TOOL_RESULT waitForMessage: "))
	assert.Contains(t, calls[0].Input, `"status":"message"`)
	assert.Contains(t, calls[0].Input, `"body":"done"`)
	assert.NotContains(t, calls[0].Input, "delegate and wait")

	// The consumed record is cleared once the resumed turn completes.
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := waits.NewStore(filepath.Join(base, "waits", "pending")).Get(th.ID, "karou"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("wait record was never cleared")
}

func TestApp_RestartRequestExitsWith75(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	codeCh := make(chan int, 1)
	go func() { codeCh <- h.app.Run(ctx) }()

	requests := filepath.Join(h.ws, ".shogun", "tmp", "restart", "requests")
	require.NoError(t, os.WriteFile(
		filepath.Join(requests, "r1.json"),
		[]byte(`{"reason":"config changed"}`), 0o644))

	select {
	case code := <-codeCh:
		assert.Equal(t, 75, code)
	case <-time.After(10 * time.Second):
		t.Fatal("restart request never terminated Run")
	}

	// The request was archived before shutdown completed.
	archived := filepath.Join(h.ws, ".shogun", "tmp", "restart", "history", "r1.json")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(archived); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("restart request was never archived")
}

func TestApp_StopAllEmitsBracketedEvents(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := h.app.Subscribe(ctx)

	h.app.StopAll()

	var statuses []string
	timeout := time.After(5 * time.Second)
	for len(statuses) < 2 {
		select {
		case ev, ok := <-events:
			require.True(t, ok)
			if ev.Payload.Type == EventStop {
				statuses = append(statuses, ev.Payload.Status)
			}
		case <-timeout:
			t.Fatalf("stop events incomplete: %v", statuses)
		}
	}
	assert.Equal(t, []string{StopRequested, StopCompleted}, statuses)
}
