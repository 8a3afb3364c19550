package waits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmoriya/shogun/internal/mailbox"
)

func pending(threadID, agentID string) Record {
	return Record{
		Status:    StatusPending,
		ThreadID:  threadID,
		AgentID:   agentID,
		TimeoutMs: 60000,
		Message: MessageMeta{
			MessageID: "m1",
			From:      "shogun",
			To:        agentID,
			Title:     "task",
			CreatedAt: "2026-08-05T10:00:00.000Z",
		},
	}
}

func TestPutAndGet(t *testing.T) {
	s := NewStore(t.TempDir())

	require.NoError(t, s.Put(pending("t1", "karou")))

	rec, ok, err := s.Get("t1", "karou")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, 60000, rec.TimeoutMs)
	assert.NotEmpty(t, rec.CreatedAt)
	assert.NotEmpty(t, rec.UpdatedAt)

	_, ok, err = s.Get("t1", "shogun")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkReceived(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Put(pending("t1", "karou")))

	m := mailbox.Message{ID: "m2", ThreadID: "t1", From: "ashigaru1", To: "karou", Body: "done"}
	rec, ok, err := s.MarkReceived("t1", "karou", m)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusReceived, rec.Status)
	require.NotNil(t, rec.ReceivedMessage)
	assert.Equal(t, "done", rec.ReceivedMessage.Body)
	assert.NotEmpty(t, rec.ReceivedAt)

	// A second receive finds the record no longer pending.
	_, ok, err = s.MarkReceived("t1", "karou", m)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkTimeout(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Put(pending("t1", "karou")))

	rec, ok, err := s.MarkTimeout("t1", "karou")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusTimeout, rec.Status)

	// Receipt after timeout loses.
	_, ok, err = s.MarkReceived("t1", "karou", mailbox.Message{ID: "late"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkTimeout_MissingRecord(t *testing.T) {
	s := NewStore(t.TempDir())
	_, ok, err := s.MarkTimeout("t1", "karou")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Put(pending("t1", "karou")))
	require.NoError(t, s.Clear("t1", "karou"))

	_, ok, err := s.Get("t1", "karou")
	require.NoError(t, err)
	assert.False(t, ok)

	// Clearing again is a no-op.
	require.NoError(t, s.Clear("t1", "karou"))
}

func TestListForAgent(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Put(pending("t1", "karou")))
	require.NoError(t, s.Put(pending("t2", "karou")))
	require.NoError(t, s.Put(pending("t1", "ashigaru1")))

	recs, err := s.ListForAgent("karou")
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = s.ListForAgent("shogun")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestListForAgent_NoDirectory(t *testing.T) {
	s := NewStore(t.TempDir() + "/never-created")
	recs, err := s.ListForAgent("karou")
	require.NoError(t, err)
	assert.Empty(t, recs)
}
