package history

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmoriya/shogun/internal/mailbox"
)

func msg(id, threadID, body string) mailbox.Message {
	return mailbox.Message{
		ID:        id,
		ThreadID:  threadID,
		From:      "king",
		To:        "shogun",
		Title:     "task",
		Body:      body,
		CreatedAt: "2026-08-05T10:00:00.000Z",
	}
}

func TestAppendAndList(t *testing.T) {
	s := NewStore(t.TempDir())

	require.NoError(t, s.Append(msg("m1", "t1", "first")))
	require.NoError(t, s.Append(msg("m2", "t1", "second")))
	require.NoError(t, s.Append(msg("m3", "t2", "other thread")))

	got, err := s.List("t1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)

	other, err := s.List("t2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "other thread", other[0].Body)
}

func TestList_EmptyThread(t *testing.T) {
	s := NewStore(t.TempDir())
	got, err := s.List("missing")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestList_DeduplicatesByID(t *testing.T) {
	s := NewStore(t.TempDir())

	require.NoError(t, s.Append(msg("m1", "t1", "original")))

	// Simulate an externally duplicated log line.
	f, err := os.OpenFile(s.MessagesPath("t1"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"m1","threadId":"t1","body":"duplicate"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := s.List("t1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "original", got[0].Body)
}

func TestList_SkipsMalformedLines(t *testing.T) {
	s := NewStore(t.TempDir())

	require.NoError(t, s.Append(msg("m1", "t1", "ok")))
	f, err := os.OpenFile(s.MessagesPath("t1"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{broken\n")
	require.NoError(t, err)
	require.NoError(t, s.Append(msg("m2", "t1", "still ok")))
	require.NoError(t, f.Close())

	got, err := s.List("t1")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestAppend_InvalidatesListCache(t *testing.T) {
	s := NewStore(t.TempDir())

	require.NoError(t, s.Append(msg("m1", "t1", "first")))
	got, err := s.List("t1")
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, s.Append(msg("m2", "t1", "second")))
	got, err = s.List("t1")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestFind(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Append(msg("m1", "t1", "needle")))

	found, ok, err := s.Find("t1", "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "needle", found.Body)

	_, ok, err = s.Find("t1", "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppend_RequiresThreadID(t *testing.T) {
	s := NewStore(t.TempDir())
	err := s.Append(mailbox.Message{ID: "m1"})
	require.Error(t, err)
}
