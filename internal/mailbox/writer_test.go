package mailbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_Write(t *testing.T) {
	base := t.TempDir()
	w := NewWriter(base)

	msg, path, err := w.Write(Outbound{
		ThreadID: "t1",
		From:     "king",
		To:       "shogun",
		Title:    "task",
		Body:     "調査して",
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(base, "message_to", "shogun", "from", "king"), filepath.Dir(path))
	assert.Equal(t, msg.ID+".md", filepath.Base(path))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "調査して", string(body))

	threadID, title := ParseStem(msg.ID)
	assert.Equal(t, "t1", threadID)
	assert.Equal(t, "task", title)
	assert.Equal(t, "t1", msg.ThreadID)
	assert.NotEmpty(t, msg.CreatedAt)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestWriter_UniqueStems(t *testing.T) {
	w := NewWriter(t.TempDir())

	seen := make(map[string]struct{})
	for i := 0; i < 20; i++ {
		msg, _, err := w.Write(Outbound{ThreadID: "t1", From: "king", To: "shogun", Title: "same title", Body: "x"})
		require.NoError(t, err)
		_, dup := seen[msg.ID]
		require.False(t, dup, "duplicate stem %s", msg.ID)
		seen[msg.ID] = struct{}{}
	}
}

func TestWriter_Validation(t *testing.T) {
	w := NewWriter(t.TempDir())

	_, _, err := w.Write(Outbound{From: "king", To: "shogun", Title: "t", Body: "b"})
	require.Error(t, err)

	_, _, err = w.Write(Outbound{ThreadID: "bad__id", From: "king", To: "shogun", Title: "t"})
	require.Error(t, err)

	_, _, err = w.Write(Outbound{ThreadID: "t1", To: "shogun", Title: "t"})
	require.Error(t, err)
}
