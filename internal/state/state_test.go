package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path)
	require.NoError(t, err)
	return s, path
}

func TestCreateThread(t *testing.T) {
	s, _ := openStore(t)

	th, err := s.CreateThread("expedition")
	require.NoError(t, err)
	require.NotEmpty(t, th.ID)
	assert.NotContains(t, th.ID, "__")
	assert.Equal(t, "expedition", th.Title)
	assert.Equal(t, th.CreatedAt, th.UpdatedAt)

	active, ok := s.LastActiveThread()
	require.True(t, ok)
	assert.Equal(t, th.ID, active)
}

func TestPersistsAcrossReopen(t *testing.T) {
	s, path := openStore(t)

	th, err := s.CreateThread("one")
	require.NoError(t, err)
	require.NoError(t, s.SetSession(th.ID, "shogun", Session{
		Provider:         "mock",
		ProviderThreadID: "pt-1",
		Initialized:      true,
	}))

	reopened, err := Open(path)
	require.NoError(t, err)

	got, ok := reopened.Thread(th.ID)
	require.True(t, ok)
	assert.Equal(t, "one", got.Title)

	sess, ok := reopened.SessionFor(th.ID, "shogun")
	require.True(t, ok)
	assert.Equal(t, "pt-1", sess.ProviderThreadID)
	assert.True(t, sess.Initialized)

	active, ok := reopened.LastActiveThread()
	require.True(t, ok)
	assert.Equal(t, th.ID, active)
}

func TestDeleteThread(t *testing.T) {
	s, _ := openStore(t)

	th, err := s.CreateThread("doomed")
	require.NoError(t, err)
	require.NoError(t, s.DeleteThread(th.ID))

	_, ok := s.Thread(th.ID)
	assert.False(t, ok)
	_, ok = s.LastActiveThread()
	assert.False(t, ok)

	assert.ErrorIs(t, s.DeleteThread("missing"), ErrThreadNotFound)
}

func TestSelectAndTouch(t *testing.T) {
	s, _ := openStore(t)

	first, err := s.CreateThread("first")
	require.NoError(t, err)
	second, err := s.CreateThread("second")
	require.NoError(t, err)

	require.NoError(t, s.SelectThread(first.ID))
	active, _ := s.LastActiveThread()
	assert.Equal(t, first.ID, active)

	// Touch refreshes updatedAt without stealing the selection.
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.TouchThread(second.ID))
	active, _ = s.LastActiveThread()
	assert.Equal(t, first.ID, active)

	got, _ := s.Thread(second.ID)
	assert.GreaterOrEqual(t, got.UpdatedAt, got.CreatedAt)

	assert.ErrorIs(t, s.SelectThread("missing"), ErrThreadNotFound)
	assert.ErrorIs(t, s.TouchThread("missing"), ErrThreadNotFound)
}

func TestThreadsOrderedByUpdatedAt(t *testing.T) {
	s, _ := openStore(t)

	a, err := s.CreateThread("a")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	b, err := s.CreateThread("b")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.TouchThread(a.ID))

	threads := s.Threads()
	require.Len(t, threads, 2)
	assert.Equal(t, a.ID, threads[0].ID)
	assert.Equal(t, b.ID, threads[1].ID)
}

func TestOpen_FallsBackToBackup(t *testing.T) {
	s, path := openStore(t)

	_, err := s.CreateThread("keep")
	require.NoError(t, err)
	_, err = s.CreateThread("also keep") // first snapshot becomes .bak
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o644))

	recovered, err := Open(path)
	require.NoError(t, err)
	assert.Len(t, recovered.Threads(), 1)
}

func TestSetSession_UnknownThread(t *testing.T) {
	s, _ := openStore(t)
	assert.ErrorIs(t, s.SetSession("missing", "shogun", Session{}), ErrThreadNotFound)
}
