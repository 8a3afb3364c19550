package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrite_JSONLines(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf)
	defer SetEnabled(false)
	SetEnabled(true)
	SetMinLevel(LevelDebug)

	Info(CatMailbox, "message routed", "agentId", "shogun", "threadId", "t1")
	ErrorErr(CatRuntime, "turn failed", nil, "messageId", "m1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first Entry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.Equal(t, "INFO", first.Level)
	require.Equal(t, "mailbox", first.Category)
	require.Equal(t, "message routed", first.Message)
	require.Equal(t, "shogun", first.Fields["agentId"])
	require.Equal(t, "t1", first.Fields["threadId"])

	var second Entry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	require.Equal(t, "ERROR", second.Level)
	require.Equal(t, "<nil>", second.Fields["error"])
}

func TestWrite_MinLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf)
	defer SetEnabled(false)
	SetEnabled(true)
	SetMinLevel(LevelWarn)

	Debug(CatApp, "ignored")
	Info(CatApp, "ignored too")
	Warn(CatApp, "kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "kept")
}

func TestWrite_OddFieldCount(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf)
	defer SetEnabled(false)
	SetEnabled(true)
	SetMinLevel(LevelDebug)

	Info(CatApp, "odd", "orphan")

	var entry Entry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "<missing>", entry.Fields["orphan"])
}

func TestInit_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	cleanup, err := Init(dir + "/logs/server.log")
	require.NoError(t, err)
	defer cleanup()
	defer SetEnabled(false)

	Info(CatApp, "hello")
}
