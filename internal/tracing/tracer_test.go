package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())

	// No-op spans are safe to use.
	_, span := p.Tracer().Start(context.Background(), SpanTurn)
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_UnknownExporter(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "carrier-pigeon"})
	require.Error(t, err)
}

func TestNewProvider_FileExporterRequiresPath(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "file"})
	require.Error(t, err)
}

func TestFileExporter_WritesSpans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "traces.jsonl")

	p, err := NewProvider(Config{Enabled: true, Exporter: "file", FilePath: path, SampleRate: 1.0})
	require.NoError(t, err)
	assert.True(t, p.Enabled())

	ctx, parent := p.Tracer().Start(context.Background(), SpanTurn,
		trace.WithAttributes(attribute.String(AttrAgentID, "shogun")))
	_, child := p.Tracer().Start(ctx, SpanProviderCall)
	child.End()
	parent.End()

	require.NoError(t, p.Shutdown(context.Background()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []SpanRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec SpanRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 2)

	byName := map[string]SpanRecord{}
	for _, rec := range records {
		byName[rec.Name] = rec
	}
	turn, ok := byName[SpanTurn]
	require.True(t, ok)
	assert.Equal(t, "shogun", turn.Attributes[AttrAgentID])

	call, ok := byName[SpanProviderCall]
	require.True(t, ok)
	assert.Equal(t, turn.SpanID, call.ParentSpanID)
	assert.Equal(t, turn.TraceID, call.TraceID)
}
