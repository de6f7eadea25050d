package session_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simplemem/simplemem/internal/compressor"
	"github.com/simplemem/simplemem/internal/memory"
	"github.com/simplemem/simplemem/internal/provider"
	"github.com/simplemem/simplemem/internal/redact"
	"github.com/simplemem/simplemem/internal/session"
	"github.com/simplemem/simplemem/internal/store"
	"github.com/simplemem/simplemem/internal/synthesizer"
)

type fakeGateway struct{}

func (fakeGateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func (fakeGateway) Chat(ctx context.Context, system string, messages []string, schema json.RawMessage) (provider.Response, error) {
	switch {
	case containsKey(schema, "observations"):
		return provider.Response{Structured: []byte(`{"observations":[{"category":"decision","text":"Chose JWT for auth."}]}`)}, nil
	case containsKey(schema, "summary"):
		return provider.Response{Structured: []byte(`{"summary":"Discussed JWT implementation."}`)}, nil
	case containsKey(schema, "score"):
		return provider.Response{Structured: []byte(`{"score":1.0}`)}, nil
	case containsKey(schema, "statements"):
		return provider.Response{Structured: []byte(`{"statements":[{"text":"Chose JWT for auth.","entities":[],"persons":[],"timestamp_utc":"2025-11-15T00:00:00Z"}]}`)}, nil
	case containsKey(schema, "verdicts"):
		return provider.Response{Structured: []byte(`{"verdicts":[]}`)}, nil
	}
	return provider.Response{Text: "ok"}, nil
}

func containsKey(schema json.RawMessage, key string) bool {
	var m map[string]any
	_ = json.Unmarshal(schema, &m)
	props, _ := m["properties"].(map[string]any)
	_, ok := props[key]
	return ok
}

func newManager(t *testing.T) *session.Manager {
	t.Helper()
	st, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)
	gw := fakeGateway{}
	comp := compressor.New(gw, nil)
	synth := synthesizer.New(gw, st, nil)
	redactor, err := redact.New(redact.DefaultConfig())
	require.NoError(t, err)
	return session.New(gw, redactor, comp, synth, nil, nil)
}

func TestSessionLifecycle(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	start, err := m.Start(ctx, "tenant-a", "content-1", "proj", "")
	require.NoError(t, err)
	require.NotEmpty(t, start.MemorySessionID)

	_, err = m.RecordEvent(ctx, "tenant-a", start.MemorySessionID, memory.EventMessage, "We chose JWT for auth, with secret sk-testtoken1234567890abcd in the config")
	require.NoError(t, err)

	stop, err := m.Stop(ctx, "tenant-a", start.MemorySessionID)
	require.NoError(t, err)
	require.NotEmpty(t, stop.Summary)

	err = m.End(ctx, "tenant-a", start.MemorySessionID)
	require.NoError(t, err)
}

func TestRecordAfterStopFailsWithSessionState(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	start, err := m.Start(ctx, "tenant-a", "content-1", "proj", "")
	require.NoError(t, err)

	_, err = m.Stop(ctx, "tenant-a", start.MemorySessionID)
	require.NoError(t, err)

	_, err = m.RecordEvent(ctx, "tenant-a", start.MemorySessionID, memory.EventMessage, "hello")
	require.Error(t, err)
	require.Equal(t, memory.KindSessionState, memory.As(err))
}

func TestStopIsIdempotent(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	start, err := m.Start(ctx, "tenant-a", "content-1", "proj", "")
	require.NoError(t, err)

	first, err := m.Stop(ctx, "tenant-a", start.MemorySessionID)
	require.NoError(t, err)

	second, err := m.Stop(ctx, "tenant-a", start.MemorySessionID)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestEndAfterEndFailsWithSessionState(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	start, err := m.Start(ctx, "tenant-a", "content-1", "proj", "")
	require.NoError(t, err)
	_, err = m.Stop(ctx, "tenant-a", start.MemorySessionID)
	require.NoError(t, err)
	require.NoError(t, m.End(ctx, "tenant-a", start.MemorySessionID))

	err = m.End(ctx, "tenant-a", start.MemorySessionID)
	require.Error(t, err)
	require.Equal(t, memory.KindSessionState, memory.As(err))
}

func TestCrossTenantSessionOperationsFailWithTenantMismatch(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	start, err := m.Start(ctx, "tenant-a", "content-1", "proj", "")
	require.NoError(t, err)

	_, err = m.RecordEvent(ctx, "tenant-b", start.MemorySessionID, memory.EventMessage, "hello")
	require.Error(t, err)
	require.Equal(t, memory.KindTenantMismatch, memory.As(err))

	_, err = m.Stop(ctx, "tenant-b", start.MemorySessionID)
	require.Error(t, err)
	require.Equal(t, memory.KindTenantMismatch, memory.As(err))

	_, err = m.Stop(ctx, "tenant-a", start.MemorySessionID)
	require.NoError(t, err)

	err = m.End(ctx, "tenant-b", start.MemorySessionID)
	require.Error(t, err)
	require.Equal(t, memory.KindTenantMismatch, memory.As(err))

	require.NoError(t, m.End(ctx, "tenant-a", start.MemorySessionID))
}
