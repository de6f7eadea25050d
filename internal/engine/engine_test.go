package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simplemem/simplemem/internal/answerer"
	"github.com/simplemem/simplemem/internal/compressor"
	"github.com/simplemem/simplemem/internal/engine"
	"github.com/simplemem/simplemem/internal/planner"
	"github.com/simplemem/simplemem/internal/provider"
	"github.com/simplemem/simplemem/internal/retriever"
	"github.com/simplemem/simplemem/internal/store"
	"github.com/simplemem/simplemem/internal/synthesizer"
)

// fakeGateway gives deterministic, dimension-stable responses so the
// full pipeline can be exercised without a live provider.
type fakeGateway struct{ dim int }

func (f *fakeGateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		v[0] = float32(i + 1)
		out[i] = v
	}
	return out, nil
}

func (f *fakeGateway) Chat(ctx context.Context, system string, messages []string, schema json.RawMessage) (provider.Response, error) {
	switch {
	case len(schema) > 0 && containsKey(schema, "score"):
		return provider.Response{Structured: []byte(`{"score":1.0}`)}, nil
	case containsKey(schema, "statements"):
		return provider.Response{Structured: []byte(
			`{"statements":[{"text":"Alice meets Bob at Starbucks on 2025-11-16T14:00:00Z","entities":["Starbucks"],"persons":["Alice","Bob"],"timestamp_utc":"2025-11-16T14:00:00Z"}]}`,
		)}, nil
	case containsKey(schema, "verdicts"):
		return provider.Response{Structured: []byte(`{"verdicts":[]}`)}, nil
	case containsKey(schema, "paraphrase"):
		return provider.Response{Structured: []byte(`{"intent":"lookup","paraphrase":"meeting plan","keywords":["meeting"],"persons":["Alice","Bob"],"entities":["Starbucks"]}`)}, nil
	case containsKey(schema, "answer_text"):
		return provider.Response{Structured: []byte(`{"answer_text":"They meet at Starbucks.","cited_unit_ids":[1]}`)}, nil
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

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	st, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)
	gw := &fakeGateway{dim: 4}
	comp := compressor.New(gw, nil)
	synth := synthesizer.New(gw, st, nil)
	pl := planner.New(gw, nil)
	ret := retriever.New(st, gw, nil)
	ans := answerer.New(gw, nil)
	return engine.New(st, comp, synth, pl, ret, ans, nil)
}

func TestEngineAddAndQuery(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	window := []compressor.Turn{
		{Speaker: "Alice", Text: "Bob, let's meet at Starbucks tomorrow at 2pm", Timestamp: time.Date(2025, 11, 15, 14, 30, 0, 0, time.UTC)},
		{Speaker: "Bob", Text: "Sure, I'll bring the market analysis report", Timestamp: time.Date(2025, 11, 15, 14, 31, 0, 0, time.UTC)},
	}

	res, err := e.Add(ctx, "tenant-a", window, time.Date(2025, 11, 15, 14, 31, 0, 0, time.UTC), "")
	require.NoError(t, err)
	require.Equal(t, 1, res.UnitsInserted)

	q, err := e.Query(ctx, "tenant-a", "When and where will Alice and Bob meet?", nil)
	require.NoError(t, err)
	require.NotEmpty(t, q.AnswerText)
}

func TestEngineDeleteTombstonesUnit(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	window := []compressor.Turn{{Speaker: "Alice", Text: "Secret launch date is Friday", Timestamp: time.Now().UTC()}}
	res, err := e.Add(ctx, "tenant-b", window, time.Now().UTC(), "")
	require.NoError(t, err)
	require.NotEmpty(t, res.UnitIDs)

	err = e.Delete(ctx, "tenant-b", res.UnitIDs[0])
	require.NoError(t, err)

	units, err := e.Store.Get(ctx, "tenant-b", res.UnitIDs)
	require.NoError(t, err)
	require.True(t, units[0].Tombstoned)
}
