package consolidator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/simplemem/simplemem/internal/memory"
	"github.com/simplemem/simplemem/internal/provider"
	"github.com/simplemem/simplemem/internal/store"
	"github.com/simplemem/simplemem/internal/synthesizer"
)

type fakeGateway struct{}

func (f *fakeGateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *fakeGateway) Chat(ctx context.Context, system string, messages []string, schema json.RawMessage) (provider.Response, error) {
	body, _ := json.Marshal(struct {
		Verdicts []struct {
			CandidateID uint64 `json:"candidate_id"`
			Verdict string `json:"verdict"`
		} `json:"verdicts"`
	}{})
	return provider.Response{Structured: body}, nil
}

var _ provider.Gateway = (*fakeGateway)(nil)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestDecayReducesScoreOverTime(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u, err := st.Insert(ctx, "tenantA", memory.Unit{Text: "x", Embedding: []float32{1, 0, 0}, ScoreDecay: 1.0})
	require.NoError(t, err)
	// Force UpdatedAt far in the past so decay has measurable effect.
	_, err = st.Update(ctx, "tenantA", u.ID, memory.Patch{})
	require.NoError(t, err)

	synth := synthesizer.New(&fakeGateway{}, st, zap.NewNop())
	cfg := Config{DecayLambda: DefaultLambda, PruneThreshold: -1} // disable pruning for this test
	c := New(st, synth, cfg, func() []string { return []string{"tenantA"} }, zap.NewNop())

	report, err := c.RunOnce(ctx, "tenantA")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.Decayed, 0)

	got, err := st.Get(ctx, "tenantA", []uint64{u.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.LessOrEqual(t, got[0].ScoreDecay, 1.0)
}

func TestPruneTombstonesLowScoreUnitsWithoutChildren(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u, err := st.Insert(ctx, "tenantA", memory.Unit{Text: "stale", Embedding: []float32{1, 0, 0}, ScoreDecay: 0.0})
	require.NoError(t, err)

	synth := synthesizer.New(&fakeGateway{}, st, zap.NewNop())
	cfg := Config{PruneThreshold: 0.5, MergeThreshold: 2.0} // MergeThreshold > 1 disables merge for this test
	c := New(st, synth, cfg, func() []string { return []string{"tenantA"} }, zap.NewNop())

	report, err := c.RunOnce(ctx, "tenantA")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pruned)

	got, err := st.Get(ctx, "tenantA", []uint64{u.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Tombstoned)
}

func TestPruneSparesUnitsReferencedAsChildren(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	child, err := st.Insert(ctx, "tenantA", memory.Unit{Text: "child", Embedding: []float32{1, 0, 0}, ScoreDecay: 0.0})
	require.NoError(t, err)
	_, err = st.Insert(ctx, "tenantA", memory.Unit{
		Text: "parent", Embedding: []float32{0, 1, 0}, Kind: memory.KindSynthesized, Children: []uint64{child.ID},
	})
	require.NoError(t, err)

	synth := synthesizer.New(&fakeGateway{}, st, zap.NewNop())
	cfg := Config{PruneThreshold: 0.5, MergeThreshold: 2.0}
	c := New(st, synth, cfg, func() []string { return []string{"tenantA"} }, zap.NewNop())

	_, err = c.RunOnce(ctx, "tenantA")
	require.NoError(t, err)

	got, err := st.Get(ctx, "tenantA", []uint64{child.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Tombstoned, "a unit referenced as a synthesized unit's child must survive pruning")
}

func TestStartStopIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	synth := synthesizer.New(&fakeGateway{}, st, zap.NewNop())
	c := New(st, synth, Config{CronSpec: "@every 1h"}, func() []string { return nil }, zap.NewNop())

	c.Start()
	c.Start() // no-op, must not panic or double-schedule
	c.Stop()
	c.Stop() // no-op
}

func TestRunOnceWithoutCronSpecIsCallableOnDemand(t *testing.T) {
	st := newTestStore(t)
	synth := synthesizer.New(&fakeGateway{}, st, zap.NewNop())
	c := New(st, synth, Config{}, func() []string { return nil }, zap.NewNop())

	_, err := c.RunOnce(context.Background(), "tenantA")
	require.NoError(t, err)
	_ = time.Now()
}
