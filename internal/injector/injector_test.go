package injector_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simplemem/simplemem/internal/compressor"
	"github.com/simplemem/simplemem/internal/injector"
	"github.com/simplemem/simplemem/internal/planner"
	"github.com/simplemem/simplemem/internal/provider"
	"github.com/simplemem/simplemem/internal/retriever"
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
	return provider.Response{Structured: []byte(
		`{"score":1.0,"statements":[{"text":"The JWT handler validates bearer tokens.","entities":[],"persons":[],"timestamp_utc":"2025-11-15T00:00:00Z"}],"verdicts":[],"intent":"lookup","paraphrase":"JWT work"}`,
	)}, nil
}

func TestBundleFitsBudgetAndIsNonEmpty(t *testing.T) {
	st, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)
	gw := fakeGateway{}
	comp := compressor.New(gw, nil)
	synth := synthesizer.New(gw, st, nil)

	units, err := comp.Compress(context.Background(), []compressor.Turn{
		{Speaker: "dev", Text: "We built a JWT handler today.", Timestamp: time.Now().UTC()},
	}, time.Now().UTC())
	require.NoError(t, err)
	for _, u := range units {
		u.Metadata.SourceSessionID = "s1"
		_, err := synth.Process(context.Background(), "tenant-x", u)
		require.NoError(t, err)
	}

	pl := planner.New(gw, nil)
	ret := retriever.New(st, gw, nil)
	inj, err := injector.New(pl, ret, 50, nil)
	require.NoError(t, err)

	bundle, err := inj.Bundle(context.Background(), "tenant-x", "Continue the JWT work")
	require.NoError(t, err)
	require.NotEmpty(t, bundle)
}

type fakeSummarySource struct {
	summary string
}

func (f fakeSummarySource) LatestSummary(tenantID string) string {
	if tenantID != "tenant-x" {
		return ""
	}
	return f.summary
}

func TestBundlePrependsSessionSummary(t *testing.T) {
	st, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)
	gw := fakeGateway{}
	pl := planner.New(gw, nil)
	ret := retriever.New(st, gw, nil)
	inj, err := injector.New(pl, ret, 500, nil)
	require.NoError(t, err)
	inj.SetSummarySource(fakeSummarySource{summary: "Discussed JWT implementation."})

	bundle, err := inj.Bundle(context.Background(), "tenant-x", "")
	require.NoError(t, err)
	require.Contains(t, bundle, "Discussed JWT implementation.")

	other, err := inj.Bundle(context.Background(), "tenant-y", "")
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestBundleEmptyPromptReturnsEmpty(t *testing.T) {
	st, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)
	gw := fakeGateway{}
	pl := planner.New(gw, nil)
	ret := retriever.New(st, gw, nil)
	inj, err := injector.New(pl, ret, 0, nil)
	require.NoError(t, err)

	bundle, err := inj.Bundle(context.Background(), "tenant-x", "")
	require.NoError(t, err)
	require.Empty(t, bundle)
}
