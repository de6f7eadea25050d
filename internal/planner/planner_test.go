package planner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/simplemem/simplemem/internal/provider"
)

type fakeGateway struct {
	verdict intentVerdict
}

func (f *fakeGateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}

func (f *fakeGateway) Chat(ctx context.Context, system string, messages []string, schema json.RawMessage) (provider.Response, error) {
	body, _ := json.Marshal(f.verdict)
	return provider.Response{Structured: body}, nil
}

var _ provider.Gateway = (*fakeGateway)(nil)

func TestPlanLookupGetsSmallDepth(t *testing.T) {
	g := &fakeGateway{verdict: intentVerdict{
		Intent: IntentLookup, Paraphrase: "where does Alice work", Persons: []string{"Alice"},
	}}
	p := New(g, zap.NewNop())

	plan, err := p.Plan(context.Background(), "where does alice work?", nil)
	require.NoError(t, err)
	assert.Equal(t, DepthLookup, plan.Depth)
	assert.Equal(t, "where does Alice work", plan.QSem)
	assert.Contains(t, plan.QSym.Persons, "Alice")
}

func TestPlanAggregationGetsLargeDepth(t *testing.T) {
	g := &fakeGateway{verdict: intentVerdict{Intent: IntentAggregation, Paraphrase: "all decisions about pricing"}}
	p := New(g, zap.NewNop())

	plan, err := p.Plan(context.Background(), "what decisions have been made about pricing?", nil)
	require.NoError(t, err)
	assert.Equal(t, DepthAggregation, plan.Depth)
}

func TestPlanFallsBackToRawQueryWhenParaphraseEmpty(t *testing.T) {
	g := &fakeGateway{verdict: intentVerdict{Intent: IntentUnknown}}
	p := New(g, zap.NewNop())

	plan, err := p.Plan(context.Background(), "anything about Bob", nil)
	require.NoError(t, err)
	assert.Equal(t, "anything about Bob", plan.QSem)
	assert.NotEmpty(t, plan.QLex, "falls back to tokenized query when no keywords supplied")
}
