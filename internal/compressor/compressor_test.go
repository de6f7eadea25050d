package compressor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/simplemem/simplemem/internal/provider"
)

type fakeGateway struct {
	densityScore float64
	statements []atomicStatement
	embedErr error
}

func (f *fakeGateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *fakeGateway) Chat(ctx context.Context, system string, messages []string, schema json.RawMessage) (provider.Response, error) {
	if len(schema) > 0 && string(schema) == string(densitySchema) {
		body, _ := json.Marshal(densityVerdict{Score: f.densityScore})
		return provider.Response{Structured: body}, nil
	}
	body, _ := json.Marshal(atomicizationResult{Statements: f.statements})
	return provider.Response{Structured: body}, nil
}

func TestCompressDropsSparseWindow(t *testing.T) {
	g := &fakeGateway{densityScore: 0.1}
	c := New(g, zap.NewNop())

	units, err := c.Compress(context.Background(), []Turn{{Speaker: "alice", Text: "hi", Timestamp: time.Now()}}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestCompressProducesResolvedUnits(t *testing.T) {
	anchor := time.Date(2025, 11, 15, 14, 30, 0, 0, time.UTC)
	g := &fakeGateway{
		densityScore: 0.9,
		statements: []atomicStatement{
			{Text: "Alice will meet Bob at Starbucks on 2025-11-16", Entities: []string{"Starbucks"}, Persons: []string{"Alice", "Bob"}, Timestamp: "2025-11-16T14:00:00Z"},
		},
	}
	c := New(g, zap.NewNop())

	units, err := c.Compress(context.Background(), []Turn{{Speaker: "alice", Text: "let's meet tomorrow", Timestamp: anchor}}, anchor)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Contains(t, units[0].Text, "Starbucks")
	assert.ElementsMatch(t, []string{"Alice", "Bob"}, units[0].Metadata.Persons)
	assert.Equal(t, 2025, units[0].Metadata.TimestampUTC.Year())
}

func TestCompressResolvesPronounsAndRelativeTimes(t *testing.T) {
	anchor := time.Date(2025, 11, 15, 9, 0, 0, 0, time.UTC)
	g := &fakeGateway{
		densityScore: 0.9,
		statements: []atomicStatement{
			{
				Text: "Bob will send Alice the contract tomorrow.",
				Entities: []string{"contract"},
				Persons: []string{"Bob", "Alice"},
				Timestamp: "2025-11-16T09:00:00Z",
			},
		},
	}
	c := New(g, zap.NewNop())

	units, err := c.Compress(context.Background(), []Turn{
		{Speaker: "bob", Text: "I'll send her the contract tomorrow", Timestamp: anchor},
	}, anchor)
	require.NoError(t, err)
	require.Len(t, units, 1)

	// The atomicized statement is self-contained: no bare pronoun
	// stands in for a named entity, and the relative time phrase
	// resolved against anchor rather than surviving as text.
	assert.NotContains(t, units[0].Text, " her ")
	assert.NotContains(t, units[0].Text, " he ")
	assert.Contains(t, units[0].Text, "Alice")
	assert.NotContains(t, units[0].Text, "tomorrow")
	assert.Equal(t, anchor.AddDate(0, 0, 1), units[0].Metadata.TimestampUTC)
}

func TestCompressEmptyWindow(t *testing.T) {
	c := New(&fakeGateway{}, zap.NewNop())
	units, err := c.Compress(context.Background(), nil, time.Now())
	require.NoError(t, err)
	assert.Nil(t, units)
}
