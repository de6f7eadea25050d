// Package compressor turns a windowed sequence of dialogue turns into
// zero or more atomic memory units : density-gated, then
// atomicized into self-contained statements with coreferences and
// relative times resolved, then indexed (embedding + lexical tokens +
// metadata).
package compressor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/simplemem/simplemem/internal/memory"
	"github.com/simplemem/simplemem/internal/provider"
)

// DefaultWindowSize is WINDOW_SIZE's default.
const DefaultWindowSize = 10

// Turn is one dialogue turn or tool event handed to the compressor.
type Turn struct {
	Speaker string
	Text string
	Timestamp time.Time
}

// Compressor turns a dialogue window into atomic memory units.
type Compressor struct {
	gateway provider.Gateway
	logger *zap.Logger
	densityThreshold float64
}

// New returns a Compressor backed by gateway.
func New(gateway provider.Gateway, logger *zap.Logger) *Compressor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compressor{gateway: gateway, logger: logger, densityThreshold: 0.3}
}

type densityVerdict struct {
	Score float64 `json:"score"`
}

type atomicStatement struct {
	Text string `json:"text"`
	Entities []string `json:"entities"`
	Persons []string `json:"persons"`
	Timestamp string `json:"timestamp_utc"`
}

type atomicizationResult struct {
	Statements []atomicStatement `json:"statements"`
}

var densitySchema = json.RawMessage(`{"type":"object","properties":{"score":{"type":"number"}},"required":["score"]}`)
var atomicizationSchema = json.RawMessage(`{"type":"object","properties":{"statements":{"type":"array"}},"required":["statements"]}`)

// Compress runs the density gate, then atomicization, then indexing,
// returning the atomic units to hand to the synthesizer. A gateway
// failure aborts the whole window — no partial inserts (error
// policy); the caller may retry.
func (c *Compressor) Compress(ctx context.Context, window []Turn, anchor time.Time) ([]memory.Unit, error) {
	if len(window) == 0 {
		return nil, nil
	}

	dense, err := c.densityGate(ctx, window)
	if err != nil {
		return nil, memory.New(memory.KindProviderError, err)
	}
	if !dense {
		return nil, nil
	}

	statements, err := c.atomicize(ctx, window, anchor)
	if err != nil {
		return nil, memory.New(memory.KindProviderError, err)
	}
	if len(statements) == 0 {
		return nil, nil
	}

	texts := make([]string, len(statements))
	for i, s := range statements {
		texts[i] = s.Text
	}
	embeddings, err := c.gateway.Embed(ctx, texts)
	if err != nil {
		return nil, memory.New(memory.KindProviderError, err)
	}

	units := make([]memory.Unit, 0, len(statements))
	for i, s := range statements {
		ts, err := time.Parse(time.RFC3339, s.Timestamp)
		if err != nil {
			ts = anchor
		}
		units = append(units, memory.Unit{
			Text: s.Text,
			Embedding: embeddings[i],
			Tokens: Tokenize(s.Text),
			Kind: memory.KindAtomic,
			Metadata: memory.Metadata{
				TimestampUTC: ts.UTC(),
				Entities: s.Entities,
				Persons: s.Persons,
			},
		})
	}
	return units, nil
}

func (c *Compressor) densityGate(ctx context.Context, window []Turn) (bool, error) {
	prompt := "Score how much durable, factual information this conversation window carries, from 0 (small talk) to 1 (dense with facts). Respond as JSON {\"score\": <number>}.\n\n" + renderWindow(window)
	resp, err := c.gateway.Chat(ctx, "You are a precise information-density classifier.", []string{prompt}, densitySchema)
	if err != nil {
		return false, err
	}
	var verdict densityVerdict
	if err := json.Unmarshal(resp.Structured, &verdict); err != nil {
		return false, fmt.Errorf("compressor: parsing density verdict: %w", err)
	}
	return verdict.Score >= c.densityThreshold, nil
}

func (c *Compressor) atomicize(ctx context.Context, window []Turn, anchor time.Time) ([]atomicStatement, error) {
	prompt := fmt.Sprintf(
		"Rewrite this conversation window as a list of self-contained statements. "+
			"Resolve every pronoun to a named entity. Convert every relative time phrase "+
			"(e.g. \"tomorrow\", \"next week\") to an absolute UTC timestamp using %s as \"now\". "+
			"Respond as JSON {\"statements\":[{\"text\":...,\"entities\":[...],\"persons\":[...],\"timestamp_utc\":...}]}.\n\n%s",
		anchor.UTC().Format(time.RFC3339), renderWindow(window))

	resp, err := c.gateway.Chat(ctx, "You produce atomic, context-free memory statements.", []string{prompt}, atomicizationSchema)
	if err != nil {
		return nil, err
	}
	var result atomicizationResult
	if err := json.Unmarshal(resp.Structured, &result); err != nil {
		return nil, fmt.Errorf("compressor: parsing atomicization result: %w", err)
	}
	return result.Statements, nil
}

func renderWindow(window []Turn) string {
	var sb strings.Builder
	for _, t := range window {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", t.Timestamp.UTC().Format(time.RFC3339), t.Speaker, t.Text)
	}
	return sb.String()
}

// tokenize lowercases and splits into a stopword-filtered token
// multiset for the lexical view.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if stopwords[f] || len(f) == 0 {
			continue
		}
		out = append(out, f)
	}
	return out
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true, "were": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "and": true, "or": true,
	"it": true, "this": true, "that": true, "for": true, "with": true, "as": true, "by": true,
}
