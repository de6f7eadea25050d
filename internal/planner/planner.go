// Package planner turns a free-text query into a retrieval plan
// : a data structure describing what each of the three store
// views should search for, not executable code.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/simplemem/simplemem/internal/compressor"
	"github.com/simplemem/simplemem/internal/memory"
	"github.com/simplemem/simplemem/internal/provider"
	"github.com/simplemem/simplemem/internal/store"
)

// Intent categorizes the query, driving the plan's depth.
type Intent string

const (
	IntentLookup Intent = "lookup"
	IntentAggregation Intent = "aggregation"
	IntentTemporal Intent = "temporal"
	IntentUnknown Intent = "unknown"
)

// DepthLookup and DepthAggregation are the default depth targets per
// intent category.
const (
	DepthLookup = 4
	DepthAggregation = 20
	DepthTemporal = 10
	DepthUnknown = 8
)

// Plan is the retrieval plan the planner emits.
type Plan struct {
	QSem string
	QLex []string
	QSym store.Predicate
	Depth int
}

type intentVerdict struct {
	Intent Intent `json:"intent"`
	Paraphrase string `json:"paraphrase"`
	Keywords []string `json:"keywords"`
	Persons []string `json:"persons"`
	Entities []string `json:"entities"`
	TimestampFrom *string `json:"timestamp_from,omitempty"`
	TimestampTo *string `json:"timestamp_to,omitempty"`
}

var intentSchema = json.RawMessage(`{"type":"object","properties":{"intent":{"type":"string"},"paraphrase":{"type":"string"},"keywords":{"type":"array"},"persons":{"type":"array"},"entities":{"type":"array"}},"required":["intent","paraphrase"]}`)

// Planner turns a query into a retrieval plan.
type Planner struct {
	gateway provider.Gateway
	logger *zap.Logger
}

// New returns a Planner backed by gateway.
func New(gateway provider.Gateway, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{gateway: gateway, logger: logger}
}

// Plan builds a retrieval plan for q. history, if non-empty, is
// passed to the gateway as additional context for intent inference.
func (p *Planner) Plan(ctx context.Context, q string, history []string) (Plan, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %q\n", q)
	if len(history) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, h := range history {
			sb.WriteString("- " + h + "\n")
		}
	}
	sb.WriteString("\nClassify the query intent as one of lookup, aggregation, temporal, unknown. " +
		"Produce a paraphrase optimized for embedding similarity search, lexical keywords, and any " +
		"named persons/entities/time range mentioned. Respond as JSON matching the schema.")

	resp, err := p.gateway.Chat(ctx, "You plan memory retrieval queries.", []string{sb.String()}, intentSchema)
	if err != nil {
		return Plan{}, memory.New(memory.KindProviderError, err)
	}

	var verdict intentVerdict
	if err := json.Unmarshal(resp.Structured, &verdict); err != nil {
		return Plan{}, fmt.Errorf("planner: parsing intent verdict: %w", err)
	}

	plan := Plan{
		QSem: verdict.Paraphrase,
		Depth: depthFor(verdict.Intent),
	}
	if plan.QSem == "" {
		plan.QSem = q
	}

	if len(verdict.Keywords) > 0 {
		plan.QLex = verdict.Keywords
	} else {
		plan.QLex = compressor.Tokenize(q)
	}

	pred := store.Predicate{Persons: verdict.Persons, Entities: verdict.Entities}
	if verdict.TimestampFrom != nil {
		if t, err := time.Parse(time.RFC3339, *verdict.TimestampFrom); err == nil {
			pred.TimestampAfter = &t
		}
	}
	if verdict.TimestampTo != nil {
		if t, err := time.Parse(time.RFC3339, *verdict.TimestampTo); err == nil {
			pred.TimestampBefore = &t
		}
	}
	plan.QSym = pred

	return plan, nil
}

func depthFor(i Intent) int {
	switch i {
	case IntentLookup:
		return DepthLookup
	case IntentAggregation:
		return DepthAggregation
	case IntentTemporal:
		return DepthTemporal
	default:
		return DepthUnknown
	}
}
