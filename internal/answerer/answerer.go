// Package answerer composes a grounded answer from a retrieved unit
// set and the original query : the gateway is constrained to
// cite only the units it was given, and a retrieval set with nothing
// in it gets a well-formed "no information" response rather than a
// fabricated one.
package answerer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/simplemem/simplemem/internal/memory"
	"github.com/simplemem/simplemem/internal/provider"
	"github.com/simplemem/simplemem/internal/retriever"
)

// NoInformationText is returned verbatim when no units survive
// retrieval.
const NoInformationText = "I don't have any stored information relevant to that."

// Answer is the composed response.
type Answer struct {
	Text string
	CitedUnitIDs []uint64
}

type answerVerdict struct {
	AnswerText string `json:"answer_text"`
	CitedUnitIDs []uint64 `json:"cited_unit_ids"`
}

var answerSchema = json.RawMessage(`{"type":"object","properties":{"answer_text":{"type":"string"},"cited_unit_ids":{"type":"array"}},"required":["answer_text","cited_unit_ids"]}`)

// Answerer composes a grounded answer from retrieved units.
type Answerer struct {
	gateway provider.Gateway
	logger *zap.Logger
}

// New returns an Answerer backed by gateway.
func New(gateway provider.Gateway, logger *zap.Logger) *Answerer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Answerer{gateway: gateway, logger: logger}
}

// Compose asks the gateway for an answer to query grounded in
// results. If results is empty, no gateway call is made at all.
func (a *Answerer) Compose(ctx context.Context, query string, results []retriever.Result) (Answer, error) {
	if len(results) == 0 {
		return Answer{Text: NoInformationText}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %q\n\nAvailable memory units (cite only these ids):\n", query)
	validIDs := make(map[uint64]bool, len(results))
	for _, r := range results {
		fmt.Fprintf(&sb, "- id=%d: %q\n", r.Unit.ID, r.Unit.Text)
		validIDs[r.Unit.ID] = true
	}
	sb.WriteString("\nAnswer the question using only the facts above. If they do not answer the question, " +
		"say so plainly instead of guessing. Respond as JSON {\"answer_text\":...,\"cited_unit_ids\":[...]}.")

	resp, err := a.gateway.Chat(ctx, "You answer questions strictly from provided memory, never inventing facts.",
		[]string{sb.String()}, answerSchema)
	if err != nil {
		return Answer{}, memory.New(memory.KindProviderError, err)
	}

	var verdict answerVerdict
	if err := json.Unmarshal(resp.Structured, &verdict); err != nil {
		return Answer{}, fmt.Errorf("answerer: parsing answer verdict: %w", err)
	}

	cited := make([]uint64, 0, len(verdict.CitedUnitIDs))
	for _, id := range verdict.CitedUnitIDs {
		if validIDs[id] {
			cited = append(cited, id)
		}
	}

	text := verdict.AnswerText
	if text == "" {
		text = NoInformationText
	}

	return Answer{Text: text, CitedUnitIDs: cited}, nil
}
