// Package synthesizer performs the online merge of related memory
// units at write time : rather than a background pass, every
// newly compressed unit is checked against its nearest neighbors
// immediately, so the index stays compact from the moment it is
// written.
package synthesizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/simplemem/simplemem/internal/compressor"
	"github.com/simplemem/simplemem/internal/memory"
	"github.com/simplemem/simplemem/internal/provider"
	"github.com/simplemem/simplemem/internal/store"
)

// DefaultCandidates is N, the default candidate pool size.
const DefaultCandidates = 8

type verdictKind string

const (
	verdictKeepSeparate verdictKind = "keep_separate"
	verdictMergeIntoNew verdictKind = "merge_into_new_abstraction"
	verdictUSubsumes verdictKind = "u_subsumes_candidate"
	verdictCandidateSubsumes verdictKind = "candidate_subsumes_u"
)

type verdict struct {
	CandidateID uint64 `json:"candidate_id"`
	Verdict verdictKind `json:"verdict"`
	MergedText string `json:"merged_text,omitempty"`
}

type verdictResult struct {
	Verdicts []verdict `json:"verdicts"`
}

var verdictSchema = json.RawMessage(`{"type":"object","properties":{"verdicts":{"type":"array"}},"required":["verdicts"]}`)

// Synthesizer merges a new unit against its nearest candidates at
// write time, producing synthesized abstractions or discarding
// subsumed units.
type Synthesizer struct {
	gateway provider.Gateway
	store *store.Store
	logger *zap.Logger
	candidatesN int
}

// New returns a Synthesizer backed by gateway and st.
func New(gateway provider.Gateway, st *store.Store, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{gateway: gateway, store: st, logger: logger, candidatesN: DefaultCandidates}
}

// Process runs u through the synthesizer and returns the unit as
// finally persisted (which may be u itself, a synthesized
// abstraction, or an existing unit that already subsumes it). u is
// ordinarily unpersisted (u.ID == 0); calling Process again with an
// id that is already in the store is a no-op that returns the stored
// unit unchanged (idempotence).
func (s *Synthesizer) Process(ctx context.Context, tenantID string, u memory.Unit) (*memory.Unit, error) {
	if u.ID != 0 {
		if existing, err := s.store.Get(ctx, tenantID, []uint64{u.ID}); err == nil && len(existing) == 1 {
			return existing[0], nil
		}
	}

	candidates, err := s.candidates(ctx, tenantID, u)
	if err != nil {
		return nil, memory.New(memory.KindProviderError, err)
	}
	if len(candidates) == 0 {
		inserted, err := s.store.Insert(ctx, tenantID, u)
		if err != nil {
			return nil, err
		}
		return &inserted, nil
	}

	verdicts, err := s.decide(ctx, u, candidates)
	if err != nil {
		return nil, memory.New(memory.KindProviderError, err)
	}

	byID := make(map[uint64]*memory.Unit, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}

	var mergeGroup []*memory.Unit
	var mergedText string
	for _, v := range verdicts {
		cand, ok := byID[v.CandidateID]
		if !ok {
			continue
		}
		switch v.Verdict {
		case verdictMergeIntoNew:
			mergeGroup = append(mergeGroup, cand)
			if v.MergedText != "" {
				mergedText = v.MergedText
			}
		case verdictUSubsumes:
			mergeGroup = append(mergeGroup, cand)
		case verdictCandidateSubsumes:
			// An existing unit already covers u: discard u entirely.
			return cand, nil
		}
	}

	if len(mergeGroup) == 0 {
		inserted, err := s.store.Insert(ctx, tenantID, u)
		if err != nil {
			return nil, err
		}
		return &inserted, nil
	}

	return s.merge(ctx, tenantID, u, mergeGroup, mergedText)
}

// MergePair asks the gateway whether two already-persisted units
// should merge, used by the consolidator's background merge pass
// (step 2) rather than the write-path candidates() lookup.
// Returns nil, nil when the verdict is keep_separate.
func (s *Synthesizer) MergePair(ctx context.Context, tenantID string, a, b *memory.Unit) (*memory.Unit, error) {
	verdicts, err := s.decide(ctx, *a, []*memory.Unit{b})
	if err != nil {
		return nil, memory.New(memory.KindProviderError, err)
	}
	for _, v := range verdicts {
		if v.CandidateID != b.ID {
			continue
		}
		switch v.Verdict {
		case verdictMergeIntoNew, verdictUSubsumes:
			return s.merge(ctx, tenantID, *a, []*memory.Unit{b}, v.MergedText)
		case verdictCandidateSubsumes:
			if err := s.store.Tombstone(ctx, tenantID, a.ID); err != nil {
				return nil, err
			}
			return b, nil
		}
	}
	return nil, nil
}

func (s *Synthesizer) candidates(ctx context.Context, tenantID string, u memory.Unit) ([]*memory.Unit, error) {
	scored, err := s.store.VectorSearch(ctx, tenantID, u.Embedding, s.candidatesN)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(scored))
	for _, sc := range scored {
		ids = append(ids, sc.ID)
	}
	units, err := s.store.Get(ctx, tenantID, ids)
	if err != nil {
		return nil, err
	}

	out := units[:0]
	for _, c := range units {
		if c.Tombstoned {
			continue
		}
		if u.Metadata.SourceSessionID != "" && c.Metadata.SourceSessionID != u.Metadata.SourceSessionID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Synthesizer) decide(ctx context.Context, u memory.Unit, candidates []*memory.Unit) ([]verdict, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "New statement: %q\n\nCandidates:\n", u.Text)
	for _, c := range candidates {
		fmt.Fprintf(&sb, "- id=%d: %q\n", c.ID, c.Text)
	}
	sb.WriteString("\nFor each candidate, decide one of: keep_separate, merge_into_new_abstraction, " +
		"u_subsumes_candidate, candidate_subsumes_u. When merging, also produce merged_text covering all " +
		"merged facts. Respond as JSON {\"verdicts\":[{\"candidate_id\":N,\"verdict\":\"...\",\"merged_text\":\"...\"}]}.")

	resp, err := s.gateway.Chat(ctx, "You decide how new facts relate to existing memory.", []string{sb.String()}, verdictSchema)
	if err != nil {
		return nil, err
	}
	var result verdictResult
	if err := json.Unmarshal(resp.Structured, &result); err != nil {
		return nil, fmt.Errorf("synthesizer: parsing verdicts: %w", err)
	}
	return result.Verdicts, nil
}

// merge builds a synthesized unit subsuming u and group, tombstoning
// the children. The check below enforces acyclicity : a
// synthesized unit's children are always atomic or previously
// synthesized leaves, never an ancestor of u itself.
func (s *Synthesizer) merge(ctx context.Context, tenantID string, u memory.Unit, group []*memory.Unit, mergedText string) (*memory.Unit, error) {
	children := make([]uint64, 0, len(group))
	entities := map[string]bool{}
	persons := map[string]bool{}
	earliest := u.Metadata.TimestampUTC

	for _, c := range group {
		if wouldCycle(u.ID, c) {
			continue
		}
		children = append(children, c.ID)
		for _, e := range c.Metadata.Entities {
			entities[e] = true
		}
		for _, p := range c.Metadata.Persons {
			persons[p] = true
		}
		if c.Metadata.TimestampUTC.Before(earliest) {
			earliest = c.Metadata.TimestampUTC
		}
	}
	for _, e := range u.Metadata.Entities {
		entities[e] = true
	}
	for _, p := range u.Metadata.Persons {
		persons[p] = true
	}

	// u itself may already be persisted (the consolidator's background
	// merge pass operates on two existing units, not a fresh write);
	// when so, it too becomes a tombstoned child of the new abstraction.
	if u.ID != 0 {
		children = append(children, u.ID)
	}

	if mergedText == "" {
		mergedText = u.Text
	}

	synthesized := memory.Unit{
		Text: mergedText,
		Embedding: u.Embedding,
		Tokens: compressor.Tokenize(mergedText),
		Kind: memory.KindSynthesized,
		Children: children,
		Metadata: memory.Metadata{
			TimestampUTC: earliest,
			Entities: setToSlice(entities),
			Persons: setToSlice(persons),
			SourceSessionID: u.Metadata.SourceSessionID,
		},
	}

	inserted, err := s.store.Insert(ctx, tenantID, synthesized)
	if err != nil {
		return nil, err
	}

	for _, id := range children {
		if err := s.store.Tombstone(ctx, tenantID, id); err != nil {
			s.logger.Warn("synthesizer: failed to tombstone merged child",
				zap.Uint64("id", id), zap.Error(err))
		}
	}

	return &inserted, nil
}

// wouldCycle reports whether making cand a child of u's eventual
// synthesized unit would create a cycle — true only if cand already
// transitively contains u as a child, which cannot happen for a unit
// u that has not yet been inserted (u.ID == 0), but is checked anyway
// for defense against a caller reusing an existing id.
func wouldCycle(uID uint64, cand *memory.Unit) bool {
	if uID == 0 {
		return false
	}
	for _, childID := range cand.Children {
		if childID == uID {
			return true
		}
	}
	return false
}

func setToSlice(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
