// Package retriever executes a retrieval plan across the tenant
// store's three views in parallel, merges and ranks the results, and
// expands synthesized units one hop into their children.
package retriever

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simplemem/simplemem/internal/memory"
	"github.com/simplemem/simplemem/internal/planner"
	"github.com/simplemem/simplemem/internal/provider"
	"github.com/simplemem/simplemem/internal/store"
)

// Default ranking weights.
const (
	WeightSemantic = 0.6
	WeightLexical = 0.3
	WeightSymbolic = 0.1

	// supportingWeight scales the score given to one-hop children
	// pulled in purely as supporting evidence.
	supportingWeight = 0.5

	// ViewTimeout bounds each of the three parallel view searches.
	ViewTimeout = 5 * time.Second
)

// Result is one retrieved unit with its final weighted score.
type Result struct {
	Unit *memory.Unit
	Score float64
	Supporting bool // pulled in as a one-hop child, not a direct match
}

// Retriever executes a retrieval plan across the three views,
// deduplicates, ranks, and expands synthesized units.
type Retriever struct {
	store *store.Store
	gateway provider.Gateway
	logger *zap.Logger
}

// New returns a Retriever backed by st and gateway.
func New(st *store.Store, gateway provider.Gateway, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{store: st, gateway: gateway, logger: logger}
}

// Retrieve executes plan against tenantID's store and returns a
// ranked, deduplicated result set truncated to plan.Depth.
func (r *Retriever) Retrieve(ctx context.Context, tenantID string, plan planner.Plan) ([]Result, error) {
	ctx, cancel := context.WithTimeout(ctx, ViewTimeout)
	defer cancel()

	overfetch := plan.Depth * 2
	if overfetch < plan.Depth {
		overfetch = plan.Depth
	}

	var semResults, lexResults []memory.Scored
	var symIDs []uint64
	var semErr, lexErr, symErr error
	succeeded := 0

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if plan.QSem == "" {
			succeeded++
			return
		}
		vecs, err := r.gateway.Embed(ctx, []string{plan.QSem})
		if err != nil {
			semErr = memory.New(memory.KindProviderError, err)
			return
		}
		if len(vecs) == 0 {
			succeeded++
			return
		}
		res, err := r.store.VectorSearch(ctx, tenantID, vecs[0], overfetch)
		if err != nil {
			semErr = err
			return
		}
		semResults = res
		succeeded++
	}()
	go func() {
		defer wg.Done()
		if len(plan.QLex) == 0 {
			succeeded++
			return
		}
		res, err := r.store.LexicalSearch(ctx, tenantID, plan.QLex, overfetch)
		if err != nil {
			lexErr = err
			return
		}
		lexResults = res
		succeeded++
	}()
	go func() {
		defer wg.Done()
		if predicateEmpty(plan.QSym) {
			succeeded++
			return
		}
		ids, err := r.store.SymbolicFilter(ctx, tenantID, plan.QSym, overfetch)
		if err != nil {
			symErr = err
			return
		}
		symIDs = ids
		succeeded++
	}()
	wg.Wait()

	// Each view search runs under its own call and may independently
	// fail or be cut short by ctx's deadline; a view that didn't
	// produce anything is dropped from the merge rather than failing
	// the whole retrieval — long retrievals return whatever ranked set
	// has materialized by the time the deadline fires. Only when every
	// view came back empty-handed does the call itself fail.
	if succeeded == 0 {
		if ctx.Err() != nil {
			return nil, memory.New(memory.KindDeadlineExceeded, ctx.Err())
		}
		for _, err := range []error{semErr, lexErr, symErr} {
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	for name, err := range map[string]error{"semantic": semErr, "lexical": lexErr, "symbolic": symErr} {
		if err != nil {
			r.logger.Warn("retriever: view search failed, ranking over remaining views", zap.String("view", name), zap.Error(err))
		}
	}

	merged := merge(semResults, lexResults, symIDs)
	ranked := rank(merged)

	topK := ranked
	if len(topK) > plan.Depth {
		topK = topK[:plan.Depth]
	}

	ids := make([]uint64, 0, len(topK))
	for _, m := range topK {
		ids = append(ids, m.id)
	}
	units, err := r.store.Get(ctx, tenantID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uint64]*memory.Unit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}

	results := make([]Result, 0, len(topK))
	seen := make(map[uint64]bool, len(topK))
	for _, m := range topK {
		u, ok := byID[m.id]
		if !ok {
			continue
		}
		results = append(results, Result{Unit: u, Score: m.score})
		seen[u.ID] = true
	}

	// One-hop expansion: pull in children of synthesized units in the
	// top-K as supporting evidence, at reduced weight.
	var childIDs []uint64
	for _, res := range results {
		if res.Unit.Kind != memory.KindSynthesized {
			continue
		}
		for _, childID := range res.Unit.Children {
			if !seen[childID] {
				childIDs = append(childIDs, childID)
				seen[childID] = true
			}
		}
	}
	if len(childIDs) > 0 {
		children, err := r.store.Get(ctx, tenantID, childIDs)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			results = append(results, Result{Unit: c, Score: supportingWeight, Supporting: true})
		}
	}

	sortResults(results)
	if len(results) > plan.Depth {
		results = results[:plan.Depth]
	}
	return results, nil
}

func predicateEmpty(p store.Predicate) bool {
	return p.TimestampAfter == nil && p.TimestampBefore == nil && len(p.Persons) == 0 && len(p.Entities) == 0
}

type mergedResult struct {
	id uint64
	sem float64
	hasSem bool
	lex float64
	hasLex bool
	symMatch bool
	score float64
}

func merge(sem, lex []memory.Scored, symIDs []uint64) map[uint64]*mergedResult {
	out := make(map[uint64]*mergedResult)
	get := func(id uint64) *mergedResult {
		m, ok := out[id]
		if !ok {
			m = &mergedResult{id: id}
			out[id] = m
		}
		return m
	}
	for _, s := range sem {
		m := get(s.ID)
		m.sem = s.Score
		m.hasSem = true
	}
	for _, s := range lex {
		m := get(s.ID)
		m.lex = s.Score
		m.hasLex = true
	}
	for _, id := range symIDs {
		get(id).symMatch = true
	}
	return out
}

func rank(merged map[uint64]*mergedResult) []*mergedResult {
	semMin, semMax := minMax(merged, func(m *mergedResult) (float64, bool) { return m.sem, m.hasSem })
	lexMin, lexMax := minMax(merged, func(m *mergedResult) (float64, bool) { return m.lex, m.hasLex })

	out := make([]*mergedResult, 0, len(merged))
	for _, m := range merged {
		normSem := 0.0
		if m.hasSem {
			normSem = normalize(m.sem, semMin, semMax)
		}
		normLex := 0.0
		if m.hasLex {
			normLex = normalize(m.lex, lexMin, lexMax)
		}
		symBoost := 0.0
		if m.symMatch {
			symBoost = 1.0
		}
		m.score = WeightSemantic*normSem + WeightLexical*normLex + WeightSymbolic*symBoost
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

func minMax(merged map[uint64]*mergedResult, get func(*mergedResult) (float64, bool)) (float64, float64) {
	min, max := 0.0, 0.0
	first := true
	for _, m := range merged {
		v, ok := get(m)
		if !ok {
			continue
		}
		if first {
			min, max = v, v
			first = false
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

func normalize(v, min, max float64) float64 {
	if max == min {
		return 1.0
	}
	return (v - min) / (max - min)
}

// sortResults applies the tie-break: higher score first, then
// higher timestamp_utc, then higher id.
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Unit.Metadata.TimestampUTC.Equal(b.Unit.Metadata.TimestampUTC) {
			return a.Unit.Metadata.TimestampUTC.After(b.Unit.Metadata.TimestampUTC)
		}
		return a.Unit.ID > b.Unit.ID
	})
}
