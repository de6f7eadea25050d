// Package engine is the composition facade the MCP and HTTP
// transports call into: it wires the compressor, synthesizer,
// planner, retriever and answerer over one tenant store into the
// three memory-tool operations (memory_add, memory_query,
// memory_delete) behind a single entry point for the transport layer.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/simplemem/simplemem/internal/answerer"
	"github.com/simplemem/simplemem/internal/compressor"
	"github.com/simplemem/simplemem/internal/memory"
	"github.com/simplemem/simplemem/internal/planner"
	"github.com/simplemem/simplemem/internal/retriever"
	"github.com/simplemem/simplemem/internal/store"
	"github.com/simplemem/simplemem/internal/synthesizer"
)

// Engine owns one process-wide instance of each pipeline stage; all
// of them are already tenant-parametrized per call, so a single
// Engine serves every tenant (the store is where isolation lives).
type Engine struct {
	Store *store.Store
	Compressor *compressor.Compressor
	Synthesizer *synthesizer.Synthesizer
	Planner *planner.Planner
	Retriever *retriever.Retriever
	Answerer *answerer.Answerer
	logger *zap.Logger
}

// New assembles an Engine from its already-constructed stages.
func New(st *store.Store, comp *compressor.Compressor, synth *synthesizer.Synthesizer, pl *planner.Planner, ret *retriever.Retriever, ans *answerer.Answerer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{Store: st, Compressor: comp, Synthesizer: synth, Planner: pl, Retriever: ret, Answerer: ans, logger: logger}
}

// AddResult reports what memory_add produced.
type AddResult struct {
	UnitsInserted int
	UnitIDs []uint64
}

// Add runs the compress-then-synthesize pipeline over one window of
// dialogue turns, tagging every resulting unit with sourceSessionID
// when one is in play.
func (e *Engine) Add(ctx context.Context, tenantID string, window []compressor.Turn, anchor time.Time, sourceSessionID string) (AddResult, error) {
	units, err := e.Compressor.Compress(ctx, window, anchor)
	if err != nil {
		return AddResult{}, err
	}

	result := AddResult{}
	for _, u := range units {
		if sourceSessionID != "" {
			u.Metadata.SourceSessionID = sourceSessionID
		}
		stored, err := e.Synthesizer.Process(ctx, tenantID, u)
		if err != nil {
			return result, err
		}
		result.UnitsInserted++
		if stored != nil {
			result.UnitIDs = append(result.UnitIDs, stored.ID)
		}
	}
	return result, nil
}

// QueryResult is what memory_query returns to a caller.
type QueryResult struct {
	AnswerText string
	CitedUnitIDs []uint64
	RetrievedIDs []uint64
}

// Query runs plan → retrieve → answer.
func (e *Engine) Query(ctx context.Context, tenantID, query string, history []string) (QueryResult, error) {
	plan, err := e.Planner.Plan(ctx, query, history)
	if err != nil {
		return QueryResult{}, err
	}

	results, err := e.Retriever.Retrieve(ctx, tenantID, plan)
	if err != nil {
		return QueryResult{}, err
	}

	ans, err := e.Answerer.Compose(ctx, query, results)
	if err != nil {
		return QueryResult{}, err
	}

	retrieved := make([]uint64, 0, len(results))
	for _, r := range results {
		retrieved = append(retrieved, r.Unit.ID)
	}

	return QueryResult{AnswerText: ans.Text, CitedUnitIDs: ans.CitedUnitIDs, RetrievedIDs: retrieved}, nil
}

// Delete tombstones a unit (memory_delete). It is not a hard delete —
// hard deletes only ever happen via consolidation's grace-interval
// garbage collection.
func (e *Engine) Delete(ctx context.Context, tenantID string, unitID uint64) error {
	units, err := e.Store.Get(ctx, tenantID, []uint64{unitID})
	if err != nil {
		return err
	}
	if len(units) == 0 {
		return memory.ErrUnitNotFound
	}
	return e.Store.Tombstone(ctx, tenantID, unitID)
}
