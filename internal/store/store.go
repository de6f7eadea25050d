// Package store implements the per-tenant triple index : a
// vector view, a lexical view and a symbolic view over the same set
// of memory units, kept mutually consistent by a write-ahead log that
// every mutation passes through before any view is touched.
//
// Persistence model: the WAL is the only durable artifact. The units
// table, the lexical postings and the vector collection are all
// rebuilt by replaying the WAL at Open — so "all three views updated
// or none" reduces to "the WAL entry was durably appended or it
// wasn't", which the atomic-rename discipline in wal.go guarantees.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/simplemem/simplemem/internal/memory"
)

// Store owns every tenant's triple index under a single base
// directory; tenant handles are opened lazily and cached.
type Store struct {
	baseDir string
	logger *zap.Logger

	mu sync.RWMutex
	tenants map[string]*tenantHandle
}

// New returns a Store rooted at baseDir. Nothing is read from disk
// until a tenant is first touched.
func New(baseDir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("store: create base dir: %w", err)
	}
	return &Store{baseDir: baseDir, logger: logger, tenants: make(map[string]*tenantHandle)}, nil
}

// tenantHandle is the scoped resource graph for one tenant: opening,
// locking and closing all of a tenant's indexes together, per the
// so a partially-open tenant handle is never left behind.
type tenantHandle struct {
	tenantID string
	writeMu sync.Mutex // serializes all writes to this tenant (single-writer lock)

	unitsMu sync.RWMutex
	units map[uint64]*memory.Unit
	nextID uint64

	vector *vectorIndex
	lexical *lexicalIndex
	wal *wal
	logger *zap.Logger
}

func (s *Store) openTenant(tenantID string) (*tenantHandle, error) {
	s.mu.RLock()
	h, ok := s.tenants[tenantID]
	s.mu.RUnlock()
	if ok {
		return h, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.tenants[tenantID]; ok {
		return h, nil
	}

	dir := filepath.Join(s.baseDir, tenantID)
	w, err := openWAL(filepath.Join(dir, "wal"), s.logger)
	if err != nil {
		return nil, err
	}

	db := chromem.NewDB()
	vec, err := openVectorIndex(db, tenantID+"_units")
	if err != nil {
		return nil, err
	}

	h = &tenantHandle{
		tenantID: tenantID,
		units: make(map[uint64]*memory.Unit),
		vector: vec,
		lexical: newLexicalIndex(),
		wal: w,
		logger: s.logger,
	}

	entries, err := w.replay()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		h.applyLocked(e)
	}

	s.tenants[tenantID] = h
	return h, nil
}

// applyLocked mutates the in-memory views from a single WAL entry;
// used both for fresh writes and for replay at Open.
func (h *tenantHandle) applyLocked(e walEntry) {
	switch e.Op {
	case opInsert:
		u := e.Unit
		h.units[u.ID] = &u
		h.lexical.upsert(&u)
		if err := h.vector.upsert(context.Background(), &u); err != nil {
			h.logger.Warn("store: failed to index unit into vector view", zap.Uint64("id", u.ID), zap.Error(err))
		}
		if u.ID >= h.nextID {
			h.nextID = u.ID + 1
		}
	case opUpdate:
		u := e.Unit
		h.units[u.ID] = &u
		h.lexical.upsert(&u)
		if err := h.vector.upsert(context.Background(), &u); err != nil {
			h.logger.Warn("store: failed to reindex unit into vector view", zap.Uint64("id", u.ID), zap.Error(err))
		}
	case opTombstone:
		if u, ok := h.units[e.UnitID]; ok {
			u.Tombstoned = true
		}
	}
}

// Insert assigns the next monotonic id for the tenant, writes it
// through the WAL, and applies it to all three views.
func (s *Store) Insert(ctx context.Context, tenantID string, u memory.Unit) (memory.Unit, error) {
	h, err := s.openTenant(tenantID)
	if err != nil {
		return memory.Unit{}, err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.unitsMu.Lock()
	u.ID = h.nextID
	h.nextID++
	h.unitsMu.Unlock()

	entry, err := h.wal.append(opInsert, u, u.ID)
	if err != nil {
		return memory.Unit{}, memory.New(memory.KindStoreError, err)
	}

	h.unitsMu.Lock()
	h.applyLocked(entry)
	h.unitsMu.Unlock()

	return u, nil
}

// Update applies patch to unit id, going through the WAL first.
func (s *Store) Update(ctx context.Context, tenantID string, id uint64, patch memory.Patch) (memory.Unit, error) {
	h, err := s.openTenant(tenantID)
	if err != nil {
		return memory.Unit{}, err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.unitsMu.RLock()
	existing, ok := h.units[id]
	h.unitsMu.RUnlock()
	if !ok {
		return memory.Unit{}, memory.ErrUnitNotFound
	}

	updated := *existing
	if patch.Text != nil {
		updated.Text = *patch.Text
	}
	if patch.Children != nil {
		updated.Children = patch.Children
	}
	if patch.ScoreDecay != nil {
		updated.ScoreDecay = *patch.ScoreDecay
	}
	if patch.Tombstoned != nil {
		updated.Tombstoned = *patch.Tombstoned
	}

	entry, err := h.wal.append(opUpdate, updated, id)
	if err != nil {
		return memory.Unit{}, memory.New(memory.KindStoreError, err)
	}

	h.unitsMu.Lock()
	h.applyLocked(entry)
	h.unitsMu.Unlock()

	return updated, nil
}

// Tombstone marks id as tombstoned without removing it — children of
// a synthesized unit must remain addressable.
func (s *Store) Tombstone(ctx context.Context, tenantID string, id uint64) error {
	h, err := s.openTenant(tenantID)
	if err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.unitsMu.RLock()
	_, ok := h.units[id]
	h.unitsMu.RUnlock()
	if !ok {
		return memory.ErrUnitNotFound
	}

	entry, err := h.wal.append(opTombstone, memory.Unit{}, id)
	if err != nil {
		return memory.New(memory.KindStoreError, err)
	}

	h.unitsMu.Lock()
	h.applyLocked(entry)
	h.unitsMu.Unlock()
	return nil
}

// Get loads units by id, skipping unknown ids silently (callers that
// need NotFound semantics check length against the input).
func (s *Store) Get(ctx context.Context, tenantID string, ids []uint64) ([]*memory.Unit, error) {
	h, err := s.openTenant(tenantID)
	if err != nil {
		return nil, err
	}
	h.unitsMu.RLock()
	defer h.unitsMu.RUnlock()

	out := make([]*memory.Unit, 0, len(ids))
	for _, id := range ids {
		if u, ok := h.units[id]; ok {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

// snapshot returns a repeatable-read view of all non-tombstoned units
// for symbolic filtering, taken under the reader lock.
func (h *tenantHandle) snapshot() []*memory.Unit {
	h.unitsMu.RLock()
	defer h.unitsMu.RUnlock()
	out := make([]*memory.Unit, 0, len(h.units))
	for _, u := range h.units {
		cp := *u
		out = append(out, &cp)
	}
	return out
}

// VectorSearch runs the dense-semantic view (vector_search).
func (s *Store) VectorSearch(ctx context.Context, tenantID string, query []float32, k int) ([]memory.Scored, error) {
	h, err := s.openTenant(tenantID)
	if err != nil {
		return nil, err
	}
	return h.vector.search(ctx, query, k)
}

// LexicalSearch runs the sparse-lexical view (lexical_search).
func (s *Store) LexicalSearch(ctx context.Context, tenantID string, terms []string, k int) ([]memory.Scored, error) {
	h, err := s.openTenant(tenantID)
	if err != nil {
		return nil, err
	}
	return h.lexical.search(terms, k), nil
}

// SymbolicFilter runs the structured-metadata view (symbolic_filter).
func (s *Store) SymbolicFilter(ctx context.Context, tenantID string, p Predicate, k int) ([]uint64, error) {
	h, err := s.openTenant(tenantID)
	if err != nil {
		return nil, err
	}
	return symbolicFilter(h.snapshot(), p, k), nil
}

// TenantIDs returns the ids of every tenant opened so far in this
// process, used by the consolidator to enumerate sweep targets.
func (s *Store) TenantIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	return ids
}

// AllUnits returns a snapshot of every non-tombstoned unit for the
// tenant, used by the consolidator's decay/merge/prune sweep.
func (s *Store) AllUnits(ctx context.Context, tenantID string) ([]*memory.Unit, error) {
	h, err := s.openTenant(tenantID)
	if err != nil {
		return nil, err
	}
	all := h.snapshot()
	out := make([]*memory.Unit, 0, len(all))
	for _, u := range all {
		if !u.Tombstoned {
			out = append(out, u)
		}
	}
	return out, nil
}
