package store

import (
	"math"
	"sort"
	"sync"

	"github.com/simplemem/simplemem/internal/memory"
)

// BM25 tuning constants (standard Robertson/Sparck-Jones defaults).
const (
	bm25K1 = 1.2
	bm25B = 0.75
)

// lexicalIndex is the sparse-lexical view: a BM25-style inverted
// index rebuilt in memory from each unit's token multiset. It holds
// no durable state of its own — it is always derived from the units
// table, so it trivially stays consistent with whatever the WAL
// replay produced.
type lexicalIndex struct {
	mu sync.RWMutex
	postings map[string]map[uint64]int // term -> unit id -> term frequency
	docLength map[uint64]int
	totalDocs int
	totalTerms int
}

func newLexicalIndex() *lexicalIndex {
	return &lexicalIndex{
		postings: make(map[string]map[uint64]int),
		docLength: make(map[uint64]int),
	}
}

func (l *lexicalIndex) upsert(u *memory.Unit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(u.ID)

	freq := make(map[string]int)
	for _, tok := range u.Tokens {
		freq[tok]++
	}
	for term, n := range freq {
		if l.postings[term] == nil {
			l.postings[term] = make(map[uint64]int)
		}
		l.postings[term][u.ID] = n
	}
	l.docLength[u.ID] = len(u.Tokens)
	l.totalDocs++
	l.totalTerms += len(u.Tokens)
}

func (l *lexicalIndex) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(id)
}

func (l *lexicalIndex) removeLocked(id uint64) {
	if n, ok := l.docLength[id]; ok {
		l.totalDocs--
		l.totalTerms -= n
		delete(l.docLength, id)
	}
	for term, ids := range l.postings {
		if _, ok := ids[id]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(l.postings, term)
			}
		}
	}
}

// search scores every unit containing at least one query term via
// BM25 and returns the top k, highest score first.
func (l *lexicalIndex) search(terms []string, k int) []memory.Scored {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.totalDocs == 0 || k <= 0 || len(terms) == 0 {
		return nil
	}
	avgLen := float64(l.totalTerms) / float64(l.totalDocs)

	scores := make(map[uint64]float64)
	for _, term := range terms {
		ids := l.postings[term]
		if len(ids) == 0 {
			continue
		}
		idf := math.Log(1 + (float64(l.totalDocs)-float64(len(ids))+0.5)/(float64(len(ids))+0.5))
		for id, tf := range ids {
			dl := float64(l.docLength[id])
			denom := float64(tf) + bm25K1*(1-bm25B+bm25B*dl/avgLen)
			scores[id] += idf * (float64(tf) * (bm25K1 + 1)) / denom
		}
	}

	out := make([]memory.Scored, 0, len(scores))
	for id, score := range scores {
		out = append(out, memory.Scored{ID: id, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out
}
