package store

import (
	"context"
	"fmt"
	"strconv"

	chromem "github.com/philippgille/chromem-go"

	"github.com/simplemem/simplemem/internal/memory"
)

// vectorIndex is the dense-semantic view over a tenant's units,
// backed by an embedded chromem-go collection. Embeddings always
// arrive precomputed from the provider gateway — the collection's
// embedding func is never actually invoked, since every chromem.Document
// we add carries its Embedding field already.
type vectorIndex struct {
	collection *chromem.Collection
}

func openVectorIndex(db *chromem.DB, name string) (*vectorIndex, error) {
	collection, err := db.GetOrCreateCollection(name, nil, precomputedOnlyEmbeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("store: open vector collection %s: %w", name, err)
	}
	return &vectorIndex{collection: collection}, nil
}

func precomputedOnlyEmbeddingFunc(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("store: vector index requires a precomputed embedding")
}

func (v *vectorIndex) upsert(ctx context.Context, u *memory.Unit) error {
	doc := chromem.Document{
		ID: strconv.FormatUint(u.ID, 10),
		Content: u.Text,
		Embedding: u.Embedding,
		Metadata: map[string]string{"timestamp_utc": u.Metadata.TimestampUTC.UTC().Format("2006-01-02T15:04:05Z07:00")},
	}
	return v.collection.AddDocument(ctx, doc)
}

func (v *vectorIndex) remove(ids...string) error {
	return v.collection.Delete(context.Background(), nil, nil, ids...)
}

// search returns the k nearest units to query by cosine similarity,
// monotonic in similarity.
func (v *vectorIndex) search(ctx context.Context, query []float32, k int) ([]memory.Scored, error) {
	count := v.collection.Count()
	if count == 0 || k <= 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}
	results, err := v.collection.QueryEmbedding(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("store: vector search: %w", err)
	}
	out := make([]memory.Scored, 0, len(results))
	for _, r := range results {
		id, err := strconv.ParseUint(r.ID, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, memory.Scored{ID: id, Score: float64(r.Similarity)})
	}
	return out, nil
}
