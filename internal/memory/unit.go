// Package memory holds the core SimpleMem domain types: memory units,
// sessions, events and observations, plus the error kinds every layer
// above the tenant store maps its failures onto.
package memory

import "time"

// Kind distinguishes atomic units produced by the compressor from
// synthesized units produced by the online merge step.
type Kind string

const (
	KindAtomic Kind = "atomic"
	KindSynthesized Kind = "synthesized"
)

// Metadata carries the structured facets attached to a unit at write
// time; all of it is queried by the symbolic index.
type Metadata struct {
	TimestampUTC time.Time `json:"timestamp_utc"`
	Entities []string `json:"entities,omitempty"`
	Persons []string `json:"persons,omitempty"`
	SourceSessionID string `json:"source_session_id,omitempty"`
	SourceEventIDs []string `json:"source_event_ids,omitempty"`
}

// Unit is the atomic fact stored by the tenant store. Ids are
// monotonic and never reused within a tenant; text is
// context-free; Metadata.TimestampUTC is always absolute.
type Unit struct {
	ID uint64 `json:"id"`
	TenantID string `json:"-"`
	Text string `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
	Tokens []string `json:"tokens,omitempty"`
	Metadata Metadata `json:"metadata"`
	Kind Kind `json:"kind"`
	Children []uint64 `json:"children,omitempty"`
	Tombstoned bool `json:"tombstoned"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ScoreDecay float64 `json:"score_decay"`
}

// Patch describes a partial update to a unit; zero-value fields are
// left untouched except where a pointer makes absence explicit.
type Patch struct {
	Text *string
	Children []uint64
	ScoreDecay *float64
	Tombstoned *bool
}

// Scored pairs a unit id with a view-local relevance score, as
// returned by the three search primitives (vector, lexical, symbolic).
type Scored struct {
	ID uint64
	Score float64
}
