package store

import (
	"time"

	"github.com/simplemem/simplemem/internal/memory"
)

// Predicate is the symbolic filter contract: an equality
// check over persons/entities and an optional absolute-time window.
type Predicate struct {
	TimestampAfter *time.Time
	TimestampBefore *time.Time
	Persons []string // must contain all of these
	Entities []string // must contain all of these
}

func (p Predicate) empty() bool {
	return p.TimestampAfter == nil && p.TimestampBefore == nil && len(p.Persons) == 0 && len(p.Entities) == 0
}

func (p Predicate) matches(u *memory.Unit) bool {
	if p.TimestampAfter != nil && u.Metadata.TimestampUTC.Before(*p.TimestampAfter) {
		return false
	}
	if p.TimestampBefore != nil && u.Metadata.TimestampUTC.After(*p.TimestampBefore) {
		return false
	}
	for _, want := range p.Persons {
		if !contains(u.Metadata.Persons, want) {
			return false
		}
	}
	for _, want := range p.Entities {
		if !contains(u.Metadata.Entities, want) {
			return false
		}
	}
	return true
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// symbolicFilter scans a snapshot of units applying predicate p,
// unordered by score, truncated to k.
func symbolicFilter(units []*memory.Unit, p Predicate, k int) []uint64 {
	if p.empty() || k <= 0 {
		return nil
	}
	out := make([]uint64, 0, k)
	for _, u := range units {
		if u.Tombstoned {
			continue
		}
		if p.matches(u) {
			out = append(out, u.ID)
			if len(out) >= k {
				break
			}
		}
	}
	return out
}
