// Package lookupindex builds the run-scoped, read-only reference corpus
// index the enrichment engine's identifier and fuzzy-name strategies
// match against.
package lookupindex

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/normalize"
)

// Entity is one reference-corpus record available for lookup.
type Entity struct {
	SupplierID     string
	LegacyID       string
	NormalizedName string
	State          string
	DisplayName    string
	Address        string
}

// Index holds the multi-key indexes spec.md §4.4 names: exact supplier
// id, exact legacy id, a name collision bucket, and a (name, state)
// tie-breaker. Built once per run and shared read-only across
// enrichment workers.
type Index struct {
	bySupplierID map[string]Entity
	byLegacyID   map[string]Entity
	byName       map[string][]Entity
	byNameState  map[string][]Entity

	cache *lru.Cache[string, []Entity] // bounded fuzzy-candidate memo, keyed by normalized query name

	once  sync.Once
	built bool
}

// NewIndex creates an empty Index; call Build once to populate it.
func NewIndex(cacheSize int) *Index {
	if cacheSize <= 0 {
		cacheSize = 10000
	}
	cache, _ := lru.New[string, []Entity](cacheSize)
	return &Index{
		bySupplierID: make(map[string]Entity),
		byLegacyID:   make(map[string]Entity),
		byName:       make(map[string][]Entity),
		byNameState:  make(map[string][]Entity),
		cache:        cache,
	}
}

// Build populates the indexes from entities in O(n). Safe to call
// concurrently; only the first call does work.
func (idx *Index) Build(entities []Entity) {
	idx.once.Do(func() {
		for _, e := range entities {
			if e.SupplierID != "" {
				idx.bySupplierID[e.SupplierID] = e
			}
			if e.LegacyID != "" {
				idx.byLegacyID[e.LegacyID] = e
			}
			name := normalize.NormalizeName(e.NormalizedName)
			idx.byName[name] = append(idx.byName[name], e)
			if e.State != "" {
				key := name + "|" + e.State
				idx.byNameState[key] = append(idx.byNameState[key], e)
			}
		}
		idx.built = true
	})
}

// Built reports whether Build has completed.
func (idx *Index) Built() bool {
	return idx.built
}

// LookupSupplierID performs the exact supplier-id match.
func (idx *Index) LookupSupplierID(supplierID string) (Entity, bool) {
	e, ok := idx.bySupplierID[supplierID]
	return e, ok
}

// LookupLegacyID performs the exact legacy-id match.
func (idx *Index) LookupLegacyID(legacyID string) (Entity, bool) {
	e, ok := idx.byLegacyID[legacyID]
	return e, ok
}

// CandidatesByName returns the collision bucket for a normalized name,
// narrowed to state if state is non-empty and a tie-breaker bucket exists.
func (idx *Index) CandidatesByName(normalizedName, state string) []Entity {
	if state != "" {
		if cached, ok := idx.cache.Get(normalizedName + "|" + state); ok {
			return cached
		}
		if bucket, ok := idx.byNameState[normalizedName+"|"+state]; ok {
			idx.cache.Add(normalizedName+"|"+state, bucket)
			return bucket
		}
	}
	if cached, ok := idx.cache.Get(normalizedName); ok {
		return cached
	}
	bucket := idx.byName[normalizedName]
	idx.cache.Add(normalizedName, bucket)
	return bucket
}

// Size returns the number of distinct supplier-id entries, a proxy for
// corpus size used in run reports.
func (idx *Index) Size() int {
	return len(idx.bySupplierID)
}
