// Package transform implements the pipeline's business-logic stage:
// deduplication, patent assignment chain construction, current-ownership
// resolution, company aggregation, and NAICS-to-sector mapping.
package transform

import (
	"fmt"
	"sort"
	"time"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/model"
)

// Deduper merges records sharing a canonical id: later records update
// earlier attributes field-by-field, and all source_contexts are
// accumulated into a single merged list.
type Deduper struct {
	byID  map[string]*model.Award
	order []string
}

// NewDeduper creates an empty Deduper.
func NewDeduper() *Deduper {
	return &Deduper{byID: make(map[string]*model.Award)}
}

// Add merges one award into the running canonical set, keyed by AwardID.
// If an award with the same id was seen before, non-zero fields on the
// new record overwrite the stored one, and source_contexts are unioned.
func (d *Deduper) Add(a model.Award) {
	existing, ok := d.byID[a.AwardID]
	if !ok {
		cp := a
		d.byID[a.AwardID] = &cp
		d.order = append(d.order, a.AwardID)
		return
	}
	merged := mergeAward(*existing, a)
	*existing = merged
}

// mergeAward applies "later record wins" field-by-field for non-empty
// fields on the newer record, and unions source_contexts.
func mergeAward(older, newer model.Award) model.Award {
	out := older
	if newer.CompanyRef != "" {
		out.CompanyRef = newer.CompanyRef
	}
	if newer.Agency != "" {
		out.Agency = newer.Agency
	}
	if newer.Program != "" {
		out.Program = newer.Program
	}
	if newer.Phase != "" {
		out.Phase = newer.Phase
	}
	if newer.AmountCents != 0 {
		out.AmountCents = newer.AmountCents
	}
	if !newer.AwardDate.IsZero() {
		out.AwardDate = newer.AwardDate
	}
	if newer.SupplierID != "" {
		out.SupplierID = newer.SupplierID
	}
	if newer.LegacyID != "" {
		out.LegacyID = newer.LegacyID
	}
	if newer.NAICSCode != "" {
		out.NAICSCode = newer.NAICSCode
	}
	if newer.Abstract != "" {
		out.Abstract = newer.Abstract
	}
	out.SourceContexts = unionStrings(older.SourceContexts, newer.SourceContexts)
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Awards returns the deduplicated awards in first-seen order.
func (d *Deduper) Awards() []model.Award {
	out := make([]model.Award, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *d.byID[id])
	}
	return out
}

// Chain is one patent's fully linked, ordered assignment history.
type Chain struct {
	PatentKey        string
	Assignments      []model.PatentAssignment // ordered by RecordDate, PredecessorRFID filled in
	CurrentAssignees []string
	Span             time.Duration
}

// CycleError reports a corrupt patent assignment chain: a cycle implies
// a predecessor/successor loop, which cannot occur in real filings.
type CycleError struct {
	PatentKey string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("patent assignment chain %q contains a cycle", e.PatentKey)
}

// BuildChains groups assignments by patent key, orders each group by
// record date, links each assignment to its predecessor, and resolves
// current ownership. A chain whose assignments form a cycle (detectable
// once predecessors are linked from input already carrying a
// PredecessorRFID) is rejected with a *CycleError and omitted from the
// result; callers should log it as a warning and continue with the rest.
func BuildChains(assignments []model.PatentAssignment) (map[string]Chain, []error) {
	byPatent := make(map[string][]model.PatentAssignment)
	for _, a := range assignments {
		byPatent[a.PatentKey] = append(byPatent[a.PatentKey], a)
	}

	chains := make(map[string]Chain, len(byPatent))
	var errs []error
	for patentKey, group := range byPatent {
		sort.Slice(group, func(i, j int) bool {
			return group[i].RecordDate.Before(group[j].RecordDate)
		})
		linked := make([]model.PatentAssignment, len(group))
		for i, a := range group {
			if i > 0 {
				a.PredecessorRFID = group[i-1].RFID
			}
			linked[i] = a
		}
		if hasCycle(linked) {
			errs = append(errs, &CycleError{PatentKey: patentKey})
			continue
		}

		chains[patentKey] = Chain{
			PatentKey:        patentKey,
			Assignments:      linked,
			CurrentAssignees: currentOwners(linked),
			Span:             span(linked),
		}
	}
	return chains, errs
}

// hasCycle walks predecessor links and reports whether any RFID is
// reachable from itself, which would indicate corrupt input.
func hasCycle(chain []model.PatentAssignment) bool {
	byRFID := make(map[string]string, len(chain)) // rfid -> predecessor rfid
	for _, a := range chain {
		byRFID[a.RFID] = a.PredecessorRFID
	}
	for _, a := range chain {
		seen := map[string]bool{a.RFID: true}
		cur := a.PredecessorRFID
		for cur != "" {
			if seen[cur] {
				return true
			}
			seen[cur] = true
			cur = byRFID[cur]
		}
	}
	return false
}

// currentOwners resolves ownership per spec.md §4.6: the last
// ASSIGNMENT-type entry in the chain defines current assignees; LICENSE
// and SECURITY_INTEREST entries do not change ownership.
func currentOwners(chain []model.PatentAssignment) []string {
	var current []string
	for _, a := range chain {
		if a.Conveyance == model.ConveyanceAssignment || a.Conveyance == model.ConveyanceMerger {
			current = a.Assignees
		}
	}
	return current
}

func span(chain []model.PatentAssignment) time.Duration {
	if len(chain) == 0 {
		return 0
	}
	first, last := chain[0].RecordDate, chain[0].RecordDate
	for _, a := range chain {
		if a.RecordDate.Before(first) {
			first = a.RecordDate
		}
		if a.RecordDate.After(last) {
			last = a.RecordDate
		}
	}
	return last.Sub(first)
}

// CompanyMetrics is the single-pass aggregation of one company's awards.
type CompanyMetrics struct {
	CompanyRef        string
	AwardCount        int
	TotalFundingCents int64
	CategoryCounts    map[string]int
	PhaseCounts       map[model.Phase]int
	FirstAwardDate    time.Time
	LastAwardDate     time.Time
}

// AggregateCompanies computes per-company metrics in one grouped pass
// over the enriched awards stream, per spec.md §4.6.
func AggregateCompanies(awards []model.Award, categories map[string][]string) map[string]*CompanyMetrics {
	out := make(map[string]*CompanyMetrics)
	for _, a := range awards {
		if a.CompanyRef == "" {
			continue
		}
		m, ok := out[a.CompanyRef]
		if !ok {
			m = &CompanyMetrics{
				CompanyRef:     a.CompanyRef,
				CategoryCounts: make(map[string]int),
				PhaseCounts:    make(map[model.Phase]int),
			}
			out[a.CompanyRef] = m
		}
		m.AwardCount++
		m.TotalFundingCents += a.AmountCents
		m.PhaseCounts[a.Phase]++
		for _, cat := range categories[a.AwardID] {
			m.CategoryCounts[cat]++
		}
		if m.FirstAwardDate.IsZero() || a.AwardDate.Before(m.FirstAwardDate) {
			m.FirstAwardDate = a.AwardDate
		}
		if m.LastAwardDate.IsZero() || a.AwardDate.After(m.LastAwardDate) {
			m.LastAwardDate = a.AwardDate
		}
	}
	return out
}

// SectorMapper resolves a NAICS code to a sector label via a static
// lookup table, falling back to the enrichment engine's sector_fallback
// default when a code is unresolved.
type SectorMapper struct {
	table    map[string]string
	fallback string
}

// NewSectorMapper builds a mapper from a NAICS-code-to-sector table and
// the fallback sector used when a code is absent from it.
func NewSectorMapper(table map[string]string, fallback string) *SectorMapper {
	cp := make(map[string]string, len(table))
	for k, v := range table {
		cp[k] = v
	}
	return &SectorMapper{table: cp, fallback: fallback}
}

// Sector resolves a NAICS code, returning the fallback sector and false
// when the code is unresolved.
func (m *SectorMapper) Sector(naicsCode string) (string, bool) {
	if s, ok := m.table[naicsCode]; ok {
		return s, true
	}
	return m.fallback, false
}
