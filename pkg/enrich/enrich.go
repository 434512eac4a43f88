// Package enrich implements the fallback-chain enrichment engine: for
// each target record and requested field, it walks an ordered list of
// strategies and keeps the highest-confidence value reachable, recording
// every attempt as evidence.
package enrich

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hollomancer/sbir-analytics-sub004/internal/metrics"
	"github.com/hollomancer/sbir-analytics-sub004/internal/resilience"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/lookupindex"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/model"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/normalize"
)

// Strategy identifies one of the eight enumerated enrichment approaches.
type Strategy string

const (
	StrategyKeepOriginal    Strategy = "keep_original"
	StrategyIdentifierExact Strategy = "identifier_exact"
	StrategyLegacyID        Strategy = "legacy_id"
	StrategyAPILookup       Strategy = "api_lookup"
	StrategyFuzzyName       Strategy = "fuzzy_name"
	StrategyProximityFilter Strategy = "proximity_filter"
	StrategyDomainDefault   Strategy = "domain_default"
	StrategySectorFallback  Strategy = "sector_fallback"
)

// baseConfidence returns the published base confidence for a strategy.
func baseConfidence(s Strategy) float64 {
	switch s {
	case StrategyKeepOriginal:
		return 0.95
	case StrategyIdentifierExact:
		return 0.90
	case StrategyLegacyID:
		return 0.85
	case StrategyAPILookup:
		return 0.85
	case StrategyFuzzyName:
		return 0.70
	case StrategyDomainDefault:
		return 0.50
	case StrategySectorFallback:
		return 0.30
	default:
		return 0
	}
}

// PlanStep is one entry in a target field's ordered fallback plan.
type PlanStep struct {
	Source             string
	Strategy           Strategy
	Priority           int
	Enabled            bool
	FuzzyMinSimilarity float64 // used by StrategyFuzzyName and StrategyProximityFilter

	// AddressPostcodePrefixLen bounds how many leading postcode digits must
	// agree for StrategyProximityFilter to accept a fuzzy candidate (e.g. 5
	// for full ZIP5, 3 for a looser regional match). Zero means the full
	// postcode must match.
	AddressPostcodePrefixLen int
}

// Plan is the fallback plan for one output field.
type Plan struct {
	FieldName     string
	Steps         []PlanStep
	StopThreshold float64 // default 0.80 per the enumerated execution policy
}

// Target is one record being enriched: its identifying fields plus
// whatever raw values are already present for the requested output fields.
type Target struct {
	RecordID   string
	Name       string
	SupplierID string
	LegacyID   string
	State      string
	Address    string
	Agency     string
	RawValues  map[string]string // field name -> original value, if present
}

// APIClient is an external registry lookup used by StrategyAPILookup.
// Implementations own their own connection pool; the engine only
// supplies circuit breaking and rate limiting around calls to it.
type APIClient interface {
	// Lookup returns the authoritative value for target's identity, or
	// ok=false if the registry has no record. A non-nil error with
	// Retryable() true is treated as ExternalTransient; otherwise
	// ExternalPermanent.
	Lookup(ctx context.Context, target Target) (value string, ok bool, err error)
}

// RetryableError marks an APIClient error as eligible for backoff retry.
type RetryableError interface {
	Retryable() bool
}

// Resources bundles the shared, read-only resources available to every
// enrichment worker for the duration of a run.
type Resources struct {
	Index          *lookupindex.Index
	API            map[string]APIClient // source name -> client
	Breaker        map[string]*resilience.CircuitBreaker
	Limiter        map[string]*resilience.TokenBucket
	DomainDefaults map[string]string // agency -> default NAICS
	SectorFallback string
}

// Engine runs fallback plans over a stream of targets.
type Engine struct {
	resources   Resources
	retryConfig resilience.RetryConfig
	workerCount int
}

// NewEngine creates an Engine with workerCount concurrent workers (each
// processing one target's full set of field plans at a time).
func NewEngine(resources Resources, workerCount int) *Engine {
	if workerCount <= 0 {
		workerCount = 4
	}
	return &Engine{
		resources:   resources,
		retryConfig: resilience.DefaultRetryConfig(),
		workerCount: workerCount,
	}
}

// EnrichOne evaluates every plan against one target, returning one
// EnrichmentResult per plan. ctx cancellation discards the in-progress
// field and returns what was already produced for earlier fields.
func (e *Engine) EnrichOne(ctx context.Context, target Target, plans []Plan) []model.EnrichmentResult {
	results := make([]model.EnrichmentResult, 0, len(plans))
	for _, plan := range plans {
		if ctx.Err() != nil {
			break
		}
		r := e.evaluatePlan(ctx, target, plan)
		if ctx.Err() != nil {
			break
		}
		results = append(results, r)
	}
	return results
}

// EnrichBatch fans targets out across the engine's worker pool. Workers
// may finish in any order, but the output is index-aligned with the
// input: output[i] holds the results for targets[i].
func (e *Engine) EnrichBatch(ctx context.Context, targets []Target, plans []Plan) [][]model.EnrichmentResult {
	type indexed struct {
		i       int
		results []model.EnrichmentResult
	}

	in := make(chan int)
	out := make(chan indexed, len(targets))

	var workers int
	if e.workerCount < len(targets) {
		workers = e.workerCount
	} else {
		workers = len(targets)
	}
	if workers == 0 {
		return nil
	}

	for w := 0; w < workers; w++ {
		go func() {
			for i := range in {
				out <- indexed{i: i, results: e.EnrichOne(ctx, targets[i], plans)}
			}
		}()
	}

	go func() {
		defer close(in)
		for i := range targets {
			select {
			case in <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	output := make([][]model.EnrichmentResult, len(targets))
	for range targets {
		r := <-out
		output[r.i] = r.results
	}
	return output
}

func (e *Engine) evaluatePlan(ctx context.Context, target Target, plan Plan) model.EnrichmentResult {
	stopThreshold := plan.StopThreshold
	if stopThreshold <= 0 {
		stopThreshold = 0.80
	}

	steps := make([]PlanStep, len(plan.Steps))
	copy(steps, plan.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Priority < steps[j].Priority })

	var candidates []model.EnrichmentCandidate
	var winner *model.EnrichmentCandidate
	var winnerStep PlanStep

	for _, step := range steps {
		if !step.Enabled {
			continue
		}
		value, confidence, evidence, matched := e.attempt(ctx, target, step)
		metrics.RecordEnrichmentAttempt(step.Source, matched, confidence)

		cand := model.EnrichmentCandidate{
			Source:     sourceTag(step.Strategy),
			Value:      value,
			Confidence: confidence,
			Evidence:   evidence,
		}
		if matched {
			candidates = append(candidates, cand)
			if confidence >= stopThreshold {
				winner = &cand
				winnerStep = step
				break
			}
		} else {
			candidates = append(candidates, cand)
		}
	}

	if winner == nil {
		winner, winnerStep = pickBestCandidate(candidates, steps)
	}

	result := model.EnrichmentResult{
		TargetRecordID: target.RecordID,
		FieldName:      plan.FieldName,
		OriginalValue:  target.RawValues[plan.FieldName],
		Timestamp:      time.Now().UTC(),
		Alternates:     candidates,
	}
	if winner != nil {
		result.EnrichedValue = winner.Value
		result.Confidence = winner.Confidence
		result.Source = winner.Source
		result.Method = string(winnerStep.Strategy)
		result.Evidence = winner.Evidence
	} else {
		result.Source = model.SourceNoMatch
		result.Confidence = 0
		result.Evidence = map[string]interface{}{"reason": "no strategy produced a value"}
	}
	return result
}

// pickBestCandidate picks the maximum-confidence matched candidate, with
// deterministic tie-break by source priority then strategy order, per
// the documented execution policy.
func pickBestCandidate(candidates []model.EnrichmentCandidate, steps []PlanStep) (*model.EnrichmentCandidate, PlanStep) {
	// evaluatePlan appends one candidate per enabled step, in step order.
	enabled := make([]PlanStep, 0, len(steps))
	for _, s := range steps {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}

	var best *model.EnrichmentCandidate
	var bestStep PlanStep
	for i := range candidates {
		c := candidates[i]
		if c.Confidence <= 0 {
			continue
		}
		var step PlanStep
		if i < len(enabled) {
			step = enabled[i]
		}
		switch {
		case best == nil:
			best = &candidates[i]
			bestStep = step
		case c.Confidence > best.Confidence:
			best = &candidates[i]
			bestStep = step
		case c.Confidence == best.Confidence && step.Priority < bestStep.Priority:
			best = &candidates[i]
			bestStep = step
		}
	}
	return best, bestStep
}

func sourceTag(s Strategy) model.EnrichmentSourceTag {
	switch s {
	case StrategyKeepOriginal:
		return model.SourceOriginal
	case StrategyIdentifierExact:
		return model.SourceIdentifierExact
	case StrategyLegacyID:
		return model.SourceLegacyID
	case StrategyAPILookup:
		return model.SourceAPILookup
	case StrategyFuzzyName, StrategyProximityFilter:
		return model.SourceNameFuzzy
	case StrategyDomainDefault:
		return model.SourceDomainDefault
	case StrategySectorFallback:
		return model.SourceSectorFallback
	default:
		return model.SourceNoMatch
	}
}

// attempt runs one strategy step and returns (value, confidence, evidence, matched).
func (e *Engine) attempt(ctx context.Context, target Target, step PlanStep) (string, float64, map[string]interface{}, bool) {
	switch step.Strategy {
	case StrategyKeepOriginal:
		return e.attemptKeepOriginal(target)
	case StrategyIdentifierExact:
		return e.attemptIdentifierExact(target)
	case StrategyLegacyID:
		return e.attemptLegacyID(target)
	case StrategyAPILookup:
		return e.attemptAPILookup(ctx, target, step)
	case StrategyFuzzyName:
		return e.attemptFuzzyName(target, step)
	case StrategyProximityFilter:
		return e.attemptProximityFilter(target, step)
	case StrategyDomainDefault:
		return e.attemptDomainDefault(target)
	case StrategySectorFallback:
		return e.attemptSectorFallback()
	default:
		return "", 0, map[string]interface{}{"reason": "unknown strategy"}, false
	}
}

func (e *Engine) attemptKeepOriginal(target Target) (string, float64, map[string]interface{}, bool) {
	if target.Name == "" {
		return "", 0, map[string]interface{}{"reason": "no original value present"}, false
	}
	return target.Name, baseConfidence(StrategyKeepOriginal), map[string]interface{}{"value": target.Name}, true
}

func (e *Engine) attemptIdentifierExact(target Target) (string, float64, map[string]interface{}, bool) {
	if e.resources.Index == nil || target.SupplierID == "" {
		return "", 0, map[string]interface{}{"reason": "no supplier id"}, false
	}
	entity, ok := e.resources.Index.LookupSupplierID(target.SupplierID)
	if !ok {
		return "", 0, map[string]interface{}{"reason": "supplier id not found in index"}, false
	}
	return entity.DisplayName, baseConfidence(StrategyIdentifierExact), map[string]interface{}{"matched_supplier_id": target.SupplierID}, true
}

func (e *Engine) attemptLegacyID(target Target) (string, float64, map[string]interface{}, bool) {
	if e.resources.Index == nil || target.LegacyID == "" {
		return "", 0, map[string]interface{}{"reason": "no legacy id"}, false
	}
	entity, ok := e.resources.Index.LookupLegacyID(target.LegacyID)
	if !ok {
		return "", 0, map[string]interface{}{"reason": "legacy id not found in index"}, false
	}
	return entity.DisplayName, baseConfidence(StrategyLegacyID), map[string]interface{}{"matched_legacy_id": target.LegacyID}, true
}

func (e *Engine) attemptAPILookup(ctx context.Context, target Target, step PlanStep) (string, float64, map[string]interface{}, bool) {
	client, ok := e.resources.API[step.Source]
	if !ok {
		return "", 0, map[string]interface{}{"reason": "no API client configured for source"}, false
	}

	if limiter, ok := e.resources.Limiter[step.Source]; ok {
		if err := limiter.Wait(ctx); err != nil {
			return "", 0, map[string]interface{}{"reason": fmt.Sprintf("rate limiter wait failed: %v", err)}, false
		}
	}

	var value string
	var found bool
	call := func() error {
		v, ok, err := client.Lookup(ctx, target)
		if err != nil {
			if re, isRetryable := err.(RetryableError); isRetryable && re.Retryable() {
				return err
			}
			return backoff.Permanent(err)
		}
		value, found = v, ok
		return nil
	}

	run := func() error { return resilience.Retry(ctx, e.retryConfig, call) }
	if breaker, ok := e.resources.Breaker[step.Source]; ok {
		if err := breaker.Execute(ctx, run); err != nil {
			return "", 0, map[string]interface{}{"reason": fmt.Sprintf("api lookup failed: %v", err)}, false
		}
	} else if err := run(); err != nil {
		return "", 0, map[string]interface{}{"reason": fmt.Sprintf("api lookup failed: %v", err)}, false
	}

	if !found {
		return "", 0, map[string]interface{}{"reason": "registry has no record"}, false
	}
	return value, baseConfidence(StrategyAPILookup), map[string]interface{}{"source": step.Source}, true
}

// bestFuzzyCandidate finds the index entity whose normalized name best
// matches target.Name, shared by StrategyFuzzyName and
// StrategyProximityFilter so the latter can inspect the matched entity's
// address instead of just its display name.
func (e *Engine) bestFuzzyCandidate(target Target, step PlanStep) (entity lookupindex.Entity, ratio float64, candidateCount int, ok bool) {
	if e.resources.Index == nil || target.Name == "" {
		return lookupindex.Entity{}, 0, 0, false
	}
	threshold := step.FuzzyMinSimilarity
	if threshold <= 0 {
		threshold = 0.70
	}

	normalizedQuery := normalize.NormalizeName(target.Name)
	candidates := e.resources.Index.CandidatesByName(normalizedQuery, target.State)

	var best lookupindex.Entity
	var bestRatio float64
	for _, c := range candidates {
		r := normalize.TokenSortRatio(normalizedQuery, normalize.NormalizeName(c.NormalizedName))
		if r > bestRatio {
			bestRatio = r
			best = c
		}
	}

	if bestRatio < threshold {
		return lookupindex.Entity{}, bestRatio, len(candidates), false
	}
	return best, bestRatio, len(candidates), true
}

func (e *Engine) attemptFuzzyName(target Target, step PlanStep) (string, float64, map[string]interface{}, bool) {
	cand, ratio, count, ok := e.bestFuzzyCandidate(target, step)
	if !ok {
		return "", 0, map[string]interface{}{"reason": "no candidate above similarity threshold", "best_ratio": ratio}, false
	}
	confidence := baseConfidence(StrategyFuzzyName) * ratio
	return cand.DisplayName, confidence, map[string]interface{}{"similarity": ratio, "candidate_count": count}, true
}

// attemptProximityFilter accepts a fuzzy-name candidate only if its address
// agrees with the target's within the configured postcode prefix; agreement
// raises confidence above the plain fuzzy-name base rate, disagreement
// rejects the candidate outright rather than just tagging evidence.
func (e *Engine) attemptProximityFilter(target Target, step PlanStep) (string, float64, map[string]interface{}, bool) {
	cand, ratio, count, ok := e.bestFuzzyCandidate(target, step)
	if !ok {
		return "", 0, map[string]interface{}{"reason": "no candidate above similarity threshold", "best_ratio": ratio}, false
	}
	if target.Address == "" || cand.Address == "" {
		return "", 0, map[string]interface{}{"reason": "address required for proximity filter", "similarity": ratio}, false
	}

	normTarget := normalize.NormalizeAddress(target.Address)
	normCandidate := normalize.NormalizeAddress(cand.Address)
	evidence := map[string]interface{}{
		"similarity":        ratio,
		"candidate_count":   count,
		"target_address":    normTarget,
		"candidate_address": normCandidate,
	}
	if !addressesAgree(normTarget, normCandidate, step.AddressPostcodePrefixLen) {
		evidence["reason"] = "address disagreement"
		return "", 0, evidence, false
	}

	confidence := baseConfidence(StrategyFuzzyName)*ratio + (1-baseConfidence(StrategyFuzzyName)*ratio)*0.25
	evidence["proximity_checked"] = true
	return cand.DisplayName, confidence, evidence, true
}

// addressesAgree reports whether two already-normalized addresses agree
// within prefixLen postcode digits (0 means the full postcode must match).
// Addresses lacking a trailing numeric postcode token never agree, since
// there is nothing to compare within distance.
func addressesAgree(normA, normB string, prefixLen int) bool {
	if normA == normB {
		return true
	}
	pa, okA := trailingPostcode(normA)
	pb, okB := trailingPostcode(normB)
	if !okA || !okB {
		return false
	}
	if prefixLen <= 0 || prefixLen > len(pa) || prefixLen > len(pb) {
		return pa == pb
	}
	return pa[:prefixLen] == pb[:prefixLen]
}

func trailingPostcode(normalizedAddress string) (string, bool) {
	tokens := strings.Fields(normalizedAddress)
	if len(tokens) == 0 {
		return "", false
	}
	last := tokens[len(tokens)-1]
	for _, r := range last {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return last, true
}

func (e *Engine) attemptDomainDefault(target Target) (string, float64, map[string]interface{}, bool) {
	if e.resources.DomainDefaults == nil {
		return "", 0, map[string]interface{}{"reason": "no domain defaults configured"}, false
	}
	value, ok := e.resources.DomainDefaults[target.Agency]
	if !ok {
		return "", 0, map[string]interface{}{"reason": "no default for agency"}, false
	}
	return value, baseConfidence(StrategyDomainDefault), map[string]interface{}{"agency": target.Agency}, true
}

func (e *Engine) attemptSectorFallback() (string, float64, map[string]interface{}, bool) {
	if e.resources.SectorFallback == "" {
		return "", 0, map[string]interface{}{"reason": "no sector fallback configured"}, false
	}
	return e.resources.SectorFallback, baseConfidence(StrategySectorFallback), map[string]interface{}{}, true
}
