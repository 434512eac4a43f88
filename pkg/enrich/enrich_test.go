package enrich

import (
	"context"
	"errors"
	"testing"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/lookupindex"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/model"
)

func buildIndex() *lookupindex.Index {
	idx := lookupindex.NewIndex(100)
	idx.Build([]lookupindex.Entity{
		{SupplierID: "Q1U2A3N4T5U6M", NormalizedName: "Quantum Dynamics Incorporated", DisplayName: "Quantum Dynamics Incorporated", State: "VA"},
		{NormalizedName: "ACME ROBOTICS L.L.C.", DisplayName: "ACME ROBOTICS L.L.C.", State: "CA", Address: "123 North Main Street, Suite 400"},
	})
	return idx
}

func TestProximityFilterAcceptsMatchingPostcode(t *testing.T) {
	engine := NewEngine(Resources{Index: buildIndex()}, 1)

	target := Target{RecordID: "A-6", Name: "Acme Robotics LLC", State: "CA", Address: "123 N Main St, Ste 400"}
	plan := Plan{
		FieldName: "recipient_ref",
		Steps: []PlanStep{
			{Source: "proximity", Strategy: StrategyProximityFilter, Priority: 1, Enabled: true, FuzzyMinSimilarity: 0.70},
		},
	}

	results := engine.EnrichOne(context.Background(), target, []Plan{plan})
	r := results[0]
	if r.Source != model.SourceNameFuzzy {
		t.Fatalf("source = %v, want name_fuzzy", r.Source)
	}
	fuzzyOnly := baseConfidence(StrategyFuzzyName) * 1.0
	if r.Confidence <= fuzzyOnly {
		t.Errorf("confidence = %v, want boosted above plain fuzzy confidence %v", r.Confidence, fuzzyOnly)
	}
}

func TestProximityFilterRejectsAddressMismatch(t *testing.T) {
	engine := NewEngine(Resources{Index: buildIndex()}, 1)

	target := Target{RecordID: "A-7", Name: "Acme Robotics LLC", State: "CA", Address: "900 Different Avenue, Suite 1"}
	plan := Plan{
		FieldName: "recipient_ref",
		Steps: []PlanStep{
			{Source: "proximity", Strategy: StrategyProximityFilter, Priority: 1, Enabled: true, FuzzyMinSimilarity: 0.70},
		},
	}

	results := engine.EnrichOne(context.Background(), target, []Plan{plan})
	r := results[0]
	if r.Source != model.SourceNoMatch {
		t.Fatalf("source = %v, want no_match on address disagreement", r.Source)
	}
}

func TestExactIdentifierMatchHighConfidence(t *testing.T) {
	engine := NewEngine(Resources{Index: buildIndex()}, 1)

	target := Target{RecordID: "A-1", Name: "Quantum Dynamics Inc", SupplierID: "Q1U2A3N4T5U6M", State: "VA"}
	plan := Plan{
		FieldName: "recipient_ref",
		Steps: []PlanStep{
			{Source: "identifier_exact", Strategy: StrategyIdentifierExact, Priority: 1, Enabled: true},
			{Source: "fuzzy", Strategy: StrategyFuzzyName, Priority: 2, Enabled: true},
		},
	}

	results := engine.EnrichOne(context.Background(), target, []Plan{plan})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Source != model.SourceIdentifierExact {
		t.Errorf("source = %v, want identifier_exact", r.Source)
	}
	if r.Confidence != 0.90 {
		t.Errorf("confidence = %v, want 0.90", r.Confidence)
	}
	if r.EnrichedValue != "Quantum Dynamics Incorporated" {
		t.Errorf("value = %q", r.EnrichedValue)
	}
}

func TestFuzzyFallbackAfterIdentifierMiss(t *testing.T) {
	engine := NewEngine(Resources{Index: buildIndex()}, 1)

	target := Target{RecordID: "A-2", Name: "Acme Robotics LLC", State: "CA"}
	plan := Plan{
		FieldName: "recipient_ref",
		Steps: []PlanStep{
			{Source: "identifier_exact", Strategy: StrategyIdentifierExact, Priority: 1, Enabled: true},
			{Source: "fuzzy", Strategy: StrategyFuzzyName, Priority: 2, Enabled: true, FuzzyMinSimilarity: 0.70},
		},
	}

	results := engine.EnrichOne(context.Background(), target, []Plan{plan})
	r := results[0]
	if r.Source != model.SourceNameFuzzy {
		t.Fatalf("source = %v, want name_fuzzy", r.Source)
	}
	if r.Confidence <= 0 || r.Confidence >= 0.80 {
		t.Errorf("confidence = %v, want medium band below stop threshold", r.Confidence)
	}
}

func TestNoMatchEmitsZeroConfidenceEvidence(t *testing.T) {
	engine := NewEngine(Resources{Index: lookupindex.NewIndex(10)}, 1)

	target := Target{RecordID: "A-3"}
	plan := Plan{
		FieldName: "recipient_ref",
		Steps: []PlanStep{
			{Source: "identifier_exact", Strategy: StrategyIdentifierExact, Priority: 1, Enabled: true},
		},
	}

	results := engine.EnrichOne(context.Background(), target, []Plan{plan})
	r := results[0]
	if r.Source != model.SourceNoMatch {
		t.Fatalf("source = %v, want no_match", r.Source)
	}
	if r.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", r.Confidence)
	}
}

type fakeAPIClient struct {
	calls    int
	failures int
	value    string
}

type retryableErr struct{ msg string }

func (e retryableErr) Error() string   { return e.msg }
func (e retryableErr) Retryable() bool { return true }

func (c *fakeAPIClient) Lookup(ctx context.Context, target Target) (string, bool, error) {
	c.calls++
	if c.calls <= c.failures {
		return "", false, retryableErr{"503 service unavailable"}
	}
	return c.value, true, nil
}

func TestAPITransientRetrySucceeds(t *testing.T) {
	client := &fakeAPIClient{failures: 2, value: "Registry Name"}
	engine := NewEngine(Resources{API: map[string]APIClient{"registry": client}}, 1)

	plan := Plan{
		FieldName: "recipient_ref",
		Steps: []PlanStep{
			{Source: "registry", Strategy: StrategyAPILookup, Priority: 1, Enabled: true},
		},
	}

	results := engine.EnrichOne(context.Background(), Target{RecordID: "A-4"}, []Plan{plan})
	r := results[0]
	if r.Source != model.SourceAPILookup {
		t.Fatalf("source = %v, want api_lookup, calls=%d", r.Source, client.calls)
	}
	if r.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", r.Confidence)
	}
	if client.calls != 3 {
		t.Errorf("calls = %d, want 3 (2 failures + 1 success)", client.calls)
	}
}

type permanentErrClient struct{ calls int }

func (c *permanentErrClient) Lookup(ctx context.Context, target Target) (string, bool, error) {
	c.calls++
	return "", false, errors.New("404 not found")
}

func TestAPIPermanentErrorDoesNotRetry(t *testing.T) {
	client := &permanentErrClient{}
	engine := NewEngine(Resources{API: map[string]APIClient{"registry": client}}, 1)

	plan := Plan{
		FieldName: "recipient_ref",
		Steps: []PlanStep{
			{Source: "registry", Strategy: StrategyAPILookup, Priority: 1, Enabled: true},
			{Source: "sector", Strategy: StrategySectorFallback, Priority: 2, Enabled: true},
		},
	}
	engine.resources.SectorFallback = "999999"

	results := engine.EnrichOne(context.Background(), Target{RecordID: "A-5"}, []Plan{plan})
	r := results[0]
	if r.Source != model.SourceSectorFallback {
		t.Fatalf("source = %v, want sector_fallback (degrade after permanent failure)", r.Source)
	}
	if client.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent error)", client.calls)
	}
}

func TestEnrichBatchCoversAllTargets(t *testing.T) {
	engine := NewEngine(Resources{Index: buildIndex()}, 2)
	targets := []Target{
		{RecordID: "A-1", SupplierID: "Q1U2A3N4T5U6M"},
		{RecordID: "A-2", Name: "unknown corp"},
	}
	plan := Plan{
		FieldName: "recipient_ref",
		Steps: []PlanStep{
			{Source: "identifier_exact", Strategy: StrategyIdentifierExact, Priority: 1, Enabled: true},
		},
	}

	results := engine.EnrichBatch(context.Background(), targets, []Plan{plan})
	if len(results) != 2 {
		t.Fatalf("expected 2 result sets, got %d", len(results))
	}
	for _, rs := range results {
		if len(rs) != 1 {
			t.Errorf("expected 1 result per target, got %d", len(rs))
		}
	}
}
