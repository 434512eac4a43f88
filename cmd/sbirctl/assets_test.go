package main

import (
	"context"
	"testing"
	"time"

	"github.com/hollomancer/sbir-analytics-sub004/internal/objectstore"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/assetrt"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/model"
)

func TestJSONLinesRoundTrip(t *testing.T) {
	rows := []interface{}{
		rawRecord{Row: 1, Fields: map[string]string{"award_id": "A-1"}},
		rawRecord{Row: 2, Fields: map[string]string{"award_id": "A-2"}},
	}
	it, err := newJSONLinesIterator(rows)
	if err != nil {
		t.Fatalf("newJSONLinesIterator: %v", err)
	}

	var encoded []byte
	for {
		chunk, ok, err := it.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		encoded = append(encoded, chunk.Data...)
	}

	decoded, err := decodeJSONLines[rawRecord](encoded)
	if err != nil {
		t.Fatalf("decodeJSONLines: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(decoded))
	}
	if decoded[0].Fields["award_id"] != "A-1" || decoded[1].Fields["award_id"] != "A-2" {
		t.Fatalf("unexpected decoded rows: %+v", decoded)
	}
}

func TestJSONLinesIteratorRespectsCancellation(t *testing.T) {
	it, err := newJSONLinesIterator([]interface{}{rawRecord{Row: 1}})
	if err != nil {
		t.Fatalf("newJSONLinesIterator: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := it.Next(ctx); err == nil {
		t.Fatal("expected error from a cancelled context")
	}
}

func TestDecodeJSONLinesSkipsBlankLines(t *testing.T) {
	data := []byte("{\"row\":1,\"fields\":{\"a\":\"b\"}}\n\n  \n{\"row\":2,\"fields\":{}}\n")
	rows, err := decodeJSONLines[rawRecord](data)
	if err != nil {
		t.Fatalf("decodeJSONLines: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
}

func TestRecordToAwardParsesAmountAndDate(t *testing.T) {
	r := rawRecord{Fields: map[string]string{
		"award_id":     "A-1",
		"amount_cents": "150000",
		"award_date":   "2023-06-15",
		"phase":        "II",
	}}
	award := recordToAward(r)
	if award.AmountCents != 150000 {
		t.Errorf("AmountCents = %d, want 150000", award.AmountCents)
	}
	want := time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC)
	if !award.AwardDate.Equal(want) {
		t.Errorf("AwardDate = %v, want %v", award.AwardDate, want)
	}
	if award.Phase != model.Phase("II") {
		t.Errorf("Phase = %v, want II", award.Phase)
	}
	if len(award.SourceContexts) != 1 || award.SourceContexts[0] != "raw_awards" {
		t.Errorf("SourceContexts = %v", award.SourceContexts)
	}
}

func TestRecordToAwardToleratesMissingAmount(t *testing.T) {
	award := recordToAward(rawRecord{Fields: map[string]string{"award_id": "A-1"}})
	if award.AmountCents != 0 {
		t.Errorf("AmountCents = %d, want 0 for missing field", award.AmountCents)
	}
}

func TestAwardRulesIncludesPhaseIICap(t *testing.T) {
	rules := awardRules()
	found := false
	for _, r := range rules {
		if r.Name == "phase_ii_cap" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected phase_ii_cap rule among awardRules")
	}
}

func TestFingerprintCacheRoundTrip(t *testing.T) {
	store := objectstore.NewMemBackend()
	ctx := context.Background()

	if got := loadPriorFingerprints(ctx, store); len(got) != 0 {
		t.Fatalf("expected empty cache before any save, got %v", got)
	}

	results := []assetrt.Result{
		{AssetKey: "raw_awards", Status: assetrt.StatusOK, Metadata: assetrt.Metadata{Fingerprint: "fp-1"}},
		{AssetKey: "awards_validated", Status: assetrt.StatusOK, Metadata: assetrt.Metadata{Fingerprint: "fp-2"}},
		{AssetKey: "awards_enriched", Status: assetrt.StatusFailed},
	}
	if err := saveFingerprintCache(ctx, store, results); err != nil {
		t.Fatalf("saveFingerprintCache: %v", err)
	}

	cache := loadPriorFingerprints(ctx, store)
	if cache["raw_awards"] != "fp-1" || cache["awards_validated"] != "fp-2" {
		t.Fatalf("unexpected cache contents: %v", cache)
	}
	if _, ok := cache["awards_enriched"]; ok {
		t.Fatalf("a failed asset should not contribute a fingerprint: %v", cache)
	}

	// A second save should merge rather than clobber entries not present
	// in the new result set.
	more := []assetrt.Result{{AssetKey: "companies_aggregated", Status: assetrt.StatusOK, Metadata: assetrt.Metadata{Fingerprint: "fp-3"}}}
	if err := saveFingerprintCache(ctx, store, more); err != nil {
		t.Fatalf("saveFingerprintCache (merge): %v", err)
	}
	merged := loadPriorFingerprints(ctx, store)
	if merged["raw_awards"] != "fp-1" || merged["companies_aggregated"] != "fp-3" {
		t.Fatalf("expected merged cache, got %v", merged)
	}
}

func TestLoadPriorFingerprintsOnMissingCacheReturnsEmpty(t *testing.T) {
	store := objectstore.NewMemBackend()
	got := loadPriorFingerprints(context.Background(), store)
	if len(got) != 0 {
		t.Fatalf("expected empty map, got %v", got)
	}
}

func TestWriteRunSummaryPersistsArtifactsAndGateReport(t *testing.T) {
	store := objectstore.NewMemBackend()
	ctx := context.Background()
	started := time.Now()
	ended := started.Add(time.Second)

	results := []assetrt.Result{
		{
			AssetKey: "awards_validated",
			Status:   assetrt.StatusOK,
			Metadata: assetrt.Metadata{
				Fingerprint:          "fp-1",
				RowsProcessed:        10,
				UpstreamFingerprints: map[string]string{"raw_awards": "fp-0"},
			},
		},
	}
	if err := writeRunSummary(ctx, store, "run-123", model.RunModeFull, started, ended, results); err != nil {
		t.Fatalf("writeRunSummary: %v", err)
	}

	data, err := store.Load(ctx, "runs/run-123/summary.json")
	if err != nil {
		t.Fatalf("expected summary to be persisted: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty summary JSON")
	}
}

func TestDependencyKeys(t *testing.T) {
	if got := dependencyKeys(nil); got != nil {
		t.Fatalf("dependencyKeys(nil) = %v, want nil", got)
	}
	got := dependencyKeys(map[string]string{"raw_awards": "fp-0"})
	if len(got) != 1 || got[0] != "raw_awards" {
		t.Fatalf("dependencyKeys = %v", got)
	}
}
