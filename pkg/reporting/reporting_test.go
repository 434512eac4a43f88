package reporting

import (
	"context"
	"testing"
	"time"

	"github.com/hollomancer/sbir-analytics-sub004/internal/objectstore"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/model"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/qualitygate"
)

func TestSidecarPathMatchesStorageLayout(t *testing.T) {
	got := SidecarPath("enriched", "awards_enriched", "2024-01", "abcd1234")
	want := "enriched/awards_enriched/2024-01/abcd1234.json"
	if got != want {
		t.Errorf("SidecarPath = %q, want %q", got, want)
	}
}

func TestSidecarPathDefaultsPartition(t *testing.T) {
	got := SidecarPath("raw", "awards_raw", "", "xyz")
	if got != "raw/awards_raw/_/xyz.json" {
		t.Errorf("SidecarPath = %q", got)
	}
}

func TestWriteMaterializationPersistsReport(t *testing.T) {
	store := objectstore.NewMemBackend()
	w := NewWriter(store, "enriched")

	artifact := model.Artifact{AssetKey: "awards_enriched", Partition: "2024-01", Fingerprint: "abcd1234", RowCount: 10}
	checks := []qualitygate.Result{{Name: "min_rows", Passed: true}}

	if err := w.WriteMaterialization(context.Background(), artifact, checks); err != nil {
		t.Fatalf("WriteMaterialization: %v", err)
	}

	data, err := store.Load(context.Background(), SidecarPath("enriched", "awards_enriched", "2024-01", "abcd1234"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty sidecar data")
	}
}

func TestWriteRunSummaryPersistsSummary(t *testing.T) {
	store := objectstore.NewMemBackend()
	w := NewWriter(store, "enriched")

	summary := RunSummary{RunID: "run-1", Mode: model.RunModeFull, StartedAt: time.Now(), EndedAt: time.Now()}
	if err := w.WriteRunSummary(context.Background(), summary); err != nil {
		t.Fatalf("WriteRunSummary: %v", err)
	}

	if _, err := store.Load(context.Background(), "runs/run-1/summary.json"); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestLoadBaselineRoundTrip(t *testing.T) {
	store := objectstore.NewMemBackend()
	data := []byte(`{"samples":[{"target_record_id":"A-1","source":"identifier_exact","confidence":0.9}]}`)
	if err := store.Save(context.Background(), "baselines/latest.json", data); err != nil {
		t.Fatalf("Save: %v", err)
	}

	b, err := LoadBaseline(context.Background(), store, "baselines/latest.json")
	if err != nil {
		t.Fatalf("LoadBaseline: %v", err)
	}
	if len(b.Samples) != 1 || b.Samples[0].TargetRecordID != "A-1" {
		t.Fatalf("unexpected baseline: %+v", b)
	}
}

func TestLoadBaselineRejectsMissingSamplesArray(t *testing.T) {
	store := objectstore.NewMemBackend()
	if err := store.Save(context.Background(), "baselines/bad.json", []byte(`{"not_samples":true}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := LoadBaseline(context.Background(), store, "baselines/bad.json"); err == nil {
		t.Fatal("expected schema-mismatch error for missing samples array")
	}
}

func TestCompareToBaselineFlagsSourceChangeAndConfidenceDrop(t *testing.T) {
	baseline := Baseline{Samples: []BenchmarkSample{
		{TargetRecordID: "A-1", Source: "identifier_exact", Confidence: 0.90},
		{TargetRecordID: "A-2", Source: "name_fuzzy", Confidence: 0.75},
		{TargetRecordID: "A-3", Source: "name_fuzzy", Confidence: 0.70},
	}}
	current := []BenchmarkSample{
		{TargetRecordID: "A-1", Source: "name_fuzzy", Confidence: 0.72}, // source changed
		{TargetRecordID: "A-2", Source: "name_fuzzy", Confidence: 0.50}, // confidence dropped
		{TargetRecordID: "A-3", Source: "name_fuzzy", Confidence: 0.69}, // within tolerance
	}

	regressions := CompareToBaseline(baseline, current, 0.05)
	if len(regressions) != 2 {
		t.Fatalf("expected 2 regressions, got %d: %+v", len(regressions), regressions)
	}
}
