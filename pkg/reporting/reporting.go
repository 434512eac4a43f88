// Package reporting persists per-asset materialization metadata as the
// storage-layout sidecar JSON, aggregates per-run quality-gate reports,
// and compares enrichment-engine benchmark runs against a stored
// baseline to catch regressions.
package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hollomancer/sbir-analytics-sub004/internal/objectstore"
	"github.com/hollomancer/sbir-analytics-sub004/internal/pipelineerr"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/model"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/qualitygate"
)

// SidecarPath renders the storage layout's sidecar path for an artifact:
// <root>/<stage>/<asset_key>/<partition>/<fingerprint>.json.
func SidecarPath(stage, assetKey, partition, fingerprint string) string {
	if partition == "" {
		partition = "_"
	}
	return fmt.Sprintf("%s/%s/%s/%s.json", stage, assetKey, partition, fingerprint)
}

// MaterializationReport is the sidecar JSON body written alongside every
// materialized artifact.
type MaterializationReport struct {
	Artifact     model.Artifact       `json:"artifact"`
	CheckResults []qualitygate.Result `json:"check_results,omitempty"`
}

// Writer persists materialization reports and run-level summaries to an
// object backend.
type Writer struct {
	store objectstore.ObjectBackend
	stage string
}

// NewWriter creates a Writer that stores reports under stage's prefix.
func NewWriter(store objectstore.ObjectBackend, stage string) *Writer {
	return &Writer{store: store, stage: stage}
}

// WriteMaterialization persists one asset's materialization report.
func (w *Writer) WriteMaterialization(ctx context.Context, artifact model.Artifact, checks []qualitygate.Result) error {
	report := MaterializationReport{Artifact: artifact, CheckResults: checks}
	data, err := json.Marshal(report)
	if err != nil {
		return pipelineerr.ErrConfig("marshal materialization report", err)
	}
	path := SidecarPath(w.stage, artifact.AssetKey, artifact.Partition, artifact.Fingerprint)
	if err := w.store.Save(ctx, path, data); err != nil {
		return pipelineerr.ErrExternalTransient("objectstore", err)
	}
	return nil
}

// RunSummary aggregates a full run's quality-gate report and per-asset
// timing/throughput, the "aggregated per-run reports" spec.md §4.9 names.
type RunSummary struct {
	RunID      string                `json:"run_id"`
	Mode       model.RunMode         `json:"mode"`
	StartedAt  time.Time             `json:"started_at"`
	EndedAt    time.Time             `json:"ended_at"`
	Artifacts  []model.Artifact      `json:"artifacts"`
	GateReport qualitygate.RunReport `json:"gate_report"`
}

// WriteRunSummary persists one run's end-to-end summary.
func (w *Writer) WriteRunSummary(ctx context.Context, summary RunSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return pipelineerr.ErrConfig("marshal run summary", err)
	}
	path := fmt.Sprintf("runs/%s/summary.json", summary.RunID)
	if err := w.store.Save(ctx, path, data); err != nil {
		return pipelineerr.ErrExternalTransient("objectstore", err)
	}
	return nil
}

// BenchmarkSample is one fixed enrichment-engine evaluation input/output
// pair used to detect regressions between runs.
type BenchmarkSample struct {
	TargetRecordID string  `json:"target_record_id"`
	Source         string  `json:"source"`
	Confidence     float64 `json:"confidence"`
}

// Baseline is a stored set of benchmark samples from a prior known-good run.
type Baseline struct {
	Samples []BenchmarkSample `json:"samples"`
}

// LoadBaseline reads a baseline from the object backend.
func LoadBaseline(ctx context.Context, store objectstore.ObjectBackend, path string) (Baseline, error) {
	data, err := store.Load(ctx, path)
	if err != nil {
		return Baseline{}, pipelineerr.ErrSourceUnavailable(path, err)
	}
	if !gjson.GetBytes(data, "samples").IsArray() {
		return Baseline{}, pipelineerr.ErrSchemaMismatch(path, "baseline JSON", "missing samples array")
	}
	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return Baseline{}, pipelineerr.ErrSchemaMismatch(path, "baseline JSON", err.Error())
	}
	return b, nil
}

// Regression is one sample whose confidence or matched source dropped
// relative to the baseline.
type Regression struct {
	TargetRecordID     string
	BaselineSource     string
	CurrentSource      string
	BaselineConfidence float64
	CurrentConfidence  float64
}

// CompareToBaseline diffs current benchmark samples against baseline,
// flagging a regression when a sample's source changed or its
// confidence dropped by more than tolerance.
func CompareToBaseline(baseline Baseline, current []BenchmarkSample, tolerance float64) []Regression {
	byID := make(map[string]BenchmarkSample, len(baseline.Samples))
	for _, s := range baseline.Samples {
		byID[s.TargetRecordID] = s
	}

	var regressions []Regression
	for _, cur := range current {
		base, ok := byID[cur.TargetRecordID]
		if !ok {
			continue
		}
		confidenceDrop := base.Confidence - cur.Confidence
		if base.Source != cur.Source || confidenceDrop > tolerance {
			regressions = append(regressions, Regression{
				TargetRecordID:     cur.TargetRecordID,
				BaselineSource:     base.Source,
				CurrentSource:      cur.Source,
				BaselineConfidence: base.Confidence,
				CurrentConfidence:  cur.Confidence,
			})
		}
	}
	return regressions
}
