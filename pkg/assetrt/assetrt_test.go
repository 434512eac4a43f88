package assetrt

import (
	"context"
	"testing"
	"time"

	"github.com/hollomancer/sbir-analytics-sub004/internal/logging"
	"github.com/hollomancer/sbir-analytics-sub004/internal/objectstore"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/qualitygate"
)

type sliceIterator struct {
	chunks []Chunk
	idx    int
}

func (s *sliceIterator) Next(ctx context.Context) (Chunk, bool, error) {
	if s.idx >= len(s.chunks) {
		return Chunk{}, false, nil
	}
	c := s.chunks[s.idx]
	s.idx++
	return c, true, nil
}

func newTestRuntime() *Runtime {
	store := objectstore.NewMemBackend()
	logger := logging.New("test", "error", "json")
	return NewRuntime(store, logger, 2, "v1")
}

func TestRunSingleAssetMaterializes(t *testing.T) {
	rt := newTestRuntime()
	rt.Register(Asset{
		Key: "awards_raw",
		Materializer: func(ctx context.Context, inputs map[string][]byte, cfg map[string]interface{}) (ChunkIterator, error) {
			return &sliceIterator{chunks: []Chunk{{Index: 0, Data: []byte("row1\n")}, {Index: 1, Data: []byte("row2\n")}}}, nil
		},
	})

	results, err := rt.Run(context.Background(), []string{"awards_raw"}, "full", nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 || results[0].Status != StatusOK {
		t.Fatalf("unexpected results: %+v", results)
	}
	if results[0].Metadata.RowsProcessed != 2 {
		t.Errorf("RowsProcessed = %d, want 2", results[0].Metadata.RowsProcessed)
	}
}

func TestRunRespectsTopologicalOrder(t *testing.T) {
	rt := newTestRuntime()
	var order []string
	rt.Register(Asset{
		Key: "base",
		Materializer: func(ctx context.Context, inputs map[string][]byte, cfg map[string]interface{}) (ChunkIterator, error) {
			order = append(order, "base")
			return &sliceIterator{}, nil
		},
	})
	rt.Register(Asset{
		Key:    "derived",
		Inputs: []string{"base"},
		Materializer: func(ctx context.Context, inputs map[string][]byte, cfg map[string]interface{}) (ChunkIterator, error) {
			order = append(order, "derived")
			return &sliceIterator{}, nil
		},
	})

	results, err := rt.Run(context.Background(), []string{"derived"}, "full", nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected both base and derived to run, got %d", len(results))
	}
	if order[0] != "base" || order[1] != "derived" {
		t.Errorf("order = %v, want base before derived", order)
	}
}

func TestIncrementalModeSkipsOnFingerprintMatch(t *testing.T) {
	rt := newTestRuntime()
	calls := 0
	rt.Register(Asset{
		Key: "awards_raw",
		Materializer: func(ctx context.Context, inputs map[string][]byte, cfg map[string]interface{}) (ChunkIterator, error) {
			calls++
			return &sliceIterator{}, nil
		},
	})

	fp := Fingerprint("v1", nil, map[string]string{})
	results, err := rt.Run(context.Background(), []string{"awards_raw"}, "incremental", nil, map[string]string{"awards_raw": fp})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Status != StatusObserved {
		t.Fatalf("status = %v, want observed (skip)", results[0].Status)
	}
	if calls != 0 {
		t.Errorf("materializer called %d times, want 0 on fingerprint match", calls)
	}
}

func TestUpstreamFailureSkipsDownstream(t *testing.T) {
	rt := newTestRuntime()
	rt.Register(Asset{
		Key:        "base",
		MaxRetries: 0,
		Timeout:    time.Second,
		Materializer: func(ctx context.Context, inputs map[string][]byte, cfg map[string]interface{}) (ChunkIterator, error) {
			return nil, assertErr{}
		},
	})
	rt.Register(Asset{
		Key:    "derived",
		Inputs: []string{"base"},
		Materializer: func(ctx context.Context, inputs map[string][]byte, cfg map[string]interface{}) (ChunkIterator, error) {
			return &sliceIterator{}, nil
		},
	})

	results, err := rt.Run(context.Background(), []string{"derived"}, "full", nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	byKey := map[string]Result{}
	for _, r := range results {
		byKey[r.AssetKey] = r
	}
	if byKey["base"].Status != StatusFailed {
		t.Errorf("base status = %v, want failed", byKey["base"].Status)
	}
	if byKey["derived"].Status != StatusUpstreamFailed {
		t.Errorf("derived status = %v, want upstream_failed", byKey["derived"].Status)
	}
}

func TestQualityGateErrorBlocksDownstream(t *testing.T) {
	rt := newTestRuntime()
	rt.Register(Asset{
		Key: "base",
		Checks: []Check{
			{Name: "min_rows", Severity: qualitygate.SeverityError, Threshold: 10, Predicate: func(m Metadata) (bool, float64) {
				return m.RowsProcessed >= 10, float64(m.RowsProcessed)
			}},
		},
		Materializer: func(ctx context.Context, inputs map[string][]byte, cfg map[string]interface{}) (ChunkIterator, error) {
			return &sliceIterator{chunks: []Chunk{{Data: []byte("x")}}}, nil
		},
	})
	rt.Register(Asset{
		Key:    "derived",
		Inputs: []string{"base"},
		Materializer: func(ctx context.Context, inputs map[string][]byte, cfg map[string]interface{}) (ChunkIterator, error) {
			return &sliceIterator{}, nil
		},
	})

	results, err := rt.Run(context.Background(), []string{"derived"}, "full", nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	byKey := map[string]Result{}
	for _, r := range results {
		byKey[r.AssetKey] = r
	}
	if byKey["base"].Status != StatusGateBlocked {
		t.Errorf("base status = %v, want upstream_quality_gate_failed", byKey["base"].Status)
	}
	if byKey["derived"].Status != StatusGateBlocked {
		t.Errorf("derived status = %v, want blocked by upstream gate", byKey["derived"].Status)
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "materializer failed" }
