// Package assetrt is the asset runtime (CORE 2): a DAG of named assets,
// fingerprint-driven incremental skipping, topological execution with a
// worker pool, chunked materialization committed through a temporary
// key, and memory-pressure sampling (a metric and log lines only;
// running assets are not paused or flushed).
package assetrt

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/crypto/blake2b"

	"github.com/hollomancer/sbir-analytics-sub004/internal/logging"
	"github.com/hollomancer/sbir-analytics-sub004/internal/metrics"
	"github.com/hollomancer/sbir-analytics-sub004/internal/objectstore"
	"github.com/hollomancer/sbir-analytics-sub004/internal/pipelineerr"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/qualitygate"
)

// Chunk is one unit of streamed data a materializer produces or consumes.
type Chunk struct {
	Index int
	Data  []byte
}

// ChunkIterator yields chunks until exhausted; Next returns ok=false when done.
type ChunkIterator interface {
	Next(ctx context.Context) (Chunk, bool, error)
}

// Materializer produces an asset's output. Non-streaming assets return a
// single-chunk result; streaming assets return a multi-chunk
// ChunkIterator. The runtime drains every chunk into memory and saves
// the whole output once, after the iterator is exhausted; chunks are not
// committed one by one.
type Materializer func(ctx context.Context, inputs map[string][]byte, cfg map[string]interface{}) (ChunkIterator, error)

// CheckFunc evaluates one quality-gate predicate against materialized metadata.
type CheckFunc func(meta Metadata) (passed bool, observed float64)

// Check is one quality-gate definition attached to an asset; Name,
// Severity, and Threshold mirror pkg/qualitygate.Check's tuple so results
// can be folded into a qualitygate.RunReport.
type Check struct {
	Name      string
	Severity  qualitygate.Severity
	Threshold float64
	Predicate CheckFunc
}

// Asset declares one node in the materialization DAG.
type Asset struct {
	Key          string
	Inputs       []string
	Partitioning string
	Streaming    bool
	Timeout      time.Duration
	MaxRetries   int
	Checks       []Check
	Materializer Materializer
}

// Metadata is the output of one successful materialization.
type Metadata struct {
	AssetKey             string
	RowsProcessed        int64
	BytesWritten         int64
	Duration             time.Duration
	PeakMemoryDeltaMB    int64
	CheckResults         []qualitygate.Result
	UpstreamFingerprints map[string]string
	Fingerprint          string
	Skipped              bool
}

// Status enumerates an asset's terminal run state.
type Status string

const (
	StatusOK             Status = "ok"
	StatusObserved       Status = "observed" // incremental skip
	StatusFailed         Status = "failed"
	StatusUpstreamFailed Status = "upstream_failed"
	StatusGateBlocked    Status = "upstream_quality_gate_failed"
)

// Result is one asset's outcome within a run.
type Result struct {
	AssetKey string
	Status   Status
	Metadata Metadata
	Err      error
}

// MemoryThresholds configures the periodic sampler's warning/critical bands.
type MemoryThresholds struct {
	WarningRatio   float64
	CriticalRatio  float64
	SampleInterval time.Duration
	ChunkDownstep  float64 // ratio to shrink chunk size by when an asset is killed-and-retried
}

// DefaultMemoryThresholds returns conservative sampler defaults.
func DefaultMemoryThresholds() MemoryThresholds {
	return MemoryThresholds{WarningRatio: 0.75, CriticalRatio: 0.90, SampleInterval: 2 * time.Second, ChunkDownstep: 0.5}
}

// Runtime executes a DAG of assets.
type Runtime struct {
	assets      map[string]Asset
	store       objectstore.ObjectBackend
	logger      *logging.Logger
	pool        int
	memCfg      MemoryThresholds
	codeVersion string
}

// NewRuntime creates a Runtime backed by store, running up to poolSize
// assets concurrently.
func NewRuntime(store objectstore.ObjectBackend, logger *logging.Logger, poolSize int, codeVersion string) *Runtime {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Runtime{
		assets:      make(map[string]Asset),
		store:       store,
		logger:      logger,
		pool:        poolSize,
		memCfg:      DefaultMemoryThresholds(),
		codeVersion: codeVersion,
	}
}

// Register adds an asset to the DAG.
func (r *Runtime) Register(a Asset) {
	if a.Timeout <= 0 {
		a.Timeout = 300 * time.Second
	}
	if a.MaxRetries <= 0 {
		a.MaxRetries = 3
	}
	r.assets[a.Key] = a
}

// Fingerprint computes H(code_version, config_slice, sorted_input_fingerprints)
// per spec.md §4.8.
func Fingerprint(codeVersion string, configSlice map[string]interface{}, inputFingerprints map[string]string) string {
	keys := make([]string, 0, len(inputFingerprints))
	for k := range inputFingerprints {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "code_version=%s\n", codeVersion)

	cfgKeys := make([]string, 0, len(configSlice))
	for k := range configSlice {
		cfgKeys = append(cfgKeys, k)
	}
	sort.Strings(cfgKeys)
	for _, k := range cfgKeys {
		fmt.Fprintf(h, "config:%s=%v\n", k, configSlice[k])
	}
	for _, k := range keys {
		fmt.Fprintf(h, "input:%s=%s\n", k, inputFingerprints[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// topoOrder returns asset keys in dependency order restricted to selected.
func (r *Runtime) topoOrder(selected []string) ([]string, error) {
	visiting := make(map[string]int) // 0 unvisited, 1 in-progress, 2 done
	var order []string

	var visit func(key string) error
	visit = func(key string) error {
		switch visiting[key] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("cycle detected in asset DAG at %q", key)
		}
		visiting[key] = 1
		asset, ok := r.assets[key]
		if !ok {
			return fmt.Errorf("unknown asset %q", key)
		}
		for _, in := range asset.Inputs {
			if err := visit(in); err != nil {
				return err
			}
		}
		visiting[key] = 2
		order = append(order, key)
		return nil
	}

	for _, key := range selected {
		if err := visit(key); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Run executes the selected assets (and their transitive inputs) in
// topological order, with independent assets running in parallel up to
// the configured pool size. existingFingerprints supplies the prior
// run's artifact fingerprints for incremental-mode skip detection.
func (r *Runtime) Run(ctx context.Context, selected []string, mode string, configSlice map[string]interface{}, existingFingerprints map[string]string) ([]Result, error) {
	order, err := r.topoOrder(selected)
	if err != nil {
		return nil, pipelineerr.ErrConfig("invalid asset DAG", err)
	}

	results := make(map[string]Result, len(order))
	var mu sync.Mutex

	stopSampler := r.startMemorySampler(ctx)
	defer stopSampler()

	// Group into levels so assets with satisfied dependencies run
	// concurrently, bounded by r.pool.
	remaining := make(map[string]bool, len(order))
	for _, k := range order {
		remaining[k] = true
	}

	for len(remaining) > 0 {
		var ready []string
		for _, k := range order {
			if !remaining[k] {
				continue
			}
			asset := r.assets[k]
			if allDone(asset.Inputs, results) {
				ready = append(ready, k)
			}
		}
		if len(ready) == 0 {
			break // nothing more can become ready (cycle already ruled out)
		}

		sem := make(chan struct{}, r.pool)
		var wg sync.WaitGroup
		for _, key := range ready {
			key := key
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				asset := r.assets[key]
				res := r.runOne(ctx, asset, mode, configSlice, existingFingerprints, results, &mu)

				mu.Lock()
				results[key] = res
				mu.Unlock()
			}()
			delete(remaining, key)
		}
		wg.Wait()
	}

	out := make([]Result, 0, len(order))
	for _, k := range order {
		out = append(out, results[k])
	}
	return out, nil
}

func allDone(inputs []string, results map[string]Result) bool {
	for _, in := range inputs {
		if _, ok := results[in]; !ok {
			return false
		}
	}
	return true
}

func (r *Runtime) runOne(ctx context.Context, asset Asset, mode string, configSlice map[string]interface{}, existingFingerprints map[string]string, priorResults map[string]Result, mu *sync.Mutex) Result {
	for _, in := range asset.Inputs {
		mu.Lock()
		pr := priorResults[in]
		mu.Unlock()
		if pr.Status == StatusFailed || pr.Status == StatusUpstreamFailed {
			return Result{AssetKey: asset.Key, Status: StatusUpstreamFailed}
		}
		if pr.Status == StatusGateBlocked {
			return Result{AssetKey: asset.Key, Status: StatusGateBlocked}
		}
	}

	inputFingerprints := make(map[string]string, len(asset.Inputs))
	for _, in := range asset.Inputs {
		mu.Lock()
		inputFingerprints[in] = priorResults[in].Metadata.Fingerprint
		mu.Unlock()
	}
	fp := Fingerprint(r.codeVersion, configSlice, inputFingerprints)

	if mode == "incremental" {
		if existing, ok := existingFingerprints[asset.Key]; ok && existing == fp {
			metrics.RecordMaterialize(asset.Key, true, 0)
			return Result{AssetKey: asset.Key, Status: StatusObserved, Metadata: Metadata{AssetKey: asset.Key, Fingerprint: fp, Skipped: true}}
		}
	}

	start := time.Now()
	meta, err := r.materializeWithRetry(ctx, asset, inputFingerprints)
	duration := time.Since(start)
	metrics.RecordMaterialize(asset.Key, false, duration)

	if err != nil {
		r.logger.WithAsset(asset.Key).WithError(err).Error("materialization failed")
		return Result{AssetKey: asset.Key, Status: StatusFailed, Err: err}
	}

	meta.Duration = duration
	meta.Fingerprint = fp
	meta.UpstreamFingerprints = inputFingerprints
	meta.CheckResults = evaluateChecks(asset.Key, asset.Checks, meta)

	if qualitygate.Blocks(meta.CheckResults) {
		return Result{AssetKey: asset.Key, Status: StatusGateBlocked, Metadata: meta}
	}

	return Result{AssetKey: asset.Key, Status: StatusOK, Metadata: meta}
}

// evaluateChecks runs each asset-bound check against its own
// materialization metadata and records the observed value to Prometheus,
// producing qualitygate.Result rows a per-run qualitygate.RunReport can
// later fold together with every other asset's results.
func evaluateChecks(assetKey string, checks []Check, meta Metadata) []qualitygate.Result {
	out := make([]qualitygate.Result, 0, len(checks))
	for _, c := range checks {
		passed, observed := c.Predicate(meta)
		metrics.RecordQualityGate(fmt.Sprintf("%s.%s", assetKey, c.Name), passed, observed)
		out = append(out, qualitygate.Result{
			AssetKey:  assetKey,
			Name:      c.Name,
			Severity:  c.Severity,
			Passed:    passed,
			Observed:  observed,
			Threshold: c.Threshold,
		})
	}
	return out
}

// materializeWithRetry runs the asset's materializer with a per-asset
// timeout and exponential-backoff retries on transient failure.
func (r *Runtime) materializeWithRetry(ctx context.Context, asset Asset, inputFingerprints map[string]string) (Metadata, error) {
	var lastErr error
	delay := 200 * time.Millisecond
	for attempt := 0; attempt <= asset.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Metadata{}, pipelineerr.ErrCancelled("materialize:" + asset.Key)
			case <-time.After(delay):
			}
			delay *= 2
		}

		timeoutCtx, cancel := context.WithTimeout(ctx, asset.Timeout)
		meta, err := r.materializeOnce(timeoutCtx, asset)
		cancel()
		if err == nil {
			return meta, nil
		}
		lastErr = err
		if !pipelineerr.IsRetryable(err) {
			return Metadata{}, err
		}
	}
	return Metadata{}, lastErr
}

func (r *Runtime) materializeOnce(ctx context.Context, asset Asset) (Metadata, error) {
	if ctx.Err() != nil {
		return Metadata{}, pipelineerr.ErrCancelled("materialize:" + asset.Key)
	}

	inputs := make(map[string][]byte)
	for _, in := range asset.Inputs {
		data, err := r.store.Load(ctx, in)
		if err != nil && err != objectstore.ErrNotFound {
			return Metadata{}, pipelineerr.ErrExternalTransient("objectstore", err)
		}
		inputs[in] = data
	}

	it, err := asset.Materializer(ctx, inputs, nil)
	if err != nil {
		return Metadata{}, err
	}

	tmpKey := asset.Key + ".tmp"
	var rows, bytesWritten int64
	var buf []byte
	for {
		if ctx.Err() != nil {
			return Metadata{}, pipelineerr.ErrCancelled("materialize:" + asset.Key)
		}
		chunk, ok, err := it.Next(ctx)
		if err != nil {
			return Metadata{}, err
		}
		if !ok {
			break
		}
		buf = append(buf, chunk.Data...)
		rows++
		bytesWritten += int64(len(chunk.Data))
	}

	if err := r.store.Save(ctx, tmpKey, buf); err != nil {
		return Metadata{}, pipelineerr.ErrExternalTransient("objectstore", err)
	}
	finalKey := asset.Key
	loaded, err := r.store.Load(ctx, tmpKey)
	if err != nil {
		return Metadata{}, pipelineerr.ErrExternalTransient("objectstore", err)
	}
	if err := r.store.Save(ctx, finalKey, loaded); err != nil {
		return Metadata{}, pipelineerr.ErrExternalTransient("objectstore", err)
	}
	_ = r.store.Delete(ctx, tmpKey)

	return Metadata{
		AssetKey:      asset.Key,
		RowsProcessed: rows,
		BytesWritten:  bytesWritten,
	}, nil
}

// startMemorySampler periodically samples resident memory via gopsutil
// and publishes the pressure ratio; it returns a stop function. At the
// warning threshold it logs; at the critical threshold it logs at a
// higher level so the orchestrator can request flush/pause upstream
// (actual pause/kill-and-retry is driven by the caller observing the
// metric, since the runtime itself has no cross-goroutine preemption
// hook into an in-flight materializer beyond ctx cancellation).
func (r *Runtime) startMemorySampler(ctx context.Context) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.memCfg.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				vm, err := mem.VirtualMemoryWithContext(ctx)
				if err != nil {
					continue
				}
				ratio := vm.UsedPercent / 100
				metrics.RecordMemoryPressure(ratio)
				switch {
				case ratio >= r.memCfg.CriticalRatio:
					r.logger.WithFields(map[string]interface{}{"ratio": ratio}).Warn("memory pressure critical")
				case ratio >= r.memCfg.WarningRatio:
					r.logger.WithFields(map[string]interface{}{"ratio": ratio}).Info("memory pressure warning")
				}
			}
		}
	}()
	return func() { close(stop) }
}
