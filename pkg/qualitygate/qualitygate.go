// Package qualitygate implements the declarative check framework: checks
// bound to an asset key, evaluated against materialized output, with
// ERROR/WARN severities and per-run aggregated reporting.
package qualitygate

import (
	"fmt"

	"github.com/hollomancer/sbir-analytics-sub004/internal/metrics"
	"github.com/hollomancer/sbir-analytics-sub004/internal/pipelineerr"
)

// Severity classifies whether a failing check blocks downstream assets.
type Severity string

const (
	SeverityError Severity = "ERROR"
	SeverityWarn  Severity = "WARN"
)

// Predicate evaluates a check against an asset's materialized metrics,
// returning whether it passed and the observed value compared to Threshold.
type Predicate func(observed map[string]float64) (passed bool, observedValue float64)

// Check is one (asset_key, check_name, severity, predicate, threshold,
// description) tuple per spec.md §4.9.
type Check struct {
	AssetKey    string
	Name        string
	Severity    Severity
	Threshold   float64
	Description string
	Predicate   Predicate
}

// Result is one evaluated check outcome, attached to the asset's metadata.
type Result struct {
	AssetKey  string
	Name      string
	Severity  Severity
	Passed    bool
	Observed  float64
	Threshold float64
}

// Registry holds the declared checks for every asset.
type Registry struct {
	byAsset map[string][]Check
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byAsset: make(map[string][]Check)}
}

// Register declares one check for an asset.
func (r *Registry) Register(c Check) {
	r.byAsset[c.AssetKey] = append(r.byAsset[c.AssetKey], c)
}

// ChecksFor returns the declared checks for an asset key.
func (r *Registry) ChecksFor(assetKey string) []Check {
	return r.byAsset[assetKey]
}

// Evaluate runs every check declared for assetKey against observed
// metrics (read from the materialized artifact or streamed counters,
// never partial state), recording each result to Prometheus.
func (r *Registry) Evaluate(assetKey string, observed map[string]float64) []Result {
	checks := r.byAsset[assetKey]
	results := make([]Result, 0, len(checks))
	for _, c := range checks {
		passed, value := c.Predicate(observed)
		metrics.RecordQualityGate(fmt.Sprintf("%s.%s", assetKey, c.Name), passed, value)
		results = append(results, Result{
			AssetKey:  assetKey,
			Name:      c.Name,
			Severity:  c.Severity,
			Passed:    passed,
			Observed:  value,
			Threshold: c.Threshold,
		})
	}
	return results
}

// Blocks reports whether any ERROR-severity result failed; a blocking
// failure halts downstream assets per spec.md §4.9.
func Blocks(results []Result) bool {
	for _, r := range results {
		if r.Severity == SeverityError && !r.Passed {
			return true
		}
	}
	return false
}

// AsError converts the first blocking failure into a structured
// pipeline error for the run report, or nil if nothing blocks.
func AsError(results []Result) error {
	for _, r := range results {
		if r.Severity == SeverityError && !r.Passed {
			return pipelineerr.ErrGateBlocking(r.Name, r.Observed, r.Threshold)
		}
	}
	return nil
}

// RunReport aggregates every asset's check results for a full run.
type RunReport struct {
	Results []Result
}

// NewRunReport builds a RunReport from the results of every asset run
// in topological order.
func NewRunReport(perAsset map[string][]Result) RunReport {
	var all []Result
	for _, rs := range perAsset {
		all = append(all, rs...)
	}
	return RunReport{Results: all}
}

// Passing returns only the results that passed.
func (r RunReport) Passing() []Result {
	out := make([]Result, 0, len(r.Results))
	for _, res := range r.Results {
		if res.Passed {
			out = append(out, res)
		}
	}
	return out
}

// Failing returns only the results that failed.
func (r RunReport) Failing() []Result {
	out := make([]Result, 0, len(r.Results))
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}
