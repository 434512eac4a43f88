package qualitygate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEvaluateReportsPassAndFail(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Check{
		AssetKey: "awards_raw", Name: "min_rows", Severity: SeverityError, Threshold: 100,
		Predicate: func(observed map[string]float64) (bool, float64) {
			return observed["rows"] >= 100, observed["rows"]
		},
	})
	reg.Register(Check{
		AssetKey: "awards_raw", Name: "null_rate", Severity: SeverityWarn, Threshold: 0.05,
		Predicate: func(observed map[string]float64) (bool, float64) {
			return observed["null_rate"] <= 0.05, observed["null_rate"]
		},
	})

	results := reg.Evaluate("awards_raw", map[string]float64{"rows": 50, "null_rate": 0.02})
	require.Len(t, results, 2)
	assert.False(t, results[0].Passed, "min_rows should fail with rows=50 < threshold 100")
	assert.True(t, results[1].Passed, "null_rate should pass with 0.02 <= 0.05")
}

func TestBlocksOnlyOnErrorSeverity(t *testing.T) {
	warnFail := []Result{{Name: "null_rate", Severity: SeverityWarn, Passed: false}}
	assert.False(t, Blocks(warnFail), "WARN failure should not block")

	errorFail := []Result{{Name: "min_rows", Severity: SeverityError, Passed: false}}
	assert.True(t, Blocks(errorFail), "ERROR failure should block")
}

func TestAsErrorWrapsFirstBlockingFailure(t *testing.T) {
	results := []Result{
		{Name: "min_rows", Severity: SeverityError, Passed: false, Observed: 50, Threshold: 100},
	}
	require.Error(t, AsError(results))
}

func TestRunReportSplitsPassingAndFailing(t *testing.T) {
	report := NewRunReport(map[string][]Result{
		"awards_raw": {
			{Name: "min_rows", Passed: true},
			{Name: "null_rate", Passed: false},
		},
	})
	assert.Len(t, report.Passing(), 1)
	assert.Len(t, report.Failing(), 1)
}
