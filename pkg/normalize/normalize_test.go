package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"Acme Robotics, Inc.":   "acme robotics",
		"ACME ROBOTICS LLC":     "acme robotics",
		"Acme Robotics":         "acme robotics",
		"  Acme   Robotics  Co": "acme robotics",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeName(in), "NormalizeName(%q)", in)
	}
}

func TestNormalizeAddress(t *testing.T) {
	got := NormalizeAddress("123 North Main Street, Suite 400")
	assert.Equal(t, "123 n main st ste 400", got)
}

func TestTokenSortRatio(t *testing.T) {
	r := TokenSortRatio("Robotics Acme", "Acme Robotics")
	assert.Equal(t, 1.0, r, "same tokens different order")

	r2 := TokenSortRatio("Acme Robotics", "Acme Robotic Systems")
	assert.Greater(t, r2, 0.0)
	assert.Less(t, r2, 1.0)
}

func TestJaroWinkler(t *testing.T) {
	assert.GreaterOrEqual(t, JaroWinkler("martha", "marhta"), 0.9)
	assert.Equal(t, 1.0, JaroWinkler("acme", "acme"))
	assert.Equal(t, 0.0, JaroWinkler("acme", ""))
}
