// Package normalize canonicalizes organization names and addresses and
// scores approximate string similarity for the enrichment engine's
// fuzzy-name-match strategy.
package normalize

import (
	"sort"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

var orgSuffixes = []string{
	"incorporated", "inc", "corporation", "corp", "company", "co",
	"limited", "ltd", "llc", "lp", "llp", "pllc", "pc",
	"technologies", "technology", "systems", "solutions", "group",
	"holdings", "enterprises", "industries", "associates", "partners",
}

var addressAbbrev = map[string]string{
	"street": "st", "avenue": "ave", "boulevard": "blvd", "drive": "dr",
	"lane": "ln", "road": "rd", "circle": "cir", "court": "ct",
	"place": "pl", "suite": "ste", "building": "bldg", "floor": "fl",
	"north": "n", "south": "s", "east": "e", "west": "w",
	"parkway": "pkwy", "highway": "hwy", "square": "sq",
}

// NormalizeName canonicalizes an organization name for matching: lowercase,
// collapse internal periods (so "L.L.C." and "LLC" compare equal), strip
// remaining punctuation, collapse whitespace, and drop a single trailing
// legal suffix ("Acme Robotics, Inc." -> "acme robotics").
func NormalizeName(raw string) string {
	s := strings.ToLower(raw)
	s = strings.ReplaceAll(s, ".", "")
	s = stripPunctuation(s)
	tokens := strings.Fields(s)
	if len(tokens) > 1 && isOrgSuffix(tokens[len(tokens)-1]) {
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

func isOrgSuffix(token string) bool {
	for _, suf := range orgSuffixes {
		if token == suf {
			return true
		}
	}
	return false
}

func stripPunctuation(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsSpace(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return b.String()
}

// NormalizeAddress canonicalizes a street address line: lowercase, expand
// punctuation to spaces, and abbreviate common street/suite/direction words
// so "123 North Main Street, Suite 400" and "123 N Main St Ste 400" compare
// equal.
func NormalizeAddress(raw string) string {
	s := strings.ToLower(raw)
	s = stripPunctuation(s)
	tokens := strings.Fields(s)
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if abbr, ok := addressAbbrev[t]; ok {
			out = append(out, abbr)
			continue
		}
		out = append(out, t)
	}
	return strings.Join(out, " ")
}

// TokenSortRatio scores similarity of two strings independent of word
// order: both strings are tokenized, sorted, rejoined, and compared with a
// Levenshtein-distance-based ratio in [0, 1].
func TokenSortRatio(a, b string) float64 {
	return ratio(sortedTokens(a), sortedTokens(b))
}

func sortedTokens(s string) string {
	tokens := strings.Fields(strings.ToLower(stripPunctuation(s)))
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

func ratio(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(dist)/float64(maxLen)
}

// JaroWinkler scores similarity of two strings in [0, 1], boosting scores
// for strings sharing a common prefix. No fuzzy-matching library in the
// dependency set implements Jaro-Winkler directly (agnivade/levenshtein
// covers edit distance only), so this is a direct, well-known
// implementation of the published algorithm.
func JaroWinkler(a, b string) float64 {
	j := jaro(a, b)
	if j <= 0 {
		return j
	}

	prefix := 0
	maxPrefix := 4
	for i := 0; i < len(a) && i < len(b) && i < maxPrefix; i++ {
		if a[i] != b[i] {
			break
		}
		prefix++
	}
	return j + float64(prefix)*0.1*(1-j)
}

func jaro(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len(a), len(b)
	if la == 0 || lb == 0 {
		return 0
	}

	matchDistance := la / 2
	if lb/2 > matchDistance {
		matchDistance = lb / 2
	}
	if matchDistance > 0 {
		matchDistance--
	}

	aMatches := make([]bool, la)
	bMatches := make([]bool, lb)

	matches := 0
	for i := 0; i < la; i++ {
		start := i - matchDistance
		if start < 0 {
			start = 0
		}
		end := i + matchDistance + 1
		if end > lb {
			end = lb
		}
		for j := start; j < end; j++ {
			if bMatches[j] || a[i] != b[j] {
				continue
			}
			aMatches[i] = true
			bMatches[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}

	transpositions := 0
	k := 0
	for i := 0; i < la; i++ {
		if !aMatches[i] {
			continue
		}
		for !bMatches[k] {
			k++
		}
		if a[i] != b[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	return (m/float64(la) + m/float64(lb) + (m-float64(transpositions)/2)/m) / 3
}
