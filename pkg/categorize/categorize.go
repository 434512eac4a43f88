// Package categorize defines the text categorization contract: loading a
// versioned classifier artifact and batch-scoring award text against the
// CET taxonomy. The classifier itself is an external collaborator's
// model; this package is deliberately contract-only (deterministic,
// artifact-driven scoring), not a categorization implementation.
package categorize

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/hollomancer/sbir-analytics-sub004/internal/pipelineerr"
)

// Label is one scored category assigned to a text.
type Label struct {
	Category         string   `json:"category"`
	Score            float64  `json:"score"` // in [0, 100]
	EvidenceSnippets []string `json:"evidence_snippets,omitempty"`
}

// Classifier scores batches of text against a fixed, versioned artifact.
// Implementations must be deterministic given the same artifact.
type Classifier interface {
	ClassifyBatch(texts []string) ([][]Label, error)
	ArtifactVersion() string
}

// artifactRule is one lexical rule loaded from the classifier artifact:
// any text containing Keyword scores Score for Category.
type artifactRule struct {
	Category string  `json:"category"`
	Keyword  string  `json:"keyword"`
	Score    float64 `json:"score"`
}

type artifactFile struct {
	Version string         `json:"version"`
	Rules   []artifactRule `json:"rules"`
}

// LexicalClassifier is a deterministic, keyword-rule-driven Classifier
// loaded from a JSON artifact. It stands in for the external model per
// spec.md §4.10's contract-only scope: same shape (load → classify_batch),
// same determinism guarantee, without implementing real NLP.
type LexicalClassifier struct {
	version string
	rules   []artifactRule
}

// Load reads a classifier artifact from artifactPath and returns a
// Classifier bound to it.
func Load(artifactPath string) (Classifier, error) {
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, pipelineerr.ErrSourceUnavailable(artifactPath, err)
	}
	var af artifactFile
	if err := json.Unmarshal(data, &af); err != nil {
		return nil, pipelineerr.ErrSchemaMismatch(artifactPath, "categorize artifact JSON", err.Error())
	}
	return &LexicalClassifier{version: af.Version, rules: af.Rules}, nil
}

// ArtifactVersion returns the loaded artifact's version string.
func (c *LexicalClassifier) ArtifactVersion() string {
	return c.version
}

// ClassifyBatch scores each text against every rule, returning one
// ranked label list per input text (highest score first), deterministic
// for a fixed artifact and input.
func (c *LexicalClassifier) ClassifyBatch(texts []string) ([][]Label, error) {
	out := make([][]Label, len(texts))
	for i, text := range texts {
		scores := make(map[string]float64)
		evidence := make(map[string][]string)
		for _, rule := range c.rules {
			if containsFold(text, rule.Keyword) {
				if rule.Score > scores[rule.Category] {
					scores[rule.Category] = rule.Score
				}
				evidence[rule.Category] = append(evidence[rule.Category], rule.Keyword)
			}
		}
		labels := make([]Label, 0, len(scores))
		for cat, score := range scores {
			labels = append(labels, Label{Category: cat, Score: score, EvidenceSnippets: evidence[cat]})
		}
		sort.Slice(labels, func(a, b int) bool {
			if labels[a].Score != labels[b].Score {
				return labels[a].Score > labels[b].Score
			}
			return labels[a].Category < labels[b].Category // deterministic tie-break
		})
		out[i] = labels
	}
	return out, nil
}

func containsFold(text, keyword string) bool {
	return keyword != "" && strings.Contains(strings.ToLower(text), strings.ToLower(keyword))
}

// AwardCategorization is the integration-point output record spec.md
// §4.10 names: one primary category plus supporting alternates, ready
// for the loader to attach via APPLICABLE_TO/SPECIALIZES_IN edges.
type AwardCategorization struct {
	AwardID              string
	PrimaryCategory      string
	SupportingCategories []string
}

// CategorizeAwards runs texts (keyed by award id) through classifier in
// one batch call and reduces each result to a primary category plus
// supporting alternates.
func CategorizeAwards(classifier Classifier, awardIDs []string, texts []string) ([]AwardCategorization, error) {
	if len(awardIDs) != len(texts) {
		return nil, fmt.Errorf("categorize: %d award ids but %d texts", len(awardIDs), len(texts))
	}
	results, err := classifier.ClassifyBatch(texts)
	if err != nil {
		return nil, err
	}

	out := make([]AwardCategorization, len(awardIDs))
	for i, id := range awardIDs {
		labels := results[i]
		ac := AwardCategorization{AwardID: id}
		if len(labels) > 0 {
			ac.PrimaryCategory = labels[0].Category
			for _, l := range labels[1:] {
				ac.SupportingCategories = append(ac.SupportingCategories, l.Category)
			}
		}
		out[i] = ac
	}
	return out, nil
}
