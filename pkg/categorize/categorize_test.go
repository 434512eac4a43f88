package categorize

import (
	"os"
	"path/filepath"
	"testing"
)

func writeArtifact(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "artifact.json")
	content := `{
		"version": "v2024.1",
		"rules": [
			{"category": "ai", "keyword": "machine learning", "score": 90},
			{"category": "ai", "keyword": "neural", "score": 80},
			{"category": "robotics", "keyword": "robot", "score": 85}
		]
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return path
}

func TestLoadAndClassifyBatch(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir)

	classifier, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if classifier.ArtifactVersion() != "v2024.1" {
		t.Errorf("ArtifactVersion = %q", classifier.ArtifactVersion())
	}

	labels, err := classifier.ClassifyBatch([]string{"A Machine Learning approach to robot navigation"})
	if err != nil {
		t.Fatalf("ClassifyBatch: %v", err)
	}
	if len(labels) != 1 || len(labels[0]) != 2 {
		t.Fatalf("unexpected labels: %+v", labels)
	}
	if labels[0][0].Category != "ai" || labels[0][0].Score != 90 {
		t.Errorf("top label = %+v, want ai/90", labels[0][0])
	}
}

func TestClassifyBatchDeterministic(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir)
	classifier, _ := Load(path)

	texts := []string{"neural networks for robot control"}
	first, _ := classifier.ClassifyBatch(texts)
	second, _ := classifier.ClassifyBatch(texts)
	if len(first[0]) != len(second[0]) || first[0][0].Category != second[0][0].Category {
		t.Errorf("classification not deterministic: %+v vs %+v", first, second)
	}
}

func TestCategorizeAwardsProducesPrimaryAndSupporting(t *testing.T) {
	dir := t.TempDir()
	path := writeArtifact(t, dir)
	classifier, _ := Load(path)

	results, err := CategorizeAwards(classifier, []string{"A-1"}, []string{"machine learning robot platform"})
	if err != nil {
		t.Fatalf("CategorizeAwards: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.AwardID != "A-1" || r.PrimaryCategory != "ai" {
		t.Errorf("unexpected result: %+v", r)
	}
	if len(r.SupportingCategories) != 1 || r.SupportingCategories[0] != "robotics" {
		t.Errorf("unexpected supporting categories: %+v", r.SupportingCategories)
	}
}

func TestLoadMissingArtifactReturnsPipelineError(t *testing.T) {
	_, err := Load("/nonexistent/path/artifact.json")
	if err == nil {
		t.Fatal("expected error for missing artifact")
	}
}
