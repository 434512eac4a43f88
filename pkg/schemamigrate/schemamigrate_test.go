package schemamigrate

import (
	"sort"
	"strings"
	"testing"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := embeddedMigrations.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected at least one embedded migration file")
	}

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	for i := range names {
		if names[i] != sorted[i] {
			t.Fatalf("migration order mismatch at %d: got %s want %s", i, names[i], sorted[i])
		}
	}

	ups := 0
	for _, n := range names {
		if strings.HasSuffix(n, ".up.sql") {
			ups++
			down := strings.TrimSuffix(n, ".up.sql") + ".down.sql"
			found := false
			for _, other := range names {
				if other == down {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("migration %s has no matching down file %s", n, down)
			}
		}
	}
	if ups == 0 {
		t.Fatal("expected at least one .up.sql migration")
	}
}
