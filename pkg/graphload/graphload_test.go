package graphload

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestPropertiesJSONIsDeterministicAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"zeta": 1, "alpha": "x", "mid": true}
	b := map[string]any{"alpha": "x", "mid": true, "zeta": 1}

	first := propertiesJSON(a)
	second := propertiesJSON(b)
	if first != second {
		t.Fatalf("propertiesJSON not stable across key insertion order: %q vs %q", first, second)
	}
	for i := 0; i < 5; i++ {
		if got := propertiesJSON(a); got != first {
			t.Fatalf("propertiesJSON not stable across repeated calls: %q vs %q", got, first)
		}
	}
}

func TestOrganizationIdentityPrefersSupplierID(t *testing.T) {
	id := OrganizationIdentity("Q1U2A3N4T5U6M", "acme robotics", "CA", "94105")
	if id != "Q1U2A3N4T5U6M" {
		t.Errorf("OrganizationIdentity = %q, want the 13-char supplier id unchanged", id)
	}
}

func TestOrganizationIdentityHashesWhenSupplierIDAbsent(t *testing.T) {
	first := OrganizationIdentity("", "acme robotics", "CA", "94105")
	second := OrganizationIdentity("", "acme robotics", "CA", "94105")
	if first != second {
		t.Fatalf("OrganizationIdentity not deterministic: %q vs %q", first, second)
	}
	if first == "" {
		t.Error("OrganizationIdentity returned empty hash fallback")
	}
	other := OrganizationIdentity("", "acme robotics", "NY", "10001")
	if first == other {
		t.Error("OrganizationIdentity collided across different state/postcode")
	}
}

func TestBootstrapCreatesConstraintsAndChecksMarker(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	for range declaredNodeTypes {
		mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	for i := 0; i < 4; i++ {
		mock.ExpectExec("CREATE INDEX IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectQuery("SELECT version FROM schema_migration_marker").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(SchemaVersion))

	loader := NewLoader(db, DefaultBatchConfig())
	if err := loader.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestBootstrapRefusesOnVersionMismatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	for range declaredNodeTypes {
		mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	for i := 0; i < 4; i++ {
		mock.ExpectExec("CREATE INDEX IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectQuery("SELECT version FROM schema_migration_marker").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(SchemaVersion + 1))

	loader := NewLoader(db, DefaultBatchConfig())
	err = loader.Bootstrap(context.Background())
	if err == nil {
		t.Fatal("expected migration-required error")
	}
	if _, ok := err.(*MigrationRequiredError); !ok {
		t.Errorf("err = %T, want *MigrationRequiredError", err)
	}
}

func TestLoadNodesUpsertsBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO organizations").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO organizations").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	loader := NewLoader(db, DefaultBatchConfig())
	rows := []NodeRow{
		{Columns: []string{"organization_id", "normalized_name"}, Values: map[string]any{"organization_id": "O-1", "normalized_name": "acme"}},
		{Columns: []string{"organization_id", "normalized_name"}, Values: map[string]any{"organization_id": "O-2", "normalized_name": "beta"}},
	}

	report := loader.LoadNodes(context.Background(), NodeOrganization, rows)
	if report.Upserted != 2 || len(report.Failed) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLoadNodesSplitsBatchOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	// First attempt over the whole batch fails.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO organizations").WillReturnError(&deadlockErr{})
	mock.ExpectRollback()

	// Retry (same size, one attempt) also fails.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO organizations").WillReturnError(&deadlockErr{})
	mock.ExpectRollback()

	// Split: left half (1 record) succeeds.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO organizations").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	// Split: right half (1 record) succeeds.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO organizations").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	loader := NewLoader(db, BatchConfig{BatchSize: 1000, MaxRetries: 1, WorkerCount: 1})
	rows := []NodeRow{
		{Columns: []string{"organization_id"}, Values: map[string]any{"organization_id": "O-1"}},
		{Columns: []string{"organization_id"}, Values: map[string]any{"organization_id": "O-2"}},
	}

	report := loader.LoadNodes(context.Background(), NodeOrganization, rows)
	if report.Upserted != 2 {
		t.Errorf("Upserted = %d, want 2 after split-retry", report.Upserted)
	}
}

func TestLoadEdgesIdempotentUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO graph_edges").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	loader := NewLoader(db, DefaultBatchConfig())
	report := loader.LoadEdges(context.Background(), []Edge{
		{SrcKey: "FT-1", RelType: RelRecipientOf, DstKey: "O-1"},
	})
	if report.Upserted != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestPartitionIsDeterministicAndCoversAllRows(t *testing.T) {
	rows := make([]NodeRow, 20)
	for i := range rows {
		rows[i] = NodeRow{Columns: []string{"organization_id"}, Values: map[string]any{"organization_id": string(rune('A' + i))}}
	}

	groups := Partition(rows, []string{"organization_id"}, 4)
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	if total != len(rows) {
		t.Fatalf("Partition dropped rows: got %d, want %d", total, len(rows))
	}

	groups2 := Partition(rows, []string{"organization_id"}, 4)
	for i := range groups {
		if len(groups[i]) != len(groups2[i]) {
			t.Error("Partition is not deterministic across calls")
		}
	}
}

type deadlockErr struct{}

func (e *deadlockErr) Error() string { return "deadlock detected" }

func TestReconcileTombstonesMarksAbsentRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("UPDATE organizations SET deprecated_at = now\\(\\) WHERE deprecated_at IS NULL AND organization_id NOT IN \\(\\$1, \\$2\\)").
		WithArgs("O-1", "O-2").
		WillReturnResult(sqlmock.NewResult(0, 3))

	loader := NewLoader(db, DefaultBatchConfig())
	n, err := loader.ReconcileTombstones(context.Background(), NodeOrganization, []string{"O-1", "O-2"})
	if err != nil {
		t.Fatalf("ReconcileTombstones: %v", err)
	}
	if n != 3 {
		t.Fatalf("RowsAffected = %d, want 3", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestReconcileTombstonesWithNoPresentKeysMarksEverything(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("UPDATE organizations SET deprecated_at = now\\(\\) WHERE deprecated_at IS NULL AND true").
		WillReturnResult(sqlmock.NewResult(0, 5))

	loader := NewLoader(db, DefaultBatchConfig())
	n, err := loader.ReconcileTombstones(context.Background(), NodeOrganization, nil)
	if err != nil {
		t.Fatalf("ReconcileTombstones: %v", err)
	}
	if n != 5 {
		t.Fatalf("RowsAffected = %d, want 5", n)
	}
}

func TestReconcileTombstonesRejectsCompositeKey(t *testing.T) {
	loader := NewLoader(nil, DefaultBatchConfig())
	multiKey := NodeType{Table: "graph_edges", UniqueCols: []string{"src_key", "rel_type", "dst_key"}}
	if _, err := loader.ReconcileTombstones(context.Background(), multiKey, nil); err == nil {
		t.Fatal("expected an error for a composite unique key")
	}
}
