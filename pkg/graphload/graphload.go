// Package graphload materializes prepared batches into the property
// graph idempotently: node and relationship upserts, constraint/index
// bootstrap, and deadlock-aware batch splitting.
package graphload

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"

	"github.com/hollomancer/sbir-analytics-sub004/internal/metrics"
	"github.com/hollomancer/sbir-analytics-sub004/internal/pipelineerr"
	"github.com/hollomancer/sbir-analytics-sub004/internal/resilience"
	"github.com/hollomancer/sbir-analytics-sub004/internal/store"
)

// NodeType names a graph node table and its unique key column.
type NodeType struct {
	Table      string
	UniqueCols []string // "if-not-exists" unique constraint target
}

// Declared node types and their unique constraints, per spec.md §6.
var (
	NodeOrganization         = NodeType{Table: "organizations", UniqueCols: []string{"organization_id"}}
	NodeFinancialTransaction = NodeType{Table: "financial_transactions", UniqueCols: []string{"transaction_id"}}
	NodePatent               = NodeType{Table: "patents", UniqueCols: []string{"grant_doc_num"}}
	NodePatentAssignment     = NodeType{Table: "patent_assignments", UniqueCols: []string{"rf_id"}}
	NodeCETArea              = NodeType{Table: "cet_areas", UniqueCols: []string{"cet_id"}}

	declaredNodeTypes = []NodeType{
		NodeOrganization, NodeFinancialTransaction, NodePatent, NodePatentAssignment, NodeCETArea,
	}
)

// RelType enumerates the spec's relationship vocabulary.
type RelType string

const (
	RelRecipientOf    RelType = "RECIPIENT_OF"
	RelFundedBy       RelType = "FUNDED_BY"
	RelOwns           RelType = "OWNS"
	RelAssignedVia    RelType = "ASSIGNED_VIA"
	RelAssignedFrom   RelType = "ASSIGNED_FROM"
	RelAssignedTo     RelType = "ASSIGNED_TO"
	RelChainOf        RelType = "CHAIN_OF"
	RelGeneratedFrom  RelType = "GENERATED_FROM"
	RelApplicableTo   RelType = "APPLICABLE_TO"
	RelParticipatedIn RelType = "PARTICIPATED_IN"
	RelSpecializesIn  RelType = "SPECIALIZES_IN"
)

// NodeRow is one record to upsert: Values supplies a column->value map,
// which must include every column in the node type's unique key.
type NodeRow struct {
	Columns []string
	Values  map[string]any
}

// Edge is one relationship to create idempotently on (SrcKey, RelType, DstKey).
type Edge struct {
	SrcKey     string
	RelType    RelType
	DstKey     string
	Properties map[string]any
}

// SchemaVersion is the expected schema-migration marker version. Bootstrap
// refuses to load against a mismatched marker.
const SchemaVersion = 2

// MigrationRequiredError reports a schema-migration marker mismatch.
type MigrationRequiredError struct {
	Expected, Found int
}

func (e *MigrationRequiredError) Error() string {
	return fmt.Sprintf("schema migration required: expected version %d, found %d", e.Expected, e.Found)
}

// BatchConfig controls batch size and retry/split behavior.
type BatchConfig struct {
	BatchSize   int
	MaxRetries  int
	WorkerCount int
}

// DefaultBatchConfig returns spec.md §4.7's stated defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{BatchSize: 1000, MaxRetries: 3, WorkerCount: 4}
}

// FailedRecord is one record a batch could not load, with the reason.
type FailedRecord struct {
	Key   string
	Error error
}

// BatchReport summarizes one batch's load outcome.
type BatchReport struct {
	Upserted int
	Failed   []FailedRecord
}

// Loader materializes node and relationship batches into Postgres.
type Loader struct {
	db     *sqlx.DB
	cfg    BatchConfig
	schema *store.BaseStore // marker table accessor
}

// NewLoader creates a Loader over db. db may be nil in tests that only
// exercise validation paths that never reach the database.
func NewLoader(db *sql.DB, cfg BatchConfig) *Loader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	var sdb *sqlx.DB
	if db != nil {
		sdb = sqlx.NewDb(db, "postgres")
	}
	return &Loader{db: sdb, cfg: cfg, schema: store.NewBaseStore(db, "schema_migration_marker")}
}

// Bootstrap creates all declared unique constraints and secondary
// indexes with if-not-exists semantics, then checks the schema-migration
// marker. Must be the first call in a run.
func (l *Loader) Bootstrap(ctx context.Context) error {
	for _, nt := range declaredNodeTypes {
		idxName := fmt.Sprintf("uq_%s_%s", nt.Table, joinCols(nt.UniqueCols))
		stmt := fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
			idxName, nt.Table, joinColsCSV(nt.UniqueCols),
		)
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return pipelineerr.ErrLoaderConstraint(nt.Table, err)
		}
	}

	secondaryIdx := []string{
		"CREATE INDEX IF NOT EXISTS idx_organizations_name ON organizations (normalized_name)",
		"CREATE INDEX IF NOT EXISTS idx_financial_transactions_date ON financial_transactions (award_date)",
		"CREATE INDEX IF NOT EXISTS idx_patents_filing_date ON patents (filing_date)",
		"CREATE INDEX IF NOT EXISTS idx_cet_areas_slug ON cet_areas (slug)",
	}
	for _, stmt := range secondaryIdx {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return pipelineerr.ErrLoaderConstraint("secondary_index", err)
		}
	}

	return l.checkSchemaMarker(ctx)
}

func (l *Loader) checkSchemaMarker(ctx context.Context) error {
	var version int
	err := l.db.QueryRowContext(ctx, "SELECT version FROM schema_migration_marker ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return nil // first run, nothing to migrate against yet
	}
	if err != nil {
		return pipelineerr.ErrLoaderConstraint("schema_migration_marker", err)
	}
	if version != SchemaVersion {
		return &MigrationRequiredError{Expected: SchemaVersion, Found: version}
	}
	return nil
}

// LoadNodes upserts a batch of node rows for one node type, splitting
// and retrying on transient conflict per spec.md §4.7's deadlock
// discipline. Partitioned loading across workers is the caller's
// responsibility (see Partition); LoadNodes itself is one worker's slice.
func (l *Loader) LoadNodes(ctx context.Context, nt NodeType, rows []NodeRow) BatchReport {
	if len(rows) == 0 {
		return BatchReport{}
	}
	if len(rows) <= l.cfg.BatchSize {
		return l.loadNodeBatch(ctx, nt, rows, l.cfg.MaxRetries)
	}

	report := BatchReport{}
	for start := 0; start < len(rows); start += l.cfg.BatchSize {
		end := start + l.cfg.BatchSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := l.loadNodeBatch(ctx, nt, rows[start:end], l.cfg.MaxRetries)
		report.Upserted += chunk.Upserted
		report.Failed = append(report.Failed, chunk.Failed...)
	}
	return report
}

// ReconcileTombstones stamps deprecated_at on every row of nt whose
// unique key is absent from presentKeys, never touching edges. It is
// the opt-in retention pass named by RetentionConfig.Enabled: a node
// missing from the latest extracted batch is marked deprecated rather
// than deleted, so downstream consumers can distinguish "gone from the
// source" from "never existed".
func (l *Loader) ReconcileTombstones(ctx context.Context, nt NodeType, presentKeys []string) (int64, error) {
	if len(nt.UniqueCols) != 1 {
		return 0, pipelineerr.ErrLoaderConstraint(nt.Table, fmt.Errorf("tombstoning requires a single-column unique key, got %v", nt.UniqueCols))
	}
	keyCol := nt.UniqueCols[0]

	placeholders := make([]string, len(presentKeys))
	args := make([]any, len(presentKeys))
	for i, k := range presentKeys {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = k
	}
	notIn := "true"
	if len(placeholders) > 0 {
		notIn = fmt.Sprintf("%s NOT IN (%s)", keyCol, joinColsSep(placeholders, ", "))
	}
	stmt := fmt.Sprintf(
		"UPDATE %s SET deprecated_at = now() WHERE deprecated_at IS NULL AND %s",
		nt.Table, notIn,
	)
	res, err := l.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, pipelineerr.ErrLoaderConstraint(nt.Table, err)
	}
	return res.RowsAffected()
}

func (l *Loader) loadNodeBatch(ctx context.Context, nt NodeType, rows []NodeRow, retriesLeft int) BatchReport {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return l.handleBatchError(ctx, nt, rows, err, retriesLeft)
	}

	upserted := 0
	for _, row := range rows {
		builder := store.NewUpsertBuilder(nt.Table, nt.UniqueCols...).
			Columns(row.Columns...).
			UpdateColumns(updateColumns(row.Columns, nt.UniqueCols)...)
		args := make([]any, len(row.Columns))
		for i, c := range row.Columns {
			args[i] = row.Values[c]
		}
		if _, err := tx.ExecContext(ctx, builder.Build(), args...); err != nil {
			_ = tx.Rollback()
			return l.handleBatchError(ctx, nt, rows, err, retriesLeft)
		}
		upserted++
	}

	if err := tx.Commit(); err != nil {
		return l.handleBatchError(ctx, nt, rows, err, retriesLeft)
	}
	for range rows {
		metrics.RecordUpsert(nt.Table, false)
	}
	return BatchReport{Upserted: upserted}
}

// handleBatchError implements the retry-then-split-then-fail-record
// discipline: retry the whole batch with backoff, then split it in
// half and retry the halves, and if a single-record batch still fails,
// emit a failed-record report and continue.
func (l *Loader) handleBatchError(ctx context.Context, nt NodeType, rows []NodeRow, cause error, retriesLeft int) BatchReport {
	if len(rows) == 1 {
		metrics.RecordUpsert(nt.Table, true)
		return BatchReport{Failed: []FailedRecord{{Key: rowKey(rows[0], nt.UniqueCols), Error: pipelineerr.ErrLoaderConflict(nt.Table, rowKey(rows[0], nt.UniqueCols), cause)}}}
	}

	if retriesLeft > 0 {
		retryCfg := resilience.RetryConfig{MaxAttempts: 1, InitialDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2}
		var result BatchReport
		err := resilience.Retry(ctx, retryCfg, func() error {
			result = l.loadNodeBatchAttempt(ctx, nt, rows)
			if len(result.Failed) > 0 {
				return result.Failed[0].Error
			}
			return nil
		})
		if err == nil {
			return result
		}
	}

	mid := len(rows) / 2
	left := l.loadNodeBatch(ctx, nt, rows[:mid], retriesLeft-1)
	right := l.loadNodeBatch(ctx, nt, rows[mid:], retriesLeft-1)
	left.Upserted += right.Upserted
	left.Failed = append(left.Failed, right.Failed...)
	return left
}

func (l *Loader) loadNodeBatchAttempt(ctx context.Context, nt NodeType, rows []NodeRow) BatchReport {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return BatchReport{Failed: []FailedRecord{{Error: err}}}
	}
	upserted := 0
	for _, row := range rows {
		builder := store.NewUpsertBuilder(nt.Table, nt.UniqueCols...).
			Columns(row.Columns...).
			UpdateColumns(updateColumns(row.Columns, nt.UniqueCols)...)
		args := make([]any, len(row.Columns))
		for i, c := range row.Columns {
			args[i] = row.Values[c]
		}
		if _, err := tx.ExecContext(ctx, builder.Build(), args...); err != nil {
			_ = tx.Rollback()
			return BatchReport{Failed: []FailedRecord{{Key: rowKey(row, nt.UniqueCols), Error: err}}}
		}
		upserted++
	}
	if err := tx.Commit(); err != nil {
		return BatchReport{Failed: []FailedRecord{{Error: err}}}
	}
	return BatchReport{Upserted: upserted}
}

// edgesTable is the single generic relationship table every RelType
// shares; (src_key, rel_type, dst_key) is its unique constraint.
const edgesTable = "graph_edges"

// LoadEdges creates relationships idempotently: a given
// (src_key, rel_type, dst_key) produces at most one edge, with
// properties last-writer-wins.
func (l *Loader) LoadEdges(ctx context.Context, edges []Edge) BatchReport {
	if len(edges) == 0 {
		return BatchReport{}
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return BatchReport{Failed: []FailedRecord{{Error: pipelineerr.ErrLoaderConflict(edgesTable, "", err)}}}
	}

	upserted := 0
	var failed []FailedRecord
	for _, e := range edges {
		builder := store.NewUpsertBuilder(edgesTable, "src_key", "rel_type", "dst_key").
			Columns("src_key", "rel_type", "dst_key", "properties", "updated_at").
			UpdateColumns("properties", "updated_at")
		_, err := tx.ExecContext(ctx, builder.Build(), e.SrcKey, string(e.RelType), e.DstKey, propertiesJSON(e.Properties), time.Now())
		if err != nil {
			key := fmt.Sprintf("%s-%s-%s", e.SrcKey, e.RelType, e.DstKey)
			failed = append(failed, FailedRecord{Key: key, Error: pipelineerr.ErrLoaderConflict(edgesTable, key, err)})
			metrics.RecordUpsert(edgesTable, true)
			continue
		}
		metrics.RecordUpsert(edgesTable, false)
		upserted++
	}

	if err := tx.Commit(); err != nil {
		return BatchReport{Failed: []FailedRecord{{Error: err}}}
	}
	return BatchReport{Upserted: upserted, Failed: failed}
}

// Partition splits rows into cfg.WorkerCount disjoint groups by a hash
// of each row's unique key, so concurrent loader workers avoid
// write-write contention on the same key range.
func Partition(rows []NodeRow, uniqueCols []string, workerCount int) [][]NodeRow {
	if workerCount <= 0 {
		workerCount = 1
	}
	groups := make([][]NodeRow, workerCount)
	for _, row := range rows {
		h := hashKey(rowKey(row, uniqueCols))
		idx := int(h % uint64(workerCount))
		groups[idx] = append(groups[idx], row)
	}
	return groups
}

func hashKey(key string) uint64 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}

// OrganizationIdentity resolves an Organization node's key per spec.md §3:
// the 13-character supplier id when present, else a deterministic hash of
// (normalized_name | state | postcode) so an org lacking a supplier id
// still resolves to the same key across runs.
func OrganizationIdentity(supplierID, normalizedName, state, postcode string) string {
	if len(supplierID) == 13 {
		return supplierID
	}
	sum := sha256.Sum256([]byte(normalizedName + "|" + state + "|" + postcode))
	return hex.EncodeToString(sum[:])
}

func rowKey(row NodeRow, uniqueCols []string) string {
	key := ""
	for i, c := range uniqueCols {
		if i > 0 {
			key += "|"
		}
		key += fmt.Sprintf("%v", row.Values[c])
	}
	return key
}

func updateColumns(all, uniqueCols []string) []string {
	unique := make(map[string]bool, len(uniqueCols))
	for _, c := range uniqueCols {
		unique[c] = true
	}
	out := make([]string, 0, len(all))
	for _, c := range all {
		if !unique[c] {
			out = append(out, c)
		}
	}
	return out
}

func joinCols(cols []string) string {
	return joinColsSep(cols, "_")
}

func joinColsCSV(cols []string) string {
	return joinColsSep(cols, ", ")
}

func joinColsSep(cols []string, sep string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += sep
		}
		out += c
	}
	return out
}

// propertiesJSON renders props with keys sorted so the same property set
// always produces byte-identical output, as spec.md §8's idempotent-load
// property requires when artifacts are compared across runs.
func propertiesJSON(props map[string]any) string {
	if len(props) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := "{"
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%q:%q", k, fmt.Sprintf("%v", props[k]))
	}
	out += "}"
	return out
}

// CombineReports folds per-worker batch reports into one summary, using
// hashicorp/go-multierror to aggregate every failed record's error for
// the run's final report.
func CombineReports(reports []BatchReport) (upserted int, err error) {
	var merr *multierror.Error
	for _, r := range reports {
		upserted += r.Upserted
		for _, f := range r.Failed {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", f.Key, f.Error))
		}
	}
	return upserted, merr.ErrorOrNil()
}
