package main

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hollomancer/sbir-analytics-sub004/internal/config"
	"github.com/hollomancer/sbir-analytics-sub004/internal/logging"
	"github.com/hollomancer/sbir-analytics-sub004/internal/metrics"
	"github.com/hollomancer/sbir-analytics-sub004/internal/objectstore"
	"github.com/hollomancer/sbir-analytics-sub004/internal/pipelineerr"
	"github.com/hollomancer/sbir-analytics-sub004/internal/resilience"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/assetrt"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/categorize"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/enrich"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/extract"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/graphload"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/lookupindex"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/model"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/normalize"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/qualitygate"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/reporting"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/transform"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/validate"
)

// codeVersion seeds the Asset Runtime's fingerprint; in a release build
// this is stamped at link time, but the CLI has no build-info surface
// of its own, so it falls back to a fixed string.
const codeVersion = "sbirctl-dev"

// buildRuntime wires configuration into an assetrt.Runtime with every
// pipeline-stage asset registered, plus the Postgres connection, the
// artifact object store, and the (possibly distinct) fingerprint-cache
// backend the caller needs for incremental runs. The returned func
// closes all of them.
func buildRuntime(cfg *config.Config, logger *logging.Logger) (*assetrt.Runtime, objectstore.ObjectBackend, objectstore.ObjectBackend, *sql.DB, func(), error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, nil, nil, nil, pipelineerr.ErrSourceUnavailable(cfg.AssetRT.WorkDir, err)
	}

	var db *sql.DB
	if cfg.Database.DSN != "" {
		db, err = openDB(cfg)
		if err != nil {
			return nil, nil, nil, nil, nil, pipelineerr.ErrExternalPermanent("postgres", err)
		}
	}

	rt := assetrt.NewRuntime(store, logger, cfg.AssetRT.MaxConcurrency, codeVersion)
	registerAssets(rt, cfg, store, db)

	fpCache, closeFPCache, err := openFingerprintCacheBackend(cfg, store)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, nil, nil, nil, nil, pipelineerr.ErrExternalTransient("cache_backend", err)
	}

	closeFn := func() {
		closeFPCache()
		if db != nil {
			db.Close()
		}
	}
	return rt, store, fpCache, db, closeFn, nil
}

// openFingerprintCacheBackend picks where the incremental-mode fingerprint
// cache lives: the same object store every artifact uses by default, or a
// shared Redis instance when asset_runtime.cache_backend is "redis" so
// multiple orchestrator processes agree on "already materialized" state
// without sharing a filesystem.
func openFingerprintCacheBackend(cfg *config.Config, primary objectstore.ObjectBackend) (objectstore.ObjectBackend, func(), error) {
	if cfg.AssetRT.CacheBackend != "redis" {
		return primary, func() {}, nil
	}
	backend, err := objectstore.NewRedisBackend(cfg.AssetRT.CacheAddr)
	if err != nil {
		return nil, nil, err
	}
	return backend, func() { backend.Close(context.Background()) }, nil
}

// registerAssets declares the full DAG: one raw-extraction asset per
// configured source, the awards validate/enrich/dedupe/categorize
// chain, a company aggregation, a patent-assignment chain build, and a
// terminal graph-load asset. This is the "registry populated at startup
// from an explicit list of asset definitions" spec.md §9 calls for.
func registerAssets(rt *assetrt.Runtime, cfg *config.Config, store objectstore.ObjectBackend, db *sql.DB) {
	bySource := make(map[string]config.SourceConfig, len(cfg.Sources))
	for _, s := range cfg.Sources {
		bySource[s.Name] = s
		rt.Register(rawExtractAsset(s))
	}

	if _, ok := bySource["awards"]; ok {
		rt.Register(awardsValidatedAsset())
		rt.Register(awardsEnrichedAsset(cfg))
		rt.Register(awardsDedupedAsset())
		rt.Register(awardsCategorizedAsset(cfg))
		rt.Register(companiesAggregatedAsset(cfg))
	}

	_, patentChainsEnabled := bySource["patent_assignments"]
	if patentChainsEnabled {
		rt.Register(patentChainsAsset())
	}

	_, federalContractsEnabled := bySource["federal_contracts"]
	if federalContractsEnabled {
		rt.Register(federalContractsAsset())
	}

	if db != nil {
		rt.Register(graphLoadedAsset(db, cfg.Retention, patentChainsEnabled, federalContractsEnabled))
	}
}

// --- JSON-lines helpers -----------------------------------------------

// jsonLinesIterator streams one Chunk per already-encoded line.
type jsonLinesIterator struct {
	lines [][]byte
	pos   int
}

func newJSONLinesIterator(rows []interface{}) (*jsonLinesIterator, error) {
	lines := make([][]byte, 0, len(rows))
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return nil, pipelineerr.ErrConfig("marshal row", err)
		}
		lines = append(lines, append(data, '\n'))
	}
	return &jsonLinesIterator{lines: lines}, nil
}

func (it *jsonLinesIterator) Next(ctx context.Context) (assetrt.Chunk, bool, error) {
	if ctx.Err() != nil {
		return assetrt.Chunk{}, false, pipelineerr.ErrCancelled("jsonlines")
	}
	if it.pos >= len(it.lines) {
		return assetrt.Chunk{}, false, nil
	}
	c := assetrt.Chunk{Index: it.pos, Data: it.lines[it.pos]}
	it.pos++
	return c, true, nil
}

// decodeJSONLines splits an artifact's bytes into decoded rows of T.
func decodeJSONLines[T any](data []byte) ([]T, error) {
	var out []T
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var row T
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, pipelineerr.ErrSchemaMismatch("jsonlines", "T", err.Error())
		}
		out = append(out, row)
	}
	return out, scanner.Err()
}

// rawRecord is the JSON-lines shape each raw-extraction asset emits.
type rawRecord struct {
	Row    int64             `json:"row"`
	Fields map[string]string `json:"fields"`
}

// --- raw extraction -----------------------------------------------------

func rawExtractAsset(src config.SourceConfig) assetrt.Asset {
	return assetrt.Asset{
		Key: "raw_" + src.Name,
		Materializer: func(ctx context.Context, inputs map[string][]byte, _ map[string]interface{}) (assetrt.ChunkIterator, error) {
			delim := ','
			if src.Delimiter != "" {
				delim = rune(src.Delimiter[0])
			}
			ex, err := extract.Open(extract.Kind(src.Kind), src.Name, src.Path, delim, src.HasHeader, nil, src.JoinKey)
			if err != nil {
				return nil, err
			}
			defer ex.Close()

			var rows []interface{}
			for {
				rec, err := ex.Next(ctx)
				if err != nil {
					if err != io.EOF {
						metrics.RecordExtractRow(src.Name, true)
					}
					break // io.EOF or a source error; extractor contract treats both as stream end here
				}
				metrics.RecordExtractRow(src.Name, false)
				rows = append(rows, rawRecord{Row: rec.Row, Fields: rec.Fields})
			}
			return newJSONLinesIterator(rows)
		},
	}
}

// --- awards: validate ----------------------------------------------------

// validationStats is shared, via closure, between awardsValidatedAsset's
// materializer (which records the pass rate of the run it just
// finished) and its quality-gate check (which reads that rate back).
type validationStats struct {
	lastPassRate float64
}

func awardsValidatedAsset() assetrt.Asset {
	stats := &validationStats{lastPassRate: 1}
	return assetrt.Asset{
		Key:    "awards_validated",
		Inputs: []string{"raw_awards"},
		Checks: []assetrt.Check{
			{
				Name:      "min_pass_rate",
				Severity:  qualitygate.SeverityError,
				Threshold: 0.90,
				Predicate: func(meta assetrt.Metadata) (bool, float64) {
					return stats.lastPassRate >= 0.90, stats.lastPassRate
				},
			},
		},
		Materializer: func(ctx context.Context, inputs map[string][]byte, _ map[string]interface{}) (assetrt.ChunkIterator, error) {
			raw, err := decodeJSONLines[rawRecord](inputs["raw_awards"])
			if err != nil {
				return nil, err
			}
			v := validate.NewValidator(awardRules())

			var rows []interface{}
			var ok, total int
			for _, r := range raw {
				total++
				outcome := v.Validate(r.Fields)
				if outcome.Severity != validate.SeverityError {
					ok++
					rows = append(rows, r)
				}
			}
			if total > 0 {
				stats.lastPassRate = float64(ok) / float64(total)
			} else {
				stats.lastPassRate = 1
			}
			return newJSONLinesIterator(rows)
		},
	}
}

func awardRules() []validate.Rule {
	return []validate.Rule{
		{Name: "award_id_present", Kind: validate.RuleCompleteness, Field: "award_id", Severity: validate.SeverityError, Disposition: validate.DispositionStrict, MinNonNullFraction: 0.99},
		{Name: "agency_present", Kind: validate.RuleCompleteness, Field: "agency", Severity: validate.SeverityWarn, Disposition: validate.DispositionLenient, MinNonNullFraction: 0.95},
		validate.PhaseIICapRule("phase_ii_cap", 1_500_000),
	}
}

// --- awards: enrich -------------------------------------------------------

func awardsEnrichedAsset(cfg *config.Config) assetrt.Asset {
	return assetrt.Asset{
		Key:    "awards_enriched",
		Inputs: []string{"awards_validated"},
		Materializer: func(ctx context.Context, inputs map[string][]byte, _ map[string]interface{}) (assetrt.ChunkIterator, error) {
			rows, err := decodeJSONLines[rawRecord](inputs["awards_validated"])
			if err != nil {
				return nil, err
			}

			resources := enrich.Resources{
				Index:          lookupindex.NewIndex(10000),
				Breaker:        map[string]*resilience.CircuitBreaker{},
				Limiter:        map[string]*resilience.TokenBucket{},
				DomainDefaults: map[string]string{},
				SectorFallback: "OTHER",
			}
			engine := enrich.NewEngine(resources, cfg.AssetRT.MaxConcurrency)

			plan := enrich.Plan{
				FieldName:     "naics_code",
				StopThreshold: 0.80,
				Steps: []enrich.PlanStep{
					{Source: "original", Strategy: enrich.StrategyKeepOriginal, Priority: 0, Enabled: true},
					{Source: "supplier_registration", Strategy: enrich.StrategyIdentifierExact, Priority: 1, Enabled: true},
					{Source: "domain_default", Strategy: enrich.StrategyDomainDefault, Priority: 2, Enabled: true},
					{Source: "sector_fallback", Strategy: enrich.StrategySectorFallback, Priority: 3, Enabled: true},
				},
			}

			var out []interface{}
			for _, r := range rows {
				target := enrich.Target{
					RecordID:   r.Fields["award_id"],
					Name:       r.Fields["company_name"],
					SupplierID: r.Fields["supplier_id"],
					LegacyID:   r.Fields["legacy_id"],
					Agency:     r.Fields["agency"],
					RawValues:  map[string]string{"naics_code": r.Fields["naics_code"]},
				}
				results := engine.EnrichOne(ctx, target, []enrich.Plan{plan})
				merged := map[string]string{}
				for k, v := range r.Fields {
					merged[k] = v
				}
				for _, res := range results {
					if res.EnrichedValue != "" {
						merged[res.FieldName] = res.EnrichedValue
					}
				}
				out = append(out, rawRecord{Row: r.Row, Fields: merged})
			}
			return newJSONLinesIterator(out)
		},
	}
}

// --- awards: dedupe -------------------------------------------------------

func recordToAward(r rawRecord) model.Award {
	amountCents, _ := strconv.ParseInt(r.Fields["amount_cents"], 10, 64)
	awardDate, _ := time.Parse("2006-01-02", r.Fields["award_date"])
	return model.Award{
		AwardID:        r.Fields["award_id"],
		CompanyRef:     r.Fields["company_ref"],
		Agency:         r.Fields["agency"],
		Program:        r.Fields["program"],
		Phase:          model.Phase(r.Fields["phase"]),
		AmountCents:    amountCents,
		AwardDate:      awardDate,
		SupplierID:     r.Fields["supplier_id"],
		LegacyID:       r.Fields["legacy_id"],
		NAICSCode:      r.Fields["naics_code"],
		Abstract:       r.Fields["abstract"],
		SourceContexts: []string{"raw_awards"},
	}
}

func awardsDedupedAsset() assetrt.Asset {
	return assetrt.Asset{
		Key:    "awards_deduped",
		Inputs: []string{"awards_enriched"},
		Materializer: func(ctx context.Context, inputs map[string][]byte, _ map[string]interface{}) (assetrt.ChunkIterator, error) {
			rows, err := decodeJSONLines[rawRecord](inputs["awards_enriched"])
			if err != nil {
				return nil, err
			}
			deduper := transform.NewDeduper()
			for _, r := range rows {
				deduper.Add(recordToAward(r))
			}
			var out []interface{}
			for _, a := range deduper.Awards() {
				out = append(out, a)
			}
			return newJSONLinesIterator(out)
		},
	}
}

// --- awards: categorize ----------------------------------------------------

// categorizedAward is the on-disk shape of the awards_categorized asset:
// an Award plus the categorize package's label assignment, carried
// through so downstream assets (company aggregation, graph load) can
// read primary/supporting category without re-running classification.
type categorizedAward struct {
	model.Award
	PrimaryCategory      string   `json:"primary_category,omitempty"`
	SupportingCategories []string `json:"supporting_categories,omitempty"`
}

func awardsCategorizedAsset(cfg *config.Config) assetrt.Asset {
	return assetrt.Asset{
		Key:    "awards_categorized",
		Inputs: []string{"awards_deduped"},
		Materializer: func(ctx context.Context, inputs map[string][]byte, _ map[string]interface{}) (assetrt.ChunkIterator, error) {
			awards, err := decodeJSONLines[model.Award](inputs["awards_deduped"])
			if err != nil {
				return nil, err
			}
			artifactPath := config.GetEnv("CATEGORIZE_ARTIFACT", "configs/categorize_artifact.json")
			classifier, err := categorize.Load(artifactPath)
			if err != nil {
				return nil, err
			}

			ids := make([]string, len(awards))
			texts := make([]string, len(awards))
			for i, a := range awards {
				ids[i] = a.AwardID
				texts[i] = a.Abstract
			}
			cats, err := categorize.CategorizeAwards(classifier, ids, texts)
			if err != nil {
				return nil, err
			}
			byID := make(map[string]categorize.AwardCategorization, len(cats))
			for _, c := range cats {
				byID[c.AwardID] = c
			}

			var out []interface{}
			for _, a := range awards {
				c := byID[a.AwardID]
				out = append(out, categorizedAward{Award: a, PrimaryCategory: c.PrimaryCategory, SupportingCategories: c.SupportingCategories})
			}
			return newJSONLinesIterator(out)
		},
	}
}

// --- company aggregation ---------------------------------------------------

func companiesAggregatedAsset(cfg *config.Config) assetrt.Asset {
	return assetrt.Asset{
		Key:    "companies_aggregated",
		Inputs: []string{"awards_categorized"},
		Materializer: func(ctx context.Context, inputs map[string][]byte, _ map[string]interface{}) (assetrt.ChunkIterator, error) {
			awards, err := decodeJSONLines[categorizedAward](inputs["awards_categorized"])
			if err != nil {
				return nil, err
			}

			sectorMapper := transform.NewSectorMapper(cfg.Sectors.Table, cfg.Sectors.Fallback)
			categories := make(map[string][]string, len(awards))
			plain := make([]model.Award, len(awards))
			for i, a := range awards {
				plain[i] = a.Award
				labels := make([]string, 0, 2)
				if a.PrimaryCategory != "" {
					labels = append(labels, a.PrimaryCategory)
				}
				if sector, _ := sectorMapper.Sector(a.NAICSCode); sector != "" {
					labels = append(labels, sector)
				}
				categories[a.AwardID] = labels
			}

			metrics := transform.AggregateCompanies(plain, categories)
			var out []interface{}
			for _, m := range metrics {
				out = append(out, m)
			}
			return newJSONLinesIterator(out)
		},
	}
}

// --- patent assignment chains -----------------------------------------------

func patentChainsAsset() assetrt.Asset {
	return assetrt.Asset{
		Key:    "patent_chains",
		Inputs: []string{"raw_patent_assignments"},
		Materializer: func(ctx context.Context, inputs map[string][]byte, _ map[string]interface{}) (assetrt.ChunkIterator, error) {
			raw, err := decodeJSONLines[rawRecord](inputs["raw_patent_assignments"])
			if err != nil {
				return nil, err
			}
			var assignments []model.PatentAssignment
			for _, r := range raw {
				execDate, _ := time.Parse("2006-01-02", r.Fields["execution_date"])
				recDate, _ := time.Parse("2006-01-02", r.Fields["record_date"])
				assignments = append(assignments, model.PatentAssignment{
					RFID:            r.Fields["rf_id"],
					PatentKey:       r.Fields["patent_key"],
					Conveyance:      model.ConveyanceType(r.Fields["conveyance_type"]),
					ExecutionDate:   execDate,
					RecordDate:      recDate,
					PredecessorRFID: r.Fields["predecessor_rf_id"],
				})
			}
			chains, cycleErrs := transform.BuildChains(assignments)
			var out []interface{}
			for _, c := range chains {
				out = append(out, c)
			}
			for _, e := range cycleErrs {
				out = append(out, map[string]string{"error": e.Error()})
			}
			return newJSONLinesIterator(out)
		},
	}
}

// --- federal contracts ------------------------------------------------------

func federalContractsAsset() assetrt.Asset {
	return assetrt.Asset{
		Key:    "federal_contracts",
		Inputs: []string{"raw_federal_contracts"},
		Materializer: func(ctx context.Context, inputs map[string][]byte, _ map[string]interface{}) (assetrt.ChunkIterator, error) {
			raw, err := decodeJSONLines[rawRecord](inputs["raw_federal_contracts"])
			if err != nil {
				return nil, err
			}
			var out []interface{}
			for _, r := range raw {
				amountCents, _ := strconv.ParseInt(r.Fields["amount_cents"], 10, 64)
				date, _ := time.Parse("2006-01-02", r.Fields["date"])
				out = append(out, model.FederalContract{
					PIID:                r.Fields["piid"],
					Modification:        r.Fields["modification"],
					RecipientIdentifier: r.Fields["recipient_identifier"],
					AmountCents:         amountCents,
					Date:                date,
					ProductServiceCode:  r.Fields["product_service_code"],
				})
			}
			return newJSONLinesIterator(out)
		},
	}
}

// --- graph load --------------------------------------------------------------

// chainRow is the on-disk shape of one patent_chains line: either a
// transform.Chain, or a cycle-rejection marker (PatentKey empty, Error
// set) that the graph loader must skip rather than load as an empty chain.
type chainRow struct {
	transform.Chain
	Error string `json:"error,omitempty"`
}

func graphLoadedAsset(db *sql.DB, retention config.RetentionConfig, patentChainsEnabled, federalContractsEnabled bool) assetrt.Asset {
	inputs := []string{"awards_categorized", "companies_aggregated"}
	if patentChainsEnabled {
		inputs = append(inputs, "patent_chains")
	}
	if federalContractsEnabled {
		inputs = append(inputs, "federal_contracts")
	}

	return assetrt.Asset{
		Key:    "graph_loaded",
		Inputs: inputs,
		Materializer: func(ctx context.Context, inputs map[string][]byte, _ map[string]interface{}) (assetrt.ChunkIterator, error) {
			awards, err := decodeJSONLines[categorizedAward](inputs["awards_categorized"])
			if err != nil {
				return nil, err
			}

			loader := graphload.NewLoader(db, graphload.DefaultBatchConfig())
			if err := loader.Bootstrap(ctx); err != nil {
				return nil, err
			}

			orgRows := make([]graphload.NodeRow, 0, len(awards))
			txnRows := make([]graphload.NodeRow, 0, len(awards))
			var cetRows []graphload.NodeRow
			var edges []graphload.Edge
			seenOrg := map[string]bool{}
			seenCET := map[string]bool{}
			for _, a := range awards {
				orgID := graphload.OrganizationIdentity(a.SupplierID, normalize.NormalizeName(a.CompanyRef), "", "")
				if a.CompanyRef != "" && !seenOrg[orgID] {
					seenOrg[orgID] = true
					orgRows = append(orgRows, graphload.NodeRow{
						Columns: []string{"organization_id", "normalized_name", "organization_type"},
						Values: map[string]any{
							"organization_id":   orgID,
							"normalized_name":   normalize.NormalizeName(a.CompanyRef),
							"organization_type": string(model.OrgCompany),
						},
					})
				}
				txnRows = append(txnRows, graphload.NodeRow{
					Columns: []string{"transaction_id", "agency", "amount_cents"},
					Values: map[string]any{
						"transaction_id": a.AwardID,
						"agency":         a.Agency,
						"amount_cents":   a.AmountCents,
					},
				})
				edges = append(edges, graphload.Edge{SrcKey: orgID, RelType: graphload.RelRecipientOf, DstKey: a.AwardID})
				edges = append(edges, graphload.Edge{SrcKey: a.AwardID, RelType: graphload.RelFundedBy, DstKey: a.Agency})

				for _, cet := range dedupeNonEmpty(a.PrimaryCategory, a.SupportingCategories) {
					if !seenCET[cet] {
						seenCET[cet] = true
						cetRows = append(cetRows, graphload.NodeRow{
							Columns: []string{"cet_id", "display_name"},
							Values:  map[string]any{"cet_id": cet, "display_name": cet},
						})
					}
					edges = append(edges, graphload.Edge{SrcKey: a.AwardID, RelType: graphload.RelApplicableTo, DstKey: cet})
				}
			}

			var patentRows, assignmentRows []graphload.NodeRow
			if patentChainsEnabled {
				chainRows, err := decodeJSONLines[chainRow](inputs["patent_chains"])
				if err != nil {
					return nil, err
				}
				seenPatent := map[string]bool{}
				for _, c := range chainRows {
					if c.Error != "" || c.PatentKey == "" {
						continue
					}
					if !seenPatent[c.PatentKey] {
						seenPatent[c.PatentKey] = true
						patentRows = append(patentRows, graphload.NodeRow{
							Columns: []string{"grant_doc_num"},
							Values:  map[string]any{"grant_doc_num": c.PatentKey},
						})
					}
					for _, asg := range c.Assignments {
						assignmentRows = append(assignmentRows, graphload.NodeRow{
							Columns: []string{"rf_id", "patent_key", "conveyance_type", "execution_date", "record_date"},
							Values: map[string]any{
								"rf_id":           asg.RFID,
								"patent_key":      asg.PatentKey,
								"conveyance_type": string(asg.Conveyance),
								"execution_date":  asg.ExecutionDate,
								"record_date":     asg.RecordDate,
							},
						})
						edges = append(edges, graphload.Edge{SrcKey: c.PatentKey, RelType: graphload.RelAssignedVia, DstKey: asg.RFID})
						if asg.PredecessorRFID != "" {
							edges = append(edges, graphload.Edge{SrcKey: asg.RFID, RelType: graphload.RelChainOf, DstKey: asg.PredecessorRFID})
						}
					}
				}
			}

			if federalContractsEnabled {
				contracts, err := decodeJSONLines[model.FederalContract](inputs["federal_contracts"])
				if err != nil {
					return nil, err
				}
				for _, c := range contracts {
					orgID := graphload.OrganizationIdentity("", normalize.NormalizeName(c.RecipientIdentifier), "", "")
					if c.RecipientIdentifier != "" && !seenOrg[orgID] {
						seenOrg[orgID] = true
						orgRows = append(orgRows, graphload.NodeRow{
							Columns: []string{"organization_id", "normalized_name", "organization_type"},
							Values: map[string]any{
								"organization_id":   orgID,
								"normalized_name":   normalize.NormalizeName(c.RecipientIdentifier),
								"organization_type": string(model.OrgCompany),
							},
						})
					}
					txnRows = append(txnRows, graphload.NodeRow{
						Columns: []string{"transaction_id", "amount_cents"},
						Values: map[string]any{
							"transaction_id": c.Key(),
							"amount_cents":   c.AmountCents,
						},
					})
					edges = append(edges, graphload.Edge{SrcKey: orgID, RelType: graphload.RelRecipientOf, DstKey: c.Key()})
				}
			}

			var reports []graphload.BatchReport
			reports = append(reports, loader.LoadNodes(ctx, graphload.NodeOrganization, orgRows))
			reports = append(reports, loader.LoadNodes(ctx, graphload.NodeFinancialTransaction, txnRows))
			reports = append(reports, loader.LoadNodes(ctx, graphload.NodeCETArea, cetRows))
			reports = append(reports, loader.LoadNodes(ctx, graphload.NodePatent, patentRows))
			reports = append(reports, loader.LoadNodes(ctx, graphload.NodePatentAssignment, assignmentRows))
			edgeReport := loader.LoadEdges(ctx, edges)

			upserted, combineErr := graphload.CombineReports(reports)
			if combineErr != nil {
				return nil, pipelineerr.ErrLoaderConstraint("graph_loaded", combineErr)
			}

			var tombstoned int64
			if retention.Enabled {
				presentOrgs := make([]string, 0, len(seenOrg))
				for k := range seenOrg {
					presentOrgs = append(presentOrgs, k)
				}
				n, err := loader.ReconcileTombstones(ctx, graphload.NodeOrganization, presentOrgs)
				if err != nil {
					return nil, err
				}
				tombstoned = n
			}

			summary := map[string]interface{}{
				"organizations_upserted":   upserted,
				"patents_upserted":         len(patentRows),
				"patent_assignments":       len(assignmentRows),
				"cet_areas_upserted":       len(cetRows),
				"edges_attempted":          len(edges),
				"edge_failures":            len(edgeReport.Failed),
				"organizations_tombstoned": tombstoned,
			}
			return newJSONLinesIterator([]interface{}{summary})
		},
	}
}

// dedupeNonEmpty combines primary with supporting labels, dropping blanks
// and duplicates while preserving first-seen order.
func dedupeNonEmpty(primary string, supporting []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, label := range append([]string{primary}, supporting...) {
		if label == "" || seen[label] {
			continue
		}
		seen[label] = true
		out = append(out, label)
	}
	return out
}

// --- benchmark -----------------------------------------------------------

func runBenchmark(ctx context.Context, cfg *config.Config, store objectstore.ObjectBackend, baselinePath string, tolerance float64) (int, error) {
	baseline, err := reporting.LoadBaseline(ctx, store, baselinePath)
	if err != nil {
		return exitInfraUnreachable, err
	}

	resources := enrich.Resources{
		Index:          lookupindex.NewIndex(1000),
		Breaker:        map[string]*resilience.CircuitBreaker{},
		Limiter:        map[string]*resilience.TokenBucket{},
		DomainDefaults: map[string]string{},
		SectorFallback: "OTHER",
	}
	engine := enrich.NewEngine(resources, cfg.AssetRT.MaxConcurrency)
	plan := enrich.Plan{FieldName: "naics_code", StopThreshold: 0.80, Steps: []enrich.PlanStep{
		{Source: "original", Strategy: enrich.StrategyKeepOriginal, Priority: 0, Enabled: true},
		{Source: "domain_default", Strategy: enrich.StrategyDomainDefault, Priority: 1, Enabled: true},
		{Source: "sector_fallback", Strategy: enrich.StrategySectorFallback, Priority: 2, Enabled: true},
	}}

	var current []reporting.BenchmarkSample
	for _, s := range baseline.Samples {
		target := enrich.Target{RecordID: s.TargetRecordID}
		results := engine.EnrichOne(ctx, target, []enrich.Plan{plan})
		for _, r := range results {
			current = append(current, reporting.BenchmarkSample{
				TargetRecordID: s.TargetRecordID,
				Source:         string(r.Source),
				Confidence:     r.Confidence,
			})
		}
	}

	regressions := reporting.CompareToBaseline(baseline, current, tolerance)
	for _, r := range regressions {
		fmt.Printf("regression: %s baseline=%s/%.2f current=%s/%.2f\n", r.TargetRecordID, r.BaselineSource, r.BaselineConfidence, r.CurrentSource, r.CurrentConfidence)
	}
	if len(regressions) > 0 {
		return exitGateBlocking, fmt.Errorf("%d regression(s) detected", len(regressions))
	}
	return exitOK, nil
}

// --- run reporting and the incremental fingerprint cache -------------------

// fingerprintCachePath is a well-known object store key holding the last
// fingerprint observed for every asset materialized in this work dir, so
// a later "incremental" run (or a check run, which never materializes)
// can tell the Asset Runtime what already exists.
const fingerprintCachePath = "_state/fingerprints.json"

// loadPriorFingerprints reads the fingerprint cache back from store. A
// missing or unreadable cache is treated as "nothing materialized yet"
// rather than an error, so the first run of a fresh work dir always
// proceeds to materialize everything.
func loadPriorFingerprints(ctx context.Context, store objectstore.ObjectBackend) map[string]string {
	data, err := store.Load(ctx, fingerprintCachePath)
	if err != nil {
		return map[string]string{}
	}
	var cache map[string]string
	if err := json.Unmarshal(data, &cache); err != nil {
		return map[string]string{}
	}
	return cache
}

// saveFingerprintCache merges this run's observed fingerprints into the
// cache and persists it, so the next invocation's loadPriorFingerprints
// sees them. Skipped assets keep the fingerprint that was already in the
// cache; a failed asset carries no fingerprint, and a gate-blocked
// asset's fingerprint is not recorded, so neither is carried forward.
func saveFingerprintCache(ctx context.Context, store objectstore.ObjectBackend, results []assetrt.Result) error {
	cache := loadPriorFingerprints(ctx, store)
	for _, r := range results {
		if r.Metadata.Fingerprint != "" && r.Status != assetrt.StatusGateBlocked {
			cache[r.AssetKey] = r.Metadata.Fingerprint
		}
	}
	data, err := json.Marshal(cache)
	if err != nil {
		return pipelineerr.ErrConfig("marshal fingerprint cache", err)
	}
	if err := store.Save(ctx, fingerprintCachePath, data); err != nil {
		return pipelineerr.ErrExternalTransient("objectstore", err)
	}
	return nil
}

// writeRunSummary folds one run's results into the aggregated per-run
// report spec.md §4.9 calls for and persists it alongside the
// materialization sidecars.
func writeRunSummary(ctx context.Context, store objectstore.ObjectBackend, runID string, mode model.RunMode, startedAt, endedAt time.Time, results []assetrt.Result) error {
	perAsset := make(map[string][]qualitygate.Result, len(results))
	artifacts := make([]model.Artifact, 0, len(results))
	for _, r := range results {
		perAsset[r.AssetKey] = r.Metadata.CheckResults
		if r.Metadata.Fingerprint == "" {
			continue
		}
		artifacts = append(artifacts, model.Artifact{
			AssetKey:     r.AssetKey,
			Fingerprint:  r.Metadata.Fingerprint,
			RowCount:     r.Metadata.RowsProcessed,
			BytesWritten: r.Metadata.BytesWritten,
			DurationMS:   r.Metadata.Duration.Milliseconds(),
			PeakMemoryMB: r.Metadata.PeakMemoryDeltaMB,
			ProducedAt:   endedAt,
			Dependencies: dependencyKeys(r.Metadata.UpstreamFingerprints),
		})
	}

	summary := reporting.RunSummary{
		RunID:      runID,
		Mode:       mode,
		StartedAt:  startedAt,
		EndedAt:    endedAt,
		Artifacts:  artifacts,
		GateReport: qualitygate.NewRunReport(perAsset),
	}
	w := reporting.NewWriter(store, "materialized")
	return w.WriteRunSummary(ctx, summary)
}

func dependencyKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// --- scheduled materialize -------------------------------------------------

type cronRunner struct {
	c       *cron.Cron
	runOnce func() int
	done    chan int
}

func newCronRunner(expr string, runOnce func() int) (*cronRunner, error) {
	c := cron.New()
	r := &cronRunner{c: c, runOnce: runOnce, done: make(chan int, 1)}
	if _, err := c.AddFunc(expr, func() {
		if code := runOnce(); code == exitGateBlocking {
			r.done <- code
		}
	}); err != nil {
		return nil, pipelineerr.ErrConfig("invalid --schedule expression", err)
	}
	return r, nil
}

// RunForever starts the cron schedule and blocks until a scheduled run
// reports a quality-gate block, which this process surfaces as its own
// exit code rather than silently continuing on a broken schedule.
func (r *cronRunner) RunForever() int {
	r.c.Start()
	defer r.c.Stop()
	return <-r.done
}
