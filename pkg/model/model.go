// Package model defines the pipeline's core entity types: the typed
// records that flow from extraction through enrichment, transformation,
// and graph load.
package model

import "time"

// Phase is an SBIR/STTR award phase.
type Phase string

const (
	PhaseI   Phase = "I"
	PhaseII  Phase = "II"
	PhaseIII Phase = "III"
)

// OrganizationType classifies an Organization node.
type OrganizationType string

const (
	OrgCompany    OrganizationType = "COMPANY"
	OrgUniversity OrganizationType = "UNIVERSITY"
	OrgGovernment OrganizationType = "GOVERNMENT"
	OrgAgency     OrganizationType = "AGENCY"
)

// ConveyanceType classifies a PatentAssignment.
type ConveyanceType string

const (
	ConveyanceAssignment       ConveyanceType = "ASSIGNMENT"
	ConveyanceLicense          ConveyanceType = "LICENSE"
	ConveyanceSecurityInterest ConveyanceType = "SECURITY_INTEREST"
	ConveyanceMerger           ConveyanceType = "MERGER"
	ConveyanceOther            ConveyanceType = "OTHER"
)

// Award is an SBIR/STTR funding award, immutable once extracted.
type Award struct {
	AwardID        string    `json:"award_id"`
	CompanyRef     string    `json:"company_ref"`
	Agency         string    `json:"agency"`
	Program        string    `json:"program"`
	Phase          Phase     `json:"phase"`
	AmountCents    int64     `json:"amount_cents"`
	AwardDate      time.Time `json:"award_date"`
	SupplierID     string    `json:"supplier_id,omitempty"`
	LegacyID       string    `json:"legacy_id,omitempty"`
	NAICSCode      string    `json:"naics_code,omitempty"`
	Abstract       string    `json:"abstract,omitempty"`
	SourceContexts []string  `json:"source_contexts,omitempty"`
}

// Organization is the unified entity for companies, universities,
// government bodies, and funding agencies.
type Organization struct {
	OrganizationID string           `json:"organization_id"`
	SupplierID     string           `json:"supplier_id,omitempty"`
	NormalizedName string           `json:"normalized_name"`
	RawNames       []string         `json:"raw_names,omitempty"`
	AddressLine1   string           `json:"address_line1,omitempty"`
	City           string           `json:"city,omitempty"`
	State          string           `json:"state,omitempty"`
	Postcode       string           `json:"postcode,omitempty"`
	Type           OrganizationType `json:"organization_type"`
	MergedFrom     []string         `json:"merged_from,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// FederalContract is an immutable record from the federal contracts dump.
type FederalContract struct {
	PIID                string    `json:"piid"`
	Modification        string    `json:"modification"`
	RecipientIdentifier string    `json:"recipient_identifier"`
	AmountCents         int64     `json:"amount_cents"`
	Date                time.Time `json:"date"`
	ProductServiceCode  string    `json:"product_service_code"`
}

// Key returns the contract's composite identity (piid + modification).
func (c FederalContract) Key() string {
	return c.PIID + "#" + c.Modification
}

// Patent is keyed by grant document number, or a synthetic pre-grant key.
type Patent struct {
	GrantDocNum     string    `json:"grant_doc_num,omitempty"`
	PreGrantKey     string    `json:"pre_grant_key,omitempty"`
	Title           string    `json:"title"`
	FilingDate      time.Time `json:"filing_date"`
	PublicationDate time.Time `json:"publication_date,omitempty"`
	IPCCodes        []string  `json:"ipc_codes,omitempty"`
	CPCCodes        []string  `json:"cpc_codes,omitempty"`
	Language        string    `json:"language,omitempty"`
	Assignees       []string  `json:"assignees,omitempty"`
}

// Key returns the patent's identity: grant doc num if present, else the
// synthetic pre-grant key.
func (p Patent) Key() string {
	if p.GrantDocNum != "" {
		return p.GrantDocNum
	}
	return p.PreGrantKey
}

// IsPreGrant reports whether the patent has not yet been granted.
func (p Patent) IsPreGrant() bool {
	return p.GrantDocNum == ""
}

// PatentAssignment is one link in a patent's chain of ownership transfers.
type PatentAssignment struct {
	RFID            string         `json:"rf_id"`
	PatentKey       string         `json:"patent_key"`
	Conveyance      ConveyanceType `json:"conveyance_type"`
	ExecutionDate   time.Time      `json:"execution_date"`
	RecordDate      time.Time      `json:"record_date"`
	EmployerFlag    bool           `json:"employer_flag"`
	Assignors       []string       `json:"assignors,omitempty"`
	Assignees       []string       `json:"assignees,omitempty"`
	PredecessorRFID string         `json:"predecessor_rf_id,omitempty"`
}

// CategoryLabel is a node in the CET (Critical and Emerging Technology)
// taxonomy.
type CategoryLabel struct {
	Slug        string `json:"slug"`
	DisplayName string `json:"display_name"`
	ParentSlug  string `json:"parent_slug,omitempty"`
	Version     int    `json:"version"`
}

// EnrichmentSourceTag enumerates the provenance of an EnrichmentResult.
type EnrichmentSourceTag string

const (
	SourceOriginal        EnrichmentSourceTag = "original"
	SourceIdentifierExact EnrichmentSourceTag = "identifier_exact"
	SourceLegacyID        EnrichmentSourceTag = "legacy_id"
	SourceAPILookup       EnrichmentSourceTag = "api_lookup"
	SourceNameFuzzy       EnrichmentSourceTag = "name_fuzzy"
	SourceProximity       EnrichmentSourceTag = "proximity_filter"
	SourceDomainDefault   EnrichmentSourceTag = "domain_default"
	SourceSectorFallback  EnrichmentSourceTag = "sector_fallback"
	SourceNoMatch         EnrichmentSourceTag = "no_match"
)

// EnrichmentResult is the winning (and, via Alternates, losing) candidate
// value for one (target_record_id, field_name) pair.
type EnrichmentResult struct {
	TargetRecordID string                 `json:"target_record_id"`
	FieldName      string                 `json:"field_name"`
	EnrichedValue  string                 `json:"enriched_value"`
	OriginalValue  string                 `json:"original_value,omitempty"`
	Confidence     float64                `json:"confidence"`
	Source         EnrichmentSourceTag    `json:"source"`
	Method         string                 `json:"method"`
	Evidence       map[string]interface{} `json:"evidence,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Alternates     []EnrichmentCandidate  `json:"alternates,omitempty"`
}

// EnrichmentCandidate records one attempted-but-not-winning strategy
// outcome for audit and manual review of near-misses.
type EnrichmentCandidate struct {
	Source     EnrichmentSourceTag    `json:"source"`
	Value      string                 `json:"value"`
	Confidence float64                `json:"confidence"`
	Evidence   map[string]interface{} `json:"evidence,omitempty"`
}

// ConfidenceBand classifies a confidence score per the spec's fixed bands.
func ConfidenceBand(confidence float64) string {
	switch {
	case confidence >= 0.80:
		return "high"
	case confidence >= 0.60:
		return "medium"
	default:
		return "low"
	}
}

// RunMode selects full recomputation vs. fingerprint-skipping incremental mode.
type RunMode string

const (
	RunModeFull        RunMode = "full"
	RunModeIncremental RunMode = "incremental"
)

// Run is one invocation of the orchestrator.
type Run struct {
	RunID          string             `json:"run_id"`
	Mode           RunMode            `json:"mode"`
	AssetSelection []string           `json:"asset_selection"`
	StartedAt      time.Time          `json:"started_at"`
	EndedAt        time.Time          `json:"ended_at,omitempty"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
	GateResults    []GateResult       `json:"gate_results,omitempty"`
}

// GateResult is one quality-gate evaluation attached to a Run or Artifact.
type GateResult struct {
	AssetKey  string  `json:"asset_key"`
	GateName  string  `json:"gate_name"`
	Severity  string  `json:"severity"`
	Passed    bool    `json:"passed"`
	Observed  float64 `json:"observed"`
	Threshold float64 `json:"threshold"`
}

// Artifact is a materialized asset: a data file plus sidecar metadata.
type Artifact struct {
	AssetKey     string    `json:"asset_key"`
	Partition    string    `json:"partition,omitempty"`
	Fingerprint  string    `json:"fingerprint"`
	StoragePath  string    `json:"storage_path"`
	RowCount     int64     `json:"row_count"`
	SchemaDigest string    `json:"schema_digest"`
	ProducedAt   time.Time `json:"produced_at"`
	Dependencies []string  `json:"dependencies,omitempty"`
	BytesWritten int64     `json:"bytes_written"`
	DurationMS   int64     `json:"duration_ms"`
	PeakMemoryMB int64     `json:"peak_memory_mb"`
}
