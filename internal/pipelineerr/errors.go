// Package pipelineerr provides the pipeline's unified error taxonomy.
package pipelineerr

import (
	"errors"
	"fmt"
)

// Code identifies a category of pipeline failure.
type Code string

const (
	// ConfigError indicates malformed or missing configuration.
	ConfigError Code = "CONFIG_ERROR"
	// SourceUnavailable indicates an input source could not be reached or read.
	SourceUnavailable Code = "SOURCE_UNAVAILABLE"
	// SchemaMismatch indicates a source's columns/shape no longer matches expectations.
	SchemaMismatch Code = "SCHEMA_MISMATCH"
	// RowDecodeError indicates a single record failed to parse.
	RowDecodeError Code = "ROW_DECODE_ERROR"
	// ValidationIssue indicates a record failed a validation rule.
	ValidationIssue Code = "VALIDATION_ISSUE"
	// EnrichmentMiss indicates every enrichment source in the fallback chain missed.
	EnrichmentMiss Code = "ENRICHMENT_MISS"
	// ExternalTransient indicates a retryable failure calling an external dependency.
	ExternalTransient Code = "EXTERNAL_TRANSIENT"
	// ExternalPermanent indicates a non-retryable failure calling an external dependency.
	ExternalPermanent Code = "EXTERNAL_PERMANENT"
	// LoaderConflict indicates an upsert conflict the loader could not resolve.
	LoaderConflict Code = "LOADER_CONFLICT"
	// LoaderConstraint indicates a database constraint violation during load.
	LoaderConstraint Code = "LOADER_CONSTRAINT"
	// GateBlocking indicates a blocking quality gate failed and halted the run.
	GateBlocking Code = "GATE_BLOCKING"
	// Cancelled indicates the operation was cancelled via context.
	Cancelled Code = "CANCELLED"
)

// Severity classifies how a PipelineError should affect run control flow.
type Severity string

const (
	// SeverityWarn means the error was recorded but the run continues.
	SeverityWarn Severity = "warn"
	// SeverityBlocking means the error halts the current asset or run.
	SeverityBlocking Severity = "blocking"
	// SeverityFatal means the error halts the entire run immediately.
	SeverityFatal Severity = "fatal"
)

// PipelineError is a structured error carrying a taxonomy code, severity,
// retry eligibility, and arbitrary diagnostic details.
type PipelineError struct {
	Code      Code                   `json:"code"`
	Message   string                 `json:"message"`
	Severity  Severity               `json:"severity"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Err       error                  `json:"-"`
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error, if any.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a diagnostic key/value pair and returns e for chaining.
func (e *PipelineError) WithDetails(key string, value interface{}) *PipelineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a PipelineError with no wrapped cause.
func New(code Code, message string, severity Severity, retryable bool) *PipelineError {
	return &PipelineError{
		Code:      code,
		Message:   message,
		Severity:  severity,
		Retryable: retryable,
	}
}

// Wrap creates a PipelineError wrapping an existing error.
func Wrap(code Code, message string, severity Severity, retryable bool, err error) *PipelineError {
	return &PipelineError{
		Code:      code,
		Message:   message,
		Severity:  severity,
		Retryable: retryable,
		Err:       err,
	}
}

// Config-layer errors

func ErrConfig(message string, err error) *PipelineError {
	return Wrap(ConfigError, message, SeverityFatal, false, err)
}

// Extraction errors

func ErrSourceUnavailable(source string, err error) *PipelineError {
	return Wrap(SourceUnavailable, "source unavailable", SeverityBlocking, true, err).
		WithDetails("source", source)
}

func ErrSchemaMismatch(source string, expected, got interface{}) *PipelineError {
	return New(SchemaMismatch, "source schema mismatch", SeverityBlocking, false).
		WithDetails("source", source).
		WithDetails("expected", expected).
		WithDetails("got", got)
}

func ErrRowDecode(source string, rowIndex int, err error) *PipelineError {
	return Wrap(RowDecodeError, "row decode failed", SeverityWarn, false, err).
		WithDetails("source", source).
		WithDetails("row_index", rowIndex)
}

// Validation errors

func ErrValidation(field, rule, reason string) *PipelineError {
	return New(ValidationIssue, "validation rule failed", SeverityWarn, false).
		WithDetails("field", field).
		WithDetails("rule", rule).
		WithDetails("reason", reason)
}

// Enrichment errors

func ErrEnrichmentMiss(entityKey string, sourcesAttempted []string) *PipelineError {
	return New(EnrichmentMiss, "no enrichment source matched", SeverityWarn, false).
		WithDetails("entity_key", entityKey).
		WithDetails("sources_attempted", sourcesAttempted)
}

// External-dependency errors

func ErrExternalTransient(service string, err error) *PipelineError {
	return Wrap(ExternalTransient, "external call failed transiently", SeverityWarn, true, err).
		WithDetails("service", service)
}

func ErrExternalPermanent(service string, err error) *PipelineError {
	return Wrap(ExternalPermanent, "external call failed permanently", SeverityBlocking, false, err).
		WithDetails("service", service)
}

// Loader errors

func ErrLoaderConflict(nodeType, key string, err error) *PipelineError {
	return Wrap(LoaderConflict, "upsert conflict could not be resolved", SeverityBlocking, false, err).
		WithDetails("node_type", nodeType).
		WithDetails("key", key)
}

func ErrLoaderConstraint(nodeType string, err error) *PipelineError {
	return Wrap(LoaderConstraint, "database constraint violated", SeverityBlocking, false, err).
		WithDetails("node_type", nodeType)
}

// Quality gate errors

func ErrGateBlocking(gateName string, observed, threshold float64) *PipelineError {
	return New(GateBlocking, "blocking quality gate failed", SeverityFatal, false).
		WithDetails("gate", gateName).
		WithDetails("observed", observed).
		WithDetails("threshold", threshold)
}

// Cancellation

func ErrCancelled(operation string) *PipelineError {
	return New(Cancelled, "operation cancelled", SeverityFatal, false).
		WithDetails("operation", operation)
}

// Helper functions

// Is reports whether err is a PipelineError.
func Is(err error) bool {
	var pe *PipelineError
	return errors.As(err, &pe)
}

// As extracts a PipelineError from an error chain, returning nil if absent.
func As(err error) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}

// IsRetryable reports whether err, if a PipelineError, is retryable.
func IsRetryable(err error) bool {
	if pe := As(err); pe != nil {
		return pe.Retryable
	}
	return false
}

// SeverityOf returns the severity of err, defaulting to SeverityBlocking
// for errors that are not PipelineErrors.
func SeverityOf(err error) Severity {
	if pe := As(err); pe != nil {
		return pe.Severity
	}
	return SeverityBlocking
}
