// Package logging provides structured logging with run/asset/chunk context.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried through the pipeline.
type ContextKey string

const (
	// RunIDKey is the context key for the active run id.
	RunIDKey ContextKey = "run_id"
	// AssetKeyKey is the context key for the asset key being materialized.
	AssetKeyKey ContextKey = "asset_key"
	// ChunkIndexKey is the context key for the chunk index within an asset.
	ChunkIndexKey ContextKey = "chunk_index"
	// ComponentKey is the context key for the component name emitting the log.
	ComponentKey ContextKey = "component"
)

// Logger wraps logrus.Logger with pipeline-specific field helpers.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a new Logger instance for the named component.
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{
		Logger:    logger,
		component: component,
	}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment
// variables, defaulting to "info" and "json" when unset.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext creates a log entry carrying run/asset/chunk fields from ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)

	if runID := ctx.Value(RunIDKey); runID != nil {
		entry = entry.WithField("run_id", runID)
	}
	if assetKey := ctx.Value(AssetKeyKey); assetKey != nil {
		entry = entry.WithField("asset_key", assetKey)
	}
	if chunkIndex := ctx.Value(ChunkIndexKey); chunkIndex != nil {
		entry = entry.WithField("chunk_index", chunkIndex)
	}

	return entry
}

// WithRun creates a log entry scoped to a run id.
func (l *Logger) WithRun(runID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		"run_id":    runID,
	})
}

// WithAsset creates a log entry scoped to an asset key.
func (l *Logger) WithAsset(assetKey string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		"asset_key": assetKey,
	})
}

// WithChunk creates a log entry scoped to a chunk within an asset.
func (l *Logger) WithChunk(assetKey string, chunkIndex int) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component":   l.component,
		"asset_key":   assetKey,
		"chunk_index": chunkIndex,
	})
}

// WithFields creates a log entry with custom fields merged with the
// component field.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// WithError creates a log entry carrying an error field.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		"error":     err.Error(),
	})
}

// Context helper functions

// NewRunID generates a new run id. Substitutes for a ULID encoder, which
// has no counterpart anywhere in the reference pack.
func NewRunID() string {
	return uuid.New().String()
}

// WithRunID attaches a run id to ctx.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// GetRunID retrieves the run id from ctx.
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		return runID
	}
	return ""
}

// WithAssetKey attaches an asset key to ctx.
func WithAssetKey(ctx context.Context, assetKey string) context.Context {
	return context.WithValue(ctx, AssetKeyKey, assetKey)
}

// GetAssetKey retrieves the asset key from ctx.
func GetAssetKey(ctx context.Context) string {
	if assetKey, ok := ctx.Value(AssetKeyKey).(string); ok {
		return assetKey
	}
	return ""
}

// WithChunkIndex attaches a chunk index to ctx.
func WithChunkIndex(ctx context.Context, chunkIndex int) context.Context {
	return context.WithValue(ctx, ChunkIndexKey, chunkIndex)
}

// GetChunkIndex retrieves the chunk index from ctx.
func GetChunkIndex(ctx context.Context) int {
	if chunkIndex, ok := ctx.Value(ChunkIndexKey).(int); ok {
		return chunkIndex
	}
	return -1
}

// Structured logging helpers

// LogExtract logs a record-extraction event for a source file.
func (l *Logger) LogExtract(ctx context.Context, source string, rowsRead, rowsFailed int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"source":      source,
		"rows_read":   rowsRead,
		"rows_failed": rowsFailed,
		"duration_ms": duration.Milliseconds(),
	}).Info("extraction complete")
}

// LogEnrichment logs the outcome of an enrichment attempt against one
// source in the fallback chain.
func (l *Logger) LogEnrichment(ctx context.Context, sourceName string, confidence float64, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"enrichment_source": sourceName,
		"confidence":        confidence,
	})
	if err != nil {
		entry.WithError(err).Warn("enrichment source miss")
	} else {
		entry.Debug("enrichment source hit")
	}
}

// LogMaterialize logs the materialization of an asset.
func (l *Logger) LogMaterialize(ctx context.Context, assetKey string, fingerprint string, cacheHit bool, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"asset_key":   assetKey,
		"fingerprint": fingerprint,
		"cache_hit":   cacheHit,
		"duration_ms": duration.Milliseconds(),
	}).Info("asset materialized")
}

// LogLoad logs a graph-loader upsert batch outcome.
func (l *Logger) LogLoad(ctx context.Context, nodeType string, upserted, conflicted int, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"node_type":  nodeType,
		"upserted":   upserted,
		"conflicted": conflicted,
	})
	if err != nil {
		entry.WithError(err).Error("graph load batch failed")
	} else {
		entry.Info("graph load batch committed")
	}
}

// LogQualityGate logs a quality-gate evaluation.
func (l *Logger) LogQualityGate(ctx context.Context, gateName string, passed bool, observed, threshold float64) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"gate":      gateName,
		"passed":    passed,
		"observed":  observed,
		"threshold": threshold,
	})
	if passed {
		entry.Info("quality gate passed")
	} else {
		entry.Warn("quality gate failed")
	}
}

// Fatal logs a fatal error and exits.
func (l *Logger) Fatal(ctx context.Context, message string, err error) {
	l.WithContext(ctx).WithError(err).Fatal(message)
}

// Global default logger, initialized once at process startup.
var defaultLogger *Logger

// InitDefault initializes the package default logger.
func InitDefault(component, level, format string) {
	defaultLogger = New(component, level, format)
}

// Default returns the package default logger, falling back to a bare
// info/json logger if InitDefault was never called.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("sbirctl", "info", "json")
	}
	return defaultLogger
}
