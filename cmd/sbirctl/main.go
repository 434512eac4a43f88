// Command sbirctl is the Run Orchestrator's CLI entry point: it wires
// configuration, the graph store, the object backend, and the asset
// DAG together and dispatches one of materialize/check/migrate/benchmark.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/hollomancer/sbir-analytics-sub004/internal/config"
	"github.com/hollomancer/sbir-analytics-sub004/internal/httpstatus"
	"github.com/hollomancer/sbir-analytics-sub004/internal/logging"
	"github.com/hollomancer/sbir-analytics-sub004/internal/objectstore"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/assetrt"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/model"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/schemamigrate"
)

// Exit codes per spec.md §6.
const (
	exitOK               = 0
	exitAssetFailure     = 1
	exitGateBlocking     = 2
	exitConfigError      = 3
	exitInfraUnreachable = 4
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitConfigError
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfigError
	}

	logger := logging.New("sbirctl", cfg.Logging.Level, cfg.Logging.Format)

	switch args[0] {
	case "materialize":
		return cmdMaterialize(ctx, cfg, logger, args[1:])
	case "check":
		return cmdCheck(ctx, cfg, logger, args[1:])
	case "migrate":
		return cmdMigrate(ctx, cfg, logger, args[1:])
	case "benchmark":
		return cmdBenchmark(ctx, cfg, logger, args[1:])
	case "help", "-h", "--help":
		printUsage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", args[0])
		printUsage()
		return exitConfigError
	}
}

func printUsage() {
	fmt.Println(`sbirctl - SBIR/STTR analytics pipeline orchestrator

Usage:
  sbirctl materialize --assets <list> [--mode full|incremental] [--partition <key>] [--schedule <cron-expr>]
  sbirctl check --assets <list>
  sbirctl migrate --target <version>
  sbirctl benchmark --baseline <path>

Exit codes: 0 success, 1 asset failure, 2 quality gate blocking failure, 3 configuration error, 4 infrastructure unreachable.`)
}

func splitAssets(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.ConnectionString())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func openStore(cfg *config.Config) (objectstore.ObjectBackend, error) {
	return objectstore.NewLocalFSBackend(cfg.AssetRT.WorkDir)
}

// startStatusServer starts the status/health/metrics HTTP server when
// status.addr is configured, registering a "database" check that pings
// db if one is open. Returns a func that shuts the server down; a no-op
// if status.addr was empty.
func startStatusServer(cfg *config.Config, logger *logging.Logger, db *sql.DB) func() {
	if strings.TrimSpace(cfg.Status.Addr) == "" {
		return func() {}
	}

	checker := httpstatus.NewChecker(codeVersion)
	if db != nil {
		checker.RegisterCheck("database", func() error {
			return db.PingContext(context.Background())
		})
	}
	ready := true
	timeout := time.Duration(cfg.Status.RequestTimeout) * time.Second
	srv := httpstatus.NewServer(logger, checker, &ready, timeout)
	srv.Addr = cfg.Status.Addr

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("status server stopped unexpectedly")
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpstatus.Shutdown(shutdownCtx, srv); err != nil {
			logger.WithError(err).Error("status server shutdown failed")
		}
	}
}

// exitForResults maps a completed run's asset results to the spec's
// exit-code contract: a quality gate block outranks a plain asset
// failure, which outranks success.
func exitForResults(results []assetrt.Result) int {
	code := exitOK
	for _, r := range results {
		switch r.Status {
		case assetrt.StatusGateBlocked:
			return exitGateBlocking
		case assetrt.StatusFailed, assetrt.StatusUpstreamFailed:
			code = exitAssetFailure
		}
	}
	return code
}

func printRunSummary(results []assetrt.Result) {
	for _, r := range results {
		fmt.Printf("%-28s %s", r.AssetKey, r.Status)
		if r.Status == assetrt.StatusOK || r.Status == assetrt.StatusObserved {
			fmt.Printf(" rows=%d fingerprint=%s", r.Metadata.RowsProcessed, shortFingerprint(r.Metadata.Fingerprint))
		}
		if r.Err != nil {
			fmt.Printf(" error=%v", r.Err)
		}
		fmt.Println()
	}
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

func cmdMaterialize(ctx context.Context, cfg *config.Config, logger *logging.Logger, args []string) int {
	fs := flag.NewFlagSet("materialize", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	assetsFlag := fs.String("assets", "", "comma-separated asset keys to materialize (required)")
	modeFlag := fs.String("mode", "full", "full or incremental")
	partitionFlag := fs.String("partition", "", "partition key")
	scheduleFlag := fs.String("schedule", "", "optional cron expression; re-runs the same materialization on a schedule instead of exiting")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfigError
	}
	selected := splitAssets(*assetsFlag)
	if len(selected) == 0 {
		fmt.Fprintln(os.Stderr, "Error: --assets is required")
		return exitConfigError
	}
	if *modeFlag != "full" && *modeFlag != "incremental" {
		fmt.Fprintf(os.Stderr, "Error: --mode must be full or incremental, got %q\n", *modeFlag)
		return exitConfigError
	}

	rt, store, fpCache, db, closeFn, err := buildRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInfraForErr(err)
	}
	defer closeFn()

	runOnce := func() int {
		runID := logging.NewRunID()
		startedAt := time.Now()
		results, err := rt.Run(ctx, selected, *modeFlag, map[string]interface{}{"partition": *partitionFlag}, loadPriorFingerprints(ctx, fpCache))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitConfigError
		}
		endedAt := time.Now()
		logger.WithFields(map[string]interface{}{"run_id": runID, "mode": *modeFlag}).Info("materialize run complete")
		printRunSummary(results)

		if err := saveFingerprintCache(ctx, fpCache, results); err != nil {
			logger.WithError(err).Error("failed to persist fingerprint cache")
		}
		if err := writeRunSummary(ctx, store, runID, model.RunMode(*modeFlag), startedAt, endedAt, results); err != nil {
			logger.WithError(err).Error("failed to persist run summary")
		}

		return exitForResults(results)
	}

	if strings.TrimSpace(*scheduleFlag) == "" {
		return runOnce()
	}

	return runScheduled(ctx, cfg, logger, db, *scheduleFlag, runOnce)
}

func cmdCheck(ctx context.Context, cfg *config.Config, logger *logging.Logger, args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	assetsFlag := fs.String("assets", "", "comma-separated asset keys to re-check (required)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfigError
	}
	selected := splitAssets(*assetsFlag)
	if len(selected) == 0 {
		fmt.Fprintln(os.Stderr, "Error: --assets is required")
		return exitConfigError
	}

	rt, _, fpCache, _, closeFn, err := buildRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInfraForErr(err)
	}
	defer closeFn()

	// check forces incremental mode against the fingerprint cache
	// materialize left behind, so an asset whose fingerprint matches is
	// not rematerialized. Such an asset is reported observed and its
	// checks are not evaluated; only assets without a matching
	// fingerprint are materialized and checked.
	results, err := rt.Run(ctx, selected, "incremental", nil, loadPriorFingerprints(ctx, fpCache))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfigError
	}
	printRunSummary(results)
	return exitForResults(results)
}

func cmdMigrate(ctx context.Context, cfg *config.Config, logger *logging.Logger, args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	targetFlag := fs.Int("target", -1, "target schema version; omit or -1 for latest")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfigError
	}

	db, err := openDB(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInfraUnreachable
	}
	defer db.Close()

	migrator, err := schemamigrate.New(db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInfraUnreachable
	}
	defer migrator.Close()

	if err := migrator.MigrateTo(*targetFlag); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInfraUnreachable
	}

	version, dirty, err := migrator.Version()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInfraUnreachable
	}
	logger.WithFields(map[string]interface{}{"version": version, "dirty": dirty}).Info("migration complete")
	fmt.Printf("schema at version %d (dirty=%t)\n", version, dirty)
	return exitOK
}

func cmdBenchmark(ctx context.Context, cfg *config.Config, logger *logging.Logger, args []string) int {
	fs := flag.NewFlagSet("benchmark", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	baselineFlag := fs.String("baseline", "", "path to a stored benchmark baseline (required)")
	toleranceFlag := fs.Float64("tolerance", 0.05, "allowed confidence drop before flagging a regression")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfigError
	}
	if strings.TrimSpace(*baselineFlag) == "" {
		fmt.Fprintln(os.Stderr, "Error: --baseline is required")
		return exitConfigError
	}

	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInfraUnreachable
	}

	code, err := runBenchmark(ctx, cfg, store, *baselineFlag, *toleranceFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return code
	}
	logger.Info("benchmark complete")
	return code
}

// exitInfraForErr maps a buildRuntime failure to the infra-unreachable
// exit code; buildRuntime never returns a config error, so there's
// nothing else for it to be.
func exitInfraForErr(err error) int {
	_ = err
	return exitInfraUnreachable
}

// runScheduled drives the unattended --schedule loop. While it runs it
// also serves the status/health/metrics HTTP surface (status.addr in
// config), since this is the only sbirctl path that stays up long
// enough for a liveness probe to matter.
func runScheduled(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB, cronExpr string, runOnce func() int) int {
	sched, err := newCronRunner(cronExpr, runOnce)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfigError
	}

	closeStatus := startStatusServer(cfg, logger, db)
	defer closeStatus()

	logger.WithFields(map[string]interface{}{"schedule": cronExpr}).Info("materialize scheduled, running forever")
	return sched.RunForever()
}
