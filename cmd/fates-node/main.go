// Command fates-node runs the petition governance engine: the HTTP
// surface, the deadline scheduler, and the orphan monitor, over either
// an embedded sqlite database or a shared postgres store.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Moirai-Labs/fates/core/pkg/acknowledgment"
	"github.com/Moirai-Labs/fates/core/pkg/api"
	"github.com/Moirai-Labs/fates/core/pkg/archive"
	"github.com/Moirai-Labs/fates/core/pkg/audit"
	"github.com/Moirai-Labs/fates/core/pkg/config"
	"github.com/Moirai-Labs/fates/core/pkg/contracts"
	"github.com/Moirai-Labs/fates/core/pkg/escalationqueue"
	"github.com/Moirai-Labs/fates/core/pkg/eventledger"
	"github.com/Moirai-Labs/fates/core/pkg/fate"
	"github.com/Moirai-Labs/fates/core/pkg/haltgate"
	"github.com/Moirai-Labs/fates/core/pkg/notify"
	"github.com/Moirai-Labs/fates/core/pkg/observability"
	"github.com/Moirai-Labs/fates/core/pkg/orphan"
	"github.com/Moirai-Labs/fates/core/pkg/petition"
	"github.com/Moirai-Labs/fates/core/pkg/referral"
	"github.com/Moirai-Labs/fates/core/pkg/scheduler"
	"github.com/Moirai-Labs/fates/core/pkg/submission"
	"github.com/Moirai-Labs/fates/core/pkg/threshold"
)

func main() {
	os.Exit(run(os.Args, os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	if len(args) > 1 {
		switch args[1] {
		case "export":
			return runExport(stdout)
		case "help", "--help", "-h":
			printUsage(stdout)
			return 0
		default:
			_, _ = fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
			printUsage(stdout)
			return 1
		}
	}
	runServer()
	return 0
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: fates-node [command]")
	_, _ = fmt.Fprintln(w, "\nCommands:")
	_, _ = fmt.Fprintln(w, "  server  Run the petition engine (default)")
	_, _ = fmt.Fprintln(w, "  export  Export a ledger snapshot to archive storage")
}

func runServer() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The sqlite database always exists: it carries the event ledger,
	// the scheduler jobs, and the secondary records even when petitions
	// live in postgres.
	local, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	local.SetMaxOpenConns(1)
	defer func() { _ = local.Close() }()

	// A node without a durable event writer must not start: fates
	// without witnessed events would be unreviewable.
	ledger, err := eventledger.NewSQLiteLedger(local)
	if err != nil {
		log.Fatalf("event ledger: %v", err)
	}

	var petitions petition.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("postgres ping: %v", err)
		}
		defer func() { _ = db.Close() }()
		petitions, err = petition.NewPostgresStore(db)
		if err != nil {
			log.Fatalf("petition store: %v", err)
		}
		logger.Info("petition store ready", "backend", "postgres")
	} else {
		petitions, err = petition.NewSQLiteStore(local)
		if err != nil {
			log.Fatalf("petition store: %v", err)
		}
		logger.Info("petition store ready", "backend", "sqlite", "path", cfg.SQLitePath)
	}

	gate := haltgate.New()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis url: %v", err)
		}
		gate = gate.WithMirror(haltgate.NewRedisMirror(redis.NewClient(opts)))
		logger.Info("halt mirror attached", "backend", "redis")
	}

	realms := submission.NewRealmRegistry(submission.DefaultRealm)
	if cfg.RealmRegistryPath != "" {
		realms, err = submission.LoadRealmRegistry(cfg.RealmRegistryPath)
		if err != nil {
			log.Fatalf("realm registry: %v", err)
		}
		logger.Info("realm registry loaded", "realms", strings.Join(realms.Names(), ","))
	}

	intents, err := fate.NewSQLiteIntentStore(local)
	if err != nil {
		log.Fatalf("fate intent store: %v", err)
	}
	coordinator, err := fate.NewCoordinator(petitions, ledger, gate)
	if err != nil {
		log.Fatalf("fate coordinator: %v", err)
	}
	coordinator.WithJournal(intents, ledger)
	// Settle any fate that committed without its witness before a crash.
	if err := coordinator.Recover(ctx); err != nil {
		log.Fatalf("fate recovery: %v", err)
	}

	auditLog := audit.NewLogger()
	coordinator.RegisterHook(audit.FateHook(auditLog))

	obs, err := observability.New(ctx, observabilityConfig())
	if err != nil {
		log.Fatalf("observability: %v", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()
	meters, err := observability.NewEngineMeters(obs.Meter())
	if err != nil {
		log.Fatalf("engine meters: %v", err)
	}
	coordinator.RegisterHook(meters.FateHook())
	gate.WithObserver(func(ctx context.Context, halted bool) {
		meters.RecordHaltTransition(ctx, halted)
		_ = auditLog.Record(ctx, audit.EventHalt, "system", "halt_transition", "gate",
			map[string]any{"halted": halted})
	})
	escalated := contracts.StateEscalated
	if err := observability.RegisterQueueDepthGauge(obs.Meter(), func(ctx context.Context) (int, error) {
		return petitions.QueueDepth(ctx, &escalated)
	}); err != nil {
		log.Fatalf("queue depth gauge: %v", err)
	}

	prefs, err := notify.NewSQLitePreferenceStore(local)
	if err != nil {
		log.Fatalf("preference store: %v", err)
	}

	thresholdExec := threshold.NewExecutor(petitions, coordinator, gate).
		WithObserver(meters.RecordEscalation)
	submissions := submission.NewService(petitions, ledger, coordinator, gate, realms).
		WithPreferences(prefs).
		WithNotifier(notify.NewLogNotifier(prefs, logger)).
		WithThreshold(thresholdExec).
		WithThresholds(threshold.Table{
			contracts.PetitionTypeCessation: cfg.CessationThreshold,
			contracts.PetitionTypeGrievance: cfg.GrievanceThreshold,
		}).
		WithObserver(func(ctx context.Context, petitionType contracts.PetitionType, realm string) {
			meters.RecordSubmission(ctx, petitionType, realm)
			_ = auditLog.Record(ctx, audit.EventMutation, "citizen", "petition_submitted", "realm:"+realm,
				map[string]any{"petition_type": string(petitionType)})
		})

	ackStore, err := acknowledgment.NewSQLiteStore(local)
	if err != nil {
		log.Fatalf("acknowledgment store: %v", err)
	}
	acks := acknowledgment.NewExecutor(ackStore, petitions, coordinator, gate).
		WithDwell(time.Duration(cfg.MinDwellTimeSeconds) * time.Second)

	jobStore, err := scheduler.NewSQLiteStore(local)
	if err != nil {
		log.Fatalf("job store: %v", err)
	}
	runner := scheduler.NewRunner(jobStore, gate, time.Duration(cfg.SchedulerIntervalSeconds)*time.Second)

	referralStore, err := referral.NewSQLiteStore(local)
	if err != nil {
		log.Fatalf("referral store: %v", err)
	}
	// The referral executor lives for its timeout handler: constructing
	// it registers referral deadline handling on the runner.
	_ = referral.NewExecutor(referralStore, petitions, coordinator, acks, runner, gate).
		WithExpiryObserver(meters.RecordReferralExpired)

	queue := escalationqueue.New(petitions, gate).
		WithRealmAuthority(realms).
		WithEvents(ledger).
		WithAcknowledgments(acks)

	monitor := orphan.NewMonitor(petitions, ledger).
		WithOrchestrator(orphan.NewFateOrchestrator(coordinator)).
		WithThreshold(time.Duration(cfg.OrphanThresholdHours) * time.Hour).
		WithObserver(meters.RecordOrphans)

	go runner.Start(ctx)
	go monitor.Run(ctx, time.Duration(cfg.OrphanScanIntervalMin)*time.Minute)

	server := api.NewServer(submissions, queue, acks, gate).
		WithAuth(api.NewAuthenticator(cfg.JWTSecret)).
		WithOrphans(monitor).
		WithRateLimiter(api.NewRateLimiter(50, 100))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("fates-node listening", "port", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
	logger.Info("fates-node stopped")
}

func runExport(stdout io.Writer) int {
	cfg := config.Load()
	ctx := context.Background()

	db, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		log.Printf("open sqlite: %v", err)
		return 1
	}
	db.SetMaxOpenConns(1)
	defer func() { _ = db.Close() }()

	ledger, err := eventledger.NewSQLiteLedger(db)
	if err != nil {
		log.Printf("event ledger: %v", err)
		return 1
	}
	blobs, err := archive.NewBlobStoreFromEnv(ctx)
	if err != nil {
		log.Printf("archive store: %v", err)
		return 1
	}

	snap, err := archive.NewExporter(ledger, blobs).Export(ctx, archive.ExportRequest{})
	if err != nil {
		log.Printf("export: %v", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "snapshot %s: %d events, %s\n", snap.SnapshotID, snap.EventCount, snap.BlobHash)
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func observabilityConfig() *observability.Config {
	cfg := observability.DefaultConfig()
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		cfg.Enabled = false
		return cfg
	}
	cfg.OTLPEndpoint = endpoint
	cfg.Environment = envOr("ENVIRONMENT", cfg.Environment)
	cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
