// Command arbiterd runs the governance decision server: it accepts intents
// over HTTP, fans them out to the pillar bench, and records every decision
// in the hash-chained audit ledger.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/arbiter-sh/arbiter/pkg/api"
	"github.com/arbiter-sh/arbiter/pkg/config"
	"github.com/arbiter-sh/arbiter/pkg/engine"
	"github.com/arbiter-sh/arbiter/pkg/ledger"
	"github.com/arbiter-sh/arbiter/pkg/liveness"
	"github.com/arbiter-sh/arbiter/pkg/observability"
	"github.com/arbiter-sh/arbiter/pkg/occ"
	"github.com/arbiter-sh/arbiter/pkg/pillar"
	"github.com/arbiter-sh/arbiter/pkg/quorum"
	"github.com/arbiter-sh/arbiter/pkg/rulestore"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "arbiterd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	rulesPath := flag.String("rules", cfg.RulesPath, "path to the YAML rule file")
	tuningPath := flag.String("tuning", cfg.TuningPath, "path to the YAML tuning file")
	port := flag.String("port", cfg.Port, "listen port")
	flag.Parse()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tuning, err := config.LoadTuning(*tuningPath)
	if err != nil {
		return err
	}

	rules, err := rulestore.NewFileStore(*rulesPath)
	if err != nil {
		return err
	}
	if cfg.WatchRules {
		watcher := rulestore.NewWatcher(rules, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("rule watcher stopped", "error", err)
			}
		}()
	}

	var telemetry *observability.Provider
	if cfg.TelemetryEnabled {
		telemetry, err = observability.New(ctx, &observability.Config{
			ServiceName:    "arbiter-core",
			ServiceVersion: "1.0.0",
			Environment:    cfg.Environment,
			OTLPEndpoint:   cfg.OTLPEndpoint,
			SampleRate:     1.0,
			BatchTimeout:   5 * time.Second,
			Enabled:        true,
		})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = telemetry.Shutdown(shutdownCtx)
		}()
	}

	table, ledgerStore, cleanup, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	led := ledger.New(ledgerStore, logger)
	ctrl := occ.NewController(table, rules, tuning.RetryLimit)
	pillars := []pillar.Evaluator{
		pillar.NewPolicyPillar(rules),
		pillar.NewSafetyPillar(),
		pillar.NewIntegrityPillar(),
	}
	coord := quorum.NewCoordinator(pillars, ctrl,
		quorum.WithRoundTimeout(tuning.RoundTimeout),
		quorum.WithPillarTimeout(tuning.PillarTimeout),
		quorum.WithThresholds(tuning.Thresholds),
		quorum.WithLogger(logger),
	)

	monitorOpts := []liveness.Option{
		liveness.WithBudget(tuning.LivenessBudget),
		liveness.WithLogger(logger),
	}
	for tier, budget := range tuning.TierBudgets {
		monitorOpts = append(monitorOpts, liveness.WithTierBudget(tier, budget))
	}
	monitor := liveness.NewMonitor(monitorOpts...)
	defer monitor.Shutdown()

	engOpts := []engine.Option{engine.WithLogger(logger)}
	if telemetry != nil {
		engOpts = append(engOpts, engine.WithTelemetry(telemetry))
	}
	eng := engine.New(pillars, coord, led, monitor, engOpts...)

	if cfg.S3Bucket != "" {
		archiver, err := ledger.NewArchiver(ctx, ledger.ArchiverConfig{
			Bucket:   cfg.S3Bucket,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
			Region:   os.Getenv("AWS_REGION"),
		})
		if err != nil {
			return err
		}
		go archiveLoop(ctx, logger, archiver, led)
	}

	handler := buildHandler(cfg, eng, logger)
	server := &http.Server{
		Addr:              ":" + *port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("arbiterd listening",
			"port", *port,
			"rules", *rulesPath,
			"liveness_budget", tuning.LivenessBudget,
		)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
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

// openStores opens the version table and ledger store for the configured
// backend. "memory" keeps everything in process for development.
func openStores(ctx context.Context, cfg *config.Config) (occ.VersionTable, ledger.Store, func(), error) {
	switch cfg.DatabaseDriver {
	case "memory":
		return occ.NewMemoryTable(), ledger.NewMemoryStore(), func() {}, nil
	case "sqlite", "postgres":
		db, err := sql.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open %s: %w", cfg.DatabaseDriver, err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("ping %s: %w", cfg.DatabaseDriver, err)
		}
		table := occ.NewSQLTable(db)
		store := ledger.NewSQLStore(db)
		if err := table.Init(ctx); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		if err := store.Init(ctx); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		return table, store, func() { db.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
}

func buildHandler(cfg *config.Config, eng *engine.Engine, logger *slog.Logger) http.Handler {
	server := api.NewServer(eng, logger)

	var limiter api.Limiter
	if cfg.RedisURL != "" {
		rl, err := api.NewRedisLimiter(cfg.RedisURL, cfg.RateLimitRPS, cfg.RateLimitBurst)
		if err != nil {
			logger.Error("redis limiter unavailable, using local buckets", "error", err)
		} else {
			limiter = rl
		}
	}
	if limiter == nil {
		limiter = api.NewLocalLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	middlewares := []api.Middleware{api.LoggingMiddleware(logger)}
	if cfg.JWTSecret != "" {
		middlewares = append(middlewares, api.AuthMiddleware(api.NewJWTValidator(cfg.JWTSecret)))
	}
	middlewares = append(middlewares, api.RateLimitMiddleware(limiter))

	return api.Chain(server.Routes(), middlewares...)
}

// archiveLoop periodically exports sealed chain segments to object storage.
// Archival is best effort and never touches the decision path.
func archiveLoop(ctx context.Context, logger *slog.Logger, archiver *ledger.Archiver, led *ledger.Ledger) {
	const interval = time.Hour
	var archived uint64

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		head, _, err := led.Head(ctx)
		if err != nil {
			logger.Warn("archive skipped", "error", err)
			continue
		}
		if head <= archived {
			continue
		}
		key, err := archiver.Archive(ctx, led, archived+1, head)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Warn("archive failed", "from", archived+1, "to", head, "error", err)
			}
			continue
		}
		logger.Info("chain segment archived", "from", archived+1, "to", head, "key", key)
		archived = head
	}
}
