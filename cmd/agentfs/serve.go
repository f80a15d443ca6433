package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/basket/agentfs/internal/bus"
	"github.com/basket/agentfs/internal/config"
	"github.com/basket/agentfs/internal/cron"
	"github.com/basket/agentfs/internal/gateway"
	otelPkg "github.com/basket/agentfs/internal/otel"
	"github.com/basket/agentfs/internal/persistence"
	"github.com/basket/agentfs/internal/seed"
	"github.com/basket/agentfs/internal/telemetry"
)

// runServe is the daemon: HTTP API, scheduler, config hot reload, and the
// hourly retention job. It blocks until the context is cancelled.
func runServe(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	quiet := fs.Bool("quiet", false, "log to file only, keep stdout clean")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, logLevel, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"fingerprint", cfg.Fingerprint(), "home", cfg.HomeDir)

	otelProvider, err := otelPkg.Init(ctx, otelConfig(cfg))
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	eventBus := bus.New()

	store, err := persistence.Open(cfg.ResolvedDBPath(), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.ResolvedDBPath())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter, func(mctx context.Context) (int64, error) {
		counts, err := store.Counts(mctx, "")
		if err != nil {
			return 0, err
		}
		return int64(counts.Pending), nil
	})
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	// Sweep claims left behind by a previous daemon run before serving.
	if ttl := cfg.ClaimTTL(); ttl > 0 {
		swept, err := store.SweepStaleClaims(ctx, ttl)
		if err != nil {
			fatalStartup(logger, "E_RECOVERY_SCAN", err)
		}
		logger.Info("startup phase", "phase", "recovery_scan_completed", "swept", swept)
	}

	seedDir := cfg.ResolvedSeedDir()
	if results, err := seed.ApplyDir(ctx, store, seedDir, logger); err != nil {
		logger.Warn("seed apply completed with errors", "dir", seedDir, "error", err)
	} else {
		for _, r := range results {
			logger.Info("seed file applied", "path", r.Path, "domain", r.Domain,
				"created", r.Created, "updated", r.Updated)
		}
	}

	sched := cron.NewScheduler(cron.Config{
		Store:    store,
		Logger:   logger,
		Metrics:  metrics,
		Interval: cfg.SchedulerInterval(),
		ClaimTTL: cfg.ClaimTTL(),
	})
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started", "interval", cfg.SchedulerInterval())

	// Retention: prune audit rows past the configured window, hourly.
	// The window is atomic so the hot-reload goroutine can change it.
	var retentionDays atomic.Int64
	retentionDays.Store(int64(cfg.RetentionLogDays))
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pruned, err := store.PruneLogs(ctx, int(retentionDays.Load()))
				if err != nil {
					logger.Error("retention job failed", "error", err)
				} else if pruned > 0 {
					logger.Info("retention job completed", "pruned_logs", pruned)
				}
			}
		}
	}()

	gw := gateway.New(gateway.Config{
		Store:              store,
		Bus:                eventBus,
		Logger:             logger,
		AuthToken:          cfg.AuthToken,
		AllowOrigins:       cfg.AllowOrigins,
		ConfigFingerprint:  cfg.Fingerprint(),
		Metrics:            metrics,
		Tracer:             otelProvider.Tracer,
		RateLimitPerMinute: cfg.RateLimit.RequestsPerMinute,
		RateLimitBurst:     cfg.RateLimit.Burst,
	})

	confWatcher := config.NewWatcher(cfg.HomeDir, seedDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			switch {
			case filepath.Base(ev.Path) == "config.yaml":
				newCfg, err := config.Load()
				if err != nil {
					logger.Error("config.yaml reload failed", "error", err)
					break
				}
				sched.SetClaimTTL(newCfg.ClaimTTL())
				logLevel.Set(telemetry.ParseLevel(newCfg.LogLevel))
				gw.SetRateLimit(newCfg.RateLimit.RequestsPerMinute, newCfg.RateLimit.Burst)
				retentionDays.Store(int64(newCfg.RetentionLogDays))
				logger.Info("config.yaml hot-reloaded", "fingerprint", newCfg.Fingerprint())
			case isSeedFile(ev.Path):
				result, err := seed.ApplyFile(ctx, store, ev.Path)
				if err != nil {
					logger.Error("seed hot-apply failed", "path", ev.Path, "error", err)
					break
				}
				logger.Info("seed file applied", "path", result.Path, "domain", result.Domain,
					"created", result.Created, "updated", result.Updated)
			}
		}
	}()

	if err := gw.Serve(ctx, cfg.ListenAddr); err != nil {
		logger.Error("gateway server error", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// otelConfig maps the daemon config onto the otel package's exporter model.
func otelConfig(cfg config.Config) otelPkg.Config {
	exporter := "none"
	if cfg.OTel.Enabled {
		exporter = "otlp-http"
		if cfg.OTel.StdoutTraces {
			exporter = "stdout"
		}
	}
	return otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    exporter,
		Endpoint:    cfg.OTel.Endpoint,
		Insecure:    cfg.OTel.Insecure,
		ServiceName: "agentfs",
		SampleRate:  cfg.OTel.SampleRatio,
	}
}

func isSeedFile(path string) bool {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"daemon","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
