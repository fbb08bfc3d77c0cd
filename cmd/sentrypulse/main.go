package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/sentrypulse/sentrypulse/internal/alertfilter"
	"github.com/sentrypulse/sentrypulse/internal/analysis"
	"github.com/sentrypulse/sentrypulse/internal/anomaly"
	"github.com/sentrypulse/sentrypulse/internal/appconfig"
	"github.com/sentrypulse/sentrypulse/internal/breaker"
	"github.com/sentrypulse/sentrypulse/internal/dbpool"
	"github.com/sentrypulse/sentrypulse/internal/eventbus"
	"github.com/sentrypulse/sentrypulse/internal/forecast"
	"github.com/sentrypulse/sentrypulse/internal/forecast/holtwinters"
	"github.com/sentrypulse/sentrypulse/internal/forecastremote"
	"github.com/sentrypulse/sentrypulse/internal/health"
	"github.com/sentrypulse/sentrypulse/internal/httpapi"
	"github.com/sentrypulse/sentrypulse/internal/ingest"
	"github.com/sentrypulse/sentrypulse/internal/lifecycle"
	"github.com/sentrypulse/sentrypulse/internal/metricstore"
	"github.com/sentrypulse/sentrypulse/internal/notify"
	"github.com/sentrypulse/sentrypulse/internal/obs"
	"github.com/sentrypulse/sentrypulse/internal/rules"
	"github.com/sentrypulse/sentrypulse/pkg/alerting"
	"github.com/sentrypulse/sentrypulse/pkg/telemetry"
)

const version = "0.1.0"

func main() {
	configPath := pflag.String("config", "", "path to configuration file")
	showVersion := pflag.Bool("version", false, "print version information and exit")
	appconfig.RegisterFlags(pflag.CommandLine)
	pflag.Parse()

	if *showVersion {
		fmt.Println("sentrypulse " + version)
		os.Exit(0)
	}

	cfg, v, err := appconfig.Load(pflag.CommandLine, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := appconfig.NewLogger(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("sentrypulse starting", zap.String("version", version))

	tracerProvider, err := obs.NewProvider(obs.Config{ServiceName: "sentrypulse", ServiceVersion: version})
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}

	pool, err := dbpool.Open(cfg.Database.Path, cfg.Pool.MaxSize)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	logger.Info("database initialized", zap.String("path", cfg.Database.Path))

	if err := pool.CheckVersion(context.Background(), version); err != nil {
		logger.Fatal("database version check failed", zap.Error(err), zap.String("binary_version", version))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New(logger.Named("eventbus"))

	metricStore := metricstore.New(pool)
	if err := pool.Migrate(ctx, "metricstore", metricstore.Migrations()); err != nil {
		logger.Fatal("failed to migrate metricstore schema", zap.Error(err))
	}

	ingestStore := ingest.NewSQLStore(pool)
	if err := ingestStore.Migrate(ctx); err != nil {
		logger.Fatal("failed to migrate ingest schema", zap.Error(err))
	}

	ruleStore := rules.NewSQLStore(pool)
	if err := ruleStore.Migrate(ctx); err != nil {
		logger.Fatal("failed to migrate rules schema", zap.Error(err))
	}

	historyStore := lifecycle.NewSQLStore(pool)
	if err := historyStore.Migrate(ctx); err != nil {
		logger.Fatal("failed to migrate lifecycle schema", zap.Error(err))
	}

	normalizer := telemetry.NewNormalizer(version)
	ingestHandler := ingest.New(normalizer, metricStore, ingestStore, ingestStore, ingestStore, logger.Named("ingest"), ingest.Config{
		ChunkSize:           cfg.Ingest.ChunkSize,
		DeadLetterBatchSize: cfg.Ingest.DeadLetterBatchSize,
		IdempotencyTTL:      cfg.Ingest.IdempotencyTTL,
		MaxDeadLetterRetry:  cfg.Ingest.MaxDeadLetterRetry,
	})

	rulesEngine := rules.New(ruleStore, newAlertID, logger.Named("rules"))
	if err := rulesEngine.LoadFromStore(); err != nil {
		logger.Fatal("failed to load rules", zap.Error(err))
	}

	forecastBreaker := breaker.New(breaker.Config{
		Name:             "forecast-remote",
		FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
		OpenFor:          cfg.Breaker.OpenFor,
		Logger:           logger.Named("breaker"),
	})

	forecastRegistry := forecast.NewRegistry()
	if err := forecastRegistry.Register(string(forecast.BackendHoltWinters), holtwinters.New(), 0, cfg.Forecast.DefaultBackend == string(forecast.BackendHoltWinters)); err != nil {
		logger.Fatal("failed to register holtwinters backend", zap.Error(err))
	}
	if cfg.Forecast.RemoteBaseURL != "" {
		remoteClient := forecastremote.New(forecastremote.Config{
			ID:          "remote",
			BaseURL:     cfg.Forecast.RemoteBaseURL,
			APIKey:      cfg.Forecast.RemoteAPIKey,
			CallTimeout: cfg.Forecast.CallTimeout,
			MaxRetries:  cfg.Forecast.MaxRetries,
		}, forecastBreaker)
		if err := forecastRegistry.Register("remote", remoteClient, 1, cfg.Forecast.DefaultBackend == "remote"); err != nil {
			logger.Fatal("failed to register remote forecast backend", zap.Error(err))
		}
	}
	anomalyDetector := anomaly.New(anomaly.DefaultConfig())

	var dedupStore alertfilter.DedupStore
	if cfg.Alerting.RedisAddr != "" {
		dedupStore = alertfilter.NewRedisDedupStore(redis.NewClient(&redis.Options{Addr: cfg.Alerting.RedisAddr}))
		logger.Info("alert dedup backed by redis", zap.String("addr", cfg.Alerting.RedisAddr))
	} else {
		dedupStore = alertfilter.NewMemoryDedupStore()
	}
	alertFilter := alertfilter.New(dedupStore, cfg.Alerting.RateLimitPerMinute)

	channels := []notify.Channel{
		notify.NewWebhookChannel(),
		notify.NewChatChannel(),
		notify.NewPagerChannel(""),
		notify.NewEmailChannel(notify.EmailConfig{}),
	}
	resolveChannel := func(ref alerting.ChannelRef) notify.ChannelConfig {
		return notify.ChannelConfig{Destination: ref.Destination, Enabled: true}
	}
	dispatcher := notify.New(channels, resolveChannel, logger.Named("notify"))

	lifecycleManager := lifecycle.New(historyStore, bus, logger.Named("lifecycle"), lifecycle.Config{
		EscalationTimeout:  cfg.Alerting.EscalationTimeout,
		ReminderInterval:   cfg.Alerting.ReminderInterval,
		MaxEscalationLevel: cfg.Alerting.MaxEscalationLevel,
	})

	pipeline := analysis.New(metricStore, forecastRegistry, anomalyDetector, rulesEngine, ruleStore, alertFilter, lifecycleManager, dispatcher, logger.Named("analysis"))
	pipeline.Subscribe(bus)
	ingestHandler.SetBus(bus)

	healthMonitor := health.New(50)
	healthMonitor.Register(health.Probe{
		Name:     "database",
		Critical: true,
		Check: func(ctx context.Context) error {
			return pool.HealthCheck(ctx, 2*time.Second)
		},
	})

	router := httpapi.NewRouter(httpapi.Deps{
		Ingest:    ingestHandler,
		Rules:     rulesEngine,
		RuleStore: ruleStore,
		Lifecycle: lifecycleManager,
		History:   historyStore,
		Health:    healthMonitor,
		Bus:       bus,
		Logger:    logger.Named("httpapi"),
		DevMode:   cfg.Server.DevMode,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go retryDeadLettersLoop(ctx, ingestHandler, logger.Named("ingest"))
	go escalationLoop(ctx, lifecycleManager, logger.Named("lifecycle"))

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}
	if err := pool.Drain(shutdownCtx, cfg.Pool.DrainTimeout); err != nil {
		logger.Error("database drain error", zap.Error(err))
	}

	logger.Info("sentrypulse stopped")
}

func newAlertID() string {
	return "alert-" + uuid.NewString()
}

func retryDeadLettersLoop(ctx context.Context, h *ingest.Handler, logger *zap.Logger) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			replayed, err := h.RetryDeadLetters(ctx)
			if err != nil {
				logger.Warn("dead letter retry pass failed", zap.Error(err))
				continue
			}
			if replayed > 0 {
				logger.Info("dead letter retry pass complete", zap.Int("replayed", replayed))
			}
		}
	}
}

func escalationLoop(ctx context.Context, m *lifecycle.Manager, logger *zap.Logger) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CheckEscalations(ctx, time.Now()); err != nil {
				logger.Warn("escalation scan failed", zap.Error(err))
			}
			if _, err := m.CheckReminders(ctx, time.Now()); err != nil {
				logger.Warn("reminder scan failed", zap.Error(err))
			}
		}
	}
}
