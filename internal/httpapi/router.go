package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"

	"github.com/sentrypulse/sentrypulse/internal/eventbus"
	"github.com/sentrypulse/sentrypulse/internal/health"
	"github.com/sentrypulse/sentrypulse/internal/ingest"
	"github.com/sentrypulse/sentrypulse/internal/lifecycle"
	"github.com/sentrypulse/sentrypulse/internal/rules"
)

// Deps bundles everything the HTTP surface needs, constructor-injected per
// spec §9's "no singletons" design note.
type Deps struct {
	Ingest         *ingest.Handler
	Rules          *rules.Engine
	RuleStore      *rules.SQLStore
	Lifecycle      *lifecycle.Manager
	History        *lifecycle.SQLStore
	Health         *health.Monitor
	Bus            *eventbus.Bus
	Logger         *zap.Logger
	DevMode        bool
	AllowedOrigins []string
}

// NewRouter builds the complete chi-routed HTTP surface.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, []string{"/healthz", "/readyz", "/metrics"}),
		SecurityHeadersMiddleware,
		RateLimitMiddleware(200, 400, []string{"/healthz", "/readyz", "/metrics"}),
		cors.Handler(cors.Options{
			AllowedOrigins: allowedOriginsOrDefault(deps.AllowedOrigins),
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "Idempotency-Key"},
			MaxAge:         300,
		}),
	)

	r.Get("/healthz", handleHealthz)
	r.Get("/readyz", handleReadyz(deps.Health))
	r.Handle("/metrics", promhttp.Handler())

	hub := newStreamHub(logger)
	subscribeStreamToBus(hub, deps.Bus)
	api := &apiHandlers{deps: deps, logger: logger, hub: hub}

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Post("/ingest", api.handleIngest)

		v1.Route("/rules", func(rr chi.Router) {
			rr.Get("/", api.handleListRules)
			rr.Post("/", api.handleCreateRule)
			rr.Get("/{ruleID}", api.handleGetRule)
			rr.Patch("/{ruleID}", api.handleUpdateRule)
			rr.Delete("/{ruleID}", api.handleDeleteRule)
		})

		v1.Route("/alerts", func(ar chi.Router) {
			ar.Get("/stream", api.handleAlertStream)
			ar.Post("/{alertID}/acknowledge", api.handleAcknowledge)
			ar.Post("/{alertID}/resolve", api.handleResolve)
			ar.Get("/{alertID}/history", api.handleAlertHistory)
			ar.Get("/stats/{tenantID}", api.handleTenantStats)
		})
	})

	if deps.DevMode {
		r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
		logger.Info("swagger UI enabled (dev_mode)", zap.String("path", "/swagger/"))
	}

	return r
}

func allowedOriginsOrDefault(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func handleReadyz(monitor *health.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if monitor == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		report := monitor.CheckAll(ctx)
		if report.Status == health.StatusUnhealthy {
			writeJSON(w, http.StatusServiceUnavailable, report)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}
