// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/aiops-lab/autoremedy/internal/analysis"
	"github.com/aiops-lab/autoremedy/internal/config"
	"github.com/aiops-lab/autoremedy/internal/incidents"
	incidentspostgres "github.com/aiops-lab/autoremedy/internal/incidents/postgres"
	"github.com/aiops-lab/autoremedy/internal/notify"
	"github.com/aiops-lab/autoremedy/internal/notify/slack"
	"github.com/aiops-lab/autoremedy/internal/notify/stream"
	"github.com/aiops-lab/autoremedy/internal/notify/tracker"
	"github.com/aiops-lab/autoremedy/internal/pkg/ctxlog"
	"github.com/aiops-lab/autoremedy/internal/pkg/httputil"
	"github.com/aiops-lab/autoremedy/internal/pkg/metrics"
	"github.com/aiops-lab/autoremedy/internal/pkg/postgres"
	"github.com/aiops-lab/autoremedy/internal/remediation"
	"github.com/aiops-lab/autoremedy/internal/version"
	"github.com/aiops-lab/autoremedy/migrations"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
	orchestrator  *remediation.Orchestrator
	fanout        *notify.Fanout
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)

	connectCtx := ctxlog.WithLogger(context.Background(), logger)
	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := migrations.Up(cfg.Database.URL); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		metricsCancel: metricsCancel,
	}

	go app.collectDBMetrics(metricsCtx)

	router, err := app.setupRouter()
	if err != nil {
		db.Close()
		metricsCancel()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              cfg.Server.MetricsAddr(),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server", "addr", a.config.Server.MetricsAddr())
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	// Start main server
	a.logger.Info("starting server", "addr", a.config.Server.Addr())

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application. Servers stop accepting
// alerts first so no new remediation cycles start while the orchestrator
// drains.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	if a.orchestrator != nil {
		if err := a.orchestrator.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown orchestrator: %w", err))
		}
	}

	if a.fanout != nil {
		if err := a.fanout.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close notification fanout: %w", err))
		}
	}

	a.db.Close()

	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Orchestrator returns the remediation orchestrator instance.
// Used in tests to wait for cycle completion.
func (a *App) Orchestrator() *remediation.Orchestrator {
	return a.orchestrator
}

func (a *App) setupRouter() (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.Server.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(a.config.Server.RequestTimeout))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	chain, err := analysis.NewChain(a.config.Analysis)
	if err != nil {
		return nil, fmt.Errorf("create analysis chain: %w", err)
	}

	var sinks []notify.Sink
	var hub *stream.Hub

	a.logger.Info("notification sinks configured",
		"slack_enabled", a.config.Notifications.Slack.Enabled,
		"tracker_enabled", a.config.Notifications.Tracker.Enabled,
		"stream_enabled", a.config.Notifications.Stream.Enabled,
	)

	if a.config.Notifications.Slack.Enabled {
		slackSender, err := slack.NewSender(a.config.Notifications.Slack)
		if err != nil {
			return nil, fmt.Errorf("create slack sender: %w", err)
		}
		sinks = append(sinks, slackSender)
	}

	if a.config.Notifications.Tracker.Enabled {
		trackerSender, err := tracker.NewSender(a.config.Notifications.Tracker)
		if err != nil {
			return nil, fmt.Errorf("create tracker sender: %w", err)
		}
		sinks = append(sinks, trackerSender)
	}

	if a.config.Notifications.Stream.Enabled {
		hub = stream.NewHub(a.config.Notifications.Stream.BufferSize)
		sinks = append(sinks, hub)
	}

	a.fanout = notify.NewFanout(a.logger, a.config.Notifications.SinkTimeout, sinks...)

	repo := incidentspostgres.NewRepository(a.db)
	service := incidents.NewService(repo, chain, a.fanout, a.config.SLA)

	clock := remediation.NewClock()
	trigger := remediation.NewHTTPTrigger(
		a.config.Remediation.TriggerTimeout,
		a.config.Remediation.TriggerRetries,
		clock,
	)
	statusClient := remediation.NewHTTPStatusClient(
		a.config.Remediation.StatusEndpoint,
		a.config.Remediation.OAuth,
	)
	monitor := remediation.NewMonitor(
		statusClient,
		a.config.Remediation.PollInterval,
		a.config.Remediation.MaxPollDuration,
		clock,
	)
	a.orchestrator = remediation.NewOrchestrator(
		repo,
		service,
		a.config.Remediation.PolicyTable(),
		trigger,
		monitor,
		a.fanout,
		clock,
		a.config.Remediation.Enabled,
		a.logger,
	)

	handler := incidents.NewHandler(service, a.orchestrator)

	// Azure Monitor action groups and Databricks job webhooks cannot set
	// custom headers, so the hook endpoints skip the API key check.
	r.Route("/hooks", func(r chi.Router) {
		handler.RegisterHookRoutes(r)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.APIKeyMiddleware(a.config.Auth.APIKey))

		handler.RegisterRoutes(r)

		if hub != nil {
			r.Get("/stream", hub.ServeHTTP)
		}
	})

	return r, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
