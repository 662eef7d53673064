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

	"github.com/bissquit/biwatch/internal/auth"
	"github.com/bissquit/biwatch/internal/config"
	"github.com/bissquit/biwatch/internal/domain"
	"github.com/bissquit/biwatch/internal/exposure"
	exposurepostgres "github.com/bissquit/biwatch/internal/exposure/postgres"
	"github.com/bissquit/biwatch/internal/incidents"
	incidentspostgres "github.com/bissquit/biwatch/internal/incidents/postgres"
	"github.com/bissquit/biwatch/internal/pkg/ctxlog"
	"github.com/bissquit/biwatch/internal/pkg/httputil"
	"github.com/bissquit/biwatch/internal/pkg/metrics"
	"github.com/bissquit/biwatch/internal/pkg/postgres"
	"github.com/bissquit/biwatch/internal/pkg/sessioncache"
	"github.com/bissquit/biwatch/internal/realtime"
	"github.com/bissquit/biwatch/internal/store"
	"github.com/bissquit/biwatch/internal/version"
	"github.com/bissquit/biwatch/internal/workflow"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const dbMetricsInterval = 15 * time.Second

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	cache         *sessioncache.Cache
	server        *http.Server
	metricsServer *http.Server

	bgCancel   context.CancelFunc
	listener   *incidentspostgres.Listener
	reconciler *incidents.Reconciler
	activity   *incidents.ActivityLog
	hub        *realtime.Hub
}

// New creates a new application instance and starts its background workers.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	cacheCfg := sessioncache.DefaultConfig()
	cacheCfg.InMemory = cfg.SessionCache.InMemory
	cacheCfg.Path = cfg.SessionCache.Path
	cacheCfg.TTL = cfg.SessionCache.TTL

	cache, err := sessioncache.Open(cacheCfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open session cache: %w", err)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())

	app := &App{
		config:   cfg,
		logger:   logger,
		db:       db,
		cache:    cache,
		bgCancel: bgCancel,
	}

	go metrics.CollectDBPoolMetrics(bgCtx, db, dbMetricsInterval)

	router := app.setupRouter(bgCtx)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers and blocks until the main server stops.
func (a *App) Run() error {
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"version", version.Version,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops accepting requests, drains background work and closes
// storage. Pending activity-log writes are waited for before the pool closes.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	for name, srv := range map[string]*http.Server{"server": a.server, "metrics server": a.metricsServer} {
		wg.Add(1)
		go func(name string, srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
				mu.Unlock()
			}
		}(name, srv)
	}
	wg.Wait()

	if a.listener != nil {
		a.listener.Stop()
	}
	a.reconciler.Stop()
	a.bgCancel()
	a.activity.Wait()

	if err := a.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close session cache: %w", err))
	}
	a.db.Close()

	return errors.Join(errs...)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Hub returns the realtime change hub. Used in tests to observe notifications.
func (a *App) Hub() *realtime.Hub {
	return a.hub
}

func (a *App) setupRouter(ctx context.Context) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	a.hub = realtime.NewHub()
	stores := store.NewRegistry()

	incidentsRepo := incidentspostgres.NewRepository(a.db)
	a.activity = incidents.NewActivityLog(incidentsRepo, a.config.Activity.WriteTimeout)
	incidentsService := incidents.NewService(incidentsRepo, a.activity)

	a.reconciler = incidents.NewReconciler(incidentsService, stores, a.hub, a.config.Realtime.ReconcileTimeout)
	incidentsService.Observe(a.reconciler)
	a.reconciler.Start(ctx)

	if a.config.Realtime.Enabled {
		listenerCfg := incidentspostgres.DefaultListenerConfig()
		listenerCfg.InitialBackoff = a.config.Realtime.InitialBackoff
		listenerCfg.MaxBackoff = a.config.Realtime.MaxBackoff

		a.listener = incidentspostgres.NewListener(listenerCfg, a.db, a.hub.Publish)
		a.listener.Start(ctx)
	} else {
		slog.Warn("realtime listener disabled: current incident views follow this instance's writes only")
	}

	incidentsHandler := incidents.NewHandler(incidentsService, a.reconciler)

	exposureRepo := exposurepostgres.NewRepository(a.db)
	calculator := exposure.NewCalculator(
		incidentsService,
		exposureRepo,
		exposureRepo,
		exposureRepo,
		a.config.Exposure.CollaboratorTimeout,
	)
	exposureHandler := exposure.NewHandler(calculator, exposure.RateLimit{
		PerSecond: a.config.Exposure.RatePerSecond,
		Burst:     a.config.Exposure.RateBurst,
	})

	workflowManager := workflow.NewManager(incidentsService, a.cache)
	incidentsService.Observe(workflowManager)
	workflowHandler := workflow.NewHandler(workflowManager)

	streamHandler := realtime.NewStreamHandler(a.hub, a.config.CORS.AllowedOrigins)

	tokenValidator := auth.NewValidator(auth.Config{
		SecretKey: a.config.JWT.SecretKey,
		Issuer:    a.config.JWT.Issuer,
		Leeway:    a.config.JWT.Leeway,
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(tokenValidator))

		// Streams outlive the request timeout.
		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleUser))
			streamHandler.RegisterRoutes(r)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(a.config.Server.RequestTimeout))

			r.Group(func(r chi.Router) {
				r.Use(httputil.RequireRole(domain.RoleUser))
				incidentsHandler.RegisterRoutes(r)
			})

			r.Group(func(r chi.Router) {
				r.Use(httputil.RequireRole(domain.RoleOperator))
				incidentsHandler.RegisterOperatorRoutes(r)
				exposureHandler.RegisterRoutes(r)
				workflowHandler.RegisterRoutes(r)
			})
		})
	})

	return r
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
	httputil.JSON(w, http.StatusOK, version.Info())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
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

	return slog.New(handler).With("service", "biwatch")
}
