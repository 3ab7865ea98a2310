package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/2sic/resizer/internal/authority"
	"github.com/2sic/resizer/internal/config"
	apierrors "github.com/2sic/resizer/internal/errors"
	"github.com/2sic/resizer/internal/infrastructure"
	"github.com/2sic/resizer/internal/license"
	customMiddleware "github.com/2sic/resizer/internal/middleware"
	"github.com/2sic/resizer/internal/security"
	"github.com/2sic/resizer/internal/storage"
	handlers "github.com/2sic/resizer/internal/transport/http"
	ws "github.com/2sic/resizer/internal/websocket"
)

const AppName = "resizer-licensed"

// Version is set at link time with -ldflags "-X .../internal/app.Version=..."
var Version = "dev"

// Application is the license engine daemon: scheduler, enforcer and the
// sidecar API around them.
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders

	Authority license.Authority
	Storage   storage.Backend
	Scheduler *license.Scheduler // nil when enforcement is off
	Enforcer  *license.LicenseEnforcer
	Health    *license.LicenseHealthCheck
	Hub       *ws.Hub

	stateGauges metric.Registration
	ready       atomic.Bool
	closeOnce   sync.Once

	mu     sync.Mutex
	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewApplication loads configuration and logging the way the daemon does
// and builds the application.
func NewApplication(ctx context.Context) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return NewApplicationWithConfig(ctx, cfg, logger)
}

// NewApplicationWithConfig builds the application from an already loaded
// configuration. Persisted state is restored before it returns.
func NewApplicationWithConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	logger.InfoContext(ctx, "Application starting",
		slog.String("name", AppName),
		slog.String("version", Version),
		slog.Bool("enforce", cfg.License.Enforce),
		slog.String("authority", cfg.Authority.Kind),
		slog.String("storage", cfg.Storage.Backend))

	otelCfg := infrastructure.OTelConfigFrom(cfg.Telemetry, Version)
	otelProviders, err := infrastructure.InitializeOTel(otelCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	a := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := a.initializeServices(ctx); err != nil {
		a.closeResources(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	a.setupRouter()
	a.createServer()

	return a, nil
}

func (a *Application) policy() license.GracePolicy {
	return license.GracePolicy{
		GracePeriod:    a.Config.License.GracePeriod,
		BootstrapGrace: a.Config.License.BootstrapGrace,
	}
}

// primaryHost is the host status views describe when no host is asked for
func (a *Application) primaryHost() string {
	return a.Config.License.PrimaryHost
}

// initializeServices wires the engine. With enforcement off no scheduler,
// authority or storage is built and the enforcer permits everything.
func (a *Application) initializeServices(ctx context.Context) error {
	hubMetrics, err := ws.NewMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create websocket metrics: %w", err)
	}
	a.Hub = ws.NewHub(a.Logger,
		ws.WithMetrics(hubMetrics),
		ws.WithWelcome(func() any { return a.Enforcer.Status(a.primaryHost()) }),
	)

	licenseMetrics, err := license.NewMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create license metrics: %w", err)
	}

	lc := a.Config.License
	var source license.SnapshotSource

	if lc.Enforce {
		a.Authority, err = authority.New(ctx, a.Config.Authority, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to create license authority: %w", err)
		}

		verifier, err := security.NewTokenVerifier(a.Config.Signature.Scheme, a.Config.Signature.PublicKey, a.Config.Signature.SharedSecret)
		if err != nil {
			return fmt.Errorf("failed to create signature verifier: %w", err)
		}

		a.Storage, err = storage.New(ctx, a.Config.Storage, nil)
		if err != nil {
			return fmt.Errorf("failed to open license state storage: %w", err)
		}

		a.Scheduler, err = license.NewScheduler(license.SchedulerConfig{
			LicenseID:       lc.LicenseID,
			RefreshInterval: lc.RefreshInterval,
			RetryBase:       lc.RetryBase,
			RetryMax:        lc.RetryMax,
			RetryJitter:     lc.RetryJitter,
			AttemptTimeout:  lc.AttemptTimeout,
		}, a.Authority, verifier, license.NewStore(time.Now()),
			license.WithPersister(a.Storage),
			license.WithLogger(a.Logger),
			license.WithMetrics(licenseMetrics),
			license.WithObserver(a.Hub.LicenseObserver(func() license.Status {
				return a.Enforcer.Status(a.primaryHost())
			})),
		)
		if err != nil {
			return fmt.Errorf("failed to create license scheduler: %w", err)
		}

		// A broken state file must not keep the daemon down; the scheduler
		// already replaced it with fresh state.
		if err := a.Scheduler.Restore(ctx); err != nil {
			a.Logger.WarnContext(ctx, "License state not restored", slog.String("error", err.Error()))
		}
		source = a.Scheduler

		a.stateGauges, err = license.ObserveState(a.OTelProviders.Meter, a.Scheduler, a.policy(), nil)
		if err != nil {
			return fmt.Errorf("failed to register license gauges: %w", err)
		}
	}

	a.Enforcer, err = license.NewLicenseEnforcer(license.EnforcerConfig{
		Enforce:        lc.Enforce,
		Policy:         a.policy(),
		LoopbackExempt: lc.LoopbackExempt,
	}, source, nil, licenseMetrics)
	if err != nil {
		return fmt.Errorf("failed to create license enforcer: %w", err)
	}

	healthCfg := license.DefaultHealthCheckConfig()
	healthCfg.Enforce = lc.Enforce
	healthCfg.Policy = a.policy()
	// Two missed refreshes plus the longest backoff before calling it stale
	healthCfg.StaleAfter = 2*lc.RefreshInterval + lc.RetryMax

	var persist license.PersistStatusProvider
	var circuit license.CircuitStateProvider
	if a.Scheduler != nil {
		persist = a.Scheduler
	}
	if cp, ok := a.Authority.(license.CircuitStateProvider); ok {
		circuit = cp
	}
	healthSource := source
	if healthSource == nil {
		healthSource = license.NewStore(time.Now())
	}
	a.Health = license.NewLicenseHealthCheck(healthSource, persist, circuit, nil, healthCfg)
	a.Health.RegisterCheck("websocket_hub", func(ctx context.Context) *license.ComponentHealth {
		return &license.ComponentHealth{
			Status:    license.HealthStatusHealthy,
			Message:   fmt.Sprintf("%d live clients", a.Hub.ClientCount()),
			Timestamp: time.Now(),
		}
	})

	a.ready.Store(true)
	return nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	// Ordering: RequestID → TraceContext → RealIP → OTel → Logger → Recoverer
	r.Use(middleware.RequestID)
	r.Use(customMiddleware.TraceContext)
	r.Use(middleware.RealIP)

	// The websocket route skips the middleware that wraps the ResponseWriter
	r.Handle("/ws", a.Hub)

	errorHandler := apierrors.NewErrorHandler(a.Logger, false)

	r.Group(func(r chi.Router) {
		otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders.Tracer, a.OTelProviders.Meter)
		if err != nil {
			a.Logger.Error("Failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
		} else {
			r.Use(otelMiddleware.Handler)
		}

		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Recoverer(a.Logger))
		r.Use(customMiddleware.SecurityHeaders)

		healthHandler := handlers.NewHealthHandler(a.Health, Version, a.ready.Load)
		r.Mount("/health", healthHandler.Routes())

		a.setupAPIRoutes(r)
	})

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)
	a.Router = r
}

// setupAPIRoutes configures the /api endpoints
func (a *Application) setupAPIRoutes(r chi.Router) {
	var refresher handlers.Refresher
	if a.Scheduler != nil {
		refresher = a.Scheduler
	}
	licenseHandler := handlers.NewLicenseHandler(a.Enforcer, refresher, a.primaryHost(), a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Route("/license", func(r chi.Router) {
			r.Mount("/", licenseHandler.Routes())

			// Probe answers like any gated operation, so a reverse proxy can
			// use it as an auth subrequest for the hosts it fronts.
			gate := customMiddleware.NewLicenseGate(a.Enforcer,
				customMiddleware.RefuseAction(a.Config.License.RefuseAction), a.Logger)
			r.With(gate.Handler).Get("/probe", a.handleProbe)

			r.Group(func(r chi.Router) {
				r.Use(customMiddleware.AdminTokenAuth(a.Config.Server.AdminToken, a.Logger))
				if limit := a.Config.Server.RefreshLimit; limit.Enabled {
					r.Use(customMiddleware.NewRateLimiter(limit.RPS, limit.Burst, a.Logger).Handler)
				}
				r.Post("/refresh", licenseHandler.Refresh)
			})
		})
	})
}

// ProbeResponse is the body of a probe that was let through
type ProbeResponse struct {
	Host     string           `json:"host"`
	Decision license.Decision `json:"decision"`
}

func (a *Application) handleProbe(w http.ResponseWriter, r *http.Request) {
	decision, ok := customMiddleware.DecisionFromContext(r.Context())
	if !ok {
		decision = license.Permit
	}
	render.JSON(w, r, ProbeResponse{Host: r.Host, Decision: decision})
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Start launches the scheduler, the websocket hub and the HTTP server. It
// returns once they are running; Wait reports how they ended.
func (a *Application) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.group != nil {
		return errors.New("application already started")
	}

	if a.Scheduler != nil {
		if err := a.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start license scheduler: %w", err)
		}
	} else {
		a.Logger.InfoContext(ctx, "License enforcement disabled, scheduler not started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	a.group, a.cancel = g, cancel

	g.Go(func() error {
		return a.Hub.Run(gctx)
	})
	g.Go(func() error {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	a.Logger.InfoContext(ctx, "Application started",
		slog.String("address", a.Server.Addr),
		slog.String("version", Version))
	return nil
}

// Wait blocks until the server and hub have stopped
func (a *Application) Wait() error {
	a.mu.Lock()
	g := a.group
	a.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Stop shuts the server down gracefully and releases every resource
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		shutdownErr = fmt.Errorf("server shutdown error: %w", err)
	}

	a.mu.Lock()
	stopGroup := a.cancel
	a.mu.Unlock()
	if stopGroup != nil {
		stopGroup()
	}
	if err := a.Wait(); err != nil && shutdownErr == nil {
		shutdownErr = err
	}

	a.closeResources(shutdownCtx)

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return shutdownErr
}

// closeResources stops the scheduler before closing the storage it writes to
func (a *Application) closeResources(ctx context.Context) {
	a.closeOnce.Do(func() { a.release(ctx) })
}

func (a *Application) release(ctx context.Context) {
	a.ready.Store(false)
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.stateGauges != nil {
		if err := a.stateGauges.Unregister(); err != nil {
			a.Logger.WarnContext(ctx, "Failed to unregister license gauges", slog.String("error", err.Error()))
		}
	}
	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing license state storage", slog.String("error", err.Error()))
		}
	}
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}
}

// Run runs the application until interrupted or until the server fails
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.Wait() }()

	select {
	case <-ctx.Done():
		a.Logger.InfoContext(ctx, "Received interrupt signal")
	case err := <-serveErr:
		if err != nil {
			a.Logger.ErrorContext(ctx, "Server stopped", slog.String("error", err.Error()))
			_ = a.Stop(context.Background())
			return err
		}
	}

	return a.Stop(context.Background())
}
