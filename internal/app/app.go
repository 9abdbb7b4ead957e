package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"hostelpro/internal/auth"
	"hostelpro/internal/config"
	apperrors "hostelpro/internal/errors"
	"hostelpro/internal/infrastructure"
	"hostelpro/internal/license"
	"hostelpro/internal/machineid"
	customMiddleware "hostelpro/internal/middleware"
	"hostelpro/internal/store"
	handlers "hostelpro/internal/transport/http"
	ws "hostelpro/internal/websocket"
)

const (
	visitorCleanupInterval = time.Minute
	visitorIdleTimeout     = 10 * time.Minute
)

// BuildTime is set at compile time
var BuildTime = "dev"

// Application is the wired HostelPro server
type Application struct {
	Config   *config.Config
	Paths    *config.Paths
	Logger   *slog.Logger
	OTel     *infrastructure.OTelProviders
	Store    store.Backend
	Engine   *license.Engine
	Auth     *auth.Service
	Hub      *ws.Hub
	Guard    *customMiddleware.LicenseGuard
	Limiter  *customMiddleware.RateLimiter
	Errors   *apperrors.ErrorHandler
	Router   *chi.Mux
	Server   *http.Server
	resolver machineid.Resolver
}

// Option customizes New
type Option func(*options)

type options struct {
	logger   *slog.Logger
	resolver machineid.Resolver
	workDir  string
}

// WithLogger uses logger instead of initializing one from the configuration
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithResolver replaces the OS machine identity resolver
func WithResolver(r machineid.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithWorkDir resolves relative paths against dir instead of the working directory
func WithWorkDir(dir string) Option {
	return func(o *options) { o.workDir = dir }
}

// NewApplication loads the configuration and builds the application
func NewApplication(ctx context.Context) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return New(ctx, cfg)
}

// New builds the application from cfg. Call Stop to release its resources.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Application, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = infrastructure.InitializeLogger(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	logger.InfoContext(ctx, "Application starting",
		slog.String("name", config.AppName),
		slog.String("version", config.AppVersion),
		slog.String("build_time", BuildTime),
		slog.String("storage_driver", cfg.Storage.Driver))

	paths, err := resolvePaths(cfg, o.workDir)
	if err != nil {
		return nil, err
	}
	paths.LogPathResolution(logger)
	if err := paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}

	providers, err := infrastructure.InitializeOTel(infrastructure.NewOTelConfig(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	a := &Application{
		Config:   cfg,
		Paths:    paths,
		Logger:   logger,
		OTel:     providers,
		resolver: o.resolver,
	}

	if err := a.initializeServices(ctx); err != nil {
		_ = providers.Shutdown(ctx)
		return nil, err
	}
	a.setupRouter()
	a.createServer()
	return a, nil
}

func resolvePaths(cfg *config.Config, workDir string) (*config.Paths, error) {
	if workDir != "" {
		return cfg.ResolvePathsFrom(workDir), nil
	}
	paths, err := cfg.ResolvePaths()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}
	return paths, nil
}

func (a *Application) initializeServices(ctx context.Context) error {
	backend, err := store.Open(ctx, a.Config, a.Paths, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	a.Store = backend

	if a.resolver == nil {
		a.resolver = machineid.NewOSResolver(a.Logger)
	}

	a.Errors = apperrors.NewErrorHandler(a.Logger, strings.EqualFold(a.Config.Logging.Level, "debug"))
	a.Hub = ws.NewHub(a.Logger, a.OTel.Meter)

	metrics, err := license.NewMetrics(a.OTel.Meter)
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("failed to create license metrics: %w", err)
	}

	// the guard and the engine refer to each other: the guard asks the engine
	// for the current license and the engine's events invalidate the guard
	var engine *license.Engine
	a.Guard = customMiddleware.NewLicenseGuard(
		customMiddleware.ActiveLicenseFunc(func(ctx context.Context) (license.Record, error) {
			return engine.Current(ctx)
		}),
		a.Errors, a.Logger,
		customMiddleware.WithGuardTracer(a.OTel.Tracer),
	)

	cache := license.NewEncryptedCache(a.Paths.CacheFile,
		license.WithCacheIterations(a.Config.License.KDFIterations),
		license.WithCacheLogger(a.Logger))

	engine = license.NewEngine(backend, a.resolver,
		license.WithCache(cache),
		license.WithEventSink(license.MultiSink{a.Hub, a.Guard}),
		license.WithMetrics(metrics),
		license.WithTracer(a.OTel.Tracer),
		license.WithLogger(a.Logger),
		license.WithKeyPrefix(config.LicenseKeyPrefix),
	)
	a.Engine = engine

	secret, err := a.sessionSecret()
	if err != nil {
		_ = backend.Close()
		return err
	}
	tokens := auth.NewTokenManager(secret, a.Config.Auth.SessionTTL)
	a.Auth = auth.NewService(backend, tokens, auth.Options{
		MaxFailedAttempts: a.Config.Auth.MaxFailedAttempts,
		LockoutDuration:   a.Config.Auth.LockoutDuration,
		MinPasswordLength: a.Config.Auth.MinPasswordLength,
	}, a.Logger)

	if a.Config.Security.RateLimit.Enabled {
		a.Limiter = customMiddleware.NewRateLimiter(
			a.Config.Security.RateLimit.RPS,
			a.Config.Security.RateLimit.Burst,
			a.Logger, a.Errors)
	}

	if !a.Config.AdminIssuanceEnabled() {
		a.Logger.WarnContext(ctx, "No admin secret configured, license issuance is disabled")
	}
	return nil
}

func (a *Application) sessionSecret() ([]byte, error) {
	if a.Config.Auth.JWTSecret != "" {
		return []byte(a.Config.Auth.JWTSecret), nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate session secret: %w", err)
	}
	a.Logger.Warn("No JWT secret configured, sessions will not survive a restart")
	return secret, nil
}

func (a *Application) setupRouter() {
	r := chi.NewRouter()

	// WebSocket connections skip the full chain so nothing wraps the hijacked writer
	r.Use(customMiddleware.RequestID)
	r.Use(middleware.RealIP)

	r.NotFound(a.Errors.NotFound)
	r.MethodNotAllowed(a.Errors.MethodNotAllowed)

	r.Handle("/ws", ws.NewHandler(a.Hub,
		a.Config.WebSocket.ReadBufferSize,
		a.Config.WebSocket.WriteBufferSize,
		a.Config.WebSocket.PingPeriod,
		a.Config.WebSocket.PongWait,
		a.checkOrigin))

	if a.OTel.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTel.PrometheusHTTP)
	}

	r.Group(func(r chi.Router) {
		// RequestID → RealIP → OTel → Logger → Recoverer → headers → limits
		otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTel)
		if err != nil {
			a.Logger.Error("Failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
		} else {
			r.Use(otelMiddleware.Handler)
		}
		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(a.Errors.Recoverer)
		r.Use(customMiddleware.SecurityHeaders)

		if a.Config.Security.EnableCORS {
			r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
				AllowedOrigins:   a.Config.Security.AllowedOrigins,
				AllowCredentials: true,
			}))
		}
		if a.Limiter != nil {
			r.Use(a.Limiter.Handler)
		}

		r.Route("/api", a.setupAPIRoutes)
	})

	a.Router = r
}

func (a *Application) setupAPIRoutes(r chi.Router) {
	r.Use(render.SetContentType(render.ContentTypeJSON))
	r.Use(customMiddleware.Timeout(a.Config.Server.RequestTimeout))

	health := handlers.NewHealthHandler(a.Store, config.AppVersion, a.Logger)
	r.Get("/health", health.HealthCheck)
	r.Get("/health/live", health.LivenessCheck)

	licenses := handlers.NewLicenseHandler(a.Engine, handlers.LicenseHandlerConfig{
		AdminSecret:   a.Config.License.AdminSecret,
		IssueAttempts: a.Config.License.IssueAttempts,
		RequireAdmin:  a.requireAdmin,
	}, a.Errors, a.Logger)
	licenses.RegisterRoutes(r)

	authHandler := handlers.NewAuthHandler(a.Auth, a.Engine, a.Hub, handlers.CookieConfig{
		Name:   a.Config.Auth.CookieName,
		Secure: a.Config.Auth.CookieSecure,
	}, a.Errors, a.Logger)
	authHandler.RegisterRoutes(r, a.Guard.Handler)

	r.Post("/logs", handlers.NewClientLogHandler(a.Logger, a.Errors).Handle)
}

// requireAdmin demands an admin session and records the call in the audit log
func (a *Application) requireAdmin(next http.Handler) http.Handler {
	session := customMiddleware.RequireSession(a.Auth, a.Config.Auth.CookieName, a.Errors, a.Logger)
	return session(customMiddleware.AuditLog(a.Logger)(next))
}

// checkOrigin accepts same-host WebSocket upgrades and the configured origins
func (a *Application) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range a.Config.Security.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           net.JoinHostPort(a.Config.Server.Host, strconv.Itoa(a.Config.Server.Port)),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
		ErrorLog:       slog.NewLogLogger(a.Logger.Handler(), slog.LevelWarn),
	}
}

// Run listens on the configured address and serves until ctx is done
func (a *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln together with the WebSocket hub, the
// expiry sweeper and the rate limiter cleanup. It returns after ctx is done
// and the server has shut down, or when any of them fails.
func (a *Application) Serve(ctx context.Context, ln net.Listener) error {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("address", ln.Addr().String()),
		slog.String("level", a.Config.Logging.Level))
	a.logLicenseStatus(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Hub.Run(gctx) })
	g.Go(func() error { return a.Engine.RunSweeper(gctx, a.Config.License.SweepInterval) })
	if a.Limiter != nil {
		g.Go(func() error { return a.cleanupVisitors(gctx) })
	}

	g.Go(func() error {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func (a *Application) cleanupVisitors(ctx context.Context) error {
	ticker := time.NewTicker(visitorCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := a.Limiter.Cleanup(visitorIdleTimeout); n > 0 {
				a.Logger.Debug("Rate limiter visitors evicted", slog.Int("count", n))
			}
		}
	}
}

func (a *Application) logLicenseStatus(ctx context.Context) {
	rec, err := a.Engine.Current(ctx)
	switch {
	case err == nil:
		a.Logger.InfoContext(ctx, "Active license found",
			slog.String("license_key", license.MaskKey(rec.LicenseKey)),
			slog.String("hostel", rec.HostelName))
	case errors.Is(err, license.ErrNoActiveLicense):
		a.Logger.InfoContext(ctx, "No active license, activation required")
	default:
		a.Logger.WarnContext(ctx, "License status unavailable", slog.String("error", err.Error()))
	}
}

// Stop releases the storage, telemetry and log file. Call it after Serve returns.
func (a *Application) Stop(ctx context.Context) error {
	var errs []error
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close storage: %w", err))
		}
	}
	if a.OTel != nil {
		if err := a.OTel.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down OpenTelemetry: %w", err))
		}
	}
	a.Logger.InfoContext(ctx, "Application shutdown complete")
	if err := infrastructure.CloseLogFile(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
