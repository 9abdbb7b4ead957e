package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	apperrors "hostelpro/internal/errors"
	"hostelpro/internal/license"
)

// ActiveLicense reports the license bound to this machine
type ActiveLicense interface {
	Current(ctx context.Context) (license.Record, error)
}

// ActiveLicenseFunc adapts a function to ActiveLicense
type ActiveLicenseFunc func(ctx context.Context) (license.Record, error)

func (f ActiveLicenseFunc) Current(ctx context.Context) (license.Record, error) {
	return f(ctx)
}

// LicenseGuard rejects requests while this machine has no active license.
// Positive results are cached for a short TTL; license events invalidate the
// cache.
type LicenseGuard struct {
	licenses ActiveLicense
	errs     *apperrors.ErrorHandler
	logger   *slog.Logger
	tracer   trace.Tracer
	ttl      time.Duration
	now      func() time.Time

	excludePrefixes []string

	mu        sync.RWMutex
	validTill time.Time
}

// GuardOption configures a LicenseGuard
type GuardOption func(*LicenseGuard)

// WithGuardTTL sets how long a positive check is reused
func WithGuardTTL(ttl time.Duration) GuardOption {
	return func(g *LicenseGuard) { g.ttl = ttl }
}

// WithGuardTracer sets the tracer for guard spans
func WithGuardTracer(t trace.Tracer) GuardOption {
	return func(g *LicenseGuard) {
		if t != nil {
			g.tracer = t
		}
	}
}

// WithExcludedPrefix lets requests under prefix through unchecked
func WithExcludedPrefix(prefix string) GuardOption {
	return func(g *LicenseGuard) { g.excludePrefixes = append(g.excludePrefixes, prefix) }
}

// NewLicenseGuard creates a guard backed by licenses
func NewLicenseGuard(licenses ActiveLicense, errs *apperrors.ErrorHandler, logger *slog.Logger, opts ...GuardOption) *LicenseGuard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &LicenseGuard{
		licenses: licenses,
		errs:     errs,
		logger:   logger.With("component", "license_guard"),
		tracer:   noop.NewTracerProvider().Tracer("license_guard"),
		ttl:      30 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handler implements the middleware
func (g *LicenseGuard) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx, span := g.tracer.Start(r.Context(), "license_guard.check")
		defer span.End()

		if g.cached() {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		rec, err := g.licenses.Current(ctx)
		if err != nil {
			span.SetAttributes(attribute.Bool("license.active", false))
			if !errors.Is(err, license.ErrNoActiveLicense) {
				span.RecordError(err)
				g.logger.ErrorContext(ctx, "license check failed",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()))
			} else {
				g.logger.DebugContext(ctx, "request blocked, no active license",
					slog.String("path", r.URL.Path))
			}
			g.errs.HandleError(w, r.WithContext(ctx), err)
			return
		}

		span.SetAttributes(
			attribute.Bool("license.active", true),
			attribute.String("license.key", license.MaskKey(rec.LicenseKey)),
		)
		g.remember()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Publish invalidates the cached result on any license event
func (g *LicenseGuard) Publish(_ context.Context, _ license.Event) {
	g.Invalidate()
}

// Invalidate drops the cached result
func (g *LicenseGuard) Invalidate() {
	g.mu.Lock()
	g.validTill = time.Time{}
	g.mu.Unlock()
}

func (g *LicenseGuard) cached() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.now().Before(g.validTill)
}

func (g *LicenseGuard) remember() {
	g.mu.Lock()
	g.validTill = g.now().Add(g.ttl)
	g.mu.Unlock()
}

func (g *LicenseGuard) excluded(path string) bool {
	for _, p := range g.excludePrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
