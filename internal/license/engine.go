package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"hostelpro/internal/machineid"
)

// LocalCache remembers the activation for this installation
type LocalCache interface {
	Write(ctx context.Context, entry CacheEntry, identity string) error
	Read(ctx context.Context, identity string) (CacheEntry, bool)
	Clear(ctx context.Context) error
}

// Engine makes activation decisions and owns every license state transition
type Engine struct {
	store     Store
	resolver  machineid.Resolver
	cache     LocalCache
	events    EventSink
	metrics   *Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
	keyPrefix string
}

// Option configures an Engine
type Option func(*Engine)

// WithCache enables the encrypted local cache
func WithCache(c LocalCache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithEventSink publishes state changes to sink
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.events = sink
		}
	}
}

// WithMetrics records engine metrics
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTracer sets the tracer used for engine spans
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithKeyPrefix sets the prefix of issued keys
func WithKeyPrefix(prefix string) Option {
	return func(e *Engine) {
		if prefix != "" {
			e.keyPrefix = strings.ToUpper(prefix)
		}
	}
}

// NewEngine creates an engine over store. resolver supplies the local machine
// identity when a caller does not pass one.
func NewEngine(store Store, resolver machineid.Resolver, opts ...Option) *Engine {
	metrics, _ := NewMetrics(nil)
	e := &Engine{
		store:     store,
		resolver:  resolver,
		events:    discardSink{},
		metrics:   metrics,
		tracer:    otel.Tracer("hostelpro/license"),
		logger:    slog.Default(),
		now:       time.Now,
		keyPrefix: "HOSTELPRO",
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "license_engine")
	return e
}

// MachineID returns the normalized identity of this host
func (e *Engine) MachineID(ctx context.Context) (string, error) {
	return e.resolver.Resolve(ctx)
}

// Validate decides whether licenseKey may run on the machine with the given
// identity, binding the license on first use. An empty identity means this host.
// Rejections are verdicts; the error is reserved for failures that prevent a decision.
func (e *Engine) Validate(ctx context.Context, licenseKey, identity string) (Verdict, error) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "license.Validate")
	defer span.End()

	key := NormalizeKey(licenseKey)
	span.SetAttributes(attribute.String("license.key", MaskKey(key)))

	if strings.TrimSpace(identity) == "" {
		resolved, err := e.resolver.Resolve(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "identity unavailable")
			return Verdict{}, err
		}
		identity = resolved
	} else if machineid.Normalize(identity) == "" {
		return Verdict{}, fmt.Errorf("%w: machine id has no usable characters", ErrInvalidRequest)
	}

	verdict, err := e.validate(ctx, key, identity)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.ErrorContext(ctx, "License validation failed",
			slog.String("license_key", MaskKey(key)),
			slog.String("error", err.Error()))
		return Verdict{}, err
	}

	span.SetAttributes(
		attribute.String("license.reason", string(verdict.Reason)),
		attribute.Bool("license.valid", verdict.Valid),
	)
	e.metrics.recordValidation(ctx, verdict, started)
	e.logger.InfoContext(ctx, "License validated",
		slog.String("license_key", MaskKey(key)),
		slog.Bool("valid", verdict.Valid),
		slog.String("reason", string(verdict.Reason)))

	return verdict, nil
}

func (e *Engine) validate(ctx context.Context, key, identity string) (Verdict, error) {
	for attempt := 0; ; attempt++ {
		rec, err := e.store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return reject(ReasonInvalidKey, ""), nil
		}
		if err != nil {
			return Verdict{}, fmt.Errorf("failed to load license: %w", err)
		}

		switch rec.Status {
		case StatusSuspended, StatusRevoked:
			return reject(ReasonSuspendedOrRevoked, rec.Status), nil
		case StatusExpired:
			return reject(ReasonExpired, rec.Status), nil
		}

		if rec.ExpiredAt(e.now()) {
			if err := e.expire(ctx, rec); err != nil {
				return Verdict{}, err
			}
			return reject(ReasonExpired, StatusExpired), nil
		}

		if !rec.Bound() {
			bound, err := e.activate(ctx, rec, identity)
			if errors.Is(err, ErrAlreadyBound) && attempt == 0 {
				// lost a concurrent bind; decide again against the winner
				continue
			}
			if err != nil {
				return Verdict{}, err
			}
			return accept(ReasonActivated, bound), nil
		}

		if MatchesMachine(rec, identity) {
			return accept(ReasonAlreadyValid, rec), nil
		}
		return reject(ReasonMachineMismatch, rec.Status), nil
	}
}

// activate binds rec to identity with a fresh salt and writes the local cache
func (e *Engine) activate(ctx context.Context, rec Record, identity string) (Record, error) {
	salt, err := NewSalt()
	if err != nil {
		return Record{}, err
	}

	binding := Binding{
		MachineIDHash: HashMachine(identity, salt),
		MachineIDSalt: salt,
		ActivatedAt:   e.now().UTC(),
	}
	if err := e.store.Bind(ctx, rec.LicenseKey, binding); err != nil {
		if errors.Is(err, ErrAlreadyBound) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("failed to bind license: %w", err)
	}

	rec.MachineIDHash = binding.MachineIDHash
	rec.MachineIDSalt = binding.MachineIDSalt
	rec.ActivatedAt = &binding.ActivatedAt
	rec.Status = StatusActive

	if e.cache != nil {
		if err := e.cache.Write(ctx, cacheEntryFor(rec), identity); err != nil {
			e.logger.WarnContext(ctx, "Failed to write license cache",
				slog.String("license_key", MaskKey(rec.LicenseKey)),
				slog.String("error", err.Error()))
		}
	}

	e.publish(ctx, EventActivated, rec.LicenseKey, StatusActive)
	return rec, nil
}

func (e *Engine) expire(ctx context.Context, rec Record) error {
	if err := e.store.UpdateStatus(ctx, rec.LicenseKey, StatusExpired); err != nil {
		return fmt.Errorf("failed to mark license expired: %w", err)
	}
	e.metrics.Expirations.Add(ctx, 1)
	e.publish(ctx, EventExpired, rec.LicenseKey, StatusExpired)
	e.logger.InfoContext(ctx, "License expired",
		slog.String("license_key", MaskKey(rec.LicenseKey)),
		slog.Time("expiry_date", *rec.ExpiryDate))
	return nil
}

// Deactivate drops the machine binding so the key can be activated elsewhere,
// and clears the local cache. Suspended and revoked licenses keep their status.
func (e *Engine) Deactivate(ctx context.Context, licenseKey string) error {
	ctx, span := e.tracer.Start(ctx, "license.Deactivate")
	defer span.End()

	key := NormalizeKey(licenseKey)
	rec, err := e.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to load license: %w", err)
	}

	status := StatusPending
	if rec.Status == StatusSuspended || rec.Status == StatusRevoked {
		status = rec.Status
	}
	if err := e.store.ClearBinding(ctx, key, status); err != nil {
		return fmt.Errorf("failed to clear binding: %w", err)
	}

	if e.cache != nil {
		if err := e.cache.Clear(ctx); err != nil {
			e.logger.WarnContext(ctx, "Failed to clear license cache", slog.String("error", err.Error()))
		}
	}

	e.metrics.Deactivations.Add(ctx, 1)
	e.publish(ctx, EventDeactivated, key, status)
	e.logger.InfoContext(ctx, "License deactivated", slog.String("license_key", MaskKey(key)))
	return nil
}

// Issue creates a new pending, unbound license. ErrKeyCollision is returned
// unchanged so callers can retry with a new key.
func (e *Engine) Issue(ctx context.Context, req IssueRequest) (Record, error) {
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.HostelName = strings.TrimSpace(req.HostelName)
	if req.CustomerName == "" || req.HostelName == "" {
		return Record{}, fmt.Errorf("%w: customer and hostel name are required", ErrInvalidRequest)
	}

	now := e.now().UTC()

	key, err := GenerateKey(e.keyPrefix)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		LicenseKey:   key,
		CustomerName: req.CustomerName,
		HostelName:   req.HostelName,
		IssueDate:    now,
		ExpiryDate:   req.ExpiryDate,
		Status:       StatusPending,
		Notes:        strings.TrimSpace(req.Notes),
	}
	if err := e.store.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrKeyCollision) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("failed to store license: %w", err)
	}

	e.metrics.Issued.Add(ctx, 1)
	e.publish(ctx, EventIssued, key, StatusPending)
	e.logger.InfoContext(ctx, "License issued",
		slog.String("license_key", MaskKey(key)),
		slog.String("hostel_name", rec.HostelName))
	return rec, nil
}

// IssueWithRetry calls Issue up to attempts times while keys collide
func (e *Engine) IssueWithRetry(ctx context.Context, req IssueRequest, attempts int) (Record, error) {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		var rec Record
		rec, err = e.Issue(ctx, req)
		if !errors.Is(err, ErrKeyCollision) {
			return rec, err
		}
		e.logger.WarnContext(ctx, "License key collision, retrying", slog.Int("attempt", i+1))
	}
	return Record{}, err
}

// SetStatus administratively suspends or revokes a license. Revocation is final.
func (e *Engine) SetStatus(ctx context.Context, licenseKey string, status Status) (Record, error) {
	if status != StatusSuspended && status != StatusRevoked {
		return Record{}, fmt.Errorf("%w: cannot set status %q", ErrInvalidTransition, status)
	}

	key := NormalizeKey(licenseKey)
	rec, err := e.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("failed to load license: %w", err)
	}

	if rec.Status == status {
		return rec, nil
	}
	if rec.Status == StatusRevoked {
		return Record{}, fmt.Errorf("%w: license is revoked", ErrInvalidTransition)
	}

	if err := e.store.UpdateStatus(ctx, key, status); err != nil {
		return Record{}, fmt.Errorf("failed to update status: %w", err)
	}
	rec.Status = status

	e.publish(ctx, EventStatusChanged, key, status)
	e.logger.InfoContext(ctx, "License status changed",
		slog.String("license_key", MaskKey(key)),
		slog.String("status", string(status)))
	return rec, nil
}

// Get returns a single record
func (e *Engine) Get(ctx context.Context, licenseKey string) (Record, error) {
	return e.store.Get(ctx, NormalizeKey(licenseKey))
}

// List returns records with the given status, or all records for ""
func (e *Engine) List(ctx context.Context, status Status) ([]Record, error) {
	return e.store.List(ctx, status)
}

// Current returns the license this installation runs under: the earliest
// activated, unexpired, active record bound to this machine. The encrypted
// cache is consulted first and is trusted on its own only when the store
// cannot be read.
func (e *Engine) Current(ctx context.Context) (Record, error) {
	ctx, span := e.tracer.Start(ctx, "license.Current")
	defer span.End()

	identity, err := e.resolver.Resolve(ctx)
	if err != nil {
		return Record{}, err
	}

	if rec, ok, err := e.currentFromCache(ctx, identity); ok || err != nil {
		return rec, err
	}

	active, err := e.store.List(ctx, StatusActive)
	if err != nil {
		return Record{}, fmt.Errorf("failed to list licenses: %w", err)
	}
	sort.SliceStable(active, func(i, j int) bool {
		return activatedBefore(active[i], active[j])
	})

	now := e.now()
	for _, rec := range active {
		if rec.ExpiredAt(now) {
			if err := e.expire(ctx, rec); err != nil {
				return Record{}, err
			}
			continue
		}
		if !MatchesMachine(rec, identity) {
			continue
		}
		if e.cache != nil {
			if err := e.cache.Write(ctx, cacheEntryFor(rec), identity); err != nil {
				e.logger.WarnContext(ctx, "Failed to refresh license cache", slog.String("error", err.Error()))
			}
		}
		return rec, nil
	}

	return Record{}, ErrNoActiveLicense
}

// currentFromCache resolves Current through the cache. ok=false means fall
// back to scanning the store.
func (e *Engine) currentFromCache(ctx context.Context, identity string) (Record, bool, error) {
	if e.cache == nil {
		return Record{}, false, nil
	}

	entry, ok := e.cache.Read(ctx, identity)
	if !ok {
		e.metrics.recordCacheRead(ctx, "absent")
		return Record{}, false, nil
	}

	rec, err := e.store.Get(ctx, entry.LicenseKey)
	switch {
	case err == nil:
		if rec.Status == StatusActive && !rec.ExpiredAt(e.now()) && MatchesMachine(rec, identity) {
			e.metrics.recordCacheRead(ctx, "confirmed")
			return rec, true, nil
		}
		e.metrics.recordCacheRead(ctx, "stale")
		if err := e.cache.Clear(ctx); err != nil {
			e.logger.WarnContext(ctx, "Failed to clear stale license cache", slog.String("error", err.Error()))
		}
		return Record{}, false, nil
	case errors.Is(err, ErrNotFound):
		e.metrics.recordCacheRead(ctx, "stale")
		if err := e.cache.Clear(ctx); err != nil {
			e.logger.WarnContext(ctx, "Failed to clear license cache for unknown key", slog.String("error", err.Error()))
		}
		return Record{}, false, nil
	default:
		// store unreachable: the cache is all we have
		e.logger.WarnContext(ctx, "License store unavailable, using cached license",
			slog.String("error", err.Error()))
		if entry.ExpiryDate != nil && e.now().After(*entry.ExpiryDate) {
			e.metrics.recordCacheRead(ctx, "expired")
			return Record{}, true, ErrNoActiveLicense
		}
		e.metrics.recordCacheRead(ctx, "fallback")
		return Record{
			LicenseKey:    entry.LicenseKey,
			CustomerName:  entry.CustomerName,
			HostelName:    entry.HostelName,
			ExpiryDate:    entry.ExpiryDate,
			ActivatedAt:   entry.ActivatedAt,
			MachineIDHash: entry.MachineIDHash,
			Status:        StatusActive,
		}, true, nil
	}
}

// SweepExpired marks every pending or active license whose expiry date has
// passed as expired and returns how many were changed.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, "license.SweepExpired")
	defer span.End()

	now := e.now()
	swept := 0
	for _, status := range []Status{StatusActive, StatusPending} {
		records, err := e.store.List(ctx, status)
		if err != nil {
			return swept, fmt.Errorf("failed to list %s licenses: %w", status, err)
		}
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return swept, err
			}
			if !rec.ExpiredAt(now) {
				continue
			}
			if err := e.expire(ctx, rec); err != nil {
				return swept, err
			}
			swept++
		}
	}

	span.SetAttributes(attribute.Int("license.swept", swept))
	if swept > 0 {
		e.logger.InfoContext(ctx, "Expired licenses swept", slog.Int("count", swept))
	}
	return swept, nil
}

// RunSweeper calls SweepExpired every interval until ctx is done
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				e.logger.ErrorContext(ctx, "Expiry sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (e *Engine) publish(ctx context.Context, typ EventType, key string, status Status) {
	e.events.Publish(ctx, Event{
		Type:       typ,
		LicenseKey: key,
		Status:     status,
		Timestamp:  e.now().UTC(),
	})
}

func activatedBefore(a, b Record) bool {
	switch {
	case a.ActivatedAt == nil:
		return false
	case b.ActivatedAt == nil:
		return true
	}
	return a.ActivatedAt.Before(*b.ActivatedAt)
}
