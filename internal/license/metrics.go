package license

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the engine's OpenTelemetry instruments
type Metrics struct {
	Validations        metric.Int64Counter
	ValidationDuration metric.Float64Histogram
	Issued             metric.Int64Counter
	Deactivations      metric.Int64Counter
	Expirations        metric.Int64Counter
	CacheReads         metric.Int64Counter
}

// NewMetrics creates the instruments on meter. A nil meter records nothing.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}

	validations, err := meter.Int64Counter(
		"license_validations_total",
		metric.WithDescription("License validations by verdict reason"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License validation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	issued, err := meter.Int64Counter(
		"license_issued_total",
		metric.WithDescription("Total number of issued license keys"),
	)
	if err != nil {
		return nil, err
	}

	deactivations, err := meter.Int64Counter(
		"license_deactivations_total",
		metric.WithDescription("Total number of license deactivations"),
	)
	if err != nil {
		return nil, err
	}

	expirations, err := meter.Int64Counter(
		"license_expirations_total",
		metric.WithDescription("Licenses transitioned to expired"),
	)
	if err != nil {
		return nil, err
	}

	cacheReads, err := meter.Int64Counter(
		"license_cache_reads_total",
		metric.WithDescription("Encrypted cache reads by outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Validations:        validations,
		ValidationDuration: duration,
		Issued:             issued,
		Deactivations:      deactivations,
		Expirations:        expirations,
		CacheReads:         cacheReads,
	}, nil
}

func (m *Metrics) recordValidation(ctx context.Context, v Verdict, started time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("reason", string(v.Reason)),
		attribute.Bool("valid", v.Valid),
	)
	m.Validations.Add(ctx, 1, attrs)
	m.ValidationDuration.Record(ctx, time.Since(started).Seconds(), attrs)
}

func (m *Metrics) recordCacheRead(ctx context.Context, outcome string) {
	m.CacheReads.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
