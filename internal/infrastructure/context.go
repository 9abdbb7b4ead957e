package infrastructure

import "context"

type ctxKey int

const (
	traceIDKey ctxKey = iota
	licenseKeyKey
)

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from context
func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// WithLicenseKey tags ctx with the license key a request is acting on. The
// value is written to every log record as-is, so callers pass a masked key.
func WithLicenseKey(ctx context.Context, masked string) context.Context {
	if masked == "" {
		return ctx
	}
	return context.WithValue(ctx, licenseKeyKey, masked)
}

// LicenseKeyFromContext returns the masked key set by WithLicenseKey
func LicenseKeyFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	key, _ := ctx.Value(licenseKeyKey).(string)
	return key
}
