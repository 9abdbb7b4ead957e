package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "hostelpro/internal/errors"
	"hostelpro/internal/exporter"
	"hostelpro/internal/infrastructure"
	"hostelpro/internal/license"
)

// LicenseService is the part of the license engine the handlers use
type LicenseService interface {
	MachineID(ctx context.Context) (string, error)
	Validate(ctx context.Context, licenseKey, identity string) (license.Verdict, error)
	Deactivate(ctx context.Context, licenseKey string) error
	IssueWithRetry(ctx context.Context, req license.IssueRequest, attempts int) (license.Record, error)
	SetStatus(ctx context.Context, licenseKey string, status license.Status) (license.Record, error)
	Current(ctx context.Context) (license.Record, error)
	List(ctx context.Context, status license.Status) ([]license.Record, error)
}

// LicenseHandlerConfig holds the administrative settings of the license routes
type LicenseHandlerConfig struct {
	// AdminSecret authorizes issuance, suspension, revocation and export.
	// Empty disables those routes.
	AdminSecret   string
	IssueAttempts int
	// RequireAdmin guards deactivation. Nil leaves it open.
	RequireAdmin func(http.Handler) http.Handler
}

// LicenseHandler serves the license API
type LicenseHandler struct {
	service  LicenseService
	cfg      LicenseHandlerConfig
	errs     *apperrors.ErrorHandler
	validate *validator.Validate
	ledger   *exporter.Ledger
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewLicenseHandler creates the license handler
func NewLicenseHandler(service LicenseService, cfg LicenseHandlerConfig, errs *apperrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	if cfg.IssueAttempts < 1 {
		cfg.IssueAttempts = 3
	}
	return &LicenseHandler{
		service:  service,
		cfg:      cfg,
		errs:     errs,
		validate: newValidator(),
		ledger:   exporter.NewLedger(time.Now),
		logger:   logger.With(slog.String("handler", "license")),
		tracer:   otel.Tracer("hostelpro/transport/http"),
		now:      time.Now,
	}
}

// ValidateRequest is the body of POST /license/validate
type ValidateRequest struct {
	LicenseKey string `json:"license_key" validate:"required,max=128"`
	MachineID  string `json:"machine_id" validate:"max=512"`
}

// GenerateRequest is the body of POST /license/generate
type GenerateRequest struct {
	CustomerName string `json:"customer_name" validate:"required,max=200"`
	HostelName   string `json:"hostel_name" validate:"required,max=200"`
	ExpiryDate   string `json:"expiry_date" validate:"omitempty,max=40"`
	Notes        string `json:"notes" validate:"max=2000"`
	AdminSecret  string `json:"admin_secret"`
}

// KeyRequest is the body of deactivate, suspend and revoke
type KeyRequest struct {
	LicenseKey  string `json:"license_key" validate:"required,licensekey"`
	AdminSecret string `json:"admin_secret,omitempty"`
}

// MachineIDResponse is the body of GET /machine-id
type MachineIDResponse struct {
	MachineID string `json:"machine_id"`
}

// ActionResponse acknowledges a state change
type ActionResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	License *license.Metadata `json:"license,omitempty"`
}

// RegisterRoutes mounts the license routes on r, which is expected at /api
func (h *LicenseHandler) RegisterRoutes(r chi.Router) {
	r.Get("/license", h.GetCurrent)
	r.Get("/machine-id", h.GetMachineID)
	r.Post("/license/validate", h.Validate)
	r.Post("/license/generate", h.Generate)
	r.Post("/license/suspend", h.Suspend)
	r.Post("/license/revoke", h.Revoke)
	r.Get("/license/export", h.Export)

	if h.cfg.RequireAdmin != nil {
		r.With(h.cfg.RequireAdmin).Post("/license/deactivate", h.Deactivate)
	} else {
		r.Post("/license/deactivate", h.Deactivate)
	}
}

// GetCurrent handles GET /license
func (h *LicenseHandler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Current(r.Context())
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, rec.Metadata())
}

// GetMachineID handles GET /machine-id
func (h *LicenseHandler) GetMachineID(w http.ResponseWriter, r *http.Request) {
	id, err := h.service.MachineID(r.Context())
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, MachineIDResponse{MachineID: id})
}

// Validate handles POST /license/validate. Both accepting and rejecting
// verdicts are 200 responses.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license_handler.validate")
	defer span.End()
	r = r.WithContext(ctx)

	var req ValidateRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	r = withLicenseKey(r, req.LicenseKey)
	ctx = r.Context()

	verdict, err := h.service.Validate(ctx, req.LicenseKey, req.MachineID)
	if err != nil {
		span.RecordError(err)
		h.errs.HandleError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.Bool("license.valid", verdict.Valid),
		attribute.String("license.reason", string(verdict.Reason)),
	)
	h.logger.DebugContext(ctx, "Validation verdict", slog.String("reason", string(verdict.Reason)))
	render.JSON(w, r, verdict.Response())
}

// Generate handles POST /license/generate
func (h *LicenseHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	if err := h.authorize(r, req.AdminSecret); err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	expiry, err := license.ParseExpiry(req.ExpiryDate)
	if err != nil {
		h.errs.HandleError(w, r, apperrors.InvalidRequestWithError(err))
		return
	}

	rec, err := h.service.IssueWithRetry(r.Context(), license.IssueRequest{
		CustomerName: req.CustomerName,
		HostelName:   req.HostelName,
		ExpiryDate:   expiry,
		Notes:        req.Notes,
	}, h.cfg.IssueAttempts)
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, rec)
}

// Deactivate handles POST /license/deactivate
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req KeyRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	r = withLicenseKey(r, req.LicenseKey)
	if err := h.service.Deactivate(r.Context(), req.LicenseKey); err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, ActionResponse{Success: true, Message: "License deactivated"})
}

// Suspend handles POST /license/suspend
func (h *LicenseHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, license.StatusSuspended, "License suspended")
}

// Revoke handles POST /license/revoke
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, license.StatusRevoked, "License revoked")
}

func (h *LicenseHandler) setStatus(w http.ResponseWriter, r *http.Request, status license.Status, msg string) {
	var req KeyRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	if err := h.authorize(r, req.AdminSecret); err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	r = withLicenseKey(r, req.LicenseKey)
	rec, err := h.service.SetStatus(r.Context(), req.LicenseKey, status)
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, ActionResponse{Success: true, Message: msg, License: rec.Metadata()})
}

// Export handles GET /license/export?format=xlsx|csv&status=
func (h *LicenseHandler) Export(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := h.authorize(r, q.Get("admin_secret")); err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	format, err := exporter.ParseFormat(q.Get("format"))
	if err != nil {
		h.errs.HandleError(w, r, apperrors.InvalidRequestWithError(err))
		return
	}
	status := license.Status(strings.ToLower(q.Get("status")))
	if status != "" && !status.Valid() {
		h.errs.HandleError(w, r, apperrors.InvalidRequestWithError(fmt.Errorf("unknown status %q", status)))
		return
	}

	recs, err := h.service.List(r.Context(), status)
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := h.ledger.Write(&buf, format, recs); err != nil {
		h.errs.HandleError(w, r, fmt.Errorf("failed to render ledger: %w", err))
		return
	}

	h.logger.InfoContext(r.Context(), "License ledger exported",
		slog.String("format", string(format)),
		slog.Int("records", len(recs)))

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", format.Filename(h.now())))
	w.Header().Set("Content-Length", fmt.Sprint(buf.Len()))
	_, _ = buf.WriteTo(w)
}

// authorize checks the administrative secret from the body, or from the
// X-Admin-Secret header when the body carries none
func (h *LicenseHandler) authorize(r *http.Request, given string) error {
	if h.cfg.AdminSecret == "" {
		return apperrors.ErrIssuanceDisabled
	}
	if given == "" {
		given = r.Header.Get("X-Admin-Secret")
	}
	// compare digests so the comparison time does not depend on length
	want := sha256.Sum256([]byte(h.cfg.AdminSecret))
	got := sha256.Sum256([]byte(given))
	if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
		h.logger.WarnContext(r.Context(), "Rejected administrative request",
			slog.String("path", r.URL.Path))
		return apperrors.ErrForbidden
	}
	return nil
}

// withLicenseKey tags the request context so its log records carry the masked key
func withLicenseKey(r *http.Request, key string) *http.Request {
	masked := license.MaskKey(license.NormalizeKey(key))
	return r.WithContext(infrastructure.WithLicenseKey(r.Context(), masked))
}
