package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"hostelpro/internal/auth"
	apperrors "hostelpro/internal/errors"
	"hostelpro/internal/gate"
	"hostelpro/internal/middleware"
)

// AuthService is the part of the auth service the handlers use
type AuthService interface {
	Status(ctx context.Context, token string) (auth.Status, error)
	Setup(ctx context.Context, username, password string) (auth.Session, error)
	Login(ctx context.Context, username, password string) (auth.Session, error)
	Logout(ctx context.Context, token string) error
}

// AuthNotifier is told when the admin or session state changes
type AuthNotifier interface {
	PublishAuthChanged(ctx context.Context, reason string)
}

// CookieConfig controls the session cookie
type CookieConfig struct {
	Name   string
	Secure bool
}

// AuthHandler serves the auth and gate API
type AuthHandler struct {
	service  AuthService
	licenses gate.LicenseSource
	notifier AuthNotifier
	cookie   CookieConfig
	errs     *apperrors.ErrorHandler
	validate *validator.Validate
	logger   *slog.Logger
}

// NewAuthHandler creates the auth handler. notifier may be nil.
func NewAuthHandler(service AuthService, licenses gate.LicenseSource, notifier AuthNotifier, cookie CookieConfig, errs *apperrors.ErrorHandler, logger *slog.Logger) *AuthHandler {
	if cookie.Name == "" {
		cookie.Name = middleware.SessionCookie
	}
	return &AuthHandler{
		service:  service,
		licenses: licenses,
		notifier: notifier,
		cookie:   cookie,
		errs:     errs,
		validate: newValidator(),
		logger:   logger.With(slog.String("handler", "auth")),
	}
}

// CredentialsRequest is the body of setup and login
type CredentialsRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=256"`
}

// SessionResponse is returned after setup and login
type SessionResponse struct {
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GateResponse tells the caller which screen to show
type GateResponse struct {
	State  gate.State `json:"state"`
	Screen string     `json:"screen"`
}

// RegisterRoutes mounts the auth routes on r, which is expected at /api.
// guard, when set, protects setup and login.
func (h *AuthHandler) RegisterRoutes(r chi.Router, guard func(http.Handler) http.Handler) {
	r.Get("/auth/status", h.Status)
	r.Post("/auth/logout", h.Logout)
	r.Get("/gate", h.Gate)

	r.Group(func(r chi.Router) {
		if guard != nil {
			r.Use(guard)
		}
		r.Post("/auth/setup", h.Setup)
		r.Post("/auth/login", h.Login)
	})
}

// Status handles GET /auth/status
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Status(r.Context(), middleware.SessionToken(r, h.cookie.Name))
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, st)
}

// Setup handles POST /auth/setup
func (h *AuthHandler) Setup(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	sess, err := h.service.Setup(r.Context(), req.Username, req.Password)
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	h.setSessionCookie(w, sess)
	h.notify(r.Context(), "setup")
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, SessionResponse{Username: sess.Username, ExpiresAt: sess.ExpiresAt})
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	sess, err := h.service.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	h.setSessionCookie(w, sess)
	h.notify(r.Context(), "login")
	render.JSON(w, r, SessionResponse{Username: sess.Username, ExpiresAt: sess.ExpiresAt})
}

// Logout handles POST /auth/logout. It always clears the cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), middleware.SessionToken(r, h.cookie.Name)); err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	})
	h.notify(r.Context(), "logout")
	render.JSON(w, r, ActionResponse{Success: true, Message: "Logged out"})
}

// Gate handles GET /gate
func (h *AuthHandler) Gate(w http.ResponseWriter, r *http.Request) {
	state := gate.Evaluate(r.Context(), gate.LocalProber{
		Licenses: h.licenses,
		Auth:     h.service,
		Token:    middleware.SessionToken(r, h.cookie.Name),
	})
	render.JSON(w, r, GateResponse{State: state, Screen: state.Screen()})
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, sess auth.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandler) notify(ctx context.Context, reason string) {
	if h.notifier != nil {
		h.notifier.PublishAuthChanged(ctx, reason)
	}
}
