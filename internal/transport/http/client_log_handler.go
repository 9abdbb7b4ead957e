package http

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "hostelpro/internal/errors"
)

// ClientLogHandler forwards frontend log entries into the server log
type ClientLogHandler struct {
	logger   *slog.Logger
	errs     *apperrors.ErrorHandler
	validate *validator.Validate
}

// NewClientLogHandler creates a client log handler
func NewClientLogHandler(logger *slog.Logger, errs *apperrors.ErrorHandler) *ClientLogHandler {
	return &ClientLogHandler{
		logger:   logger.With(slog.String("handler", "client_log")),
		errs:     errs,
		validate: newValidator(),
	}
}

// LogRequest is a client log entry
type LogRequest struct {
	Level   string         `json:"level" validate:"omitempty,oneof=debug info warn error"`
	Message string         `json:"message" validate:"required,max=2000"`
	Screen  string         `json:"screen" validate:"max=64"`
	Data    map[string]any `json:"data,omitempty"`
}

// Handle handles POST /logs
func (h *ClientLogHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var req LogRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	level := slog.LevelInfo
	switch strings.ToLower(req.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	attrs := []slog.Attr{slog.String("source", "client"), slog.String("screen", req.Screen)}
	if len(req.Data) > 0 {
		attrs = append(attrs, slog.Any("data", req.Data))
	}
	h.logger.LogAttrs(r.Context(), level, req.Message, attrs...)

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, ActionResponse{Success: true, Message: "logged"})
}
