package infrastructure

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"hostelpro/internal/config"
)

var (
	appLogger   *slog.Logger
	appInitOnce sync.Once

	logFileMu sync.Mutex
	logFile   *os.File
)

// InitializeLogger builds the process logger from cfg and installs it as the
// slog default. Later calls return the first logger unchanged.
func InitializeLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var err error
	appInitOnce.Do(func() {
		appLogger, err = NewLogger(cfg, os.Stdout)
		if appLogger != nil {
			slog.SetDefault(appLogger)
		}
	})
	return appLogger, err
}

// GetLogger returns the process logger, or slog's default before
// InitializeLogger has run.
func GetLogger() *slog.Logger {
	if appLogger == nil {
		return slog.Default()
	}
	return appLogger
}

// NewLogger builds a logger for cfg. console receives output for the
// "console" and "both" outputs; "file" and "both" append to cfg.FilePath.
// Records logged with a context carry its trace_id and license_key.
func NewLogger(cfg config.LoggingConfig, console io.Writer) (*slog.Logger, error) {
	out, err := logOutput(cfg, console)
	if err != nil {
		return nil, err
	}

	level := parseLogLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		AddSource: level == slog.LevelDebug,
		Level:     level,
	}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}
	return slog.New(contextHandler{h}), nil
}

func logOutput(cfg config.LoggingConfig, console io.Writer) (io.Writer, error) {
	switch strings.ToLower(cfg.Output) {
	case "file":
		return openLogFile(cfg.FilePath)
	case "both":
		f, err := openLogFile(cfg.FilePath)
		if err != nil {
			return nil, err
		}
		return io.MultiWriter(console, f), nil
	default:
		return console, nil
	}
}

// contextHandler copies request-scoped values from the context onto records
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := GetTraceID(ctx); id != "" {
		r.AddAttrs(slog.String("trace_id", id))
	}
	if key := LicenseKeyFromContext(ctx); key != "" {
		r.AddAttrs(slog.String("license_key", key))
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

func parseLogLevel(s string) slog.Level {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// CloseLogFile closes the log file opened by NewLogger, if any
func CloseLogFile() error {
	logFileMu.Lock()
	defer logFileMu.Unlock()

	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

// ResetLoggerForTesting forgets the process logger so tests can initialize
// it again.
func ResetLoggerForTesting() {
	_ = CloseLogFile()
	appLogger = nil
	appInitOnce = sync.Once{}
}

func openLogFile(path string) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("log file output requires logging.file_path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	logFileMu.Lock()
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	logFileMu.Unlock()
	return f, nil
}
