// Command hostelpro serves the HostelPro license activation API
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hostelpro/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(ctx)
	if err != nil {
		slog.Error("Failed to initialize application", slog.String("error", err.Error()))
		os.Exit(1)
	}

	runErr := application.Run(ctx)
	if runErr != nil {
		application.Logger.Error("Application error", slog.String("error", runErr.Error()))
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := application.Stop(stopCtx); err != nil {
		slog.Error("Shutdown error", slog.String("error", err.Error()))
	}

	if runErr != nil {
		os.Exit(1)
	}
}
