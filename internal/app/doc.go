// Package app wires HostelPro together and manages its lifecycle.
//
// New resolves paths, initializes OpenTelemetry, opens the configured storage
// backend and builds the license engine, admin authentication, WebSocket hub
// and HTTP router on top of it. Serve runs the HTTP server alongside the
// background workers under one errgroup:
//
//   - the WebSocket hub that pushes license and auth events to the UI
//   - the expiry sweeper that marks lapsed licenses as expired
//   - the rate limiter's idle visitor cleanup
//
// Cancelling the context passed to Serve shuts the server down gracefully;
// Stop then closes the storage and flushes telemetry.
//
//	a, err := app.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer a.Stop(context.Background())
//	return a.Run(ctx)
package app
