// Package http implements the JSON API handlers. Handlers decode and
// validate requests, call the license engine or auth service, and render
// results. Failures go through the shared error handler as RFC 7807 problem
// details.
//
// Routes, relative to /api:
//
//	GET  /license              current license bound to this machine
//	GET  /machine-id           this machine's identity
//	POST /license/validate     activate or re-validate a key
//	POST /license/generate     issue a new key (admin secret)
//	POST /license/deactivate   release a binding (admin session)
//	POST /license/suspend      suspend a key (admin secret)
//	POST /license/revoke       revoke a key (admin secret)
//	GET  /license/export       XLSX or CSV ledger (admin secret)
//	GET  /auth/status          admin account and session state
//	POST /auth/setup           create the first admin account
//	POST /auth/login           start a session
//	POST /auth/logout          end the session
//	GET  /gate                 which screen the caller should see
//	GET  /health               liveness and storage check
//	POST /logs                 client-side log forwarding
package http
