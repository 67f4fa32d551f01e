// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the public, cache-friendly line status.
//   - POST /v1/subscriptions and /v1/subscriptions/unsubscribe for browsers.
//   - POST|GET /v1/check and POST /v1/notify for operators (bearer token).
//
// Responses use the envelope {"success": true, "data": ...} or
// {"success": false, "error": CODE, "message": ...}.
package api
