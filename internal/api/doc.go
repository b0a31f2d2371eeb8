// Package api hosts the HTTP server for operators. Notable routes:
//   - GET /healthz and /readyz for health checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for the orchestrator snapshot.
//   - GET /v1/deadletters for terminal failures.
//   - POST /v1/jobs for manual enqueue.
//   - GET, PUT and DELETE /v1/sessions for platform auth state.
package api
