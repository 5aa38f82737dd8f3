// Package api hosts the HTTP server, middleware, and REST handlers for
// capture requests. Notable routes:
//   - GET /healthz and /readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/captures to submit a capture request.
//   - GET /v1/captures/{job_id} and POST /v1/captures/{job_id}/cancel for
//     status and cancellation.
//   - GET /v1/admission for the admission scheduler's counters.
package api
