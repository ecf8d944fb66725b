// Package api hosts the HTTP server, middleware, and REST handlers used by the
// frontend and operators. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /api/run to submit a run, GET /api/runs/{id}/status to poll it.
//   - GET /api/ledger for the filtered recognition ledger.
//   - GET /api/history and /api/history/{id} for durable run history via the
//     ProgressRepository interface.
package api
