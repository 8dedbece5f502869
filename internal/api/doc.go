// Package api hosts the optional status server for a harvest process.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for live progress of the current run.
//   - GET /v1/runs and /v1/runs/{run_id} for finished run summaries.
package api
