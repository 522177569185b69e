// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sources/{id}/crawl to enqueue a crawl outside the cadence.
//   - PUT /v1/sources/{id}/tier to pin or unpin a source's tier.
//   - GET /v1/tiers and POST /v1/tiers/{tier}/sweep for tier reporting and
//     on-demand sweeps.
package api
