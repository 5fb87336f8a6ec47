// Package api hosts the HTTP server, middleware, and REST handlers that
// expose the governor to producers and out-of-process workers. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/items to submit work, /v1/items/{id}/... to settle it.
//   - POST /v1/work/next to lease the next admissible item.
//   - GET /v1/stats/... and /v1/identities for inspection.
package api
