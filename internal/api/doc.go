// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/fetch and /v1/collect to fetch one page or collect a sample.
//   - POST /v1/cache/evict to prune the page cache.
//   - /v1/crawlers for registering, editing and executing plugin crawlers.
package api
