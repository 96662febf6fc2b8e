// Package server hosts the control-plane API behind a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, logging,
// security headers, CORS, audit, metrics, rate limiting, and service-token
// auth so handlers all share common protections and instrumentation.
package server
