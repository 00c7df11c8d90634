// Package server assembles the watermarking HTTP surface behind a single
// multiplexer.
//
// The server builds a consistent middleware chain of request IDs, logging,
// metrics, rate limiting, CORS, and security headers so handlers all share
// common protections and instrumentation.
package server
