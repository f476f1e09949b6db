/*
Package main is the crewflow server executable.

# Overview

cmd/crewflow exposes the crew and flow execution backend over HTTP,
along with database migration, health probe and version subcommands.
Configuration comes from a YAML file plus CREWFLOW_* environment
overrides; logging is structured (zap) and metrics are served on a
dedicated Prometheus port.

# Core types

  - Server     — assembles storage, services and the two listeners
  - Middleware — func(http.Handler) http.Handler

# Capabilities

  - Subcommands: serve, migrate (up/down/status/version/force),
    version, health
  - Middleware chain: Recovery, RequestID, SecurityHeaders,
    RequestLogger, MetricsMiddleware, OTelTracing, CORS, per-IP
    RateLimiter, APIKeyAuth (X-API-Key header or api_key query)
  - Metrics server: /metrics on its own port
  - Graceful shutdown: signal wait, stop listeners, drain event
    pipelines, close cache and telemetry
  - Build metadata: Version, BuildTime, GitCommit set via ldflags
*/
package main
