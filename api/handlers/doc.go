/*
Package handlers implements the HTTP endpoints of the crewflow API.

# Overview

Every endpoint answers with the shared Response envelope and maps
structured errors to HTTP status codes. Handlers follow the standard
net/http interface and are routed by the serve command.

# Core types

  - ExecutionHandler  — run submission, status polls, cancellation,
    per-run task/error/trace/log history
  - DefinitionHandler — CRUD for stored agents, tasks and flows
  - StreamHandler     — WebSocket log streaming, history then live
  - HealthHandler     — /health, /healthz, /ready, /version
  - Response          — unified JSON envelope (success + data + error)
  - ResponseWriter    — wraps http.ResponseWriter to capture the status

# Helpers

  - WriteSuccess / WriteAccepted / WriteError / WriteJSON
  - DecodeJSONBody (strict mode, unknown fields rejected)
  - ErrorCode to HTTP status mapping
  - Pluggable readiness probes via RegisterCheck
*/
package handlers
