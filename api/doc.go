// Package api groups the HTTP surface of crewflow.
//
// # API Overview
//
// crewflow exposes a RESTful API for:
//   - Crew and flow run submission, status polling and cancellation
//   - Agent, task and flow definition management
//   - Per-run trace, log, task-status and error history
//   - Live log streaming over WebSocket
//   - Health monitoring and Prometheus metrics
//
// # Authentication
//
// When API keys are configured, endpoints outside the health and
// metrics set require the X-API-Key header:
//
//	X-API-Key: your-api-key
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// Request handlers live in the handlers subpackage; routing and
// middleware live in the serve command.
package api
