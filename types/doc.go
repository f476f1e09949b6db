/*
Package types provides the shared type contracts of the crewflow backend.

It is the lowest-level package with no internal dependencies. Execution
lifecycle states, trace event types, and the unified error type live here so
that the execution, flow, events, and api packages can share them without
circular imports.

Core types:

  - ExecutionStatus — forward-only lifecycle state machine
    (PENDING -> PREPARING -> RUNNING -> COMPLETED | FAILED | CANCELLED)
  - TraceEvent / LogEntry — units flowing through the event pipelines
  - Error — structured error with code, retryability, and cause chain
  - IsTransient / IsCancellation — retry classification helpers
*/
package types
