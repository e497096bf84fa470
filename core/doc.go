// Package core defines the domain model shared by every stage of the
// collection pipeline.
//
// # Overview
//
// The core package provides:
//   - Domain types (Server, LogSource, Cursor, Candidate, Alert, AlertException)
//   - The severity ordinal used for filtering and notification escalation
//   - The error taxonomy returned by the remote log client and the store
//   - Deterministic alert fingerprinting used for deduplication
//   - A small circuit breaker guarding outbound notification sinks
//
// Interfaces are defined by the consuming packages (scheduler, detect, api),
// not here.
package core
