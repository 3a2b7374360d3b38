// Package logging assembles structured slog loggers and formatting helpers used
// by the fgp front-end and every gateway service.
//
// It owns the console and JSON handlers, centralizes level and output plumbing,
// and exposes the standard field keys (component, service, method, request id)
// so a log line from the host, the lifecycle manager, and the monitor can be
// correlated without guessing at key names. A no-op logger is provided for
// tests and wiring code that cannot fail.
//
// Prefer these constructors over hand-rolled slog setup so every component
// emits data with the same shape.
package logging
