// Package monitor tracks the running state of a set of services for the
// front-end.
//
// Status is always the outcome of the latest probe and is never persisted.
// A stopper-managed loop refreshes on an interval, subscribers receive an
// Event only when a status actually changes, and start/stop requests are
// serialized per service so a newer request supersedes the one in flight.
package monitor
