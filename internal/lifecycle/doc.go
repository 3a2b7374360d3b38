// Package lifecycle starts, stops and probes gateway services.
//
// Liveness is never cached: every decision is taken from a fresh, bounded
// ping against the service socket. Start is idempotent (a live service is
// never spawned twice), Stop escalates from a cooperative shutdown call to
// SIGTERM and finally SIGKILL, and both operations are serialized per
// service across processes with a lock file in the service directory.
//
// Every operation is bounded by the configured probe, startup and stop
// ceilings. A canceled operation kills any process it spawned and removes
// any socket that process left behind before returning.
package lifecycle
