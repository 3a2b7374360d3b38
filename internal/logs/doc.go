// Package logs reads and follows the per-service daemon.log files that the
// lifecycle manager redirects service stdout and stderr into.
//
// Reads are offset based so callers can print the last N lines and then
// resume from the returned offset. Follow blocks until its context ends and
// tolerates the file being truncated or created after the call starts.
package logs
