// Package ipc implements the local request/response protocol shared by every
// gateway service and the front-end.
//
// A connection carries exactly one exchange: the client writes one Request
// frame, the service answers with one Response frame, and the connection is
// closed. Frames are newline-delimited JSON objects. The package owns the
// framing, the error taxonomy surfaced to callers, the Client used for probes
// and business calls, and the Host that binds a service socket and dispatches
// requests to registered handlers.
//
// Every Host answers the built-in methods ping, shutdown (alias stop), health
// and methods regardless of the business API it registers.
package ipc
