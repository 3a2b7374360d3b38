package logging

// Standard attribute keys shared by the front-end, the host and the lifecycle
// manager.
const (
	FieldComponent = "component"
	FieldService   = "service"
	FieldMethod    = "method"
	FieldRequestID = "request_id"
	FieldPID       = "pid"
	FieldSocket    = "socket"
	FieldState     = "state"
	FieldEventType = "event_type"
	FieldErrorHint = "error_hint"
	FieldImpact    = "impact"
	FieldDuration  = "duration_ms"
)
