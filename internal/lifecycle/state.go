package lifecycle

// State is the lifecycle phase of a service.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Failed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result reports the terminal state reached by a lifecycle operation.
type Result struct {
	Name     string
	State    State
	Launched bool // a new process was spawned
	Forced   bool // the process had to be killed
	PID      int
	Err      error
}

// OK reports whether the operation reached the state it aimed for.
func (r Result) OK() bool {
	return r.Err == nil && r.State != Failed
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
