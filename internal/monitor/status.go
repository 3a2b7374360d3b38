package monitor

import (
	"time"

	"fgp/internal/lifecycle"
)

// ServiceStatus is the monitor's view of one service.
type ServiceStatus struct {
	Name       string
	Running    bool
	SocketPath string
	LastProbe  time.Time
	LastError  string
	Phase      lifecycle.State
	PID        int
	Version    string
}

// sameAs compares two statuses ignoring the probe timestamp.
func (s ServiceStatus) sameAs(other ServiceStatus) bool {
	s.LastProbe, other.LastProbe = time.Time{}, time.Time{}
	return s == other
}

// Event reports a status change.
type Event struct {
	Status  ServiceStatus
	Removed bool
}

// Health summarizes a set of statuses.
type Health int

const (
	Healthy Health = iota
	Degraded
	Error
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	default:
		return "error"
	}
}

// Summarize reports Healthy when every service runs, Degraded when some do,
// and Error when none do or the set is empty.
func Summarize(statuses []ServiceStatus) Health {
	running := 0
	for _, st := range statuses {
		if st.Running {
			running++
		}
	}
	switch {
	case len(statuses) == 0 || running == 0:
		return Error
	case running == len(statuses):
		return Healthy
	default:
		return Degraded
	}
}
